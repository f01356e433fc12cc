package main

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"

	json "github.com/goccy/go-json"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/casonadams/minerva/internal/backend"
	"github.com/casonadams/minerva/internal/models"
	"github.com/casonadams/minerva/internal/weights"
)

type inspectReport struct {
	Path          string         `json:"path"`
	Format        string         `json:"format"`
	Architecture  string         `json:"architecture"`
	FileSize      int64          `json:"file_size"`
	DeclaredBytes int64          `json:"declared_bytes"`
	Tensors       int            `json:"tensors"`
	DTypes        map[string]int `json:"dtypes"`
	Layers        int            `json:"layers,omitempty"`
	Dim           int            `json:"dim,omitempty"`
	Heads         int            `json:"heads,omitempty"`
	KVHeads       int            `json:"kv_heads,omitempty"`
	Vocab         int            `json:"vocab,omitempty"`
	ContextLength int            `json:"context_length,omitempty"`
	ConfigError   string         `json:"config_error,omitempty"`
	Undecodable   []string       `json:"undecodable,omitempty"`
	Missing       []string       `json:"missing,omitempty"`
	Backend       string         `json:"backend"`
	Reason        string         `json:"reason,omitempty"`
}

func newInspectCmd(g *globals) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "inspect MODEL",
		Short: "Show a model's header and which backend would serve it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := models.NewResolver(g.rt.ModelsDir, g.rt.Aliases).Resolve(args[0])
			if err != nil {
				return err
			}
			h, err := weights.Probe(path)
			if err != nil {
				return err
			}
			r := report(h)
			sel := backend.Selector{External: g.rt.ExternalEndpoint != "" || g.rt.ExternalBinary != ""}
			if kind, err := sel.Choose(path); err != nil {
				r.Backend = "none"
				r.Reason = err.Error()
			} else {
				r.Backend = kind.String()
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(r)
			}
			return printReport(cmd.OutOrStdout(), r)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the report as JSON")
	return cmd
}

func report(h *weights.Header) inspectReport {
	r := inspectReport{
		Path:          h.Path,
		Format:        h.Format.String(),
		Architecture:  h.Architecture,
		FileSize:      h.FileSize,
		DeclaredBytes: h.DeclaredBytes,
		Tensors:       h.TensorCount,
		DTypes:        h.DTypes,
		Undecodable:   h.Undecodable,
		Missing:       h.Missing,
	}
	if h.ConfigErr != nil {
		r.ConfigError = h.ConfigErr.Error()
		return r
	}
	r.Layers = h.Config.Layers
	r.Dim = h.Config.Dim
	r.Heads = h.Config.Heads
	r.KVHeads = h.Config.KVHeads
	r.Vocab = h.Config.VocabSize
	r.ContextLength = h.Config.SeqLen
	return r
}

func printReport(out io.Writer, r inspectReport) error {
	table := tablewriter.NewWriter(out)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("  ")

	data := [][]string{
		{"path", r.Path},
		{"format", r.Format},
		{"architecture", r.Architecture},
		{"file size", fmt.Sprintf("%.2f MB", float64(r.FileSize)/(1<<20))},
		{"expanded size", fmt.Sprintf("%.2f MB", float64(r.DeclaredBytes)/(1<<20))},
		{"tensors", strconv.Itoa(r.Tensors)},
	}
	for _, dt := range slices.Sorted(maps.Keys(r.DTypes)) {
		data = append(data, []string{"  " + dt, strconv.Itoa(r.DTypes[dt])})
	}
	if r.ConfigError != "" {
		data = append(data, []string{"config", "unusable: " + r.ConfigError})
	} else {
		data = append(data,
			[]string{"layers", strconv.Itoa(r.Layers)},
			[]string{"dim", strconv.Itoa(r.Dim)},
			[]string{"heads", fmt.Sprintf("%d (kv %d)", r.Heads, r.KVHeads)},
			[]string{"vocab", strconv.Itoa(r.Vocab)},
			[]string{"context", strconv.Itoa(r.ContextLength)},
		)
	}
	for _, name := range r.Undecodable {
		data = append(data, []string{"undecodable", name})
	}
	for _, name := range r.Missing {
		data = append(data, []string{"missing", name})
	}
	data = append(data, []string{"backend", r.Backend})
	if r.Reason != "" {
		data = append(data, []string{"reason", r.Reason})
	}
	table.AppendBulk(data)
	table.Render()
	return nil
}
