package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/casonadams/minerva/internal/gguf"
	"github.com/casonadams/minerva/internal/logger"
	"github.com/casonadams/minerva/internal/toymodel"
)

var ggufTypes = map[string]gguf.GGMLType{
	"f32":  gguf.GGMLTypeF32,
	"f16":  gguf.GGMLTypeF16,
	"bf16": gguf.GGMLTypeBF16,
	"q8_0": gguf.GGMLTypeQ8_0,
	"q4_0": gguf.GGMLTypeQ4_0,
}

var safetensorsTypes = map[string]string{
	"f32":  "F32",
	"f16":  "F16",
	"bf16": "BF16",
}

func newMkModelCmd() *cobra.Command {
	var (
		format string
		dtype  string
		tied   bool
	)
	o := toymodel.Default()
	cmd := &cobra.Command{
		Use:   "mkmodel OUTPUT",
		Short: "Write a small random model for smoke tests",
		Long: "Mkmodel writes a tiny randomly initialised transformer over a six-token\n" +
			"vocabulary. With --format gguf OUTPUT is a file; with --format safetensors\n" +
			"it is a directory that receives model.safetensors, config.json and\n" +
			"tokenizer.json.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o.Tied = tied
			out := args[0]
			dtype = strings.ToLower(dtype)
			switch format {
			case "gguf":
				typ, ok := ggufTypes[dtype]
				if !ok {
					return fmt.Errorf("gguf cannot hold type %q", dtype)
				}
				o.Type = typ
				if err := o.WriteGGUF(out); err != nil {
					return fmt.Errorf("write %s: %w", out, err)
				}
			case "safetensors":
				st, ok := safetensorsTypes[dtype]
				if !ok {
					return fmt.Errorf("safetensors cannot hold type %q", dtype)
				}
				if err := os.MkdirAll(out, 0o755); err != nil {
					return err
				}
				path, err := o.WriteSafetensors(out, st)
				if err != nil {
					return fmt.Errorf("write %s: %w", out, err)
				}
				out = path
			default:
				return fmt.Errorf("unknown format %q (gguf or safetensors)", format)
			}
			logger.Log.Info("Model written", "path", out, "format", format, "type", dtype,
				"layers", o.Layers, "arch", o.Config().Architecture)
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&format, "format", "gguf", "Container format (gguf, safetensors)")
	f.StringVar(&dtype, "type", "f32", "Matrix storage type (f32, f16, bf16, q8_0, q4_0)")
	f.Int64Var(&o.Seed, "seed", o.Seed, "Initialisation seed")
	f.IntVar(&o.Layers, "layers", o.Layers, "Transformer blocks")
	f.IntVar(&o.SeqLen, "seq-len", o.SeqLen, "Declared context length")
	f.StringVar(&o.Architecture, "arch", "llama", "Declared architecture")
	f.BoolVar(&tied, "tied", false, "Share the embedding as the output projection")
	return cmd
}
