package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/casonadams/minerva/internal/engine"
	"github.com/casonadams/minerva/internal/logger"
	"github.com/casonadams/minerva/internal/sampler"
	"github.com/casonadams/minerva/internal/service"
)

type generateOptions struct {
	maxTokens      int
	sampling       sampler.Config
	stop           []string
	contextShift   bool
	tracePath      string
	tracePositions int
	quiet          bool
}

func newGenerateCmd(g *globals) *cobra.Command {
	o := &generateOptions{}
	cmd := &cobra.Command{
		Use:   "generate MODEL [PROMPT]",
		Short: "Generate text from a prompt",
		Long: "Generate streams a completion of PROMPT (or stdin when omitted) from MODEL.\n" +
			"MODEL is a weight file, a directory holding model.safetensors, an alias from\n" +
			"the config file, or an Ollama name:tag.",
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGenerate(cmd, g, o, args)
		},
	}
	f := cmd.Flags()
	f.IntVarP(&o.maxTokens, "num-predict", "n", 128, "Maximum tokens to generate (0 fills the context)")
	f.Float64Var(&o.sampling.Temperature, "temperature", 0.8, "Sampling temperature (0 is greedy)")
	f.IntVar(&o.sampling.TopK, "top-k", 40, "Keep the k most likely tokens (0 disables)")
	f.Float64Var(&o.sampling.TopP, "top-p", 0.9, "Nucleus sampling mass (0 or 1 disables)")
	f.Float64Var(&o.sampling.RepeatPenalty, "repeat-penalty", 1.1, "Penalty for recently generated tokens")
	f.Float64Var(&o.sampling.FrequencyPenalty, "frequency-penalty", 0, "Penalty per prior occurrence")
	f.Float64Var(&o.sampling.PresencePenalty, "presence-penalty", 0, "Penalty for any prior occurrence")
	f.IntVar(&o.sampling.RepeatLastN, "repeat-last-n", 64, "Window the penalties look back over")
	f.Int64Var(&o.sampling.Seed, "seed", 0, "Sampling seed (0 picks one)")
	f.StringSliceVar(&o.stop, "stop", nil, "Stop sequences")
	f.BoolVar(&o.contextShift, "ctx-shift", false, "Discard old context instead of stopping when full")
	f.StringVar(&o.tracePath, "trace", "", "Write per-layer activation statistics as JSON to this file")
	f.IntVar(&o.tracePositions, "trace-positions", 4, "Positions to trace (0 traces all)")
	f.BoolVarP(&o.quiet, "quiet", "q", false, "Hide the load progress bar")
	return cmd
}

func runGenerate(cmd *cobra.Command, g *globals, o *generateOptions, args []string) error {
	prompt, err := readPrompt(cmd.InOrStdin(), args)
	if err != nil {
		return err
	}

	var opts []service.Option
	if !o.quiet {
		opts = append(opts, service.WithProgress(newLoadProgress(cmd.ErrOrStderr()).update))
	}
	svc, err := service.New(g.rt, opts...)
	if err != nil {
		return err
	}
	defer svc.Close()
	hm, stopMonitor := g.startMonitor(svc)
	defer stopMonitor()

	req := engine.Request{
		Prompt:       prompt,
		MaxTokens:    o.maxTokens,
		Sampling:     o.sampling,
		Stop:         o.stop,
		ContextShift: o.contextShift,
	}
	if o.tracePath != "" {
		req.Trace = engine.NewTrace(o.tracePositions)
	}

	start := time.Now()
	stream, err := svc.Generate(cmd.Context(), args[0], req)
	if err != nil {
		hm.RecordInference(0, time.Since(start), err)
		return err
	}
	defer stream.Close()

	out := bufio.NewWriter(cmd.OutOrStdout())
	tokens := 0
	for stream.Next() {
		tokens++
		out.WriteString(stream.Fragment())
		out.Flush()
	}
	out.WriteString("\n")
	out.Flush()

	elapsed := time.Since(start)
	hm.RecordInference(tokens, elapsed, stream.Err())
	if err := stream.Err(); err != nil {
		return err
	}
	logger.Log.Info("Generation finished", "model", args[0], "reason", string(stream.FinishReason()),
		"fragments", tokens, "duration", elapsed)

	if req.Trace != nil {
		hm.RecordTrace(req.Trace)
		if err := req.Trace.SaveToFile(o.tracePath); err != nil {
			return fmt.Errorf("write trace: %w", err)
		}
		for _, a := range req.Trace.Anomalies() {
			logger.Log.Warn("Activation anomaly", "position", a.Position, "layer", a.Layer,
				"stage", a.Stage, "rms", a.RMS, "nans", a.NaNs, "infs", a.Infs)
		}
	}
	return nil
}

func readPrompt(stdin io.Reader, args []string) (string, error) {
	if len(args) > 1 {
		return args[1], nil
	}
	b, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read prompt: %w", err)
	}
	prompt := strings.TrimRight(string(b), "\n")
	if prompt == "" {
		return "", fmt.Errorf("empty prompt")
	}
	return prompt, nil
}

// loadProgress draws one bar per model load.
type loadProgress struct {
	w    io.Writer
	mu   sync.Mutex
	bars map[string]*progressbar.ProgressBar
}

func newLoadProgress(w io.Writer) *loadProgress {
	return &loadProgress{w: w, bars: map[string]*progressbar.ProgressBar{}}
}

func (p *loadProgress) update(path string, done, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	bar, ok := p.bars[path]
	if !ok {
		bar = progressbar.NewOptions(total,
			progressbar.OptionSetWriter(p.w),
			progressbar.OptionSetDescription("Loading tensors"),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
			progressbar.OptionSetTheme(progressbar.Theme{
				Saucer:        "=",
				SaucerHead:    ">",
				SaucerPadding: " ",
				BarStart:      "[",
				BarEnd:        "]",
			}),
		)
		p.bars[path] = bar
	}
	bar.Set(done)
	if done >= total {
		bar.Finish()
		delete(p.bars, path)
	}
}
