package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/casonadams/minerva/internal/config"
	"github.com/casonadams/minerva/internal/engine"
	"github.com/casonadams/minerva/internal/errs"
	"github.com/casonadams/minerva/internal/logger"
	"github.com/casonadams/minerva/internal/metrics"
	"github.com/casonadams/minerva/internal/weights"
)

// Native runs the model on the in-process engine.
type Native struct {
	deps  Deps
	model *engine.Model
}

func newNative(deps Deps) *Native {
	return &Native{deps: deps}
}

func (n *Native) Kind() Kind { return KindNative }

func (n *Native) Load(ctx context.Context, path string) error {
	if n.model != nil {
		return fmt.Errorf("backend: already holds %s", n.model.Store().Path())
	}
	if err := ctx.Err(); err != nil {
		return errs.New(errs.StageLoad, path, err)
	}
	start := time.Now()
	store, err := weights.Load(path, weights.Options{
		Threads:     n.deps.Runtime.Threads,
		MemoryLimit: n.deps.Runtime.LoadMemoryBytes,
		Progress:    n.deps.Progress,
	})
	if err != nil {
		return err
	}
	m, err := engine.NewModel(store, n.deps.Device)
	if err != nil {
		store.Close()
		return err
	}
	if m.Tokenizer() == nil {
		store.Close()
		return errs.Newf(errs.StageLoad, errs.ErrCorruptFormat, "%s carries no tokenizer", path)
	}
	n.model = m
	metrics.RecordModelLoad(KindNative.String(), time.Since(start))
	logger.Log.Info("Native backend ready", "path", path, "arch", m.Config().Architecture,
		"bytes", store.SizeBytes(), "device", n.deps.Device.String())
	return nil
}

// Model is the loaded engine model, nil before Load.
func (n *Native) Model() *engine.Model { return n.model }

func (n *Native) Generate(ctx context.Context, req engine.Request) (engine.Stream, error) {
	if n.model == nil {
		return nil, errs.New(errs.StageLoad, "generate", ErrNotLoaded)
	}
	req.ContextSize = contextSize(n.deps.Runtime, n.model.Config(), req.ContextSize)
	g, err := n.model.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	return g, nil
}

// contextSize fills in the runtime default and clamps to the model's trained
// context and the runtime ceiling.
func contextSize(rt config.Runtime, cfg config.Config, requested int) int {
	limit := rt.ContextFor(cfg)
	if requested <= 0 || (limit > 0 && requested > limit) {
		return limit
	}
	return requested
}

func (n *Native) Tokenize(_ context.Context, text string) ([]int, error) {
	if n.model == nil {
		return nil, errs.New(errs.StageTokenize, "tokenize", ErrNotLoaded)
	}
	return n.model.Tokenizer().Encode(text), nil
}

func (n *Native) Detokenize(_ context.Context, ids []int) (string, error) {
	if n.model == nil {
		return "", errs.New(errs.StageTokenize, "detokenize", ErrNotLoaded)
	}
	vocab := n.model.Tokenizer().VocabSize()
	for _, id := range ids {
		if id < 0 || id >= vocab {
			return "", errs.Newf(errs.StageTokenize, errs.ErrDimensionMismatch, "token %d outside vocabulary of %d", id, vocab)
		}
	}
	return n.model.Tokenizer().Decode(ids), nil
}

func (n *Native) IsLoaded() bool { return n.model != nil }

func (n *Native) SizeBytes() int64 {
	if n.model == nil {
		return 0
	}
	return n.model.Store().SizeBytes()
}

func (n *Native) Close() error {
	if n.model == nil {
		return nil
	}
	err := n.model.Store().Close()
	n.model = nil
	return err
}
