package backend

import (
	"context"
	"time"

	"github.com/casonadams/minerva/internal/engine"
	"github.com/casonadams/minerva/internal/errs"
	"github.com/casonadams/minerva/internal/logger"
	"github.com/casonadams/minerva/internal/metrics"
	"github.com/casonadams/minerva/internal/runtime"
)

// External delegates to an inference runtime over Flight. The model's
// memory lives in the runtime process, so SizeBytes reports zero.
type External struct {
	deps   Deps
	client *runtime.Client
	model  string
	remote int64
}

func newExternal(deps Deps) *External {
	return &External{deps: deps}
}

func (e *External) Kind() Kind { return KindExternal }

func (e *External) Load(ctx context.Context, path string) error {
	start := time.Now()
	c, err := e.deps.Connector.Client(ctx)
	if err != nil {
		return err
	}
	size, err := c.Load(ctx, path)
	if err != nil {
		return err
	}
	e.client, e.model, e.remote = c, path, size
	metrics.RecordModelLoad(KindExternal.String(), time.Since(start))
	logger.Log.Info("External backend ready", "path", path, "runtime", c.Addr(), "remote_bytes", size)
	return nil
}

func (e *External) Generate(ctx context.Context, req engine.Request) (engine.Stream, error) {
	if e.client == nil {
		return nil, errs.New(errs.StageLoad, "generate", ErrNotLoaded)
	}
	return e.client.Generate(ctx, e.model, req)
}

func (e *External) Tokenize(ctx context.Context, text string) ([]int, error) {
	if e.client == nil {
		return nil, errs.New(errs.StageTokenize, "tokenize", ErrNotLoaded)
	}
	return e.client.Tokenize(ctx, e.model, text)
}

func (e *External) Detokenize(ctx context.Context, ids []int) (string, error) {
	if e.client == nil {
		return "", errs.New(errs.StageTokenize, "detokenize", ErrNotLoaded)
	}
	return e.client.Detokenize(ctx, e.model, ids)
}

func (e *External) IsLoaded() bool { return e.client != nil }

func (e *External) SizeBytes() int64 { return 0 }

// RemoteBytes is the footprint the runtime reported for the model.
func (e *External) RemoteBytes() int64 { return e.remote }

// Close unloads the model from the runtime. The shared connection stays
// open for other backends.
func (e *External) Close() error {
	if e.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := e.client.Unload(ctx, e.model)
	e.client = nil
	return err
}
