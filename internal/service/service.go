// Package service is the inference entry point: it resolves model ids, keeps
// backends resident in the model cache, bounds concurrent sessions and hands
// out token streams.
package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/casonadams/minerva/internal/backend"
	"github.com/casonadams/minerva/internal/config"
	"github.com/casonadams/minerva/internal/device"
	"github.com/casonadams/minerva/internal/engine"
	"github.com/casonadams/minerva/internal/errs"
	"github.com/casonadams/minerva/internal/logger"
	"github.com/casonadams/minerva/internal/modelcache"
	"github.com/casonadams/minerva/internal/models"
	"github.com/casonadams/minerva/internal/runtime"
)

type Option func(*Service)

// WithProgress reports native load progress per model path.
func WithProgress(fn func(path string, done, total int)) Option {
	return func(s *Service) { s.progress = fn }
}

// WithResolver replaces the resolver built from the runtime config.
func WithResolver(r *models.Resolver) Option {
	return func(s *Service) { s.resolver = r }
}

// Service is safe for concurrent use.
type Service struct {
	rt       config.Runtime
	dev      *device.Device
	conn     *runtime.Connector
	resolver *models.Resolver
	selector backend.Selector
	cache    *modelcache.Cache[backend.Backend]
	slots    *semaphore.Weighted
	active   atomic.Int64
	progress func(path string, done, total int)
	log      *logger.Logger
}

var _ runtime.Host = (*Service)(nil)

func New(rt config.Runtime, opts ...Option) (*Service, error) {
	if err := rt.Validate(); err != nil {
		return nil, err
	}
	s := &Service{
		rt:    rt,
		dev:   device.FromRuntime(rt),
		conn:  runtime.NewConnector(rt),
		slots: semaphore.NewWeighted(int64(rt.MaxSessions)),
		log:   logger.Log.With("component", "service"),
	}
	s.selector = backend.Selector{External: s.conn.Configured()}
	for _, opt := range opts {
		opt(s)
	}
	if s.resolver == nil {
		s.resolver = models.NewResolver(rt.ModelsDir, rt.Aliases)
	}
	s.cache = modelcache.New[backend.Backend](s.load, modelcache.Options{
		MaxBytes:   rt.CacheMemoryBytes,
		MaxEntries: rt.CacheMaxModels,
	})
	s.log.Info("Service ready", "device", s.dev.String(), "max_sessions", rt.MaxSessions,
		"cache_bytes", rt.CacheMemoryBytes, "external", s.conn.Configured())
	return s, nil
}

// load is the model cache loader; ids are resolved paths.
func (s *Service) load(ctx context.Context, path string) (backend.Backend, error) {
	kind, err := s.selector.Choose(path)
	if err != nil {
		return nil, err
	}
	deps := backend.Deps{Device: s.dev, Runtime: s.rt, Connector: s.conn}
	if s.progress != nil {
		deps.Progress = func(done, total int) { s.progress(path, done, total) }
	}
	b, err := backend.New(kind, deps)
	if err != nil {
		return nil, err
	}
	if err := b.Load(ctx, path); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

func (s *Service) acquire(ctx context.Context, model string) (*modelcache.Handle[backend.Backend], error) {
	path, err := s.resolver.Resolve(model)
	if err != nil {
		return nil, err
	}
	return s.cache.GetOrLoad(ctx, path)
}

// Generate starts a generation on model. The returned stream holds a
// session slot and pins the model until it is closed or exhausted.
func (s *Service) Generate(ctx context.Context, model string, req engine.Request) (engine.Stream, error) {
	h, err := s.acquire(ctx, model)
	if err != nil {
		return nil, err
	}
	if err := s.slots.Acquire(ctx, 1); err != nil {
		h.Release()
		return nil, errs.New(errs.StageForward, "acquire session slot", err)
	}
	s.active.Add(1)
	release := func() {
		s.active.Add(-1)
		s.slots.Release(1)
		h.Release()
	}
	st, err := h.Value().Generate(ctx, req)
	if err != nil {
		release()
		return nil, err
	}
	return &stream{Stream: st, release: release}, nil
}

// stream returns its slot and model handle once, on exhaustion or Close.
type stream struct {
	engine.Stream
	once    sync.Once
	release func()
}

func (st *stream) Next() bool {
	if st.Stream.Next() {
		return true
	}
	st.once.Do(st.release)
	return false
}

func (st *stream) Close() error {
	err := st.Stream.Close()
	st.once.Do(st.release)
	return err
}

// Load makes model resident and returns its footprint in this process.
func (s *Service) Load(ctx context.Context, model string) (int64, error) {
	h, err := s.acquire(ctx, model)
	if err != nil {
		return 0, err
	}
	defer h.Release()
	return h.Value().SizeBytes(), nil
}

func (s *Service) Tokenize(ctx context.Context, model, text string) ([]int, error) {
	h, err := s.acquire(ctx, model)
	if err != nil {
		return nil, err
	}
	defer h.Release()
	return h.Value().Tokenize(ctx, text)
}

func (s *Service) Detokenize(ctx context.Context, model string, ids []int) (string, error) {
	h, err := s.acquire(ctx, model)
	if err != nil {
		return "", err
	}
	defer h.Release()
	return h.Value().Detokenize(ctx, ids)
}

// Unload drops model from the cache; streams still using it keep it alive
// until they close.
func (s *Service) Unload(model string) bool {
	path, err := s.resolver.Resolve(model)
	if err != nil {
		path = model
	}
	return s.cache.Unload(path)
}

func (s *Service) IsLoaded(model string) bool {
	path, err := s.resolver.Resolve(model)
	if err != nil {
		return false
	}
	return s.cache.Contains(path)
}

type Stats struct {
	Cache          modelcache.Stats `json:"model_cache"`
	Pool           device.PoolStats `json:"buffer_pool"`
	ActiveSessions int64            `json:"active_sessions"`
	MaxSessions    int              `json:"max_sessions"`
	Device         string           `json:"device"`
}

func (s *Service) Stats() Stats {
	return Stats{
		Cache:          s.cache.Stats(),
		Pool:           s.dev.Pool().Stats(),
		ActiveSessions: s.active.Load(),
		MaxSessions:    s.rt.MaxSessions,
		Device:         s.dev.String(),
	}
}

// Close unloads every model, stops a spawned runtime and drains the pool.
func (s *Service) Close() error {
	err := s.cache.Close()
	err = errors.Join(err, s.conn.Close())
	s.dev.Close()
	return err
}
