package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/casonadams/minerva/internal/device"
	"github.com/casonadams/minerva/internal/errs"
	"github.com/casonadams/minerva/internal/kvcache"
	"github.com/casonadams/minerva/internal/logger"
	"github.com/casonadams/minerva/internal/metrics"
)

// State is the lifecycle position of a Session.
type State int

const (
	StatePrefill State = iota
	StateDecode
	StateDone
)

func (s State) String() string {
	switch s {
	case StatePrefill:
		return "prefill"
	case StateDecode:
		return "decode"
	default:
		return "done"
	}
}

var ErrSessionState = errors.New("engine: call not valid in this session state")

type SessionOptions struct {
	// ContextSize is the KV capacity in positions. Zero means the model's
	// trained context length.
	ContextSize int
	// ContextShift discards the oldest half of the context after the first
	// Keep positions instead of failing with a context overflow.
	ContextShift bool
	Keep         int
	// Trace, when set, receives per-layer activation statistics.
	Trace *Trace
}

// Session is one sequence being decoded. It owns its KV cache and scratch
// buffers and is not safe for concurrent use.
type Session struct {
	ID    string
	m     *Model
	opts  SessionOptions
	scope *device.Scope
	cache *kvcache.Cache
	state State
	// pos is the absolute position of the next token; it keeps counting
	// across context shifts so cached keys keep their rotations.
	pos int
	log *logger.Logger

	x, xb, xb2    []float32
	q, k, v, attn []float32
	scores        []float32
	cos, sin      []float32
	logits        []float32
}

// NewSession reserves the KV cache and scratch buffers for one sequence.
func (m *Model) NewSession(opts SessionOptions) (*Session, error) {
	cfg := m.cfg
	if opts.ContextSize <= 0 {
		opts.ContextSize = cfg.SeqLen
	}
	if opts.Keep < 0 || opts.Keep >= opts.ContextSize {
		return nil, fmt.Errorf("engine: keep %d outside context of %d", opts.Keep, opts.ContextSize)
	}
	scope := m.dev.NewScope()
	cache, err := kvcache.New(scope, cfg.Layers, opts.ContextSize, cfg.KVHeads, cfg.HeadDim)
	if err != nil {
		scope.Close()
		return nil, err
	}
	s := &Session{
		ID:     uuid.NewString(),
		m:      m,
		opts:   opts,
		scope:  scope,
		cache:  cache,
		x:      scope.Buffer(cfg.Dim),
		xb:     scope.Buffer(cfg.Dim),
		xb2:    scope.Buffer(cfg.Dim),
		q:      scope.Buffer(cfg.Dim),
		k:      scope.Buffer(cfg.KVDim()),
		v:      scope.Buffer(cfg.KVDim()),
		attn:   scope.Buffer(cfg.Dim),
		scores: scope.Buffer(opts.ContextSize),
		cos:    scope.Buffer(cfg.HeadDim / 2),
		sin:    scope.Buffer(cfg.HeadDim / 2),
		logits: scope.Buffer(cfg.VocabSize),
	}
	s.log = m.log.With("session", s.ID)
	metrics.ActiveSessions.Inc()
	return s, nil
}

func (s *Session) State() State { return s.state }

// Len is the number of positions currently cached.
func (s *Session) Len() int { return s.cache.Len() }

// Capacity is the KV cache size in positions.
func (s *Session) Capacity() int { return s.cache.Capacity() }

// Position is the absolute position the next token will take.
func (s *Session) Position() int { return s.pos }

// Prefill runs the prompt through the model and returns the logits for the
// token after it. The returned slice is owned by the session and is
// overwritten by the next call.
func (s *Session) Prefill(ctx context.Context, tokens []int) ([]float32, error) {
	if s.state != StatePrefill {
		return nil, fmt.Errorf("%w: prefill in state %s", ErrSessionState, s.state)
	}
	if len(tokens) == 0 {
		return nil, errs.Newf(errs.StageForward, errs.ErrDimensionMismatch, "prefill: empty prompt")
	}
	start := time.Now()
	for _, tok := range tokens {
		if err := ctx.Err(); err != nil {
			s.state = StateDone
			return nil, errs.New(errs.StageForward, "prefill", err)
		}
		if err := s.step(tok); err != nil {
			return nil, err
		}
	}
	s.state = StateDecode
	metrics.RecordForward("prefill", time.Since(start))
	s.log.Debug("Prefill done", "tokens", len(tokens), "cached", s.cache.Len(), "duration", time.Since(start))
	return s.logits, nil
}

// Decode feeds one token and returns the logits for the next.
func (s *Session) Decode(ctx context.Context, token int) ([]float32, error) {
	if s.state != StateDecode {
		return nil, fmt.Errorf("%w: decode in state %s", ErrSessionState, s.state)
	}
	if err := ctx.Err(); err != nil {
		s.state = StateDone
		return nil, errs.New(errs.StageForward, "decode", err)
	}
	start := time.Now()
	if err := s.step(token); err != nil {
		return nil, err
	}
	metrics.RecordForward("decode", time.Since(start))
	return s.logits, nil
}

// Close releases the KV cache and every scratch buffer. The model itself is
// untouched. Close is idempotent.
func (s *Session) Close() {
	if s.scope == nil {
		return
	}
	s.state = StateDone
	s.cache.Release()
	s.scope.Close()
	s.scope = nil
	metrics.ActiveSessions.Dec()
}

// step runs one position. Any failure ends the session: the cache may hold a
// partial row for some layers.
func (s *Session) step(token int) error {
	if err := s.makeRoom(); err != nil {
		s.state = StateDone
		return err
	}
	if err := s.forward(token); err != nil {
		s.state = StateDone
		return err
	}
	s.pos++
	return nil
}

// makeRoom guarantees one free cache row, shifting if the session allows it.
func (s *Session) makeRoom() error {
	n, capacity := s.cache.Len(), s.cache.Capacity()
	if n+1 <= capacity {
		return nil
	}
	keep := s.opts.Keep
	discard := (n - keep) / 2
	if !s.opts.ContextShift || discard < 1 {
		metrics.KVCacheOverflows.Inc()
		return errs.Newf(errs.StageForward, errs.ErrContextOverflow,
			"%d positions cached, capacity %d", n, capacity)
	}
	shift := s.cache.Shift
	if keep > 0 {
		shift = func(n int) error { return s.cache.Discard(keep, n) }
	}
	if err := shift(discard); err != nil {
		return errs.New(errs.StageForward, "context shift", err)
	}
	s.log.Debug("Context shifted", "kept", keep, "discarded", discard, "remaining", s.cache.Len())
	return nil
}
