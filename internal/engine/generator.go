package engine

import (
	"context"
	"strings"
	"time"

	"github.com/casonadams/minerva/internal/errs"
	"github.com/casonadams/minerva/internal/metrics"
	"github.com/casonadams/minerva/internal/sampler"
	"github.com/casonadams/minerva/internal/tokenizer"
)

// FinishReason says why a generation stopped.
type FinishReason string

const (
	FinishNone     FinishReason = ""
	FinishStop     FinishReason = "stop"
	FinishLength   FinishReason = "length"
	FinishCanceled FinishReason = "canceled"
	FinishError    FinishReason = "error"
)

// Stream is the pull-based sequence of text fragments every backend
// returns. It is finite and not restartable.
type Stream interface {
	Next() bool
	Fragment() string
	// Token is the id of the last sampled token.
	Token() int
	Err() error
	FinishReason() FinishReason
	Close() error
}

var _ Stream = (*Generator)(nil)

// Request is one generation call. It is not modified once handed over.
type Request struct {
	Prompt string `json:"prompt"`
	// Tokens, when non-empty, is used verbatim instead of encoding Prompt.
	Tokens []int `json:"tokens,omitempty"`
	// MaxTokens caps the generated tokens. Zero means until the context is
	// full, or 4x the context when shifting.
	MaxTokens    int            `json:"max_tokens"`
	Sampling     sampler.Config `json:"sampling"`
	Stop         []string       `json:"stop,omitempty"`
	ContextSize  int            `json:"context_size,omitempty"`
	ContextShift bool           `json:"context_shift,omitempty"`
	// Trace, when set, collects activation statistics. It stays in process.
	Trace *Trace `json:"-"`
}

// Generator is the lazy, finite token stream of one request. Call Next until
// it returns false, then check Err. It is not restartable and not safe for
// concurrent use.
type Generator struct {
	ctx    context.Context
	s      *Session
	tok    *tokenizer.Tokenizer
	smp    *sampler.Sampler
	dec    *tokenizer.Decoder
	req    Request
	prompt []int
	limit  int

	history []int
	out     []int
	last    int
	started bool

	held   string
	frag   string
	err    error
	reason FinishReason
	done   bool
	closed bool
	start  time.Time
}

// Generate opens a session for req. The prompt runs on the first Next.
func (m *Model) Generate(ctx context.Context, req Request) (*Generator, error) {
	if m.tok == nil {
		return nil, errs.Newf(errs.StageTokenize, errs.ErrCorruptFormat, "model has no tokenizer")
	}
	smp, err := sampler.New(req.Sampling)
	if err != nil {
		return nil, err
	}
	prompt := req.Tokens
	if len(prompt) == 0 {
		prompt = m.tok.EncodeWithBOS(req.Prompt)
	}
	if len(prompt) == 0 {
		return nil, errs.Newf(errs.StageTokenize, errs.ErrDimensionMismatch, "prompt encodes to no tokens")
	}

	opts := SessionOptions{ContextSize: req.ContextSize, ContextShift: req.ContextShift, Trace: req.Trace}
	if opts.ContextShift && m.tok.BOS() >= 0 && prompt[0] == m.tok.BOS() {
		opts.Keep = 1
	}
	s, err := m.NewSession(opts)
	if err != nil {
		return nil, err
	}
	if !req.ContextShift && len(prompt) > s.Capacity() {
		s.Close()
		metrics.KVCacheOverflows.Inc()
		return nil, errs.Newf(errs.StageForward, errs.ErrContextOverflow,
			"prompt of %d tokens exceeds context of %d", len(prompt), s.Capacity())
	}

	limit := req.MaxTokens
	if limit <= 0 {
		if req.ContextShift {
			limit = 4 * s.Capacity()
		} else {
			limit = s.Capacity() - len(prompt) + 1
		}
	}
	return &Generator{
		ctx:     ctx,
		s:       s,
		tok:     m.tok,
		smp:     smp,
		dec:     m.tok.NewDecoder(),
		req:     req,
		prompt:  prompt,
		limit:   limit,
		history: append([]int(nil), prompt...),
		start:   time.Now(),
	}, nil
}

// Next advances to the next non-empty text fragment. Text that could be the
// start of a stop sequence is held back until it is resolved.
func (g *Generator) Next() bool {
	if g.done {
		g.frag = ""
		return false
	}
	for {
		if err := g.ctx.Err(); err != nil {
			g.finish(FinishCanceled, errs.New(errs.StageForward, "generate", err), "")
			return false
		}
		logits, err := g.logits()
		if err != nil {
			g.finish(FinishError, err, "")
			return false
		}
		id, err := g.smp.Sample(logits, g.history)
		if err != nil {
			metrics.SamplerFallbacks.Inc()
			g.s.log.Warn("Sampling failed, using arg-max", "error", err)
			id = sampler.ArgMax(logits)
		}
		g.last = id
		g.history = append(g.history, id)

		if g.tok.IsEOS(id) {
			g.finish(FinishStop, nil, g.held+g.dec.Flush())
			return g.frag != ""
		}
		g.out = append(g.out, id)
		text := g.held + g.dec.Add(id)
		g.held = ""

		if i, ok := g.stopAt(text); ok {
			g.finish(FinishStop, nil, text[:i])
			return g.frag != ""
		}
		if len(g.out) >= g.limit {
			g.finish(FinishLength, nil, text+g.dec.Flush())
			return g.frag != ""
		}
		keep := g.holdBack(text)
		g.held = text[len(text)-keep:]
		if emit := text[:len(text)-keep]; emit != "" {
			g.frag = emit
			return true
		}
	}
}

func (g *Generator) logits() ([]float32, error) {
	if !g.started {
		g.started = true
		return g.s.Prefill(g.ctx, g.prompt)
	}
	return g.s.Decode(g.ctx, g.last)
}

// stopAt reports where the first stop sequence starts in text.
func (g *Generator) stopAt(text string) (int, bool) {
	at := -1
	for _, stop := range g.req.Stop {
		if stop == "" {
			continue
		}
		if i := strings.Index(text, stop); i >= 0 && (at < 0 || i < at) {
			at = i
		}
	}
	return at, at >= 0
}

// holdBack is the length of the longest suffix of text that could still grow
// into a stop sequence.
func (g *Generator) holdBack(text string) int {
	keep := 0
	for _, stop := range g.req.Stop {
		for n := min(len(stop)-1, len(text)); n > keep; n-- {
			if strings.HasSuffix(text, stop[:n]) {
				keep = n
				break
			}
		}
	}
	return keep
}

func (g *Generator) finish(reason FinishReason, err error, final string) {
	g.done = true
	g.reason = reason
	g.err = err
	g.frag = final
	if err != nil {
		metrics.RecordStageError(string(errs.StageOf(err)), errs.KindOf(err).String())
	}
	g.release()
}

// Fragment is the text produced by the last successful Next.
func (g *Generator) Fragment() string { return g.frag }

// Token is the last sampled token id.
func (g *Generator) Token() int { return g.last }

// Tokens returns the generated ids, excluding a final EOS.
func (g *Generator) Tokens() []int { return g.out }

func (g *Generator) PromptTokens() int { return len(g.prompt) }

func (g *Generator) Err() error { return g.err }

func (g *Generator) FinishReason() FinishReason { return g.reason }

// Close ends the stream early if needed and releases the session.
func (g *Generator) Close() error {
	if !g.done {
		g.done = true
		g.reason = FinishCanceled
	}
	g.frag = ""
	g.release()
	return nil
}

func (g *Generator) release() {
	if g.closed {
		return
	}
	g.closed = true
	ctxLen := g.s.Len()
	g.s.Close()
	metrics.RecordSessionEnd(string(g.reason), ctxLen)
	metrics.RecordInference(len(g.out), time.Since(g.start))
	g.s.log.Debug("Generation finished",
		"reason", g.reason,
		"prompt_tokens", len(g.prompt),
		"tokens", len(g.out),
		"duration", time.Since(g.start))
}
