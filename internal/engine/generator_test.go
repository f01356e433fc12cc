package engine

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/casonadams/minerva/internal/errs"
	"github.com/casonadams/minerva/internal/metrics"
	"github.com/casonadams/minerva/internal/sampler"
	"github.com/casonadams/minerva/internal/toymodel"
)

func drain(t *testing.T, g *Generator) string {
	t.Helper()
	var sb strings.Builder
	for g.Next() {
		if g.Fragment() == "" {
			t.Fatal("Next returned true with an empty fragment")
		}
		sb.WriteString(g.Fragment())
	}
	return sb.String()
}

func TestGenerateGreedyMatchesSession(t *testing.T) {
	m := loadToy(t, toymodel.Default(), cpuDevice())
	want := greedy(t, m)

	g, err := m.Generate(context.Background(), Request{Prompt: "ab", MaxTokens: 3})
	if err != nil {
		t.Fatal(err)
	}
	defer g.Close()
	text := drain(t, g)
	if err := g.Err(); err != nil {
		t.Fatal(err)
	}

	got := g.Tokens()
	if len(got) != 3 {
		t.Fatalf("generated %v, want 3 tokens", got)
	}
	if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("tokens (-want +got):\n%s", diff)
	}
	if g.FinishReason() != FinishLength {
		t.Errorf("finish reason %q", g.FinishReason())
	}
	if text == "" {
		t.Error("no text streamed")
	}
	if text != m.Tokenizer().Decode(got) {
		t.Errorf("fragments %q, decode %q", text, m.Tokenizer().Decode(got))
	}
	if g.PromptTokens() != 2 {
		t.Errorf("prompt tokens = %d", g.PromptTokens())
	}
}

func TestGenerateStopSequence(t *testing.T) {
	m := loadToy(t, toymodel.Default(), cpuDevice())
	ctx := context.Background()

	// a long run with fixed sampling gives the text to cut
	req := Request{Prompt: "ab", MaxTokens: 24, Sampling: sampler.Config{Temperature: 1, Seed: 9}}
	g, err := m.Generate(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	full := drain(t, g)
	g.Close()
	if len(full) < 4 || g.FinishReason() != FinishLength {
		t.Fatalf("unstopped run gave %q (%s)", full, g.FinishReason())
	}

	stop := full[2:4]
	req.Stop = []string{stop}
	g, err = m.Generate(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	defer g.Close()
	got := drain(t, g)
	want := full[:strings.Index(full, stop)]
	if got != want {
		t.Errorf("stopped text %q, want %q (stop %q in %q)", got, want, stop, full)
	}
	if g.FinishReason() != FinishStop {
		t.Errorf("finish reason %q", g.FinishReason())
	}
}

func TestHoldBack(t *testing.T) {
	g := &Generator{req: Request{Stop: []string{"abc", "xy"}}}
	tests := []struct {
		text string
		want int
	}{
		{"hello", 0},
		{"hello a", 1},
		{"hello ab", 2},
		{"hello x", 1},
		{"abc", 0},
		{"", 0},
	}
	for _, tt := range tests {
		if got := g.holdBack(tt.text); got != tt.want {
			t.Errorf("holdBack(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
	if i, ok := g.stopAt("12xy3abc"); !ok || i != 2 {
		t.Errorf("stopAt = %d, %v", i, ok)
	}
}

func TestGenerateCanceled(t *testing.T) {
	dev := cpuDevice()
	m := loadToy(t, toymodel.Default(), dev)
	ctx, cancel := context.WithCancel(context.Background())
	g, err := m.Generate(ctx, Request{Prompt: "ab", MaxTokens: 50})
	if err != nil {
		t.Fatal(err)
	}
	cancel()
	if g.Next() {
		t.Fatal("Next succeeded after cancel")
	}
	if !errors.Is(g.Err(), context.Canceled) || g.FinishReason() != FinishCanceled {
		t.Fatalf("err = %v, reason = %q", g.Err(), g.FinishReason())
	}
	if g.Next() {
		t.Error("Next succeeded after the stream ended")
	}
	g.Close()

	// the model stays usable for other sessions
	g, err = m.Generate(context.Background(), Request{Prompt: "ab", MaxTokens: 2})
	if err != nil {
		t.Fatal(err)
	}
	drain(t, g)
	if g.Err() != nil {
		t.Fatal(g.Err())
	}
	g.Close()
}

func TestGenerateContextLimit(t *testing.T) {
	m := loadToy(t, toymodel.Default(), cpuDevice())
	ctx := context.Background()

	_, err := m.Generate(ctx, Request{Tokens: []int{0, 3, 4, 5, 3}, ContextSize: 4})
	if !errors.Is(err, errs.ErrContextOverflow) {
		t.Fatalf("long prompt: %v", err)
	}

	// zero MaxTokens runs until the context is full
	g, err := m.Generate(ctx, Request{Tokens: []int{0, 3}, ContextSize: 4})
	if err != nil {
		t.Fatal(err)
	}
	defer g.Close()
	drain(t, g)
	if g.Err() != nil {
		t.Fatal(g.Err())
	}
	if g.FinishReason() != FinishLength || len(g.Tokens()) != 3 {
		t.Errorf("generated %d tokens (%s) into a context of 4 with a 2 token prompt", len(g.Tokens()), g.FinishReason())
	}

	// an explicit limit past the context is a staged overflow
	g2, err := m.Generate(ctx, Request{Tokens: []int{0, 3}, ContextSize: 4, MaxTokens: 10, Sampling: sampler.Config{Temperature: 1, Seed: 4}})
	if err != nil {
		t.Fatal(err)
	}
	defer g2.Close()
	drain(t, g2)
	if g2.FinishReason() != FinishError || !errors.Is(g2.Err(), errs.KindContextOverflow) {
		t.Errorf("reason = %q, err = %v", g2.FinishReason(), g2.Err())
	}
	if len(g2.Tokens()) != 3 {
		t.Errorf("generated %d tokens before the overflow", len(g2.Tokens()))
	}
}

func TestGenerateContextShiftRunsPastCapacity(t *testing.T) {
	m := loadToy(t, toymodel.Default(), cpuDevice())
	before := testutil.ToFloat64(metrics.KVCacheShifts)
	g, err := m.Generate(context.Background(), Request{
		Tokens:       []int{0, 3, 4},
		ContextSize:  4,
		ContextShift: true,
		MaxTokens:    12,
		Sampling:     sampler.Config{Temperature: 1, TopK: 3, Seed: 2},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer g.Close()
	drain(t, g)
	if g.Err() != nil {
		t.Fatal(g.Err())
	}
	if g.FinishReason() != FinishLength || len(g.Tokens()) != 12 {
		t.Fatalf("generated %d tokens (%s)", len(g.Tokens()), g.FinishReason())
	}
	if testutil.ToFloat64(metrics.KVCacheShifts) <= before {
		t.Error("no context shift recorded")
	}
}

func TestGenerateRejectsBadSampling(t *testing.T) {
	m := loadToy(t, toymodel.Default(), cpuDevice())
	if _, err := m.Generate(context.Background(), Request{Prompt: "a", Sampling: sampler.Config{Temperature: 3}}); err == nil {
		t.Fatal("temperature 3 accepted")
	}
}
