package config

import (
	"errors"
	"testing"

	"github.com/casonadams/minerva/internal/errs"
)

func TestFillDefaults(t *testing.T) {
	cfg := Config{Architecture: "LLaMA", Dim: 16, Heads: 4}
	cfg.Fill()

	if cfg.SeqLen != 2048 {
		t.Errorf("expected SeqLen 2048, got %d", cfg.SeqLen)
	}
	if cfg.Eps != 1e-5 {
		t.Errorf("expected Eps 1e-5, got %v", cfg.Eps)
	}
	if cfg.RopeTheta != 10000.0 {
		t.Errorf("expected RopeTheta 10000.0, got %v", cfg.RopeTheta)
	}
	if cfg.RopeStyle != RopeInterleaved {
		t.Errorf("expected interleaved rope, got %v", cfg.RopeStyle)
	}
	if cfg.KVHeads != 4 || cfg.HeadDim != 4 {
		t.Errorf("kv heads %d, head dim %d", cfg.KVHeads, cfg.HeadDim)
	}
	if got := cfg.GetArchitecture(); got != "llama" {
		t.Errorf("GetArchitecture = %q", got)
	}
}

func toy() Config {
	return Config{
		Dim:       16,
		HiddenDim: 32,
		Layers:    2,
		Heads:     4,
		KVHeads:   4,
		HeadDim:   4,
		VocabSize: 6,
		SeqLen:    32,
		Eps:       1e-5,
		RopeTheta: 10000,
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"valid config", func(c *Config) {}, false},
		{"invalid dim", func(c *Config) { c.Dim = 0 }, true},
		{"head product mismatch", func(c *Config) { c.HeadDim = 8 }, true},
		{"kv heads above heads", func(c *Config) { c.KVHeads = 8 }, true},
		{"kv heads not a divisor", func(c *Config) { c.KVHeads = 3 }, true},
		{"grouped query ok", func(c *Config) { c.KVHeads = 2 }, false},
		{"odd head dim", func(c *Config) { c.Heads = 16; c.HeadDim = 1 }, true},
		{"zero vocab", func(c *Config) { c.VocabSize = 0 }, true},
		{"zero eps", func(c *Config) { c.Eps = 0 }, true},
		{"zero rope", func(c *Config) { c.RopeTheta = 0 }, true},
		{"zero ffn", func(c *Config) { c.HiddenDim = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := toy()
			tt.mutate(&c)
			err := c.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, errs.ErrDimensionMismatch) {
				t.Errorf("expected dimension error, got %v", err)
			}
		})
	}
}

func TestFill(t *testing.T) {
	c := Config{Dim: 16, Heads: 4}
	c.Fill()

	if c.KVHeads != 4 || c.HeadDim != 4 {
		t.Errorf("Fill derived kv_heads=%d head_dim=%d, want 4 and 4", c.KVHeads, c.HeadDim)
	}
	if c.SeqLen != 2048 || c.Eps != 1e-5 || c.RopeTheta != 10000 {
		t.Errorf("Fill defaults not applied: %+v", c)
	}
}

func TestRuntimeValidate(t *testing.T) {
	rt := DefaultRuntime()
	if err := rt.Validate(); err != nil {
		t.Fatalf("default runtime invalid: %v", err)
	}

	rt.MaxSessions = 0
	if err := rt.Validate(); err == nil {
		t.Error("expected error for zero max_sessions")
	}
}

func TestRuntimeThresholdFallback(t *testing.T) {
	rt := Runtime{RouteThresholds: map[Op]int{OpMatVec: 7}}

	if got := rt.Threshold(OpMatVec); got != 7 {
		t.Errorf("Threshold(matvec) = %d, want 7", got)
	}
	if got := rt.Threshold(OpSwiGLU); got != DefaultThresholds()[OpSwiGLU] {
		t.Errorf("Threshold(swiglu) = %d, want default", got)
	}
	if DefaultThresholds()[OpSwiGLU] >= DefaultThresholds()[OpMatVec] {
		t.Error("fused ops should route to the accelerator earlier than single matvecs")
	}
}

func TestContextFor(t *testing.T) {
	rt := Runtime{ContextSize: 64}
	if got := rt.ContextFor(Config{SeqLen: 4096}); got != 64 {
		t.Errorf("ContextFor capped = %d, want 64", got)
	}
	if got := rt.ContextFor(Config{SeqLen: 32}); got != 32 {
		t.Errorf("ContextFor uncapped = %d, want 32", got)
	}
}
