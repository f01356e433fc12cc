package config

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/casonadams/minerva/internal/errs"
)

// RopeStyle selects how rotary embedding pairs dimensions.
type RopeStyle int

const (
	// RopeInterleaved rotates adjacent pairs (2i, 2i+1), the GGUF llama layout.
	RopeInterleaved RopeStyle = iota
	// RopeNeoX rotates (i, i+d/2), the layout of HF checkpoints.
	RopeNeoX
)

func (s RopeStyle) String() string {
	if s == RopeNeoX {
		return "neox"
	}
	return "interleaved"
}

// Config describes a decoder-only transformer. It is immutable once parsed.
type Config struct {
	Architecture string
	Dim          int
	HiddenDim    int
	Layers       int
	Heads        int
	KVHeads      int
	HeadDim      int
	VocabSize    int
	SeqLen       int
	Eps          float32
	RopeTheta    float32
	RopeStyle    RopeStyle
}

func (c *Config) Validate() error {
	if c.Dim <= 0 {
		return dimErr("invalid dim: %d (must be positive)", c.Dim)
	}
	if c.Layers <= 0 {
		return dimErr("invalid layers: %d (must be positive)", c.Layers)
	}
	if c.Heads <= 0 {
		return dimErr("invalid heads: %d (must be positive)", c.Heads)
	}
	if c.KVHeads <= 0 {
		return dimErr("invalid kv_heads: %d (must be positive)", c.KVHeads)
	}
	if c.KVHeads > c.Heads || c.Heads%c.KVHeads != 0 {
		return dimErr("invalid kv_heads: %d (must divide heads: %d)", c.KVHeads, c.Heads)
	}
	if c.HeadDim <= 0 || c.HeadDim%2 != 0 {
		return dimErr("invalid head_dim: %d (must be positive and even)", c.HeadDim)
	}
	if c.Dim != c.Heads*c.HeadDim {
		return dimErr("dim mismatch: %d != heads(%d) * head_dim(%d)", c.Dim, c.Heads, c.HeadDim)
	}
	if c.VocabSize <= 0 {
		return dimErr("invalid vocab_size: %d (must be positive)", c.VocabSize)
	}
	if c.SeqLen <= 0 {
		return dimErr("invalid seq_len: %d (must be positive)", c.SeqLen)
	}
	if c.Eps <= 0 {
		return dimErr("invalid eps: %f (must be positive)", c.Eps)
	}
	if c.RopeTheta <= 0 {
		return dimErr("invalid rope_theta: %f (must be positive)", c.RopeTheta)
	}
	if c.HiddenDim <= 0 {
		return dimErr("invalid hidden_dim: %d (must be positive)", c.HiddenDim)
	}
	return nil
}

func dimErr(format string, args ...any) error {
	return errs.Newf(errs.StageLoad, errs.ErrDimensionMismatch, format, args...)
}

// GetArchitecture is the architecture name as compared against the
// supported set.
func (c *Config) GetArchitecture() string {
	return strings.ToLower(c.Architecture)
}

// KVDim is the width of one cached key or value row.
func (c *Config) KVDim() int {
	return c.KVHeads * c.HeadDim
}

// Fill derives the fields that model files commonly omit.
func (c *Config) Fill() {
	if c.KVHeads == 0 {
		c.KVHeads = c.Heads
	}
	if c.HeadDim == 0 && c.Heads > 0 {
		c.HeadDim = c.Dim / c.Heads
	}
	if c.Eps == 0 {
		c.Eps = 1e-5
	}
	if c.RopeTheta == 0 {
		c.RopeTheta = 10000.0
	}
	if c.SeqLen == 0 {
		c.SeqLen = 2048
	}
}

// Op identifies a device operation for routing thresholds.
type Op string

const (
	OpMatVec        Op = "matvec"
	OpAdd           Op = "add"
	OpRMSNorm       Op = "rmsnorm"
	OpSiLU          Op = "silu"
	OpSoftmax       Op = "softmax"
	OpRMSNormMatVec Op = "rmsnorm_matvec"
	OpSwiGLU        Op = "swiglu"
)

// Runtime holds the knobs handed to the engine by its host process.
type Runtime struct {
	Threads          int               `yaml:"threads"`
	Accelerator      bool              `yaml:"accelerator"`
	ContextSize      int               `yaml:"context_size"`
	CacheMemoryBytes int64             `yaml:"cache_memory_bytes"`
	CacheMaxModels   int               `yaml:"cache_max_models"`
	PoolMemoryBytes  int64             `yaml:"pool_memory_bytes"`
	LoadMemoryBytes  int64             `yaml:"load_memory_bytes"`
	RouteThresholds  map[Op]int        `yaml:"route_thresholds"`
	MaxSessions      int               `yaml:"max_sessions"`
	ExternalEndpoint string            `yaml:"external_endpoint"`
	ExternalBinary   string            `yaml:"external_binary"`
	ExternalArgs     []string          `yaml:"external_args"`
	ModelsDir        string            `yaml:"models_dir"`
	Aliases          map[string]string `yaml:"aliases"`
}

// DefaultThresholds are element counts above which an op is worth shipping to
// the accelerator. Fused ops amortise transfers better and start lower.
func DefaultThresholds() map[Op]int {
	return map[Op]int{
		OpMatVec:        1 << 18,
		OpAdd:           1 << 22,
		OpRMSNorm:       1 << 22,
		OpSiLU:          1 << 22,
		OpSoftmax:       1 << 20,
		OpRMSNormMatVec: 1 << 16,
		OpSwiGLU:        1 << 16,
	}
}

func DefaultRuntime() Runtime {
	return Runtime{
		Threads:          runtime.NumCPU(),
		Accelerator:      true,
		ContextSize:      4096,
		CacheMemoryBytes: 8 << 30,
		PoolMemoryBytes:  512 << 20,
		RouteThresholds:  DefaultThresholds(),
		MaxSessions:      4,
	}
}

func (r *Runtime) Validate() error {
	if r.Threads <= 0 {
		return fmt.Errorf("invalid threads: %d (must be positive)", r.Threads)
	}
	if r.ContextSize <= 0 {
		return fmt.Errorf("invalid context_size: %d (must be positive)", r.ContextSize)
	}
	if r.CacheMemoryBytes <= 0 {
		return fmt.Errorf("invalid cache_memory_bytes: %d (must be positive)", r.CacheMemoryBytes)
	}
	if r.CacheMaxModels < 0 {
		return fmt.Errorf("invalid cache_max_models: %d (must be non-negative)", r.CacheMaxModels)
	}
	if r.PoolMemoryBytes < 0 {
		return fmt.Errorf("invalid pool_memory_bytes: %d (must be non-negative)", r.PoolMemoryBytes)
	}
	if r.MaxSessions <= 0 {
		return fmt.Errorf("invalid max_sessions: %d (must be positive)", r.MaxSessions)
	}
	for op, n := range r.RouteThresholds {
		if n < 0 {
			return fmt.Errorf("invalid route threshold for %s: %d", op, n)
		}
	}
	return nil
}

// Threshold returns the routing threshold for op, falling back to defaults.
func (r *Runtime) Threshold(op Op) int {
	if n, ok := r.RouteThresholds[op]; ok {
		return n
	}
	return DefaultThresholds()[op]
}

// ContextFor caps a model's trained context by the runtime ceiling.
func (r *Runtime) ContextFor(c Config) int {
	n := c.SeqLen
	if r.ContextSize > 0 && (n == 0 || n > r.ContextSize) {
		n = r.ContextSize
	}
	return n
}
