// Package engine runs the decoder-only transformer forward pass over weights
// held in a weights.Store. A Model is immutable and shared; each generation
// opens its own Session with a private KV cache and scratch buffers.
package engine

import (
	"fmt"
	"math"
	"slices"

	"github.com/casonadams/minerva/internal/config"
	"github.com/casonadams/minerva/internal/device"
	"github.com/casonadams/minerva/internal/errs"
	"github.com/casonadams/minerva/internal/logger"
	"github.com/casonadams/minerva/internal/tokenizer"
	"github.com/casonadams/minerva/internal/weights"
)

type layerWeights struct {
	attnNorm []float32 // dim
	q        []float32 // dim x dim
	k        []float32 // kvDim x dim
	v        []float32 // kvDim x dim
	o        []float32 // dim x dim
	ffnNorm  []float32 // dim
	gate     []float32 // hidden x dim
	up       []float32 // hidden x dim
	down     []float32 // dim x hidden
}

// Model binds a weight store to a compute device. It holds no per-request
// state and is safe for concurrent use by many sessions.
type Model struct {
	cfg    config.Config
	dev    *device.Device
	store  *weights.Store
	tok    *tokenizer.Tokenizer
	embd   []float32
	layers []layerWeights
	norm   []float32
	output []float32
	tied   bool
	// invFreq[i] = theta^(-2i/headDim)
	invFreq []float64
	log     *logger.Logger
}

// NewModel checks every tensor the forward pass reads against the config.
// output.weight may be absent, in which case the embedding is reused.
func NewModel(store *weights.Store, dev *device.Device) (*Model, error) {
	cfg := store.Config()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Model{
		cfg:    cfg,
		dev:    dev,
		store:  store,
		tok:    store.Tokenizer(),
		layers: make([]layerWeights, cfg.Layers),
		log:    logger.Log.With("component", "engine", "architecture", cfg.Architecture),
	}

	dim, kvDim, hidden, vocab := cfg.Dim, cfg.KVDim(), cfg.HiddenDim, cfg.VocabSize
	var err error
	tensor := func(name string, shape ...int) []float32 {
		if err != nil {
			return nil
		}
		var data []float32
		data, err = m.tensor(name, shape...)
		return data
	}

	m.embd = tensor("token_embd.weight", vocab, dim)
	for l := range m.layers {
		p := fmt.Sprintf("blk.%d.", l)
		m.layers[l] = layerWeights{
			attnNorm: tensor(p+"attn_norm.weight", dim),
			q:        tensor(p+"attn_q.weight", dim, dim),
			k:        tensor(p+"attn_k.weight", kvDim, dim),
			v:        tensor(p+"attn_v.weight", kvDim, dim),
			o:        tensor(p+"attn_output.weight", dim, dim),
			ffnNorm:  tensor(p+"ffn_norm.weight", dim),
			gate:     tensor(p+"ffn_gate.weight", hidden, dim),
			up:       tensor(p+"ffn_up.weight", hidden, dim),
			down:     tensor(p+"ffn_down.weight", dim, hidden),
		}
	}
	m.norm = tensor("output_norm.weight", dim)
	if err != nil {
		return nil, err
	}

	if _, ok := store.Tensor("output.weight"); ok {
		if m.output, err = m.tensor("output.weight", vocab, dim); err != nil {
			return nil, err
		}
	} else {
		m.output = m.embd
		m.tied = true
	}

	half := cfg.HeadDim / 2
	m.invFreq = make([]float64, half)
	for i := range m.invFreq {
		m.invFreq[i] = math.Pow(float64(cfg.RopeTheta), -float64(2*i)/float64(cfg.HeadDim))
	}

	m.log.Debug("Model ready",
		"layers", cfg.Layers,
		"dim", dim,
		"heads", cfg.Heads,
		"kv_heads", cfg.KVHeads,
		"rope", cfg.RopeStyle.String(),
		"tied_output", m.tied,
		"device", dev.String())
	return m, nil
}

func (m *Model) tensor(name string, shape ...int) ([]float32, error) {
	t, ok := m.store.Tensor(name)
	if !ok {
		return nil, errs.Newf(errs.StageLoad, errs.ErrUnsupportedArchitecture, "tensor %s not found", name)
	}
	n := 1
	for _, d := range shape {
		n *= d
	}
	if !slices.Equal(t.Shape, shape) || len(t.Data) != n {
		return nil, errs.Newf(errs.StageLoad, errs.ErrDimensionMismatch,
			"tensor %s: shape %v (%d elements), config wants %v", name, t.Shape, len(t.Data), shape)
	}
	return t.Data, nil
}

func (m *Model) Config() config.Config           { return m.cfg }
func (m *Model) Tokenizer() *tokenizer.Tokenizer { return m.tok }
func (m *Model) Device() *device.Device          { return m.dev }
func (m *Model) Store() *weights.Store           { return m.store }

// TiedOutput reports whether the vocabulary projection reuses the embedding.
func (m *Model) TiedOutput() bool { return m.tied }
