// Package toymodel writes small deterministic transformer models in both
// supported file formats. Tests use them as fixtures and mkmodel writes them
// for smoke runs.
package toymodel

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"

	json "github.com/goccy/go-json"

	"github.com/casonadams/minerva/internal/config"
	"github.com/casonadams/minerva/internal/gguf"
	"github.com/casonadams/minerva/internal/safetensors"
)

// Vocabulary of the toy tokenizer. "a" followed by "b" merges to "ab".
var Tokens = []string{"<s>", "</s>", "▁", "a", "b", "ab"}

const (
	BOS = 0
	EOS = 1
)

type Options struct {
	Seed    int64
	Layers  int
	Heads   int
	KVHeads int
	Dim     int
	Hidden  int
	SeqLen  int
	// Type is the GGUF storage type of matrices; norms stay F32.
	Type gguf.GGMLType
	// Tied omits output.weight so the embedding doubles as the output projection.
	Tied bool
	// Architecture defaults to llama.
	Architecture string
}

// Default is the 2-layer, 4-head, 16-wide model over the 6-token vocabulary.
func Default() Options {
	return Options{
		Seed:    42,
		Layers:  2,
		Heads:   4,
		KVHeads: 2,
		Dim:     16,
		Hidden:  32,
		SeqLen:  64,
		Type:    gguf.GGMLTypeF32,
	}
}

func (o Options) Config() config.Config {
	arch := o.Architecture
	if arch == "" {
		arch = "llama"
	}
	cfg := config.Config{
		Architecture: arch,
		Dim:          o.Dim,
		HiddenDim:    o.Hidden,
		Layers:       o.Layers,
		Heads:        o.Heads,
		KVHeads:      o.KVHeads,
		VocabSize:    len(Tokens),
		SeqLen:       o.SeqLen,
	}
	cfg.Fill()
	return cfg
}

// Tensor is one generated weight under its canonical name.
type Tensor struct {
	Name  string
	Shape []int
	Data  []float32
	Norm  bool
}

// Tensors generates the weights in a stable order.
func (o Options) Tensors() []Tensor {
	cfg := o.Config()
	r := rand.New(rand.NewSource(o.Seed))
	mat := func(name string, rows, cols int) Tensor {
		d := make([]float32, rows*cols)
		scale := 1 / float32(cols)
		for i := range d {
			d[i] = float32(r.NormFloat64()) * scale * 4
		}
		return Tensor{Name: name, Shape: []int{rows, cols}, Data: d}
	}
	norm := func(name string, n int) Tensor {
		d := make([]float32, n)
		for i := range d {
			d[i] = 1 + float32(r.NormFloat64())*0.1
		}
		return Tensor{Name: name, Shape: []int{n}, Data: d, Norm: true}
	}

	kvDim := cfg.KVDim()
	out := []Tensor{mat("token_embd.weight", cfg.VocabSize, cfg.Dim)}
	for l := 0; l < cfg.Layers; l++ {
		p := fmt.Sprintf("blk.%d.", l)
		out = append(out,
			norm(p+"attn_norm.weight", cfg.Dim),
			mat(p+"attn_q.weight", cfg.Dim, cfg.Dim),
			mat(p+"attn_k.weight", kvDim, cfg.Dim),
			mat(p+"attn_v.weight", kvDim, cfg.Dim),
			mat(p+"attn_output.weight", cfg.Dim, cfg.Dim),
			norm(p+"ffn_norm.weight", cfg.Dim),
			mat(p+"ffn_gate.weight", cfg.HiddenDim, cfg.Dim),
			mat(p+"ffn_up.weight", cfg.HiddenDim, cfg.Dim),
			mat(p+"ffn_down.weight", cfg.Dim, cfg.HiddenDim),
		)
	}
	out = append(out, norm("output_norm.weight", cfg.Dim))
	// Every position carries a large first component and the head reads it
	// with opposite signs for special and ordinary tokens.
	if o.Tied {
		anchor(out[0], -anchorEmbed, anchorEmbed)
		return out
	}
	anchor(out[0], anchorEmbed, anchorEmbed)
	head := mat("output.weight", cfg.VocabSize, cfg.Dim)
	anchor(head, -anchorHead, anchorHead)
	return append(out, head)
}

const (
	anchorEmbed = 16
	anchorHead  = 2
)

func special(tok int) bool { return tok == BOS || tok == EOS }

// anchor overwrites the first column of t: neg for the special tokens, pos
// for the rest. Greedy decoding then never ends a toy generation on its own.
func anchor(t Tensor, neg, pos float32) {
	cols := t.Shape[1]
	for tok := range t.Shape[0] {
		if special(tok) {
			t.Data[tok*cols] = neg
		} else {
			t.Data[tok*cols] = pos
		}
	}
}

// WriteGGUF writes the model with its tokenizer to path.
func (o Options) WriteGGUF(path string) error {
	cfg := o.Config()
	w := gguf.NewWriter()
	arch := cfg.Architecture
	w.AddKV("general.architecture", arch)
	w.AddKV("general.name", "toy")
	w.AddKV(arch+".embedding_length", uint32(cfg.Dim))
	w.AddKV(arch+".feed_forward_length", uint32(cfg.HiddenDim))
	w.AddKV(arch+".block_count", uint32(cfg.Layers))
	w.AddKV(arch+".attention.head_count", uint32(cfg.Heads))
	w.AddKV(arch+".attention.head_count_kv", uint32(cfg.KVHeads))
	w.AddKV(arch+".context_length", uint32(cfg.SeqLen))
	w.AddKV(arch+".attention.layer_norm_rms_epsilon", cfg.Eps)
	w.AddKV(arch+".rope.freq_base", cfg.RopeTheta)

	types := make([]int32, len(Tokens))
	scores := make([]float32, len(Tokens))
	for i, tok := range Tokens {
		types[i] = 1
		scores[i] = -float32(len([]rune(tok)))
	}
	types[BOS], types[EOS] = 3, 3
	scores[5] = 0
	w.AddKV("tokenizer.ggml.model", "llama")
	w.AddKV("tokenizer.ggml.tokens", Tokens)
	w.AddKV("tokenizer.ggml.scores", scores)
	w.AddKV("tokenizer.ggml.token_type", types)
	w.AddKV("tokenizer.ggml.bos_token_id", uint32(BOS))
	w.AddKV("tokenizer.ggml.eos_token_id", uint32(EOS))
	w.AddKV("tokenizer.ggml.add_space_prefix", false)

	for _, t := range o.Tensors() {
		typ := o.Type
		if t.Norm {
			typ = gguf.GGMLTypeF32
		}
		if err := w.AddTensor(t.Name, t.Shape, typ, t.Data); err != nil {
			return err
		}
	}
	return w.WriteFile(path)
}

var hfNames = map[string]string{
	"attn_norm.weight":   "input_layernorm.weight",
	"attn_q.weight":      "self_attn.q_proj.weight",
	"attn_k.weight":      "self_attn.k_proj.weight",
	"attn_v.weight":      "self_attn.v_proj.weight",
	"attn_output.weight": "self_attn.o_proj.weight",
	"ffn_norm.weight":    "post_attention_layernorm.weight",
	"ffn_gate.weight":    "mlp.gate_proj.weight",
	"ffn_up.weight":      "mlp.up_proj.weight",
	"ffn_down.weight":    "mlp.down_proj.weight",
}

func hfName(name string) string {
	switch name {
	case "token_embd.weight":
		return "model.embed_tokens.weight"
	case "output_norm.weight":
		return "model.norm.weight"
	case "output.weight":
		return "lm_head.weight"
	}
	var layer int
	var rest string
	if _, err := fmt.Sscanf(name, "blk.%d.%s", &layer, &rest); err == nil {
		return fmt.Sprintf("model.layers.%d.%s", layer, hfNames[rest])
	}
	return name
}

// WriteSafetensors writes model.safetensors with config.json and
// tokenizer.json beside it in dir, and returns the model path.
func (o Options) WriteSafetensors(dir, dtype string) (string, error) {
	cfg := o.Config()
	var tensors []safetensors.Tensor
	for _, t := range o.Tensors() {
		tensors = append(tensors, safetensors.Tensor{Name: hfName(t.Name), DType: dtype, Shape: t.Shape, Data: t.Data})
	}
	path := filepath.Join(dir, "model.safetensors")
	if err := safetensors.WriteFile(path, tensors, map[string]string{"format": "pt"}); err != nil {
		return "", err
	}

	hf := map[string]any{
		"architectures":           []string{"LlamaForCausalLM"},
		"model_type":              cfg.Architecture,
		"vocab_size":              cfg.VocabSize,
		"hidden_size":             cfg.Dim,
		"intermediate_size":       cfg.HiddenDim,
		"num_hidden_layers":       cfg.Layers,
		"num_attention_heads":     cfg.Heads,
		"num_key_value_heads":     cfg.KVHeads,
		"max_position_embeddings": cfg.SeqLen,
		"rms_norm_eps":            cfg.Eps,
		"rope_theta":              cfg.RopeTheta,
	}
	if err := writeJSON(filepath.Join(dir, "config.json"), hf); err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, "tokenizer.json"), TokenizerJSON(), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// TokenizerJSON renders the toy vocabulary as a Hugging Face tokenizer.json.
func TokenizerJSON() []byte {
	vocab := make(map[string]int, len(Tokens))
	for i, t := range Tokens {
		vocab[t] = i
	}
	doc := map[string]any{
		"added_tokens": []map[string]any{
			{"id": BOS, "content": Tokens[BOS], "special": true},
			{"id": EOS, "content": Tokens[EOS], "special": true},
		},
		"model": map[string]any{
			"type":          "BPE",
			"vocab":         vocab,
			"merges":        []string{"a b"},
			"byte_fallback": true,
		},
	}
	b, _ := json.Marshal(doc)
	return b
}

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
