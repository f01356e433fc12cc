package safetensors

import (
	"cmp"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/casonadams/minerva/internal/config"
)

// MetadataConfigKey holds an embedded config.json in __metadata__.
const MetadataConfigKey = "config"

// hfConfig is the subset of a Hugging Face config.json the engine needs.
type hfConfig struct {
	Architectures         []string `json:"architectures"`
	ModelType             string   `json:"model_type"`
	VocabSize             int      `json:"vocab_size"`
	HiddenSize            int      `json:"hidden_size"`
	IntermediateSize      int      `json:"intermediate_size"`
	NumHiddenLayers       int      `json:"num_hidden_layers"`
	NumAttentionHeads     int      `json:"num_attention_heads"`
	NumKeyValueHeads      int      `json:"num_key_value_heads"`
	HeadDim               int      `json:"head_dim"`
	MaxPositionEmbeddings int      `json:"max_position_embeddings"`
	RMSNormEPS            float32  `json:"rms_norm_eps"`
	RopeTheta             float32  `json:"rope_theta"`
}

// ModelConfig reads the model configuration from __metadata__ or, failing
// that, a config.json next to the file. HF checkpoints keep Q and K in the
// half-split rotary layout.
func (f *File) ModelConfig() (config.Config, error) {
	var raw []byte
	if s, ok := f.Metadata[MetadataConfigKey]; ok {
		raw = []byte(s)
	} else if f.Path != "" {
		b, err := os.ReadFile(filepath.Join(filepath.Dir(f.Path), "config.json"))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return config.Config{}, fmt.Errorf("safetensors: no embedded config and no config.json beside %s", f.Path)
			}
			return config.Config{}, err
		}
		raw = b
	} else {
		return config.Config{}, errors.New("safetensors: no model config")
	}

	var hf hfConfig
	if err := json.Unmarshal(raw, &hf); err != nil {
		return config.Config{}, fmt.Errorf("safetensors: parse config: %w", err)
	}

	arch := strings.ToLower(hf.ModelType)
	if arch == "" && len(hf.Architectures) > 0 {
		arch = strings.ToLower(strings.TrimSuffix(hf.Architectures[0], "ForCausalLM"))
	}
	cfg := config.Config{
		Architecture: arch,
		Dim:          hf.HiddenSize,
		HiddenDim:    hf.IntermediateSize,
		Layers:       hf.NumHiddenLayers,
		Heads:        hf.NumAttentionHeads,
		KVHeads:      hf.NumKeyValueHeads,
		HeadDim:      hf.HeadDim,
		VocabSize:    hf.VocabSize,
		SeqLen:       hf.MaxPositionEmbeddings,
		Eps:          hf.RMSNormEPS,
		RopeTheta:    hf.RopeTheta,
		RopeStyle:    config.RopeNeoX,
	}
	if cfg.VocabSize == 0 {
		if t, ok := f.Tensors["model.embed_tokens.weight"]; ok && len(t.Shape) == 2 {
			cfg.VocabSize = t.Shape[0]
		}
	}
	cfg.Fill()
	return cfg, nil
}

var layerName = regexp.MustCompile(`^model\.layers\.(\d+)\.(.+)$`)

var layerSuffixes = map[string]string{
	"self_attn.q_proj.weight":         "attn_q.weight",
	"self_attn.k_proj.weight":         "attn_k.weight",
	"self_attn.v_proj.weight":         "attn_v.weight",
	"self_attn.o_proj.weight":         "attn_output.weight",
	"input_layernorm.weight":          "attn_norm.weight",
	"post_attention_layernorm.weight": "ffn_norm.weight",
	"mlp.gate_proj.weight":            "ffn_gate.weight",
	"mlp.up_proj.weight":              "ffn_up.weight",
	"mlp.down_proj.weight":            "ffn_down.weight",
}

var globalNames = map[string]string{
	"model.embed_tokens.weight": "token_embd.weight",
	"model.norm.weight":         "output_norm.weight",
	"lm_head.weight":            "output.weight",
}

// CanonicalName maps a Hugging Face tensor name onto the GGUF naming used by
// the engine. Names that are already canonical or unknown pass through.
func CanonicalName(name string) string {
	if n, ok := globalNames[name]; ok {
		return n
	}
	if m := layerName.FindStringSubmatch(name); m != nil {
		if s, ok := layerSuffixes[m[2]]; ok {
			return "blk." + m[1] + "." + s
		}
	}
	return name
}

// Architecture returns the configured model type, or "" without a config.
func (f *File) Architecture() string {
	cfg, err := f.ModelConfig()
	if err != nil {
		return ""
	}
	return cmp.Or(cfg.Architecture, "unknown")
}
