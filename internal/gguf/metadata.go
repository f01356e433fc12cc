package gguf

import (
	"fmt"
	"sort"
	"strings"

	"github.com/casonadams/minerva/internal/config"
)

// neoxArchitectures rotate (i, i+d/2) pairs; everything else in GGUF uses
// adjacent pairs.
var neoxArchitectures = map[string]bool{
	"qwen2":    true,
	"qwen3":    true,
	"phi3":     true,
	"gemma":    true,
	"gemma2":   true,
	"stablelm": true,
}

// Architecture returns general.architecture, lower-cased.
func (f *GGUFFile) Architecture() string {
	s, _ := f.KV["general.architecture"].(string)
	return strings.ToLower(s)
}

// ModelConfig builds a transformer config from the "<arch>.*" keys.
func (f *GGUFFile) ModelConfig() (config.Config, error) {
	arch := f.Architecture()
	if arch == "" {
		return config.Config{}, fmt.Errorf("gguf: missing general.architecture")
	}
	p := arch + "."

	cfg := config.Config{
		Architecture: arch,
		Dim:          int(getKVInt(f.KV, p+"embedding_length")),
		HiddenDim:    int(getKVInt(f.KV, p+"feed_forward_length")),
		Layers:       int(getKVInt(f.KV, p+"block_count")),
		Heads:        int(getKVInt(f.KV, p+"attention.head_count")),
		KVHeads:      int(getKVInt(f.KV, p+"attention.head_count_kv")),
		HeadDim:      int(getKVInt(f.KV, p+"attention.key_length")),
		SeqLen:       int(getKVInt(f.KV, p+"context_length")),
		Eps:          getKVFloat(f.KV, p+"attention.layer_norm_rms_epsilon"),
		RopeTheta:    getKVFloat(f.KV, p+"rope.freq_base"),
		VocabSize:    int(getKVInt(f.KV, p+"vocab_size")),
	}
	if neoxArchitectures[arch] {
		cfg.RopeStyle = config.RopeNeoX
	}
	if cfg.VocabSize == 0 {
		if toks, ok := f.KV["tokenizer.ggml.tokens"].([]interface{}); ok {
			cfg.VocabSize = len(toks)
		}
	}
	if cfg.VocabSize == 0 {
		if t, ok := f.Tensor("token_embd.weight"); ok && len(t.Dimensions) == 2 {
			cfg.VocabSize = int(t.Dimensions[1])
		}
	}
	cfg.Fill()
	return cfg, nil
}

func getKVInt(kv map[string]interface{}, keys ...string) uint64 {
	for _, key := range keys {
		if val, ok := kv[key]; ok {
			switch v := val.(type) {
			case uint64:
				return v
			case int64:
				return uint64(v)
			case uint32:
				return uint64(v)
			case int32:
				return uint64(v)
			case uint16:
				return uint64(v)
			case uint8:
				return uint64(v)
			}
		}
	}
	return 0
}

func getKVFloat(kv map[string]interface{}, key string) float32 {
	switch v := kv[key].(type) {
	case float32:
		return v
	case float64:
		return float32(v)
	}
	return 0
}

// Summary is the inspect view of a model file.
type Summary struct {
	Architecture    string
	ModelName       string
	Config          config.Config
	TensorCount     int
	TotalParameters int64
	SizeBytes       int64
	TypeCounts      map[string]int
	Undecodable     []string
}

// Summarize collects what inspect prints without reading tensor data.
func (f *GGUFFile) Summarize() *Summary {
	s := &Summary{
		Architecture: f.Architecture(),
		TensorCount:  len(f.Tensors),
		TypeCounts:   make(map[string]int),
	}
	s.ModelName, _ = f.KV["general.name"].(string)
	s.Config, _ = f.ModelConfig()

	for _, t := range f.Tensors {
		s.TotalParameters += int64(t.NumElements())
		s.SizeBytes += int64(t.SizeBytes())
		s.TypeCounts[t.Type.String()]++
		if !t.Type.Dequantizable() {
			s.Undecodable = append(s.Undecodable, t.Name)
		}
	}
	return s
}

func (s *Summary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Architecture:     %s\n", s.Architecture)
	fmt.Fprintf(&b, "Model Name:       %s\n", s.ModelName)
	fmt.Fprintf(&b, "Context Length:   %d\n", s.Config.SeqLen)
	fmt.Fprintf(&b, "Hidden Size:      %d\n", s.Config.Dim)
	fmt.Fprintf(&b, "Layers:           %d\n", s.Config.Layers)
	fmt.Fprintf(&b, "Attention Heads:  %d\n", s.Config.Heads)
	fmt.Fprintf(&b, "KV Heads:         %d\n", s.Config.KVHeads)
	fmt.Fprintf(&b, "Intermediate:     %d\n", s.Config.HiddenDim)
	fmt.Fprintf(&b, "Vocab:            %d\n", s.Config.VocabSize)
	fmt.Fprintf(&b, "Total Tensors:    %d\n", s.TensorCount)
	fmt.Fprintf(&b, "Total Parameters: %d (%.2fB)\n", s.TotalParameters, float64(s.TotalParameters)/1e9)
	fmt.Fprintf(&b, "Size:             %.2f GB\n", float64(s.SizeBytes)/1e9)

	types := make([]string, 0, len(s.TypeCounts))
	for t := range s.TypeCounts {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		fmt.Fprintf(&b, "  %-6s %d tensors\n", t, s.TypeCounts[t])
	}
	if len(s.Undecodable) > 0 {
		fmt.Fprintf(&b, "Tensors needing an external runtime: %d\n", len(s.Undecodable))
	}
	return b.String()
}
