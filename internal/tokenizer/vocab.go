package tokenizer

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/casonadams/minerva/internal/gguf"
)

// Mode selects the symbol space pieces are spelled in.
type Mode int

const (
	// ModeByteLevel maps every byte to a printable rune before merging (GPT-2 style).
	ModeByteLevel Mode = iota
	// ModeSentencePiece spells spaces as U+2581 and falls back to <0xNN> tokens.
	ModeSentencePiece
)

func (m Mode) String() string {
	if m == ModeSentencePiece {
		return "sentencepiece"
	}
	return "byte-level"
}

// Token types as stored in tokenizer.ggml.token_type.
const (
	TypeNormal      int32 = 1
	TypeUnknown     int32 = 2
	TypeControl     int32 = 3
	TypeUserDefined int32 = 4
	TypeUnused      int32 = 5
	TypeByte        int32 = 6
)

const defaultPretokenizer = `'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+(?!\S)|\s+`

var pretokenizers = map[string]string{
	"default":   defaultPretokenizer,
	"gpt-2":     defaultPretokenizer,
	"llama-bpe": `(?i:'s|'t|'re|'ve|'m|'ll|'d)|[^\r\n\p{L}\p{N}]?\p{L}+|\p{N}{1,3}| ?[^\s\p{L}\p{N}]+[\r\n]*|\s*[\r\n]+|\s+(?!\S)|\s+`,
	"qwen2":     `(?i:'s|'t|'re|'ve|'m|'ll|'d)|[^\r\n\p{L}\p{N}]?\p{L}+|\p{N}| ?[^\s\p{L}\p{N}]+[\r\n]*|\s*[\r\n]+|\s+(?!\S)|\s+`,
}

// Vocabulary is the raw tokenizer data carried by a model file.
type Vocabulary struct {
	Mode   Mode
	Tokens []string
	Types  []int32
	Scores []float32
	Merges []string

	BOS    int
	EOS    []int
	UNK    int
	PAD    int
	AddBOS bool
	// AddSpacePrefix prepends a space before sentencepiece encoding.
	AddSpacePrefix bool
	Pretokenizer   string
}

func (v *Vocabulary) validate() error {
	if len(v.Tokens) == 0 {
		return errors.New("tokenizer: empty vocabulary")
	}
	if v.Types != nil && len(v.Types) != len(v.Tokens) {
		return fmt.Errorf("tokenizer: %d token types for %d tokens", len(v.Types), len(v.Tokens))
	}
	if v.Scores != nil && len(v.Scores) != len(v.Tokens) {
		return fmt.Errorf("tokenizer: %d scores for %d tokens", len(v.Scores), len(v.Tokens))
	}
	check := func(name string, id int) error {
		if id >= len(v.Tokens) {
			return fmt.Errorf("tokenizer: %s id %d outside vocabulary of %d", name, id, len(v.Tokens))
		}
		return nil
	}
	for _, id := range append([]int{v.BOS, v.UNK, v.PAD}, v.EOS...) {
		if err := check("special", id); err != nil {
			return err
		}
	}
	return nil
}

// FromGGUF reads the tokenizer.ggml.* keys of a model file.
func FromGGUF(f *gguf.GGUFFile) (*Vocabulary, error) {
	kv := f.KV
	tokens, err := stringArray(kv, "tokenizer.ggml.tokens")
	if err != nil {
		return nil, err
	}
	v := &Vocabulary{
		Tokens: tokens,
		BOS:    intKV(kv, "tokenizer.ggml.bos_token_id", -1),
		UNK:    intKV(kv, "tokenizer.ggml.unknown_token_id", -1),
		PAD:    intKV(kv, "tokenizer.ggml.padding_token_id", -1),
	}
	if eos := intKV(kv, "tokenizer.ggml.eos_token_id", -1); eos >= 0 {
		v.EOS = append(v.EOS, eos)
	}
	if eot := intKV(kv, "tokenizer.ggml.eot_token_id", -1); eot >= 0 && !slices.Contains(v.EOS, eot) {
		v.EOS = append(v.EOS, eot)
	}

	model, _ := kv["tokenizer.ggml.model"].(string)
	switch model {
	case "llama", "":
		v.Mode = ModeSentencePiece
		v.AddBOS = boolKV(kv, "tokenizer.ggml.add_bos_token", true)
		v.AddSpacePrefix = boolKV(kv, "tokenizer.ggml.add_space_prefix", true)
	case "gpt2":
		v.Mode = ModeByteLevel
		v.AddBOS = boolKV(kv, "tokenizer.ggml.add_bos_token", false)
		pre, _ := kv["tokenizer.ggml.pre"].(string)
		v.Pretokenizer = pretokenizers[pre]
	default:
		return nil, fmt.Errorf("tokenizer: unsupported model %q", model)
	}

	if raw, ok := kv["tokenizer.ggml.token_type"].([]interface{}); ok {
		v.Types = make([]int32, len(raw))
		for i, t := range raw {
			v.Types[i] = int32(toInt(t))
		}
	}
	if raw, ok := kv["tokenizer.ggml.scores"].([]interface{}); ok {
		v.Scores = make([]float32, len(raw))
		for i, s := range raw {
			v.Scores[i], _ = s.(float32)
		}
	}
	if _, ok := kv["tokenizer.ggml.merges"]; ok {
		if v.Merges, err = stringArray(kv, "tokenizer.ggml.merges"); err != nil {
			return nil, err
		}
	}
	return v, v.validate()
}

func stringArray(kv map[string]interface{}, key string) ([]string, error) {
	raw, ok := kv[key].([]interface{})
	if !ok {
		return nil, fmt.Errorf("%s not found in GGUF", key)
	}
	out := make([]string, len(raw))
	for i, v := range raw {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%s[%d] is not a string", key, i)
		}
		out[i] = s
	}
	return out, nil
}

func toInt(v interface{}) int {
	switch x := v.(type) {
	case int32:
		return int(x)
	case uint32:
		return int(x)
	case int64:
		return int(x)
	case uint64:
		return int(x)
	case int8:
		return int(x)
	case uint8:
		return int(x)
	case int16:
		return int(x)
	case uint16:
		return int(x)
	}
	return -1
}

func intKV(kv map[string]interface{}, key string, def int) int {
	if v, ok := kv[key]; ok {
		if n := toInt(v); n >= 0 {
			return n
		}
	}
	return def
}

func boolKV(kv map[string]interface{}, key string, def bool) bool {
	if b, ok := kv[key].(bool); ok {
		return b
	}
	return def
}

type hfTokenizer struct {
	AddedTokens []struct {
		ID      int    `json:"id"`
		Content string `json:"content"`
		Special bool   `json:"special"`
	} `json:"added_tokens"`
	PreTokenizer *hfPreTokenizer `json:"pre_tokenizer"`
	Model        struct {
		Type         string            `json:"type"`
		Vocab        map[string]int    `json:"vocab"`
		Merges       []json.RawMessage `json:"merges"`
		ByteFallback bool              `json:"byte_fallback"`
		UnkToken     string            `json:"unk_token"`
	} `json:"model"`
}

type hfPreTokenizer struct {
	Type          string           `json:"type"`
	PreTokenizers []hfPreTokenizer `json:"pretokenizers"`
}

func (p *hfPreTokenizer) has(typ string) bool {
	if p == nil {
		return false
	}
	if p.Type == typ {
		return true
	}
	for i := range p.PreTokenizers {
		if p.PreTokenizers[i].has(typ) {
			return true
		}
	}
	return false
}

var (
	bosNames = []string{"<s>", "<|begin_of_text|>", "<bos>"}
	eosNames = []string{"</s>", "<|end_of_text|>", "<|endoftext|>", "<|eot_id|>", "<|im_end|>", "<eos>"}
)

// FromHFFile reads a Hugging Face tokenizer.json.
func FromHFFile(path string) (*Vocabulary, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromHF(b)
}

func FromHF(b []byte) (*Vocabulary, error) {
	var hf hfTokenizer
	if err := json.Unmarshal(b, &hf); err != nil {
		return nil, fmt.Errorf("tokenizer: parse tokenizer.json: %w", err)
	}
	if hf.Model.Type != "" && hf.Model.Type != "BPE" {
		return nil, fmt.Errorf("tokenizer: unsupported model type %q", hf.Model.Type)
	}

	size := len(hf.Model.Vocab)
	for _, at := range hf.AddedTokens {
		size = max(size, at.ID+1)
	}
	v := &Vocabulary{
		Tokens: make([]string, size),
		Types:  make([]int32, size),
		BOS:    -1,
		UNK:    -1,
		PAD:    -1,
	}
	for i := range v.Types {
		v.Types[i] = TypeUnused
	}
	for tok, id := range hf.Model.Vocab {
		if id < 0 || id >= size {
			return nil, fmt.Errorf("tokenizer: token %q has id %d", tok, id)
		}
		v.Tokens[id] = tok
		v.Types[id] = TypeNormal
		if len(tok) == 6 && strings.HasPrefix(tok, "<0x") && strings.HasSuffix(tok, ">") {
			v.Types[id] = TypeByte
		}
	}
	for _, at := range hf.AddedTokens {
		if at.ID < 0 {
			continue
		}
		v.Tokens[at.ID] = at.Content
		v.Types[at.ID] = TypeUserDefined
		if at.Special {
			v.Types[at.ID] = TypeControl
		}
	}

	for _, m := range hf.Model.Merges {
		var s string
		if err := json.Unmarshal(m, &s); err == nil {
			v.Merges = append(v.Merges, s)
			continue
		}
		var pair []string
		if err := json.Unmarshal(m, &pair); err != nil || len(pair) != 2 {
			return nil, fmt.Errorf("tokenizer: invalid merge %s", m)
		}
		v.Merges = append(v.Merges, pair[0]+" "+pair[1])
	}

	if hf.PreTokenizer.has("ByteLevel") || !hf.Model.ByteFallback {
		v.Mode = ModeByteLevel
		v.Pretokenizer = defaultPretokenizer
		if hf.PreTokenizer.has("Split") {
			v.Pretokenizer = pretokenizers["llama-bpe"]
		}
	} else {
		v.Mode = ModeSentencePiece
		v.AddSpacePrefix = true
		v.AddBOS = true
	}

	index := make(map[string]int, size)
	for id, tok := range v.Tokens {
		index[tok] = id
	}
	for _, n := range bosNames {
		if id, ok := index[n]; ok {
			v.BOS = id
			v.Types[id] = TypeControl
			break
		}
	}
	for _, n := range eosNames {
		if id, ok := index[n]; ok {
			v.EOS = append(v.EOS, id)
			v.Types[id] = TypeControl
		}
	}
	if hf.Model.UnkToken != "" {
		if id, ok := index[hf.Model.UnkToken]; ok {
			v.UNK = id
			v.Types[id] = TypeUnknown
		}
	}
	return v, v.validate()
}
