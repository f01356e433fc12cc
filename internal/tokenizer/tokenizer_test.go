package tokenizer

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/casonadams/minerva/internal/gguf"
	"github.com/google/go-cmp/cmp"
)

// byteVocab returns a GPT-2 style vocabulary holding every byte symbol, the
// extra tokens, and an end-of-text control token last.
func byteVocab(extra, merges []string) *Vocabulary {
	v := &Vocabulary{Mode: ModeByteLevel, BOS: -1, UNK: -1, PAD: -1}
	for b := 0; b < 256; b++ {
		v.Tokens = append(v.Tokens, string(byteToRune(byte(b))))
	}
	v.Tokens = append(v.Tokens, extra...)
	v.Tokens = append(v.Tokens, "<|endoftext|>")
	v.Types = make([]int32, len(v.Tokens))
	for i := range v.Types {
		v.Types[i] = TypeNormal
	}
	eos := len(v.Tokens) - 1
	v.Types[eos] = TypeControl
	v.EOS = []int{eos}
	v.Merges = merges
	return v
}

// spmVocab is a small sentencepiece vocabulary with byte fallback.
func spmVocab() *Vocabulary {
	v := &Vocabulary{
		Mode:           ModeSentencePiece,
		UNK:            0,
		BOS:            1,
		EOS:            []int{2},
		PAD:            -1,
		AddBOS:         true,
		AddSpacePrefix: true,
	}
	add := func(tok string, typ int32, score float32) {
		v.Tokens = append(v.Tokens, tok)
		v.Types = append(v.Types, typ)
		v.Scores = append(v.Scores, score)
	}
	add("<unk>", TypeUnknown, 0)
	add("<s>", TypeControl, 0)
	add("</s>", TypeControl, 0)
	for b := 0; b < 256; b++ {
		add("<0x"+strings.ToUpper(string("0123456789abcdef"[b>>4])+string("0123456789abcdef"[b&15]))+">", TypeByte, 0)
	}
	add("▁", TypeNormal, -1)
	add("a", TypeNormal, -2)
	add("b", TypeNormal, -2)
	add("▁a", TypeNormal, -3)
	add("ab", TypeNormal, -4)
	add("▁ab", TypeNormal, -1.5)
	return v
}

func mustNew(t *testing.T, v *Vocabulary) *Tokenizer {
	t.Helper()
	tk, err := New(v)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return tk
}

func TestByteLevelMerges(t *testing.T) {
	tk := mustNew(t, byteVocab(
		[]string{"he", "ll", "hell", "Ġw", "Ġwo"},
		[]string{"h e", "l l", "he ll", "Ġ w", "Ġw o"},
	))
	id := func(s string) int { return tk.ids[s] }

	got := tk.Encode("hello wo")
	want := []int{id("hell"), id("o"), id("Ġwo")}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Encode mismatch (-want +got):\n%s", diff)
	}
	if s := tk.Decode(got); s != "hello wo" {
		t.Errorf("Decode = %q", s)
	}
}

func TestByteLevelRoundTrip(t *testing.T) {
	tk := mustNew(t, byteVocab([]string{"he", "ll"}, []string{"h e", "l l"}))
	inputs := []string{
		"",
		"hello world",
		"  leading and trailing  ",
		"tabs\tand\nnewlines\r\n",
		"naïve café 日本語 🎉",
		"\x00\x01\xff invalid utf8 \xc3",
		"it's they'll we'd",
	}
	for _, in := range inputs {
		if got := tk.Decode(tk.Encode(in)); got != in {
			t.Errorf("round trip %q -> %q", in, got)
		}
	}
}

func TestSpecialTokensNeverMatchedFromText(t *testing.T) {
	v := byteVocab(nil, nil)
	tk := mustNew(t, v)
	eos := v.EOS[0]

	for _, id := range tk.Encode("before <|endoftext|> after") {
		if id == eos {
			t.Fatal("special token produced from text")
		}
	}
	if got := tk.Decode([]int{eos}); got != "" {
		t.Errorf("special token decoded to %q, want empty", got)
	}
	if !tk.IsEOS(eos) || !tk.IsSpecial(eos) {
		t.Error("end-of-text token not flagged")
	}
}

func TestSentencePieceEncode(t *testing.T) {
	tk := mustNew(t, spmVocab())
	id := func(s string) int { return tk.ids[s] }

	tests := []struct {
		in   string
		want []int
	}{
		{"ab", []int{id("▁ab")}},
		{"ab a", []int{id("▁ab"), id("▁a")}},
		{"ba", []int{id("▁"), id("b"), id("a")}},
	}
	for _, tt := range tests {
		if diff := cmp.Diff(tt.want, tk.Encode(tt.in)); diff != "" {
			t.Errorf("Encode(%q) mismatch (-want +got):\n%s", tt.in, diff)
		}
	}
}

func TestSentencePieceByteFallback(t *testing.T) {
	tk := mustNew(t, spmVocab())
	ids := tk.Encode("é")
	// ▁ then the two UTF-8 bytes of é
	want := []int{tk.ids["▁"], tk.bytes[0xc3], tk.bytes[0xa9]}
	if diff := cmp.Diff(want, ids); diff != "" {
		t.Errorf("fallback mismatch (-want +got):\n%s", diff)
	}
	if got := tk.Decode(ids); got != "é" {
		t.Errorf("Decode = %q, want é", got)
	}
}

func TestSentencePieceRoundTrip(t *testing.T) {
	tk := mustNew(t, spmVocab())
	for _, in := range []string{"ab", " ab", "a b  ab", "xyz", "日本 🎉", "<s> not special"} {
		if got := tk.Decode(tk.Encode(in)); got != in {
			t.Errorf("round trip %q -> %q", in, got)
		}
	}
}

func TestEncodeWithBOS(t *testing.T) {
	tk := mustNew(t, spmVocab())
	ids := tk.EncodeWithBOS("ab")
	if len(ids) != 2 || ids[0] != 1 {
		t.Fatalf("EncodeWithBOS = %v, want BOS first", ids)
	}
	for _, id := range tk.Encode("<s>") {
		if id == 1 {
			t.Fatal("BOS produced from text")
		}
	}
}

func TestDecoderWithholdsPartialRunes(t *testing.T) {
	tk := mustNew(t, spmVocab())
	d := tk.NewDecoder()

	if got := d.Add(tk.bytes[0xc3]); got != "" {
		t.Fatalf("first byte emitted %q", got)
	}
	if got := d.Add(tk.bytes[0xa9]); got != "é" {
		t.Fatalf("second byte emitted %q, want é", got)
	}
	if got := d.Add(tk.ids["a"]); got != "a" {
		t.Fatalf("ascii emitted %q", got)
	}
	d.Add(tk.bytes[0xe6])
	if got := d.Flush(); got != "\xe6" {
		t.Fatalf("Flush = %q", got)
	}
}

func TestRegistrySharesIdenticalVocabularies(t *testing.T) {
	r := NewRegistry()
	a, err := r.Get(spmVocab())
	if err != nil {
		t.Fatal(err)
	}
	b, _ := r.Get(spmVocab())
	if a != b {
		t.Error("identical vocabularies produced distinct tokenizers")
	}

	other := spmVocab()
	other.Tokens[len(other.Tokens)-1] = "▁ba"
	c, _ := r.Get(other)
	if c == a {
		t.Error("different vocabularies shared a tokenizer")
	}
	if r.Len() != 2 {
		t.Errorf("registry holds %d tokenizers, want 2", r.Len())
	}
}

func TestFromGGUF(t *testing.T) {
	w := gguf.NewWriter()
	w.AddKV("general.architecture", "llama")
	w.AddKV("tokenizer.ggml.model", "gpt2")
	w.AddKV("tokenizer.ggml.pre", "llama-bpe")
	v := byteVocab([]string{"ab"}, []string{"a b"})
	w.AddKV("tokenizer.ggml.tokens", v.Tokens)
	w.AddKV("tokenizer.ggml.token_type", v.Types)
	w.AddKV("tokenizer.ggml.merges", v.Merges)
	w.AddKV("tokenizer.ggml.eos_token_id", uint32(v.EOS[0]))

	path := filepath.Join(t.TempDir(), "tok.gguf")
	if err := w.WriteFile(path); err != nil {
		t.Fatal(err)
	}
	tk, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if tk.Vocabulary().Mode != ModeByteLevel {
		t.Errorf("mode = %v", tk.Vocabulary().Mode)
	}
	if got := tk.Encode("ab"); len(got) != 1 || tk.Vocabulary().Tokens[got[0]] != "ab" {
		t.Errorf("Encode(ab) = %v", got)
	}
	if !tk.IsEOS(v.EOS[0]) {
		t.Error("eos not loaded")
	}
}

func TestFromHF(t *testing.T) {
	doc := `{
	  "added_tokens": [{"id": 4, "content": "</s>", "special": true}],
	  "pre_tokenizer": {"type": "ByteLevel"},
	  "model": {"type": "BPE", "vocab": {"a": 0, "b": 1, "ab": 2, "Ġ": 3},
	            "merges": [["a", "b"]]}
	}`
	path := filepath.Join(t.TempDir(), "tokenizer.json")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	v, err := FromHFFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"a b"}, v.Merges); diff != "" {
		t.Errorf("merges mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{4}, v.EOS); diff != "" {
		t.Errorf("eos mismatch (-want +got):\n%s", diff)
	}
	tk := mustNew(t, v)
	if got := tk.Encode("ab ab"); !cmp.Equal(got, []int{2, 3, 2}) {
		t.Errorf("Encode = %v, want [2 3 2]", got)
	}
}

func FuzzByteLevelRoundTrip(f *testing.F) {
	tk, err := New(byteVocab([]string{"he", "ll", "Ġt"}, []string{"h e", "l l", "Ġ t"}))
	if err != nil {
		f.Fatal(err)
	}
	f.Add("hello there")
	f.Add("\xf0\x9f\x8e")
	f.Add("  \n\t")
	f.Fuzz(func(t *testing.T, s string) {
		if got := tk.Decode(tk.Encode(s)); got != s {
			t.Fatalf("round trip %q -> %q", s, got)
		}
	})
}

func FuzzSentencePieceRoundTrip(f *testing.F) {
	tk, err := New(spmVocab())
	if err != nil {
		f.Fatal(err)
	}
	f.Add("ab ab")
	f.Add("ünïcödé")
	f.Fuzz(func(t *testing.T, s string) {
		if !utf8.ValidString(s) || strings.Contains(s, "▁") {
			t.Skip("not representable")
		}
		if got := tk.Decode(tk.Encode(s)); got != s {
			t.Fatalf("round trip %q -> %q", s, got)
		}
	})
}
