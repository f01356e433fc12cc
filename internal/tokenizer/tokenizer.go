package tokenizer

import (
	"cmp"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dlclark/regexp2"
	heap "github.com/emirpasic/gods/v2/trees/binaryheap"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/casonadams/minerva/internal/gguf"
	"github.com/casonadams/minerva/internal/metrics"
)

const (
	spmSpace      = "▁"
	pieceCacheLen = 4096
)

// Tokenizer is immutable after construction and safe for concurrent use.
type Tokenizer struct {
	vocab *Vocabulary

	ids     map[string]int
	special []bool
	merges  map[string]int
	bytes   [256]int
	pre     *regexp2.Regexp
	cache   *lru.Cache[string, []int]

	fingerprint uint64
}

// New builds a tokenizer over v. v must not be modified afterwards.
func New(v *Vocabulary) (*Tokenizer, error) {
	if err := v.validate(); err != nil {
		return nil, err
	}
	t := &Tokenizer{
		vocab:       v,
		ids:         make(map[string]int, len(v.Tokens)),
		special:     make([]bool, len(v.Tokens)),
		fingerprint: Fingerprint(v),
	}

	for i := range t.bytes {
		t.bytes[i] = -1
	}
	for id, tok := range v.Tokens {
		typ := TypeNormal
		if v.Types != nil {
			typ = v.Types[id]
		}
		switch typ {
		case TypeControl, TypeUnknown, TypeUnused:
			t.special[id] = true
			continue
		case TypeByte:
			if b, ok := parseByteToken(tok); ok {
				t.bytes[b] = id
			}
			continue
		}
		if _, dup := t.ids[tok]; !dup {
			t.ids[tok] = id
		}
	}
	for _, id := range append([]int{v.BOS, v.UNK, v.PAD}, v.EOS...) {
		if id >= 0 {
			t.special[id] = true
			if t.ids[v.Tokens[id]] == id {
				delete(t.ids, v.Tokens[id])
			}
		}
	}

	if len(v.Merges) > 0 {
		t.merges = make(map[string]int, len(v.Merges))
		for i, m := range v.Merges {
			if _, ok := t.merges[m]; !ok {
				t.merges[m] = i
			}
		}
	}

	if v.Mode == ModeByteLevel {
		pattern := v.Pretokenizer
		if pattern == "" {
			pattern = defaultPretokenizer
		}
		re, err := regexp2.Compile(pattern, regexp2.RE2)
		if err != nil {
			return nil, fmt.Errorf("tokenizer: pretokenizer: %w", err)
		}
		t.pre = re
	}

	cache, err := lru.New[string, []int](pieceCacheLen)
	if err != nil {
		return nil, err
	}
	t.cache = cache
	return t, nil
}

// LoadFile reads tokenizer data from a GGUF model or a tokenizer.json.
func LoadFile(path string) (*Tokenizer, error) {
	var v *Vocabulary
	if strings.HasSuffix(path, ".json") {
		var err error
		if v, err = FromHFFile(path); err != nil {
			return nil, err
		}
	} else {
		f, err := gguf.LoadFile(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		if v, err = FromGGUF(f); err != nil {
			return nil, err
		}
	}
	return Default.Get(v)
}

func parseByteToken(s string) (byte, bool) {
	if len(s) != 6 || !strings.HasPrefix(s, "<0x") || s[5] != '>' {
		return 0, false
	}
	n, err := strconv.ParseUint(s[3:5], 16, 8)
	return byte(n), err == nil
}

func (t *Tokenizer) Vocabulary() *Vocabulary { return t.vocab }
func (t *Tokenizer) VocabSize() int          { return len(t.vocab.Tokens) }
func (t *Tokenizer) Fingerprint() uint64     { return t.fingerprint }
func (t *Tokenizer) BOS() int                { return t.vocab.BOS }

func (t *Tokenizer) IsSpecial(id int) bool {
	return id >= 0 && id < len(t.special) && t.special[id]
}

func (t *Tokenizer) IsEOS(id int) bool {
	for _, e := range t.vocab.EOS {
		if e == id {
			return true
		}
	}
	return false
}

// EncodeWithBOS encodes text and prepends BOS when the vocabulary asks for it.
func (t *Tokenizer) EncodeWithBOS(text string) []int {
	ids := t.Encode(text)
	if t.vocab.AddBOS && t.vocab.BOS >= 0 {
		ids = append([]int{t.vocab.BOS}, ids...)
	}
	return ids
}

// Encode converts text to token ids. Special tokens are never produced; text
// spelling a special token is encoded as ordinary characters.
func (t *Tokenizer) Encode(text string) []int {
	start := time.Now()
	var ids []int
	var fallbacks int

	if t.vocab.Mode == ModeSentencePiece {
		if text == "" {
			return nil
		}
		s := strings.ReplaceAll(text, " ", spmSpace)
		if t.vocab.AddSpacePrefix {
			s = spmSpace + s
		}
		ids, fallbacks = t.encodePiece(s, ids)
	} else {
		for _, piece := range t.split(text) {
			if cached, ok := t.cache.Get(piece); ok {
				ids = append(ids, cached...)
				continue
			}
			var sb strings.Builder
			for _, b := range []byte(piece) {
				sb.WriteRune(byteToRune(b))
			}
			n := len(ids)
			var fb int
			ids, fb = t.encodePiece(sb.String(), ids)
			fallbacks += fb
			t.cache.Add(piece, append([]int(nil), ids[n:]...))
		}
	}

	metrics.RecordTokenizerEncode(len(ids), fallbacks, time.Since(start))
	return ids
}

// split pretokenizes s. Bytes that are not valid UTF-8 become pieces of their
// own so they survive the rune-based pattern match.
func (t *Tokenizer) split(s string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size == 1 {
			parts = t.match(s[start:i], parts)
			parts = append(parts, s[i:i+1])
			i++
			start = i
			continue
		}
		i += size
	}
	return t.match(s[start:], parts)
}

func (t *Tokenizer) match(s string, parts []string) []string {
	if s == "" {
		return parts
	}
	r := []rune(s)
	var offset int
	for m, _ := t.pre.FindRunesMatch(r); m != nil; m, _ = t.pre.FindNextMatch(m) {
		if m.Index > offset {
			parts = append(parts, string(r[offset:m.Index]))
		}
		parts = append(parts, m.String())
		offset = m.Index + m.Length
	}
	if offset < len(r) {
		parts = append(parts, string(r[offset:]))
	}
	return parts
}

type pair struct {
	a, b  int
	rank  float64
	value string
}

type symbol struct {
	p, n  int
	runes []rune
}

// rank scores merging left and right; lower merges first. Byte-level
// vocabularies rank by merge order, sentencepiece ones by token score.
func (t *Tokenizer) rank(left, right string) (float64, bool) {
	value := left + right
	if _, ok := t.ids[value]; !ok {
		return 0, false
	}
	if t.merges != nil {
		r, ok := t.merges[left+" "+right]
		return float64(r), ok
	}
	if t.vocab.Scores != nil {
		return -float64(t.vocab.Scores[t.ids[value]]), true
	}
	return float64(t.ids[value]), true
}

// encodePiece runs greedy lowest-rank merging over one pretokenized piece and
// appends the result to ids.
func (t *Tokenizer) encodePiece(s string, ids []int) ([]int, int) {
	if id, ok := t.ids[s]; ok {
		return append(ids, id), 0
	}

	runes := []rune(s)
	syms := make([]symbol, len(runes))
	for i := range runes {
		syms[i] = symbol{p: i - 1, n: i + 1, runes: runes[i : i+1]}
	}

	pairwise := func(a, b int) *pair {
		if a < 0 || b >= len(syms) {
			return nil
		}
		left, right := string(syms[a].runes), string(syms[b].runes)
		r, ok := t.rank(left, right)
		if !ok {
			return nil
		}
		return &pair{a: a, b: b, rank: r, value: left + right}
	}

	pairs := heap.NewWith(func(x, y *pair) int {
		if c := cmp.Compare(x.rank, y.rank); c != 0 {
			return c
		}
		return cmp.Compare(x.a, y.a)
	})
	for i := 0; i < len(syms)-1; i++ {
		if p := pairwise(i, i+1); p != nil {
			pairs.Push(p)
		}
	}

	for !pairs.Empty() {
		p, _ := pairs.Pop()
		left, right := syms[p.a], syms[p.b]
		if len(left.runes) == 0 || len(right.runes) == 0 || left.n != p.b ||
			string(left.runes)+string(right.runes) != p.value {
			continue
		}

		syms[p.a].runes = []rune(p.value)
		syms[p.b].runes = nil
		syms[p.a].n = right.n
		if right.n < len(syms) {
			syms[right.n].p = p.a
		}

		if np := pairwise(syms[p.a].p, p.a); np != nil {
			pairs.Push(np)
		}
		if np := pairwise(p.a, syms[p.a].n); np != nil {
			pairs.Push(np)
		}
	}

	var fallbacks int
	for _, sym := range syms {
		if len(sym.runes) == 0 {
			continue
		}
		piece := string(sym.runes)
		if id, ok := t.ids[piece]; ok {
			ids = append(ids, id)
			continue
		}
		fallbacks++
		ids = t.fallback(piece, ids)
	}
	return ids, fallbacks
}

// fallback spells a piece missing from the vocabulary as byte tokens, or the
// unknown token when the vocabulary has no byte tokens.
func (t *Tokenizer) fallback(piece string, ids []int) []int {
	var raw []byte
	if t.vocab.Mode == ModeByteLevel {
		for _, r := range piece {
			raw = append(raw, runeToByte(r))
		}
	} else {
		raw = []byte(strings.ReplaceAll(piece, spmSpace, " "))
	}
	for _, b := range raw {
		switch {
		case t.bytes[b] >= 0:
			ids = append(ids, t.bytes[b])
		case t.vocab.Mode == ModeSentencePiece && b == ' ':
			if id, ok := t.ids[spmSpace]; ok {
				ids = append(ids, id)
				continue
			}
			fallthrough
		default:
			if t.vocab.UNK >= 0 {
				ids = append(ids, t.vocab.UNK)
			}
		}
	}
	return ids
}

// Decode converts ids back to text. Special tokens decode to nothing.
func (t *Tokenizer) Decode(ids []int) string {
	var buf []byte
	for _, id := range ids {
		buf = t.appendPiece(buf, id)
	}
	if t.vocab.Mode == ModeSentencePiece && t.vocab.AddSpacePrefix && len(buf) > 0 && buf[0] == ' ' {
		buf = buf[1:]
	}
	return string(buf)
}

// appendPiece appends the raw bytes of one token.
func (t *Tokenizer) appendPiece(buf []byte, id int) []byte {
	if id < 0 || id >= len(t.vocab.Tokens) || t.special[id] {
		return buf
	}
	tok := t.vocab.Tokens[id]
	if b, ok := parseByteToken(tok); ok && t.bytes[b] == id {
		return append(buf, b)
	}
	if t.vocab.Mode == ModeSentencePiece {
		return append(buf, strings.ReplaceAll(tok, spmSpace, " ")...)
	}
	for _, r := range tok {
		if r <= 0x0143 {
			buf = append(buf, runeToByte(r))
		} else {
			buf = utf8.AppendRune(buf, r)
		}
	}
	return buf
}

// byteToRune is the GPT-2 byte to printable rune table.
func byteToRune(b byte) rune {
	r := rune(b)
	switch {
	case r == 0x00ad:
		return 0x0143
	case r <= 0x0020:
		return r + 0x0100
	case r >= 0x007f && r <= 0x00a0:
		return r + 0x00a2
	}
	return r
}

func runeToByte(r rune) byte {
	switch {
	case r == 0x0143:
		return 0xad
	case r >= 0x0100 && r <= 0x0120:
		return byte(r - 0x0100)
	case r >= 0x0121 && r <= 0x0142:
		return byte(r - 0x00a2)
	}
	return byte(r)
}
