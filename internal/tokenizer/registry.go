package tokenizer

import (
	"encoding/binary"
	"math"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Default is the process-wide registry used by model loading.
var Default = NewRegistry()

// Registry shares one Tokenizer between models whose vocabularies are
// identical, so two quantizations of a model do not each hold a copy.
type Registry struct {
	mu sync.Mutex
	m  map[uint64]*Tokenizer
}

func NewRegistry() *Registry {
	return &Registry{m: make(map[uint64]*Tokenizer)}
}

// Get returns the registered tokenizer for v's fingerprint, building it on
// first use.
func (r *Registry) Get(v *Vocabulary) (*Tokenizer, error) {
	fp := Fingerprint(v)

	r.mu.Lock()
	t, ok := r.m[fp]
	r.mu.Unlock()
	if ok {
		return t, nil
	}

	t, err := New(v)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.m[fp]; ok {
		return existing, nil
	}
	r.m[fp] = t
	return t, nil
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.m)
}

// Fingerprint hashes everything that influences encoding or decoding.
func Fingerprint(v *Vocabulary) uint64 {
	h := xxhash.New()
	var buf [8]byte
	putInt := func(n int) {
		binary.LittleEndian.PutUint64(buf[:], uint64(int64(n)))
		_, _ = h.Write(buf[:])
	}
	putStr := func(s string) {
		putInt(len(s))
		_, _ = h.WriteString(s)
	}

	putInt(int(v.Mode))
	putInt(len(v.Tokens))
	for _, s := range v.Tokens {
		putStr(s)
	}
	putInt(len(v.Types))
	for _, t := range v.Types {
		putInt(int(t))
	}
	putInt(len(v.Scores))
	for _, s := range v.Scores {
		putInt(int(math.Float32bits(s)))
	}
	putInt(len(v.Merges))
	for _, m := range v.Merges {
		putStr(m)
	}
	putInt(v.BOS)
	putInt(v.UNK)
	putInt(v.PAD)
	putInt(len(v.EOS))
	for _, e := range v.EOS {
		putInt(e)
	}
	if v.AddBOS {
		putInt(1)
	} else {
		putInt(0)
	}
	if v.AddSpacePrefix {
		putInt(1)
	} else {
		putInt(0)
	}
	putStr(v.Pretokenizer)
	return h.Sum64()
}
