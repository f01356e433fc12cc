// Package sampler picks the next token from a logits vector.
package sampler

import (
	"cmp"
	"fmt"
	"math"
	"math/rand"
	"slices"
	"time"

	pq "github.com/emirpasic/gods/v2/queues/priorityqueue"
	"gonum.org/v1/gonum/floats"

	"github.com/casonadams/minerva/internal/errs"
)

const defaultRepeatLastN = 64

type Config struct {
	// Temperature 0 selects the arg-max.
	Temperature float64 `json:"temperature"`
	// TopK keeps the k most likely tokens; 0 disables. Takes precedence over TopP.
	TopK int `json:"top_k"`
	// TopP keeps the smallest set whose probability exceeds p; 0 or >= 1 disables.
	TopP float64 `json:"top_p"`
	// RepeatPenalty divides positive and multiplies negative logits of
	// recently seen tokens. 1 or 0 disables.
	RepeatPenalty    float64 `json:"repeat_penalty"`
	FrequencyPenalty float64 `json:"frequency_penalty"`
	PresencePenalty  float64 `json:"presence_penalty"`
	// RepeatLastN is the history window penalties look at; 0 means 64,
	// negative means the whole history.
	RepeatLastN int `json:"repeat_last_n"`
	// Seed 0 draws a seed from the clock.
	Seed int64 `json:"seed"`
}

func (c Config) Validate() error {
	if math.IsNaN(c.Temperature) || c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("invalid temperature: %v (must be in [0, 2])", c.Temperature)
	}
	if c.TopK < 0 {
		return fmt.Errorf("invalid top_k: %d (must be non-negative)", c.TopK)
	}
	if math.IsNaN(c.TopP) || c.TopP < 0 || c.TopP > 1 {
		return fmt.Errorf("invalid top_p: %v (must be in [0, 1])", c.TopP)
	}
	if c.RepeatPenalty < 0 {
		return fmt.Errorf("invalid repeat_penalty: %v (must be non-negative)", c.RepeatPenalty)
	}
	return nil
}

// Greedy is the deterministic configuration.
func Greedy() Config { return Config{} }

// Sampler belongs to one session; it is not safe for concurrent use.
type Sampler struct {
	cfg Config
	rng *rand.Rand
}

func New(cfg Config) (*Sampler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errs.New(errs.StageSample, "config", err)
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	if cfg.RepeatLastN == 0 {
		cfg.RepeatLastN = defaultRepeatLastN
	}
	return &Sampler{cfg: cfg, rng: rand.New(rand.NewSource(cfg.Seed))}, nil
}

func (s *Sampler) Config() Config { return s.cfg }

func invalid(format string, args ...any) error {
	return errs.Newf(errs.StageSample, errs.ErrInvalidDistribution, format, args...)
}

// Sample chooses a token id. logits is not modified. history holds the
// tokens generated so far and feeds the penalties.
func (s *Sampler) Sample(logits []float32, history []int) (int, error) {
	if len(logits) == 0 {
		return 0, invalid("empty logits")
	}
	x := make([]float64, len(logits))
	for i, v := range logits {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 1) {
			return 0, invalid("logit %d is %v", i, v)
		}
		x[i] = float64(v)
	}

	if t := s.cfg.Temperature; t > 0 {
		floats.Scale(1/t, x)
	}
	s.penalize(x, history)

	if floats.Max(x) == math.Inf(-1) {
		return 0, invalid("every logit is -Inf")
	}
	if allZero(x) {
		return 0, invalid("every logit is zero")
	}
	if s.cfg.Temperature == 0 || s.cfg.TopK == 1 {
		return floats.MaxIdx(x), nil
	}

	probs := softmax(x)
	var cands []candidate
	switch {
	case s.cfg.TopK > 0:
		cands = topK(probs, s.cfg.TopK)
	case s.cfg.TopP > 0 && s.cfg.TopP < 1:
		cands = topP(probs, s.cfg.TopP)
	default:
		cands = make([]candidate, len(probs))
		for i, p := range probs {
			cands[i] = candidate{id: i, p: p}
		}
	}
	return s.draw(cands)
}

func allZero(x []float64) bool {
	for _, v := range x {
		if v != 0 {
			return false
		}
	}
	return true
}

func (s *Sampler) penalize(x []float64, history []int) {
	rep, freq, pres := s.cfg.RepeatPenalty, s.cfg.FrequencyPenalty, s.cfg.PresencePenalty
	if len(history) == 0 || ((rep == 0 || rep == 1) && freq == 0 && pres == 0) {
		return
	}
	window := history
	if n := s.cfg.RepeatLastN; n > 0 && len(window) > n {
		window = window[len(window)-n:]
	}
	counts := make(map[int]int)
	for _, id := range window {
		if id >= 0 && id < len(x) {
			counts[id]++
		}
	}
	for id, c := range counts {
		if rep > 0 && rep != 1 {
			if x[id] > 0 {
				x[id] /= rep
			} else {
				x[id] *= rep
			}
		}
		x[id] -= float64(c)*freq + pres
	}
}

// softmax returns exp(x - max) normalised; -Inf entries get zero mass.
func softmax(x []float64) []float64 {
	m := floats.Max(x)
	p := make([]float64, len(x))
	for i, v := range x {
		p[i] = math.Exp(v - m)
	}
	floats.Scale(1/floats.Sum(p), p)
	return p
}

type candidate struct {
	id int
	p  float64
}

// byProb orders candidates by descending probability, then ascending id.
func byProb(a, b candidate) int {
	if c := cmp.Compare(b.p, a.p); c != 0 {
		return c
	}
	return cmp.Compare(a.id, b.id)
}

func topK(probs []float64, k int) []candidate {
	if k > len(probs) {
		k = len(probs)
	}
	q := pq.NewWith(byProb)
	for i, p := range probs {
		q.Enqueue(candidate{id: i, p: p})
	}
	out := make([]candidate, 0, k)
	for len(out) < k {
		c, ok := q.Dequeue()
		if !ok {
			break
		}
		out = append(out, c)
	}
	return out
}

func topP(probs []float64, p float64) []candidate {
	cands := make([]candidate, len(probs))
	for i, v := range probs {
		cands[i] = candidate{id: i, p: v}
	}
	slices.SortFunc(cands, byProb)
	var sum float64
	for i, c := range cands {
		sum += c.p
		if sum > p {
			return cands[:i+1]
		}
	}
	return cands
}

// draw renormalises the candidates and picks one by inverse transform.
func (s *Sampler) draw(cands []candidate) (int, error) {
	var total float64
	for _, c := range cands {
		total += c.p
	}
	if total <= 0 || math.IsNaN(total) {
		return 0, invalid("no probability mass left after filtering")
	}
	r := s.rng.Float64() * total
	var acc float64
	for _, c := range cands {
		acc += c.p
		if r < acc {
			return c.id, nil
		}
	}
	// rounding left r at the very top; take the last candidate with mass
	for i := len(cands) - 1; i >= 0; i-- {
		if cands[i].p > 0 {
			return cands[i].id, nil
		}
	}
	return cands[0].id, nil
}

// ArgMax returns the index of the largest logit, skipping NaN. It is the
// fallback when a distribution is degenerate.
func ArgMax(logits []float32) int {
	best := -1
	for i, v := range logits {
		if math.IsNaN(float64(v)) {
			continue
		}
		if best < 0 || v > logits[best] {
			best = i
		}
	}
	return max(best, 0)
}
