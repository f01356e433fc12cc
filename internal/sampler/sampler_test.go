package sampler

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/casonadams/minerva/internal/errs"
)

func mustNew(t *testing.T, cfg Config) *Sampler {
	t.Helper()
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestGreedy(t *testing.T) {
	s := mustNew(t, Config{Temperature: 0})
	got, err := s.Sample([]float32{1.0, 5.0, 2.0, 0.5}, nil)
	if err != nil || got != 1 {
		t.Errorf("Sample = %d, %v; want 1", got, err)
	}
}

func TestTopKOneIsArgMaxForAnySeed(t *testing.T) {
	logits := []float32{2.0, 10.0, 9.9, 1.0}
	for seed := int64(1); seed <= 50; seed++ {
		s := mustNew(t, Config{Temperature: 1.5, TopK: 1, Seed: seed})
		if got, _ := s.Sample(logits, nil); got != 1 {
			t.Fatalf("seed %d: TopK=1 picked %d", seed, got)
		}
	}
}

func TestTopKFilters(t *testing.T) {
	s := mustNew(t, Config{Temperature: 1.0, TopK: 2, Seed: 7})
	logits := []float32{2.0, 10.0, 9.0, 1.0}
	seen := map[int]int{}
	for i := 0; i < 500; i++ {
		id, err := s.Sample(logits, nil)
		if err != nil {
			t.Fatal(err)
		}
		seen[id]++
	}
	if seen[0] > 0 || seen[3] > 0 {
		t.Errorf("excluded tokens drawn: %v", seen)
	}
	if seen[2] == 0 {
		t.Errorf("second candidate never drawn: %v", seen)
	}
}

func TestTopKTakesPrecedenceOverTopP(t *testing.T) {
	// top_p 0.1 alone would keep only token 0
	s := mustNew(t, Config{Temperature: 1.0, TopK: 2, TopP: 0.1, Seed: 3})
	logits := []float32{1.0, 0.99, -5, -5}
	seen := map[int]bool{}
	for i := 0; i < 300; i++ {
		id, _ := s.Sample(logits, nil)
		seen[id] = true
	}
	if !seen[1] {
		t.Error("top_p applied on top of top_k")
	}
}

func TestTopP(t *testing.T) {
	// probabilities 0.4, 0.3, 0.2, 0.1
	logits := []float32{
		float32(math.Log(0.4)), float32(math.Log(0.3)),
		float32(math.Log(0.2)), float32(math.Log(0.1)),
	}
	s := mustNew(t, Config{Temperature: 1.0, TopP: 0.5, Seed: 11})
	for i := 0; i < 300; i++ {
		id, err := s.Sample(logits, nil)
		if err != nil {
			t.Fatal(err)
		}
		if id == 2 || id == 3 {
			t.Fatalf("top_p=0.5 drew excluded token %d", id)
		}
	}

	// the nucleus must exceed p, so a token landing exactly on it keeps the next one
	for _, tt := range []struct {
		p    float64
		want []int
	}{
		{0.4, []int{0}},
		{0.5, []int{0, 1}},
		{0.9, []int{0, 1, 2}},
	} {
		var ids []int
		for _, c := range topP([]float64{0.5, 0.3, 0.2}, tt.p) {
			ids = append(ids, c.id)
		}
		if diff := cmp.Diff(tt.want, ids); diff != "" {
			t.Errorf("top_p=%v (-want +got):\n%s", tt.p, diff)
		}
	}

	// p >= 1 disables filtering
	s = mustNew(t, Config{Temperature: 1.0, TopP: 1, Seed: 11})
	seen := map[int]bool{}
	for i := 0; i < 2000; i++ {
		id, _ := s.Sample(logits, nil)
		seen[id] = true
	}
	if len(seen) != 4 {
		t.Errorf("top_p=1 drew only %v", seen)
	}
}

func TestLowTemperatureConvergesToArgMax(t *testing.T) {
	logits := []float32{1.0, 1.5, 1.2}
	s := mustNew(t, Config{Temperature: 0.01, Seed: 5})
	for i := 0; i < 200; i++ {
		if id, _ := s.Sample(logits, nil); id != 1 {
			t.Fatalf("temperature 0.01 drew %d", id)
		}
	}
}

func TestSeedReproducible(t *testing.T) {
	logits := []float32{0.1, 0.2, 0.3, 0.4, 0.5}
	draw := func() []int {
		s := mustNew(t, Config{Temperature: 1, Seed: 1234})
		var out []int
		for i := 0; i < 20; i++ {
			id, _ := s.Sample(logits, nil)
			out = append(out, id)
		}
		return out
	}
	a, b := draw(), draw()
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("same seed diverged at %d: %v vs %v", i, a, b)
		}
	}
}

func TestRepetitionPenalty(t *testing.T) {
	s := mustNew(t, Config{RepeatPenalty: 2.0})
	logits := []float32{0.8, 1.0, 0.8}
	if got, _ := s.Sample(logits, []int{1}); got == 1 {
		t.Error("penalised token still selected")
	}
	if logits[1] != 1.0 {
		t.Error("Sample modified the caller's logits")
	}

	neg := []float32{-1.0, -0.6, -0.9}
	if got, _ := s.Sample(neg, []int{1}); got != 2 {
		t.Errorf("negative logit penalty: got %d, want 2", got)
	}
}

func TestFrequencyAndPresencePenalty(t *testing.T) {
	s := mustNew(t, Config{FrequencyPenalty: 0.5})
	// token 0 seen twice loses 1.0, token 1 seen once loses 0.5
	if got, _ := s.Sample([]float32{2.0, 1.8, 1.4}, []int{0, 0, 1}); got != 2 {
		t.Errorf("frequency penalty: got %d, want 2", got)
	}
	s = mustNew(t, Config{PresencePenalty: 1})
	if got, _ := s.Sample([]float32{2.0, 1.5}, []int{0, 0, 0}); got != 1 {
		t.Errorf("presence penalty: got %d, want 1", got)
	}
}

func TestInvalidDistribution(t *testing.T) {
	negInf := float32(math.Inf(-1))
	tests := []struct {
		name   string
		logits []float32
	}{
		{"empty", nil},
		{"zeros", []float32{0, 0, 0}},
		{"nan", []float32{1, float32(math.NaN()), 0}},
		{"neg inf", []float32{negInf, negInf}},
		{"pos inf", []float32{1, float32(math.Inf(1))}},
	}
	s := mustNew(t, Config{Temperature: 0.7, Seed: 1})
	for _, tt := range tests {
		_, err := s.Sample(tt.logits, nil)
		if !errors.Is(err, errs.ErrInvalidDistribution) || !errors.Is(err, errs.KindSampling) {
			t.Errorf("%s: err = %v", tt.name, err)
		}
		if errs.StageOf(err) != errs.StageSample {
			t.Errorf("%s: stage = %q", tt.name, errs.StageOf(err))
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		cfg Config
		ok  bool
	}{
		{Config{}, true},
		{Config{Temperature: 2, TopK: 40, TopP: 1}, true},
		{Config{Temperature: 2.1}, false},
		{Config{Temperature: -0.1}, false},
		{Config{TopK: -1}, false},
		{Config{TopP: 1.5}, false},
		{Config{TopP: math.NaN()}, false},
		{Config{RepeatPenalty: -1}, false},
	}
	for _, tt := range tests {
		if err := tt.cfg.Validate(); (err == nil) != tt.ok {
			t.Errorf("Validate(%+v) = %v", tt.cfg, err)
		}
	}
}

func TestArgMax(t *testing.T) {
	if got := ArgMax([]float32{float32(math.NaN()), 1, 3, 2}); got != 2 {
		t.Errorf("ArgMax = %d", got)
	}
	if got := ArgMax([]float32{float32(math.NaN())}); got != 0 {
		t.Errorf("ArgMax all NaN = %d", got)
	}
}
