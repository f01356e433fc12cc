package engine

import (
	"math"
	"os"
	"sync"

	json "github.com/goccy/go-json"
)

const (
	CollapseThreshold   = 1e-5
	SaturationThreshold = 1e4
	traceSampleSize     = 8
)

// ActivationTrace summarises one activation vector. Layer -1 is the
// embedding and Layer == layer count is the logits.
type ActivationTrace struct {
	Position int       `json:"position"`
	Layer    int       `json:"layer"`
	Stage    string    `json:"stage"`
	Max      float32   `json:"max"`
	Min      float32   `json:"min"`
	Mean     float32   `json:"mean"`
	RMS      float32   `json:"rms"`
	Zeros    int       `json:"zeros"`
	NaNs     int       `json:"nans"`
	Infs     int       `json:"infs"`
	Sample   []float32 `json:"sample"`
}

func (t ActivationTrace) Collapsed() bool {
	return t.RMS < CollapseThreshold
}

func (t ActivationTrace) Saturated() bool {
	return t.RMS > SaturationThreshold || t.Infs > 0 || t.NaNs > 0
}

// Trace collects activation statistics for the first Positions positions of
// a session; zero means every position.
type Trace struct {
	Positions int `json:"positions"`

	mu     sync.Mutex
	Traces []ActivationTrace `json:"traces"`
}

func NewTrace(positions int) *Trace {
	return &Trace{Positions: positions}
}

func (s *Session) trace(layer int, stage string, data []float32) {
	t := s.opts.Trace
	if t == nil || (t.Positions > 0 && s.pos >= t.Positions) {
		return
	}
	t.record(Summarize(data), s.pos, layer, stage)
}

func (t *Trace) record(a ActivationTrace, pos, layer int, stage string) {
	a.Position, a.Layer, a.Stage = pos, layer, stage
	t.mu.Lock()
	t.Traces = append(t.Traces, a)
	t.mu.Unlock()
}

// Summarize computes the statistics of one vector.
func Summarize(data []float32) ActivationTrace {
	a := ActivationTrace{
		Min: float32(math.Inf(1)),
		Max: float32(math.Inf(-1)),
	}
	var sum, sq float64
	finite := 0
	for _, v := range data {
		f := float64(v)
		switch {
		case math.IsNaN(f):
			a.NaNs++
			continue
		case math.IsInf(f, 0):
			a.Infs++
			continue
		case v == 0:
			a.Zeros++
		}
		a.Min = min(a.Min, v)
		a.Max = max(a.Max, v)
		sum += f
		sq += f * f
		finite++
	}
	if finite > 0 {
		a.Mean = float32(sum / float64(finite))
		a.RMS = float32(math.Sqrt(sq / float64(finite)))
	} else {
		a.Min, a.Max = 0, 0
	}
	n := min(len(data), traceSampleSize)
	a.Sample = append([]float32(nil), data[:n]...)
	return a
}

// Anomalies returns the traces whose activations collapsed or saturated.
func (t *Trace) Anomalies() []ActivationTrace {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []ActivationTrace
	for _, a := range t.Traces {
		if a.Collapsed() || a.Saturated() {
			out = append(out, a)
		}
	}
	return out
}

func (t *Trace) ExportJSON() ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return json.MarshalIndent(t, "", "  ")
}

func (t *Trace) SaveToFile(filename string) error {
	data, err := t.ExportJSON()
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0o644)
}
