package engine

import (
	"math"

	"github.com/casonadams/minerva/internal/config"
	"github.com/casonadams/minerva/internal/errs"
)

// forward computes the logits for token at position s.pos and appends its
// keys and values to the cache.
func (s *Session) forward(token int) error {
	m, cfg := s.m, s.m.cfg
	dim, kvDim, hidden := cfg.Dim, cfg.KVDim(), cfg.HiddenDim
	dev := m.dev

	if token < 0 || token >= cfg.VocabSize {
		return errs.Newf(errs.StageForward, errs.ErrDimensionMismatch,
			"token %d outside vocabulary of %d", token, cfg.VocabSize)
	}
	copy(s.x, m.embd[token*dim:(token+1)*dim])
	s.trace(-1, "embedding", s.x)
	s.ropeAngles(s.pos)

	for l := range m.layers {
		w := &m.layers[l]

		if err := dev.RMSNorm(s.xb, s.x, w.attnNorm, cfg.Eps); err != nil {
			return err
		}
		if err := dev.MatVec(s.q, w.q, s.xb, dim, dim); err != nil {
			return err
		}
		if err := dev.MatVec(s.k, w.k, s.xb, kvDim, dim); err != nil {
			return err
		}
		if err := dev.MatVec(s.v, w.v, s.xb, kvDim, dim); err != nil {
			return err
		}
		s.rope(s.q, cfg.Heads)
		s.rope(s.k, cfg.KVHeads)

		if err := s.cache.Append(l, s.k, s.v); err != nil {
			return err
		}
		if err := s.attention(l); err != nil {
			return err
		}
		if err := dev.MatVec(s.xb2, w.o, s.attn, dim, dim); err != nil {
			return err
		}
		if err := dev.Add(s.x, s.x, s.xb2); err != nil {
			return err
		}
		s.trace(l, "attention", s.x)

		if err := dev.RMSNorm(s.xb, s.x, w.ffnNorm, cfg.Eps); err != nil {
			return err
		}
		if err := dev.SwiGLU(s.xb2, s.xb, w.gate, w.up, w.down, dim, hidden); err != nil {
			return err
		}
		if err := dev.Add(s.x, s.x, s.xb2); err != nil {
			return err
		}
		s.trace(l, "ffn", s.x)
	}

	if err := dev.RMSNormMatVec(s.logits, s.x, m.norm, cfg.Eps, m.output, cfg.VocabSize, dim); err != nil {
		return err
	}
	s.trace(cfg.Layers, "logits", s.logits)
	return nil
}

// ropeAngles fills the cos/sin table for pos.
func (s *Session) ropeAngles(pos int) {
	for i, f := range s.m.invFreq {
		a := float64(pos) * f
		s.cos[i] = float32(math.Cos(a))
		s.sin[i] = float32(math.Sin(a))
	}
}

// rope rotates each head of vec in place. Interleaved pairs dimensions
// (2i, 2i+1); NeoX pairs (i, i+headDim/2).
func (s *Session) rope(vec []float32, heads int) {
	hd := s.m.cfg.HeadDim
	half := hd / 2
	neox := s.m.cfg.RopeStyle == config.RopeNeoX
	for h := 0; h < heads; h++ {
		head := vec[h*hd : (h+1)*hd]
		for i := 0; i < half; i++ {
			a, b := 2*i, 2*i+1
			if neox {
				a, b = i, i+half
			}
			x0, x1 := head[a], head[b]
			c, sn := s.cos[i], s.sin[i]
			head[a] = x0*c - x1*sn
			head[b] = x0*sn + x1*c
		}
	}
}

// attention computes s.attn from s.q over every cached position of layer.
// The cache only ever holds positions up to the current one, so the causal
// mask is implicit. Query heads share KV heads in groups of heads/kvHeads.
func (s *Session) attention(layer int) error {
	cfg := s.m.cfg
	hd, kvDim := cfg.HeadDim, cfg.KVDim()
	group := cfg.Heads / cfg.KVHeads
	scale := float32(1 / math.Sqrt(float64(hd)))

	keys, values, n := s.cache.Slice(layer)
	scores := s.scores[:n]
	for h := 0; h < cfg.Heads; h++ {
		q := s.q[h*hd : (h+1)*hd]
		off := (h / group) * hd
		for t := 0; t < n; t++ {
			k := keys[t*kvDim+off : t*kvDim+off+hd]
			scores[t] = dot(q, k) * scale
		}
		if err := s.m.dev.Softmax(scores); err != nil {
			return err
		}
		out := s.attn[h*hd : (h+1)*hd]
		clear(out)
		for t := 0; t < n; t++ {
			w := scores[t]
			v := values[t*kvDim+off : t*kvDim+off+hd]
			for i := range out {
				out[i] += w * v[i]
			}
		}
	}
	return nil
}

func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}
