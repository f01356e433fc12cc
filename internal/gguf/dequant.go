package gguf

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// Dequantize expands the raw bytes of t into float32 values in storage order.
func Dequantize(t *TensorInfo, raw []byte) ([]float32, error) {
	n := t.NumElements()
	if want := t.SizeBytes(); want == 0 || uint64(len(raw)) != want {
		return nil, fmt.Errorf("dequantize %s: have %d bytes, want %d for %s", t.Name, len(raw), want, t.Type)
	}

	out := make([]float32, n)
	switch t.Type {
	case GGMLTypeF32:
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case GGMLTypeF16:
		for i := range out {
			out[i] = f16(raw[i*2:])
		}
	case GGMLTypeBF16:
		copy(out, bfloat16.DecodeFloat32(raw))
	case GGMLTypeQ4_0:
		dequantQ4_0(raw, out)
	case GGMLTypeQ8_0:
		dequantQ8_0(raw, out)
	case GGMLTypeQ4_K:
		dequantQ4K(raw, out)
	case GGMLTypeQ6_K:
		dequantQ6K(raw, out)
	default:
		return nil, fmt.Errorf("dequantize %s: no decoder for %s", t.Name, t.Type)
	}
	return out, nil
}

func f16(b []byte) float32 {
	return float16.Frombits(binary.LittleEndian.Uint16(b)).Float32()
}

// Q4_0: f16 scale then 16 bytes; low nibbles are the first half of the block.
func dequantQ4_0(raw []byte, out []float32) {
	for b := 0; b*32 < len(out); b++ {
		blk := raw[b*18 : b*18+18]
		d := f16(blk)
		y := out[b*32 : b*32+32]
		for j := 0; j < 16; j++ {
			q := blk[2+j]
			y[j] = float32(int(q&0x0F)-8) * d
			y[j+16] = float32(int(q>>4)-8) * d
		}
	}
}

// Q8_0: f16 scale then 32 signed bytes.
func dequantQ8_0(raw []byte, out []float32) {
	for b := 0; b*32 < len(out); b++ {
		blk := raw[b*34 : b*34+34]
		d := f16(blk)
		y := out[b*32 : b*32+32]
		for j := 0; j < 32; j++ {
			y[j] = float32(int8(blk[2+j])) * d
		}
	}
}

func scaleMinK4(j int, q []byte) (uint8, uint8) {
	if j < 4 {
		return q[j] & 63, q[j+4] & 63
	}
	sc := (q[j+4] & 0x0F) | ((q[j-4] >> 6) << 4)
	m := (q[j+4] >> 4) | ((q[j] >> 6) << 4)
	return sc, m
}

// Q4_K super-block: d, dmin (f16), 12 bytes of packed 6-bit scales and mins,
// 128 bytes of nibbles. Each 64-value chunk uses one 32-byte run of qs, low
// nibbles first.
func dequantQ4K(raw []byte, out []float32) {
	for b := 0; b*256 < len(out); b++ {
		blk := raw[b*144 : b*144+144]
		d := f16(blk[0:])
		dmin := f16(blk[2:])
		scales := blk[4:16]
		q := blk[16:144]
		y := out[b*256 : b*256+256]

		is := 0
		for j := 0; j < 256; j += 64 {
			sc, m := scaleMinK4(is, scales)
			d1, m1 := d*float32(sc), dmin*float32(m)
			sc, m = scaleMinK4(is+1, scales)
			d2, m2 := d*float32(sc), dmin*float32(m)
			for l := 0; l < 32; l++ {
				y[j+l] = d1*float32(q[l]&0x0F) - m1
				y[j+32+l] = d2*float32(q[l]>>4) - m2
			}
			q = q[32:]
			is += 2
		}
	}
}

// Q6_K super-block: 128 bytes of low nibbles, 64 bytes of high bit pairs,
// 16 signed scales, then the f16 super scale.
func dequantQ6K(raw []byte, out []float32) {
	for b := 0; b*256 < len(out); b++ {
		blk := raw[b*210 : b*210+210]
		ql := blk[0:128]
		qh := blk[128:192]
		sc := blk[192:208]
		d := f16(blk[208:])
		y := out[b*256 : b*256+256]

		for n := 0; n < 256; n += 128 {
			for l := 0; l < 32; l++ {
				is := l / 16
				q1 := int(ql[l]&0x0F|((qh[l]>>0)&3)<<4) - 32
				q2 := int(ql[l+32]&0x0F|((qh[l]>>2)&3)<<4) - 32
				q3 := int(ql[l]>>4|((qh[l]>>4)&3)<<4) - 32
				q4 := int(ql[l+32]>>4|((qh[l]>>6)&3)<<4) - 32
				y[n+l] = d * float32(int8(sc[is+0])) * float32(q1)
				y[n+l+32] = d * float32(int8(sc[is+2])) * float32(q2)
				y[n+l+64] = d * float32(int8(sc[is+4])) * float32(q3)
				y[n+l+96] = d * float32(int8(sc[is+6])) * float32(q4)
			}
			ql = ql[64:]
			qh = qh[32:]
			sc = sc[8:]
		}
	}
}
