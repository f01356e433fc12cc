package gguf

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// Writer assembles a GGUF v3 file in memory. It is used by tests and the
// mkmodel command to produce small models.
type Writer struct {
	keys    []string
	values  map[string]interface{}
	tensors []writerTensor
}

type writerTensor struct {
	info TensorInfo
	data []byte
}

func NewWriter() *Writer {
	return &Writer{values: make(map[string]interface{})}
}

// AddKV records a metadata pair. Supported values are the scalar GGUF types
// plus []string, []int32, []uint32 and []float32.
func (w *Writer) AddKV(key string, value interface{}) {
	if _, ok := w.values[key]; !ok {
		w.keys = append(w.keys, key)
	}
	w.values[key] = value
}

// AddTensor encodes data with the given row-major shape.
func (w *Writer) AddTensor(name string, shape []int, typ GGMLType, data []float32) error {
	dims := make([]uint64, len(shape))
	n := 1
	for i, s := range shape {
		dims[len(shape)-1-i] = uint64(s)
		n *= s
	}
	if n != len(data) {
		return fmt.Errorf("tensor %s: shape %v holds %d values, got %d", name, shape, n, len(data))
	}
	t := TensorInfo{Name: name, Dimensions: dims, Type: typ}
	if bs := typ.BlockSize(); bs == 0 || uint64(n)%bs != 0 {
		return fmt.Errorf("tensor %s: %d values do not fill %s blocks", name, n, typ)
	}

	var raw []byte
	switch typ {
	case GGMLTypeF32:
		raw = make([]byte, 4*n)
		for i, v := range data {
			binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
		}
	case GGMLTypeF16:
		raw = make([]byte, 2*n)
		for i, v := range data {
			binary.LittleEndian.PutUint16(raw[i*2:], float16.Fromfloat32(v).Bits())
		}
	case GGMLTypeBF16:
		raw = bfloat16.EncodeFloat32(data)
	case GGMLTypeQ8_0:
		raw = quantQ8_0(data)
	case GGMLTypeQ4_0:
		raw = quantQ4_0(data)
	default:
		return fmt.Errorf("tensor %s: cannot encode %s", name, typ)
	}

	w.tensors = append(w.tensors, writerTensor{info: t, data: raw})
	return nil
}

// AddRaw adds pre-encoded tensor bytes, for types the writer cannot produce.
func (w *Writer) AddRaw(name string, shape []int, typ GGMLType, raw []byte) {
	dims := make([]uint64, len(shape))
	for i, s := range shape {
		dims[len(shape)-1-i] = uint64(s)
	}
	w.tensors = append(w.tensors, writerTensor{
		info: TensorInfo{Name: name, Dimensions: dims, Type: typ},
		data: raw,
	})
}

func (w *Writer) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := w.WriteTo(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (w *Writer) WriteTo(dst io.Writer) (int64, error) {
	cw := &countingWriter{w: bufio.NewWriter(dst)}
	le := binary.LittleEndian

	put := func(v interface{}) { _ = binary.Write(cw, le, v) }
	putStr := func(s string) {
		put(uint64(len(s)))
		_, _ = io.WriteString(cw, s)
	}

	put(uint32(GGUFMagic))
	put(uint32(GGUFVersion))
	put(uint64(len(w.tensors)))
	put(uint64(len(w.keys)))

	for _, k := range w.keys {
		putStr(k)
		if err := writeValue(put, putStr, w.values[k]); err != nil {
			return cw.n, fmt.Errorf("kv %s: %w", k, err)
		}
	}

	var offset uint64
	for i := range w.tensors {
		t := &w.tensors[i]
		t.info.Offset = offset
		putStr(t.info.Name)
		put(uint32(len(t.info.Dimensions)))
		for _, d := range t.info.Dimensions {
			put(d)
		}
		put(uint32(t.info.Type))
		put(offset)
		offset = align(offset+uint64(len(t.data)), DefaultAlignment)
	}

	pad := func() {
		if r := uint64(cw.n) % DefaultAlignment; r != 0 {
			_, _ = cw.Write(make([]byte, DefaultAlignment-r))
		}
	}
	pad()
	for _, t := range w.tensors {
		_, _ = cw.Write(t.data)
		pad()
	}

	if cw.err != nil {
		return cw.n, cw.err
	}
	return cw.n, cw.w.Flush()
}

func writeValue(put func(interface{}), putStr func(string), v interface{}) error {
	switch x := v.(type) {
	case uint8:
		put(uint32(GGUFMetadataValueTypeUint8))
		put(x)
	case int8:
		put(uint32(GGUFMetadataValueTypeInt8))
		put(x)
	case uint16:
		put(uint32(GGUFMetadataValueTypeUint16))
		put(x)
	case int16:
		put(uint32(GGUFMetadataValueTypeInt16))
		put(x)
	case uint32:
		put(uint32(GGUFMetadataValueTypeUint32))
		put(x)
	case int32:
		put(uint32(GGUFMetadataValueTypeInt32))
		put(x)
	case float32:
		put(uint32(GGUFMetadataValueTypeFloat32))
		put(x)
	case bool:
		put(uint32(GGUFMetadataValueTypeBool))
		if x {
			put(uint8(1))
		} else {
			put(uint8(0))
		}
	case string:
		put(uint32(GGUFMetadataValueTypeString))
		putStr(x)
	case uint64:
		put(uint32(GGUFMetadataValueTypeUint64))
		put(x)
	case int64:
		put(uint32(GGUFMetadataValueTypeInt64))
		put(x)
	case float64:
		put(uint32(GGUFMetadataValueTypeFloat64))
		put(x)
	case []string:
		put(uint32(GGUFMetadataValueTypeArray))
		put(uint32(GGUFMetadataValueTypeString))
		put(uint64(len(x)))
		for _, s := range x {
			putStr(s)
		}
	case []int32:
		put(uint32(GGUFMetadataValueTypeArray))
		put(uint32(GGUFMetadataValueTypeInt32))
		put(uint64(len(x)))
		put(x)
	case []uint32:
		put(uint32(GGUFMetadataValueTypeArray))
		put(uint32(GGUFMetadataValueTypeUint32))
		put(uint64(len(x)))
		put(x)
	case []float32:
		put(uint32(GGUFMetadataValueTypeArray))
		put(uint32(GGUFMetadataValueTypeFloat32))
		put(uint64(len(x)))
		put(x)
	default:
		return fmt.Errorf("unsupported value type %T", v)
	}
	return nil
}

func align(n, a uint64) uint64 {
	if r := n % a; r != 0 {
		return n + a - r
	}
	return n
}

type countingWriter struct {
	w   *bufio.Writer
	n   int64
	err error
}

func (c *countingWriter) Write(p []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	n, err := c.w.Write(p)
	c.n += int64(n)
	c.err = err
	return n, err
}

func quantQ8_0(x []float32) []byte {
	out := make([]byte, 0, len(x)/32*34)
	for b := 0; b < len(x); b += 32 {
		blk := x[b : b+32]
		var amax float32
		for _, v := range blk {
			amax = max(amax, float32(math.Abs(float64(v))))
		}
		d := amax / 127
		var id float32
		if d != 0 {
			id = 1 / d
		}
		out = binary.LittleEndian.AppendUint16(out, float16.Fromfloat32(d).Bits())
		for _, v := range blk {
			out = append(out, byte(int8(math.Round(float64(v*id)))))
		}
	}
	return out
}

func quantQ4_0(x []float32) []byte {
	out := make([]byte, 0, len(x)/32*18)
	for b := 0; b < len(x); b += 32 {
		blk := x[b : b+32]
		var amax, vmax float32
		for _, v := range blk {
			if a := float32(math.Abs(float64(v))); a > amax {
				amax, vmax = a, v
			}
		}
		d := vmax / -8
		var id float32
		if d != 0 {
			id = 1 / d
		}
		out = binary.LittleEndian.AppendUint16(out, float16.Fromfloat32(d).Bits())
		for j := 0; j < 16; j++ {
			lo := min(15, int(blk[j]*id+8.5))
			hi := min(15, int(blk[j+16]*id+8.5))
			out = append(out, byte(lo)|byte(hi)<<4)
		}
	}
	return out
}
