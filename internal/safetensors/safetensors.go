package safetensors

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"github.com/d4l3k/go-bfloat16"
	json "github.com/goccy/go-json"
	"github.com/x448/float16"
)

// MaxHeaderBytes bounds the JSON header read before anything is trusted.
const MaxHeaderBytes = 100 << 20

var ErrNotSafetensors = errors.New("safetensors: not a safetensors file")

type TensorInfo struct {
	Name  string
	DType string
	Shape []int
	Start int64
	End   int64
}

func (t TensorInfo) NumElements() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

type File struct {
	Path      string
	DataStart int64
	Size      int64
	Metadata  map[string]string
	Tensors   map[string]TensorInfo

	src    io.ReaderAt
	closer io.Closer
}

type tensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

// DTypeSize returns bytes per element, or 0 for dtypes this package cannot decode.
func DTypeSize(dtype string) int {
	switch dtype {
	case "F32":
		return 4
	case "F16", "BF16":
		return 2
	}
	return 0
}

// Sniff reports whether head looks like the start of a safetensors file: a
// little-endian header length followed by a JSON object.
func Sniff(head []byte) bool {
	if len(head) < 9 {
		return false
	}
	n := binary.LittleEndian.Uint64(head)
	return n >= 2 && n <= MaxHeaderBytes && head[8] == '{'
}

func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	file, err := Decode(f, info.Size())
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	file.Path = path
	file.closer = f
	return file, nil
}

// Decode parses the header of a safetensors stream. Offsets and sizes of every
// tensor are checked against the data section before the file is returned.
func Decode(ra io.ReaderAt, size int64) (*File, error) {
	var head [9]byte
	if size < 9 {
		return nil, ErrNotSafetensors
	}
	if _, err := ra.ReadAt(head[:], 0); err != nil {
		return nil, err
	}
	if !Sniff(head[:]) {
		return nil, ErrNotSafetensors
	}
	headerLen := int64(binary.LittleEndian.Uint64(head[:]))
	if headerLen > size-8 {
		return nil, fmt.Errorf("safetensors: header of %d bytes exceeds file size %d", headerLen, size)
	}

	headerBytes := make([]byte, headerLen)
	if _, err := ra.ReadAt(headerBytes, 8); err != nil {
		return nil, fmt.Errorf("safetensors: read header: %w", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &raw); err != nil {
		return nil, fmt.Errorf("safetensors: parse header: %w", err)
	}

	file := &File{
		DataStart: 8 + headerLen,
		Size:      size,
		Tensors:   make(map[string]TensorInfo, len(raw)),
		src:       ra,
	}
	if meta, ok := raw["__metadata__"]; ok {
		if err := json.Unmarshal(meta, &file.Metadata); err != nil {
			return nil, fmt.Errorf("safetensors: parse __metadata__: %w", err)
		}
		delete(raw, "__metadata__")
	}

	dataLen := size - file.DataStart
	for name, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, fmt.Errorf("parse tensor %s: %w", name, err)
		}
		if len(th.DataOffsets) != 2 {
			return nil, fmt.Errorf("tensor %s: invalid data_offsets", name)
		}
		t := TensorInfo{
			Name:  name,
			DType: th.DType,
			Shape: th.Shape,
			Start: th.DataOffsets[0],
			End:   th.DataOffsets[1],
		}
		if t.Start < 0 || t.End < t.Start || t.End > dataLen {
			return nil, fmt.Errorf("tensor %s: offsets [%d, %d) outside data section of %d bytes", name, t.Start, t.End, dataLen)
		}
		n, err := numElements(t.Shape)
		if err != nil {
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		if es := DTypeSize(t.DType); es > 0 && int64(n)*int64(es) != t.End-t.Start {
			return nil, fmt.Errorf("tensor %s: %d bytes for %d %s elements", name, t.End-t.Start, n, t.DType)
		}
		file.Tensors[name] = t
	}
	return file, nil
}

// Names returns tensor names in file order.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Tensors))
	for n := range f.Tensors {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool {
		return f.Tensors[names[i]].Start < f.Tensors[names[j]].Start
	})
	return names
}

func (f *File) Tensor(name string) (TensorInfo, bool) {
	t, ok := f.Tensors[name]
	return t, ok
}

func (f *File) ReadTensor(name string) ([]byte, TensorInfo, error) {
	t, ok := f.Tensors[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("tensor not found: %s", name)
	}
	if f.src == nil {
		return nil, TensorInfo{}, errors.New("safetensors: file is closed")
	}
	buf := make([]byte, t.End-t.Start)
	if _, err := f.src.ReadAt(buf, f.DataStart+t.Start); err != nil {
		return nil, TensorInfo{}, fmt.Errorf("read tensor %s: %w", name, err)
	}
	return buf, t, nil
}

func (f *File) ReadTensorF32(name string) ([]float32, TensorInfo, error) {
	raw, info, err := f.ReadTensor(name)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	out, err := DecodeF32(info.DType, raw)
	if err != nil {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: %w", name, err)
	}
	return out, info, nil
}

// DecodeF32 expands little-endian F32, F16 or BF16 bytes.
func DecodeF32(dtype string, raw []byte) ([]float32, error) {
	switch dtype {
	case "F32":
		out := make([]float32, len(raw)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		return out, nil
	case "BF16":
		return bfloat16.DecodeFloat32(raw), nil
	case "F16":
		out := make([]float32, len(raw)/2)
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported dtype %s", dtype)
	}
}

func (f *File) Close() error {
	f.src = nil
	if f.closer == nil {
		return nil
	}
	err := f.closer.Close()
	f.closer = nil
	return err
}

func numElements(shape []int) (int, error) {
	n := 1
	for _, d := range shape {
		if d <= 0 {
			return 0, fmt.Errorf("invalid dim %d", d)
		}
		if n > (int(^uint(0)>>1))/d {
			return 0, fmt.Errorf("tensor too large")
		}
		n *= d
	}
	return n, nil
}

// Tensor is one entry handed to Write.
type Tensor struct {
	Name  string
	DType string
	Shape []int
	Data  []float32
}

// Write encodes tensors in the given order with an optional __metadata__ block.
func Write(w io.Writer, tensors []Tensor, metadata map[string]string) error {
	header := make(map[string]interface{}, len(tensors)+1)
	if len(metadata) > 0 {
		header["__metadata__"] = metadata
	}

	var data bytes.Buffer
	for _, t := range tensors {
		start := int64(data.Len())
		switch t.DType {
		case "F32":
			for _, v := range t.Data {
				data.Write(binary.LittleEndian.AppendUint32(nil, math.Float32bits(v)))
			}
		case "F16":
			for _, v := range t.Data {
				data.Write(binary.LittleEndian.AppendUint16(nil, float16.Fromfloat32(v).Bits()))
			}
		case "BF16":
			data.Write(bfloat16.EncodeFloat32(t.Data))
		default:
			return fmt.Errorf("tensor %s: cannot encode %s", t.Name, t.DType)
		}
		header[t.Name] = tensorHeader{
			DType:       t.DType,
			Shape:       t.Shape,
			DataOffsets: []int64{start, int64(data.Len())},
		}
	}

	hb, err := json.Marshal(header)
	if err != nil {
		return err
	}
	// the header is space-padded to an 8-byte boundary
	for len(hb)%8 != 0 {
		hb = append(hb, ' ')
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(len(hb))); err != nil {
		return err
	}
	if _, err := w.Write(hb); err != nil {
		return err
	}
	_, err = w.Write(data.Bytes())
	return err
}

func WriteFile(path string, tensors []Tensor, metadata map[string]string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Write(f, tensors, metadata); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
