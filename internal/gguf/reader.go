package gguf

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
)

const maxDims = 4

// ErrTruncated reports a header or tensor that extends past the end of the file.
var ErrTruncated = errors.New("gguf: truncated file")

// LoadFile opens a GGUF file and parses its header, metadata and tensor
// directory. Tensor bytes are not read until ReadTensor is called.
func LoadFile(path string) (*GGUFFile, error) {
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
	file.src = f
	file.closer = f
	return file, nil
}

// Decode parses a GGUF stream of the given size. Every length read from the
// header is checked against the bytes that remain before it is trusted.
func Decode(ra io.ReaderAt, size int64) (*GGUFFile, error) {
	if size < 24 {
		return nil, ErrTruncated
	}
	r := &reader{
		r:     bufio.NewReaderSize(io.NewSectionReader(ra, 0, size), 1<<16),
		limit: uint64(size),
	}

	file := &GGUFFile{
		KV:   make(map[string]interface{}),
		Size: size,
		src:  ra,
	}

	var err error
	if file.Header.Magic, err = r.u32(); err != nil {
		return nil, err
	}
	if file.Header.Magic != GGUFMagic {
		return nil, ErrInvalidMagic{Magic: file.Header.Magic}
	}
	if file.Header.Version, err = r.u32(); err != nil {
		return nil, err
	}
	if file.Header.Version < 2 || file.Header.Version > 3 {
		return nil, ErrUnsupportedVersion{Version: file.Header.Version}
	}
	if file.Header.TensorCount, err = r.u64(); err != nil {
		return nil, err
	}
	if file.Header.KVCount, err = r.u64(); err != nil {
		return nil, err
	}

	// Each KV pair needs at least a key length, a type and one value byte;
	// each tensor info at least a name length, dim count, type and offset.
	if file.Header.KVCount > r.remaining()/13 {
		return nil, fmt.Errorf("%w: kv count %d exceeds file size", ErrTruncated, file.Header.KVCount)
	}
	if file.Header.TensorCount > r.remaining()/24 {
		return nil, fmt.Errorf("%w: tensor count %d exceeds file size", ErrTruncated, file.Header.TensorCount)
	}

	for i := uint64(0); i < file.Header.KVCount; i++ {
		k, err := r.str()
		if err != nil {
			return nil, fmt.Errorf("kv %d key: %w", i, err)
		}
		typ, err := r.u32()
		if err != nil {
			return nil, err
		}
		val, err := r.value(GGUFMetadataValueType(typ), 0)
		if err != nil {
			return nil, fmt.Errorf("kv %s: %w", k, err)
		}
		file.KV[k] = val
	}

	file.Tensors = make([]*TensorInfo, 0, file.Header.TensorCount)
	for i := uint64(0); i < file.Header.TensorCount; i++ {
		t, err := r.tensorInfo()
		if err != nil {
			return nil, fmt.Errorf("tensor %d: %w", i, err)
		}
		file.Tensors = append(file.Tensors, t)
	}

	alignment := uint64(DefaultAlignment)
	switch v := file.KV["general.alignment"].(type) {
	case uint32:
		alignment = uint64(v)
	case uint64:
		alignment = v
	}
	if alignment == 0 || alignment&(alignment-1) != 0 {
		return nil, fmt.Errorf("gguf: invalid alignment %d", alignment)
	}

	offset := r.off
	if pad := offset % alignment; pad != 0 {
		offset += alignment - pad
	}
	file.DataOffset = offset

	for _, t := range file.Tensors {
		n := t.SizeBytes()
		if n == 0 {
			continue // unknown type, only the external runtime can read it
		}
		if bs := t.Type.BlockSize(); t.NumElements()%bs != 0 {
			return nil, fmt.Errorf("gguf: tensor %s has %d elements, not a multiple of block size %d", t.Name, t.NumElements(), bs)
		}
		end := offset + t.Offset + n
		if end < offset || end > uint64(size) {
			return nil, fmt.Errorf("%w: tensor %s ends at %d, file is %d bytes", ErrTruncated, t.Name, end, size)
		}
	}

	return file, nil
}

// ReadTensor returns the raw bytes of t.
func (f *GGUFFile) ReadTensor(t *TensorInfo) ([]byte, error) {
	if f.src == nil {
		return nil, errors.New("gguf: file has no data source")
	}
	n := t.SizeBytes()
	if n == 0 {
		return nil, fmt.Errorf("gguf: tensor %s has unsupported type %s", t.Name, t.Type)
	}
	buf := make([]byte, n)
	if _, err := f.src.ReadAt(buf, int64(f.DataOffset+t.Offset)); err != nil {
		return nil, fmt.Errorf("read tensor %s: %w", t.Name, err)
	}
	return buf, nil
}

// Tensor finds a tensor by name.
func (f *GGUFFile) Tensor(name string) (*TensorInfo, bool) {
	for _, t := range f.Tensors {
		if t.Name == name {
			return t, true
		}
	}
	return nil, false
}

func (f *GGUFFile) Close() error {
	if f.closer == nil {
		return nil
	}
	err := f.closer.Close()
	f.closer = nil
	f.src = nil
	return err
}

type reader struct {
	r     *bufio.Reader
	off   uint64
	limit uint64
	buf   [8]byte
}

func (r *reader) remaining() uint64 {
	if r.off >= r.limit {
		return 0
	}
	return r.limit - r.off
}

func (r *reader) fixed(n int) ([]byte, error) {
	if _, err := io.ReadFull(r.r, r.buf[:n]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrTruncated
		}
		return nil, err
	}
	r.off += uint64(n)
	return r.buf[:n], nil
}

func (r *reader) u8() (uint8, error) {
	b, err := r.fixed(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) u16() (uint16, error) {
	b, err := r.fixed(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *reader) u32() (uint32, error) {
	b, err := r.fixed(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *reader) u64() (uint64, error) {
	b, err := r.fixed(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *reader) str() (string, error) {
	n, err := r.u64()
	if err != nil {
		return "", err
	}
	if n > r.remaining() {
		return "", fmt.Errorf("%w: string of %d bytes", ErrTruncated, n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r.r, b); err != nil {
		return "", ErrTruncated
	}
	r.off += n
	return string(b), nil
}

func (r *reader) value(typ GGUFMetadataValueType, depth int) (interface{}, error) {
	switch typ {
	case GGUFMetadataValueTypeUint8:
		return r.u8()
	case GGUFMetadataValueTypeInt8:
		v, err := r.u8()
		return int8(v), err
	case GGUFMetadataValueTypeUint16:
		return r.u16()
	case GGUFMetadataValueTypeInt16:
		v, err := r.u16()
		return int16(v), err
	case GGUFMetadataValueTypeUint32:
		return r.u32()
	case GGUFMetadataValueTypeInt32:
		v, err := r.u32()
		return int32(v), err
	case GGUFMetadataValueTypeFloat32:
		v, err := r.u32()
		return math.Float32frombits(v), err
	case GGUFMetadataValueTypeBool:
		v, err := r.u8()
		return v != 0, err
	case GGUFMetadataValueTypeString:
		return r.str()
	case GGUFMetadataValueTypeUint64:
		return r.u64()
	case GGUFMetadataValueTypeInt64:
		v, err := r.u64()
		return int64(v), err
	case GGUFMetadataValueTypeFloat64:
		v, err := r.u64()
		return math.Float64frombits(v), err
	case GGUFMetadataValueTypeArray:
		if depth > 0 {
			return nil, errors.New("gguf: nested arrays are not supported")
		}
		et, err := r.u32()
		if err != nil {
			return nil, err
		}
		n, err := r.u64()
		if err != nil {
			return nil, err
		}
		if n > r.remaining() {
			return nil, fmt.Errorf("%w: array of %d elements", ErrTruncated, n)
		}
		arr := make([]interface{}, 0, n)
		for i := uint64(0); i < n; i++ {
			v, err := r.value(GGUFMetadataValueType(et), depth+1)
			if err != nil {
				return nil, err
			}
			arr = append(arr, v)
		}
		return arr, nil
	default:
		return nil, fmt.Errorf("unsupported metadata type: %d", typ)
	}
}

func (r *reader) tensorInfo() (*TensorInfo, error) {
	name, err := r.str()
	if err != nil {
		return nil, err
	}
	dims, err := r.u32()
	if err != nil {
		return nil, err
	}
	if dims == 0 || dims > maxDims {
		return nil, fmt.Errorf("gguf: tensor %s has %d dimensions", name, dims)
	}
	t := &TensorInfo{Name: name, Dimensions: make([]uint64, dims)}
	elements := uint64(1)
	for j := range t.Dimensions {
		if t.Dimensions[j], err = r.u64(); err != nil {
			return nil, err
		}
		d := t.Dimensions[j]
		// no supported encoding packs more than two elements per byte
		if d == 0 || d > 4*r.limit || elements > 4*r.limit/d {
			return nil, fmt.Errorf("gguf: tensor %s has invalid dimension %d", name, d)
		}
		elements *= d
	}
	typ, err := r.u32()
	if err != nil {
		return nil, err
	}
	t.Type = GGMLType(typ)
	if t.Offset, err = r.u64(); err != nil {
		return nil, err
	}
	return t, nil
}
