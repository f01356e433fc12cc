// Package weights loads model files into float32 tensors keyed by canonical
// name, together with the model configuration and tokenizer they carry.
package weights

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sort"

	"github.com/casonadams/minerva/internal/config"
	"github.com/casonadams/minerva/internal/errs"
	"github.com/casonadams/minerva/internal/gguf"
	"github.com/casonadams/minerva/internal/safetensors"
)

type Format int

const (
	FormatUnknown Format = iota
	// FormatGGUF is the quantized container.
	FormatGGUF
	// FormatSafetensors is the full-precision tensor archive.
	FormatSafetensors
)

func (f Format) String() string {
	switch f {
	case FormatGGUF:
		return "gguf"
	case FormatSafetensors:
		return "safetensors"
	}
	return "unknown"
}

// HeadSize is how many leading bytes Detect needs.
const HeadSize = 9

// Detect identifies a format from the first bytes of a file.
func Detect(head []byte) Format {
	if len(head) >= 4 && binary.LittleEndian.Uint32(head) == gguf.GGUFMagic {
		return FormatGGUF
	}
	if safetensors.Sniff(head) {
		return FormatSafetensors
	}
	return FormatUnknown
}

// DetectFile reads the head of path and detects its format.
func DetectFile(path string) (Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return FormatUnknown, err
	}
	defer f.Close()
	head := make([]byte, HeadSize)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return FormatUnknown, err
	}
	return Detect(head[:n]), nil
}

// nativeArchitectures run on the in-process engine.
var nativeArchitectures = []string{"llama", "mistral", "qwen2"}

// Header is what Probe learns without reading tensor data.
type Header struct {
	Path         string
	Format       Format
	Architecture string
	Config       config.Config
	// ConfigErr is set when the file carries no usable configuration.
	ConfigErr   error
	FileSize    int64
	TensorCount int
	// DTypes counts tensors per storage type.
	DTypes map[string]int
	// Undecodable lists tensors stored in a type the loader cannot expand.
	Undecodable []string
	// DeclaredBytes is the float32 footprint after dequantization.
	DeclaredBytes int64
	// Missing lists required tensors absent for the declared layer count.
	Missing []string
}

// NativeSupported reports whether the in-process engine can run the model.
func (h *Header) NativeSupported() bool {
	return h.ConfigErr == nil &&
		slices.Contains(nativeArchitectures, h.Config.GetArchitecture()) &&
		len(h.Undecodable) == 0 &&
		len(h.Missing) == 0
}

// RequiredTensors lists the canonical tensor names a model with the given
// layer count must carry. output.weight is optional and falls back to the
// embedding.
func RequiredTensors(layers int) []string {
	names := []string{"token_embd.weight", "output_norm.weight"}
	for i := 0; i < layers; i++ {
		for _, s := range layerTensors {
			names = append(names, fmt.Sprintf("blk.%d.%s", i, s))
		}
	}
	return names
}

var layerTensors = []string{
	"attn_norm.weight",
	"attn_q.weight",
	"attn_k.weight",
	"attn_v.weight",
	"attn_output.weight",
	"ffn_norm.weight",
	"ffn_gate.weight",
	"ffn_up.weight",
	"ffn_down.weight",
}

func corrupt(path string, err error) error {
	return errs.Newf(errs.StageLoad, errs.ErrCorruptFormat, "%s: %v", path, err)
}

// Probe reads the header of a model file.
func Probe(path string) (*Header, error) {
	format, err := DetectFile(path)
	if err != nil {
		return nil, errs.New(errs.StageLoad, "probe", err)
	}
	switch format {
	case FormatGGUF:
		f, err := gguf.LoadFile(path)
		if err != nil {
			return nil, corrupt(path, err)
		}
		defer f.Close()
		return ggufHeader(f), nil
	case FormatSafetensors:
		f, err := safetensors.Open(path)
		if err != nil {
			return nil, corrupt(path, err)
		}
		defer f.Close()
		return safetensorsHeader(f), nil
	}
	return nil, errs.Newf(errs.StageLoad, errs.ErrCorruptFormat, "%s: unrecognised file header", path)
}

func ggufHeader(f *gguf.GGUFFile) *Header {
	h := &Header{
		Path:         f.Path,
		Format:       FormatGGUF,
		Architecture: f.Architecture(),
		FileSize:     f.Size,
		TensorCount:  len(f.Tensors),
		DTypes:       make(map[string]int),
	}
	h.Config, h.ConfigErr = f.ModelConfig()
	if h.ConfigErr == nil {
		h.ConfigErr = h.Config.Validate()
	}
	present := make(map[string]bool, len(f.Tensors))
	for _, t := range f.Tensors {
		present[t.Name] = true
		h.DTypes[t.Type.String()]++
		h.DeclaredBytes += int64(t.NumElements()) * 4
		if !t.Type.Dequantizable() {
			h.Undecodable = append(h.Undecodable, t.Name)
		}
	}
	h.Missing = missing(present, h.Config.Layers)
	return h
}

func safetensorsHeader(f *safetensors.File) *Header {
	h := &Header{
		Path:        f.Path,
		Format:      FormatSafetensors,
		FileSize:    f.Size,
		TensorCount: len(f.Tensors),
		DTypes:      make(map[string]int),
	}
	h.Config, h.ConfigErr = f.ModelConfig()
	if h.ConfigErr == nil {
		h.Architecture = h.Config.Architecture
		h.ConfigErr = h.Config.Validate()
	}
	present := make(map[string]bool, len(f.Tensors))
	for name, t := range f.Tensors {
		present[safetensors.CanonicalName(name)] = true
		h.DTypes[t.DType]++
		h.DeclaredBytes += int64(t.NumElements()) * 4
		if safetensors.DTypeSize(t.DType) == 0 {
			h.Undecodable = append(h.Undecodable, name)
		}
	}
	sort.Strings(h.Undecodable)
	h.Missing = missing(present, h.Config.Layers)
	return h
}

func missing(present map[string]bool, layers int) []string {
	var out []string
	for _, name := range RequiredTensors(layers) {
		if !present[name] {
			out = append(out, name)
		}
	}
	return out
}
