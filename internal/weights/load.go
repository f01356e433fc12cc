package weights

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/pbnjay/memory"
	"golang.org/x/sync/errgroup"

	"github.com/casonadams/minerva/internal/errs"
	"github.com/casonadams/minerva/internal/gguf"
	"github.com/casonadams/minerva/internal/logger"
	"github.com/casonadams/minerva/internal/safetensors"
	"github.com/casonadams/minerva/internal/tokenizer"
)

// MetadataTokenizerKey holds an embedded tokenizer.json in safetensors metadata.
const MetadataTokenizerKey = "tokenizer"

type Options struct {
	// Threads bounds parallel dequantization. Zero means GOMAXPROCS.
	Threads int
	// MemoryLimit caps the float32 footprint of the loaded tensors. Zero
	// means total system memory.
	MemoryLimit int64
	// Progress, when set, is called after each tensor is decoded.
	Progress func(done, total int)
}

func (o *Options) fill() {
	if o.Threads <= 0 {
		o.Threads = runtime.GOMAXPROCS(0)
	}
	if o.MemoryLimit <= 0 {
		o.MemoryLimit = int64(memory.TotalMemory())
	}
}

// source abstracts the container so loading is format independent.
type source struct {
	names []string
	// canonical maps each name in names to its engine name.
	canonical func(string) string
	shape     func(string) []int
	read      func(string) ([]float32, error)
}

// Load reads and dequantizes a model file. The header is fully validated,
// including the memory budget, before any tensor memory is allocated; a
// failed load leaves nothing behind.
func Load(path string, opts Options) (*Store, error) {
	opts.fill()
	start := time.Now()
	log := logger.Log.With("path", path)

	format, err := DetectFile(path)
	if err != nil {
		return nil, errs.New(errs.StageLoad, "open", err)
	}

	var (
		h   *Header
		src source
		tok *tokenizer.Tokenizer
	)
	switch format {
	case FormatGGUF:
		f, err := gguf.LoadFile(path)
		if err != nil {
			return nil, corrupt(path, err)
		}
		defer f.Close()
		h = ggufHeader(f)
		if err := check(h, opts); err != nil {
			return nil, err
		}
		src = ggufSource(f)
		v, err := tokenizer.FromGGUF(f)
		if err != nil {
			return nil, corrupt(path, err)
		}
		if tok, err = tokenizer.Default.Get(v); err != nil {
			return nil, corrupt(path, err)
		}
	case FormatSafetensors:
		f, err := safetensors.Open(path)
		if err != nil {
			return nil, corrupt(path, err)
		}
		defer f.Close()
		h = safetensorsHeader(f)
		if err := check(h, opts); err != nil {
			return nil, err
		}
		src = safetensorsSource(f)
		if tok, err = safetensorsTokenizer(f); err != nil {
			return nil, corrupt(path, err)
		}
	default:
		return nil, errs.Newf(errs.StageLoad, errs.ErrCorruptFormat, "%s: unrecognised file header", path)
	}

	tensors := make([]*Tensor, len(src.names))
	var (
		mu   sync.Mutex
		done int
	)
	g := new(errgroup.Group)
	g.SetLimit(opts.Threads)
	for i, name := range src.names {
		g.Go(func() error {
			data, err := src.read(name)
			if err != nil {
				return fmt.Errorf("tensor %s: %w", name, err)
			}
			tensors[i] = &Tensor{Name: src.canonical(name), Shape: src.shape(name), Data: data}
			if opts.Progress != nil {
				mu.Lock()
				done++
				opts.Progress(done, len(src.names))
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, corrupt(path, err)
	}

	s, err := NewStore(h.Config, tensors, tok)
	if err != nil {
		return nil, err
	}
	s.path = path
	s.format = format
	log.Info("Model weights loaded",
		"format", format.String(),
		"architecture", h.Architecture,
		"tensors", len(tensors),
		"bytes", s.SizeBytes(),
		"duration", time.Since(start))
	return s, nil
}

// check applies the header-level validation shared by both formats.
func check(h *Header, opts Options) error {
	if h.ConfigErr != nil {
		if errs.KindOf(h.ConfigErr) == errs.KindDimension {
			return h.ConfigErr
		}
		return corrupt(h.Path, h.ConfigErr)
	}
	if len(h.Undecodable) > 0 {
		return errs.Newf(errs.StageLoad, errs.ErrUnsupportedFormat,
			"%s: %d tensors in unsupported storage types (first %s)", h.Path, len(h.Undecodable), h.Undecodable[0])
	}
	if len(h.Missing) > 0 {
		return errs.Newf(errs.StageLoad, errs.ErrUnsupportedArchitecture,
			"%s (%s, %d layers): missing %d required tensors (first %s)",
			h.Path, h.Architecture, h.Config.Layers, len(h.Missing), h.Missing[0])
	}
	if opts.MemoryLimit > 0 && h.DeclaredBytes > opts.MemoryLimit {
		return errs.Newf(errs.StageLoad, errs.ErrInsufficientMemory,
			"%s needs %d bytes, limit is %d", h.Path, h.DeclaredBytes, opts.MemoryLimit)
	}
	return nil
}

func ggufSource(f *gguf.GGUFFile) source {
	names := make([]string, len(f.Tensors))
	for i, t := range f.Tensors {
		names[i] = t.Name
	}
	return source{
		names:     names,
		canonical: func(n string) string { return n },
		shape: func(n string) []int {
			t, _ := f.Tensor(n)
			return t.Shape()
		},
		read: func(n string) ([]float32, error) {
			t, _ := f.Tensor(n)
			raw, err := f.ReadTensor(t)
			if err != nil {
				return nil, err
			}
			return gguf.Dequantize(t, raw)
		},
	}
}

func safetensorsSource(f *safetensors.File) source {
	return source{
		names:     f.Names(),
		canonical: safetensors.CanonicalName,
		shape: func(n string) []int {
			t, _ := f.Tensor(n)
			return append([]int(nil), t.Shape...)
		},
		read: func(n string) ([]float32, error) {
			data, _, err := f.ReadTensorF32(n)
			return data, err
		},
	}
}

// safetensorsTokenizer takes the tokenizer embedded in metadata, else the
// tokenizer.json beside the file.
func safetensorsTokenizer(f *safetensors.File) (*tokenizer.Tokenizer, error) {
	var (
		v   *tokenizer.Vocabulary
		err error
	)
	if doc, ok := f.Metadata[MetadataTokenizerKey]; ok {
		v, err = tokenizer.FromHF([]byte(doc))
	} else {
		p := filepath.Join(filepath.Dir(f.Path), "tokenizer.json")
		v, err = tokenizer.FromHFFile(p)
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("no tokenizer in metadata and no %s", p)
		}
	}
	if err != nil {
		return nil, err
	}
	return tokenizer.Default.Get(v)
}
