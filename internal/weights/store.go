package weights

import (
	"fmt"

	"github.com/casonadams/minerva/internal/config"
	"github.com/casonadams/minerva/internal/errs"
	"github.com/casonadams/minerva/internal/tokenizer"
)

// Tensor is a dense row-major float32 tensor.
type Tensor struct {
	Name  string
	Shape []int
	Data  []float32
}

// Store is read-only after construction and may be shared by any number of
// sessions.
type Store struct {
	path    string
	format  Format
	cfg     config.Config
	tensors map[string]*Tensor
	tok     *tokenizer.Tokenizer
	size    int64
}

// NewStore assembles a store from tensors already in memory.
func NewStore(cfg config.Config, tensors []*Tensor, tok *tokenizer.Tokenizer) (*Store, error) {
	s := &Store{
		cfg:     cfg,
		tensors: make(map[string]*Tensor, len(tensors)),
		tok:     tok,
	}
	for _, t := range tensors {
		n := 1
		for _, d := range t.Shape {
			n *= d
		}
		if n != len(t.Data) {
			return nil, errs.Newf(errs.StageLoad, errs.ErrDimensionMismatch,
				"tensor %s: shape %v holds %d elements, data has %d", t.Name, t.Shape, n, len(t.Data))
		}
		if _, dup := s.tensors[t.Name]; dup {
			return nil, fmt.Errorf("weights: duplicate tensor %s", t.Name)
		}
		s.tensors[t.Name] = t
		s.size += int64(len(t.Data)) * 4
	}
	return s, nil
}

func (s *Store) Tensor(name string) (*Tensor, bool) {
	t, ok := s.tensors[name]
	return t, ok
}

func (s *Store) Config() config.Config           { return s.cfg }
func (s *Store) SizeBytes() int64                { return s.size }
func (s *Store) Tokenizer() *tokenizer.Tokenizer { return s.tok }
func (s *Store) Path() string                    { return s.path }
func (s *Store) Format() Format                  { return s.format }

// Close drops the tensor data. The tokenizer stays registered for other
// models sharing its vocabulary.
func (s *Store) Close() error {
	s.tensors = nil
	s.size = 0
	return nil
}
