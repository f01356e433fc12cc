package errs

import (
	"context"
	"errors"
	"fmt"
)

// Stage names the part of the pipeline that failed.
type Stage string

const (
	StageLoad      Stage = "load"
	StageTokenize  Stage = "tokenize"
	StageForward   Stage = "forward-pass"
	StageSample    Stage = "sample"
	StageTransport Stage = "transport"
)

// Kind is the error taxonomy shared by every component.
type Kind int

const (
	KindUnknown Kind = iota
	KindFormat
	KindDimension
	KindResource
	KindContextOverflow
	KindSampling
	KindUnsupportedFormat
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindFormat:
		return "FormatError"
	case KindDimension:
		return "DimensionError"
	case KindResource:
		return "ResourceError"
	case KindContextOverflow:
		return "ContextOverflow"
	case KindSampling:
		return "SamplingError"
	case KindUnsupportedFormat:
		return "UnsupportedFormat"
	case KindCanceled:
		return "Canceled"
	default:
		return "UnknownError"
	}
}

// Error lets a bare Kind be used as an errors.Is target.
func (k Kind) Error() string { return k.String() }

var (
	ErrCorruptFormat           = &sentinel{"corrupt format", KindFormat}
	ErrUnsupportedArchitecture = &sentinel{"unsupported architecture", KindFormat}
	ErrInsufficientMemory      = &sentinel{"insufficient memory", KindResource}
	ErrAcceleratorUnavailable  = &sentinel{"accelerator unavailable", KindResource}
	ErrDimensionMismatch       = &sentinel{"dimension mismatch", KindDimension}
	ErrContextOverflow         = &sentinel{"context overflow", KindContextOverflow}
	ErrInvalidDistribution     = &sentinel{"invalid distribution", KindSampling}
	ErrUnsupportedFormat       = &sentinel{"unsupported format", KindUnsupportedFormat}
)

type sentinel struct {
	msg  string
	kind Kind
}

func (s *sentinel) Error() string { return s.msg }

func (s *sentinel) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == s.kind
}

// Error carries the failing stage and operation around a cause.
type Error struct {
	Stage Stage
	Kind  Kind
	Op    string
	Err   error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %v", e.Stage, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// New wraps err with a stage and operation. The kind is taken from err when it
// already carries one.
func New(stage Stage, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Stage: stage, Kind: KindOf(err), Op: op, Err: err}
}

// Newf is New with a formatted cause wrapping a sentinel.
func Newf(stage Stage, sentinel error, format string, args ...any) error {
	return &Error{
		Stage: stage,
		Kind:  KindOf(sentinel),
		Err:   fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...)),
	}
}

// KindOf reports the kind of err, walking the wrap chain.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) && e.Kind != KindUnknown {
		return e.Kind
	}
	var s *sentinel
	if errors.As(err, &s) {
		return s.kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCanceled
	}
	return KindUnknown
}

// StageOf reports the outermost stage recorded on err.
func StageOf(err error) Stage {
	var e *Error
	if errors.As(err, &e) {
		return e.Stage
	}
	return ""
}
