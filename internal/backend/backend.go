// Package backend runs a loaded model either in-process or through an
// external inference runtime, behind one interface.
package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/casonadams/minerva/internal/config"
	"github.com/casonadams/minerva/internal/device"
	"github.com/casonadams/minerva/internal/engine"
	"github.com/casonadams/minerva/internal/runtime"
)

type Kind int

const (
	KindNative Kind = iota
	KindExternal
)

func (k Kind) String() string {
	switch k {
	case KindNative:
		return "native"
	case KindExternal:
		return "external"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

var ErrNotLoaded = errors.New("backend: no model loaded")

// Backend holds at most one model. Load is called once; Generate may be
// called concurrently once it returns.
type Backend interface {
	Kind() Kind
	Load(ctx context.Context, path string) error
	Generate(ctx context.Context, req engine.Request) (engine.Stream, error)
	Tokenize(ctx context.Context, text string) ([]int, error)
	Detokenize(ctx context.Context, ids []int) (string, error)
	IsLoaded() bool
	// SizeBytes is the resident footprint this process accounts for.
	SizeBytes() int64
	Close() error
}

// Deps are the shared resources backends are built from.
type Deps struct {
	Device    *device.Device
	Runtime   config.Runtime
	Connector *runtime.Connector
	// Progress is passed to native loads.
	Progress func(done, total int)
}

func New(kind Kind, deps Deps) (Backend, error) {
	switch kind {
	case KindNative:
		if deps.Device == nil {
			return nil, errors.New("backend: native backend needs a device")
		}
		return newNative(deps), nil
	case KindExternal:
		if !deps.Connector.Configured() {
			return nil, errors.New("backend: external backend needs a configured runtime")
		}
		return newExternal(deps), nil
	}
	return nil, fmt.Errorf("backend: unknown kind %v", kind)
}
