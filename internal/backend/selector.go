package backend

import (
	"github.com/casonadams/minerva/internal/errs"
	"github.com/casonadams/minerva/internal/logger"
	"github.com/casonadams/minerva/internal/weights"
)

// Selector decides which backend variant serves a model file.
type Selector struct {
	// External reports whether an external runtime can take models the
	// native engine cannot.
	External bool
}

// Choose probes the file header only.
func (s Selector) Choose(path string) (Kind, error) {
	format, err := weights.DetectFile(path)
	if err != nil {
		return 0, errs.New(errs.StageLoad, "select", err)
	}
	if format == weights.FormatUnknown {
		return 0, errs.Newf(errs.StageLoad, errs.ErrUnsupportedFormat, "%s: not a gguf or safetensors file", path)
	}
	h, err := weights.Probe(path)
	if err != nil {
		return 0, err
	}
	log := logger.Log.With("path", path, "format", h.Format.String(), "arch", h.Architecture)
	if h.NativeSupported() {
		log.Debug("Backend selected", "backend", KindNative.String())
		return KindNative, nil
	}
	reason := reason(h)
	if s.External {
		log.Info("Backend selected", "backend", KindExternal.String(), "reason", reason)
		return KindExternal, nil
	}
	return 0, errs.Newf(errs.StageLoad, errs.ErrUnsupportedFormat, "%s: %s and no external runtime is configured", path, reason)
}

func reason(h *weights.Header) string {
	switch {
	case h.ConfigErr != nil:
		return "unusable configuration: " + h.ConfigErr.Error()
	case len(h.Undecodable) > 0:
		return "undecodable tensor " + h.Undecodable[0]
	case len(h.Missing) > 0:
		return "missing tensor " + h.Missing[0]
	}
	return "unsupported architecture " + h.Architecture
}
