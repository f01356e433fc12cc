package logger

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestSetupWriterJSON(t *testing.T) {
	var buf bytes.Buffer
	SetupWriter(&buf, "debug", "json")
	defer Setup("info", "console")

	Log.With("component", "modelcache").Info("model loaded", "model", "toy", "bytes", 128, "err", errors.New("none"))

	out := buf.String()
	for _, want := range []string{`"component":"modelcache"`, `"model":"toy"`, `"bytes":128`, `"message":"model loaded"`, `"err":"none"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %s: %s", want, out)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetupWriter(&buf, "warn", "json")
	defer Setup("info", "console")

	Log.Debug("hidden")
	Log.Warn("shown")

	if strings.Contains(buf.String(), "hidden") {
		t.Errorf("debug event should be filtered at warn level")
	}
	if !strings.Contains(buf.String(), "shown") {
		t.Errorf("warn event missing")
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		"WARN":    zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"off":     zerolog.Disabled,
		"bananas": zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
