package models

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/casonadams/minerva/internal/errs"
)

// writeStore lays out an Ollama store with one model under ref.
func writeStore(t *testing.T, ref Reference, manifest string) string {
	t.Helper()
	base := t.TempDir()
	dir := filepath.Join(base, "manifests", ref.Registry, ref.Namespace, ref.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ref.Tag), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(base, "blobs"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(base, "blobs", "sha256-abc123"), []byte("GGUF"), 0o644); err != nil {
		t.Fatal(err)
	}
	return base
}

const manifest = `{
	"schemaVersion": 2,
	"layers": [
		{"mediaType": "application/vnd.ollama.image.template", "digest": "sha256:tmpl", "size": 10},
		{"mediaType": "application/vnd.ollama.image.model", "digest": "sha256:abc123", "size": 4}
	]
}`

func TestParseReference(t *testing.T) {
	tests := []struct {
		in   string
		want Reference
	}{
		{"llama3", Reference{DefaultRegistry, DefaultLibrary, "llama3", DefaultTag}},
		{"llama3:8b", Reference{DefaultRegistry, DefaultLibrary, "llama3", "8b"}},
		{"me/tiny:q4", Reference{DefaultRegistry, "me", "tiny", "q4"}},
		{"localhost:5000/me/tiny", Reference{"localhost:5000", "me", "tiny", DefaultTag}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseReference(tt.in)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ParseReference (-want +got):\n%s", diff)
			}
		})
	}

	for _, bad := range []string{"", "a/b/c/d", "name:", "../x", "a//b"} {
		if _, err := ParseReference(bad); !errors.Is(err, ErrNotFound) {
			t.Errorf("ParseReference(%q) = %v", bad, err)
		}
	}
}

func TestResolveManifest(t *testing.T) {
	ref := Reference{DefaultRegistry, DefaultLibrary, "tiny", "q8"}
	base := writeStore(t, ref, manifest)
	r := NewResolver(base, map[string]string{"small": "tiny:q8"})

	want := filepath.Join(base, "blobs", "sha256-abc123")
	for _, id := range []string{"tiny:q8", "small"} {
		got, err := r.Resolve(id)
		if err != nil {
			t.Fatalf("Resolve(%s): %v", id, err)
		}
		if got != want {
			t.Errorf("Resolve(%s) = %s, want %s", id, got, want)
		}
	}

	_, err := r.Resolve("tiny")
	if !errors.Is(err, ErrNotFound) || errs.StageOf(err) != errs.StageLoad {
		t.Errorf("Resolve(tiny) = %v, want not found", err)
	}
}

func TestResolveEnvStore(t *testing.T) {
	ref := Reference{DefaultRegistry, DefaultLibrary, "tiny", DefaultTag}
	t.Setenv("OLLAMA_MODELS", writeStore(t, ref, manifest))

	if _, err := NewResolver("", nil).Resolve("tiny"); err != nil {
		t.Fatal(err)
	}
}

func TestResolveBadManifests(t *testing.T) {
	ref := Reference{DefaultRegistry, DefaultLibrary, "tiny", DefaultTag}

	r := NewResolver(writeStore(t, ref, "{not json"), nil)
	if _, err := r.Resolve("tiny"); !errors.Is(err, errs.ErrCorruptFormat) {
		t.Errorf("corrupt manifest: %v", err)
	}

	r = NewResolver(writeStore(t, ref, `{"schemaVersion": 2, "layers": []}`), nil)
	if _, err := r.Resolve("tiny"); !errors.Is(err, ErrNotFound) {
		t.Errorf("manifest without model layer: %v", err)
	}

	base := writeStore(t, ref, manifest)
	if err := os.Remove(filepath.Join(base, "blobs", "sha256-abc123")); err != nil {
		t.Fatal(err)
	}
	if _, err := NewResolver(base, nil).Resolve("tiny"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing blob: %v", err)
	}
}

func TestResolveLocalPaths(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "m.gguf")
	if err := os.WriteFile(file, []byte("GGUF"), 0o644); err != nil {
		t.Fatal(err)
	}
	hf := filepath.Join(dir, "hf")
	if err := os.MkdirAll(hf, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(hf, "model.safetensors"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	empty := filepath.Join(dir, "empty")
	if err := os.MkdirAll(empty, 0o755); err != nil {
		t.Fatal(err)
	}

	r := NewResolver(t.TempDir(), map[string]string{"mine": file})
	tests := []struct {
		id, want string
	}{
		{file, file},
		{"mine", file},
		{hf, filepath.Join(hf, "model.safetensors")},
	}
	for _, tt := range tests {
		got, err := r.Resolve(tt.id)
		if err != nil {
			t.Fatalf("Resolve(%s): %v", tt.id, err)
		}
		if got != tt.want {
			t.Errorf("Resolve(%s) = %s, want %s", tt.id, got, tt.want)
		}
	}
	if _, err := r.Resolve(empty); !errors.Is(err, ErrNotFound) {
		t.Errorf("directory without weights: %v", err)
	}
}

func TestAliasLoop(t *testing.T) {
	r := NewResolver(t.TempDir(), map[string]string{"a": "b", "b": "a"})
	if _, err := r.Resolve("a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("alias loop: %v", err)
	}
}
