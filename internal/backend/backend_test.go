package backend

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/casonadams/minerva/internal/config"
	"github.com/casonadams/minerva/internal/device"
	"github.com/casonadams/minerva/internal/engine"
	"github.com/casonadams/minerva/internal/errs"
	"github.com/casonadams/minerva/internal/runtime"
	"github.com/casonadams/minerva/internal/toymodel"
)

func writeToy(t *testing.T, o toymodel.Options) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "toy.gguf")
	if err := o.WriteGGUF(path); err != nil {
		t.Fatal(err)
	}
	return path
}

func nativeDeps() Deps {
	rt := config.DefaultRuntime()
	rt.Threads = 2
	rt.ContextSize = 32
	return Deps{
		Device:  device.New(device.Options{Threads: 2, PoolBytes: 1 << 20}),
		Runtime: rt,
	}
}

func drain(s engine.Stream) string {
	var sb strings.Builder
	for s.Next() {
		sb.WriteString(s.Fragment())
	}
	return sb.String()
}

func TestSelectorChoose(t *testing.T) {
	dir := t.TempDir()
	garbage := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(garbage, []byte("just some text, no weights"), 0o644); err != nil {
		t.Fatal(err)
	}
	mamba := toymodel.Default()
	mamba.Architecture = "mamba"

	tests := []struct {
		name     string
		path     string
		external bool
		want     Kind
		wantErr  error
	}{
		{"native gguf", writeToy(t, toymodel.Default()), false, KindNative, nil},
		{"unknown magic", garbage, true, 0, errs.ErrUnsupportedFormat},
		{"foreign arch without runtime", writeToy(t, mamba), false, 0, errs.ErrUnsupportedFormat},
		{"foreign arch with runtime", writeToy(t, mamba), true, KindExternal, nil},
		{"missing file", filepath.Join(dir, "absent.gguf"), false, 0, os.ErrNotExist},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Selector{External: tt.external}.Choose(tt.path)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("Choose = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSelectorSafetensors(t *testing.T) {
	path, err := toymodel.Default().WriteSafetensors(t.TempDir(), "F32")
	if err != nil {
		t.Fatal(err)
	}
	if k, err := (Selector{}).Choose(path); err != nil || k != KindNative {
		t.Fatalf("Choose = %v, %v", k, err)
	}
}

func TestSelectorCorruptHeader(t *testing.T) {
	path := writeToy(t, toymodel.Default())
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, b[:64], 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := (Selector{External: true}).Choose(path); !errors.Is(err, errs.ErrCorruptFormat) {
		t.Fatalf("err = %v, want corrupt format", err)
	}
}

func TestNew(t *testing.T) {
	if _, err := New(KindNative, Deps{}); err == nil {
		t.Error("native backend without device accepted")
	}
	if _, err := New(KindExternal, Deps{Connector: runtime.NewConnector(config.DefaultRuntime())}); err == nil {
		t.Error("external backend without runtime accepted")
	}
	if _, err := New(Kind(7), nativeDeps()); err == nil {
		t.Error("unknown kind accepted")
	}
	b, err := New(KindNative, nativeDeps())
	if err != nil || b.Kind() != KindNative {
		t.Fatalf("New = %v, %v", b, err)
	}
}

func TestNativeLifecycle(t *testing.T) {
	b, err := New(KindNative, nativeDeps())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if _, err := b.Generate(ctx, engine.Request{Prompt: "a"}); !errors.Is(err, ErrNotLoaded) {
		t.Fatalf("Generate before Load = %v", err)
	}
	if err := b.Load(ctx, writeToy(t, toymodel.Default())); err != nil {
		t.Fatal(err)
	}
	if !b.IsLoaded() || b.SizeBytes() <= 0 {
		t.Fatalf("loaded = %v, size = %d", b.IsLoaded(), b.SizeBytes())
	}
	if err := b.Load(ctx, writeToy(t, toymodel.Default())); err == nil {
		t.Error("second Load accepted")
	}

	ids, err := b.Tokenize(ctx, "ab")
	if err != nil {
		t.Fatal(err)
	}
	text, err := b.Detokenize(ctx, ids)
	if err != nil || text != "ab" {
		t.Errorf("Detokenize = %q, %v", text, err)
	}
	if _, err := b.Detokenize(ctx, []int{99}); !errors.Is(err, errs.ErrDimensionMismatch) {
		t.Errorf("Detokenize out of vocabulary = %v", err)
	}

	s, err := b.Generate(ctx, engine.Request{Prompt: "ab", MaxTokens: 4})
	if err != nil {
		t.Fatal(err)
	}
	drain(s)
	if err := s.Err(); err != nil {
		t.Fatal(err)
	}
	s.Close()

	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if b.IsLoaded() || b.SizeBytes() != 0 {
		t.Error("backend still loaded after Close")
	}
}

func TestNativeLoadCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b, _ := New(KindNative, nativeDeps())
	if err := b.Load(ctx, writeToy(t, toymodel.Default())); errs.KindOf(err) != errs.KindCanceled {
		t.Fatalf("err = %v", err)
	}
}

func TestContextSize(t *testing.T) {
	cfg := toymodel.Default().Config() // trained on 64
	tests := []struct {
		name      string
		ceiling   int
		requested int
		want      int
	}{
		{"default is ceiling", 32, 0, 32},
		{"default is trained context", 4096, 0, 64},
		{"request within limit", 32, 16, 16},
		{"request clamped", 32, 100, 32},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := config.DefaultRuntime()
			rt.ContextSize = tt.ceiling
			if got := contextSize(rt, cfg, tt.requested); got != tt.want {
				t.Errorf("contextSize = %d, want %d", got, tt.want)
			}
		})
	}
}

// nativeHost serves native backends keyed by path, the way a runtime
// process does.
type nativeHost struct {
	deps Deps
	mu   sync.Mutex
	b    map[string]Backend
}

func (h *nativeHost) get(path string) (Backend, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if b, ok := h.b[path]; ok {
		return b, nil
	}
	return nil, errs.New(errs.StageLoad, path, ErrNotLoaded)
}

func (h *nativeHost) Load(ctx context.Context, path string) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if b, ok := h.b[path]; ok {
		return b.SizeBytes(), nil
	}
	b, _ := New(KindNative, h.deps)
	if err := b.Load(ctx, path); err != nil {
		return 0, err
	}
	h.b[path] = b
	return b.SizeBytes(), nil
}

func (h *nativeHost) Unload(path string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.b[path]
	if ok {
		b.Close()
		delete(h.b, path)
	}
	return ok
}

func (h *nativeHost) IsLoaded(path string) bool {
	_, err := h.get(path)
	return err == nil
}

func (h *nativeHost) Tokenize(ctx context.Context, path, text string) ([]int, error) {
	b, err := h.get(path)
	if err != nil {
		return nil, err
	}
	return b.Tokenize(ctx, text)
}

func (h *nativeHost) Detokenize(ctx context.Context, path string, ids []int) (string, error) {
	b, err := h.get(path)
	if err != nil {
		return "", err
	}
	return b.Detokenize(ctx, ids)
}

func (h *nativeHost) Generate(ctx context.Context, path string, req engine.Request) (engine.Stream, error) {
	b, err := h.get(path)
	if err != nil {
		return nil, err
	}
	return b.Generate(ctx, req)
}

func TestExternalMatchesNative(t *testing.T) {
	host := &nativeHost{deps: nativeDeps(), b: map[string]Backend{}}
	srv := runtime.NewServer(host)
	addr, err := srv.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go srv.Serve()
	defer srv.Shutdown()

	rt := config.DefaultRuntime()
	rt.ExternalEndpoint = addr.String()
	conn := runtime.NewConnector(rt)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	path := writeToy(t, toymodel.Default())

	ext, err := New(KindExternal, Deps{Runtime: rt, Connector: conn})
	if err != nil {
		t.Fatal(err)
	}
	if err := ext.Load(ctx, path); err != nil {
		t.Fatal(err)
	}
	if !ext.IsLoaded() || ext.SizeBytes() != 0 || ext.(*External).RemoteBytes() <= 0 {
		t.Errorf("external sizes: local %d remote %d", ext.SizeBytes(), ext.(*External).RemoteBytes())
	}

	nat, _ := New(KindNative, nativeDeps())
	if err := nat.Load(ctx, path); err != nil {
		t.Fatal(err)
	}
	defer nat.Close()

	wantIDs, _ := nat.Tokenize(ctx, "abba")
	gotIDs, err := ext.Tokenize(ctx, "abba")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(wantIDs, gotIDs); diff != "" {
		t.Errorf("tokens (-native +external):\n%s", diff)
	}

	req := engine.Request{Prompt: "ab", MaxTokens: 6}
	ns, err := nat.Generate(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	want := drain(ns)
	ns.Close()
	es, err := ext.Generate(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	got := drain(es)
	es.Close()
	if want == "" || ns.FinishReason() != engine.FinishLength {
		t.Fatalf("native run gave %q (%s)", want, ns.FinishReason())
	}
	if got != want || es.FinishReason() != ns.FinishReason() {
		t.Errorf("external %q/%s, native %q/%s", got, es.FinishReason(), want, ns.FinishReason())
	}

	if err := ext.Close(); err != nil {
		t.Fatal(err)
	}
	if host.IsLoaded(path) {
		t.Error("Close did not unload the model from the runtime")
	}
}
