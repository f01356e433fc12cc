package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cli := NewCLI()
	cli.SetOut(&out)
	cli.SetErr(&out)
	cli.SetIn(strings.NewReader(""))
	cli.SetArgs(append([]string{"--log-level", "error"}, args...))
	err := cli.Execute()
	return out.String(), err
}

func TestLoadRuntime(t *testing.T) {
	path := filepath.Join(t.TempDir(), "minerva.yaml")
	yaml := "threads: 3\ncontext_size: 128\nroute_thresholds:\n  matvec: 10\naliases:\n  tiny: /models/tiny.gguf\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	rt, err := loadRuntime(path)
	if err != nil {
		t.Fatal(err)
	}
	if rt.Threads != 3 || rt.ContextSize != 128 || rt.Aliases["tiny"] != "/models/tiny.gguf" {
		t.Errorf("runtime = %+v", rt)
	}
	if rt.RouteThresholds["matvec"] != 10 || rt.RouteThresholds["softmax"] != 1<<20 {
		t.Errorf("thresholds = %v", rt.RouteThresholds)
	}
	if rt.MaxSessions != 4 {
		t.Errorf("defaults lost: max_sessions = %d", rt.MaxSessions)
	}
}

func TestLoadRuntimeRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "minerva.yaml")
	if err := os.WriteFile(path, []byte("thread: 3\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := loadRuntime(path); err == nil {
		t.Fatal("expected an error for an unknown key")
	}
}

func TestLoadRuntimeEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.yaml")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	rt, err := loadRuntime(path)
	if err != nil {
		t.Fatal(err)
	}
	if rt.ContextSize != 4096 {
		t.Errorf("context_size = %d", rt.ContextSize)
	}
}

func TestFlagsOverrideConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "minerva.yaml")
	if err := os.WriteFile(path, []byte("context_size: 0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := run(t, "--config", path, "mkmodel", filepath.Join(t.TempDir(), "m.gguf")); err == nil {
		t.Fatal("invalid config accepted")
	}
	if _, err := run(t, "--config", path, "--ctx", "64", "mkmodel", filepath.Join(t.TempDir(), "m.gguf")); err != nil {
		t.Fatalf("--ctx did not override the file: %v", err)
	}
}

func TestMkModelInspectGenerate(t *testing.T) {
	dir := t.TempDir()
	model := filepath.Join(dir, "toy.gguf")
	out, err := run(t, "mkmodel", "--type", "q8_0", model)
	if err != nil {
		t.Fatalf("mkmodel: %v\n%s", err, out)
	}
	if strings.TrimSpace(out) != model {
		t.Errorf("mkmodel printed %q", out)
	}

	out, err = run(t, "inspect", "--json", model)
	if err != nil {
		t.Fatalf("inspect: %v\n%s", err, out)
	}
	var r inspectReport
	if err := json.Unmarshal([]byte(out), &r); err != nil {
		t.Fatalf("inspect output: %v\n%s", err, out)
	}
	if r.Format != "gguf" || r.Architecture != "llama" || r.Layers != 2 || r.Backend != "native" {
		t.Errorf("report = %+v", r)
	}
	if r.DTypes["Q8_0"] == 0 {
		t.Errorf("dtypes = %v", r.DTypes)
	}

	out, err = run(t, "--no-accel", "--ctx", "64", "generate", "-q", "-n", "8", "--temperature", "0", model, "ab")
	if err != nil {
		t.Fatalf("generate: %v\n%s", err, out)
	}
	if !strings.HasSuffix(out, "\n") {
		t.Errorf("generate output %q", out)
	}
}

func TestGenerateWritesTrace(t *testing.T) {
	dir := t.TempDir()
	model := filepath.Join(dir, "toy.gguf")
	if _, err := run(t, "mkmodel", model); err != nil {
		t.Fatal(err)
	}
	trace := filepath.Join(dir, "trace.json")
	_, err := run(t, "--no-accel", "--ctx", "64", "generate", "-q", "-n", "2", "--temperature", "0",
		"--trace", trace, "--trace-positions", "1", model, "a")
	if err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(trace)
	if err != nil {
		t.Fatal(err)
	}
	if !json.Valid(data) {
		t.Errorf("trace is not JSON: %s", data)
	}
}

func TestInspectSafetensorsWithoutRuntime(t *testing.T) {
	dir := t.TempDir()
	out, err := run(t, "mkmodel", "--format", "safetensors", "--type", "bf16", "--arch", "gpt2", dir)
	if err != nil {
		t.Fatalf("mkmodel: %v\n%s", err, out)
	}
	out, err = run(t, "inspect", "--json", dir)
	if err != nil {
		t.Fatalf("inspect: %v\n%s", err, out)
	}
	var r inspectReport
	if err := json.Unmarshal([]byte(out), &r); err != nil {
		t.Fatal(err)
	}
	if r.Format != "safetensors" || r.Backend != "none" || !strings.Contains(r.Reason, "gpt2") {
		t.Errorf("report = %+v", r)
	}
}

func TestMkModelRejectsType(t *testing.T) {
	if _, err := run(t, "mkmodel", "--format", "safetensors", "--type", "q8_0", t.TempDir()); err == nil {
		t.Error("safetensors accepted q8_0")
	}
	if _, err := run(t, "mkmodel", "--format", "onnx", filepath.Join(t.TempDir(), "m")); err == nil {
		t.Error("unknown format accepted")
	}
}

func TestGenerateUnknownModel(t *testing.T) {
	if _, err := run(t, "--no-accel", "generate", "-q", filepath.Join(t.TempDir(), "absent.gguf"), "hi"); err == nil {
		t.Error("expected an error for a missing model")
	}
}

func TestReadPrompt(t *testing.T) {
	p, err := readPrompt(strings.NewReader("from stdin\n"), []string{"m"})
	if err != nil || p != "from stdin" {
		t.Errorf("prompt = %q, %v", p, err)
	}
	if p, _ := readPrompt(strings.NewReader("ignored"), []string{"m", "arg"}); p != "arg" {
		t.Errorf("prompt = %q", p)
	}
	if _, err := readPrompt(strings.NewReader(""), []string{"m"}); err == nil {
		t.Error("empty prompt accepted")
	}
}
