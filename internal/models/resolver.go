// Package models maps model ids onto weight files: plain paths, Hugging Face
// style directories, and name:tag references into an Ollama model store.
package models

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/casonadams/minerva/internal/errs"
)

const (
	DefaultTag      = "latest"
	DefaultRegistry = "registry.ollama.ai"
	DefaultLibrary  = "library"
	MediaTypeModel  = "application/vnd.ollama.image.model"
)

// safetensorsFile is looked up when an id names a directory.
const safetensorsFile = "model.safetensors"

var ErrNotFound = errors.New("model not found")

type Manifest struct {
	SchemaVersion int     `json:"schemaVersion"`
	Layers        []Layer `json:"layers"`
}

type Layer struct {
	MediaType string `json:"mediaType"`
	Digest    string `json:"digest"`
	Size      int64  `json:"size"`
}

// StoreDir is the Ollama model store: OLLAMA_MODELS, else ~/.ollama/models.
func StoreDir() (string, error) {
	if env := os.Getenv("OLLAMA_MODELS"); env != "" {
		return env, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".ollama", "models"), nil
}

// Resolver is immutable and safe for concurrent use.
type Resolver struct {
	// Dir overrides StoreDir when set.
	Dir     string
	Aliases map[string]string
}

func NewResolver(dir string, aliases map[string]string) *Resolver {
	return &Resolver{Dir: dir, Aliases: aliases}
}

// Resolve returns the absolute path of the weight file id refers to.
func (r *Resolver) Resolve(id string) (string, error) {
	target := id
	seen := map[string]bool{}
	for {
		next, ok := r.Aliases[target]
		if !ok {
			break
		}
		if seen[target] {
			return "", errs.Newf(errs.StageLoad, ErrNotFound, "alias loop at %q", target)
		}
		seen[target] = true
		target = next
	}

	if path, ok, err := localPath(target); err != nil || ok {
		return path, err
	}
	path, err := r.resolveManifest(target)
	if err != nil {
		return "", errs.New(errs.StageLoad, "resolve "+id, err)
	}
	return path, nil
}

func localPath(target string) (string, bool, error) {
	fi, err := os.Stat(target)
	if err != nil {
		return "", false, nil
	}
	abs, err := filepath.Abs(target)
	if err != nil {
		return "", false, errs.New(errs.StageLoad, "resolve "+target, err)
	}
	if !fi.IsDir() {
		return abs, true, nil
	}
	file := filepath.Join(abs, safetensorsFile)
	if _, err := os.Stat(file); err != nil {
		return "", false, errs.Newf(errs.StageLoad, ErrNotFound, "directory %s has no %s", target, safetensorsFile)
	}
	return file, true, nil
}

// Reference is a parsed name:tag id.
type Reference struct {
	Registry  string
	Namespace string
	Name      string
	Tag       string
}

// ParseReference accepts name, name:tag, ns/name:tag and host/ns/name:tag.
func ParseReference(id string) (Reference, error) {
	ref := Reference{Registry: DefaultRegistry, Namespace: DefaultLibrary, Tag: DefaultTag}
	rest := id
	if i := strings.LastIndexByte(rest, ':'); i > strings.LastIndexByte(rest, '/') {
		ref.Tag, rest = rest[i+1:], rest[:i]
	}
	parts := strings.Split(rest, "/")
	switch len(parts) {
	case 1:
		ref.Name = parts[0]
	case 2:
		ref.Namespace, ref.Name = parts[0], parts[1]
	case 3:
		ref.Registry, ref.Namespace, ref.Name = parts[0], parts[1], parts[2]
	default:
		return Reference{}, fmt.Errorf("%w: malformed reference %q", ErrNotFound, id)
	}
	for _, p := range []string{ref.Registry, ref.Namespace, ref.Name, ref.Tag} {
		if p == "" || p == "." || p == ".." {
			return Reference{}, fmt.Errorf("%w: malformed reference %q", ErrNotFound, id)
		}
	}
	return ref, nil
}

func (ref Reference) String() string {
	return ref.Registry + "/" + ref.Namespace + "/" + ref.Name + ":" + ref.Tag
}

func (r *Resolver) storeDir() (string, error) {
	if r.Dir != "" {
		return r.Dir, nil
	}
	return StoreDir()
}

func (r *Resolver) resolveManifest(id string) (string, error) {
	ref, err := ParseReference(id)
	if err != nil {
		return "", err
	}
	base, err := r.storeDir()
	if err != nil {
		return "", err
	}

	manifestPath := filepath.Join(base, "manifests", ref.Registry, ref.Namespace, ref.Name, ref.Tag)
	data, err := os.ReadFile(manifestPath)
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: no manifest for %s", ErrNotFound, ref)
	}
	if err != nil {
		return "", err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return "", fmt.Errorf("%w: manifest %s: %v", errs.ErrCorruptFormat, manifestPath, err)
	}

	var digest string
	for _, l := range m.Layers {
		if l.MediaType == MediaTypeModel {
			digest = l.Digest
			break
		}
	}
	if digest == "" {
		return "", fmt.Errorf("%w: manifest %s has no model layer", ErrNotFound, manifestPath)
	}

	// sha256:<hex> is stored as blobs/sha256-<hex>
	blob := filepath.Join(base, "blobs", strings.Replace(digest, ":", "-", 1))
	if _, err := os.Stat(blob); err != nil {
		return "", fmt.Errorf("%w: blob %s", ErrNotFound, blob)
	}
	return blob, nil
}
