package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/casonadams/minerva/internal/config"
)

// loadRuntime overlays the YAML file at path, if any, on the defaults.
// Unknown keys are rejected.
func loadRuntime(path string) (config.Runtime, error) {
	rt := config.DefaultRuntime()
	if path == "" {
		return rt, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return rt, fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&rt); err != nil && !errors.Is(err, io.EOF) {
		return rt, fmt.Errorf("parse config %s: %w", path, err)
	}
	return rt, nil
}
