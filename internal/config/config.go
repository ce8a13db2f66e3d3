// Package config provides configuration loading and validation for the
// Bifrost extension process.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/rennerdo30/bifrost-extension/internal/util"
)

// Load reads path over v. Environment variables are expanded before
// parsing and unknown keys are rejected. A missing file is reported with
// an error wrapping fs.ErrNotExist so callers can fall back to defaults.
func Load(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: %w", util.ErrConfigRead, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader([]byte(os.ExpandEnv(string(data)))))
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %s: %w", util.ErrConfigInvalid, path, err)
	}
	return nil
}

// Save writes v to path. The file is replaced atomically so a concurrent
// Load never sees a partial document.
func Save(path string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil { //nolint:gosec // G301: config directory is not secret
		return fmt.Errorf("create config directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	// CreateTemp already uses 0600, which also suits the command token.
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

// Validator is implemented by configurations that can check themselves.
type Validator interface {
	Validate() error
}

// ValidateConfig runs v.Validate when v implements Validator.
func ValidateConfig(v any) error {
	if validator, ok := v.(Validator); ok {
		return validator.Validate()
	}
	return nil
}

// LoadAndValidate is Load followed by ValidateConfig.
func LoadAndValidate(path string, v any) error {
	if err := Load(path, v); err != nil {
		return err
	}
	return ValidateConfig(v)
}
