// Package manifest persists deployment manifests. A manifest is written once,
// atomically, when provisioning finishes and is read-only afterwards.
package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/moby/sys/atomicwriter"

	"github.com/yairfalse/stackline/types"
)

// ErrExists is returned when a manifest is already present at the target path.
var ErrExists = errors.New("manifest already exists")

// FileName returns the conventional file name for a deployment.
func FileName(deployID string) string {
	return deployID + ".json"
}

// Path returns the manifest path for a deployment inside dir.
func Path(dir, deployID string) string {
	return filepath.Join(dir, FileName(deployID))
}

// Write stores m at path. The file appears complete or not at all, and an
// existing manifest is never replaced.
func Write(path string, m *types.Manifest) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("invalid manifest: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s: %w", path, ErrExists)
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to stat manifest: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("failed to create manifest directory: %w", err)
	}

	data, err := Encode(m)
	if err != nil {
		return err
	}

	if err := atomicwriter.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

// Encode renders m as indented JSON.
func Encode(m *types.Manifest) ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode manifest: %w", err)
	}
	return append(data, '\n'), nil
}

// Read loads and validates the manifest at path. Unknown fields are
// rejected so a file from another tool is not mistaken for a manifest.
func Read(path string) (*types.Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return Decode(data)
}

// Decode parses and validates manifest JSON.
func Decode(data []byte) (*types.Manifest, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var m types.Manifest
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	return &m, nil
}
