// Package models resolves the on-disk model directory:
// the mel, embedding, and VAD models plus one classifier model per
// configured wake-word, with optional per-model threshold and debounce
// overrides from a manifest.yaml next to the models.
package models

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Default file names inside the models directory.
const (
	DefaultMelFile       = "mel.onnx"
	DefaultEmbeddingFile = "embedding.onnx"
	DefaultVADFile       = "silero_vad.onnx"
	manifestFile         = "manifest.yaml"
)

// ErrModelNotFound is returned when a resolved model file does not exist.
var ErrModelNotFound = errors.New("models: model file not found")

// WakewordEntry is one wake-word model's manifest record. Threshold and
// DebounceMs are overrides; zero means "use the global setting".
type WakewordEntry struct {
	Name       string  `yaml:"name"`
	File       string  `yaml:"file"`
	Threshold  float32 `yaml:"threshold"`
	DebounceMs int64   `yaml:"debounce_ms"`
}

// manifest is the optional manifest.yaml shape.
type manifest struct {
	Mel       string          `yaml:"mel"`
	Embedding string          `yaml:"embedding"`
	VAD       string          `yaml:"vad"`
	Wakewords []WakewordEntry `yaml:"wakewords"`
}

// Dir is a resolved models directory.
type Dir struct {
	root string
	m    manifest
}

// Load reads dir's optional manifest.yaml. A missing manifest is not an
// error — every path falls back to its default file name; a malformed one
// is.
func Load(root string) (*Dir, error) {
	d := &Dir{root: root}
	raw, err := os.ReadFile(filepath.Join(root, manifestFile))
	if err != nil {
		if os.IsNotExist(err) {
			return d, nil
		}
		return nil, fmt.Errorf("models: read manifest: %w", err)
	}
	if err := yaml.Unmarshal(raw, &d.m); err != nil {
		return nil, fmt.Errorf("models: parse manifest: %w", err)
	}
	return d, nil
}

// resolve joins name against the directory root unless it is already
// absolute.
func (d *Dir) resolve(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(d.root, name)
}

// MelPath returns the mel-spectrogram model path.
func (d *Dir) MelPath() string {
	if d.m.Mel != "" {
		return d.resolve(d.m.Mel)
	}
	return d.resolve(DefaultMelFile)
}

// EmbeddingPath returns the embedding model path.
func (d *Dir) EmbeddingPath() string {
	if d.m.Embedding != "" {
		return d.resolve(d.m.Embedding)
	}
	return d.resolve(DefaultEmbeddingFile)
}

// VADPath returns the VAD model path.
func (d *Dir) VADPath() string {
	if d.m.VAD != "" {
		return d.resolve(d.m.VAD)
	}
	return d.resolve(DefaultVADFile)
}

// Wakeword resolves one wake-word model by name: the manifest entry if there
// is one, otherwise "<name>.onnx" under the root with no overrides.
func (d *Dir) Wakeword(name string) WakewordEntry {
	for _, e := range d.m.Wakewords {
		if e.Name == name {
			out := e
			if out.File == "" {
				out.File = name + ".onnx"
			}
			out.File = d.resolve(out.File)
			return out
		}
	}
	return WakewordEntry{Name: name, File: d.resolve(name + ".onnx")}
}

// CheckExists verifies every given path points at a readable file, wrapping
// ErrModelNotFound so the CLI can map the failure to its exit code.
func CheckExists(paths ...string) error {
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil || info.IsDir() {
			return fmt.Errorf("%w: %s", ErrModelNotFound, p)
		}
	}
	return nil
}
