package sync

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DesiredModel is one record of the external declarative model list.
type DesiredModel struct {
	Name         string `yaml:"name"`
	Status       string `yaml:"status,omitempty"`
	Enabled      *bool  `yaml:"enabled,omitempty"`
	Priority     string `yaml:"priority,omitempty"`
	ForceReset   bool   `yaml:"force_reset,omitempty"`
	DownloadPath string `yaml:"download_path,omitempty"`
}

// IsEnabled treats a missing enabled key as true; only an explicit
// `enabled: false` excludes a model from selection.
func (m DesiredModel) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

type fileMetadata struct {
	LastUpdated string `yaml:"last_updated,omitempty"`
}

type modelsDocument struct {
	Metadata fileMetadata   `yaml:"metadata,omitempty"`
	Models   []DesiredModel `yaml:"models"`
}

// ModelsFile reads and writes the desired-model list. Writes go through a
// temp file and rename so a crash mid-save never truncates the list.
type ModelsFile struct {
	path string
}

func NewModelsFile(path string) *ModelsFile {
	return &ModelsFile{path: path}
}

func (f *ModelsFile) Path() string {
	return f.path
}

// Load returns the desired models. A missing file is an empty list, not an
// error; the first save creates it.
func (f *ModelsFile) Load() ([]DesiredModel, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read models file: %w", err)
	}

	var doc modelsDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse models file: %w", err)
	}
	return doc.Models, nil
}

func (f *ModelsFile) Save(models []DesiredModel) error {
	doc := modelsDocument{
		Metadata: fileMetadata{LastUpdated: time.Now().UTC().Format(time.RFC3339)},
		Models:   models,
	}

	data, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("failed to marshal models file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("failed to create models file directory: %w", err)
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write models file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("failed to replace models file: %w", err)
	}
	return nil
}
