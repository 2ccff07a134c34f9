package mapping

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/yairfalse/autotag/pkg/resource"
)

// FileStore keeps the mapping in a local YAML or JSON document.
type FileStore struct {
	path string
}

// NewFileStore creates a store over path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Name returns the backend identifier.
func (s *FileStore) Name() string {
	return "file"
}

// Load reads the document. JSON is accepted as a subset of YAML.
func (s *FileStore) Load(ctx context.Context) ([]resource.Mapping, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read mapping file: %w", err)
	}

	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse mapping file %s: %w", s.path, err)
	}
	return loaded(s.Name(), doc.Mapping)
}

// Save writes entries as YAML, or as JSON when the path ends in .json.
func (s *FileStore) Save(ctx context.Context, entries []resource.Mapping) error {
	doc := Document{Mapping: entries}

	var (
		data []byte
		err  error
	)
	if strings.EqualFold(filepath.Ext(s.path), ".json") {
		data, err = encodeJSON(doc)
	} else {
		data, err = yaml.Marshal(doc)
	}
	if err != nil {
		return fmt.Errorf("encode mapping: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create mapping dir: %w", err)
		}
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("write mapping file: %w", err)
	}
	return nil
}
