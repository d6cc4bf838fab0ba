// SPDX-License-Identifier: MIT

// Package templates loads the rewrite templates document (templates.json)
// and resolves template ids into rewrite instructions.
package templates

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/voxtype/voxtype/internal/fault"
	"github.com/voxtype/voxtype/internal/rewrite"
)

// FileName is the templates document name under the data directory.
const FileName = "templates.json"

// Template is one stored rewrite instruction.
type Template struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	System   string   `json:"system"`
	Glossary []string `json:"glossary,omitempty"`
}

type document struct {
	Templates []Template `json:"templates"`
}

// Store serves templates by id. Reload swaps the whole set atomically.
type Store struct {
	mu   sync.RWMutex
	path string
	byID map[string]Template
}

// Open loads the templates document. A missing file yields an empty store:
// rewrite then fails per-task with a template error instead of blocking
// startup.
func Open(path string) (*Store, error) {
	s := &Store{path: path, byID: map[string]Template{}}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the document from disk.
func (s *Store) Reload() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.mu.Lock()
		s.byID = map[string]Template{}
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("read templates: %w", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse templates: %w", err)
	}

	byID := make(map[string]Template, len(doc.Templates))
	for _, t := range doc.Templates {
		byID[t.ID] = t
	}
	s.mu.Lock()
	s.byID = byID
	s.mu.Unlock()
	return nil
}

// Get resolves a template id.
func (s *Store) Get(id string) (rewrite.Template, []string, error) {
	s.mu.RLock()
	t, ok := s.byID[id]
	s.mu.RUnlock()
	if !ok {
		return rewrite.Template{}, nil, fault.Newf(fault.CodeSettingsTemplateRequired, "rewrite template %q not found", id)
	}
	return rewrite.Template{ID: t.ID, System: t.System}, t.Glossary, nil
}

// Path returns the templates document path under a data directory.
func Path(dataDir string) string {
	return filepath.Join(dataDir, FileName)
}
