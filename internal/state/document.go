// internal/state/document.go
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/user/vizchat/internal/types"
)

// DocumentStore persists whole documents as docs/<docID>.json, written
// atomically.
type DocumentStore struct {
	root string
	mu   sync.RWMutex
}

// NewDocumentStore creates a new file-backed DocumentStore rooted at the given directory.
func NewDocumentStore(root string) *DocumentStore {
	return &DocumentStore{root: root}
}

func (s *DocumentStore) docsDir() string {
	return filepath.Join(s.root, "docs")
}

func (s *DocumentStore) docPath(id types.DocID) string {
	return filepath.Join(s.docsDir(), string(id)+".json")
}

// Load reads a document. Missing documents wrap types.ErrNotFound.
func (s *DocumentStore) Load(_ context.Context, id types.DocID) (*types.Document, error) {
	if err := checkID(string(id)); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.docPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("document %s: %w", id, types.ErrNotFound)
		}
		return nil, fmt.Errorf("read document: %w", err)
	}

	var doc types.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal document: %w", err)
	}
	return &doc, nil
}

// Save writes the document, replacing any earlier snapshot.
func (s *DocumentStore) Save(_ context.Context, doc *types.Document) error {
	if err := checkID(string(doc.ID)); err != nil {
		return err
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.docsDir(), 0o755); err != nil {
		return fmt.Errorf("create docs dir: %w", err)
	}
	return writeAtomic(s.docPath(doc.ID), data)
}

// List returns the ids of all stored documents in sorted order.
func (s *DocumentStore) List(_ context.Context) ([]types.DocID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.docsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read docs dir: %w", err)
	}

	var ids []types.DocID
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, types.DocID(strings.TrimSuffix(name, ".json")))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}
