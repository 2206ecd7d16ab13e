// internal/state/diff.go
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/user/vizchat/internal/types"
)

// DiffStore keeps one JSON file per generation diff at
// chats/<chatID>/diffs/<generationID>.json.
type DiffStore struct {
	root string
}

// NewDiffStore creates a new file-backed DiffStore rooted at the given directory.
func NewDiffStore(root string) *DiffStore {
	return &DiffStore{root: root}
}

func (d *DiffStore) diffsDir(chatID types.ChatID) string {
	return filepath.Join(d.root, "chats", string(chatID), "diffs")
}

// findDiff locates a diff file by generation id across all chats.
func (d *DiffStore) findDiff(id types.GenerationID) (string, error) {
	pattern := filepath.Join(d.root, "chats", "*", "diffs", string(id)+".json")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return "", fmt.Errorf("glob diff: %w", err)
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("diff %s: %w", id, types.ErrNotFound)
	}
	return matches[0], nil
}

func readDiff(path string) (*types.DiffRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read diff file: %w", err)
	}
	var rec types.DiffRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal diff: %w", err)
	}
	return &rec, nil
}

// Put stores a diff record, replacing any record for the same generation.
func (d *DiffStore) Put(_ context.Context, rec *types.DiffRecord) error {
	if err := checkID(string(rec.ChatID)); err != nil {
		return err
	}
	if err := checkID(string(rec.GenerationID)); err != nil {
		return err
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	content, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal diff: %w", err)
	}

	dir := d.diffsDir(rec.ChatID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create diffs dir: %w", err)
	}
	return writeAtomic(filepath.Join(dir, string(rec.GenerationID)+".json"), content)
}

// Get returns the diff recorded for a generation.
func (d *DiffStore) Get(_ context.Context, id types.GenerationID) (*types.DiffRecord, error) {
	if err := checkID(string(id)); err != nil {
		return nil, err
	}
	path, err := d.findDiff(id)
	if err != nil {
		return nil, err
	}
	return readDiff(path)
}

// List returns the chat's diff records, oldest first.
func (d *DiffStore) List(_ context.Context, chatID types.ChatID) ([]*types.DiffRecord, error) {
	if err := checkID(string(chatID)); err != nil {
		return nil, err
	}
	matches, err := filepath.Glob(filepath.Join(d.diffsDir(chatID), "*.json"))
	if err != nil {
		return nil, fmt.Errorf("glob diffs: %w", err)
	}

	records := make([]*types.DiffRecord, 0, len(matches))
	for _, path := range matches {
		rec, err := readDiff(path)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}
