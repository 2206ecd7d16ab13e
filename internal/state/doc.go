// Package state provides filesystem-backed storage implementations.
package state

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/user/vizchat/internal/types"
)

// Compile-time interface compliance checks.
var _ types.EventStore = (*EventStore)(nil)
var _ types.DiffStore = (*DiffStore)(nil)
var _ types.DocumentPersister = (*DocumentStore)(nil)

// ErrInvalidID is returned for ids that cannot be used as a path element.
var ErrInvalidID = errors.New("invalid id")

// checkID rejects ids that would escape the store's directory.
func checkID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) || strings.ContainsRune(id, 0) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// writeAtomic writes data to a temp file and renames it over path.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
