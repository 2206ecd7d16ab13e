// Package diff captures file-set snapshots and computes line-level diffs
// between them, both as structured FileDiffs and as unified-diff text.
package diff

import "github.com/user/vizchat/internal/types"

// FilesSnapshot is an immutable point-in-time copy of a FileCollection.
type FilesSnapshot struct {
	files types.FileCollection
}

// Snapshot deep-copies files. Later changes to files do not affect the
// snapshot.
func Snapshot(files types.FileCollection) FilesSnapshot {
	return FilesSnapshot{files: files.Clone()}
}

// Get returns a copy of the file record with the given id.
func (s FilesSnapshot) Get(id types.FileID) (types.File, bool) {
	f, ok := s.files[id]
	if !ok {
		return types.File{}, false
	}
	return f.Clone(), true
}

// IDs returns the snapshot's file ids in sorted order.
func (s FilesSnapshot) IDs() []types.FileID {
	return s.files.IDs()
}

func (s FilesSnapshot) Len() int {
	return len(s.files)
}

// Files returns a mutable copy of the snapshot contents.
func (s FilesSnapshot) Files() types.FileCollection {
	return s.files.Clone()
}
