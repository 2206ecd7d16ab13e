package diff

import (
	"sort"
	"strings"

	difflib "github.com/pmezard/go-difflib/difflib"

	"github.com/user/vizchat/internal/types"
)

const (
	// DefaultContext is the number of unchanged lines kept next to a change.
	DefaultContext = 1
	// MaxUnchangedLines bounds the context shown for a file without changes.
	MaxUnchangedLines = 10
	// ElisionMarker is the content of a line standing for hidden context.
	ElisionMarker = "..."
)

// DiffFile computes the line diff of one file with the default context window.
func DiffFile(fileID types.FileID, fileName, before, after string) types.FileDiff {
	return DiffFileContext(fileID, fileName, before, after, DefaultContext)
}

// DiffFileContext computes the line diff of one file. Unchanged runs longer
// than the context window are collapsed into a single elision line. The
// output keeps document order and is deterministic for the same inputs.
func DiffFileContext(fileID types.FileID, fileName, before, after string, context int) types.FileDiff {
	if context < 0 {
		context = 0
	}
	fd := types.FileDiff{
		FileID:     fileID,
		FileName:   fileName,
		Status:     types.FileModified,
		HasChanges: before != after,
		Before:     before,
		After:      after,
	}
	a, b := splitLines(before), splitLines(after)
	if !fd.HasChanges {
		fd.Status = types.FileUnchanged
		fd.Lines = contextHead(a, MaxUnchangedLines)
		return fd
	}

	m := difflib.NewMatcher(a, b)
	codes := m.GetOpCodes()
	lines := make([]types.DiffLine, 0, len(a)+len(b))
	for i, op := range codes {
		switch op.Tag {
		case 'e':
			lines = append(lines, collapse(a[op.I1:op.I2], context, i == 0, i == len(codes)-1)...)
		case 'r':
			lines = appendLines(lines, types.LineRemoved, a[op.I1:op.I2])
			lines = appendLines(lines, types.LineAdded, b[op.J1:op.J2])
		case 'd':
			lines = appendLines(lines, types.LineRemoved, a[op.I1:op.I2])
		case 'i':
			lines = appendLines(lines, types.LineAdded, b[op.J1:op.J2])
		}
	}
	fd.Lines = lines
	return fd
}

// DiffFiles diffs every file present in either snapshot. Files only in after
// are reported as added, files only in before as removed. A rename keeps the
// file id and counts as a change.
func DiffFiles(before, after FilesSnapshot) types.FilesDiff {
	out := make(types.FilesDiff)
	for _, id := range unionIDs(before, after) {
		b, inBefore := before.files[id]
		a, inAfter := after.files[id]
		switch {
		case inBefore && inAfter:
			fd := DiffFile(id, a.Name, b.Content(), a.Content())
			if b.Name != a.Name {
				fd.HasChanges = true
				fd.Status = types.FileModified
			}
			out[id] = fd
		case inAfter:
			fd := DiffFile(id, a.Name, "", a.Content())
			fd.HasChanges = true
			fd.Status = types.FileAdded
			out[id] = fd
		case inBefore:
			fd := DiffFile(id, b.Name, b.Content(), "")
			fd.HasChanges = true
			fd.Status = types.FileRemoved
			out[id] = fd
		}
	}
	return out
}

// Stats summarises a FilesDiff: changed files, added lines, removed lines.
func Stats(fd types.FilesDiff) (files, added, removed int) {
	for _, d := range fd {
		if !d.HasChanges {
			continue
		}
		files++
		for _, l := range d.Lines {
			switch l.Type {
			case types.LineAdded:
				added++
			case types.LineRemoved:
				removed++
			}
		}
	}
	return files, added, removed
}

// Changed reports whether any file in fd has changes.
func Changed(fd types.FilesDiff) bool {
	for _, d := range fd {
		if d.HasChanges {
			return true
		}
	}
	return false
}

func unionIDs(before, after FilesSnapshot) []types.FileID {
	seen := make(map[types.FileID]bool, before.Len()+after.Len())
	var ids []types.FileID
	for _, fc := range []types.FileCollection{before.files, after.files} {
		for id := range fc {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// collapse renders an unchanged run, keeping context lines on the sides that
// touch a change.
func collapse(run []string, context int, leading, trailing bool) []types.DiffLine {
	head, tail := context, context
	if leading {
		head = 0
	}
	if trailing {
		tail = 0
	}
	if head+tail >= len(run) {
		return appendLines(nil, types.LineContext, run)
	}
	var out []types.DiffLine
	out = appendLines(out, types.LineContext, run[:head])
	out = append(out, elision(len(run)-head-tail))
	out = appendLines(out, types.LineContext, run[len(run)-tail:])
	return out
}

func contextHead(lines []string, limit int) []types.DiffLine {
	if len(lines) <= limit {
		return appendLines(nil, types.LineContext, lines)
	}
	out := appendLines(nil, types.LineContext, lines[:limit])
	return append(out, elision(len(lines)-limit))
}

func elision(n int) types.DiffLine {
	return types.DiffLine{Type: types.LineContext, Content: ElisionMarker, Elided: n}
}

func appendLines(dst []types.DiffLine, typ types.LineType, lines []string) []types.DiffLine {
	for _, l := range lines {
		dst = append(dst, types.DiffLine{Type: typ, Content: strings.TrimSuffix(l, "\n")})
	}
	return dst
}

// splitLines splits text after each newline, keeping the terminators so a
// last line without one differs from the same line with one.
func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	lines := strings.SplitAfter(text, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
