package diff

import (
	"sort"
	"strings"

	difflib "github.com/pmezard/go-difflib/difflib"

	"github.com/user/vizchat/internal/types"
)

const (
	// UnifiedContext is the hunk context used for unified rendering.
	UnifiedContext = 3
	// NoNewlineMarker follows a last line that has no terminator.
	NoNewlineMarker = `\ No newline at end of file`
)

// ToUnifiedDiff renders every changed file as a unified diff, in file id
// order. Files without changes are skipped, so identical snapshots render to
// the empty string.
func ToUnifiedDiff(fd types.FilesDiff) string {
	ids := make([]types.FileID, 0, len(fd))
	for id, d := range fd {
		if d.HasChanges {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var sb strings.Builder
	for _, id := range ids {
		sb.WriteString(unifiedFile(fd[id]))
	}
	return sb.String()
}

func unifiedFile(d types.FileDiff) string {
	before, after := d.Before, d.After
	if before == "" && after == "" && len(d.Lines) > 0 {
		before, after = rebuild(d.Lines)
	}

	from, to := "a/"+d.FileName, "b/"+d.FileName
	switch d.Status {
	case types.FileAdded:
		from = "/dev/null"
	case types.FileRemoved:
		to = "/dev/null"
	}

	u := difflib.UnifiedDiff{
		A:        unifiedLines(before),
		B:        unifiedLines(after),
		FromFile: from,
		ToFile:   to,
		Context:  UnifiedContext,
	}
	s, err := difflib.GetUnifiedDiffString(u)
	if err != nil || s == "" {
		// Renames and empty new files have no hunks.
		return "--- " + from + "\n+++ " + to + "\n"
	}
	return s
}

// rebuild recovers approximate before/after texts from rendered lines when
// the raw texts are unavailable, e.g. after a round trip through storage.
func rebuild(lines []types.DiffLine) (string, string) {
	var a, b []string
	for _, l := range lines {
		if l.Elided > 0 {
			continue
		}
		switch l.Type {
		case types.LineContext:
			a = append(a, l.Content)
			b = append(b, l.Content)
		case types.LineRemoved:
			a = append(a, l.Content)
		case types.LineAdded:
			b = append(b, l.Content)
		}
	}
	return strings.Join(a, "\n"), strings.Join(b, "\n")
}

// unifiedLines splits text for difflib, which writes lines verbatim.
func unifiedLines(text string) []string {
	lines := splitLines(text)
	if n := len(lines); n > 0 && !strings.HasSuffix(lines[n-1], "\n") {
		lines[n-1] += "\n" + NoNewlineMarker + "\n"
	}
	return lines
}
