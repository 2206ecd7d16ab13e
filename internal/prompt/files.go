// Package prompt turns a file set and a user instruction into a single
// LLM-ready prompt.
package prompt

import (
	"path"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/user/vizchat/internal/types"
)

// PreparedFile is one file as it will be embedded in a prompt. Files with a
// non-empty Omitted reason are listed by name only.
type PreparedFile struct {
	ID       types.FileID
	Name     string
	Text     string
	Language string
	Size     int
	Omitted  string
}

// PreparedFiles is an ordered, prompt-ready view of a FileCollection.
type PreparedFiles []PreparedFile

const (
	OmittedBinary = "binary file"
	OmittedBudget = "context budget"
)

var binaryExt = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true,
	".ico": true, ".bmp": true, ".pdf": true, ".zip": true, ".gz": true,
	".woff": true, ".woff2": true, ".ttf": true, ".otf": true, ".eot": true,
	".mp3": true, ".mp4": true, ".wav": true, ".webm": true, ".wasm": true,
}

var languages = map[string]string{
	".js":   "javascript",
	".mjs":  "javascript",
	".jsx":  "jsx",
	".ts":   "typescript",
	".tsx":  "tsx",
	".json": "json",
	".css":  "css",
	".html": "html",
	".htm":  "html",
	".md":   "markdown",
	".svg":  "xml",
	".xml":  "xml",
	".csv":  "csv",
	".py":   "python",
	".go":   "go",
	".sh":   "bash",
	".yml":  "yaml",
	".yaml": "yaml",
}

// PrepareFiles orders files by name (then id), drops directories, and keeps
// binary or non-UTF-8 files as metadata only.
func PrepareFiles(files types.FileCollection) PreparedFiles {
	out := make(PreparedFiles, 0, len(files))
	for id, f := range files {
		if f.IsDir() {
			continue
		}
		text := f.Content()
		pf := PreparedFile{
			ID:       id,
			Name:     f.Name,
			Language: Language(f.Name),
			Size:     len(text),
		}
		if isBinary(f.Name, text) {
			pf.Omitted = OmittedBinary
		} else {
			pf.Text = text
		}
		out = append(out, pf)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Language returns the fence language tag for a file name, or "".
func Language(name string) string {
	return languages[strings.ToLower(path.Ext(name))]
}

func isBinary(name, text string) bool {
	if binaryExt[strings.ToLower(path.Ext(name))] {
		return true
	}
	return strings.IndexByte(text, 0) >= 0 || !utf8.ValidString(text)
}
