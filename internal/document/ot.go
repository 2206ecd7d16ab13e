package document

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// ErrEditOutOfRange is returned when an edit addresses runes past the end of
// its target text.
var ErrEditOutOfRange = errors.New("edit out of range")

// TextEdit replaces Del runes at Pos with Ins. A list of edits is applied in
// order, each against the result of the previous one.
type TextEdit struct {
	Pos int    `json:"pos"`
	Del int    `json:"del,omitempty"`
	Ins string `json:"ins,omitempty"`
}

func (e TextEdit) noop() bool {
	return e.Del == 0 && e.Ins == ""
}

// Apply runs edits against text.
func Apply(text string, edits []TextEdit) (string, error) {
	runes := []rune(text)
	for _, e := range edits {
		if e.Pos < 0 || e.Del < 0 || e.Pos+e.Del > len(runes) {
			return "", fmt.Errorf("%w: pos %d del %d len %d", ErrEditOutOfRange, e.Pos, e.Del, len(runes))
		}
		ins := []rune(e.Ins)
		out := make([]rune, 0, len(runes)-e.Del+len(ins))
		out = append(out, runes[:e.Pos]...)
		out = append(out, ins...)
		out = append(out, runes[e.Pos+e.Del:]...)
		runes = out
	}
	return string(runes), nil
}

// DiffEdits returns the positional edits that turn before into after. Equal
// inputs produce no edits.
func DiffEdits(before, after string) []TextEdit {
	if before == after {
		return nil
	}
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(before, after, false)
	diffs = dmp.DiffCleanupEfficiency(diffs)

	var edits []TextEdit
	pos := 0
	for _, d := range diffs {
		n := utf8.RuneCountInString(d.Text)
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			pos += n
		case diffmatchpatch.DiffDelete:
			edits = append(edits, TextEdit{Pos: pos, Del: n})
		case diffmatchpatch.DiffInsert:
			if last := len(edits) - 1; last >= 0 && edits[last].Pos == pos && edits[last].Ins == "" {
				edits[last].Ins = d.Text
			} else {
				edits = append(edits, TextEdit{Pos: pos, Ins: d.Text})
			}
			pos += n
		}
	}
	return edits
}

// AppendEdit returns the edit that appends suffix to text.
func AppendEdit(text, suffix string) TextEdit {
	return TextEdit{Pos: utf8.RuneCountInString(text), Ins: suffix}
}

// Transform rewrites e, which was made against an older text, so that it
// applies after the already applied edits. An insertion at the same position
// as an applied insertion lands after it. Text inserted concurrently inside
// a range e deletes is deleted with it.
func Transform(e TextEdit, applied []TextEdit) TextEdit {
	for _, a := range applied {
		e = transformDelete(e, a.Pos, a.Del)
		e = transformInsert(e, a.Pos, utf8.RuneCountInString(a.Ins))
	}
	return e
}

func transformDelete(e TextEdit, pos, n int) TextEdit {
	if n == 0 {
		return e
	}
	end, eEnd := pos+n, e.Pos+e.Del
	switch {
	case end <= e.Pos:
		e.Pos -= n
	case pos >= eEnd:
	default:
		overlap := min(end, eEnd) - max(pos, e.Pos)
		if overlap > 0 {
			e.Del -= overlap
		}
		if pos < e.Pos {
			e.Pos = pos
		}
	}
	return e
}

func transformInsert(e TextEdit, pos, n int) TextEdit {
	if n == 0 {
		return e
	}
	switch {
	case pos <= e.Pos:
		e.Pos += n
	case pos < e.Pos+e.Del:
		e.Del += n
	}
	return e
}
