package prompt

import (
	"fmt"
	"strings"
)

// FormatAsMarkdown renders each file as a bold name line followed by a
// fenced code block. Omitted files are listed with their reason.
func FormatAsMarkdown(files PreparedFiles) string {
	var sb strings.Builder
	for i, f := range files {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(FormatFile(f))
	}
	return sb.String()
}

// FormatFile renders a single prepared file.
func FormatFile(f PreparedFile) string {
	if f.Omitted != "" {
		return fmt.Sprintf("**%s** (%s, %d bytes, contents omitted)\n", f.Name, f.Omitted, f.Size)
	}
	fence := Fence(f.Text)
	text := f.Text
	if text != "" && !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	return fmt.Sprintf("**%s**\n\n%s%s\n%s%s\n", f.Name, fence, f.Language, text, fence)
}

// Fence returns a backtick fence longer than any backtick run in text.
func Fence(text string) string {
	longest, run := 0, 0
	for _, r := range text {
		if r == '`' {
			run++
			if run > longest {
				longest = run
			}
		} else {
			run = 0
		}
	}
	n := 3
	if longest >= n {
		n = longest + 1
	}
	return strings.Repeat("`", n)
}
