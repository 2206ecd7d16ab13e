package prompt

import (
	"fmt"
	"strings"
	"text/template"
)

// EditFormat names how the model must express file edits.
type EditFormat string

// EditFormatWhole asks for complete file contents for every changed file.
const EditFormatWhole EditFormat = "whole"

// Input is everything AssemblePrompt combines.
type Input struct {
	FilesContext string
	UserPrompt   string
	EditFormat   EditFormat
}

var wholeTemplate = template.Must(template.New("whole").Parse(`You are an expert developer editing a shared project. The user asks for a change and you apply it by rewriting files.

## Edit format: whole file replacement

For every file you change or create, output its complete new contents in exactly this form:

**path/to/file.ext**

` + "```" + `language
<entire file contents>
` + "```" + `

Rules:
- Always write the entire file. Never write a partial snippet or a diff.
- Use a file's exact name from the list below to change it, or a new name to create a file.
- Only include files you change.
- Keep explanations short and outside the code blocks.

## Files
{{if .FilesContext}}
{{.FilesContext}}{{else}}
(no files yet)
{{end}}
## Request

{{.UserPrompt}}
`))

// AssemblePrompt composes the instruction header for the edit format, the
// files context and the user's request. The output depends only on in.
func AssemblePrompt(in Input) (string, error) {
	format := in.EditFormat
	if format == "" {
		format = EditFormatWhole
	}
	if format != EditFormatWhole {
		return "", fmt.Errorf("unsupported edit format: %q", in.EditFormat)
	}
	var sb strings.Builder
	if err := wholeTemplate.Execute(&sb, in); err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return sb.String(), nil
}
