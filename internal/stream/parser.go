package stream

import (
	"regexp"
	"strings"
)

var headerRe = regexp.MustCompile(`^\*\*([^*]+?)\*\*:?$`)

type parseState int

const (
	stateProse parseState = iota
	stateAwaitFence
	stateCode
	stateProseCode
)

// WholeFileParser extracts whole-file edits from model output written as a
// bold file name line followed by a fenced code block. It is fed raw chunks
// and emits an edit when a block closes.
type WholeFileParser struct {
	partial string
	state   parseState
	name    string
	fence   string
	lines   []string
}

// Feed consumes a chunk of output and returns the events it completes.
func (p *WholeFileParser) Feed(chunk string) []Event {
	p.partial += chunk
	var events []Event
	for {
		i := strings.IndexByte(p.partial, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimSuffix(p.partial[:i], "\r")
		p.partial = p.partial[i+1:]
		events = append(events, p.line(line)...)
	}
	return events
}

// Flush ends the input. An unterminated code block is emitted as-is.
func (p *WholeFileParser) Flush() []Event {
	var events []Event
	if p.partial != "" {
		events = append(events, p.line(p.partial)...)
		p.partial = ""
	}
	if p.state == stateCode {
		events = append(events, p.emit())
	}
	p.state = stateProse
	return events
}

func (p *WholeFileParser) line(line string) []Event {
	trimmed := strings.TrimSpace(line)
	switch p.state {
	case stateCode:
		if fenceOf(trimmed) != "" && strings.Trim(trimmed, "`") == "" && len(trimmed) >= len(p.fence) {
			ev := p.emit()
			p.state = stateProse
			return []Event{ev}
		}
		p.lines = append(p.lines, line)
		return nil

	case stateAwaitFence:
		if trimmed == "" {
			return nil
		}
		if fence := fenceOf(trimmed); fence != "" {
			p.fence = fence
			p.lines = nil
			p.state = stateCode
			return []Event{{Kind: EventScratchpad, Text: "Writing " + p.name}}
		}
		p.state = stateProse
		return p.line(line)

	case stateProseCode:
		if trimmed == p.fence {
			p.state = stateProse
		}
		return nil
	}

	if fence := fenceOf(trimmed); fence != "" {
		p.fence = fence
		p.state = stateProseCode
		return nil
	}
	if m := headerRe.FindStringSubmatch(trimmed); m != nil {
		p.name = strings.Trim(strings.TrimSpace(m[1]), "`")
		p.state = stateAwaitFence
	}
	return nil
}

func (p *WholeFileParser) emit() Event {
	text := ""
	if len(p.lines) > 0 {
		text = strings.Join(p.lines, "\n") + "\n"
	}
	ev := Event{Kind: EventFileEdit, File: &FileEdit{Name: p.name, Text: text}}
	p.lines = nil
	return ev
}

// fenceOf returns the leading run of three or more backticks in line.
func fenceOf(line string) string {
	n := 0
	for n < len(line) && line[n] == '`' {
		n++
	}
	if n < 3 {
		return ""
	}
	return line[:n]
}
