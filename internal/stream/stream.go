// Package stream adapts a model provider into a lazy, ordered sequence of
// typed edit events that honours a generation's cancellation token.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/user/vizchat/internal/generation"
	"github.com/user/vizchat/internal/types"
	"github.com/user/vizchat/pkg/llm"
)

type EventKind string

const (
	// EventToken carries a chunk of raw model output.
	EventToken EventKind = "token"
	// EventFileEdit carries a complete replacement for one file.
	EventFileEdit EventKind = "file_edit"
	// EventScratchpad carries a progress note for the chat scratchpad.
	EventScratchpad EventKind = "scratchpad"
)

// FileEdit replaces the whole text of the file called Name, creating it if
// it does not exist.
type FileEdit struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

type Event struct {
	Kind EventKind `json:"kind"`
	Text string    `json:"text,omitempty"`
	File *FileEdit `json:"file,omitempty"`
}

// Result is available once a source has returned io.EOF.
type Result struct {
	Content      string
	GenerationID types.GenerationID
}

// Source is a finite, non-restartable sequence of events. Next returns
// io.EOF after the last event and an error wrapping generation.ErrCancelled
// once the token is cancelled.
type Source interface {
	Next(ctx context.Context) (Event, error)
	Result() Result
	Close()
}

// Streamer opens a Source for a prompt.
type Streamer interface {
	Stream(ctx context.Context, prompt string, tok *generation.Token) (Source, error)
}

// Adapter turns an llm.Provider into a Streamer. With streaming disabled the
// provider's Complete call is used and its output replayed as events.
type Adapter struct {
	provider  llm.Provider
	streaming bool
	system    string
}

func NewAdapter(provider llm.Provider, streaming bool) *Adapter {
	return &Adapter{provider: provider, streaming: streaming}
}

// WithSystem sets an optional system message sent before the prompt.
func (a *Adapter) WithSystem(system string) *Adapter {
	a.system = system
	return a
}

// Stream starts a generation for prompt. Cancelling tok stops the provider
// call and makes the returned source report cancellation.
func (a *Adapter) Stream(ctx context.Context, prompt string, tok *generation.Token) (Source, error) {
	if tok == nil {
		tok = generation.NewToken(ctx)
	}
	if err := tok.Err(); err != nil {
		return nil, cancelled(err)
	}

	sctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(tok.Context(), cancel)
	release := func() {
		stop()
		cancel()
	}

	var msgs []llm.Message
	if a.system != "" {
		msgs = append(msgs, llm.Message{Role: "system", Content: a.system})
	}
	msgs = append(msgs, llm.Message{Role: "user", Content: prompt})

	var deltas <-chan llm.Delta
	if a.streaming {
		ch, err := a.provider.Stream(sctx, msgs)
		if err != nil {
			release()
			if tok.Cancelled() {
				return nil, cancelled(tok.Err())
			}
			return nil, fmt.Errorf("open stream: %w", err)
		}
		deltas = ch
	} else {
		resp, err := a.provider.Complete(sctx, msgs)
		if err != nil {
			release()
			if tok.Cancelled() {
				return nil, cancelled(tok.Err())
			}
			return nil, fmt.Errorf("complete: %w", err)
		}
		ch := make(chan llm.Delta, 1)
		ch <- llm.Delta{ID: resp.ID, Content: resp.Content, FinishReason: resp.FinishReason}
		close(ch)
		deltas = ch
	}

	return &EventStream{deltas: deltas, tok: tok, release: release}, nil
}

// EventStream is the Source produced by Adapter.
type EventStream struct {
	deltas  <-chan llm.Delta
	tok     *generation.Token
	parser  WholeFileParser
	pending []Event
	content strings.Builder
	genID   types.GenerationID
	done    bool

	release   func()
	closeOnce sync.Once
}

// Next returns the next event. The token is checked before every event.
func (s *EventStream) Next(ctx context.Context) (Event, error) {
	for {
		if err := s.tok.Err(); err != nil {
			s.Close()
			return Event{}, cancelled(err)
		}
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			return ev, nil
		}
		if s.done {
			return Event{}, io.EOF
		}

		select {
		case d, ok := <-s.deltas:
			if !ok {
				s.pending = append(s.pending, s.parser.Flush()...)
				s.done = true
				s.Close()
				continue
			}
			if d.Err != nil {
				s.Close()
				if s.tok.Cancelled() {
					return Event{}, cancelled(s.tok.Err())
				}
				return Event{}, d.Err
			}
			if s.genID == "" && d.ID != "" {
				s.genID = types.GenerationID(d.ID)
			}
			if d.Content != "" {
				s.content.WriteString(d.Content)
				s.pending = append(s.pending, Event{Kind: EventToken, Text: d.Content})
				s.pending = append(s.pending, s.parser.Feed(d.Content)...)
			}
		case <-s.tok.Done():
		case <-ctx.Done():
			s.Close()
			return Event{}, ctx.Err()
		}
	}
}

// Result returns the accumulated content and the generation id. The id comes
// from the provider when it supplies one.
func (s *EventStream) Result() Result {
	if s.genID == "" {
		s.genID = types.NewGenerationID()
	}
	return Result{Content: s.content.String(), GenerationID: s.genID}
}

// Close stops the underlying provider call. Safe to call more than once.
func (s *EventStream) Close() {
	s.closeOnce.Do(s.release)
}

func cancelled(cause error) error {
	if errors.Is(cause, generation.ErrCancelled) {
		return cause
	}
	return fmt.Errorf("%w: %w", generation.ErrCancelled, cause)
}
