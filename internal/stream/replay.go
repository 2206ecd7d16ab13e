package stream

import (
	"context"
	"io"

	"github.com/user/vizchat/internal/generation"
)

// Replay is a Source over a fixed list of events. It still honours the
// token between events.
type Replay struct {
	tok    *generation.Token
	events []Event
	result Result
}

// NewReplay returns a source that yields events in order and then result.
func NewReplay(tok *generation.Token, result Result, events ...Event) *Replay {
	return &Replay{tok: tok, events: events, result: result}
}

func (r *Replay) Next(ctx context.Context) (Event, error) {
	if r.tok != nil {
		if err := r.tok.Err(); err != nil {
			return Event{}, cancelled(err)
		}
	}
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}
	if len(r.events) == 0 {
		return Event{}, io.EOF
	}
	ev := r.events[0]
	r.events = r.events[1:]
	return ev, nil
}

func (r *Replay) Result() Result {
	return r.result
}

func (r *Replay) Close() {}
