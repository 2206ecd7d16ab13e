package stream

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/user/vizchat/internal/generation"
	"github.com/user/vizchat/pkg/llm"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeProvider struct {
	complete func(ctx context.Context, messages []llm.Message) (*llm.Response, error)
	stream   func(ctx context.Context, messages []llm.Message) (<-chan llm.Delta, error)
}

func (f *fakeProvider) Complete(ctx context.Context, messages []llm.Message) (*llm.Response, error) {
	return f.complete(ctx, messages)
}

func (f *fakeProvider) Stream(ctx context.Context, messages []llm.Message) (<-chan llm.Delta, error) {
	return f.stream(ctx, messages)
}

// chunked streams text in fixed-size pieces, honouring ctx like a real
// provider.
func chunked(id, text string, size int) func(ctx context.Context, messages []llm.Message) (<-chan llm.Delta, error) {
	return func(ctx context.Context, messages []llm.Message) (<-chan llm.Delta, error) {
		ch := make(chan llm.Delta)
		go func() {
			defer close(ch)
			for i := 0; i < len(text); i += size {
				end := i + size
				if end > len(text) {
					end = len(text)
				}
				select {
				case ch <- llm.Delta{ID: id, Content: text[i:end]}:
				case <-ctx.Done():
					return
				}
			}
		}()
		return ch, nil
	}
}

func drain(t *testing.T, src Source) []Event {
	t.Helper()
	var events []Event
	for {
		ev, err := src.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return events
		}
		if err != nil {
			t.Fatal(err)
		}
		events = append(events, ev)
	}
}

func TestAdapterStreamsEventsInOrder(t *testing.T) {
	p := &fakeProvider{stream: chunked("gen-1", sample, 5)}
	src, err := NewAdapter(p, true).Stream(context.Background(), "prompt", generation.NewToken(context.Background()))
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	events := drain(t, src)
	var tokens strings.Builder
	edits := 0
	for _, ev := range events {
		switch ev.Kind {
		case EventToken:
			tokens.WriteString(ev.Text)
		case EventFileEdit:
			edits++
			if edits == 1 && ev.File.Name != "index.js" {
				t.Errorf("expected index.js first, got %s", ev.File.Name)
			}
		}
	}
	if tokens.String() != sample {
		t.Error("token events do not reassemble the output")
	}
	if edits != 2 {
		t.Errorf("expected 2 file edits, got %d", edits)
	}

	res := src.Result()
	if res.Content != sample || res.GenerationID != "gen-1" {
		t.Errorf("unexpected result id=%q len=%d", res.GenerationID, len(res.Content))
	}
}

func TestAdapterCancellationStopsStream(t *testing.T) {
	started := make(chan struct{})
	p := &fakeProvider{stream: func(ctx context.Context, messages []llm.Message) (<-chan llm.Delta, error) {
		ch := make(chan llm.Delta)
		go func() {
			defer close(ch)
			select {
			case ch <- llm.Delta{Content: "partial"}:
			case <-ctx.Done():
				return
			}
			close(started)
			<-ctx.Done()
		}()
		return ch, nil
	}}

	tok := generation.NewToken(context.Background())
	src, err := NewAdapter(p, true).Stream(context.Background(), "prompt", tok)
	if err != nil {
		t.Fatal(err)
	}
	ev, err := src.Next(context.Background())
	if err != nil || ev.Text != "partial" {
		t.Fatalf("expected partial token, got %+v %v", ev, err)
	}
	<-started
	tok.Cancel()

	done := make(chan error, 1)
	go func() {
		_, err := src.Next(context.Background())
		done <- err
	}()
	select {
	case err := <-done:
		if !errors.Is(err, generation.ErrCancelled) {
			t.Errorf("expected ErrCancelled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not observe cancellation")
	}
	if _, err := src.Next(context.Background()); !errors.Is(err, generation.ErrCancelled) {
		t.Errorf("expected repeated ErrCancelled, got %v", err)
	}
}

func TestAdapterCancelledBeforeStart(t *testing.T) {
	tok := generation.NewToken(context.Background())
	tok.Cancel()
	p := &fakeProvider{stream: func(ctx context.Context, messages []llm.Message) (<-chan llm.Delta, error) {
		t.Fatal("provider should not be called")
		return nil, nil
	}}
	if _, err := NewAdapter(p, true).Stream(context.Background(), "x", tok); !errors.Is(err, generation.ErrCancelled) {
		t.Errorf("expected ErrCancelled, got %v", err)
	}
}

func TestAdapterProviderError(t *testing.T) {
	p := &fakeProvider{stream: func(ctx context.Context, messages []llm.Message) (<-chan llm.Delta, error) {
		ch := make(chan llm.Delta, 2)
		ch <- llm.Delta{Content: "hi"}
		ch <- llm.Delta{Err: errors.New("stream recv: connection reset")}
		close(ch)
		return ch, nil
	}}
	src, err := NewAdapter(p, true).Stream(context.Background(), "x", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := src.Next(context.Background()); err != nil {
		t.Fatal(err)
	}
	_, err = src.Next(context.Background())
	if err == nil || errors.Is(err, generation.ErrCancelled) {
		t.Errorf("expected provider error, got %v", err)
	}
}

func TestAdapterNonStreaming(t *testing.T) {
	var gotMessages []llm.Message
	p := &fakeProvider{complete: func(ctx context.Context, messages []llm.Message) (*llm.Response, error) {
		gotMessages = messages
		return &llm.Response{Content: "**a.js**\n```js\nlet a\n```\n"}, nil
	}}
	src, err := NewAdapter(p, false).WithSystem("be brief").Stream(context.Background(), "prompt", nil)
	if err != nil {
		t.Fatal(err)
	}
	events := drain(t, src)
	if len(gotMessages) != 2 || gotMessages[0].Role != "system" || gotMessages[1].Content != "prompt" {
		t.Errorf("unexpected messages %+v", gotMessages)
	}
	var edit *FileEdit
	for _, ev := range events {
		if ev.Kind == EventFileEdit {
			edit = ev.File
		}
	}
	if edit == nil || edit.Text != "let a\n" {
		t.Errorf("expected file edit, got %+v", events)
	}
	if res := src.Result(); res.GenerationID == "" {
		t.Error("expected a generated id when the provider supplies none")
	}
}

func TestReplayHonoursToken(t *testing.T) {
	tok := generation.NewToken(context.Background())
	src := NewReplay(tok, Result{Content: "done", GenerationID: "g1"},
		Event{Kind: EventToken, Text: "a"},
		Event{Kind: EventToken, Text: "b"},
	)
	if _, err := src.Next(context.Background()); err != nil {
		t.Fatal(err)
	}
	tok.Cancel()
	if _, err := src.Next(context.Background()); !errors.Is(err, generation.ErrCancelled) {
		t.Errorf("expected ErrCancelled, got %v", err)
	}
}
