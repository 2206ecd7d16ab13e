package aichat

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/user/vizchat/internal/chatops"
	"github.com/user/vizchat/internal/document"
	"github.com/user/vizchat/internal/gateway"
	"github.com/user/vizchat/internal/generation"
	"github.com/user/vizchat/internal/state"
	"github.com/user/vizchat/internal/stream"
	"github.com/user/vizchat/internal/types"
	"github.com/user/vizchat/internal/validate"
)

type promptFunc func(types.FileCollection, string) (string, error)

func (f promptFunc) Build(files types.FileCollection, userPrompt string) (string, error) {
	return f(files, userPrompt)
}

type streamFunc func(ctx context.Context, prompt string, tok *generation.Token) (stream.Source, error)

func (f streamFunc) Stream(ctx context.Context, prompt string, tok *generation.Token) (stream.Source, error) {
	return f(ctx, prompt, tok)
}

// blockingSource waits for its token and signals the first Next call.
type blockingSource struct {
	tok     *generation.Token
	started chan struct{}
	once    sync.Once
}

func (s *blockingSource) Next(ctx context.Context) (stream.Event, error) {
	s.once.Do(func() { close(s.started) })
	select {
	case <-s.tok.Done():
		return stream.Event{}, s.tok.Err()
	case <-ctx.Done():
		return stream.Event{}, ctx.Err()
	}
}

func (s *blockingSource) Result() stream.Result { return stream.Result{} }
func (s *blockingSource) Close()                {}

type fixture struct {
	orch     *Orchestrator
	docs     *document.Store
	registry *generation.Registry
	events   *state.EventStore
	diffs    *state.DiffStore
	spans    *tracetest.SpanRecorder
	prompts  []string
}

func newFixture(t *testing.T, streamer stream.Streamer) *fixture {
	t.Helper()
	docs := document.NewStore()
	files := types.FileCollection{
		"f1": types.TextFile("index.js", "console.log('Welcome')\n"),
	}
	if _, err := docs.Create(context.Background(), "doc", files); err != nil {
		t.Fatal(err)
	}
	return newFixtureWithStore(t, streamer, docs)
}

// newFixtureWithStore wires an orchestrator around docs, which must already
// hold document "doc".
func newFixtureWithStore(t *testing.T, streamer stream.Streamer, docs *document.Store) *fixture {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	f := &fixture{
		docs:     docs,
		registry: generation.NewRegistry(),
		events:   state.NewEventStore(dir),
		diffs:    state.NewDiffStore(dir),
		spans:    tracetest.NewSpanRecorder(),
	}

	gw := gateway.New()
	gw.SetRetry(&gateway.RetryPolicy{MaxAttempts: 1, InitialDelay: time.Millisecond, Multiplier: 1, MaxDelay: time.Millisecond})
	gw.Start(ctx)
	t.Cleanup(gw.Stop)

	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(f.spans))
	t.Cleanup(func() { tp.Shutdown(context.Background()) })

	var mu sync.Mutex
	f.orch = New(Deps{
		Docs:     f.docs,
		Registry: f.registry,
		Gateway:  gw,
		Streamer: streamer,
		Prompts: promptFunc(func(files types.FileCollection, userPrompt string) (string, error) {
			mu.Lock()
			f.prompts = append(f.prompts, userPrompt)
			mu.Unlock()
			return "PROMPT " + userPrompt, nil
		}),
		Events: f.events,
		Diffs:  f.diffs,
		Tracer: tp.Tracer("test"),
	})
	return f
}

func (f *fixture) chat(t *testing.T, chatID types.ChatID) *types.Chat {
	t.Helper()
	doc, err := f.docs.Get(context.Background(), "doc")
	if err != nil {
		t.Fatal(err)
	}
	chat, ok := doc.Chats[chatID]
	if !ok {
		t.Fatalf("chat %s missing", chatID)
	}
	return chat
}

func welcomeStreamer() stream.Streamer {
	return streamFunc(func(ctx context.Context, prompt string, tok *generation.Token) (stream.Source, error) {
		return stream.NewReplay(tok, stream.Result{Content: "done", GenerationID: "g1"},
			stream.Event{Kind: stream.EventToken, Text: "Updating the greeting. "},
			stream.Event{Kind: stream.EventScratchpad, Text: "Writing index.js"},
			stream.Event{Kind: stream.EventFileEdit, File: &stream.FileEdit{
				Name: "index.js",
				Text: "console.log('Welcome to vizchat')\n",
			}},
			stream.Event{Kind: stream.EventToken, Text: "done"},
		), nil
	})
}

func TestPerformAIChatEndToEnd(t *testing.T) {
	f := newFixture(t, welcomeStreamer())
	ctx := context.Background()

	resp := f.orch.PerformAIChat(ctx, "doc", []byte(`{"content":"Change the welcome text","chatId":"c1"}`))
	if resp.Status != http.StatusOK {
		t.Fatalf("status = %d, body %+v", resp.Status, resp.Body)
	}
	res, ok := resp.Body.(*EditResult)
	if !ok {
		t.Fatalf("body type %T", resp.Body)
	}
	if res.Status != StatusDone || res.GenerationID != "g1" || res.Content != "done" {
		t.Errorf("result = %+v", res)
	}
	if res.Stats == nil || res.Stats.Files != 1 || res.Stats.Added != 1 || res.Stats.Removed != 1 {
		t.Errorf("stats = %+v", res.Stats)
	}

	doc, _ := f.docs.Get(ctx, "doc")
	if got := doc.Files["f1"].Content(); got != "console.log('Welcome to vizchat')\n" {
		t.Errorf("file = %q", got)
	}

	chat := f.chat(t, "c1")
	if chat.AIStatus != types.AIDone {
		t.Errorf("ai status = %s", chat.AIStatus)
	}
	if chat.AIScratchpad != "" {
		t.Errorf("scratchpad not cleared: %q", chat.AIScratchpad)
	}
	if len(chat.Messages) != 2 {
		t.Fatalf("messages = %d", len(chat.Messages))
	}
	user, ai := chat.Messages[0], chat.Messages[1]
	if user.Role != types.RoleUser || user.Content != "Change the welcome text" {
		t.Errorf("user message = %+v", user)
	}
	if ai.Role != types.RoleAssistant || ai.Status != types.MessageDone {
		t.Errorf("ai message = %+v", ai)
	}
	if ai.Content != "Updating the greeting. done" {
		t.Errorf("ai content = %q", ai.Content)
	}
	if ai.GenerationID != "g1" || !ai.DiffData["f1"].HasChanges {
		t.Errorf("ai diff = %s %+v", ai.GenerationID, ai.DiffData)
	}

	rec, err := f.diffs.Get(ctx, "g1")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(rec.Unified, "+console.log('Welcome to vizchat')") {
		t.Errorf("unified diff:\n%s", rec.Unified)
	}

	events, err := f.events.Tail(ctx, "c1", 0)
	if err != nil {
		t.Fatal(err)
	}
	var kinds []string
	for _, ev := range events {
		kinds = append(kinds, ev.Type)
	}
	want := []string{types.EventGenerationStarted, types.EventFileEdited, types.EventGenerationCompleted}
	if strings.Join(kinds, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", kinds, want)
	}

	if f.registry.Len() != 0 {
		t.Errorf("registry still holds %d generations", f.registry.Len())
	}
	if len(f.prompts) != 1 || f.prompts[0] != "Change the welcome text" {
		t.Errorf("prompts = %v", f.prompts)
	}
}

func TestPerformAIChatSecondGenerationResetsStatus(t *testing.T) {
	f := newFixture(t, welcomeStreamer())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		resp := f.orch.PerformAIChat(ctx, "doc", []byte(`{"content":"again","chatId":"c1"}`))
		if resp.Status != http.StatusOK {
			t.Fatalf("run %d: status = %d, body %+v", i, resp.Status, resp.Body)
		}
	}
	chat := f.chat(t, "c1")
	if len(chat.Messages) != 4 {
		t.Errorf("messages = %d, want 4", len(chat.Messages))
	}
	if chat.AIStatus != types.AIDone {
		t.Errorf("ai status = %s", chat.AIStatus)
	}
}

func TestPerformAIChatRejectsInvalidRequest(t *testing.T) {
	f := newFixture(t, welcomeStreamer())

	resp := f.orch.PerformAIChat(context.Background(), "doc", []byte(`{"content":"","chatId":"c1"}`))
	if resp.Status != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.Status)
	}
	if _, ok := resp.Body.(*validate.Rejection); !ok {
		t.Errorf("body type %T", resp.Body)
	}
}

func TestPerformAIChatUnknownDocument(t *testing.T) {
	f := newFixture(t, welcomeStreamer())

	resp := f.orch.PerformAIChat(context.Background(), "missing", []byte(`{"content":"hi","chatId":"c1"}`))
	if resp.Status != http.StatusNotFound {
		t.Fatalf("status = %d", resp.Status)
	}
}

func TestPerformAIChatBusy(t *testing.T) {
	f := newFixture(t, welcomeStreamer())

	other := generation.NewToken(context.Background())
	if err := f.registry.TryRegister("c1", other); err != nil {
		t.Fatal(err)
	}
	resp := f.orch.PerformAIChat(context.Background(), "doc", []byte(`{"content":"hi","chatId":"c1"}`))
	if resp.Status != http.StatusConflict {
		t.Fatalf("status = %d", resp.Status)
	}
	if tok, ok := f.registry.Get("c1"); !ok || tok != other {
		t.Error("busy request must not replace the running generation")
	}
}

func TestStopGenerationNow(t *testing.T) {
	started := make(chan struct{})
	streamer := streamFunc(func(ctx context.Context, prompt string, tok *generation.Token) (stream.Source, error) {
		return &blockingSource{tok: tok, started: started}, nil
	})
	f := newFixture(t, streamer)

	done := make(chan Response, 1)
	go func() {
		done <- f.orch.PerformAIChat(context.Background(), "doc", []byte(`{"content":"hi","chatId":"c1"}`))
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("stream never started")
	}
	if !f.orch.StopGenerationNow("c1") {
		t.Fatal("expected a running generation")
	}

	var resp Response
	select {
	case resp = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("generation did not stop")
	}
	if resp.Status != http.StatusOK {
		t.Fatalf("status = %d, body %+v", resp.Status, resp.Body)
	}
	if res := resp.Body.(*EditResult); res.Status != StatusCancelled {
		t.Errorf("result status = %s", res.Status)
	}

	chat := f.chat(t, "c1")
	if chat.AIStatus != types.AICancelled {
		t.Errorf("ai status = %s", chat.AIStatus)
	}
	if ai := chat.Messages[len(chat.Messages)-1]; ai.Status != types.MessageDone {
		t.Errorf("assistant message left %s", ai.Status)
	}
	if f.orch.StopGenerationNow("c1") {
		t.Error("second stop should find nothing")
	}
}

func TestPerformAIEditingProviderError(t *testing.T) {
	boom := errors.New("invalid api key")
	streamer := streamFunc(func(ctx context.Context, prompt string, tok *generation.Token) (stream.Source, error) {
		return nil, boom
	})
	f := newFixture(t, streamer)

	_, err := f.orch.PerformAIEditing(context.Background(), EditRequest{DocID: "doc", ChatID: "c1", Prompt: "hi"})
	var perr *ProviderError
	if !errors.As(err, &perr) || !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}

	chat := f.chat(t, "c1")
	if chat.AIStatus != types.AIError {
		t.Errorf("ai status = %s", chat.AIStatus)
	}
	if f.registry.Len() != 0 {
		t.Error("registration not released")
	}

	events, _ := f.events.Tail(context.Background(), "c1", 1)
	if len(events) != 1 || events[0].Type != types.EventGenerationFailed {
		t.Errorf("last event = %+v", events)
	}

	resp := f.orch.PerformAIChat(context.Background(), "doc", []byte(`{"content":"hi","chatId":"c1"}`))
	if resp.Status != http.StatusInternalServerError {
		t.Errorf("status = %d", resp.Status)
	}
}

func TestPerformAIEditingRecordsSpans(t *testing.T) {
	f := newFixture(t, welcomeStreamer())

	if _, err := f.orch.PerformAIEditing(context.Background(), EditRequest{DocID: "doc", ChatID: "c1", Prompt: "hi"}); err != nil {
		t.Fatal(err)
	}

	names := map[string]bool{}
	for _, s := range f.spans.Ended() {
		names[s.Name()] = true
	}
	for _, want := range []string{"aichat.generation", "aichat.open_stream", "aichat.finalize"} {
		if !names[want] {
			t.Errorf("span %s not recorded; got %v", want, names)
		}
	}
}

func TestPerformAIChatRecoversChatPersistedMidGeneration(t *testing.T) {
	ctx := context.Background()
	snapshots := state.NewDocumentStore(t.TempDir())

	// A previous process flushed the document while c1 was streaming and
	// died before settling it.
	crashed := document.NewStore(document.WithPersister(snapshots))
	files := types.FileCollection{
		"f1": types.TextFile("index.js", "console.log('Welcome')\n"),
	}
	if _, err := crashed.Create(ctx, "doc", files); err != nil {
		t.Fatal(err)
	}
	h := crashed.Handle("doc")
	if err := chatops.EnsureChatExists(ctx, h, "c1"); err != nil {
		t.Fatal(err)
	}
	if _, err := chatops.AddUserMessage(ctx, h, "c1", "first"); err != nil {
		t.Fatal(err)
	}
	if err := chatops.SetAIStatus(ctx, h, "c1", types.AIThinking); err != nil {
		t.Fatal(err)
	}
	stale, err := chatops.CreateStreamingAIMessage(ctx, h, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if err := chatops.SetAIStatus(ctx, h, "c1", types.AIStreaming); err != nil {
		t.Fatal(err)
	}
	if err := crashed.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	f := newFixtureWithStore(t, welcomeStreamer(), document.NewStore(document.WithPersister(snapshots)))
	for i := 0; i < 2; i++ {
		resp := f.orch.PerformAIChat(ctx, "doc", []byte(`{"content":"again","chatId":"c1"}`))
		if resp.Status != http.StatusOK {
			t.Fatalf("run %d: status = %d, body %+v", i, resp.Status, resp.Body)
		}
	}

	chat := f.chat(t, "c1")
	if chat.AIStatus != types.AIDone {
		t.Errorf("ai status = %s", chat.AIStatus)
	}
	if m := chat.Message(stale); m == nil || m.Status != types.MessageDone {
		t.Errorf("stale assistant message = %+v", m)
	}
	if len(chat.Messages) != 6 {
		t.Errorf("messages = %d, want 6", len(chat.Messages))
	}
}

func TestPerformAIChatInsertsNoteLine(t *testing.T) {
	streamer := streamFunc(func(ctx context.Context, prompt string, tok *generation.Token) (stream.Source, error) {
		return stream.NewReplay(tok, stream.Result{Content: "Added a note.", GenerationID: "g1"},
			stream.Event{Kind: stream.EventToken, Text: "Added a note."},
			stream.Event{Kind: stream.EventFileEdit, File: &stream.FileEdit{
				Name: "index.js",
				Text: "// note\nconsole.log(1)",
			}},
		), nil
	})
	docs := document.NewStore()
	files := types.FileCollection{"f1": types.TextFile("index.js", "console.log(1)")}
	if _, err := docs.Create(context.Background(), "doc", files); err != nil {
		t.Fatal(err)
	}
	f := newFixtureWithStore(t, streamer, docs)

	resp := f.orch.PerformAIChat(context.Background(), "doc", []byte(`{"content":"Add a comment","chatId":"c1"}`))
	if resp.Status != http.StatusOK {
		t.Fatalf("status = %d, body %+v", resp.Status, resp.Body)
	}
	res := resp.Body.(*EditResult)
	if res.GenerationID != "g1" {
		t.Errorf("generation id = %s", res.GenerationID)
	}
	if res.Stats == nil || res.Stats.Files != 1 || res.Stats.Added != 1 || res.Stats.Removed != 0 {
		t.Errorf("stats = %+v", res.Stats)
	}

	fd := res.Diff["f1"]
	var added []string
	for _, l := range fd.Lines {
		if l.Type == types.LineAdded {
			added = append(added, l.Content)
		}
	}
	if !fd.HasChanges || len(added) != 1 || added[0] != "// note" {
		t.Errorf("diff = %+v", fd)
	}

	doc, _ := f.docs.Get(context.Background(), "doc")
	if got := doc.Files["f1"].Content(); got != "// note\nconsole.log(1)" {
		t.Errorf("file = %q", got)
	}
	if f.registry.Len() != 0 {
		t.Errorf("registry still holds %d generations", f.registry.Len())
	}
}
