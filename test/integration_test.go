//go:build integration

package test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/user/vizchat/internal/aichat"
	"github.com/user/vizchat/internal/api"
	"github.com/user/vizchat/internal/document"
	"github.com/user/vizchat/internal/gateway"
	"github.com/user/vizchat/internal/generation"
	"github.com/user/vizchat/internal/preview"
	"github.com/user/vizchat/internal/prompt"
	"github.com/user/vizchat/internal/scheduler"
	"github.com/user/vizchat/internal/state"
	"github.com/user/vizchat/internal/stream"
	"github.com/user/vizchat/internal/types"
	"github.com/user/vizchat/pkg/llm"
)

const answer = "Updating the heading.\n\n**index.html**\n```html\n<h1>Welcome to the team</h1>\n```\n"

// scriptedProvider streams a fixed answer in small chunks.
type scriptedProvider struct {
	mu      sync.Mutex
	prompts []string
}

func (p *scriptedProvider) Complete(ctx context.Context, messages []llm.Message) (*llm.Response, error) {
	p.record(messages)
	return &llm.Response{ID: "gen-complete", Content: answer}, nil
}

func (p *scriptedProvider) Stream(ctx context.Context, messages []llm.Message) (<-chan llm.Delta, error) {
	p.record(messages)
	ch := make(chan llm.Delta)
	go func() {
		defer close(ch)
		for i := 0; i < len(answer); i += 5 {
			end := min(i+5, len(answer))
			select {
			case ch <- llm.Delta{ID: "gen-stream", Content: answer[i:end]}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (p *scriptedProvider) record(messages []llm.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prompts = append(p.prompts, messages[len(messages)-1].Content)
}

func TestEndToEnd(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mr := miniredis.RunT(t)
	broadcaster, err := document.NewRedisBroadcaster(ctx, document.RedisConfig{Addr: mr.Addr()})
	if err != nil {
		t.Fatal(err)
	}
	defer broadcaster.Close()

	events := state.NewEventStore(dir)
	diffs := state.NewDiffStore(dir)
	snapshots := state.NewDocumentStore(dir)
	docs := document.NewStore(document.WithPersister(snapshots), document.WithBroadcaster(broadcaster))

	engine, err := prompt.New("gpt-4o-mini", 128000, 4096)
	if err != nil {
		t.Fatal(err)
	}

	gw := gateway.New(2)
	gw.Start(ctx)
	defer gw.Stop()

	var previewed sync.WaitGroup
	previewed.Add(1)
	previews := preview.NewRegistry()
	previews.Register("test", func(ctx context.Context, docID types.DocID) error {
		previewed.Done()
		return nil
	})

	provider := &scriptedProvider{}
	registry := generation.NewRegistry()
	orch := aichat.New(aichat.Deps{
		Docs:        docs,
		Registry:    registry,
		Gateway:     gw,
		Streamer:    stream.NewAdapter(llm.NewBreaker(provider, llm.BreakerConfig{}), true),
		Prompts:     engine,
		Events:      events,
		Diffs:       diffs,
		Preview:     previews,
		BaseContext: ctx,
	})

	srv := httptest.NewServer(api.NewServer(docs, orch, events, diffs, api.RateLimit{Limit: 10, Burst: 10}))
	defer srv.Close()

	// Collaborators on other processes see every applied op through redis.
	var (
		remoteMu  sync.Mutex
		remoteOps []document.Applied
	)
	go broadcaster.Listen(ctx, "doc-1", func(a document.Applied) {
		remoteMu.Lock()
		remoteOps = append(remoteOps, a)
		remoteMu.Unlock()
	})
	channel := broadcaster.Channel("doc-1")
	for deadline := time.Now().Add(5 * time.Second); mr.PubSubNumSub(channel)[channel] == 0; {
		if time.Now().After(deadline) {
			t.Fatal("redis listener did not subscribe")
		}
		time.Sleep(10 * time.Millisecond)
	}

	put(t, srv.URL+"/api/docs/doc-1", `{"files":{"f1":{"name":"index.html","text":"<h1>Welcome</h1>\n"}}}`, http.StatusCreated)

	body := post(t, srv.URL+"/api/docs/doc-1/ai-chat", `{"content":"Make the heading friendlier","chatId":"chat-1"}`, http.StatusOK)
	var res aichat.EditResult
	if err := json.Unmarshal(body, &res); err != nil {
		t.Fatal(err)
	}
	if res.Status != aichat.StatusDone || res.GenerationID != "gen-stream" {
		t.Fatalf("result = %+v", res)
	}
	if res.Stats == nil || res.Stats.Files != 1 {
		t.Errorf("stats = %+v", res.Stats)
	}

	doc, err := docs.Get(ctx, "doc-1")
	if err != nil {
		t.Fatal(err)
	}
	if got := doc.Files["f1"].Content(); got != "<h1>Welcome to the team</h1>\n" {
		t.Errorf("index.html = %q", got)
	}
	chat := doc.Chats["chat-1"]
	if chat.AIStatus != types.AIDone {
		t.Errorf("ai status = %s", chat.AIStatus)
	}
	if ai := chat.Messages[1]; ai.Content != answer || ai.Status != types.MessageDone {
		t.Errorf("assistant message = %+v", ai)
	}

	if len(provider.prompts) != 1 || !strings.Contains(provider.prompts[0], "<h1>Welcome</h1>") ||
		!strings.Contains(provider.prompts[0], "Make the heading friendlier") {
		t.Errorf("prompt did not carry files and request: %v", provider.prompts)
	}

	waitGroup(t, &previewed)

	unified := get(t, srv.URL+"/api/generations/gen-stream/diff?format=unified")
	if !strings.Contains(string(unified), "+<h1>Welcome to the team</h1>") {
		t.Errorf("unified diff:\n%s", unified)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		remoteMu.Lock()
		n := len(remoteOps)
		last := document.Applied{}
		if n > 0 {
			last = remoteOps[n-1]
		}
		remoteMu.Unlock()
		if last.Version == doc.Version {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("redis saw %d ops, last version %d, want %d", n, last.Version, doc.Version)
		}
		time.Sleep(20 * time.Millisecond)
	}

	// The janitor flush persists the document.
	jobs := scheduler.Janitor(registry, docs, scheduler.JanitorConfig{FlushSchedule: "@every 1m"})
	for _, job := range jobs {
		if job.Name == "flush-documents" {
			if err := job.Run(ctx); err != nil {
				t.Fatal(err)
			}
		}
	}
	saved, err := snapshots.Load(ctx, "doc-1")
	if err != nil {
		t.Fatal(err)
	}
	if saved.Version != doc.Version {
		t.Errorf("saved version %d, want %d", saved.Version, doc.Version)
	}

	if registry.Len() != 0 {
		t.Errorf("registry holds %d generations after completion", registry.Len())
	}
}

func waitGroup(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("preview hook not called")
	}
}

func put(t *testing.T, url, body string, want int) []byte {
	t.Helper()
	req, err := http.NewRequest(http.MethodPut, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	return send(t, req, want)
}

func post(t *testing.T, url, body string, want int) []byte {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	return send(t, req, want)
}

func get(t *testing.T, url string) []byte {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	return send(t, req, http.StatusOK)
}

func send(t *testing.T, req *http.Request, want int) []byte {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var buf strings.Builder
	if _, err := io.Copy(&buf, resp.Body); err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != want {
		t.Fatalf("%s %s: status %d, want %d: %s", req.Method, req.URL, resp.StatusCode, want, buf.String())
	}
	return []byte(buf.String())
}
