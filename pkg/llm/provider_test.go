package llm

import (
	"context"
	"errors"
	"testing"
)

// MockProvider is a test double that satisfies the Provider interface.
type MockProvider struct {
	CompleteFunc func(ctx context.Context, messages []Message) (*Response, error)
	StreamFunc   func(ctx context.Context, messages []Message) (<-chan Delta, error)
}

func (m *MockProvider) Complete(ctx context.Context, messages []Message) (*Response, error) {
	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, messages)
	}
	return &Response{Content: "mock response"}, nil
}

func (m *MockProvider) Stream(ctx context.Context, messages []Message) (<-chan Delta, error) {
	if m.StreamFunc != nil {
		return m.StreamFunc(ctx, messages)
	}
	ch := make(chan Delta, 1)
	ch <- Delta{Content: "mock stream"}
	close(ch)
	return ch, nil
}

func TestProviderInterface(t *testing.T) {
	var provider Provider = &MockProvider{}
	ctx := context.Background()
	messages := []Message{{Role: "user", Content: "test"}}

	resp, err := provider.Complete(ctx, messages)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content == "" {
		t.Error("expected non-empty response")
	}

	stream, err := provider.Stream(ctx, messages)
	if err != nil {
		t.Fatal(err)
	}
	delta := <-stream
	if delta.Content == "" {
		t.Error("expected non-empty delta")
	}
}

func TestBreakerPassesThrough(t *testing.T) {
	b := NewBreaker(&MockProvider{}, BreakerConfig{})
	resp, err := b.Complete(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "mock response" {
		t.Errorf("expected mock response, got %q", resp.Content)
	}
	ch, err := b.Stream(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if d := <-ch; d.Content != "mock stream" {
		t.Errorf("expected mock stream, got %q", d.Content)
	}
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	calls := 0
	mock := &MockProvider{
		CompleteFunc: func(ctx context.Context, messages []Message) (*Response, error) {
			calls++
			return nil, errors.New("connection refused")
		},
	}
	b := NewBreaker(mock, BreakerConfig{FailureThreshold: 2})

	for i := 0; i < 2; i++ {
		if _, err := b.Complete(context.Background(), nil); err == nil {
			t.Fatal("expected provider error")
		}
	}
	_, err := b.Complete(context.Background(), nil)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
	if calls != 2 {
		t.Errorf("expected breaker to short-circuit the third call, got %d calls", calls)
	}
	if b.State() != "open" {
		t.Errorf("expected open state, got %s", b.State())
	}
}

func TestBreakerIgnoresCancellation(t *testing.T) {
	mock := &MockProvider{
		CompleteFunc: func(ctx context.Context, messages []Message) (*Response, error) {
			return nil, context.Canceled
		},
	}
	b := NewBreaker(mock, BreakerConfig{FailureThreshold: 1})
	for i := 0; i < 3; i++ {
		_, err := b.Complete(context.Background(), nil)
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	}
	if b.State() != "closed" {
		t.Errorf("expected closed state, got %s", b.State())
	}
}
