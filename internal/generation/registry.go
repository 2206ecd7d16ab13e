package generation

import (
	"log/slog"
	"sync"
	"time"

	"github.com/user/vizchat/internal/types"
)

// Registry maps chat ids to their active generation token. One Registry is
// created per process and shared by the orchestrator and HTTP handlers.
type Registry struct {
	mu     sync.Mutex
	tokens map[types.ChatID]*Token
}

func NewRegistry() *Registry {
	return &Registry{tokens: make(map[types.ChatID]*Token)}
}

// Register stores tok for chatID, replacing any existing entry, and returns
// the replaced token (nil if none). The replaced token is not cancelled.
func (r *Registry) Register(chatID types.ChatID, tok *Token) *Token {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.tokens[chatID]
	r.tokens[chatID] = tok
	return prev
}

// TryRegister stores tok only if chatID has no live generation.
func (r *Registry) TryRegister(chatID types.ChatID, tok *Token) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.tokens[chatID]; ok && !cur.Cancelled() {
		return ErrGenerationActive
	}
	r.tokens[chatID] = tok
	return nil
}

// Deregister removes the entry for chatID. Removing an absent entry is a no-op.
func (r *Registry) Deregister(chatID types.ChatID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tokens, chatID)
}

// Release removes the entry for chatID only if it still holds tok, so a
// finished run never clears a newer generation.
func (r *Registry) Release(chatID types.ChatID, tok *Token) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tokens[chatID] != tok {
		return false
	}
	delete(r.tokens, chatID)
	return true
}

// StopNow cancels and removes the generation for chatID. It reports whether
// a generation was found; stopping an unknown chat is not an error.
func (r *Registry) StopNow(chatID types.ChatID) bool {
	r.mu.Lock()
	tok, ok := r.tokens[chatID]
	delete(r.tokens, chatID)
	r.mu.Unlock()

	if !ok {
		return false
	}
	tok.Cancel()
	return true
}

// Get returns the token registered for chatID.
func (r *Registry) Get(chatID types.ChatID) (*Token, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tok, ok := r.tokens[chatID]
	return tok, ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tokens)
}

// Sweep cancels and removes generations older than maxAge and returns the
// affected chat ids.
func (r *Registry) Sweep(maxAge time.Duration) []types.ChatID {
	cutoff := time.Now().Add(-maxAge)

	r.mu.Lock()
	var stale []*Token
	var chats []types.ChatID
	for chatID, tok := range r.tokens {
		if tok.CreatedAt().Before(cutoff) {
			stale = append(stale, tok)
			chats = append(chats, chatID)
			delete(r.tokens, chatID)
		}
	}
	r.mu.Unlock()

	for i, tok := range stale {
		slog.Warn("cancelling stale generation", "chat_id", string(chats[i]), "age", time.Since(tok.CreatedAt()))
		tok.CancelWithCause(ErrTimedOut)
	}
	return chats
}
