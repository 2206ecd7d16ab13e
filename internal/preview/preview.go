// Package preview notifies whatever renders a document's live preview that
// its files changed.
package preview

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/user/vizchat/internal/types"
)

// Trigger refreshes the preview of a document. Callers do not wait for the
// refresh to finish.
type Trigger interface {
	Trigger(ctx context.Context, docID types.DocID)
}

// Hook is one preview refresher.
type Hook func(ctx context.Context, docID types.DocID) error

// Nop is a Trigger that does nothing.
type Nop struct{}

func (Nop) Trigger(context.Context, types.DocID) {}

// Registry fans a trigger out to every registered hook, each in its own
// goroutine. Hook errors are logged.
type Registry struct {
	mu    sync.RWMutex
	hooks map[string]Hook
	wg    sync.WaitGroup
}

// NewRegistry creates an empty preview registry.
func NewRegistry() *Registry {
	return &Registry{
		hooks: make(map[string]Hook),
	}
}

// Register adds or replaces the hook called name.
func (r *Registry) Register(name string, hook Hook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks[name] = hook
}

// Names returns the registered hook names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.hooks))
	for name := range r.hooks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Trigger starts every hook for docID. The hooks run detached from ctx's
// cancellation.
func (r *Registry) Trigger(ctx context.Context, docID types.DocID) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	detached := context.WithoutCancel(ctx)
	for name, hook := range r.hooks {
		r.wg.Add(1)
		go func(name string, hook Hook) {
			defer r.wg.Done()
			if err := hook(detached, docID); err != nil {
				slog.Warn("preview hook failed", "hook", name, "doc_id", docID, "error", err)
			}
		}(name, hook)
	}
}

// Wait blocks until every started hook has returned.
func (r *Registry) Wait() {
	r.wg.Wait()
}
