// Package document holds shared documents in memory and applies typed ops
// to them one at a time per document, so concurrent writers converge.
package document

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/user/vizchat/internal/types"
)

// DefaultLogLimit is how many applied ops a document remembers for
// transforming late collaborator edits.
const DefaultLogLimit = 1000

const subscriberBuffer = 64

// Applied is the record of one op that changed a document.
type Applied struct {
	DocID   types.DocID `json:"docId"`
	Version int64       `json:"version"`
	Op      Op          `json:"op"`
	Target  Target      `json:"target,omitempty"`
	Edits   []TextEdit  `json:"edits,omitempty"`
	Noop    bool        `json:"noop,omitempty"`
	At      time.Time   `json:"at"`
}

// Broadcaster fans applied ops out to other processes.
type Broadcaster interface {
	Publish(ctx context.Context, a Applied) error
}

type entry struct {
	mu       sync.Mutex
	doc      *types.Document
	log      []Applied
	subs     map[uint64]chan Applied
	dirty    bool
	evicted  bool
	lastUsed time.Time
}

// Store is an in-memory document store. A Persister, when set, backs
// load-on-miss, Flush and EvictIdle.
type Store struct {
	mu          sync.Mutex
	docs        map[types.DocID]*entry
	persister   types.DocumentPersister
	broadcaster Broadcaster
	logLimit    int
	nextSub     uint64
	now         func() time.Time
}

type Option func(*Store)

func WithPersister(p types.DocumentPersister) Option {
	return func(s *Store) { s.persister = p }
}

func WithBroadcaster(b Broadcaster) Option {
	return func(s *Store) { s.broadcaster = b }
}

func WithLogLimit(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.logLimit = n
		}
	}
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		docs:     make(map[types.DocID]*entry),
		logLimit: DefaultLogLimit,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create adds a new document with the given files.
func (s *Store) Create(ctx context.Context, id types.DocID, files types.FileCollection) (*types.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.docs[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDocumentExists, id)
	}
	if s.persister != nil {
		if _, err := s.persister.Load(ctx, id); err == nil {
			return nil, fmt.Errorf("%w: %s", ErrDocumentExists, id)
		} else if !errors.Is(err, types.ErrNotFound) {
			return nil, fmt.Errorf("load document %s: %w", id, err)
		}
	}

	now := s.now()
	if files == nil {
		files = make(types.FileCollection)
	}
	doc := &types.Document{
		ID:        id,
		Files:     files.Clone(),
		Chats:     make(map[types.ChatID]*types.Chat),
		UpdatedAt: now,
	}
	s.docs[id] = &entry{doc: doc, dirty: true, lastUsed: now, subs: make(map[uint64]chan Applied)}
	return doc.Clone(), nil
}

// lookup returns the entry for id, loading it from the persister on a miss.
func (s *Store) lookup(ctx context.Context, id types.DocID) (*entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.docs[id]; ok {
		return e, nil
	}
	if s.persister == nil {
		return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, id)
	}
	doc, err := s.persister.Load(ctx, id)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, id)
		}
		return nil, fmt.Errorf("load document %s: %w", id, err)
	}
	if doc.Files == nil {
		doc.Files = make(types.FileCollection)
	}
	if doc.Chats == nil {
		doc.Chats = make(map[types.ChatID]*types.Chat)
	}
	e := &entry{doc: doc, lastUsed: s.now(), subs: make(map[uint64]chan Applied)}
	s.docs[id] = e
	slog.Debug("document loaded", "doc_id", id, "version", doc.Version)
	return e, nil
}

// locked returns the live entry for id with its lock held.
func (s *Store) locked(ctx context.Context, id types.DocID) (*entry, error) {
	for {
		e, err := s.lookup(ctx, id)
		if err != nil {
			return nil, err
		}
		e.mu.Lock()
		if !e.evicted {
			return e, nil
		}
		e.mu.Unlock()
	}
}

// Get returns a deep copy of the document.
func (s *Store) Get(ctx context.Context, id types.DocID) (*types.Document, error) {
	e, err := s.locked(ctx, id)
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()
	e.lastUsed = s.now()
	return e.doc.Clone(), nil
}

// Submit validates and applies op atomically. Ops that leave the document
// unchanged succeed with Noop set and do not bump the version.
func (s *Store) Submit(ctx context.Context, id types.DocID, op Op) (Applied, error) {
	if err := op.Validate(); err != nil {
		return Applied{}, err
	}
	e, err := s.locked(ctx, id)
	if err != nil {
		return Applied{}, err
	}

	now := s.now()
	e.lastUsed = now
	ch, changed, err := apply(e.doc, op, e.log, now)
	if err != nil {
		e.mu.Unlock()
		return Applied{}, err
	}
	if !changed {
		a := Applied{DocID: id, Version: e.doc.Version, Op: op, Noop: true, At: now}
		e.mu.Unlock()
		return a, nil
	}

	e.doc.Version++
	e.doc.UpdatedAt = now
	e.dirty = true
	a := Applied{DocID: id, Version: e.doc.Version, Op: op, Target: ch.target, Edits: ch.edits, At: now}
	e.log = append(e.log, a)
	if over := len(e.log) - s.logLimit; over > 0 {
		e.log = append([]Applied(nil), e.log[over:]...)
	}
	for subID, sub := range e.subs {
		select {
		case sub <- a:
		default:
			slog.Warn("document subscriber lagging, op dropped", "doc_id", id, "subscriber", subID, "version", a.Version)
		}
	}
	e.mu.Unlock()

	if s.broadcaster != nil {
		if err := s.broadcaster.Publish(ctx, a); err != nil {
			slog.Warn("broadcast op failed", "doc_id", id, "version", a.Version, "error", err)
		}
	}
	return a, nil
}

// Subscribe streams applied ops for a document until cancel is called.
func (s *Store) Subscribe(ctx context.Context, id types.DocID) (<-chan Applied, func(), error) {
	s.mu.Lock()
	s.nextSub++
	subID := s.nextSub
	s.mu.Unlock()

	e, err := s.locked(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	ch := make(chan Applied, subscriberBuffer)
	e.subs[subID] = ch
	e.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.subs, subID)
			e.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel, nil
}

// Flush saves every document changed since the last flush.
func (s *Store) Flush(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}
	s.mu.Lock()
	entries := make([]*entry, 0, len(s.docs))
	for _, e := range s.docs {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	var errs []error
	for _, e := range entries {
		if err := s.flushEntry(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Store) flushEntry(ctx context.Context, e *entry) error {
	e.mu.Lock()
	if !e.dirty {
		e.mu.Unlock()
		return nil
	}
	snapshot := e.doc.Clone()
	e.dirty = false
	e.mu.Unlock()

	if err := s.persister.Save(ctx, snapshot); err != nil {
		e.mu.Lock()
		e.dirty = true
		e.mu.Unlock()
		return fmt.Errorf("save document %s: %w", snapshot.ID, err)
	}
	return nil
}

// EvictIdle flushes and drops documents untouched for longer than idle that
// have no subscribers. It does nothing without a persister.
func (s *Store) EvictIdle(ctx context.Context, idle time.Duration) (int, error) {
	if s.persister == nil {
		return 0, nil
	}
	cutoff := s.now().Add(-idle)

	s.mu.Lock()
	var candidates []types.DocID
	for id, e := range s.docs {
		e.mu.Lock()
		if e.lastUsed.Before(cutoff) && len(e.subs) == 0 {
			candidates = append(candidates, id)
		}
		e.mu.Unlock()
	}
	s.mu.Unlock()

	evicted := 0
	var errs []error
	for _, id := range candidates {
		s.mu.Lock()
		e, ok := s.docs[id]
		s.mu.Unlock()
		if !ok {
			continue
		}
		if err := s.flushEntry(ctx, e); err != nil {
			errs = append(errs, err)
			continue
		}

		s.mu.Lock()
		e.mu.Lock()
		if !e.dirty && e.lastUsed.Before(cutoff) && len(e.subs) == 0 {
			e.evicted = true
			delete(s.docs, id)
			evicted++
		}
		e.mu.Unlock()
		s.mu.Unlock()
	}
	if evicted > 0 {
		slog.Info("evicted idle documents", "count", evicted)
	}
	return evicted, errors.Join(errs...)
}

// Len returns the number of documents held in memory.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docs)
}

// Handle binds the store to one document.
func (s *Store) Handle(id types.DocID) *Handle {
	return &Handle{store: s, id: id}
}

// Handle is the per-document view used by chat operations.
type Handle struct {
	store *Store
	id    types.DocID
}

func (h *Handle) ID() types.DocID {
	return h.id
}

// Snapshot returns a deep copy of the current document.
func (h *Handle) Snapshot(ctx context.Context) (*types.Document, error) {
	return h.store.Get(ctx, h.id)
}

func (h *Handle) Submit(ctx context.Context, op Op) (Applied, error) {
	return h.store.Submit(ctx, h.id, op)
}
