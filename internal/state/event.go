// internal/state/event.go
package state

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/user/vizchat/internal/types"
)

const maxEventLine = 4 << 20

// EventStore is a JSONL-backed append-only log of generation events.
// Events are stored per chat in chats/<chatID>/events.jsonl.
type EventStore struct {
	root  string
	mu    sync.Mutex
	locks map[types.ChatID]*sync.Mutex
}

// NewEventStore creates a new file-backed EventStore rooted at the given directory.
func NewEventStore(root string) *EventStore {
	return &EventStore{
		root:  root,
		locks: make(map[types.ChatID]*sync.Mutex),
	}
}

// getLock returns the per-chat mutex, creating one if it doesn't exist.
func (e *EventStore) getLock(chatID types.ChatID) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()

	if lock, ok := e.locks[chatID]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	e.locks[chatID] = lock
	return lock
}

func (e *EventStore) eventsPath(chatID types.ChatID) string {
	return filepath.Join(e.root, "chats", string(chatID), "events.jsonl")
}

func newScanner(f *os.File) *bufio.Scanner {
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxEventLine)
	return scanner
}

// count reads the event file and counts lines. Caller must hold the chat lock.
func (e *EventStore) count(chatID types.ChatID) (int64, error) {
	f, err := os.Open(e.eventsPath(chatID))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("open events file: %w", err)
	}
	defer f.Close()

	var count int64
	scanner := newScanner(f)
	for scanner.Scan() {
		count++
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("scan events file: %w", err)
	}
	return count, nil
}

// Append adds an event to the chat's log with an auto-incremented sequence
// number. Missing ids and timestamps are filled in.
func (e *EventStore) Append(_ context.Context, event *types.Event) error {
	if err := checkID(string(event.ChatID)); err != nil {
		return err
	}
	lock := e.getLock(event.ChatID)
	lock.Lock()
	defer lock.Unlock()

	dir := filepath.Dir(e.eventsPath(event.ChatID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create chat dir: %w", err)
	}

	existing, err := e.count(event.ChatID)
	if err != nil {
		return err
	}
	event.Seq = existing + 1
	if event.ID == "" {
		event.ID = types.NewEventID()
	}
	if event.At.IsZero() {
		event.At = time.Now()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	f, err := os.OpenFile(e.eventsPath(event.ChatID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open events file: %w", err)
	}
	defer f.Close()

	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

// Tail returns the last limit events for the chat, oldest first. A limit of
// zero or less returns every event.
func (e *EventStore) Tail(_ context.Context, chatID types.ChatID, limit int) ([]*types.Event, error) {
	if err := checkID(string(chatID)); err != nil {
		return nil, err
	}
	lock := e.getLock(chatID)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.Open(e.eventsPath(chatID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open events file: %w", err)
	}
	defer f.Close()

	var events []*types.Event
	scanner := newScanner(f)
	for scanner.Scan() {
		var event types.Event
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		events = append(events, &event)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan events file: %w", err)
	}

	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}

// Count returns the number of events for the given chat.
func (e *EventStore) Count(_ context.Context, chatID types.ChatID) (int64, error) {
	if err := checkID(string(chatID)); err != nil {
		return 0, err
	}
	lock := e.getLock(chatID)
	lock.Lock()
	defer lock.Unlock()

	return e.count(chatID)
}
