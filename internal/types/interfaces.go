// internal/types/interfaces.go
package types

import (
	"context"
	"errors"
)

// ErrNotFound is wrapped by stores when a record does not exist.
var ErrNotFound = errors.New("not found")

type EventStore interface {
	Append(ctx context.Context, event *Event) error
	Tail(ctx context.Context, chatID ChatID, limit int) ([]*Event, error)
	Count(ctx context.Context, chatID ChatID) (int64, error)
}

type DiffStore interface {
	Put(ctx context.Context, record *DiffRecord) error
	Get(ctx context.Context, id GenerationID) (*DiffRecord, error)
}

// DocumentPersister loads and saves whole documents for the in-memory store.
type DocumentPersister interface {
	Load(ctx context.Context, id DocID) (*Document, error)
	Save(ctx context.Context, doc *Document) error
	List(ctx context.Context) ([]DocID, error)
}
