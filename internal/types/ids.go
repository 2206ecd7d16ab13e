// internal/types/ids.go
package types

import (
	"github.com/google/uuid"
)

type DocID string
type ChatID string
type MessageID string
type FileID string
type GenerationID string
type RunID string
type EventID string

func NewDocID() DocID {
	return DocID(uuid.New().String())
}

func NewChatID() ChatID {
	return ChatID(uuid.New().String())
}

func NewMessageID() MessageID {
	return MessageID(uuid.New().String())
}

// NewFileID returns a short random file identifier. File ids only need to be
// unique within one document.
func NewFileID() FileID {
	return FileID(uuid.New().String()[:8])
}

func NewGenerationID() GenerationID {
	return GenerationID(uuid.New().String())
}

func NewRunID() RunID {
	return RunID(uuid.New().String())
}

func NewEventID() EventID {
	return EventID(uuid.New().String())
}
