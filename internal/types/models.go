// internal/types/models.go
package types

import (
	"encoding/json"
	"sort"
	"time"
)

// File is one entry of a FileCollection. A nil Text marks a directory.
type File struct {
	Name string  `json:"name"`
	Text *string `json:"text"`
}

// IsDir reports whether the file is a directory placeholder.
func (f File) IsDir() bool {
	return f.Text == nil
}

// Content returns the file text, or "" for directories.
func (f File) Content() string {
	if f.Text == nil {
		return ""
	}
	return *f.Text
}

// Clone returns a copy that shares no memory with f.
func (f File) Clone() File {
	out := File{Name: f.Name}
	if f.Text != nil {
		text := *f.Text
		out.Text = &text
	}
	return out
}

// TextFile builds a regular file record.
func TextFile(name, text string) File {
	return File{Name: name, Text: &text}
}

// Dir builds a directory placeholder record.
func Dir(name string) File {
	return File{Name: name}
}

// FileCollection maps stable file ids to file records. Renames change the
// record's Name, never its key.
type FileCollection map[FileID]File

// Clone deep-copies the collection.
func (fc FileCollection) Clone() FileCollection {
	out := make(FileCollection, len(fc))
	for id, f := range fc {
		out[id] = f.Clone()
	}
	return out
}

// IDs returns the file ids in sorted order.
func (fc FileCollection) IDs() []FileID {
	ids := make([]FileID, 0, len(fc))
	for id := range fc {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// FindByName returns the id of the first non-directory file (in id order)
// with the given name.
func (fc FileCollection) FindByName(name string) (FileID, bool) {
	for _, id := range fc.IDs() {
		if f := fc[id]; f.Name == name && !f.IsDir() {
			return id, true
		}
	}
	return "", false
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type MessageStatus string

const (
	MessageStreaming MessageStatus = "streaming"
	MessageDone      MessageStatus = "done"
)

// Message is one entry of a chat. Assistant messages start empty in the
// streaming state and receive their diff only when finalized.
type Message struct {
	ID           MessageID     `json:"id"`
	Role         Role          `json:"role"`
	Content      string        `json:"content"`
	Status       MessageStatus `json:"status,omitempty"`
	DiffData     FilesDiff     `json:"diffData,omitempty"`
	GenerationID GenerationID  `json:"generationId,omitempty"`
	Timestamp    time.Time     `json:"timestamp"`
}

// Chat is the per-conversation state held inside a document.
type Chat struct {
	ID           ChatID    `json:"id"`
	Messages     []Message `json:"messages"`
	AIStatus     AIStatus  `json:"aiStatus"`
	AIScratchpad string    `json:"aiScratchpad,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Clone deep-copies the chat, including message diffs.
func (c *Chat) Clone() *Chat {
	out := *c
	out.Messages = make([]Message, len(c.Messages))
	for i, m := range c.Messages {
		out.Messages[i] = m
		if m.DiffData != nil {
			out.Messages[i].DiffData = m.DiffData.Clone()
		}
	}
	return &out
}

// Message returns a pointer to the message with the given id, or nil.
func (c *Chat) Message(id MessageID) *Message {
	for i := range c.Messages {
		if c.Messages[i].ID == id {
			return &c.Messages[i]
		}
	}
	return nil
}

// Document is the shared, concurrently edited unit: the file set plus the
// chats attached to it.
type Document struct {
	ID        DocID            `json:"id"`
	Version   int64            `json:"version"`
	Files     FileCollection   `json:"files"`
	Chats     map[ChatID]*Chat `json:"chats"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// Clone deep-copies the document.
func (d *Document) Clone() *Document {
	out := &Document{
		ID:        d.ID,
		Version:   d.Version,
		Files:     d.Files.Clone(),
		Chats:     make(map[ChatID]*Chat, len(d.Chats)),
		UpdatedAt: d.UpdatedAt,
	}
	for id, c := range d.Chats {
		out.Chats[id] = c.Clone()
	}
	return out
}

type LineType string

const (
	LineContext LineType = "context"
	LineAdded   LineType = "added"
	LineRemoved LineType = "removed"
)

// DiffLine is one rendered line of a FileDiff. Elided is non-zero only on an
// elision marker and counts the unchanged lines it stands for.
type DiffLine struct {
	Type    LineType `json:"type"`
	Content string   `json:"content"`
	Elided  int      `json:"elided,omitempty"`
}

type FileStatus string

const (
	FileAdded     FileStatus = "added"
	FileRemoved   FileStatus = "removed"
	FileModified  FileStatus = "modified"
	FileUnchanged FileStatus = "unchanged"
)

// FileDiff describes the line changes of one file between two snapshots.
type FileDiff struct {
	FileID     FileID     `json:"fileId"`
	FileName   string     `json:"fileName"`
	Status     FileStatus `json:"status,omitempty"`
	HasChanges bool       `json:"hasChanges"`
	Lines      []DiffLine `json:"lines"`

	// Before and After keep the raw texts for unified rendering.
	Before string `json:"-"`
	After  string `json:"-"`
}

// FilesDiff maps file ids to their diffs.
type FilesDiff map[FileID]FileDiff

// Clone copies the diff map and its line slices.
func (fd FilesDiff) Clone() FilesDiff {
	out := make(FilesDiff, len(fd))
	for id, d := range fd {
		d.Lines = append([]DiffLine(nil), d.Lines...)
		out[id] = d
	}
	return out
}

// Event is one entry of a chat's generation history.
type Event struct {
	ID           EventID         `json:"id"`
	ChatID       ChatID          `json:"chat_id"`
	DocID        DocID           `json:"doc_id,omitempty"`
	RunID        RunID           `json:"run_id,omitempty"`
	GenerationID GenerationID    `json:"generation_id,omitempty"`
	Seq          int64           `json:"seq"`
	Type         string          `json:"type"`
	At           time.Time       `json:"at"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// Event types recorded by the orchestrator.
const (
	EventGenerationStarted   = "generation_started"
	EventGenerationCompleted = "generation_completed"
	EventGenerationCancelled = "generation_cancelled"
	EventGenerationFailed    = "generation_failed"
	EventFileEdited          = "file_edited"
)

// DiffRecord is the stored form of a generation's diff.
type DiffRecord struct {
	GenerationID GenerationID `json:"generation_id"`
	DocID        DocID        `json:"doc_id"`
	ChatID       ChatID       `json:"chat_id"`
	MessageID    MessageID    `json:"message_id"`
	CreatedAt    time.Time    `json:"created_at"`
	Diff         FilesDiff    `json:"diff"`
	Unified      string       `json:"unified"`
}
