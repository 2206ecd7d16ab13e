// Package chatops implements the chat and file mutations the AI pipeline
// performs on a shared document. Each call submits one small op and relies
// on the document store to merge it with concurrent edits.
package chatops

import (
	"context"
	"fmt"

	"github.com/user/vizchat/internal/document"
	"github.com/user/vizchat/internal/types"
)

// Doc is the view of a shared document the operations need.
type Doc interface {
	Snapshot(ctx context.Context) (*types.Document, error)
	Submit(ctx context.Context, op document.Op) (document.Applied, error)
}

var _ Doc = (*document.Handle)(nil)

// EnsureChatExists creates the chat if it is absent.
func EnsureChatExists(ctx context.Context, doc Doc, chatID types.ChatID) error {
	if _, err := doc.Submit(ctx, document.EnsureChat(chatID)); err != nil {
		return fmt.Errorf("ensure chat %s: %w", chatID, err)
	}
	return nil
}

// AddUserMessage appends a user message and returns its id.
func AddUserMessage(ctx context.Context, doc Doc, chatID types.ChatID, content string) (types.MessageID, error) {
	op := document.AddUserMessage(chatID, content)
	if _, err := doc.Submit(ctx, op); err != nil {
		return "", fmt.Errorf("add user message: %w", err)
	}
	return op.MessageID, nil
}

// CreateStreamingAIMessage appends an empty assistant message in the
// streaming state.
func CreateStreamingAIMessage(ctx context.Context, doc Doc, chatID types.ChatID) (types.MessageID, error) {
	op := document.CreateAIMessage(chatID)
	if _, err := doc.Submit(ctx, op); err != nil {
		return "", fmt.Errorf("create ai message: %w", err)
	}
	return op.MessageID, nil
}

// ContentUpdate is either a delta appended to a message or its full new
// content.
type ContentUpdate struct {
	Text string
	Full bool
}

func Delta(text string) ContentUpdate {
	return ContentUpdate{Text: text}
}

func Full(text string) ContentUpdate {
	return ContentUpdate{Text: text, Full: true}
}

// UpdateAIMessageContent changes a streaming message's content. Both forms
// are applied as positional edits.
func UpdateAIMessageContent(ctx context.Context, doc Doc, chatID types.ChatID, msgID types.MessageID, u ContentUpdate) error {
	op := document.AppendMessageContent(chatID, msgID, u.Text)
	if u.Full {
		op = document.SetMessageContent(chatID, msgID, u.Text)
	}
	if _, err := doc.Submit(ctx, op); err != nil {
		return fmt.Errorf("update ai message %s: %w", msgID, err)
	}
	return nil
}

func SetAIStatus(ctx context.Context, doc Doc, chatID types.ChatID, status types.AIStatus) error {
	if _, err := doc.Submit(ctx, document.SetAIStatus(chatID, status)); err != nil {
		return fmt.Errorf("set ai status %s: %w", status, err)
	}
	return nil
}

func UpdateAIScratchpad(ctx context.Context, doc Doc, chatID types.ChatID, text string) error {
	if _, err := doc.Submit(ctx, document.SetScratchpad(chatID, text)); err != nil {
		return fmt.Errorf("update scratchpad: %w", err)
	}
	return nil
}

// ClearAIScratchpadAndStatus returns a finished chat to idle.
func ClearAIScratchpadAndStatus(ctx context.Context, doc Doc, chatID types.ChatID) error {
	if _, err := doc.Submit(ctx, document.ClearScratchpadAndStatus(chatID)); err != nil {
		return fmt.Errorf("clear scratchpad and status: %w", err)
	}
	return nil
}

// AddDiffToAIMessage attaches the final diff. A message takes one diff.
func AddDiffToAIMessage(ctx context.Context, doc Doc, chatID types.ChatID, msgID types.MessageID, genID types.GenerationID, diff types.FilesDiff) error {
	if _, err := doc.Submit(ctx, document.AttachDiff(chatID, msgID, genID, diff)); err != nil {
		return fmt.Errorf("attach diff to %s: %w", msgID, err)
	}
	return nil
}

// FinalizeStreamingMessage marks a message done. Finalizing twice is a no-op.
func FinalizeStreamingMessage(ctx context.Context, doc Doc, chatID types.ChatID, msgID types.MessageID) error {
	if _, err := doc.Submit(ctx, document.FinalizeMessage(chatID, msgID)); err != nil {
		return fmt.Errorf("finalize message %s: %w", msgID, err)
	}
	return nil
}

// PartialFile holds the fields of a file to change. Nil fields are kept.
type PartialFile struct {
	Name *string
	Text *string
}

// UpdateFiles changes one file in place. Its id never changes.
func UpdateFiles(ctx context.Context, doc Doc, fileID types.FileID, partial PartialFile) error {
	if _, err := doc.Submit(ctx, document.UpdateFile(fileID, partial.Name, partial.Text)); err != nil {
		return fmt.Errorf("update file %s: %w", fileID, err)
	}
	return nil
}

// CreateNewFile adds a file and returns its new id.
func CreateNewFile(ctx context.Context, doc Doc, name, text string) (types.FileID, error) {
	op := document.CreateFile(name, text)
	if _, err := doc.Submit(ctx, op); err != nil {
		return "", fmt.Errorf("create file %s: %w", name, err)
	}
	return op.FileID, nil
}

// ResolveFileID finds the file currently called name.
func ResolveFileID(ctx context.Context, doc Doc, name string) (types.FileID, bool, error) {
	snap, err := doc.Snapshot(ctx)
	if err != nil {
		return "", false, fmt.Errorf("snapshot: %w", err)
	}
	id, ok := snap.Files.FindByName(name)
	return id, ok, nil
}

// WriteFile replaces the text of the file called name, creating it when no
// such file exists. It reports whether the file was created.
func WriteFile(ctx context.Context, doc Doc, name, text string) (types.FileID, bool, error) {
	id, ok, err := ResolveFileID(ctx, doc, name)
	if err != nil {
		return "", false, err
	}
	if ok {
		return id, false, UpdateFiles(ctx, doc, id, PartialFile{Text: &text})
	}
	id, err = CreateNewFile(ctx, doc, name, text)
	return id, err == nil, err
}

// Files returns a copy of the document's files.
func Files(ctx context.Context, doc Doc) (types.FileCollection, error) {
	snap, err := doc.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	return snap.Files, nil
}

// ChatState returns a copy of one chat.
func ChatState(ctx context.Context, doc Doc, chatID types.ChatID) (*types.Chat, error) {
	snap, err := doc.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	chat, ok := snap.Chats[chatID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", document.ErrChatNotFound, chatID)
	}
	return chat, nil
}

// ResetForGeneration moves a chat back to idle so the next generation can
// start at thinking. The caller must hold the chat's generation
// registration, so a chat still thinking or streaming belongs to a
// generation that died with its process. Such a chat is moved to error and
// its streaming messages are finalized first. It reports whether it
// recovered an orphaned generation.
func ResetForGeneration(ctx context.Context, doc Doc, chatID types.ChatID) (bool, error) {
	chat, err := ChatState(ctx, doc, chatID)
	if err != nil {
		return false, err
	}
	status := chat.AIStatus.Normalize()
	orphaned := status == types.AIThinking || status == types.AIStreaming
	if orphaned {
		if err := SetAIStatus(ctx, doc, chatID, types.AIError); err != nil {
			return false, err
		}
		for _, m := range chat.Messages {
			if m.Role != types.RoleAssistant || m.Status != types.MessageStreaming {
				continue
			}
			if err := FinalizeStreamingMessage(ctx, doc, chatID, m.ID); err != nil {
				return false, err
			}
		}
		status = types.AIError
	}
	if status.Terminal() || (chat.AIScratchpad != "" && status == types.AIIdle) {
		return orphaned, ClearAIScratchpadAndStatus(ctx, doc, chatID)
	}
	return orphaned, nil
}
