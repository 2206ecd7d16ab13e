package document

import (
	"fmt"
	"time"

	"github.com/user/vizchat/internal/types"
)

// change is the outcome of applying one op. Text-bearing ops record the
// positional edits they resolved to.
type change struct {
	target Target
	edits  []TextEdit
}

// apply mutates doc in place. It returns ok=false when op leaves the document
// unchanged. All checks run before the first mutation.
func apply(doc *types.Document, op Op, log []Applied, now time.Time) (change, bool, error) {
	switch op.Type {
	case OpEnsureChat:
		if _, ok := doc.Chats[op.ChatID]; ok {
			return change{}, false, nil
		}
		if doc.Chats == nil {
			doc.Chats = make(map[types.ChatID]*types.Chat)
		}
		doc.Chats[op.ChatID] = &types.Chat{
			ID:        op.ChatID,
			Messages:  []types.Message{},
			AIStatus:  types.AIIdle,
			CreatedAt: now,
			UpdatedAt: now,
		}
		return change{}, true, nil

	case OpAddUserMessage, OpCreateAIMessage:
		chat, err := chatOf(doc, op.ChatID)
		if err != nil {
			return change{}, false, err
		}
		if chat.Message(op.MessageID) != nil {
			return change{}, false, nil
		}
		msg := types.Message{ID: op.MessageID, Timestamp: now}
		if op.Type == OpAddUserMessage {
			msg.Role = types.RoleUser
			msg.Content = op.Content
			msg.Status = types.MessageDone
		} else {
			msg.Role = types.RoleAssistant
			msg.Status = types.MessageStreaming
		}
		chat.Messages = append(chat.Messages, msg)
		chat.UpdatedAt = now
		return change{}, true, nil

	case OpAppendMessageContent, OpSetMessageContent:
		chat, msg, err := streamingMessage(doc, op.ChatID, op.MessageID)
		if err != nil {
			return change{}, false, err
		}
		var edits []TextEdit
		if op.Type == OpAppendMessageContent {
			if op.Content != "" {
				edits = []TextEdit{AppendEdit(msg.Content, op.Content)}
			}
		} else {
			edits = DiffEdits(msg.Content, op.Content)
		}
		if len(edits) == 0 {
			return change{}, false, nil
		}
		text, err := Apply(msg.Content, edits)
		if err != nil {
			return change{}, false, err
		}
		msg.Content = text
		chat.UpdatedAt = now
		return change{target: MessageTarget(op.ChatID, op.MessageID), edits: edits}, true, nil

	case OpSetAIStatus:
		chat, err := chatOf(doc, op.ChatID)
		if err != nil {
			return change{}, false, err
		}
		from := chat.AIStatus.Normalize()
		if from == op.Status {
			return change{}, false, nil
		}
		if !from.CanTransitionTo(op.Status) {
			return change{}, false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, op.Status)
		}
		chat.AIStatus = op.Status
		chat.UpdatedAt = now
		return change{}, true, nil

	case OpSetScratchpad:
		chat, err := chatOf(doc, op.ChatID)
		if err != nil {
			return change{}, false, err
		}
		if chat.AIScratchpad == op.Content {
			return change{}, false, nil
		}
		chat.AIScratchpad = op.Content
		chat.UpdatedAt = now
		return change{}, true, nil

	case OpClearScratchpadAndStatus:
		chat, err := chatOf(doc, op.ChatID)
		if err != nil {
			return change{}, false, err
		}
		from := chat.AIStatus.Normalize()
		if from == types.AIIdle && chat.AIScratchpad == "" {
			return change{}, false, nil
		}
		if !from.CanTransitionTo(types.AIIdle) {
			return change{}, false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, types.AIIdle)
		}
		chat.AIStatus = types.AIIdle
		chat.AIScratchpad = ""
		chat.UpdatedAt = now
		return change{}, true, nil

	case OpAttachDiff:
		chat, msg, err := streamingMessage(doc, op.ChatID, op.MessageID)
		if err != nil {
			return change{}, false, err
		}
		if msg.DiffData != nil {
			return change{}, false, fmt.Errorf("%w: message %s", ErrDiffAttached, op.MessageID)
		}
		msg.DiffData = op.Diff.Clone()
		msg.GenerationID = op.GenerationID
		chat.UpdatedAt = now
		return change{}, true, nil

	case OpFinalizeMessage:
		chat, err := chatOf(doc, op.ChatID)
		if err != nil {
			return change{}, false, err
		}
		msg := chat.Message(op.MessageID)
		if msg == nil {
			return change{}, false, fmt.Errorf("%w: %s", ErrMessageNotFound, op.MessageID)
		}
		if msg.Status == types.MessageDone {
			return change{}, false, nil
		}
		msg.Status = types.MessageDone
		chat.UpdatedAt = now
		return change{}, true, nil

	case OpUpdateFile:
		return updateFile(doc, op)

	case OpCreateFile:
		if existing, ok := doc.Files[op.FileID]; ok {
			if existing.Name == *op.Name && existing.Content() == deref(op.Text) {
				return change{}, false, nil
			}
			return change{}, false, fmt.Errorf("%w: id %s", ErrFileExists, op.FileID)
		}
		if _, ok := doc.Files.FindByName(*op.Name); ok {
			return change{}, false, fmt.Errorf("%w: %s", ErrFileExists, *op.Name)
		}
		if doc.Files == nil {
			doc.Files = make(types.FileCollection)
		}
		text := deref(op.Text)
		doc.Files[op.FileID] = types.TextFile(*op.Name, text)
		var edits []TextEdit
		if text != "" {
			edits = []TextEdit{{Pos: 0, Ins: text}}
		}
		return change{target: FileTarget(op.FileID), edits: edits}, true, nil

	case OpEditText:
		return editText(doc, op, log)
	}
	return change{}, false, fmt.Errorf("%w: %q", ErrUnknownOp, op.Type)
}

func updateFile(doc *types.Document, op Op) (change, bool, error) {
	f, ok := doc.Files[op.FileID]
	if !ok {
		return change{}, false, fmt.Errorf("%w: %s", ErrFileNotFound, op.FileID)
	}
	updated := f.Clone()
	var edits []TextEdit
	if op.Name != nil {
		updated.Name = *op.Name
	}
	if op.Text != nil {
		edits = DiffEdits(f.Content(), *op.Text)
		text := *op.Text
		updated.Text = &text
	}
	if updated.Name == f.Name && len(edits) == 0 && f.IsDir() == updated.IsDir() {
		return change{}, false, nil
	}
	doc.Files[op.FileID] = updated
	return change{target: FileTarget(op.FileID), edits: edits}, true, nil
}

func editText(doc *types.Document, op Op, log []Applied) (change, bool, error) {
	if op.BaseVersion > doc.Version {
		return change{}, false, fmt.Errorf("%w: base %d, document %d", ErrFutureVersion, op.BaseVersion, doc.Version)
	}
	if oldest := doc.Version - int64(len(log)); op.BaseVersion < oldest {
		return change{}, false, fmt.Errorf("%w: base %d, oldest %d", ErrStaleVersion, op.BaseVersion, oldest)
	}

	var concurrent []TextEdit
	for _, a := range log {
		if a.Version > op.BaseVersion && a.Target == op.Target {
			concurrent = append(concurrent, a.Edits...)
		}
	}
	edit := Transform(*op.Edit, concurrent)
	if edit.noop() {
		return change{}, false, nil
	}

	kind, fileID, chatID, msgID, _ := op.Target.parse()
	switch kind {
	case "file":
		f, ok := doc.Files[fileID]
		if !ok || f.IsDir() {
			return change{}, false, fmt.Errorf("%w: %s", ErrFileNotFound, fileID)
		}
		text, err := Apply(f.Content(), []TextEdit{edit})
		if err != nil {
			return change{}, false, err
		}
		doc.Files[fileID] = types.TextFile(f.Name, text)
	case "message":
		chat, err := chatOf(doc, chatID)
		if err != nil {
			return change{}, false, err
		}
		msg := chat.Message(msgID)
		if msg == nil {
			return change{}, false, fmt.Errorf("%w: %s", ErrMessageNotFound, msgID)
		}
		text, err := Apply(msg.Content, []TextEdit{edit})
		if err != nil {
			return change{}, false, err
		}
		msg.Content = text
	}
	return change{target: op.Target, edits: []TextEdit{edit}}, true, nil
}

func chatOf(doc *types.Document, id types.ChatID) (*types.Chat, error) {
	chat, ok := doc.Chats[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrChatNotFound, id)
	}
	return chat, nil
}

// streamingMessage returns an assistant message that has not been finalized.
func streamingMessage(doc *types.Document, chatID types.ChatID, msgID types.MessageID) (*types.Chat, *types.Message, error) {
	chat, err := chatOf(doc, chatID)
	if err != nil {
		return nil, nil, err
	}
	msg := chat.Message(msgID)
	if msg == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrMessageNotFound, msgID)
	}
	if msg.Role != types.RoleAssistant {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotAssistant, msgID)
	}
	if msg.Status == types.MessageDone {
		return nil, nil, fmt.Errorf("%w: %s", ErrMessageFinalized, msgID)
	}
	return chat, msg, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
