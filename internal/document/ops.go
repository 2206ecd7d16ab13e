package document

import (
	"errors"
	"fmt"
	"strings"

	"github.com/user/vizchat/internal/types"
)

// OpType names one of the document mutations. The set is closed.
type OpType string

const (
	OpEnsureChat               OpType = "ensure_chat"
	OpAddUserMessage           OpType = "add_user_message"
	OpCreateAIMessage          OpType = "create_ai_message"
	OpAppendMessageContent     OpType = "append_message_content"
	OpSetMessageContent        OpType = "set_message_content"
	OpSetAIStatus              OpType = "set_ai_status"
	OpSetScratchpad            OpType = "set_scratchpad"
	OpClearScratchpadAndStatus OpType = "clear_scratchpad_and_status"
	OpAttachDiff               OpType = "attach_diff"
	OpFinalizeMessage          OpType = "finalize_message"
	OpUpdateFile               OpType = "update_file"
	OpCreateFile               OpType = "create_file"
	OpEditText                 OpType = "edit_text"
)

// Target addresses a text inside a document: a file body or a message body.
type Target string

func FileTarget(id types.FileID) Target {
	return Target("file:" + string(id))
}

func MessageTarget(chatID types.ChatID, msgID types.MessageID) Target {
	return Target("message:" + string(chatID) + "/" + string(msgID))
}

// parse splits a target into its kind and ids.
func (t Target) parse() (kind string, fileID types.FileID, chatID types.ChatID, msgID types.MessageID, ok bool) {
	kind, rest, found := strings.Cut(string(t), ":")
	if !found || rest == "" {
		return "", "", "", "", false
	}
	switch kind {
	case "file":
		return kind, types.FileID(rest), "", "", true
	case "message":
		c, m, found := strings.Cut(rest, "/")
		if !found || c == "" || m == "" {
			return "", "", "", "", false
		}
		return kind, "", types.ChatID(c), types.MessageID(m), true
	}
	return "", "", "", "", false
}

// Op is one atomic mutation submitted to a document. Ops that create
// entities carry the new id so that retries are idempotent.
type Op struct {
	Type         OpType             `json:"type"`
	ChatID       types.ChatID       `json:"chatId,omitempty"`
	MessageID    types.MessageID    `json:"messageId,omitempty"`
	FileID       types.FileID       `json:"fileId,omitempty"`
	Content      string             `json:"content,omitempty"`
	Name         *string            `json:"name,omitempty"`
	Text         *string            `json:"text,omitempty"`
	Status       types.AIStatus     `json:"status,omitempty"`
	Diff         types.FilesDiff    `json:"diff,omitempty"`
	GenerationID types.GenerationID `json:"generationId,omitempty"`
	Target       Target             `json:"target,omitempty"`
	BaseVersion  int64              `json:"baseVersion,omitempty"`
	Edit         *TextEdit          `json:"edit,omitempty"`
}

func EnsureChat(chatID types.ChatID) Op {
	return Op{Type: OpEnsureChat, ChatID: chatID}
}

func AddUserMessage(chatID types.ChatID, content string) Op {
	return Op{Type: OpAddUserMessage, ChatID: chatID, MessageID: types.NewMessageID(), Content: content}
}

func CreateAIMessage(chatID types.ChatID) Op {
	return Op{Type: OpCreateAIMessage, ChatID: chatID, MessageID: types.NewMessageID()}
}

func AppendMessageContent(chatID types.ChatID, msgID types.MessageID, delta string) Op {
	return Op{Type: OpAppendMessageContent, ChatID: chatID, MessageID: msgID, Content: delta}
}

func SetMessageContent(chatID types.ChatID, msgID types.MessageID, content string) Op {
	return Op{Type: OpSetMessageContent, ChatID: chatID, MessageID: msgID, Content: content}
}

func SetAIStatus(chatID types.ChatID, status types.AIStatus) Op {
	return Op{Type: OpSetAIStatus, ChatID: chatID, Status: status}
}

func SetScratchpad(chatID types.ChatID, text string) Op {
	return Op{Type: OpSetScratchpad, ChatID: chatID, Content: text}
}

func ClearScratchpadAndStatus(chatID types.ChatID) Op {
	return Op{Type: OpClearScratchpadAndStatus, ChatID: chatID}
}

func AttachDiff(chatID types.ChatID, msgID types.MessageID, genID types.GenerationID, diff types.FilesDiff) Op {
	return Op{Type: OpAttachDiff, ChatID: chatID, MessageID: msgID, GenerationID: genID, Diff: diff}
}

func FinalizeMessage(chatID types.ChatID, msgID types.MessageID) Op {
	return Op{Type: OpFinalizeMessage, ChatID: chatID, MessageID: msgID}
}

// UpdateFile changes the name and/or text of an existing file. Nil fields
// are left alone.
func UpdateFile(fileID types.FileID, name, text *string) Op {
	return Op{Type: OpUpdateFile, FileID: fileID, Name: name, Text: text}
}

func CreateFile(name, text string) Op {
	return Op{Type: OpCreateFile, FileID: types.NewFileID(), Name: &name, Text: &text}
}

// EditText is a collaborator edit made against the document at baseVersion.
func EditText(target Target, baseVersion int64, edit TextEdit) Op {
	return Op{Type: OpEditText, Target: target, BaseVersion: baseVersion, Edit: &edit}
}

// Validate checks that op carries the fields its type needs. It does not
// look at document state.
func (op Op) Validate() error {
	var missing []string
	need := func(ok bool, field string) {
		if !ok {
			missing = append(missing, field)
		}
	}

	switch op.Type {
	case OpEnsureChat, OpClearScratchpadAndStatus, OpSetScratchpad:
		need(op.ChatID != "", "chatId")
	case OpAddUserMessage:
		need(op.ChatID != "", "chatId")
		need(op.MessageID != "", "messageId")
		need(strings.TrimSpace(op.Content) != "", "content")
	case OpCreateAIMessage, OpAppendMessageContent, OpSetMessageContent, OpFinalizeMessage:
		need(op.ChatID != "", "chatId")
		need(op.MessageID != "", "messageId")
	case OpSetAIStatus:
		need(op.ChatID != "", "chatId")
		need(op.Status != "" && op.Status.Valid(), "status")
	case OpAttachDiff:
		need(op.ChatID != "", "chatId")
		need(op.MessageID != "", "messageId")
		need(op.Diff != nil, "diff")
	case OpUpdateFile:
		need(op.FileID != "", "fileId")
		need(op.Name != nil || op.Text != nil, "name or text")
		if op.Name != nil {
			need(*op.Name != "", "name")
		}
	case OpCreateFile:
		need(op.FileID != "", "fileId")
		need(op.Name != nil && *op.Name != "", "name")
	case OpEditText:
		_, _, _, _, ok := op.Target.parse()
		need(ok, "target")
		need(op.Edit != nil && op.Edit.Pos >= 0 && op.Edit.Del >= 0, "edit")
		need(op.BaseVersion >= 0, "baseVersion")
	default:
		return fmt.Errorf("%w: %q", ErrUnknownOp, op.Type)
	}

	if len(missing) > 0 {
		return &InvalidOpError{Type: op.Type, Fields: missing}
	}
	return nil
}

// ErrUnknownOp is returned for an op type outside the closed set.
var ErrUnknownOp = errors.New("unknown op type")

// InvalidOpError reports the fields an op is missing or has malformed.
type InvalidOpError struct {
	Type   OpType
	Fields []string
}

func (e *InvalidOpError) Error() string {
	return fmt.Sprintf("invalid %s op: bad %s", e.Type, strings.Join(e.Fields, ", "))
}
