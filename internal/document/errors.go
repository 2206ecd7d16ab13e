package document

import "errors"

var (
	ErrDocumentNotFound  = errors.New("document not found")
	ErrDocumentExists    = errors.New("document already exists")
	ErrChatNotFound      = errors.New("chat not found")
	ErrMessageNotFound   = errors.New("message not found")
	ErrFileNotFound      = errors.New("file not found")
	ErrFileExists        = errors.New("file already exists")
	ErrInvalidTransition = errors.New("invalid ai status transition")
	ErrMessageFinalized  = errors.New("message already finalized")
	ErrDiffAttached      = errors.New("diff already attached")
	ErrNotAssistant      = errors.New("message is not an assistant message")
	ErrStaleVersion      = errors.New("base version is no longer in the op log")
	ErrFutureVersion     = errors.New("base version is ahead of the document")
)
