// Package aichat runs AI edits against a shared document: it validates the
// request, streams the model's answer into the chat and the files, and
// records the resulting diff.
package aichat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/user/vizchat/internal/chatops"
	"github.com/user/vizchat/internal/diff"
	"github.com/user/vizchat/internal/document"
	"github.com/user/vizchat/internal/gateway"
	"github.com/user/vizchat/internal/generation"
	"github.com/user/vizchat/internal/preview"
	"github.com/user/vizchat/internal/stream"
	"github.com/user/vizchat/internal/types"
	"github.com/user/vizchat/internal/validate"
)

const tracerName = "github.com/user/vizchat/internal/aichat"

// PromptBuilder turns the current files and the user's request into the
// model prompt.
type PromptBuilder interface {
	Build(files types.FileCollection, userPrompt string) (string, error)
}

// Deps are the collaborators of an Orchestrator. Events, Diffs, Preview
// and Tracer are optional.
type Deps struct {
	Docs     *document.Store
	Registry *generation.Registry
	Gateway  *gateway.Gateway
	Streamer stream.Streamer
	Prompts  PromptBuilder
	Events   types.EventStore
	Diffs    types.DiffStore
	Preview  preview.Trigger
	Tracer   trace.Tracer

	// BaseContext parents every generation token. Cancelling it stops all
	// generations.
	BaseContext context.Context
}

// Orchestrator runs AI chat generations.
type Orchestrator struct {
	docs     *document.Store
	registry *generation.Registry
	gateway  *gateway.Gateway
	streamer stream.Streamer
	prompts  PromptBuilder
	events   types.EventStore
	diffs    types.DiffStore
	preview  preview.Trigger
	tracer   trace.Tracer
	base     context.Context
}

// New creates an Orchestrator with the given dependencies.
func New(d Deps) *Orchestrator {
	o := &Orchestrator{
		docs:     d.Docs,
		registry: d.Registry,
		gateway:  d.Gateway,
		streamer: d.Streamer,
		prompts:  d.Prompts,
		events:   d.Events,
		diffs:    d.Diffs,
		preview:  d.Preview,
		tracer:   d.Tracer,
		base:     d.BaseContext,
	}
	if o.preview == nil {
		o.preview = preview.Nop{}
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer(tracerName)
	}
	if o.base == nil {
		o.base = context.Background()
	}
	return o
}

// Response is an HTTP-style outcome of PerformAIChat.
type Response struct {
	Status int
	Body   any
}

// ErrorBody is the body of non-validation error responses.
type ErrorBody struct {
	Error string `json:"error"`
}

// DiffStats summarises a generation's diff.
type DiffStats struct {
	Files   int `json:"files"`
	Added   int `json:"added"`
	Removed int `json:"removed"`
}

// Result statuses.
const (
	StatusDone      = "done"
	StatusCancelled = "cancelled"
	StatusRunning   = "running"
)

// EditResult is the outcome of one generation.
type EditResult struct {
	Status       string             `json:"status"`
	ChatID       types.ChatID       `json:"chatId"`
	MessageID    types.MessageID    `json:"messageId,omitempty"`
	GenerationID types.GenerationID `json:"generationId,omitempty"`
	Content      string             `json:"content,omitempty"`
	Stats        *DiffStats         `json:"stats,omitempty"`
	Diff         types.FilesDiff    `json:"-"`
}

// EditRequest describes one generation. A nil Token makes PerformAIEditing
// register its own.
type EditRequest struct {
	DocID  types.DocID
	ChatID types.ChatID
	Prompt string
	Token  *generation.Token
}

// PerformAIChat validates raw and runs it with Chat. An invalid body gets
// 400 with the rejection.
func (o *Orchestrator) PerformAIChat(ctx context.Context, docID types.DocID, raw []byte) Response {
	req, rej := validate.Check(raw)
	if rej != nil {
		return Response{Status: http.StatusBadRequest, Body: rej}
	}
	return o.Chat(ctx, docID, req)
}

// Chat starts a generation for a validated request on the chat's lane and
// waits for it. A chat with a generation in flight gets 409. If ctx ends
// first the generation keeps running and 202 is returned.
func (o *Orchestrator) Chat(ctx context.Context, docID types.DocID, req validate.ChatRequest) Response {
	ctx, span := o.tracer.Start(ctx, "aichat.perform_chat",
		trace.WithAttributes(
			attribute.String("doc.id", string(docID)),
			attribute.String("chat.id", string(req.ChatID)),
		),
	)
	defer span.End()

	if _, err := o.docs.Get(ctx, docID); err != nil {
		return errorResponse(span, err)
	}

	tok := generation.NewToken(o.base)
	if err := o.registry.TryRegister(req.ChatID, tok); err != nil {
		tok.Cancel()
		span.SetStatus(codes.Error, "busy")
		return Response{Status: http.StatusConflict, Body: ErrorBody{Error: err.Error()}}
	}

	var result *EditResult
	run, err := o.gateway.Submit(docID, req.ChatID, func(runCtx context.Context) error {
		var err error
		result, err = o.PerformAIEditing(runCtx, EditRequest{
			DocID:  docID,
			ChatID: req.ChatID,
			Prompt: req.Content,
			Token:  tok,
		})
		return err
	}, gateway.WithOnComplete(func(error) {
		o.registry.Release(req.ChatID, tok)
		tok.Cancel()
	}))
	if err != nil {
		o.registry.Release(req.ChatID, tok)
		tok.Cancel()
		return errorResponse(span, err)
	}

	select {
	case <-run.Done():
	case <-ctx.Done():
		span.AddEvent("caller gone, generation continues")
		return Response{Status: http.StatusAccepted, Body: EditResult{Status: StatusRunning, ChatID: req.ChatID}}
	}

	if err := run.Error; err != nil {
		if errors.Is(err, ErrCancelled) && result != nil {
			return Response{Status: http.StatusOK, Body: result}
		}
		return errorResponse(span, err)
	}
	span.SetStatus(codes.Ok, "")
	return Response{Status: http.StatusOK, Body: result}
}

func errorResponse(span trace.Span, err error) Response {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		return Response{Status: http.StatusBadRequest, Body: verr.Rejection}
	case errors.Is(err, document.ErrDocumentNotFound):
		return Response{Status: http.StatusNotFound, Body: ErrorBody{Error: err.Error()}}
	case errors.Is(err, ErrBusy):
		return Response{Status: http.StatusConflict, Body: ErrorBody{Error: err.Error()}}
	case errors.Is(err, gateway.ErrQueueFull), errors.Is(err, gateway.ErrQueueStopped):
		return Response{Status: http.StatusServiceUnavailable, Body: ErrorBody{Error: err.Error()}}
	}
	return Response{Status: http.StatusInternalServerError, Body: ErrorBody{Error: err.Error()}}
}

// StopGenerationNow cancels the chat's generation, if any. It reports
// whether one was running.
func (o *Orchestrator) StopGenerationNow(chatID types.ChatID) bool {
	stopped := o.registry.StopNow(chatID)
	if stopped {
		slog.Info("generation stopped", "chat_id", chatID)
	}
	return stopped
}

// PerformAIEditing runs one generation to completion. On cancellation it
// returns a result with status cancelled and an error wrapping
// ErrCancelled. Streamed edits are never rolled back.
func (o *Orchestrator) PerformAIEditing(ctx context.Context, req EditRequest) (*EditResult, error) {
	ctx, span := o.tracer.Start(ctx, "aichat.generation",
		trace.WithAttributes(
			attribute.String("doc.id", string(req.DocID)),
			attribute.String("chat.id", string(req.ChatID)),
		),
	)
	defer span.End()

	tok := req.Token
	if tok == nil {
		tok = generation.NewToken(o.base)
		if err := o.registry.TryRegister(req.ChatID, tok); err != nil {
			span.RecordError(err)
			return nil, err
		}
		defer tok.Cancel()
	}
	defer o.registry.Release(req.ChatID, tok)

	g := &run{o: o, req: req, tok: tok, doc: o.docs.Handle(req.DocID), span: span}
	res, err := g.execute(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	span.SetStatus(codes.Ok, "")
	return res, nil
}

// run holds the state of one generation.
type run struct {
	o     *Orchestrator
	req   EditRequest
	tok   *generation.Token
	doc   *document.Handle
	span  trace.Span
	msgID types.MessageID
	genID types.GenerationID
}

func (g *run) execute(ctx context.Context) (*EditResult, error) {
	req := g.req
	if req.Prompt == "" || req.ChatID == "" {
		return nil, &ValidationError{Rejection: &validate.Rejection{Error: "content and chatId are required"}}
	}

	if err := chatops.EnsureChatExists(ctx, g.doc, req.ChatID); err != nil {
		return nil, docErr("ensure chat", err)
	}
	orphaned, err := chatops.ResetForGeneration(ctx, g.doc, req.ChatID)
	if err != nil {
		return nil, g.fail(ctx, docErr("reset chat", err))
	}
	if orphaned {
		slog.Warn("recovered orphaned generation", "doc_id", req.DocID, "chat_id", req.ChatID)
	}
	if _, err := chatops.AddUserMessage(ctx, g.doc, req.ChatID, req.Prompt); err != nil {
		return nil, g.fail(ctx, docErr("add user message", err))
	}

	files, err := chatops.Files(ctx, g.doc)
	if err != nil {
		return nil, g.fail(ctx, docErr("snapshot files", err))
	}
	before := diff.Snapshot(files)

	promptText, err := g.o.prompts.Build(before.Files(), req.Prompt)
	if err != nil {
		return nil, g.fail(ctx, fmt.Errorf("assemble prompt: %w", err))
	}

	if err := chatops.SetAIStatus(ctx, g.doc, req.ChatID, types.AIThinking); err != nil {
		return nil, g.fail(ctx, docErr("set thinking", err))
	}
	g.msgID, err = chatops.CreateStreamingAIMessage(ctx, g.doc, req.ChatID)
	if err != nil {
		return nil, g.fail(ctx, docErr("create ai message", err))
	}
	g.record(ctx, types.EventGenerationStarted, map[string]any{
		"prompt":     req.Prompt,
		"message_id": g.msgID,
		"files":      before.Len(),
	})

	src, err := g.open(ctx, promptText)
	if err != nil {
		return g.abort(ctx, err)
	}
	defer src.Close()

	if err := chatops.SetAIStatus(ctx, g.doc, req.ChatID, types.AIStreaming); err != nil {
		return g.abort(ctx, docErr("set streaming", err))
	}

	if err := g.consume(ctx, src); err != nil {
		return g.abort(ctx, err)
	}

	result := src.Result()
	g.genID = result.GenerationID
	g.span.SetAttributes(attribute.String("generation.id", string(g.genID)))
	return g.complete(ctx, before, result)
}

// open starts the provider stream, retrying transient failures.
func (g *run) open(ctx context.Context, promptText string) (stream.Source, error) {
	ctx, span := g.o.tracer.Start(ctx, "aichat.open_stream")
	defer span.End()

	var src stream.Source
	attempts := 0
	err := g.o.gateway.Retry().ExecuteContext(g.tok.Context(), func() error {
		attempts++
		s, err := g.o.streamer.Stream(ctx, promptText, g.tok)
		if err != nil {
			return err
		}
		src = s
		return nil
	})
	span.SetAttributes(attribute.Int("attempts", attempts))
	if err != nil {
		span.RecordError(err)
		if cause := g.tok.Err(); cause != nil {
			if errors.Is(cause, ErrCancelled) {
				return nil, cause
			}
			return nil, fmt.Errorf("%w: %w", ErrCancelled, cause)
		}
		return nil, &ProviderError{Err: err}
	}
	return src, nil
}

// consume applies stream events to the document in the order received.
func (g *run) consume(ctx context.Context, src stream.Source) error {
	for {
		ev, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if errors.Is(err, generation.ErrCancelled) {
				return err
			}
			return &ProviderError{Err: err}
		}

		switch ev.Kind {
		case stream.EventToken:
			if err := chatops.UpdateAIMessageContent(ctx, g.doc, g.req.ChatID, g.msgID, chatops.Delta(ev.Text)); err != nil {
				return docErr("append content", err)
			}
		case stream.EventScratchpad:
			if err := chatops.UpdateAIScratchpad(ctx, g.doc, g.req.ChatID, ev.Text); err != nil {
				return docErr("update scratchpad", err)
			}
		case stream.EventFileEdit:
			id, created, err := chatops.WriteFile(ctx, g.doc, ev.File.Name, ev.File.Text)
			if err != nil {
				return docErr("write file "+ev.File.Name, err)
			}
			g.record(ctx, types.EventFileEdited, map[string]any{
				"file_id": id,
				"name":    ev.File.Name,
				"created": created,
				"bytes":   len(ev.File.Text),
			})
		}
	}
}

// complete runs the success path: preview refresh, diff, finalization.
func (g *run) complete(ctx context.Context, before diff.FilesSnapshot, result stream.Result) (*EditResult, error) {
	ctx, span := g.o.tracer.Start(ctx, "aichat.finalize")
	defer span.End()

	g.o.preview.Trigger(ctx, g.req.DocID)

	files, err := chatops.Files(ctx, g.doc)
	if err != nil {
		return g.abort(ctx, docErr("snapshot files", err))
	}
	after := diff.Snapshot(files)
	fd := diff.DiffFiles(before, after)
	n, added, removed := diff.Stats(fd)
	span.SetAttributes(
		attribute.Int("files.changed", n),
		attribute.Int("lines.added", added),
		attribute.Int("lines.removed", removed),
	)

	if err := chatops.AddDiffToAIMessage(ctx, g.doc, g.req.ChatID, g.msgID, g.genID, fd); err != nil {
		return g.abort(ctx, docErr("attach diff", err))
	}
	if err := chatops.FinalizeStreamingMessage(ctx, g.doc, g.req.ChatID, g.msgID); err != nil {
		return g.abort(ctx, docErr("finalize message", err))
	}
	if err := chatops.UpdateAIScratchpad(ctx, g.doc, g.req.ChatID, ""); err != nil {
		return g.abort(ctx, docErr("clear scratchpad", err))
	}
	if err := chatops.SetAIStatus(ctx, g.doc, g.req.ChatID, types.AIDone); err != nil {
		return g.abort(ctx, docErr("set done", err))
	}

	stats := &DiffStats{Files: n, Added: added, Removed: removed}
	if g.o.diffs != nil {
		rec := &types.DiffRecord{
			GenerationID: g.genID,
			DocID:        g.req.DocID,
			ChatID:       g.req.ChatID,
			MessageID:    g.msgID,
			CreatedAt:    time.Now(),
			Diff:         fd,
			Unified:      diff.ToUnifiedDiff(fd),
		}
		if err := g.o.diffs.Put(ctx, rec); err != nil {
			slog.Warn("store generation diff failed", "generation_id", g.genID, "error", err)
		}
	}
	g.record(ctx, types.EventGenerationCompleted, stats)

	slog.Info("generation completed",
		"doc_id", g.req.DocID,
		"chat_id", g.req.ChatID,
		"generation_id", g.genID,
		"files_changed", n,
	)
	return &EditResult{
		Status:       StatusDone,
		ChatID:       g.req.ChatID,
		MessageID:    g.msgID,
		GenerationID: g.genID,
		Content:      result.Content,
		Stats:        stats,
		Diff:         fd,
	}, nil
}

// abort ends a generation that was cancelled or failed after its message
// was created. Partial content and file edits stay in place.
func (g *run) abort(ctx context.Context, err error) (*EditResult, error) {
	cleanup := context.WithoutCancel(ctx)
	if errors.Is(err, generation.ErrCancelled) && !errors.Is(err, generation.ErrTimedOut) {
		g.settle(cleanup, types.AICancelled)
		g.record(cleanup, types.EventGenerationCancelled, map[string]any{"message_id": g.msgID})
		slog.Info("generation cancelled", "doc_id", g.req.DocID, "chat_id", g.req.ChatID)
		return &EditResult{Status: StatusCancelled, ChatID: g.req.ChatID, MessageID: g.msgID}, err
	}
	return nil, g.fail(ctx, err)
}

// fail marks the chat as errored and reports err to the background log.
func (g *run) fail(ctx context.Context, err error) error {
	cleanup := context.WithoutCancel(ctx)
	g.settle(cleanup, types.AIError)
	g.record(cleanup, types.EventGenerationFailed, map[string]any{
		"message_id": g.msgID,
		"error":      err.Error(),
	})
	slog.Error("generation failed", "doc_id", g.req.DocID, "chat_id", g.req.ChatID, "error", err)
	return err
}

// settle moves the chat to a terminal status and finalizes the message so
// the chat is never left streaming. Failures are logged only.
// A chat that never left idle keeps its status.
func (g *run) settle(ctx context.Context, status types.AIStatus) {
	chat, err := chatops.ChatState(ctx, g.doc, g.req.ChatID)
	switch {
	case err != nil:
		slog.Error("read chat failed", "chat_id", g.req.ChatID, "error", err)
	case chat.AIStatus.CanTransitionTo(status):
		if err := chatops.SetAIStatus(ctx, g.doc, g.req.ChatID, status); err != nil {
			slog.Error("set terminal status failed", "chat_id", g.req.ChatID, "status", status, "error", err)
		}
	}
	if g.msgID == "" {
		return
	}
	if err := chatops.FinalizeStreamingMessage(ctx, g.doc, g.req.ChatID, g.msgID); err != nil {
		slog.Error("finalize message failed", "chat_id", g.req.ChatID, "message_id", g.msgID, "error", err)
	}
}

// record appends a history event. History is best effort.
func (g *run) record(ctx context.Context, typ string, payload any) {
	if g.o.events == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Warn("marshal event payload failed", "type", typ, "error", err)
		return
	}
	ev := &types.Event{
		ID:           types.NewEventID(),
		ChatID:       g.req.ChatID,
		DocID:        g.req.DocID,
		GenerationID: g.genID,
		Type:         typ,
		At:           time.Now(),
		Payload:      data,
	}
	if err := g.o.events.Append(ctx, ev); err != nil {
		slog.Warn("record event failed", "type", typ, "chat_id", g.req.ChatID, "error", err)
	}
}
