// Package api exposes documents, AI chat and generation history over HTTP.
package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/user/vizchat/internal/aichat"
	"github.com/user/vizchat/internal/document"
	"github.com/user/vizchat/internal/types"
	"github.com/user/vizchat/internal/validate"
)

const defaultEventLimit = 200

// Server routes HTTP requests to the document store and the AI chat
// orchestrator. Events and Diffs may be nil; their routes then answer 503.
type Server struct {
	docs   *document.Store
	orch   *aichat.Orchestrator
	events types.EventStore
	diffs  types.DiffStore
	router *gin.Engine
}

// NewServer builds the router.
func NewServer(docs *document.Store, orch *aichat.Orchestrator, events types.EventStore, diffs types.DiffStore, limit RateLimit) *Server {
	s := &Server{
		docs:   docs,
		orch:   orch,
		events: events,
		diffs:  diffs,
		router: gin.New(),
	}
	s.router.Use(gin.Recovery(), requestLogger())

	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/api")
	api.PUT("/docs/:docId", s.handleCreateDoc)
	api.GET("/docs/:docId", s.handleGetDoc)
	api.POST("/docs/:docId/ops", s.handleSubmitOp)
	api.GET("/docs/:docId/ops", s.handleSubscribe)
	api.POST("/docs/:docId/ai-chat", perDocumentLimit(limit), s.handleAIChat)
	api.GET("/docs/:docId/chats/:chatId", s.handleGetChat)
	api.POST("/stop-generation", s.handleStopGeneration)
	api.GET("/chats/:chatId/events", s.handleChatEvents)
	api.GET("/generations/:generationId/diff", s.handleGenerationDiff)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "documents": s.docs.Len()})
}

type createDocRequest struct {
	Files types.FileCollection `json:"files"`
}

func (s *Server) handleCreateDoc(c *gin.Context) {
	var req createDocRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON"})
		return
	}
	doc, err := s.docs.Create(c.Request.Context(), types.DocID(c.Param("docId")), req.Files)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, doc)
}

func (s *Server) handleGetDoc(c *gin.Context) {
	doc, err := s.docs.Get(c.Request.Context(), types.DocID(c.Param("docId")))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

func (s *Server) handleSubmitOp(c *gin.Context) {
	var op document.Op
	if err := c.ShouldBindJSON(&op); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON"})
		return
	}
	applied, err := s.docs.Submit(c.Request.Context(), types.DocID(c.Param("docId")), op)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, applied)
}

// handleSubscribe streams applied ops as server-sent events until the
// client disconnects.
func (s *Server) handleSubscribe(c *gin.Context) {
	ctx := c.Request.Context()
	ch, cancel, err := s.docs.Subscribe(ctx, types.DocID(c.Param("docId")))
	if err != nil {
		s.writeError(c, err)
		return
	}
	defer cancel()

	c.Header("Cache-Control", "no-cache")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case a, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent("op", a)
			return true
		case <-ctx.Done():
			return false
		}
	})
}

func (s *Server) handleAIChat(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read body"})
		return
	}
	req, ok := validate.Validate(c.Writer, raw)
	if !ok {
		c.Abort()
		return
	}
	resp := s.orch.Chat(c.Request.Context(), types.DocID(c.Param("docId")), req)
	c.JSON(resp.Status, resp.Body)
}

func (s *Server) handleStopGeneration(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read body"})
		return
	}
	req, rej := validate.CheckStop(raw)
	if rej != nil {
		c.JSON(http.StatusBadRequest, rej)
		return
	}
	stopped := s.orch.StopGenerationNow(req.ChatID)
	c.JSON(http.StatusOK, gin.H{"chatId": req.ChatID, "stopped": stopped})
}

func (s *Server) handleGetChat(c *gin.Context) {
	doc, err := s.docs.Get(c.Request.Context(), types.DocID(c.Param("docId")))
	if err != nil {
		s.writeError(c, err)
		return
	}
	chat, ok := doc.Chats[types.ChatID(c.Param("chatId"))]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "chat not found"})
		return
	}
	c.JSON(http.StatusOK, chat)
}

func (s *Server) handleChatEvents(c *gin.Context) {
	if s.events == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history not configured"})
		return
	}
	limit := defaultEventLimit
	if q := c.Query("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}

	chatID := types.ChatID(c.Param("chatId"))
	events, err := s.events.Tail(c.Request.Context(), chatID, limit)
	if err != nil {
		slog.Error("tail events failed", "chat_id", chatID, "error", err)
		s.writeError(c, err)
		return
	}
	if events == nil {
		events = []*types.Event{}
	}
	c.JSON(http.StatusOK, events)
}

func (s *Server) handleGenerationDiff(c *gin.Context) {
	if s.diffs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "diff store not configured"})
		return
	}
	rec, err := s.diffs.Get(c.Request.Context(), types.GenerationID(c.Param("generationId")))
	if err != nil {
		s.writeError(c, err)
		return
	}
	if c.Query("format") == "unified" {
		c.String(http.StatusOK, rec.Unified)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// writeError maps store errors to status codes.
func (s *Server) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	var invalid *document.InvalidOpError
	switch {
	case errors.Is(err, document.ErrDocumentNotFound),
		errors.Is(err, document.ErrChatNotFound),
		errors.Is(err, document.ErrMessageNotFound),
		errors.Is(err, document.ErrFileNotFound),
		errors.Is(err, types.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, document.ErrDocumentExists),
		errors.Is(err, document.ErrFileExists),
		errors.Is(err, document.ErrStaleVersion):
		status = http.StatusConflict
	case errors.As(err, &invalid),
		errors.Is(err, document.ErrUnknownOp),
		errors.Is(err, document.ErrInvalidTransition),
		errors.Is(err, document.ErrMessageFinalized),
		errors.Is(err, document.ErrDiffAttached),
		errors.Is(err, document.ErrNotAssistant),
		errors.Is(err, document.ErrFutureVersion),
		errors.Is(err, document.ErrEditOutOfRange):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		c.Error(err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
