// Package server exposes the inbox service over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/nhle/inboxd/internal/inbox"
	"github.com/nhle/inboxd/internal/mailbox"
	"github.com/nhle/inboxd/internal/model"
	"github.com/nhle/inboxd/internal/store"
	appsync "github.com/nhle/inboxd/internal/sync"
)

// Inbox is the service behind the HTTP routes. *inbox.Service implements it.
type Inbox interface {
	Sync(ctx context.Context, limit int) (*appsync.Report, error)
	TriggerSync() error
	Send(ctx context.Context, req inbox.SendRequest) (*model.Message, error)
	Get(ctx context.Context, id string) (*model.Message, error)
	List(ctx context.Context, q inbox.ListQuery) (*inbox.Page, error)
	Update(ctx context.Context, id string, patch model.MessagePatch) (*model.Message, error)
	Delete(ctx context.Context, id string) error
	PushFlags(ctx context.Context, id string) (*model.Message, error)
	FolderCounts(ctx context.Context) ([]inbox.FolderCount, error)
	Health(ctx context.Context) *inbox.Health
}

// Server routes HTTP requests to an Inbox.
type Server struct {
	inbox  Inbox
	log    zerolog.Logger
	engine *gin.Engine
}

// New creates a Server with all routes registered.
func New(ib Inbox, log zerolog.Logger) *Server {
	s := &Server{
		inbox:  ib,
		log:    log.With().Str("component", "http").Logger(),
		engine: gin.New(),
	}
	s.engine.Use(gin.Recovery(), s.requestLogger())

	api := s.engine.Group("/api")
	{
		api.GET("/health", s.handleHealth)
		api.GET("/folders", s.handleFolders)

		emails := api.Group("/emails")
		emails.GET("", s.handleList)
		emails.POST("/sync", s.handleSync)
		emails.POST("/send", s.handleSend)
		emails.GET("/:id", s.handleGet)
		emails.PATCH("/:id", s.handleUpdate)
		emails.DELETE("/:id", s.handleDelete)
		emails.POST("/:id/flags", s.handlePushFlags)
	}
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serving http: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http: %w", err)
	}
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	}
}

func (s *Server) handleSync(c *gin.Context) {
	if c.Query("async") == "true" {
		if err := s.inbox.TriggerSync(); err != nil {
			s.writeError(c, err, "Failed to schedule sync")
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"success": true, "message": "Sync scheduled"})
		return
	}

	limit, ok := intQuery(c, "limit", 0)
	if !ok {
		return
	}

	report, err := s.inbox.Sync(c.Request.Context(), limit)
	if err != nil {
		s.writeError(c, err, "Failed to sync emails")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": fmt.Sprintf("Synced %d new emails", report.New),
		"count":   report.New,
		"report": gin.H{
			"new":        report.New,
			"existing":   report.Existing,
			"duplicates": report.Duplicates,
			"failed":     report.Failed,
		},
	})
}

func (s *Server) handleSend(c *gin.Context) {
	var req inbox.SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid request body"})
		return
	}

	msg, err := s.inbox.Send(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err, "Failed to send email")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"message":   "Email sent successfully",
		"messageId": msg.Identity,
		"email":     msg,
	})
}

func (s *Server) handleList(c *gin.Context) {
	page, ok := intQuery(c, "page", 1)
	if !ok {
		return
	}
	limit, ok := intQuery(c, "limit", inbox.DefaultPageSize)
	if !ok {
		return
	}

	result, err := s.inbox.List(c.Request.Context(), inbox.ListQuery{
		Folder: c.Query("folder"),
		Page:   page,
		Limit:  limit,
	})
	if err != nil {
		s.writeError(c, err, "Failed to fetch emails")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"emails":  result.Messages,
		"pagination": gin.H{
			"page":  result.Page,
			"limit": result.Limit,
			"total": result.Total,
			"pages": result.Pages,
		},
	})
}

func (s *Server) handleGet(c *gin.Context) {
	msg, err := s.inbox.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err, "Failed to fetch email")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "email": msg})
}

func (s *Server) handleUpdate(c *gin.Context) {
	var patch model.MessagePatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid request body"})
		return
	}

	msg, err := s.inbox.Update(c.Request.Context(), c.Param("id"), patch)
	if err != nil {
		s.writeError(c, err, "Failed to update email")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "email": msg})
}

func (s *Server) handleDelete(c *gin.Context) {
	if err := s.inbox.Delete(c.Request.Context(), c.Param("id")); err != nil {
		s.writeError(c, err, "Failed to delete email")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Email deleted"})
}

func (s *Server) handlePushFlags(c *gin.Context) {
	msg, err := s.inbox.PushFlags(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err, "Failed to update remote flags")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "email": msg})
}

func (s *Server) handleFolders(c *gin.Context) {
	folders, err := s.inbox.FolderCounts(c.Request.Context())
	if err != nil {
		s.writeError(c, err, "Failed to fetch folders")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "folders": folders})
}

func (s *Server) handleHealth(c *gin.Context) {
	h := s.inbox.Health(c.Request.Context())
	status := http.StatusOK
	if !h.OK() {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, h)
}

// writeError maps err to a status code. Unclassified errors are logged and
// reported with the generic fallback message.
func (s *Server) writeError(c *gin.Context, err error, fallback string) {
	switch {
	case inbox.IsValidationError(err):
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "Email not found"})
	case mailbox.IsAuthError(err):
		s.log.Warn().Err(err).Str("path", c.FullPath()).Msg("remote authentication failed")
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "Authentication failed: " + authMessage(err)})
	default:
		s.log.Error().Err(err).Str("path", c.FullPath()).Msg(fallback)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": fallback})
	}
}

func authMessage(err error) string {
	var authErr *mailbox.AuthError
	if errors.As(err, &authErr) {
		return authErr.Message
	}
	return err.Error()
}

// intQuery parses an optional integer query parameter, writing a 400 and
// returning false when it is malformed.
func intQuery(c *gin.Context, key string, def int) (int, bool) {
	raw := c.Query(key)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid " + key})
		return 0, false
	}
	return n, true
}
