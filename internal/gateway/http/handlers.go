// Package http exposes the REST surface: session management and execution
// introspection. The streaming path lives in the websocket gateway.
package http

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/crew-dev/crewd/internal/common/errors"
	"github.com/crew-dev/crewd/internal/common/logger"
	"github.com/crew-dev/crewd/internal/execution"
	"github.com/crew-dev/crewd/internal/provider"
	"github.com/crew-dev/crewd/internal/session"
)

// maxImportBytes bounds an imported session document.
const maxImportBytes = 32 * 1024 * 1024

// Handlers serves the REST API.
type Handlers struct {
	store    *session.Store
	registry *execution.Registry
	logger   *logger.Logger
}

// NewHandlers creates the REST handlers.
func NewHandlers(store *session.Store, registry *execution.Registry, log *logger.Logger) *Handlers {
	return &Handlers{
		store:    store,
		registry: registry,
		logger:   log.WithFields(zap.String("component", "http-handlers")),
	}
}

// RegisterRoutes attaches the REST routes.
func (h *Handlers) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")

	api.GET("/sessions", h.listSessions)
	api.POST("/sessions", h.createSession)
	api.GET("/sessions/:id", h.getSession)
	api.PATCH("/sessions/:id", h.updateSession)
	api.DELETE("/sessions/:id", h.deleteSession)
	api.GET("/sessions/:id/export", h.exportSession)
	api.POST("/sessions/import", h.importSession)

	api.GET("/executions", h.listExecutions)
	api.GET("/executions/:id", h.getExecution)
}

func (h *Handlers) fail(c *gin.Context, err error) {
	h.logger.Debug("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(apperrors.HTTPStatus(err), gin.H{
		"error": err.Error(),
		"kind":  apperrors.KindOf(err),
	})
}

func (h *Handlers) listSessions(c *gin.Context) {
	var opts session.ListOptions
	opts.Sort = c.Query("sort")
	if v, ok := c.GetQuery("limit"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			h.fail(c, apperrors.Validation("limit", "must be an integer"))
			return
		}
		opts.Limit = n
	}
	if v, ok := c.GetQuery("offset"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			h.fail(c, apperrors.Validation("offset", "must be an integer"))
			return
		}
		opts.Offset = n
	}

	metas, err := h.store.List(opts)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": metas})
}

type createSessionRequest struct {
	Name     string        `json:"name,omitempty"`
	WorkDir  string        `json:"workDir,omitempty"`
	Provider string        `json:"provider,omitempty"`
	Modes    session.Modes `json:"modes,omitempty"`
}

func (h *Handlers) createSession(c *gin.Context) {
	var body createSessionRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		h.fail(c, apperrors.Validation("body", "invalid payload: "+err.Error()))
		return
	}
	if body.Provider != "" && !provider.Provider(body.Provider).Valid() {
		h.fail(c, apperrors.Validation("provider", "must be one of: claude, codex, gemini"))
		return
	}

	sess, err := h.store.Create(session.CreateOptions{
		Name:     body.Name,
		WorkDir:  body.WorkDir,
		Provider: provider.Provider(body.Provider),
		Modes:    body.Modes,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

func (h *Handlers) getSession(c *gin.Context) {
	sess, err := h.store.Get(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

type updateSessionRequest struct {
	Name string `json:"name"`
}

func (h *Handlers) updateSession(c *gin.Context) {
	var body updateSessionRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		h.fail(c, apperrors.Validation("body", "invalid payload: "+err.Error()))
		return
	}
	sess, err := h.store.Update(c.Param("id"), body.Name)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *Handlers) deleteSession(c *gin.Context) {
	if err := h.store.Delete(c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handlers) exportSession(c *gin.Context) {
	dump, err := h.store.Export(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Header("Content-Disposition", "attachment; filename=session-"+c.Param("id")+".json")
	c.Data(http.StatusOK, "application/json", dump)
}

func (h *Handlers) importSession(c *gin.Context) {
	dump, err := io.ReadAll(io.LimitReader(c.Request.Body, maxImportBytes))
	if err != nil {
		h.fail(c, apperrors.IO("reading import body", err))
		return
	}
	sess, err := h.store.Import(dump)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

// executionView is the introspection projection of a live execution.
type executionView struct {
	ID         string `json:"id"`
	SessionID  string `json:"sessionId"`
	Status     string `json:"status"`
	StartedAt  string `json:"startedAt"`
	DeadlineAt string `json:"deadlineAt"`
}

func viewOf(e *execution.Execution) executionView {
	return executionView{
		ID:         e.ID,
		SessionID:  e.SessionID,
		Status:     string(e.Status()),
		StartedAt:  e.StartedAt.Format(time.RFC3339Nano),
		DeadlineAt: e.DeadlineAt.Format(time.RFC3339Nano),
	}
}

func (h *Handlers) listExecutions(c *gin.Context) {
	live := h.registry.List()
	views := make([]executionView, 0, len(live))
	for _, e := range live {
		views = append(views, viewOf(e))
	}
	c.JSON(http.StatusOK, gin.H{"executions": views})
}

func (h *Handlers) getExecution(c *gin.Context) {
	e, err := h.registry.Get(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(e))
}
