package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentdeck/bridge/internal/bridge"
	"github.com/agentdeck/bridge/internal/controller"
	"github.com/agentdeck/bridge/internal/logging"
	"github.com/agentdeck/bridge/internal/session"
)

// Handlers contains all HTTP handlers. Reads go straight to the store;
// writes that can race the event pump go through the controller so they
// share its per-session lock.
type Handlers struct {
	store      *session.Store
	controller *controller.Controller
	bridge     *bridge.Bridge
	log        *logging.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(store *session.Store, ctrl *controller.Controller, br *bridge.Bridge, log *logging.Logger) *Handlers {
	return &Handlers{
		store:      store,
		controller: ctrl,
		bridge:     br,
		log:        log.Named("api"),
	}
}

// Root handles the basic liveness check.
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "online",
		"service": "agentdeck bridge",
	})
}

// Health reports service health.
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":             "healthy",
		"active_invocations": h.bridge.ActiveCount(),
	})
}

// CreateSession allocates a new empty session.
func (h *Handlers) CreateSession(c *gin.Context) {
	sess, err := h.store.Create(c.Request.Context())
	if err != nil {
		h.log.Error("session create failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, sess)
}

// ListSessions returns every stored session.
func (h *Handlers) ListSessions(c *gin.Context) {
	sessions, err := h.store.LoadAll(c.Request.Context())
	if err != nil {
		h.log.Error("session list failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// GetSession returns one session by ID.
func (h *Handlers) GetSession(c *gin.Context) {
	sess, err := h.store.LoadOne(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		h.log.Error("session load failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, sess)
}

// SaveSession replaces a session record with the supplied full state.
// Whole-record replace: the body must carry the complete session
// including all prior history.
func (h *Handlers) SaveSession(c *gin.Context) {
	var sess session.Session
	if err := c.ShouldBindJSON(&sess); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed session: " + err.Error()})
		return
	}
	if sess.ID != c.Param("id") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body id does not match path id"})
		return
	}

	if err := h.controller.Save(c.Request.Context(), &sess); err != nil {
		h.log.Error("session save failed", zap.String("session_id", sess.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"saved": true})
}

// RenameSession sets a session's display name.
func (h *Handlers) RenameSession(c *gin.Context) {
	var body struct {
		Name string `json:"name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}

	sess, err := h.controller.Rename(c.Request.Context(), c.Param("id"), body.Name)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		h.log.Error("session rename failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, sess)
}

// DeleteSession removes a session record. Deleting an absent session is
// not an error; the response says whether anything was removed.
func (h *Handlers) DeleteSession(c *gin.Context) {
	removed, err := h.store.Delete(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.log.Error("session delete failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": removed})
}
