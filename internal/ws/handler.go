package ws

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/agentdeck/bridge/internal/bridge"
	"github.com/agentdeck/bridge/internal/controller"
	"github.com/agentdeck/bridge/internal/logging"
	"github.com/agentdeck/bridge/internal/session"
	"github.com/agentdeck/bridge/internal/terminal"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// The service binds to loopback; the desktop shell connects from
		// a file:// or app:// origin.
		return true
	},
}

// Message is an inbound client frame.
type Message struct {
	Type       string `json:"type"`
	SessionID  string `json:"session_id,omitempty"`
	Command    string `json:"command,omitempty"`
	TerminalID string `json:"terminal_id,omitempty"`
	Input      string `json:"input,omitempty"`
	Cols       int    `json:"cols,omitempty"`
	Rows       int    `json:"rows,omitempty"`
}

// RateLimit configures per-connection submit throttling.
type RateLimit struct {
	Enabled           bool
	RequestsPerSecond float64
	Burst             int
}

// Handler manages WebSocket connections.
type Handler struct {
	controller *controller.Controller
	bridge     *bridge.Bridge
	terminals  *terminal.Manager // nil disables term_* frames
	limit      RateLimit
	log        *logging.Logger
}

// NewHandler creates a WebSocket handler. terminals may be nil.
func NewHandler(ctrl *controller.Controller, br *bridge.Bridge, terminals *terminal.Manager, limit RateLimit, log *logging.Logger) *Handler {
	return &Handler{
		controller: ctrl,
		bridge:     br,
		terminals:  terminals,
		limit:      limit,
		log:        log.Named("ws"),
	}
}

// client serializes writes to one connection.
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) send(data interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(data)
}

// HandleConnection handles WebSocket upgrade and the message loop.
func (h *Handler) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	cl := &client{conn: conn}
	connID := uuid.NewString()
	log := h.log.With(zap.String("conn_id", connID))

	var limiter *rate.Limiter
	if h.limit.Enabled {
		limiter = rate.NewLimiter(rate.Limit(h.limit.RequestsPerSecond), h.limit.Burst)
	}

	// Shells opened by this connection; torn down when it goes away.
	shells := make(map[string]*terminal.Shell)
	var shellsMu sync.Mutex
	defer func() {
		shellsMu.Lock()
		ids := make([]string, 0, len(shells))
		for termID := range shells {
			ids = append(ids, termID)
		}
		shellsMu.Unlock()
		for _, termID := range ids {
			h.terminals.Close(termID)
		}
	}()

	cl.send(gin.H{
		"type":    "system",
		"message": "connected to agentdeck bridge",
	})

	// Push every bridge event to this client for as long as it is
	// connected.
	events, cancel := h.controller.Subscribe()
	defer cancel()
	go func() {
		for ev := range events {
			frame := gin.H{
				"type":       string(ev.Type),
				"session_id": ev.SessionID,
			}
			if ev.Type == bridge.EventClose {
				frame["code"] = ev.Code
			} else {
				frame["content"] = ev.Content
			}
			if err := cl.send(frame); err != nil {
				return
			}
		}
	}()

	log.Info("client connected")

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("websocket read error", zap.Error(err))
			}
			break
		}

		switch msg.Type {
		case "submit":
			h.handleSubmit(cl, msg, limiter)
		case "ping":
			cl.send(gin.H{"type": "pong"})
		case "term_open":
			h.handleTermOpen(cl, msg, shells, &shellsMu)
		case "term_input":
			h.handleTermInput(cl, msg)
		case "term_resize":
			h.handleTermResize(cl, msg)
		case "term_close":
			h.handleTermClose(cl, msg, shells, &shellsMu)
		default:
			h.sendError(cl, "", "unknown message type: "+msg.Type)
		}
	}

	log.Info("client disconnected")
}

// handleSubmit is fire-and-forget from the client's perspective; the
// outcome arrives as bridge events. Rejections still get an error frame
// so the UI can tell the user immediately.
func (h *Handler) handleSubmit(cl *client, msg Message, limiter *rate.Limiter) {
	if msg.SessionID == "" || msg.Command == "" {
		h.sendError(cl, msg.SessionID, "submit requires session_id and command")
		return
	}
	if limiter != nil && !limiter.Allow() {
		h.sendError(cl, msg.SessionID, "submission rate limit exceeded")
		return
	}

	err := h.controller.Submit(context.Background(), msg.SessionID, msg.Command)
	switch {
	case err == nil:
	case errors.Is(err, controller.ErrInvocationActive):
		h.sendError(cl, msg.SessionID, "a command is already running for this session")
	case errors.Is(err, session.ErrNotFound):
		h.sendError(cl, msg.SessionID, "unknown session")
	default:
		h.sendError(cl, msg.SessionID, err.Error())
	}
}

func (h *Handler) handleTermOpen(cl *client, msg Message, shells map[string]*terminal.Shell, shellsMu *sync.Mutex) {
	if h.terminals == nil {
		h.sendError(cl, msg.SessionID, "terminals are disabled")
		return
	}
	if msg.SessionID == "" {
		h.sendError(cl, "", "term_open requires session_id")
		return
	}

	workdir, err := h.bridge.WorkspaceDir(msg.SessionID)
	if err != nil {
		h.sendError(cl, msg.SessionID, err.Error())
		return
	}

	shell, err := h.terminals.Open(msg.SessionID, workdir, msg.Cols, msg.Rows)
	if err != nil {
		h.sendError(cl, msg.SessionID, err.Error())
		return
	}

	shellsMu.Lock()
	shells[shell.ID] = shell
	shellsMu.Unlock()

	cl.send(gin.H{
		"type":        "term_opened",
		"terminal_id": shell.ID,
		"session_id":  shell.SessionID,
	})

	go func() {
		for chunk := range shell.Output() {
			if err := cl.send(gin.H{
				"type":        "term_output",
				"terminal_id": shell.ID,
				"content":     string(chunk),
			}); err != nil {
				// Client gone; keep draining so the reader can finish.
				for range shell.Output() {
				}
				break
			}
		}
		shellsMu.Lock()
		delete(shells, shell.ID)
		shellsMu.Unlock()
		cl.send(gin.H{
			"type":        "term_closed",
			"terminal_id": shell.ID,
		})
	}()
}

func (h *Handler) handleTermInput(cl *client, msg Message) {
	if h.terminals == nil {
		return
	}
	if err := h.terminals.Write(msg.TerminalID, []byte(msg.Input)); err != nil {
		h.sendError(cl, msg.SessionID, err.Error())
	}
}

func (h *Handler) handleTermResize(cl *client, msg Message) {
	if h.terminals == nil {
		return
	}
	if err := h.terminals.Resize(msg.TerminalID, msg.Cols, msg.Rows); err != nil {
		h.sendError(cl, msg.SessionID, err.Error())
	}
}

func (h *Handler) handleTermClose(cl *client, msg Message, shells map[string]*terminal.Shell, shellsMu *sync.Mutex) {
	if h.terminals == nil {
		return
	}
	shellsMu.Lock()
	delete(shells, msg.TerminalID)
	shellsMu.Unlock()
	h.terminals.Close(msg.TerminalID)
}

func (h *Handler) sendError(cl *client, sessionID, text string) {
	// Request-level errors carry "message"; relayed worker stderr arrives
	// as an event frame with "content".
	frame := gin.H{
		"type":    "error",
		"message": text,
	}
	if sessionID != "" {
		frame["session_id"] = sessionID
	}
	cl.send(frame)
}
