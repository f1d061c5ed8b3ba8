package ws

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdeck/bridge/internal/bridge"
	"github.com/agentdeck/bridge/internal/controller"
	"github.com/agentdeck/bridge/internal/logging"
	"github.com/agentdeck/bridge/internal/session"
)

type frame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Content   string `json:"content"`
	Message   string `json:"message"`
	Code      int    `json:"code"`
}

// newTestConn wires store+bridge+controller behind a live ws endpoint and
// returns a connected client.
func newTestConn(t *testing.T, script string) (*websocket.Conn, *session.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := session.NewStore(t.TempDir(), logging.NewNop())
	require.NoError(t, err)

	br := bridge.New(bridge.Config{
		Command:  "/bin/sh",
		Args:     []string{"-c", script},
		WorkRoot: t.TempDir(),
	}, logging.NewNop())

	ctrl := controller.New(store, br, nil, logging.NewNop())
	t.Cleanup(func() { ctrl.Close() })

	h := NewHandler(ctrl, br, nil, RateLimit{}, logging.NewNop())

	r := gin.New()
	r.GET("/ws", h.HandleConnection)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	// Welcome frame arrives first.
	var welcome frame
	require.NoError(t, conn.ReadJSON(&welcome))
	require.Equal(t, "system", welcome.Type)

	return conn, store
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var f frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestPingPong(t *testing.T) {
	conn, _ := newTestConn(t, "cat")

	require.NoError(t, conn.WriteJSON(Message{Type: "ping"}))
	f := readFrame(t, conn)
	assert.Equal(t, "pong", f.Type)
}

func TestUnknownMessageType(t *testing.T) {
	conn, _ := newTestConn(t, "cat")

	require.NoError(t, conn.WriteJSON(Message{Type: "bogus"}))
	f := readFrame(t, conn)
	assert.Equal(t, "error", f.Type)
	assert.Contains(t, f.Message, "unknown message type")
}

func TestSubmitUnknownSession(t *testing.T) {
	conn, _ := newTestConn(t, "cat")

	require.NoError(t, conn.WriteJSON(Message{
		Type:      "submit",
		SessionID: "sess_01ARZ3NDEKTSV4RRFFQ69G5FAV",
		Command:   "hi",
	}))
	f := readFrame(t, conn)
	assert.Equal(t, "error", f.Type)
	assert.Contains(t, f.Message, "unknown session")
}

func TestSubmitStreamsEvents(t *testing.T) {
	conn, store := newTestConn(t, "read line; printf world")

	sess, err := store.Create(context.Background())
	require.NoError(t, err)

	require.NoError(t, conn.WriteJSON(Message{
		Type:      "submit",
		SessionID: sess.ID,
		Command:   "hello",
	}))

	var data strings.Builder
	for {
		f := readFrame(t, conn)
		require.Equal(t, sess.ID, f.SessionID)
		if f.Type == "data" {
			data.WriteString(f.Content)
		}
		if f.Type == "close" {
			assert.Equal(t, 0, f.Code)
			break
		}
	}
	assert.Equal(t, "world", data.String())

	loaded, err := store.LoadOne(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Len(t, loaded.History, 2)
	assert.Equal(t, session.KindResponse, loaded.History[1].Kind)
}

func TestSubmitValidation(t *testing.T) {
	conn, _ := newTestConn(t, "cat")

	require.NoError(t, conn.WriteJSON(Message{Type: "submit"}))
	f := readFrame(t, conn)
	assert.Equal(t, "error", f.Type)
	assert.Contains(t, f.Message, "requires session_id and command")
}

func TestTerminalsDisabled(t *testing.T) {
	conn, store := newTestConn(t, "cat")

	sess, err := store.Create(context.Background())
	require.NoError(t, err)

	require.NoError(t, conn.WriteJSON(Message{Type: "term_open", SessionID: sess.ID}))
	f := readFrame(t, conn)
	assert.Equal(t, "error", f.Type)
	assert.Contains(t, f.Message, "terminals are disabled")
}
