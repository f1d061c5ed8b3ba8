package controller

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdeck/bridge/internal/bridge"
	"github.com/agentdeck/bridge/internal/logging"
	"github.com/agentdeck/bridge/internal/session"
)

// newFixture wires a store and a real bridge whose worker is a shell
// running script, with the submitted command on stdin.
func newFixture(t *testing.T, script string) (*Controller, *session.Store) {
	t.Helper()

	store, err := session.NewStore(t.TempDir(), logging.NewNop())
	require.NoError(t, err)

	br := bridge.New(bridge.Config{
		Command:  "/bin/sh",
		Args:     []string{"-c", script},
		WorkRoot: t.TempDir(),
	}, logging.NewNop())

	ctrl := New(store, br, nil, logging.NewNop())
	t.Cleanup(func() { ctrl.Close() })

	return ctrl, store
}

func history(t *testing.T, store *session.Store, sessID string) []session.Message {
	t.Helper()
	sess, err := store.LoadOne(context.Background(), sessID)
	require.NoError(t, err)
	return sess.History
}

func TestSubmitPersistsCommandAndResponse(t *testing.T) {
	ctrl, store := newFixture(t, "read line; printf world")
	ctx := context.Background()

	sess, err := store.Create(ctx)
	require.NoError(t, err)

	events, cancel := ctrl.Subscribe()
	defer cancel()

	require.NoError(t, ctrl.Submit(ctx, sess.ID, "hello"))

	waitForClose(t, events, sess.ID)

	got := history(t, store, sess.ID)
	require.Len(t, got, 2)
	assert.Equal(t, session.Message{Kind: session.KindCommand, Content: "hello"}, got[0])
	assert.Equal(t, session.Message{Kind: session.KindResponse, Content: "world"}, got[1])
}

func TestCloseEventNotPersisted(t *testing.T) {
	ctrl, store := newFixture(t, "read line; exit 0")
	ctx := context.Background()

	sess, err := store.Create(ctx)
	require.NoError(t, err)

	events, cancel := ctrl.Subscribe()
	defer cancel()

	require.NoError(t, ctrl.Submit(ctx, sess.ID, "quiet"))

	ev := waitForClose(t, events, sess.ID)
	assert.Equal(t, 0, ev.Code)

	got := history(t, store, sess.ID)
	require.Len(t, got, 1, "close events carry no transcript message")
	assert.Equal(t, session.KindCommand, got[0].Kind)
}

func TestStderrPersistedAsError(t *testing.T) {
	ctrl, store := newFixture(t, "read line; printf oops >&2")
	ctx := context.Background()

	sess, err := store.Create(ctx)
	require.NoError(t, err)

	events, cancel := ctrl.Subscribe()
	defer cancel()

	require.NoError(t, ctrl.Submit(ctx, sess.ID, "boom"))
	waitForClose(t, events, sess.ID)

	got := history(t, store, sess.ID)
	require.Len(t, got, 2)
	assert.Equal(t, session.Message{Kind: session.KindError, Content: "oops"}, got[1])
}

func TestSubmitUnknownSession(t *testing.T) {
	ctrl, _ := newFixture(t, "cat")

	err := ctrl.Submit(context.Background(), "sess_01ARZ3NDEKTSV4RRFFQ69G5FAV", "hello")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestOverlappingSubmitRejected(t *testing.T) {
	ctrl, store := newFixture(t, "read line; sleep 2")
	ctx := context.Background()

	sess, err := store.Create(ctx)
	require.NoError(t, err)

	require.NoError(t, ctrl.Submit(ctx, sess.ID, "first"))

	err = ctrl.Submit(ctx, sess.ID, "second")
	assert.ErrorIs(t, err, ErrInvocationActive)

	// Only the accepted command landed in the transcript.
	got := history(t, store, sess.ID)
	require.Len(t, got, 1)
	assert.Equal(t, "first", got[0].Content)
}

func TestNoCrossSessionLeakage(t *testing.T) {
	ctrl, store := newFixture(t, `read line; printf '%s' "$line"`)
	ctx := context.Background()

	s1, err := store.Create(ctx)
	require.NoError(t, err)
	s2, err := store.Create(ctx)
	require.NoError(t, err)

	events, cancel := ctrl.Subscribe()
	defer cancel()

	require.NoError(t, ctrl.Submit(ctx, s1.ID, "one"))
	require.NoError(t, ctrl.Submit(ctx, s2.ID, "two"))

	closes := 0
	deadline := time.After(5 * time.Second)
	for closes < 2 {
		select {
		case ev := <-events:
			if ev.Type == bridge.EventClose {
				closes++
			}
		case <-deadline:
			t.Fatal("timed out waiting for both invocations")
		}
	}

	h1 := history(t, store, s1.ID)
	require.Len(t, h1, 2)
	assert.Equal(t, "one", h1[0].Content)
	assert.Equal(t, "one", h1[1].Content)

	h2 := history(t, store, s2.ID)
	require.Len(t, h2, 2)
	assert.Equal(t, "two", h2[0].Content)
	assert.Equal(t, "two", h2[1].Content)
}

func TestRenameDuringInvocationLosesNothing(t *testing.T) {
	// Rename goes through the same per-session lock as the event pump, so
	// read-modify-write saves from the two paths cannot clobber each other.
	ctrl, store := newFixture(t, "read line; for i in 1 2 3 4 5; do printf X; sleep 0.02; done")
	ctx := context.Background()

	sess, err := store.Create(ctx)
	require.NoError(t, err)

	events, cancel := ctrl.Subscribe()
	defer cancel()

	require.NoError(t, ctrl.Submit(ctx, sess.ID, "go"))

	var name string
	for i := 0; i < 5; i++ {
		name = "rename-" + string(rune('a'+i))
		_, err := ctrl.Rename(ctx, sess.ID, name)
		require.NoError(t, err)
		time.Sleep(10 * time.Millisecond)
	}

	waitForClose(t, events, sess.ID)

	final, err := store.LoadOne(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, name, final.Name)

	var out string
	for _, msg := range final.History {
		if msg.Kind == session.KindResponse {
			out += msg.Content
		}
	}
	assert.Equal(t, "XXXXX", out, "renames must not drop appended responses")
}

func TestSavePersistsFullState(t *testing.T) {
	ctrl, store := newFixture(t, "cat")
	ctx := context.Background()

	sess, err := store.Create(ctx)
	require.NoError(t, err)

	sess.Append(session.KindCommand, "hi")
	sess.Append(session.KindResponse, "hello")
	require.NoError(t, ctrl.Save(ctx, sess))

	got := history(t, store, sess.ID)
	require.Len(t, got, 2)
	assert.Equal(t, "hello", got[1].Content)
}

func TestEventForDeletedSessionDropped(t *testing.T) {
	ctrl, store := newFixture(t, "read line; sleep 0.2; printf late")
	ctx := context.Background()

	sess, err := store.Create(ctx)
	require.NoError(t, err)

	events, cancel := ctrl.Subscribe()
	defer cancel()

	require.NoError(t, ctrl.Submit(ctx, sess.ID, "go"))

	removed, err := store.Delete(ctx, sess.ID)
	require.NoError(t, err)
	require.True(t, removed)

	// The invocation still runs to completion; its output has nowhere to
	// land and must not resurrect the record or crash the pump.
	waitForClose(t, events, sess.ID)

	_, err = store.LoadOne(ctx, sess.ID)
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func waitForClose(t *testing.T, events <-chan bridge.Event, sessID string) bridge.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatal("subscription closed before close event")
			}
			if ev.Type == bridge.EventClose && ev.SessionID == sessID {
				return ev
			}
		case <-deadline:
			t.Fatal("timed out waiting for close event")
		}
	}
}
