package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/agentdeck/bridge/internal/logging"
	"github.com/agentdeck/bridge/internal/shared/id"
)

var (
	// ErrInvocationActive is returned when a session already has a live
	// invocation. Overlapping submissions are rejected, not queued.
	ErrInvocationActive = errors.New("session has an active invocation")
	// ErrClosed is returned when the bridge is shutting down.
	ErrClosed = errors.New("bridge is closed")
)

// readChunk is the per-read buffer size. Chunk boundaries are not part of
// the event contract; only per-stream order is.
const readChunk = 4096

type invocation struct {
	id        string
	sessionID string

	mu  sync.Mutex
	cmd *exec.Cmd
}

// Bridge spawns worker processes and relays their output as events.
type Bridge struct {
	cfg    Config
	log    *logging.Logger
	events chan Event
	done   chan struct{}

	mu     sync.Mutex
	active map[string]*invocation // session id -> live invocation
	closed bool

	wg sync.WaitGroup
}

// New creates a bridge. Callers must drain Events until Close returns.
func New(cfg Config, log *logging.Logger) *Bridge {
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}
	return &Bridge{
		cfg:    cfg,
		log:    log.Named("bridge"),
		events: make(chan Event, cfg.EventBuffer),
		done:   make(chan struct{}),
		active: make(map[string]*invocation),
	}
}

// Events returns the uniform event stream for all invocations. The
// channel is closed by Close after the last in-flight event.
func (b *Bridge) Events() <-chan Event {
	return b.events
}

// Spawn starts one worker invocation for sessionID, feeds it command on
// stdin, and returns the invocation ID. Failures after this point (the
// binary is missing, stdin breaks) surface as error events tagged with
// the session, never as a crash. Spawn itself errors only on an invalid
// session ID, an overlapping invocation, or a closed bridge.
func (b *Bridge) Spawn(ctx context.Context, sessionID, command string) (string, error) {
	if !id.Validate(sessionID, id.SessionPrefix) {
		return "", fmt.Errorf("invalid session id %q", sessionID)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", ErrClosed
	}
	if _, live := b.active[sessionID]; live {
		b.mu.Unlock()
		return "", ErrInvocationActive
	}
	inv := &invocation{
		id:        id.NewInvocationID().String(),
		sessionID: sessionID,
	}
	b.active[sessionID] = inv
	// Counted from registration, not from process start: Close must not
	// close the event channel while a failed spawn still has its error
	// event to emit. Every path out of a registered invocation (fail,
	// run, the closed re-check below) calls wg.Done exactly once.
	b.wg.Add(1)
	b.mu.Unlock()

	workdir := filepath.Join(b.cfg.WorkRoot, sessionID)
	if err := os.MkdirAll(workdir, 0o755); err != nil {
		b.fail(inv, fmt.Sprintf("failed to prepare workspace: %v", err))
		return inv.id, nil
	}

	cmd := exec.Command(b.cfg.Command, b.cfg.Args...)
	cmd.Dir = workdir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		b.fail(inv, fmt.Sprintf("failed to open worker stdin: %v", err))
		return inv.id, nil
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		b.fail(inv, fmt.Sprintf("failed to open worker stdout: %v", err))
		return inv.id, nil
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		b.fail(inv, fmt.Sprintf("failed to open worker stderr: %v", err))
		return inv.id, nil
	}

	if err := cmd.Start(); err != nil {
		b.fail(inv, fmt.Sprintf("failed to start worker: %v", err))
		return inv.id, nil
	}

	// Publishing the handle must be atomic with the closed check, or
	// Close could miss the process when it kills the live invocations.
	b.mu.Lock()
	if b.closed {
		delete(b.active, sessionID)
		b.wg.Done()
		b.mu.Unlock()
		cmd.Process.Kill()
		cmd.Wait()
		return "", ErrClosed
	}
	inv.mu.Lock()
	inv.cmd = cmd
	inv.mu.Unlock()
	b.mu.Unlock()

	b.log.Info("invocation started",
		zap.String("session_id", sessionID),
		zap.String("invocation_id", inv.id),
		zap.Int("pid", cmd.Process.Pid))

	go b.run(inv, stdin, stdout, stderr, command)

	return inv.id, nil
}

// Active reports whether sessionID has a live invocation.
func (b *Bridge) Active(sessionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, live := b.active[sessionID]
	return live
}

// ActiveCount returns the number of live invocations.
func (b *Bridge) ActiveCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.active)
}

// WorkspaceDir returns the working directory for a session, creating it
// if absent. Shared with the terminal shell.
func (b *Bridge) WorkspaceDir(sessionID string) (string, error) {
	if !id.Validate(sessionID, id.SessionPrefix) {
		return "", fmt.Errorf("invalid session id %q", sessionID)
	}
	dir := filepath.Join(b.cfg.WorkRoot, sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to prepare workspace: %w", err)
	}
	return dir, nil
}

// Close kills any live invocations, waits for their events to drain, and
// closes the event channel.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	live := make([]*invocation, 0, len(b.active))
	for _, inv := range b.active {
		live = append(live, inv)
	}
	b.mu.Unlock()

	close(b.done)

	for _, inv := range live {
		inv.mu.Lock()
		if inv.cmd != nil && inv.cmd.Process != nil {
			inv.cmd.Process.Kill()
		}
		inv.mu.Unlock()
	}

	b.wg.Wait()
	close(b.events)
	return nil
}

// run owns one started invocation: it feeds the command, relays both
// output streams, and emits the close event after the process exits.
func (b *Bridge) run(inv *invocation, stdin io.WriteCloser, stdout, stderr io.Reader, command string) {
	defer b.wg.Done()

	// Single-shot: one command in, then EOF. A broken stdin is reported
	// but the invocation keeps relaying whatever the process produces.
	if _, err := io.WriteString(stdin, command+"\n"); err != nil {
		b.emit(Event{
			SessionID:    inv.sessionID,
			InvocationID: inv.id,
			Type:         EventError,
			Content:      fmt.Sprintf("failed to send command to worker: %v", err),
		})
	}
	stdin.Close()

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		b.relay(inv, stdout, EventData)
	}()
	go func() {
		defer readers.Done()
		b.relay(inv, stderr, EventError)
	}()

	// Both pipes must be drained before Wait reclaims them.
	readers.Wait()

	code := -1
	if err := inv.cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
	} else {
		code = 0
	}

	b.release(inv)
	b.emit(Event{
		SessionID:    inv.sessionID,
		InvocationID: inv.id,
		Type:         EventClose,
		Code:         code,
	})

	b.log.Info("invocation closed",
		zap.String("session_id", inv.sessionID),
		zap.String("invocation_id", inv.id),
		zap.Int("code", code))
}

// relay forwards chunks from one stream in read order.
func (b *Bridge) relay(inv *invocation, r io.Reader, typ EventType) {
	buf := make([]byte, readChunk)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			b.emit(Event{
				SessionID:    inv.sessionID,
				InvocationID: inv.id,
				Type:         typ,
				Content:      string(buf[:n]),
			})
		}
		if err != nil {
			return
		}
	}
}

// fail marks an invocation that never ran as failed: one error event, no
// close event.
func (b *Bridge) fail(inv *invocation, msg string) {
	defer b.wg.Done()
	b.release(inv)
	b.emit(Event{
		SessionID:    inv.sessionID,
		InvocationID: inv.id,
		Type:         EventError,
		Content:      msg,
	})
	b.log.Warn("invocation failed",
		zap.String("session_id", inv.sessionID),
		zap.String("invocation_id", inv.id),
		zap.String("reason", msg))
}

func (b *Bridge) release(inv *invocation) {
	b.mu.Lock()
	if b.active[inv.sessionID] == inv {
		delete(b.active, inv.sessionID)
	}
	b.mu.Unlock()
}

func (b *Bridge) emit(ev Event) {
	select {
	case b.events <- ev:
	case <-b.done:
		// Shutdown: the consumer is gone, drop the event.
	}
}
