// Package terminal provides interactive PTY shells rooted at a session's
// workspace directory. Unlike worker invocations, a shell is long-lived
// and bidirectional; it exists so a user can poke around the files their
// agent produced.
package terminal

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"
	"go.uber.org/zap"

	"github.com/agentdeck/bridge/internal/logging"
	"github.com/agentdeck/bridge/internal/shared/id"
)

const outputBuffer = 32

// Shell is one live PTY session.
type Shell struct {
	ID        string
	SessionID string
	StartedAt time.Time

	cmd    *exec.Cmd
	ptmx   *os.File
	output chan []byte

	mu     sync.Mutex
	closed bool
}

// Output streams PTY output chunks. Closed when the shell exits.
// Consumers must drain the channel until it closes, even after asking the
// manager to close the shell, or the reader goroutine stalls.
func (s *Shell) Output() <-chan []byte {
	return s.output
}

// Manager owns all live shells.
type Manager struct {
	shell    string
	log      *logging.Logger
	sessions sync.Map // map[string]*Shell
}

// NewManager creates a shell manager. shell defaults to $SHELL, then
// /bin/bash.
func NewManager(shell string, log *logging.Logger) *Manager {
	if shell == "" {
		shell = os.Getenv("SHELL")
	}
	if shell == "" {
		shell = "/bin/bash"
	}
	return &Manager{shell: shell, log: log.Named("terminal")}
}

// Open starts a shell in workdir for the given conversation session.
func (m *Manager) Open(sessionID, workdir string, cols, rows int) (*Shell, error) {
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}

	cmd := exec.Command(m.shell)
	cmd.Dir = workdir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Rows: uint16(rows),
		Cols: uint16(cols),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start shell: %w", err)
	}

	shell := &Shell{
		ID:        id.NewTerminalID().String(),
		SessionID: sessionID,
		StartedAt: time.Now(),
		cmd:       cmd,
		ptmx:      ptmx,
		output:    make(chan []byte, outputBuffer),
	}
	m.sessions.Store(shell.ID, shell)

	go m.readOutput(shell)
	go m.monitor(shell)

	m.log.Info("shell opened",
		zap.String("terminal_id", shell.ID),
		zap.String("session_id", sessionID),
		zap.String("workdir", workdir))

	return shell, nil
}

// Write sends input to a shell.
func (m *Manager) Write(termID string, data []byte) error {
	shell, err := m.get(termID)
	if err != nil {
		return err
	}

	shell.mu.Lock()
	closed := shell.closed
	shell.mu.Unlock()
	if closed {
		return fmt.Errorf("terminal is closed: %s", termID)
	}

	_, err = shell.ptmx.Write(data)
	return err
}

// Resize changes a shell's dimensions.
func (m *Manager) Resize(termID string, cols, rows int) error {
	shell, err := m.get(termID)
	if err != nil {
		return err
	}

	return pty.Setsize(shell.ptmx, &pty.Winsize{
		Rows: uint16(rows),
		Cols: uint16(cols),
	})
}

// Close terminates a shell. Idempotent.
func (m *Manager) Close(termID string) error {
	shell, err := m.get(termID)
	if err != nil {
		return err
	}

	m.sessions.Delete(termID)

	shell.mu.Lock()
	defer shell.mu.Unlock()
	if shell.closed {
		return nil
	}
	shell.closed = true

	if shell.cmd.Process != nil {
		shell.cmd.Process.Kill()
	}
	return shell.ptmx.Close()
}

// CloseAll terminates every live shell. Used at shutdown.
func (m *Manager) CloseAll() {
	m.sessions.Range(func(key, _ interface{}) bool {
		m.Close(key.(string))
		return true
	})
}

func (m *Manager) get(termID string) (*Shell, error) {
	value, ok := m.sessions.Load(termID)
	if !ok {
		return nil, fmt.Errorf("terminal not found: %s", termID)
	}
	return value.(*Shell), nil
}

func (m *Manager) readOutput(shell *Shell) {
	defer close(shell.output)

	buf := make([]byte, 4096)
	for {
		n, err := shell.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			shell.output <- chunk
		}
		if err != nil {
			if err != io.EOF {
				shell.mu.Lock()
				closed := shell.closed
				shell.mu.Unlock()
				if !closed {
					m.log.Debug("shell read ended", zap.Error(err))
				}
			}
			return
		}
	}
}

func (m *Manager) monitor(shell *Shell) {
	shell.cmd.Wait()

	shell.mu.Lock()
	already := shell.closed
	shell.closed = true
	shell.mu.Unlock()

	if !already {
		shell.ptmx.Close()
	}
	m.sessions.Delete(shell.ID)

	m.log.Info("shell exited", zap.String("terminal_id", shell.ID))
}
