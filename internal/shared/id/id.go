// Package id provides centralized ID generation for the bridge service.
//
// IDs are prefixed ULIDs (sess_*, inv_*, term_*): lexicographically
// sortable, collision-resistant, and readable in logs. Session IDs double
// as storage keys and working-directory names, so the character set is
// deliberately filesystem-safe.
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// SessionID identifies a durable conversation session.
type SessionID string

// InvocationID identifies one run of the external worker process.
type InvocationID string

// TerminalID identifies an interactive workspace shell.
type TerminalID string

const (
	SessionPrefix    = "sess"
	InvocationPrefix = "inv"
	TerminalPrefix   = "term"
)

// Generator produces prefixed ULIDs from a shared entropy source.
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the singleton generator.
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator(rand.Reader)
	})
	return defaultGenerator
}

// NewGenerator creates a generator backed by the given entropy source.
// Pass a deterministic reader in tests.
func NewGenerator(entropy io.Reader) *Generator {
	return &Generator{entropy: entropy}
}

// Generate creates a new ULID.
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateWithPrefix creates a prefixed ULID string.
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.Generate().String())
}

// NewSessionID generates a new session ID.
func NewSessionID() SessionID {
	return SessionID(Default().GenerateWithPrefix(SessionPrefix))
}

// NewInvocationID generates a new invocation ID.
func NewInvocationID() InvocationID {
	return InvocationID(Default().GenerateWithPrefix(InvocationPrefix))
}

// NewTerminalID generates a new terminal ID.
func NewTerminalID() TerminalID {
	return TerminalID(Default().GenerateWithPrefix(TerminalPrefix))
}

func (id SessionID) String() string    { return string(id) }
func (id InvocationID) String() string { return string(id) }
func (id TerminalID) String() string   { return string(id) }

// Validate reports whether s is a well-formed prefixed ID of the given
// kind. Malformed input is never an error condition for callers; they
// treat it as not-found.
func Validate(s, prefix string) bool {
	rest, ok := strings.CutPrefix(s, prefix+"_")
	if !ok {
		return false
	}
	_, err := ulid.Parse(rest)
	return err == nil
}

// Timestamp extracts the embedded creation time from a prefixed ID.
func Timestamp(s string) (time.Time, error) {
	_, rest, ok := strings.Cut(s, "_")
	if !ok {
		return time.Time{}, fmt.Errorf("id %q has no prefix", s)
	}
	parsed, err := ulid.Parse(rest)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}
