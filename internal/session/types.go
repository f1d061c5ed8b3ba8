package session

import "time"

// MessageKind distinguishes who produced a transcript entry.
type MessageKind string

const (
	// KindCommand is a command typed by the user.
	KindCommand MessageKind = "command"
	// KindResponse is normal output from the worker process.
	KindResponse MessageKind = "response"
	// KindError is diagnostic output from the worker process, or a
	// bridge-level failure surfaced as text.
	KindError MessageKind = "error"
)

// Message is one immutable transcript entry.
type Message struct {
	Kind    MessageKind `json:"kind"`
	Content string      `json:"content"`
}

// Session is a durable conversation with its own transcript and workspace.
type Session struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	History   []Message `json:"history"`
}

// Append adds a message to the transcript. History is append-only;
// existing entries are never rewritten.
func (s *Session) Append(kind MessageKind, content string) {
	s.History = append(s.History, Message{Kind: kind, Content: content})
	s.UpdatedAt = time.Now().UTC()
}

// Clone returns a deep copy. Callers that hand a session to another
// goroutine clone first so the store's cached copy is never shared.
func (s *Session) Clone() *Session {
	dup := *s
	dup.History = make([]Message, len(s.History))
	copy(dup.History, s.History)
	return &dup
}
