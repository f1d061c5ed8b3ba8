package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/agentdeck/bridge/internal/logging"
	"github.com/agentdeck/bridge/internal/shared/id"
)

// ErrNotFound is returned when no record exists for a session ID.
// Malformed IDs are reported the same way; a caller cannot distinguish
// "never existed" from "could never exist".
var ErrNotFound = errors.New("session not found")

const recordExt = ".json"

// Store persists session records, one JSON file per session.
type Store struct {
	dir   string
	cache sync.Map // map[string]*Session
	log   *logging.Logger
}

// NewStore creates a store rooted at dir, creating it if needed.
func NewStore(dir string, log *logging.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}
	return &Store{dir: dir, log: log.Named("store")}, nil
}

// Create allocates a new session with an empty history, writes it durably,
// and returns it.
func (s *Store) Create(ctx context.Context) (*Session, error) {
	now := time.Now().UTC()
	sess := &Session{
		ID:        id.NewSessionID().String(),
		Name:      "Session " + now.Format("2006-01-02 15:04:05"),
		CreatedAt: now,
		UpdatedAt: now,
		History:   []Message{},
	}

	if err := s.Save(ctx, sess); err != nil {
		return nil, err
	}

	s.log.Info("session created", zap.String("session_id", sess.ID))
	return sess.Clone(), nil
}

// LoadAll returns every readable session record. Malformed or unreadable
// records are skipped and logged; they never abort enumeration. Order is
// not guaranteed.
func (s *Store) LoadAll(ctx context.Context) ([]*Session, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read session directory: %w", err)
	}

	sessions := make([]*Session, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), recordExt) {
			continue
		}
		sessID := strings.TrimSuffix(entry.Name(), recordExt)
		sess, err := s.LoadOne(ctx, sessID)
		if err != nil {
			s.log.Warn("skipping unreadable session record",
				zap.String("file", entry.Name()),
				zap.Error(err))
			continue
		}
		sessions = append(sessions, sess)
	}

	return sessions, nil
}

// LoadOne returns the session for sessID, or ErrNotFound. A malformed ID
// is treated as not-found rather than an error of its own.
func (s *Store) LoadOne(ctx context.Context, sessID string) (*Session, error) {
	if !id.Validate(sessID, id.SessionPrefix) {
		return nil, ErrNotFound
	}

	if cached, ok := s.cache.Load(sessID); ok {
		return cached.(*Session).Clone(), nil
	}

	data, err := os.ReadFile(s.recordPath(sessID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read session %s: %w", sessID, err)
	}

	var sess Session
	if err := sonic.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("failed to decode session %s: %w", sessID, err)
	}
	if sess.ID != sessID {
		return nil, fmt.Errorf("session record %s has mismatched id %q", sessID, sess.ID)
	}

	s.cache.Store(sessID, sess.Clone())
	return &sess, nil
}

// Save overwrites the durable record for sess.ID with the given full
// state. The write is atomic: a crash between begin and complete leaves
// either the old record or the new one, never a torn file.
func (s *Store) Save(ctx context.Context, sess *Session) error {
	if sess == nil || !id.Validate(sess.ID, id.SessionPrefix) {
		return fmt.Errorf("refusing to save session with invalid id %q", idOf(sess))
	}

	data, err := sonic.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode session %s: %w", sess.ID, err)
	}

	path := s.recordPath(sess.ID)
	tmp, err := os.CreateTemp(s.dir, sess.ID+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp record: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write session %s: %w", sess.ID, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync session %s: %w", sess.ID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp record: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace session %s: %w", sess.ID, err)
	}

	s.cache.Store(sess.ID, sess.Clone())
	return nil
}

// Delete removes the durable record if present and reports whether a
// record was removed. Deleting an absent session is not an error.
func (s *Store) Delete(ctx context.Context, sessID string) (bool, error) {
	if !id.Validate(sessID, id.SessionPrefix) {
		return false, nil
	}

	s.cache.Delete(sessID)

	err := os.Remove(s.recordPath(sessID))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to delete session %s: %w", sessID, err)
	}

	s.log.Info("session deleted", zap.String("session_id", sessID))
	return true, nil
}

// Rename sets the display name. The only mutation path for Name.
func (s *Store) Rename(ctx context.Context, sessID, name string) (*Session, error) {
	sess, err := s.LoadOne(ctx, sessID)
	if err != nil {
		return nil, err
	}

	sess.Name = name
	sess.UpdatedAt = time.Now().UTC()
	if err := s.Save(ctx, sess); err != nil {
		return nil, err
	}

	return sess, nil
}

func (s *Store) recordPath(sessID string) string {
	return filepath.Join(s.dir, sessID+recordExt)
}

func idOf(sess *Session) string {
	if sess == nil {
		return "<nil>"
	}
	return sess.ID
}
