package controller

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/agentdeck/bridge/internal/bridge"
	"github.com/agentdeck/bridge/internal/logging"
	"github.com/agentdeck/bridge/internal/monitoring"
	"github.com/agentdeck/bridge/internal/session"
)

// ErrInvocationActive is returned when a command is submitted to a
// session whose previous invocation is still running.
var ErrInvocationActive = bridge.ErrInvocationActive

// subscriberBuffer bounds how far a transport client may lag before
// events are dropped for it. The transcript copy is already persisted by
// then, so a dropped push loses liveness, not data.
const subscriberBuffer = 64

// Controller orchestrates store and bridge while keeping the transcript
// append-only and free of lost updates.
type Controller struct {
	store   *session.Store
	bridge  *bridge.Bridge
	metrics *monitoring.Metrics
	log     *logging.Logger

	// locks serializes all mutations of one session's durable record.
	locks keyedMutex

	subMu   sync.Mutex
	subs    map[int]chan bridge.Event
	nextSub int

	wg sync.WaitGroup
}

// New creates a controller and starts its event pump.
func New(store *session.Store, br *bridge.Bridge, metrics *monitoring.Metrics, log *logging.Logger) *Controller {
	c := &Controller{
		store:   store,
		bridge:  br,
		metrics: metrics,
		log:     log.Named("controller"),
		subs:    make(map[int]chan bridge.Event),
	}

	c.wg.Add(1)
	go c.pump()

	return c
}

// Submit appends a command message to the session's transcript, persists
// it, and spawns a worker invocation. It does not wait for the invocation
// to finish. A session with a live invocation rejects the submission.
func (c *Controller) Submit(ctx context.Context, sessionID, command string) error {
	unlock := c.locks.lock(sessionID)
	defer unlock()

	sess, err := c.store.LoadOne(ctx, sessionID)
	if err != nil {
		c.metrics.RecordSubmit("error")
		return err
	}

	if c.bridge.Active(sessionID) {
		c.metrics.RecordSubmit("rejected")
		return ErrInvocationActive
	}

	sess.Append(session.KindCommand, command)
	if err := c.store.Save(ctx, sess); err != nil {
		c.metrics.RecordSubmit("error")
		return err
	}

	if _, err := c.bridge.Spawn(ctx, sessionID, command); err != nil {
		c.metrics.RecordSubmit("error")
		return err
	}

	c.metrics.RecordSubmit("ok")
	return nil
}

// Save persists a caller-supplied full session state. It holds the same
// per-session lock the event pump uses, so a save cannot interleave with
// a transcript append in flight.
func (c *Controller) Save(ctx context.Context, sess *session.Session) error {
	unlock := c.locks.lock(sess.ID)
	defer unlock()
	return c.store.Save(ctx, sess)
}

// Rename changes the session's display name under the per-session lock
// and returns the updated record.
func (c *Controller) Rename(ctx context.Context, sessionID, name string) (*session.Session, error) {
	unlock := c.locks.lock(sessionID)
	defer unlock()
	return c.store.Rename(ctx, sessionID, name)
}

// Subscribe registers a consumer for all bridge events. The returned
// cancel function must be called when the consumer goes away.
func (c *Controller) Subscribe() (<-chan bridge.Event, func()) {
	ch := make(chan bridge.Event, subscriberBuffer)

	c.subMu.Lock()
	token := c.nextSub
	c.nextSub++
	c.subs[token] = ch
	c.subMu.Unlock()

	cancel := func() {
		c.subMu.Lock()
		if _, ok := c.subs[token]; ok {
			delete(c.subs, token)
			close(ch)
		}
		c.subMu.Unlock()
	}
	return ch, cancel
}

// Close shuts down the bridge, drains remaining events, and releases
// subscribers.
func (c *Controller) Close() error {
	err := c.bridge.Close()
	c.wg.Wait()

	c.subMu.Lock()
	for token, ch := range c.subs {
		delete(c.subs, token)
		close(ch)
	}
	c.subMu.Unlock()

	return err
}

// pump consumes the bridge event stream until it is closed.
func (c *Controller) pump() {
	defer c.wg.Done()

	for ev := range c.bridge.Events() {
		c.metrics.RecordEvent(string(ev.Type))
		c.persist(ev)
		c.publish(ev)
	}
}

// persist appends data and error events to the owning session's
// transcript. Close events carry no message. A session deleted while its
// invocation was running drops the event.
func (c *Controller) persist(ev bridge.Event) {
	var kind session.MessageKind
	switch ev.Type {
	case bridge.EventData:
		kind = session.KindResponse
	case bridge.EventError:
		kind = session.KindError
	default:
		return
	}

	unlock := c.locks.lock(ev.SessionID)
	defer unlock()

	ctx := context.Background()
	sess, err := c.store.LoadOne(ctx, ev.SessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			c.log.Debug("dropping event for missing session",
				zap.String("session_id", ev.SessionID))
			return
		}
		c.log.Error("failed to load session for event",
			zap.String("session_id", ev.SessionID),
			zap.Error(err))
		return
	}

	sess.Append(kind, ev.Content)
	if err := c.store.Save(ctx, sess); err != nil {
		c.log.Error("failed to persist event",
			zap.String("session_id", ev.SessionID),
			zap.Error(err))
	}
}

// publish fans an event out to subscribers. A subscriber that has fallen
// subscriberBuffer events behind misses this one.
func (c *Controller) publish(ev bridge.Event) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	for token, ch := range c.subs {
		select {
		case ch <- ev:
		default:
			c.log.Warn("subscriber lagging, event dropped",
				zap.Int("subscriber", token),
				zap.String("type", string(ev.Type)))
		}
	}
}

// keyedMutex hands out one mutex per key. Entries are never evicted; the
// population is bounded by the number of sessions.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}
