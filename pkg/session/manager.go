package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/manu5703/concurrent-analytics-system/pkg/logging"
	"github.com/manu5703/concurrent-analytics-system/pkg/metrics"
	"github.com/manu5703/concurrent-analytics-system/pkg/models"
)

// EventJoinSession is the announcement sent after every connect
const EventJoinSession = "join_session"

var (
	ErrEmptyIdentity = errors.New("empty session identity")
	ErrNoAnnouncer   = errors.New("no announcer configured")
)

// Announcer sends an event over the push channel and waits for its acknowledgement
type Announcer interface {
	Emit(ctx context.Context, event string, payload interface{}) error
}

// EventSink receives push updates
type EventSink interface {
	Enqueue(update models.JobRecord) error
}

// JoinRequest is the payload of the join_session announcement
type JoinRequest struct {
	UserID string `json:"user_id"`
}

// SessionState is the identity as seen by observers
type SessionState struct {
	Identity  string
	Connected bool
}

// Manager owns the identity of the single push channel connection
type Manager struct {
	userID    string
	sink      EventSink
	announcer Announcer
	logger    *logging.Logger
	metrics   *metrics.Metrics

	mu          sync.RWMutex
	identity    string
	connectedCh chan struct{} // closed while connected
	observers   []func(SessionState)
}

// NewManager creates a manager for userID forwarding push updates to sink
func NewManager(userID string, sink EventSink, logger *logging.Logger, m *metrics.Metrics) *Manager {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Manager{
		userID:      userID,
		sink:        sink,
		logger:      logger.Named("session").WithField("user_id", userID),
		metrics:     m,
		connectedCh: make(chan struct{}),
	}
}

// SetAnnouncer sets the channel used for join announcements
func (m *Manager) SetAnnouncer(a Announcer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.announcer = a
}

// Subscribe registers fn to be called on every connect and disconnect
func (m *Manager) Subscribe(fn func(SessionState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// OnConnect captures the new identity and announces it to the server so
// targeted updates are routed to this connection.
func (m *Manager) OnConnect(ctx context.Context, identity string) error {
	if identity == "" {
		return ErrEmptyIdentity
	}

	m.mu.Lock()
	m.identity = identity
	select {
	case <-m.connectedCh:
	default:
		close(m.connectedCh)
	}
	announcer := m.announcer
	m.mu.Unlock()

	m.metrics.SetConnected(true)
	m.logger.Info("Connected to server", map[string]interface{}{"sid": identity})
	m.notify(SessionState{Identity: identity, Connected: true})

	if announcer == nil {
		return ErrNoAnnouncer
	}
	if err := announcer.Emit(ctx, EventJoinSession, JoinRequest{UserID: m.userID}); err != nil {
		return fmt.Errorf("failed to announce session %s: %w", identity, err)
	}
	m.logger.Debug("Joined session", map[string]interface{}{"sid": identity})
	return nil
}

// OnDisconnect clears the identity. Tracked jobs are left untouched.
func (m *Manager) OnDisconnect() {
	m.mu.Lock()
	prev := m.identity
	m.identity = ""
	select {
	case <-m.connectedCh:
		m.connectedCh = make(chan struct{})
	default:
	}
	m.mu.Unlock()

	m.metrics.SetConnected(false)
	m.logger.Info("Disconnected from server", map[string]interface{}{"sid": prev})
	m.notify(SessionState{})
}

// OnPushEvent forwards an update unmodified to the event queue
func (m *Manager) OnPushEvent(update models.JobRecord) error {
	if err := m.sink.Enqueue(update); err != nil {
		m.metrics.RecordPushEvent("dropped")
		m.logger.Warn("Dropped push update", map[string]interface{}{
			"job_id": update.JobID,
			"error":  err.Error(),
		})
		return err
	}
	return nil
}

// Identity returns the current identity and whether the session is connected
func (m *Manager) Identity() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.identity, m.identity != ""
}

// State returns the current session state
func (m *Manager) State() SessionState {
	id, ok := m.Identity()
	return SessionState{Identity: id, Connected: ok}
}

// UserID returns the user this session belongs to
func (m *Manager) UserID() string {
	return m.userID
}

// WaitConnected blocks until a session identity exists or ctx is done
func (m *Manager) WaitConnected(ctx context.Context) (string, error) {
	for {
		m.mu.RLock()
		id := m.identity
		ch := m.connectedCh
		m.mu.RUnlock()

		if id != "" {
			return id, nil
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return "", fmt.Errorf("waiting for session: %w", ctx.Err())
		}
	}
}

func (m *Manager) notify(state SessionState) {
	m.mu.RLock()
	observers := make([]func(SessionState), len(m.observers))
	copy(observers, m.observers)
	m.mu.RUnlock()

	for _, fn := range observers {
		fn(state)
	}
}
