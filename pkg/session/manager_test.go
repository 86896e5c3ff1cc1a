package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manu5703/concurrent-analytics-system/pkg/models"
)

type fakeAnnouncer struct {
	mu     sync.Mutex
	events []string
	data   []interface{}
	err    error
}

func (f *fakeAnnouncer) Emit(_ context.Context, event string, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	f.data = append(f.data, payload)
	return f.err
}

type fakeSink struct {
	updates []models.JobRecord
	err     error
}

func (f *fakeSink) Enqueue(update models.JobRecord) error {
	if f.err != nil {
		return f.err
	}
	f.updates = append(f.updates, update)
	return nil
}

func TestOnConnectAnnouncesJoin(t *testing.T) {
	ann := &fakeAnnouncer{}
	m := NewManager("Analyst_001", &fakeSink{}, nil, nil)
	m.SetAnnouncer(ann)

	var states []SessionState
	m.Subscribe(func(s SessionState) { states = append(states, s) })

	require.NoError(t, m.OnConnect(context.Background(), "sid-1"))

	id, ok := m.Identity()
	assert.True(t, ok)
	assert.Equal(t, "sid-1", id)
	assert.Equal(t, []string{EventJoinSession}, ann.events)
	assert.Equal(t, JoinRequest{UserID: "Analyst_001"}, ann.data[0])
	assert.Equal(t, []SessionState{{Identity: "sid-1", Connected: true}}, states)
}

func TestReconnectProducesNewIdentity(t *testing.T) {
	ann := &fakeAnnouncer{}
	m := NewManager("u", &fakeSink{}, nil, nil)
	m.SetAnnouncer(ann)

	require.NoError(t, m.OnConnect(context.Background(), "sid-1"))
	m.OnDisconnect()

	_, ok := m.Identity()
	assert.False(t, ok)
	assert.Equal(t, SessionState{}, m.State())

	require.NoError(t, m.OnConnect(context.Background(), "sid-2"))
	id, _ := m.Identity()
	assert.Equal(t, "sid-2", id)
	assert.Len(t, ann.events, 2, "every connect must be re-announced")
}

func TestOnConnectErrors(t *testing.T) {
	m := NewManager("u", &fakeSink{}, nil, nil)
	assert.ErrorIs(t, m.OnConnect(context.Background(), ""), ErrEmptyIdentity)
	assert.ErrorIs(t, m.OnConnect(context.Background(), "sid"), ErrNoAnnouncer)

	boom := errors.New("write failed")
	m.SetAnnouncer(&fakeAnnouncer{err: boom})
	err := m.OnConnect(context.Background(), "sid")
	assert.ErrorIs(t, err, boom)

	// identity is still captured: the connection exists even if the join failed
	_, ok := m.Identity()
	assert.True(t, ok)
}

func TestOnPushEventForwardsUnmodified(t *testing.T) {
	sink := &fakeSink{}
	m := NewManager("u", sink, nil, nil)

	n := 4
	update := models.JobRecord{JobID: "A", Status: models.JobStatusCompleted, LineCount: &n}
	require.NoError(t, m.OnPushEvent(update))
	require.Len(t, sink.updates, 1)
	assert.Equal(t, update, sink.updates[0])

	sink.err = ErrQueueFull
	assert.ErrorIs(t, m.OnPushEvent(update), ErrQueueFull)
}

func TestWaitConnected(t *testing.T) {
	m := NewManager("u", &fakeSink{}, nil, nil)
	m.SetAnnouncer(&fakeAnnouncer{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.WaitConnected(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = m.OnConnect(context.Background(), "sid-9")
	}()

	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	id, err := m.WaitConnected(ctx2)
	require.NoError(t, err)
	assert.Equal(t, "sid-9", id)
}
