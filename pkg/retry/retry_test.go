package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(maxRetries int) Config {
	return Config{
		MaxRetries:     maxRetries,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     4 * time.Millisecond,
		Multiplier:     2,
	}
}

func TestDoSucceedsAfterFailures(t *testing.T) {
	attempts := 0
	var notified []int
	cfg := fastConfig(5)
	cfg.OnRetry = func(attempt int, _ error, _ time.Duration) { notified = append(notified, attempt) }

	err := Do(context.Background(), cfg, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("connection refused")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []int{1, 2}, notified)
}

func TestDoGivesUp(t *testing.T) {
	attempts := 0
	boom := errors.New("boom")
	err := Do(context.Background(), fastConfig(2), func() error {
		attempts++
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, attempts)
}

func TestDoPermanentStopsImmediately(t *testing.T) {
	attempts := 0
	boom := errors.New("bad request")
	err := Do(context.Background(), fastConfig(5), func() error {
		attempts++
		return Permanent(boom)
	})

	assert.Equal(t, boom, err)
	assert.Equal(t, 1, attempts)
}

func TestDoHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := fastConfig(-1)
	cfg.InitialBackoff = time.Hour

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := Do(ctx, cfg, func() error { return errors.New("eof") })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err      error
		expected bool
	}{
		{nil, false},
		{errors.New("dial tcp: connection refused"), true},
		{errors.New("websocket: bad handshake"), true},
		{errors.New("unexpected EOF"), true},
		{context.Canceled, false},
		{errors.New("invalid user id"), false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, IsRetryable(tt.err), "%v", tt.err)
	}
}
