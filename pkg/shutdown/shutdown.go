package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/manu5703/concurrent-analytics-system/pkg/logging"
)

type step struct {
	name string
	fn   func(context.Context) error
}

// Manager runs registered cleanup steps when the CLI exits
type Manager struct {
	mu      sync.Mutex
	steps   []step
	timeout time.Duration
	logger  *logging.Logger
	once    sync.Once
}

// New creates a new shutdown manager
func New(timeout time.Duration, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Manager{
		timeout: timeout,
		logger:  logger.Named("shutdown"),
	}
}

// Register adds a named shutdown function.
// Functions are called in reverse order (LIFO)
func (m *Manager) Register(name string, fn func(context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, step{name: name, fn: fn})
}

// SignalContext returns a context cancelled on SIGINT or SIGTERM
func SignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// Shutdown executes all registered functions once and returns the first error
func (m *Manager) Shutdown() error {
	var first error
	m.once.Do(func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()

		for i := len(m.steps) - 1; i >= 0; i-- {
			s := m.steps[i]
			if err := s.fn(ctx); err != nil {
				m.logger.Warn("Shutdown step failed", map[string]interface{}{
					"step":  s.name,
					"error": err.Error(),
				})
				if first == nil {
					first = fmt.Errorf("%s: %w", s.name, err)
				}
				continue
			}
			m.logger.Debug("Shutdown step done", map[string]interface{}{"step": s.name})
		}
	})
	return first
}

// StopHTTPServer creates a shutdown function for http.Server
func StopHTTPServer(server interface{ Shutdown(context.Context) error }) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to stop server: %w", err)
		}
		return nil
	}
}

// CloseResource creates a shutdown function for io.Closer
func CloseResource(closer interface{ Close() error }) func(context.Context) error {
	return func(ctx context.Context) error {
		return closer.Close()
	}
}

// WaitFor creates a shutdown function polling done until it reports true
func WaitFor(done func() bool, pollInterval time.Duration) func(context.Context) error {
	return func(ctx context.Context) error {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()

		for {
			if done() {
				return nil
			}
			select {
			case <-ctx.Done():
				return fmt.Errorf("gave up waiting: %w", ctx.Err())
			case <-ticker.C:
			}
		}
	}
}
