package transport

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/manu5703/concurrent-analytics-system/pkg/logging"
	"github.com/manu5703/concurrent-analytics-system/pkg/models"
	"github.com/manu5703/concurrent-analytics-system/pkg/retry"
)

var (
	ErrNotConnected     = errors.New("push channel not connected")
	ErrConnectionClosed = errors.New("push channel closed before acknowledgement")
	ErrAckTimeout       = errors.New("timed out waiting for acknowledgement")
)

// Handler receives session lifecycle and push events
type Handler interface {
	OnConnect(ctx context.Context, sid string) error
	OnDisconnect()
	OnPushEvent(update models.JobRecord) error
}

// Config configures the push channel client
type Config struct {
	URL              string
	Header           http.Header
	TLSConfig        *tls.Config // for wss URLs
	HandshakeTimeout time.Duration
	AckTimeout       time.Duration
	WriteTimeout     time.Duration
	Reconnect        retry.Config
}

// Client maintains the websocket push channel. Run owns the connection;
// Emit may be called from any goroutine while connected.
type Client struct {
	cfg     Config
	handler Handler
	dialer  *websocket.Dialer
	logger  *logging.Logger

	connMu sync.RWMutex
	conn   *websocket.Conn

	writeMu sync.Mutex

	nextID    atomic.Uint64
	pendingMu sync.Mutex
	pending   map[uint64]chan error
}

// NewClient creates a push channel client delivering events to handler
func NewClient(cfg Config, handler Handler, logger *logging.Logger) *Client {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 5 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.Reconnect.InitialBackoff <= 0 {
		cfg.Reconnect = retry.DefaultConfig()
	}
	if logger == nil {
		logger = logging.Nop()
	}

	return &Client{
		cfg:     cfg,
		handler: handler,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
			TLSClientConfig:  cfg.TLSConfig,
		},
		logger:  logger.Named("transport").WithField("url", cfg.URL),
		pending: make(map[uint64]chan error),
	}
}

// Run connects and keeps the channel up until ctx is done. Every new
// connection is reported through Handler.OnConnect with its identity,
// every lost one through Handler.OnDisconnect. It returns nil when ctx
// ends and an error when reconnecting is given up.
func (c *Client) Run(ctx context.Context) error {
	for {
		conn, sid, err := c.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		c.setConn(conn)
		readErr := make(chan error, 1)
		go func() {
			err := c.readLoop(conn)
			c.failPending()
			readErr <- err
		}()

		if err := c.handler.OnConnect(ctx, sid); err != nil {
			c.logger.Warn("Session announcement failed", map[string]interface{}{
				"sid":   sid,
				"error": err.Error(),
			})
		}

		var lost error
		select {
		case <-ctx.Done():
			c.closeConn(conn)
			<-readErr
		case lost = <-readErr:
		}

		c.setConn(nil)
		c.handler.OnDisconnect()

		if ctx.Err() != nil {
			return nil
		}
		c.logger.Warn("Push channel lost, reconnecting", map[string]interface{}{"error": lost.Error()})
	}
}

// Connected reports whether a connection is currently established
func (c *Client) Connected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.conn != nil
}

// Emit sends event with payload and waits for the server to acknowledge it
func (c *Client) Emit(ctx context.Context, event string, payload interface{}) error {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	id := c.nextID.Add(1)
	env, err := NewEnvelope(event, id, payload)
	if err != nil {
		return err
	}

	ack := make(chan error, 1)
	c.pendingMu.Lock()
	c.pending[id] = ack
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.write(conn, env); err != nil {
		return fmt.Errorf("failed to send %s: %w", event, err)
	}

	timer := time.NewTimer(c.cfg.AckTimeout)
	defer timer.Stop()

	select {
	case err := <-ack:
		return err
	case <-timer.C:
		return fmt.Errorf("%s: %w", event, ErrAckTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) connect(ctx context.Context) (*websocket.Conn, string, error) {
	var (
		conn *websocket.Conn
		sid  string
	)

	cfg := c.cfg.Reconnect
	cfg.OnRetry = func(attempt int, err error, backoff time.Duration) {
		c.logger.Warn("Dial failed", map[string]interface{}{
			"attempt": attempt,
			"backoff": backoff.String(),
			"error":   err.Error(),
		})
	}

	err := retry.Do(ctx, cfg, func() error {
		var err error
		conn, sid, err = c.dial(ctx)
		return err
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to connect push channel: %w", err)
	}

	c.logger.Debug("Push channel connected", map[string]interface{}{"sid": sid})
	return conn, sid, nil
}

// dial opens the websocket and waits for the connect frame carrying the identity
func (c *Client) dial(ctx context.Context) (*websocket.Conn, string, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("dial %s: %w (status %d)", c.cfg.URL, err, resp.StatusCode)
		} else {
			err = fmt.Errorf("dial %s: %w", c.cfg.URL, err)
		}
		// certificate, DNS and URL errors will not heal on redial
		if !retry.IsRetryable(err) {
			return nil, "", retry.Permanent(err)
		}
		return nil, "", err
	}

	if err := conn.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout)); err != nil {
		conn.Close()
		return nil, "", err
	}

	var env Envelope
	if err := conn.ReadJSON(&env); err != nil {
		conn.Close()
		return nil, "", fmt.Errorf("failed to read connect frame: %w", err)
	}
	if env.Event != EventConnect {
		conn.Close()
		return nil, "", fmt.Errorf("expected %s frame, got %q", EventConnect, env.Event)
	}

	var data ConnectData
	if err := json.Unmarshal(env.Data, &data); err != nil || data.SID == "" {
		conn.Close()
		return nil, "", retry.Permanent(errors.New("connect frame carries no session id"))
	}

	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		conn.Close()
		return nil, "", err
	}
	return conn, data.SID, nil
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return err
		}

		switch env.Event {
		case EventJobUpdate:
			update, err := DecodeJobUpdate(env.Data)
			if err != nil {
				c.logger.Warn("Ignoring malformed job update", map[string]interface{}{"error": err.Error()})
				continue
			}
			// the handler logs and counts dropped updates
			_ = c.handler.OnPushEvent(update)
		case EventAck:
			c.resolve(env.ID)
		default:
			c.logger.Debug("Ignoring event", map[string]interface{}{"event": env.Event})
		}
	}
}

func (c *Client) write(conn *websocket.Conn, env Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(env)
}

func (c *Client) resolve(id uint64) {
	c.pendingMu.Lock()
	ack, ok := c.pending[id]
	delete(c.pending, id)
	c.pendingMu.Unlock()

	if ok {
		ack <- nil
	}
}

func (c *Client) failPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	for id, ack := range c.pending {
		ack <- ErrConnectionClosed
		delete(c.pending, id)
	}
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	c.conn = conn
}

func (c *Client) closeConn(conn *websocket.Conn) {
	c.writeMu.Lock()
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	c.writeMu.Unlock()
	conn.Close()
}
