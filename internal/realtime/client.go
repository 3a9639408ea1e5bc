// Package realtime implements the client side of the vendor's push hub:
// a JSON-over-websocket protocol with a version handshake, 0x1E-separated
// records, named invocations, and server pings. Only what the device state
// stream needs is implemented.
package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// recordSeparator terminates every protocol record.
const recordSeparator = 0x1e

// Hub message types.
const (
	msgInvocation = 1
	msgPing       = 6
	msgClose      = 7
)

// Handler receives the first argument of a named invocation, raw.
type Handler = func(args json.RawMessage)

// TokenFunc supplies a fresh access token for every dial.
type TokenFunc func(ctx context.Context) (string, error)

// Config holds client configuration.
type Config struct {
	HubURL    string
	TokenFunc TokenFunc
	// ReconnectDelays is the escalating retry ladder; the last entry
	// repeats. Defaults to immediate, 2s, 10s, 30s.
	ReconnectDelays []time.Duration
	// DialTimeout bounds a single connect attempt. Defaults to 10s.
	DialTimeout time.Duration
}

var defaultDelays = []time.Duration{0, 2 * time.Second, 10 * time.Second, 30 * time.Second}

// Client is a restartable hub connection. Handlers registered before Start
// stay registered across Stop/Start cycles and internal reconnects; every
// (re)connect negotiates a fresh token through TokenFunc.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	handlers map[string]Handler
	onOpen   func()
	onClose  func(error)
	cancel   context.CancelFunc
	done     chan struct{}

	connMu sync.Mutex
	conn   *websocket.Conn
}

// New creates a hub client.
func New(cfg Config, logger *slog.Logger) *Client {
	if len(cfg.ReconnectDelays) == 0 {
		cfg.ReconnectDelays = defaultDelays
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	return &Client{
		cfg:      cfg,
		logger:   logger.With("component", "realtime"),
		handlers: make(map[string]Handler),
	}
}

// On registers a handler for a named invocation target.
func (c *Client) On(target string, fn Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[target] = fn
}

// OnOpen registers the open-confirmation callback.
func (c *Client) OnOpen(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onOpen = fn
}

// OnClose registers the close callback; it fires on every connection drop.
func (c *Client) OnClose(fn func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = fn
}

// Start launches the connection loop. It returns immediately; connecting,
// handshaking, and reconnecting happen in the background.
func (c *Client) Start(ctx context.Context) error {
	if c.cfg.HubURL == "" {
		return fmt.Errorf("realtime: hub url not configured")
	}
	if c.cfg.TokenFunc == nil {
		return fmt.Errorf("realtime: token func not configured")
	}

	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return fmt.Errorf("realtime: already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	done := make(chan struct{})
	c.done = done
	c.mu.Unlock()

	go c.run(runCtx, done)
	return nil
}

// Stop closes the current connection and halts reconnecting. Safe to call
// when never started; a stopped client can be started again.
func (c *Client) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	c.cancel = nil
	c.done = nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()

	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close(websocket.StatusNormalClosure, "client stopping")
	}
	c.connMu.Unlock()

	<-done
}

// Invoke sends a named invocation to the hub.
func (c *Client) Invoke(target string, args ...any) error {
	frame, err := json.Marshal(struct {
		Type      int    `json:"type"`
		Target    string `json:"target"`
		Arguments []any  `json:"arguments"`
	}{msgInvocation, target, args})
	if err != nil {
		return err
	}
	return c.write(append(frame, recordSeparator))
}

func (c *Client) write(frame []byte) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return fmt.Errorf("realtime: not connected")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, frame)
}

func (c *Client) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		if attempt > 0 || c.delayFor(0) > 0 {
			delay := c.delayFor(attempt)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
		}

		opened, err := c.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if opened {
			attempt = 0 // connection was up; restart the ladder at immediate
			c.notifyClose(err)
		} else {
			attempt++
			c.logger.Warn("push connect failed", "err", err, "attempt", attempt)
		}
	}
}

func (c *Client) delayFor(attempt int) time.Duration {
	d := c.cfg.ReconnectDelays
	if attempt >= len(d) {
		attempt = len(d) - 1
	}
	return d[attempt]
}

// session dials, handshakes, and reads until the connection drops. The
// opened return tells the caller whether the handshake completed.
func (c *Client) session(ctx context.Context) (opened bool, err error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	token, err := c.cfg.TokenFunc(dialCtx)
	if err != nil {
		cancel()
		return false, fmt.Errorf("negotiate token: %w", err)
	}

	conn, _, err := websocket.Dial(dialCtx, c.cfg.HubURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token}},
	})
	cancel()
	if err != nil {
		return false, fmt.Errorf("dial hub: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	if err := c.handshake(ctx, conn); err != nil {
		conn.Close(websocket.StatusProtocolError, "handshake failed")
		return false, err
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	c.logger.Info("push channel open")

	c.mu.Lock()
	onOpen := c.onOpen
	c.mu.Unlock()
	if onOpen != nil {
		onOpen()
	}

	err = c.readLoop(ctx, conn)

	c.connMu.Lock()
	c.conn = nil
	c.connMu.Unlock()
	conn.Close(websocket.StatusNormalClosure, "")
	return true, err
}

func (c *Client) handshake(ctx context.Context, conn *websocket.Conn) error {
	hctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	req := append([]byte(`{"protocol":"json","version":1}`), recordSeparator)
	if err := conn.Write(hctx, websocket.MessageText, req); err != nil {
		return fmt.Errorf("handshake write: %w", err)
	}

	_, data, err := conn.Read(hctx)
	if err != nil {
		return fmt.Errorf("handshake read: %w", err)
	}
	var resp struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(bytes.TrimSuffix(data, []byte{recordSeparator}), &resp); err != nil {
		return fmt.Errorf("handshake decode: %w", err)
	}
	if resp.Error != "" {
		return fmt.Errorf("handshake rejected: %s", resp.Error)
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		for _, record := range bytes.Split(data, []byte{recordSeparator}) {
			if len(record) == 0 {
				continue
			}
			if err := c.handleRecord(record); err != nil {
				return err
			}
		}
	}
}

func (c *Client) handleRecord(record []byte) error {
	var msg struct {
		Type      int               `json:"type"`
		Target    string            `json:"target"`
		Arguments []json.RawMessage `json:"arguments"`
		Error     string            `json:"error"`
	}
	if err := json.Unmarshal(record, &msg); err != nil {
		c.logger.Warn("bad hub record", "err", err)
		return nil
	}

	switch msg.Type {
	case msgInvocation:
		c.mu.Lock()
		fn := c.handlers[msg.Target]
		c.mu.Unlock()
		if fn == nil {
			c.logger.Debug("unhandled hub invocation", "target", msg.Target)
			return nil
		}
		var args json.RawMessage
		if len(msg.Arguments) > 0 {
			args = msg.Arguments[0]
		}
		fn(args)
	case msgPing:
		if err := c.write(append([]byte(`{"type":6}`), recordSeparator)); err != nil {
			return fmt.Errorf("ping reply: %w", err)
		}
	case msgClose:
		if msg.Error != "" {
			return fmt.Errorf("hub closed connection: %s", msg.Error)
		}
		return fmt.Errorf("hub closed connection")
	}
	return nil
}

func (c *Client) notifyClose(err error) {
	c.mu.Lock()
	onClose := c.onClose
	c.mu.Unlock()
	if onClose != nil {
		onClose(err)
	}
}
