package chatsync

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

const (
	DefaultReconnectDelay       = 3 * time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultHeartbeatInterval    = 25 * time.Second

	heartbeatTimeout = 10 * time.Second
	maxFrameSize     = 1 << 20
)

// RealtimeConfig configures a Connection.
type RealtimeConfig struct {
	// URL is the WebSocket endpoint. The token is appended as a query
	// parameter on every dial.
	URL string
	// ReconnectDelay is the fixed wait between reconnect attempts.
	ReconnectDelay time.Duration
	// MaxReconnectAttempts caps reconnects per failure streak. Negative
	// disables reconnecting.
	MaxReconnectAttempts int
	// HeartbeatInterval is the ping period. Negative disables pings.
	HeartbeatInterval time.Duration
	Dialer            Dialer
	Metrics           *Metrics
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Dialer == nil {
		c.Dialer = DialWebSocket
	}
}

// ConnState is the state of the live channel.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
)

// ============================================================================
// Transport
// ============================================================================

// Transport is one open live connection.
type Transport interface {
	// Read blocks for the next text frame. An error means the connection is
	// closed.
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Ping(ctx context.Context) error
	Close() error
}

// Dialer opens a Transport to rawURL.
type Dialer func(ctx context.Context, rawURL string) (Transport, error)

type wsTransport struct {
	conn *websocket.Conn
}

// DialWebSocket is the default Dialer.
func DialWebSocket(ctx context.Context, rawURL string) (Transport, error) {
	conn, _, err := websocket.Dial(ctx, rawURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "websocket dial")
	}
	conn.SetReadLimit(maxFrameSize)
	return &wsTransport{conn: conn}, nil
}

func (t *wsTransport) Read(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	return data, err
}

func (t *wsTransport) Write(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Ping(ctx context.Context) error {
	return t.conn.Ping(ctx)
}

func (t *wsTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "client disconnect")
}

// ============================================================================
// Connection
// ============================================================================

type stopper interface {
	Stop() bool
}

func timeAfterFunc(d time.Duration, f func()) stopper {
	return time.AfterFunc(d, f)
}

// Connection maintains the live channel: it dials, classifies inbound
// frames, and reconnects after a close with a fixed delay until the attempt
// budget is spent. A successful open restores the budget.
//
// Only a close drives reconnection. Failed writes are reported by Send and
// otherwise ignored.
type Connection struct {
	config *RealtimeConfig

	handlersMu sync.RWMutex
	onEvent    []func(Event)
	onState    []func(ConnState)

	mu          sync.Mutex
	state       ConnState
	token       string
	transport   Transport
	dialing     bool
	manualClose bool
	gen         uint64
	cancel      context.CancelFunc
	policy      backoff.BackOff
	attempts    int
	timer       stopper

	afterFunc func(time.Duration, func()) stopper
}

// NewConnection creates a disconnected Connection. Call Connect to open it.
func NewConnection(config *RealtimeConfig) *Connection {
	cfg := *config
	cfg.defaults()
	retries := cfg.MaxReconnectAttempts
	if retries < 0 {
		retries = 0
	}
	return &Connection{
		config:    &cfg,
		state:     StateDisconnected,
		policy:    backoff.WithMaxRetries(backoff.NewConstantBackOff(cfg.ReconnectDelay), uint64(retries)),
		afterFunc: timeAfterFunc,
	}
}

// OnEvent registers a handler for classified inbound frames. Handlers run on
// the read goroutine, in arrival order; unknown frames are not delivered.
func (c *Connection) OnEvent(h func(Event)) {
	c.handlersMu.Lock()
	c.onEvent = append(c.onEvent, h)
	c.handlersMu.Unlock()
}

// OnStateChange registers a handler for state transitions.
func (c *Connection) OnStateChange(h func(ConnState)) {
	c.handlersMu.Lock()
	c.onState = append(c.onState, h)
	c.handlersMu.Unlock()
}

func (c *Connection) emitEvent(ev Event) {
	c.handlersMu.RLock()
	handlers := append([]func(Event){}, c.onEvent...)
	c.handlersMu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
}

func (c *Connection) emitState(s ConnState) {
	c.config.Metrics.state(s)
	c.handlersMu.RLock()
	handlers := append([]func(ConnState){}, c.onState...)
	c.handlersMu.RUnlock()
	for _, h := range handlers {
		h(s)
	}
}

// State returns the current connection state.
func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether frames can currently be sent.
func (c *Connection) IsConnected() bool {
	return c.State() == StateConnected
}

// Attempts returns the number of reconnects scheduled in the current failure
// streak.
func (c *Connection) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Connect opens the live channel with token. It is a no-op while connected
// or while a dial is in flight. A pending reconnect is replaced by an
// immediate dial, any stale transport is closed first, and the reconnect
// budget is restored.
func (c *Connection) Connect(token string) {
	c.mu.Lock()
	c.token = token
	c.manualClose = false
	if (c.state == StateConnected && c.transport != nil) || c.dialing {
		c.mu.Unlock()
		return
	}
	c.stopTimerLocked()
	stale := c.transport
	c.transport = nil
	c.policy.Reset()
	c.attempts = 0
	ctx, gen := c.beginAttemptLocked()
	rawURL := c.dialURLLocked()
	c.mu.Unlock()

	if stale != nil {
		stale.Close()
	}
	c.emitState(StateConnecting)
	go c.dial(ctx, gen, rawURL)
}

// Disconnect closes the live channel and cancels any pending reconnect. No
// further reconnects happen until the next Connect. Safe in any state.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	c.manualClose = true
	c.stopTimerLocked()
	c.gen++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	t := c.transport
	c.transport = nil
	c.dialing = false
	changed := c.state != StateDisconnected
	c.state = StateDisconnected
	c.mu.Unlock()

	if t != nil {
		t.Close()
	}
	if changed {
		jww.INFO.Printf("[WS] Disconnected by client")
		c.emitState(StateDisconnected)
	}
}

// Send writes frame to the live channel. Returns false if the channel is not
// open or the write failed; no queuing or retry is done.
func (c *Connection) Send(frame OutboundFrame) bool {
	c.mu.Lock()
	t := c.transport
	connected := c.state == StateConnected
	c.mu.Unlock()
	if !connected || t == nil {
		return false
	}

	data, err := json.Marshal(frame)
	if err != nil {
		jww.ERROR.Printf("[WS] Failed to encode frame: %+v", err)
		return false
	}
	if err := t.Write(context.Background(), data); err != nil {
		jww.WARN.Printf("[WS] Write failed: %+v", err)
		return false
	}
	return true
}

func (c *Connection) beginAttemptLocked() (context.Context, uint64) {
	c.gen++
	if c.cancel != nil {
		c.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.state = StateConnecting
	c.dialing = true
	return ctx, c.gen
}

func (c *Connection) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Connection) dialURLLocked() string {
	u, err := url.Parse(c.config.URL)
	if err != nil {
		return c.config.URL
	}
	q := u.Query()
	q.Set("token", c.token)
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Connection) dial(ctx context.Context, gen uint64, rawURL string) {
	t, err := c.config.Dialer(ctx, rawURL)

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		if t != nil {
			t.Close()
		}
		return
	}
	if err != nil {
		c.mu.Unlock()
		jww.WARN.Printf("[WS] Dial failed: %+v", err)
		c.handleClose(gen, err)
		return
	}
	c.dialing = false
	c.transport = t
	c.state = StateConnected
	c.policy.Reset()
	c.attempts = 0
	c.mu.Unlock()

	jww.INFO.Printf("[WS] Connected")
	c.emitState(StateConnected)

	go c.readLoop(ctx, gen, t)
	if c.config.HeartbeatInterval > 0 {
		go c.heartbeatLoop(ctx, t)
	}
}

func (c *Connection) readLoop(ctx context.Context, gen uint64, t Transport) {
	for {
		data, err := t.Read(ctx)
		if err != nil {
			c.handleClose(gen, err)
			return
		}

		ev, err := ClassifyFrame(data)
		if err != nil {
			jww.WARN.Printf("[WS] Dropping frame %s: %v", logPayload(data), err)
			c.config.Metrics.frameDropped()
			continue
		}
		c.config.Metrics.frame(ev.Kind)
		if ev.Kind == KindUnknown {
			jww.DEBUG.Printf("[WS] Ignoring frame of type %q", ev.Type)
			continue
		}
		if !c.current(gen) {
			jww.DEBUG.Printf("[WS] Discarding %s frame from a superseded connection", ev.Kind)
			return
		}
		c.emitEvent(ev)
	}
}

// current reports whether gen is still the live attempt.
func (c *Connection) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.gen
}

func (c *Connection) heartbeatLoop(ctx context.Context, t Transport) {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, heartbeatTimeout)
			err := t.Ping(pctx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					jww.WARN.Printf("[WS] Heartbeat failed, closing: %v", err)
					t.Close()
				}
				return
			}
		}
	}
}

// handleClose runs the reconnect state machine for a close of attempt gen.
// Closes from superseded attempts are ignored.
func (c *Connection) handleClose(gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.transport = nil
	c.dialing = false
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.manualClose {
		c.state = StateDisconnected
		c.mu.Unlock()
		c.emitState(StateDisconnected)
		return
	}

	delay := c.policy.NextBackOff()
	if delay == backoff.Stop {
		attempts := c.attempts
		c.state = StateDisconnected
		c.mu.Unlock()
		jww.ERROR.Printf("[WS] Connection lost (%v); giving up after %d "+
			"reconnect attempts", cause, attempts)
		c.config.Metrics.reconnectExhausted()
		c.emitState(StateDisconnected)
		return
	}

	c.attempts++
	attempt := c.attempts
	c.state = StateConnecting
	c.timer = c.afterFunc(delay, func() { c.retry(gen) })
	c.mu.Unlock()

	jww.INFO.Printf("[WS] Connection lost (%v); reconnecting in %s "+
		"(attempt %d/%d)", cause, delay, attempt, c.config.MaxReconnectAttempts)
	c.config.Metrics.reconnect()
	c.emitState(StateConnecting)
}

func (c *Connection) retry(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.manualClose {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	ctx, next := c.beginAttemptLocked()
	rawURL := c.dialURLLocked()
	c.mu.Unlock()

	c.dial(ctx, next, rawURL)
}
