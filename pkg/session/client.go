// Package session implements the protocol client for the transcription
// gateway: one websocket connection, JSON request/response framing, bearer
// auth, optional heartbeat, and a bounded pending queue that survives
// disconnects.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/voxstream/voxstream/pkg/errorsx"
	"github.com/voxstream/voxstream/pkg/logging"
	"github.com/voxstream/voxstream/pkg/metrics"
	"github.com/voxstream/voxstream/pkg/resilience"
)

// Auth injection points. Header auth attaches the bearer token on the dial
// request (proxy-mediated deployments); message auth sends an explicit auth
// frame immediately after open.
const (
	AuthModeHeader  = "header"
	AuthModeMessage = "message"
)

type Config struct {
	URL                  string `mapstructure:"url"`
	Token                string `mapstructure:"token"`
	AuthMode             string `mapstructure:"auth_mode"`
	AutoReconnect        bool   `mapstructure:"auto_reconnect"`
	MaxReconnectAttempts int    `mapstructure:"max_reconnect_attempts"`
	BackoffBaseMS        int    `mapstructure:"backoff_base_ms"`
	BackoffCapMS         int    `mapstructure:"backoff_cap_ms"`
	PendingCapacity      int    `mapstructure:"pending_capacity"`
	HeartbeatIntervalMS  int    `mapstructure:"heartbeat_interval_ms"`
	DrainDelayMS         int    `mapstructure:"drain_delay_ms"`
}

func (c Config) withDefaults() Config {
	if c.AuthMode == "" {
		c.AuthMode = AuthModeHeader
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.BackoffBaseMS <= 0 {
		c.BackoffBaseMS = 1000
	}
	if c.BackoffCapMS <= 0 {
		c.BackoffCapMS = 30000
	}
	if c.PendingCapacity <= 0 {
		c.PendingCapacity = defaultPendingCapacity
	}
	if c.DrainDelayMS <= 0 {
		c.DrainDelayMS = 10
	}
	return c
}

// Conn is the subset of a websocket connection the client drives.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Dialer opens transport connections. The default wraps gorilla's dialer;
// tests substitute their own.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

type wsDialer struct{}

func (wsDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Event is one inbound frame delivered to the consumer. Either Response is
// populated, or ParseErr carries a non-fatal decode failure with the raw
// payload still attached.
type Event struct {
	Response Response
	ParseErr error
	Raw      []byte
}

// Client owns one logical gateway connection.
type Client struct {
	cfg     Config
	dialer  Dialer
	logger  *slog.Logger
	obs     metrics.Observer
	backoff resilience.BackoffPolicy
	pending *pendingQueue

	events   chan Event
	statusCh chan Status

	mu            sync.Mutex
	state         State
	attempts      int
	lastConnected time.Time
	lastErr       error
	latency       time.Duration
	conn          Conn
	generation    uint64
	manual        bool
	reconnecting  bool
	preface       func() []Request

	writeMu sync.Mutex
}

type Option func(*Client)

func WithDialer(d Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

func WithObserver(obs metrics.Observer) Option {
	return func(c *Client) { c.obs = obs }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logging.NewComponentLogger(logger, "session_client") }
}

func New(cfg Config, opts ...Option) *Client {
	cfg = cfg.withDefaults()
	c := &Client{
		cfg:      cfg,
		dialer:   wsDialer{},
		logger:   logging.NewComponentLogger(slog.Default(), "session_client"),
		obs:      metrics.NoopObserver{},
		backoff:  resilience.NewBackoffPolicy(cfg.MaxReconnectAttempts, time.Duration(cfg.BackoffBaseMS)*time.Millisecond, time.Duration(cfg.BackoffCapMS)*time.Millisecond),
		pending:  newPendingQueue(cfg.PendingCapacity),
		events:   make(chan Event, 256),
		statusCh: make(chan Status, 16),
		state:    StateDisconnected,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Events returns the inbound frame stream.
func (c *Client) Events() <-chan Event { return c.events }

// StatusChanges returns a stream of status snapshots. Slow consumers see
// the most recent snapshots; intermediate ones may be conflated.
func (c *Client) StatusChanges() <-chan Status { return c.statusCh }

// Status returns the current connection status.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

// Generation identifies the current physical connection. It increments on
// every successful connect and on manual disconnect, so callers can
// deduplicate per-connection actions such as the end-of-stream marker.
func (c *Client) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// PendingLen reports how many frames are queued for the next connection.
func (c *Client) PendingLen() int { return c.pending.Len() }

// SetResumePreface registers frames to send first on every (re)connect,
// before the pending queue drains. The orchestrator uses this to guarantee
// the configuration frame precedes replayed audio.
func (c *Client) SetResumePreface(fn func() []Request) {
	c.mu.Lock()
	c.preface = fn
	c.mu.Unlock()
}

// Connect opens the transport. It is a no-op when already connected or
// connecting. On success the retry counter resets and the pending queue is
// drained in FIFO order after the resume preface.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.manual = false
	c.setStateLocked(StateConnecting, nil)
	c.mu.Unlock()

	if err := c.establish(ctx); err != nil {
		werr := errorsx.Wrap(err, errorsx.ReasonTransportDial)
		c.mu.Lock()
		c.setStateLocked(StateDisconnected, werr)
		c.mu.Unlock()
		return werr
	}
	return nil
}

// Disconnect marks the closure as manual, closes the transport with a
// normal-closure code, and clears the pending queue.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	c.manual = true
	conn := c.conn
	c.conn = nil
	c.generation++
	c.pending.Clear()
	c.setStateLocked(StateDisconnected, nil)
	c.mu.Unlock()

	if conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"), deadline)
		_ = conn.Close()
	}
	return nil
}

// Send transmits a frame immediately when connected, otherwise enqueues it
// onto the bounded pending queue for the next connection.
func (c *Client) Send(req Request) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected || conn == nil {
		c.pending.Push(req)
		return nil
	}
	if err := c.write(conn, req); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonTransportSend)
	}
	return nil
}

func (c *Client) establish(ctx context.Context) error {
	header := http.Header{}
	if c.cfg.AuthMode == AuthModeHeader && c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	conn, err := c.dialer.Dial(ctx, c.cfg.URL, header)
	if err != nil {
		return err
	}
	c.attach(conn)
	return nil
}

func (c *Client) attach(conn Conn) {
	c.mu.Lock()
	c.conn = conn
	c.generation++
	gen := c.generation
	c.attempts = 0
	c.lastConnected = time.Now()
	c.setStateLocked(StateConnected, nil)
	preface := c.preface
	c.mu.Unlock()

	conn.SetPongHandler(func(appData string) error {
		c.recordPong(appData)
		return nil
	})
	go c.readLoop(conn, gen)
	if c.cfg.HeartbeatIntervalMS > 0 {
		go c.heartbeatLoop(conn, gen)
	}

	if c.cfg.AuthMode == AuthModeMessage && c.cfg.Token != "" {
		if err := c.write(conn, AuthRequest(c.cfg.Token)); err != nil {
			c.logger.Error("auth_frame_send_failed", slog.String("error", err.Error()))
		}
	}
	if preface != nil {
		for _, req := range preface() {
			if err := c.write(conn, req); err != nil {
				c.logger.Error("preface_send_failed", slog.String("error", err.Error()))
			}
		}
	}
	c.drainPending(conn)

	c.obs.RecordEvent(metrics.MetricsEvent{
		Name:  "session_connected",
		Time:  time.Now(),
		Value: 1,
		Tags:  map[string]string{"url": c.cfg.URL},
	})
	c.logger.Info("connected", slog.String("url", c.cfg.URL), slog.Uint64("generation", gen))
}

func (c *Client) drainPending(conn Conn) {
	queued := c.pending.Drain()
	if len(queued) == 0 {
		return
	}
	delay := time.Duration(c.cfg.DrainDelayMS) * time.Millisecond
	c.logger.Info("draining_pending_queue", slog.Int("frames", len(queued)))
	for i, req := range queued {
		if i > 0 {
			time.Sleep(delay)
		}
		if err := c.write(conn, req); err != nil {
			c.logger.Error("pending_drain_send_failed", slog.String("error", err.Error()))
			return
		}
	}
}

func (c *Client) write(conn Conn, req Request) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *Client) readLoop(conn Conn, gen uint64) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.handleReadError(conn, gen, err)
			return
		}
		resp, perr := ParseResponse(raw)
		if perr != nil {
			// Diagnostic only: the raw payload still goes to the consumer.
			c.logger.Warn("protocol_parse_error",
				slog.String("error", perr.Error()),
				slog.String("reason_code", string(errorsx.Reason(perr))))
			c.emit(Event{ParseErr: perr, Raw: raw})
			continue
		}
		c.emit(Event{Response: resp, Raw: raw})
	}
}

func (c *Client) handleReadError(conn Conn, gen uint64, err error) {
	c.mu.Lock()
	if gen != c.generation {
		// A newer connection superseded this loop.
		c.mu.Unlock()
		return
	}
	manual := c.manual
	c.conn = nil
	c.mu.Unlock()
	_ = conn.Close()

	if manual {
		return
	}

	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		c.mu.Lock()
		c.setStateLocked(StateDisconnected, nil)
		c.mu.Unlock()
		c.logger.Info("connection_closed_normally")
		return
	}

	var closeErr *websocket.CloseError
	var serr error
	if errors.As(err, &closeErr) {
		serr = errorsx.Wrap(fmt.Errorf("connection closed: code %d: %s", closeErr.Code, closeErr.Text), errorsx.ReasonTransportClosed)
	} else {
		serr = errorsx.Wrap(err, errorsx.ReasonTransportClosed)
	}
	c.logger.Warn("connection_lost", slog.String("error", serr.Error()))

	if !c.cfg.AutoReconnect {
		// Server-initiated close is terminal in this mode; recovery is the
		// caller's decision via an explicit Connect.
		c.mu.Lock()
		c.setStateLocked(StateDisconnected, serr)
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	c.setStateLocked(StateReconnecting, serr)
	already := c.reconnecting
	c.reconnecting = true
	c.mu.Unlock()
	if !already {
		go c.reconnectLoop()
	}
}

func (c *Client) reconnectLoop() {
	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	for attempt := 1; attempt <= c.backoff.MaxAttempts; attempt++ {
		time.Sleep(c.backoff.Delay(attempt))

		c.mu.Lock()
		if c.manual {
			c.mu.Unlock()
			return
		}
		c.attempts = attempt
		c.setStateLocked(StateReconnecting, c.lastErr)
		c.mu.Unlock()

		c.obs.RecordEvent(metrics.MetricsEvent{
			Name:  "session_reconnect_attempt",
			Time:  time.Now(),
			Value: float64(attempt),
		})
		c.logger.Info("reconnect_attempt",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", c.backoff.MaxAttempts))

		err := c.establish(context.Background())
		if err == nil {
			return
		}
		c.logger.Warn("reconnect_attempt_failed",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))
	}

	c.pending.Clear()
	c.mu.Lock()
	c.setStateLocked(StateError, errorsx.New(errorsx.ReasonRecoveryExhausted, "reconnect budget exhausted"))
	c.mu.Unlock()
	c.logger.Error("reconnect_budget_exhausted", slog.Int("max_attempts", c.backoff.MaxAttempts))
}

func (c *Client) heartbeatLoop(conn Conn, gen uint64) {
	interval := time.Duration(c.cfg.HeartbeatIntervalMS) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		c.mu.Lock()
		stale := gen != c.generation || c.state != StateConnected
		c.mu.Unlock()
		if stale {
			return
		}
		payload := strconv.FormatInt(time.Now().UnixNano(), 10)
		deadline := time.Now().Add(interval)
		if err := conn.WriteControl(websocket.PingMessage, []byte(payload), deadline); err != nil {
			// Latency sampling is best-effort telemetry; a failed ping never
			// forces a disconnect on its own.
			c.logger.Debug("ping_send_failed", slog.String("error", err.Error()))
		}
	}
}

func (c *Client) recordPong(appData string) {
	sent, err := strconv.ParseInt(appData, 10, 64)
	if err != nil {
		return
	}
	rtt := time.Since(time.Unix(0, sent))
	c.mu.Lock()
	c.latency = rtt
	st := c.statusLocked()
	c.mu.Unlock()
	c.publish(st)
	c.obs.RecordEvent(metrics.MetricsEvent{
		Name:  "session_heartbeat_rtt_ms",
		Time:  time.Now(),
		Value: float64(rtt.Milliseconds()),
	})
}

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.logger.Warn("event_channel_full")
	}
}

func (c *Client) statusLocked() Status {
	return Status{
		State:             c.state,
		ReconnectAttempts: c.attempts,
		LastConnected:     c.lastConnected,
		Err:               c.lastErr,
		Latency:           c.latency,
	}
}

func (c *Client) setStateLocked(state State, err error) {
	c.state = state
	c.lastErr = err
	c.publish(c.statusLocked())
}

func (c *Client) publish(st Status) {
	select {
	case c.statusCh <- st:
	default:
		// Conflate: drop the oldest snapshot to make room for the newest.
		select {
		case <-c.statusCh:
		default:
		}
		select {
		case c.statusCh <- st:
		default:
		}
	}
}
