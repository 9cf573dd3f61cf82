package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trosyn/lansync/internal/log"
	"github.com/trosyn/lansync/internal/protocol"
)

// ConnState is the client connection state.
type ConnState int

// Client connection states, in the order they are normally traversed.
const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateAuthenticated
)

// String returns the state name.
func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	default:
		return fmt.Sprintf("ConnState(%d)", int(s))
	}
}

// Common errors returned by the client.
var (
	ErrNotConnected     = errors.New("not connected")
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrRequestTimeout   = errors.New("request timed out")
	ErrAuthRejected     = errors.New("authentication rejected")
	ErrClientClosed     = errors.New("client closed")
	// ErrRemote wraps an ERROR message received in place of a response.
	ErrRemote = errors.New("remote error")
)

// ClientConfig tunes timeouts, heartbeats, and reconnection.
type ClientConfig struct {
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	// AuthTimeout bounds the authentication round trip. Credential lookup
	// on the peer can be slow, so it is more generous than RequestTimeout.
	AuthTimeout         time.Duration
	HeartbeatInterval   time.Duration
	HeartbeatTimeout    time.Duration
	MaxMissedHeartbeats int

	ReconnectInitial     time.Duration
	ReconnectMax         time.Duration
	MaxReconnectAttempts int

	// TLS, when non-nil, upgrades the connection after dialing.
	TLS *tls.Config

	// AuthPayload supplies extra fields for the AUTH_REQUEST, such as
	// advertised capabilities. May be nil.
	AuthPayload func() map[string]any
}

// DefaultClientConfig returns the stock client tuning.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ConnectTimeout:       15 * time.Second,
		RequestTimeout:       10 * time.Second,
		AuthTimeout:          30 * time.Second,
		HeartbeatInterval:    30 * time.Second,
		HeartbeatTimeout:     10 * time.Second,
		MaxMissedHeartbeats:  3,
		ReconnectInitial:     2 * time.Second,
		ReconnectMax:         300 * time.Second,
		MaxReconnectAttempts: 10,
	}
}

// backoffDelay returns the reconnect delay for a zero-based attempt number:
// initial doubled per attempt, capped at max.
func backoffDelay(attempt int, initial, max time.Duration) time.Duration {
	d := initial
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Client is a connection to one peer's sync server. It authenticates after
// connecting, multiplexes request/response pairs by request_id, sends
// heartbeats, and reconnects with exponential backoff when the link drops.
type Client struct {
	addr    string
	handler *protocol.Handler
	cfg     ClientConfig

	mu             sync.Mutex
	state          ConnState
	conn           net.Conn
	pending        map[string]chan *protocol.Message
	stateListeners []func(ConnState)
	handlers       map[protocol.MessageType]func(*protocol.Message)
	lastSeen       time.Time
	missed         int
	resetting      bool
	closed         bool
	done           chan struct{}
	loopCancel     context.CancelFunc
	connCtx        context.Context

	wmu sync.Mutex // serializes frame writes
	wg  sync.WaitGroup
}

// NewClient creates a client for the given address. Connect must be called
// before any request.
func NewClient(addr string, handler *protocol.Handler, cfg ClientConfig) *Client {
	return &Client{
		addr:     addr,
		handler:  handler,
		cfg:      cfg,
		state:    StateDisconnected,
		pending:  make(map[string]chan *protocol.Message),
		handlers: make(map[protocol.MessageType]func(*protocol.Message)),
		done:     make(chan struct{}),
	}
}

// State returns the current connection state.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnStateChange registers a listener for state transitions. Listeners run on
// the goroutine driving the transition and must not block.
func (c *Client) OnStateChange(cb func(ConnState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateListeners = append(c.stateListeners, cb)
}

// Handle registers a handler for unsolicited messages of the given type.
func (c *Client) Handle(t protocol.MessageType, fn func(*protocol.Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[t] = fn
}

func (c *Client) setState(s ConnState) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	listeners := append([]func(ConnState){}, c.stateListeners...)
	c.mu.Unlock()
	for _, cb := range listeners {
		cb(s)
	}
}

// Connect dials the peer, starts the read and heartbeat loops, and
// authenticates. On auth rejection the connection is torn down and
// ErrAuthRejected returned.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return fmt.Errorf("connect in state %s", c.state)
	}
	c.connCtx = ctx
	c.mu.Unlock()

	return c.connect(ctx)
}

func (c *Client) connect(ctx context.Context) error {
	c.setState(StateConnecting)

	d := net.Dialer{Timeout: c.cfg.ConnectTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("dialing %s: %w", c.addr, err)
	}
	if c.cfg.TLS != nil {
		tcfg := c.cfg.TLS.Clone()
		if tcfg.ServerName == "" && !tcfg.InsecureSkipVerify {
			if host, _, herr := net.SplitHostPort(c.addr); herr == nil {
				tcfg.ServerName = host
			}
		}
		tlsConn := tls.Client(conn, tcfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			c.setState(StateDisconnected)
			return fmt.Errorf("TLS handshake with %s: %w", c.addr, err)
		}
		conn = tlsConn
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	// The dial may have raced with Close; never commit a connection on a
	// closed client.
	if c.closed {
		c.mu.Unlock()
		cancel()
		conn.Close()
		c.setState(StateDisconnected)
		return ErrClientClosed
	}
	c.conn = conn
	c.loopCancel = cancel
	c.lastSeen = time.Now()
	c.missed = 0
	c.mu.Unlock()
	c.setState(StateConnected)

	c.wg.Add(2)
	go c.readLoop(loopCtx, conn)
	go c.heartbeatLoop(loopCtx)

	if err := c.authenticate(ctx); err != nil {
		c.teardown()
		return err
	}
	c.setState(StateAuthenticated)
	log.Info().Str("addr", c.addr).Msg("peer connection authenticated")
	return nil
}

func (c *Client) authenticate(ctx context.Context) error {
	payload := map[string]any{
		"node_id":   c.handler.NodeID(),
		"node_name": c.handler.NodeName(),
	}
	if c.cfg.AuthPayload != nil {
		for k, v := range c.cfg.AuthPayload() {
			payload[k] = v
		}
	}

	timeout := c.cfg.AuthTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	resp, err := c.request(ctx, protocol.TypeAuthRequest, payload, StateConnected, timeout)
	if err != nil {
		return fmt.Errorf("authenticating with %s: %w", c.addr, err)
	}
	if ok, _ := resp.Payload["success"].(bool); !ok {
		detail, _ := resp.Payload["error"].(string)
		if detail == "" {
			detail = "rejected by peer"
		}
		return fmt.Errorf("%w: %s", ErrAuthRejected, detail)
	}
	return nil
}

// Request sends a message and waits for the matching response. The request_id
// is generated here and stamped into the payload; the peer must echo it.
func (c *Client) Request(ctx context.Context, t protocol.MessageType, payload map[string]any) (*protocol.Message, error) {
	return c.request(ctx, t, payload, StateAuthenticated, c.cfg.RequestTimeout)
}

func (c *Client) request(ctx context.Context, t protocol.MessageType, payload map[string]any, minState ConnState, timeout time.Duration) (*protocol.Message, error) {
	reqID := uuid.NewString()
	if payload == nil {
		payload = map[string]any{}
	}
	payload["request_id"] = reqID

	ch := make(chan *protocol.Message, 1)
	c.mu.Lock()
	if c.state < minState {
		c.mu.Unlock()
		if minState == StateAuthenticated {
			return nil, ErrNotAuthenticated
		}
		return nil, ErrNotConnected
	}
	c.pending[reqID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, reqID)
		c.mu.Unlock()
	}()

	if err := c.send(t, payload); err != nil {
		return nil, err
	}

	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("%w after %s", ErrRequestTimeout, timeout)
	case resp, ok := <-ch:
		if !ok || resp == nil {
			return nil, ErrNotConnected
		}
		if resp.Type == protocol.TypeError {
			code, _ := resp.Payload["code"].(string)
			detail, _ := resp.Payload["message"].(string)
			return nil, fmt.Errorf("%w: %s: %s", ErrRemote, code, detail)
		}
		return resp, nil
	}
}

// Send sends a fire-and-forget message. The caller must be authenticated
// unless the type is public.
func (c *Client) Send(t protocol.MessageType, payload map[string]any) error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state < StateAuthenticated && !protocol.IsPublic(t) {
		return ErrNotAuthenticated
	}
	if state < StateConnected {
		return ErrNotConnected
	}
	return c.send(t, payload)
}

func (c *Client) send(t protocol.MessageType, payload map[string]any) error {
	m, err := c.handler.NewMessage(t, payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return WriteMessage(conn, m)
}

func (c *Client) readLoop(ctx context.Context, conn net.Conn) {
	defer c.wg.Done()
	for {
		m, err := ReadMessage(conn)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			log.Warn().Err(err).Str("addr", c.addr).Msg("peer read failed")
			c.triggerReset("read error")
			return
		}
		c.dispatch(m)
	}
}

func (c *Client) dispatch(m *protocol.Message) {
	checkSig := !protocol.IsPublic(m.Type)
	if ok, reason := c.handler.Validate(m, protocol.ValidateOptions{
		CheckSignature: checkSig,
		CheckReplay:    true,
	}); !ok {
		log.Warn().Str("reason", reason).Str("msg", m.String()).Msg("dropping invalid message")
		return
	}

	c.mu.Lock()
	c.lastSeen = time.Now()
	c.missed = 0
	ch, pendingOK := c.pending[m.RequestID()]
	if pendingOK {
		delete(c.pending, m.RequestID())
	}
	handler := c.handlers[m.Type]
	c.mu.Unlock()

	// An ERROR carrying a request_id resolves that pending request; the
	// requester turns it into an error return.
	if pendingOK {
		ch <- m
		return
	}

	switch {
	case m.Type == protocol.TypeHeartbeat:
		// Traffic already refreshed lastSeen; nothing else to do.
	case handler != nil:
		handler(m)
	default:
		log.Debug().Str("msg", m.String()).Msg("no handler for unsolicited message")
	}
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	defer c.wg.Done()

	interval := c.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := c.send(protocol.TypeHeartbeat, nil); err != nil {
			log.Warn().Err(err).Str("addr", c.addr).Msg("heartbeat send failed")
		}

		c.mu.Lock()
		silent := time.Since(c.lastSeen) > interval+c.cfg.HeartbeatTimeout
		if silent {
			c.missed++
		}
		missed := c.missed
		c.mu.Unlock()

		if missed >= c.cfg.MaxMissedHeartbeats {
			log.Warn().Int("missed", missed).Str("addr", c.addr).Msg("peer considered dead")
			c.triggerReset("missed heartbeats")
			return
		}
	}
}

// triggerReset starts the reconnect sequence on its own goroutine, tracked
// by the wait group so Close can await it. The caller is a loop goroutine
// still holding its own wg slot, so the counter cannot hit zero here.
func (c *Client) triggerReset(reason string) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.resetConnection(reason)
	}()
}

// resetConnection tears the connection down and, unless the client is
// closed, retries with exponential backoff. The resetting flag makes
// concurrent triggers (read error and heartbeat loss) collapse into one
// reset.
func (c *Client) resetConnection(reason string) {
	c.mu.Lock()
	if c.resetting || c.closed {
		c.mu.Unlock()
		return
	}
	c.resetting = true
	ctx := c.connCtx
	c.mu.Unlock()

	log.Info().Str("addr", c.addr).Str("reason", reason).Msg("resetting peer connection")
	c.teardown()

	defer func() {
		c.mu.Lock()
		c.resetting = false
		c.mu.Unlock()
	}()

	for attempt := 0; attempt < c.cfg.MaxReconnectAttempts; attempt++ {
		delay := backoffDelay(attempt, c.cfg.ReconnectInitial, c.cfg.ReconnectMax)
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-time.After(delay):
		}

		err := c.connect(ctx)
		if err == nil || errors.Is(err, ErrClientClosed) {
			return
		}
		log.Warn().Err(err).Int("attempt", attempt+1).Str("addr", c.addr).Msg("reconnect failed")
	}
	log.Error().Str("addr", c.addr).Msg("giving up on peer after max reconnect attempts")
}

// teardown closes the socket, stops the loops, and fails every pending
// request. Safe to call repeatedly.
func (c *Client) teardown() {
	c.mu.Lock()
	cancel := c.loopCancel
	conn := c.conn
	c.loopCancel = nil
	c.conn = nil
	pending := c.pending
	c.pending = make(map[string]chan *protocol.Message)
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	for _, ch := range pending {
		close(ch)
	}
	c.setState(StateDisconnected)
}

// Close shuts the client down permanently. Idempotent.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	c.teardown()
	c.wg.Wait()
}
