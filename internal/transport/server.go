package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/trosyn/lansync/internal/log"
	"github.com/trosyn/lansync/internal/protocol"
)

// AuthFunc decides whether an AUTH_REQUEST payload is acceptable. On success
// it may return auth data to attach to the session, such as the peer's
// capabilities.
type AuthFunc func(payload map[string]any) (bool, map[string]any)

// HandlerFunc serves one message type. It returns the response type and
// payload; a zero response type means no response is sent. Returned errors
// become ERROR messages correlated to the request.
type HandlerFunc func(sess *Session, m *protocol.Message) (protocol.MessageType, map[string]any, error)

// Session is the server-side state for one connected client.
type Session struct {
	conn net.Conn
	wmu  sync.Mutex

	mu            sync.Mutex
	authenticated bool
	nodeID        string
	nodeName      string
	authData      map[string]any
	lastSeen      time.Time
}

// RemoteAddr returns the client's address.
func (s *Session) RemoteAddr() string { return s.conn.RemoteAddr().String() }

// NodeID returns the peer node ID established during authentication.
func (s *Session) NodeID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nodeID
}

// Authenticated reports whether the session passed authentication.
func (s *Session) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

// AuthData returns the data the auth middleware attached to the session.
func (s *Session) AuthData() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authData
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

func (s *Session) send(m *protocol.Message) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return WriteMessage(s.conn, m)
}

// ServerConfig tunes the server's dead-client detection and TLS.
type ServerConfig struct {
	HeartbeatInterval time.Duration
	MaxMissed         int

	// TLS, when non-nil, wraps the listener.
	TLS *tls.Config
}

// DefaultServerConfig returns the stock server tuning.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{HeartbeatInterval: 30 * time.Second, MaxMissed: 3}
}

// Server accepts peer connections and routes validated messages to the
// registered handlers. Messages of non-public types are rejected until the
// session authenticates.
type Server struct {
	handler *protocol.Handler
	auth    AuthFunc
	cfg     ServerConfig

	mu       sync.Mutex
	handlers map[protocol.MessageType]HandlerFunc
	sessions map[string]*Session
	listener net.Listener
	cancel   context.CancelFunc
	running  bool

	wg sync.WaitGroup
}

// NewServer creates a server. A nil auth func accepts every AUTH_REQUEST.
func NewServer(handler *protocol.Handler, auth AuthFunc, cfg ServerConfig) *Server {
	return &Server{
		handler:  handler,
		auth:     auth,
		cfg:      cfg,
		handlers: make(map[protocol.MessageType]HandlerFunc),
		sessions: make(map[string]*Session),
	}
}

// Handle registers a handler for a message type.
func (s *Server) Handle(t protocol.MessageType, fn HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[t] = fn
}

// Start listens on addr and serves until Stop. Use port 0 to pick a free
// port; Addr reports the bound address.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("server already running")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	if s.cfg.TLS != nil {
		ln = tls.NewListener(ln, s.cfg.TLS)
	}

	ctx, cancel := context.WithCancel(ctx)
	s.listener = ln
	s.cancel = cancel
	s.running = true

	s.wg.Add(2)
	go s.acceptLoop(ctx, ln)
	go s.heartbeatLoop(ctx)

	log.Info().Str("addr", ln.Addr().String()).Msg("sync server listening")
	return nil
}

// Addr returns the bound listen address, or "" when not running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down: background tasks first, then client
// connections, then the listener. Idempotent.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	ln := s.listener
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.listener = nil
	s.mu.Unlock()

	cancel()
	for _, sess := range sessions {
		sess.conn.Close()
	}
	if ln != nil {
		ln.Close()
	}
	s.wg.Wait()
	log.Info().Msg("sync server stopped")
}

// Sessions returns a snapshot of the connected sessions.
func (s *Server) Sessions() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			log.Warn().Err(err).Msg("accept failed")
			time.Sleep(errAcceptBackoff)
			continue
		}
		sess := &Session{conn: conn, lastSeen: time.Now()}
		s.mu.Lock()
		s.sessions[conn.RemoteAddr().String()] = sess
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serveConn(ctx, sess)
	}
}

const errAcceptBackoff = 5 * time.Second

func (s *Server) serveConn(ctx context.Context, sess *Session) {
	defer s.wg.Done()
	defer func() {
		sess.conn.Close()
		s.mu.Lock()
		delete(s.sessions, sess.RemoteAddr())
		s.mu.Unlock()
		log.Debug().Str("addr", sess.RemoteAddr()).Msg("client disconnected")
	}()

	for {
		m, err := ReadMessage(sess.conn)
		if err != nil {
			select {
			case <-ctx.Done():
			default:
				log.Debug().Err(err).Str("addr", sess.RemoteAddr()).Msg("client read ended")
			}
			return
		}
		s.handleMessage(sess, m)
	}
}

func (s *Server) handleMessage(sess *Session, m *protocol.Message) {
	public := protocol.IsPublic(m.Type)
	if ok, reason := s.handler.Validate(m, protocol.ValidateOptions{
		CheckSignature: !public,
		CheckReplay:    true,
	}); !ok {
		log.Warn().
			Str("reason", reason).
			Str("addr", sess.RemoteAddr()).
			Str("msg", m.String()).
			Msg("rejecting invalid message")
		s.sendError(sess, "invalid_message", reason, m.RequestID())
		return
	}

	sess.touch()

	if !public && !sess.Authenticated() {
		s.sendError(sess, "auth_required", "authentication required", m.RequestID())
		return
	}

	switch m.Type {
	case protocol.TypeAuthRequest:
		s.handleAuth(sess, m)
		return
	case protocol.TypeHeartbeat:
		// Reply so the client's liveness tracking sees traffic.
		reply, err := s.handler.NewMessage(protocol.TypeHeartbeat, nil)
		if err == nil {
			_ = sess.send(reply)
		}
		return
	}

	s.mu.Lock()
	fn := s.handlers[m.Type]
	s.mu.Unlock()
	if fn == nil {
		s.sendError(sess, "unsupported", fmt.Sprintf("no handler for %s", m.Type), m.RequestID())
		return
	}

	respType, respPayload, err := fn(sess, m)
	if err != nil {
		log.Warn().Err(err).Str("type", m.Type.String()).Msg("handler failed")
		s.sendError(sess, "handler_error", err.Error(), m.RequestID())
		return
	}
	if respType == 0 {
		return
	}
	if respPayload == nil {
		respPayload = map[string]any{}
	}
	if reqID := m.RequestID(); reqID != "" {
		respPayload["request_id"] = reqID
	}
	resp, err := s.handler.NewMessage(respType, respPayload)
	if err != nil {
		log.Error().Err(err).Msg("building response")
		return
	}
	if err := sess.send(resp); err != nil {
		log.Warn().Err(err).Str("addr", sess.RemoteAddr()).Msg("response write failed")
	}
}

// handleAuth runs the auth middleware and replies with AUTH_RESPONSE echoing
// the request_id. A rejected auth leaves the session connected but
// unauthenticated; the client decides whether to hang up.
func (s *Server) handleAuth(sess *Session, m *protocol.Message) {
	ok := true
	var authData map[string]any
	if s.auth != nil {
		ok, authData = s.auth(m.Payload)
	}

	payload := map[string]any{"success": ok, "node_id": s.handler.NodeID()}
	if reqID := m.RequestID(); reqID != "" {
		payload["request_id"] = reqID
	}
	if !ok {
		payload["error"] = "authentication rejected"
		log.Warn().Str("addr", sess.RemoteAddr()).Msg("authentication rejected")
	} else {
		sess.mu.Lock()
		sess.authenticated = true
		sess.authData = authData
		sess.nodeID, _ = m.Payload["node_id"].(string)
		sess.nodeName, _ = m.Payload["node_name"].(string)
		sess.mu.Unlock()
		log.Info().
			Str("addr", sess.RemoteAddr()).
			Str("node_id", sess.NodeID()).
			Msg("client authenticated")
	}

	resp, err := s.handler.NewMessage(protocol.TypeAuthResponse, payload)
	if err != nil {
		log.Error().Err(err).Msg("building auth response")
		return
	}
	if err := sess.send(resp); err != nil {
		log.Warn().Err(err).Str("addr", sess.RemoteAddr()).Msg("auth response write failed")
	}
}

func (s *Server) sendError(sess *Session, code, detail, requestID string) {
	m, err := s.handler.NewError(code, detail, requestID)
	if err != nil {
		log.Error().Err(err).Msg("building error message")
		return
	}
	if err := sess.send(m); err != nil {
		log.Debug().Err(err).Str("addr", sess.RemoteAddr()).Msg("error write failed")
	}
}

// heartbeatLoop broadcasts heartbeats to authenticated sessions and drops
// clients that have been silent for MaxMissed intervals.
func (s *Server) heartbeatLoop(ctx context.Context) {
	defer s.wg.Done()

	interval := s.cfg.HeartbeatInterval
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

		cutoff := time.Now().Add(-time.Duration(s.cfg.MaxMissed) * interval)
		for _, sess := range s.Sessions() {
			sess.mu.Lock()
			stale := sess.lastSeen.Before(cutoff)
			authed := sess.authenticated
			sess.mu.Unlock()

			if stale {
				log.Info().Str("addr", sess.RemoteAddr()).Msg("dropping silent client")
				sess.conn.Close()
				continue
			}
			if !authed {
				continue
			}
			hb, err := s.handler.NewMessage(protocol.TypeHeartbeat, nil)
			if err != nil {
				continue
			}
			if err := sess.send(hb); err != nil {
				log.Debug().Err(err).Str("addr", sess.RemoteAddr()).Msg("heartbeat write failed")
			}
		}
	}
}
