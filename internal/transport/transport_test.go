package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trosyn/lansync/internal/protocol"
)

var testSecret = []byte("transport-test-secret")

func testClientConfig() ClientConfig {
	cfg := DefaultClientConfig()
	cfg.ConnectTimeout = 2 * time.Second
	cfg.RequestTimeout = 2 * time.Second
	cfg.HeartbeatInterval = time.Hour // keep heartbeats out of the way
	cfg.MaxReconnectAttempts = 1
	return cfg
}

// startTestServer brings up a server on a free port and returns it with its
// address. The server is stopped when the test ends.
func startTestServer(t *testing.T, auth AuthFunc) *Server {
	t.Helper()
	srv := NewServer(protocol.NewHandler("server-node", "Server", testSecret), auth, DefaultServerConfig())
	srv.Handle(protocol.TypeSyncRequest, func(sess *Session, m *protocol.Message) (protocol.MessageType, map[string]any, error) {
		kind, _ := m.Payload["kind"].(string)
		return protocol.TypeSyncResponse, map[string]any{"echo": kind}, nil
	})
	require.NoError(t, srv.Start(context.Background(), "127.0.0.1:0"), "server start failed")
	t.Cleanup(srv.Stop)
	return srv
}

func TestClientConnectAuthRequest(t *testing.T) {
	srv := startTestServer(t, nil)

	c := NewClient(srv.Addr(), protocol.NewHandler("client-node", "Client", testSecret), testClientConfig())
	defer c.Close()

	var states []ConnState
	c.OnStateChange(func(s ConnState) { states = append(states, s) })

	require.NoError(t, c.Connect(context.Background()), "connect failed")
	assert.Equal(t, StateAuthenticated, c.State())
	assert.Equal(t, []ConnState{StateConnecting, StateConnected, StateAuthenticated}, states,
		"States must be traversed in order")

	resp, err := c.Request(context.Background(), protocol.TypeSyncRequest, map[string]any{"kind": "manifest"})
	require.NoError(t, err, "request failed")
	assert.Equal(t, protocol.TypeSyncResponse, resp.Type)
	assert.Equal(t, "manifest", resp.Payload["echo"])
}

func TestClientAuthRejected(t *testing.T) {
	srv := startTestServer(t, func(payload map[string]any) (bool, map[string]any) {
		return false, nil
	})

	c := NewClient(srv.Addr(), protocol.NewHandler("client-node", "Client", testSecret), testClientConfig())
	defer c.Close()

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthRejected)
	assert.Equal(t, StateDisconnected, c.State(), "Rejected client must end up disconnected")
}

func TestAuthDataReachesSession(t *testing.T) {
	srv := startTestServer(t, func(payload map[string]any) (bool, map[string]any) {
		return true, map[string]any{"role": "peer"}
	})

	cfg := testClientConfig()
	cfg.AuthPayload = func() map[string]any { return map[string]any{"capabilities": []any{"sync"}} }
	c := NewClient(srv.Addr(), protocol.NewHandler("client-node", "Client", testSecret), cfg)
	defer c.Close()
	require.NoError(t, c.Connect(context.Background()))

	sessions := srv.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, "client-node", sessions[0].NodeID())
	assert.Equal(t, "peer", sessions[0].AuthData()["role"])
}

func TestRequestBeforeConnect(t *testing.T) {
	c := NewClient("127.0.0.1:1", protocol.NewHandler("client-node", "Client", testSecret), testClientConfig())
	_, err := c.Request(context.Background(), protocol.TypeSyncRequest, nil)
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestHandlerErrorResolvesPendingRequest(t *testing.T) {
	srv := startTestServer(t, nil)
	srv.Handle(protocol.TypeSyncData, func(sess *Session, m *protocol.Message) (protocol.MessageType, map[string]any, error) {
		return 0, nil, assertableError("document not found")
	})

	c := NewClient(srv.Addr(), protocol.NewHandler("client-node", "Client", testSecret), testClientConfig())
	defer c.Close()
	require.NoError(t, c.Connect(context.Background()))

	_, err := c.Request(context.Background(), protocol.TypeSyncData, map[string]any{"document_id": "missing"})
	require.Error(t, err, "An ERROR response must fail the pending request, not time it out")
	assert.ErrorIs(t, err, ErrRemote)
	assert.Contains(t, err.Error(), "document not found")
}

type assertableError string

func (e assertableError) Error() string { return string(e) }

// rawConn dials the server directly so tests can speak the wire format
// without the client state machine.
func rawConn(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err, "raw dial failed")
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func TestServerGatesUnauthenticatedRequests(t *testing.T) {
	srv := startTestServer(t, nil)
	conn := rawConn(t, srv.Addr())

	h := protocol.NewHandler("rogue-node", "Rogue", testSecret)
	m, err := h.NewMessage(protocol.TypeSyncRequest, map[string]any{"kind": "manifest", "request_id": "r1"})
	require.NoError(t, err)
	require.NoError(t, WriteMessage(conn, m))

	resp, err := ReadMessage(conn)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeError, resp.Type, "Signed but unauthenticated request must be refused")
	assert.Equal(t, "auth_required", resp.Payload["code"])
	assert.Equal(t, "r1", resp.RequestID(), "The refusal must be correlated to the request")
}

func TestServerRejectsBadSignature(t *testing.T) {
	srv := startTestServer(t, nil)
	conn := rawConn(t, srv.Addr())

	h := protocol.NewHandler("rogue-node", "Rogue", []byte("wrong-secret"))
	m, err := h.NewMessage(protocol.TypeSyncRequest, map[string]any{"kind": "manifest"})
	require.NoError(t, err)
	require.NoError(t, WriteMessage(conn, m))

	resp, err := ReadMessage(conn)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeError, resp.Type)
	assert.Equal(t, "invalid_message", resp.Payload["code"])
}

func TestServerRejectsReplayedMessage(t *testing.T) {
	srv := startTestServer(t, nil)
	conn := rawConn(t, srv.Addr())

	h := protocol.NewHandler("rogue-node", "Rogue", testSecret)
	m, err := h.NewMessage(protocol.TypeAuthRequest, map[string]any{"node_id": "rogue-node"})
	require.NoError(t, err)

	require.NoError(t, WriteMessage(conn, m))
	first, err := ReadMessage(conn)
	require.NoError(t, err)
	require.Equal(t, protocol.TypeAuthResponse, first.Type)

	// Byte-for-byte replay of the same envelope.
	require.NoError(t, WriteMessage(conn, m))
	second, err := ReadMessage(conn)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeError, second.Type, "Replayed nonce must be refused")
}

func TestHeartbeatGetsReply(t *testing.T) {
	srv := startTestServer(t, nil)
	conn := rawConn(t, srv.Addr())

	h := protocol.NewHandler("rogue-node", "Rogue", testSecret)
	hb, err := h.NewMessage(protocol.TypeHeartbeat, nil)
	require.NoError(t, err)
	require.NoError(t, WriteMessage(conn, hb))

	resp, err := ReadMessage(conn)
	require.NoError(t, err, "Heartbeats are public and must be answered pre-auth")
	assert.Equal(t, protocol.TypeHeartbeat, resp.Type)
}

func TestClientCloseIdempotent(t *testing.T) {
	srv := startTestServer(t, nil)

	c := NewClient(srv.Addr(), protocol.NewHandler("client-node", "Client", testSecret), testClientConfig())
	require.NoError(t, c.Connect(context.Background()))

	assert.NotPanics(t, func() {
		c.Close()
		c.Close()
	})
	assert.Equal(t, StateDisconnected, c.State())

	_, err := c.Request(context.Background(), protocol.TypeSyncRequest, nil)
	assert.Error(t, err, "Requests after Close must fail")
}

func TestClientCloseCancelsReconnect(t *testing.T) {
	srv := startTestServer(t, nil)

	cfg := testClientConfig()
	cfg.ReconnectInitial = 200 * time.Millisecond
	cfg.ReconnectMax = time.Second
	cfg.MaxReconnectAttempts = 5
	c := NewClient(srv.Addr(), protocol.NewHandler("client-node", "Client", testSecret), cfg)
	require.NoError(t, c.Connect(context.Background()))

	// Drop the server side of the link so the client enters its reconnect
	// backoff.
	sessions := srv.Sessions()
	require.Len(t, sessions, 1)
	sessions[0].conn.Close()
	require.Eventually(t, func() bool { return c.State() == StateDisconnected },
		2*time.Second, 10*time.Millisecond, "Client must notice the dropped link")

	// Close lands mid-backoff; it must stop the reconnect goroutine too.
	c.Close()

	time.Sleep(3 * cfg.ReconnectInitial)
	assert.Equal(t, StateDisconnected, c.State(), "No reconnect after Close")
	assert.Empty(t, srv.Sessions(), "A closed client must not re-establish a session")
}

func TestClientDetectsDeadPeer(t *testing.T) {
	// A hand-rolled peer that authenticates and then goes silent: the socket
	// stays open but heartbeats are never answered.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	h := protocol.NewHandler("silent-node", "Silent", testSecret)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			m, err := ReadMessage(conn)
			if err != nil {
				return
			}
			if m.Type != protocol.TypeAuthRequest {
				continue
			}
			resp, err := h.NewMessage(protocol.TypeAuthResponse, map[string]any{
				"success":    true,
				"node_id":    "silent-node",
				"request_id": m.RequestID(),
			})
			if err != nil {
				return
			}
			_ = WriteMessage(conn, resp)
		}
	}()

	cfg := testClientConfig()
	cfg.HeartbeatInterval = 40 * time.Millisecond
	cfg.HeartbeatTimeout = 10 * time.Millisecond
	cfg.MaxMissedHeartbeats = 2
	cfg.MaxReconnectAttempts = 0 // give up instead of reconnecting

	c := NewClient(ln.Addr().String(), protocol.NewHandler("client-node", "Client", testSecret), cfg)
	defer c.Close()
	require.NoError(t, c.Connect(context.Background()))
	require.Equal(t, StateAuthenticated, c.State())

	require.Eventually(t, func() bool { return c.State() == StateDisconnected },
		2*time.Second, 10*time.Millisecond,
		"A peer that stops answering heartbeats must be declared dead")
}

func TestAuthOutlastsRequestTimeout(t *testing.T) {
	srv := startTestServer(t, func(payload map[string]any) (bool, map[string]any) {
		time.Sleep(300 * time.Millisecond) // slow credential check
		return true, nil
	})

	cfg := testClientConfig()
	cfg.RequestTimeout = 100 * time.Millisecond
	cfg.AuthTimeout = 2 * time.Second
	c := NewClient(srv.Addr(), protocol.NewHandler("client-node", "Client", testSecret), cfg)
	defer c.Close()

	require.NoError(t, c.Connect(context.Background()),
		"Authentication runs against the auth timeout, not the request timeout")
	assert.Equal(t, StateAuthenticated, c.State())
}

func TestServerStopIdempotent(t *testing.T) {
	srv := NewServer(protocol.NewHandler("server-node", "Server", testSecret), nil, DefaultServerConfig())
	require.NoError(t, srv.Start(context.Background(), "127.0.0.1:0"))
	assert.NotPanics(t, func() {
		srv.Stop()
		srv.Stop()
	})
}
