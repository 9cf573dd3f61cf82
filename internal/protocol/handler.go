package protocol

import (
	"fmt"
	"strings"
)

// publicTypes is the per-message-type policy table: these types may arrive
// unsigned and before authentication. Both the client and the server consult
// the same table.
var publicTypes = map[MessageType]struct{}{
	TypeAuthRequest: {},
	TypeHeartbeat:   {},
}

// IsPublic reports whether a message type is exempt from the signature and
// authentication gates.
func IsPublic(t MessageType) bool {
	_, ok := publicTypes[t]
	return ok
}

// Handler builds and validates messages on behalf of one node. The secret,
// when non-empty, is used to sign every outgoing message and to verify
// incoming ones. The replay cache is owned by the handler and shared by all
// connections using it.
type Handler struct {
	nodeID   string
	nodeName string
	secret   []byte
	nonces   *nonceCache
}

// NewHandler creates a protocol handler for the given node identity. An empty
// secret disables signing and signature checks.
func NewHandler(nodeID, nodeName string, secret []byte) *Handler {
	return &Handler{
		nodeID:   nodeID,
		nodeName: nodeName,
		secret:   secret,
		nonces:   newNonceCache(nonceWindow),
	}
}

// NodeID returns the local node ID the handler stamps into messages.
func (h *Handler) NodeID() string { return h.nodeID }

// NodeName returns the local node name.
func (h *Handler) NodeName() string { return h.nodeName }

// Signing reports whether a shared secret is configured.
func (h *Handler) Signing() bool { return len(h.secret) > 0 }

// NewMessage creates a message stamped with the local source and, when a
// secret is configured, signs it.
func (h *Handler) NewMessage(t MessageType, payload map[string]any) (*Message, error) {
	m := NewMessage(t, payload)
	m.Source = &NodeRef{NodeID: h.nodeID, NodeName: h.nodeName}
	if len(h.secret) > 0 {
		if err := m.Sign(h.secret); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// NewError creates an ERROR message. A non-empty requestID correlates the
// error to the pending request it fails.
func (h *Handler) NewError(code, detail, requestID string) (*Message, error) {
	payload := map[string]any{"code": code, "message": detail}
	if requestID != "" {
		payload["request_id"] = requestID
	}
	return h.NewMessage(TypeError, payload)
}

// ValidateOptions controls which checks Validate applies.
type ValidateOptions struct {
	CheckSignature bool
	CheckReplay    bool
}

// Validate enforces required fields, message-type validity, expiry, and
// optionally the signature and replay checks. The nonce is recorded only
// after the signature has verified, so a forged message cannot poison the
// anti-replay cache. Returns (false, reason) on the first failed check.
func (h *Handler) Validate(m *Message, opts ValidateOptions) (bool, string) {
	if m == nil {
		return false, "nil message"
	}
	if !m.Type.Valid() {
		return false, fmt.Sprintf("invalid message type: %d", int(m.Type))
	}

	var missing []string
	if m.ID == "" {
		missing = append(missing, "message_id")
	}
	if m.Timestamp == "" {
		missing = append(missing, "timestamp")
	}
	if m.Nonce == "" {
		missing = append(missing, "nonce")
	}
	if len(missing) > 0 {
		return false, "missing required fields: " + strings.Join(missing, ", ")
	}

	if m.IsExpired(MessageTTL) {
		return false, fmt.Sprintf("message expired (timestamp: %s)", m.Timestamp)
	}

	if opts.CheckSignature && len(h.secret) > 0 {
		if m.Signature == "" {
			return false, "message not signed"
		}
		if !m.Verify(h.secret) {
			return false, "invalid message signature"
		}
	}

	if opts.CheckReplay {
		if !h.nonces.checkAndStore(m.Nonce) {
			return false, fmt.Sprintf("replay detected (nonce: %s)", m.Nonce)
		}
	}

	return true, ""
}
