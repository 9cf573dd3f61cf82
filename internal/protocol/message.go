// Package protocol defines the signed message envelope used for LAN
// synchronization and the validation rules (expiry, signatures, replay
// protection) applied to every received message.
package protocol

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Common errors returned by the protocol package.
var (
	ErrInvalidMessageType = errors.New("invalid message type")
	ErrEmptySecret        = errors.New("secret key is required for signing")
	ErrMalformedMessage   = errors.New("malformed message")
	ErrExpired            = errors.New("message expired")
	ErrBadSignature       = errors.New("invalid message signature")
	ErrReplay             = errors.New("replayed message")
)

const (
	// MessageTTL is how long a message remains acceptable after its timestamp.
	MessageTTL = 60 * time.Second
	// NonceSize is the number of random bytes in a message nonce.
	NonceSize = 16
	// nonceWindow bounds how long seen nonces are remembered.
	nonceWindow = 5 * time.Minute
)

// NodeRef identifies a node in a message source or destination field.
type NodeRef struct {
	NodeID   string `json:"node_id"`
	NodeName string `json:"node_name"`
}

// Message is the envelope for every protocol exchange. A message is immutable
// after signing except for the Signature field itself.
type Message struct {
	Type        MessageType    `json:"message_type"`
	Payload     map[string]any `json:"payload"`
	ID          string         `json:"message_id"`
	Timestamp   string         `json:"timestamp"`
	Nonce       string         `json:"nonce"`
	Signature   string         `json:"signature,omitempty"`
	Source      *NodeRef       `json:"source,omitempty"`
	Destination *NodeRef       `json:"destination,omitempty"`
}

// NewMessage creates an unsigned message of the given type.
func NewMessage(t MessageType, payload map[string]any) *Message {
	if payload == nil {
		payload = map[string]any{}
	}
	nonce := make([]byte, NonceSize)
	_, _ = rand.Read(nonce)
	return &Message{
		Type:      t,
		Payload:   payload,
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Nonce:     hex.EncodeToString(nonce),
	}
}

// IsExpired reports whether the message timestamp is older than ttl, or
// unparseable. Messages from more than one minute in the future are also
// treated as expired to reject clock-skew games.
func (m *Message) IsExpired(ttl time.Duration) bool {
	ts, err := time.Parse(time.RFC3339Nano, m.Timestamp)
	if err != nil {
		return true
	}
	age := time.Since(ts)
	return age > ttl || age < -time.Minute
}

// canonicalBytes serializes every field except the signature as compact JSON
// with sorted keys. This is the exact byte sequence covered by the HMAC, so
// both sides must produce it identically: the message type is rendered as its
// symbolic name and null-valued fields are dropped.
func (m *Message) canonicalBytes() ([]byte, error) {
	if !m.Type.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidMessageType, int(m.Type))
	}
	payload := m.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	fields := map[string]any{
		"message_type": m.Type.String(),
		"payload":      payload,
		"message_id":   m.ID,
		"timestamp":    m.Timestamp,
		"nonce":        m.Nonce,
	}
	if m.Source != nil {
		fields["source"] = map[string]any{
			"node_id":   m.Source.NodeID,
			"node_name": m.Source.NodeName,
		}
	}
	if m.Destination != nil {
		fields["destination"] = map[string]any{
			"node_id":   m.Destination.NodeID,
			"node_name": m.Destination.NodeName,
		}
	}
	// encoding/json writes map keys in sorted order, which gives us the
	// canonical form without a custom encoder.
	return json.Marshal(fields)
}

// Sign computes the HMAC-SHA256 of the canonical form and stores the hex
// digest in the Signature field. Any previous signature is discarded.
func (m *Message) Sign(secret []byte) error {
	if len(secret) == 0 {
		return ErrEmptySecret
	}
	m.Signature = ""
	data, err := m.canonicalBytes()
	if err != nil {
		return err
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	m.Signature = hex.EncodeToString(mac.Sum(nil))
	return nil
}

// Verify recomputes the signature over the canonical form and compares it in
// constant time. A missing signature or key is a mismatch, not an error.
func (m *Message) Verify(secret []byte) bool {
	if m.Signature == "" || len(secret) == 0 {
		return false
	}
	data, err := m.canonicalBytes()
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(m.Signature))
}

// Encode serializes the message (including any signature) for the wire.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses a wire message. Numbers in the payload are kept as
// json.Number so re-serializing for signature verification reproduces the
// sender's exact canonical bytes.
func Decode(data []byte) (*Message, error) {
	var m Message
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if m.Payload == nil {
		m.Payload = map[string]any{}
	}
	return &m, nil
}

// RequestID returns the correlation ID carried in the payload, if any.
func (m *Message) RequestID() string {
	if v, ok := m.Payload["request_id"].(string); ok {
		return v
	}
	return ""
}

// String renders a compact description for logging.
func (m *Message) String() string {
	return fmt.Sprintf("%s (id: %s, ts: %s)", m.Type, m.ID, m.Timestamp)
}
