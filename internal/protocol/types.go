package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// MessageType identifies the kind of a protocol message. Ordinals start at 1
// and are part of the wire compatibility surface: peers may transmit the
// symbolic name, the ordinal, or the ordinal as a decimal string.
type MessageType int

const (
	// TypeDiscoveryBroadcast announces a node over UDP multicast.
	TypeDiscoveryBroadcast MessageType = iota + 1
	// TypeDiscoveryResponse answers a discovery broadcast.
	TypeDiscoveryResponse
	// TypeAuthRequest carries client credentials.
	TypeAuthRequest
	// TypeAuthResponse reports the outcome of an auth request.
	TypeAuthResponse
	// TypeAuthChallenge asks the client to prove possession of a credential.
	TypeAuthChallenge
	// TypeSyncRequest opens a sync exchange (manifest or document fetch).
	TypeSyncRequest
	// TypeSyncResponse answers a sync request.
	TypeSyncResponse
	// TypeSyncData carries document bytes.
	TypeSyncData
	// TypeSyncAck acknowledges received sync data.
	TypeSyncAck
	// TypeSyncComplete closes a sync exchange.
	TypeSyncComplete
	// TypeHeartbeat keeps a connection alive and detects dead peers.
	TypeHeartbeat
	// TypeError reports a protocol-level failure, optionally correlated to a
	// pending request via payload.request_id.
	TypeError
)

var typeNames = map[MessageType]string{
	TypeDiscoveryBroadcast: "DISCOVERY_BROADCAST",
	TypeDiscoveryResponse:  "DISCOVERY_RESPONSE",
	TypeAuthRequest:        "AUTH_REQUEST",
	TypeAuthResponse:       "AUTH_RESPONSE",
	TypeAuthChallenge:      "AUTH_CHALLENGE",
	TypeSyncRequest:        "SYNC_REQUEST",
	TypeSyncResponse:       "SYNC_RESPONSE",
	TypeSyncData:           "SYNC_DATA",
	TypeSyncAck:            "SYNC_ACK",
	TypeSyncComplete:       "SYNC_COMPLETE",
	TypeHeartbeat:          "HEARTBEAT",
	TypeError:              "ERROR",
}

var typesByName = func() map[string]MessageType {
	m := make(map[string]MessageType, len(typeNames))
	for t, name := range typeNames {
		m[name] = t
	}
	return m
}()

// String returns the symbolic name of the message type.
func (t MessageType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", int(t))
}

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	_, ok := typeNames[t]
	return ok
}

// ParseMessageType converts any of the accepted wire encodings of a message
// type (symbolic name, ordinal, or ordinal as a decimal string) into the
// typed enum. Anything else is a typed error, never a silent coercion.
func ParseMessageType(raw any) (MessageType, error) {
	switch v := raw.(type) {
	case MessageType:
		if v.Valid() {
			return v, nil
		}
	case string:
		if t, ok := typesByName[v]; ok {
			return t, nil
		}
		if n, err := strconv.Atoi(v); err == nil {
			if t := MessageType(n); t.Valid() {
				return t, nil
			}
		}
	case int:
		if t := MessageType(v); t.Valid() {
			return t, nil
		}
	case float64:
		if t := MessageType(int(v)); t.Valid() && float64(int(v)) == v {
			return t, nil
		}
	case json.Number:
		if n, err := v.Int64(); err == nil {
			if t := MessageType(n); t.Valid() {
				return t, nil
			}
		}
	}
	return 0, fmt.Errorf("%w: %v", ErrInvalidMessageType, raw)
}

// MarshalJSON renders the symbolic name, the canonical wire encoding.
func (t MessageType) MarshalJSON() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidMessageType, int(t))
	}
	return json.Marshal(t.String())
}

// UnmarshalJSON accepts all three legacy encodings.
func (t *MessageType) UnmarshalJSON(data []byte) error {
	var raw any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	parsed, err := ParseMessageType(raw)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
