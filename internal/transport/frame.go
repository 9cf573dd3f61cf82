// Package transport moves signed protocol messages over TCP. Frames are a
// 4-byte big-endian length followed by the UTF-8 JSON message. The client
// side runs a reconnecting state machine with heartbeats; the server side
// tracks per-client sessions and gates non-public messages on authentication.
package transport

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/trosyn/lansync/internal/protocol"
)

// MaxFrameSize bounds a single message on the wire. Anything larger is
// treated as a protocol violation and the connection is dropped.
const MaxFrameSize = 16 << 20

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(payload))
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("frame too large: %d bytes", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// WriteMessage encodes and frames one message.
func WriteMessage(w io.Writer, m *protocol.Message) error {
	data, err := m.Encode()
	if err != nil {
		return err
	}
	return WriteFrame(w, data)
}

// ReadMessage reads and decodes one framed message.
func ReadMessage(r io.Reader) (*protocol.Message, error) {
	data, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return protocol.Decode(data)
}
