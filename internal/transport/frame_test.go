package transport

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trosyn/lansync/internal/protocol"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte(`{"hello":"world"}`)

	require.NoError(t, WriteFrame(&buf, payload))
	got, err := ReadFrame(&buf)
	require.NoError(t, err, "ReadFrame failed")
	assert.Equal(t, payload, got)
}

func TestFrameEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, nil))
	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestReadFrameRejectsOversizedHeader(t *testing.T) {
	var buf bytes.Buffer
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], MaxFrameSize+1)
	buf.Write(hdr[:])

	_, err := ReadFrame(&buf)
	assert.Error(t, err, "A length beyond MaxFrameSize must be rejected before allocation")
}

func TestReadFrameTruncated(t *testing.T) {
	var buf bytes.Buffer
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], 100)
	buf.Write(hdr[:])
	buf.WriteString("short")

	_, err := ReadFrame(&buf)
	assert.Error(t, err, "A truncated frame must not be returned")
}

func TestMessageRoundTripOverFrame(t *testing.T) {
	secret := []byte("secret")
	m := protocol.NewMessage(protocol.TypeSyncRequest, map[string]any{"kind": "manifest"})
	require.NoError(t, m.Sign(secret))

	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, m))

	got, err := ReadMessage(&buf)
	require.NoError(t, err, "ReadMessage failed")
	assert.Equal(t, m.ID, got.ID)
	assert.True(t, got.Verify(secret), "Signature must survive framing")
}

func TestBackoffDelay(t *testing.T) {
	initial := 2 * time.Second
	max := 300 * time.Second

	assert.Equal(t, 2*time.Second, backoffDelay(0, initial, max))
	assert.Equal(t, 4*time.Second, backoffDelay(1, initial, max))
	assert.Equal(t, 8*time.Second, backoffDelay(2, initial, max))
	assert.Equal(t, 256*time.Second, backoffDelay(7, initial, max))
	assert.Equal(t, max, backoffDelay(8, initial, max), "Delay is capped at max")
	assert.Equal(t, max, backoffDelay(50, initial, max), "Cap holds for large attempts")
}
