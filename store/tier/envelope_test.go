package tier

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnvelopeSmallPayloadStaysRaw(t *testing.T) {
	c, err := newCodec()
	require.NoError(t, err)
	defer c.close()

	payload := []byte("short payload")
	frame := c.encode(payload)
	require.Equal(t, encodingRaw, frame[0])

	got, err := c.decode(frame, int64(len(payload)))
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestEnvelopeLargePayloadCompressed(t *testing.T) {
	c, err := newCodec()
	require.NoError(t, err)
	defer c.close()

	payload := bytes.Repeat([]byte("compressible "), 1024)
	frame := c.encode(payload)
	require.Equal(t, encodingZstd, frame[0])
	require.Less(t, len(frame), len(payload))

	got, err := c.decode(frame, int64(len(payload)))
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestEnvelopeIncompressibleStaysRaw(t *testing.T) {
	c, err := newCodec()
	require.NoError(t, err)
	defer c.close()

	// Pseudo-random bytes do not compress; the codec keeps the raw frame.
	payload := make([]byte, 8192)
	state := uint32(2463534242)
	for i := range payload {
		state ^= state << 13
		state ^= state >> 17
		state ^= state << 5
		payload[i] = byte(state)
	}

	frame := c.encode(payload)
	require.Equal(t, encodingRaw, frame[0])

	got, err := c.decode(frame, int64(len(payload)))
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestEnvelopeCorruptFrames(t *testing.T) {
	c, err := newCodec()
	require.NoError(t, err)
	defer c.close()

	_, err = c.decode(nil, 5)
	require.Error(t, err)

	got, err := c.decode(nil, 0)
	require.NoError(t, err)
	require.Empty(t, got)

	_, err = c.decode([]byte{encodingZstd, 0xde, 0xad}, 100)
	require.Error(t, err)

	// A raw frame whose length disagrees with the recorded size.
	_, err = c.decode([]byte{encodingRaw, 'a', 'b'}, 100)
	require.Error(t, err)

	// An unknown encoding byte.
	_, err = c.decode([]byte{0x7f, 'a'}, 1)
	require.Error(t, err)
}
