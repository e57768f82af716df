package tier

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

const (
	// encodingRaw marks an unencoded payload frame.
	encodingRaw byte = 0

	// encodingZstd marks a zstd-compressed payload frame.
	encodingZstd byte = 1

	// compressionThreshold is the minimum payload size before compression
	// is considered. zstd overhead is not worth it for smaller payloads.
	compressionThreshold = 2048
)

var (
	// errEmptyEnvelope is returned when a stored frame has no prefix byte.
	errEmptyEnvelope = errors.New("empty payload envelope")

	// errCorruptEnvelope is returned when a decoded payload does not match
	// the entry's recorded logical size.
	errCorruptEnvelope = errors.New("payload envelope size mismatch")
)

// codec transparently compresses payloads at rest. Frames are a single
// encoding byte followed by the (possibly compressed) payload. Encoder and
// decoder are goroutine-safe and reused across entries.
type codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	mu      sync.RWMutex
}

func newCodec() (*codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &codec{encoder: enc, decoder: dec}, nil
}

// close releases encoder/decoder resources.
func (c *codec) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// encode frames the payload, compressing when it pays off.
func (c *codec) encode(data []byte) []byte {
	if len(data) < compressionThreshold {
		return rawFrame(data)
	}

	c.mu.RLock()
	enc := c.encoder
	c.mu.RUnlock()
	if enc == nil {
		return rawFrame(data)
	}

	frame := make([]byte, 1, len(data)/2+1)
	frame[0] = encodingZstd
	frame = enc.EncodeAll(data, frame)
	if len(frame)-1 >= len(data) {
		return rawFrame(data)
	}
	return frame
}

// decode unframes a stored payload. logicalSize caps decompression so a
// corrupt frame cannot balloon in memory.
func (c *codec) decode(frame []byte, logicalSize int64) ([]byte, error) {
	if len(frame) == 0 {
		if logicalSize == 0 {
			return nil, nil
		}
		return nil, errEmptyEnvelope
	}

	switch frame[0] {
	case encodingRaw:
		data := make([]byte, len(frame)-1)
		copy(data, frame[1:])
		if int64(len(data)) != logicalSize {
			return nil, errCorruptEnvelope
		}
		return data, nil

	case encodingZstd:
		c.mu.RLock()
		dec := c.decoder
		c.mu.RUnlock()
		if dec == nil {
			return nil, errors.New("decoder closed")
		}
		data, err := dec.DecodeAll(frame[1:], make([]byte, 0, logicalSize))
		if err != nil {
			return nil, fmt.Errorf("decompressing payload: %w", err)
		}
		if int64(len(data)) != logicalSize {
			return nil, errCorruptEnvelope
		}
		return data, nil

	default:
		return nil, fmt.Errorf("unknown payload encoding %d", frame[0])
	}
}

func rawFrame(data []byte) []byte {
	frame := make([]byte, 1+len(data))
	frame[0] = encodingRaw
	copy(frame[1:], data)
	return frame
}
