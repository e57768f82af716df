// Package reachcache provides the shared value types for the reach-isolated
// content cache: content keys, reach levels, taxonomy tags, mastery decay
// and the cache entry itself.
package reachcache

import (
	"encoding/hex"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
)

// KeySize is the size of a content key in bytes (BLAKE3-256).
const KeySize = 32

// ContentKey is the BLAKE3 digest identifying a piece of content.
// Keys are unique per (tier, reach level); the same key may exist at
// several reach levels as independently scoped copies.
type ContentKey [KeySize]byte

// String returns the hex-encoded representation of the key.
func (k ContentKey) String() string {
	return hex.EncodeToString(k[:])
}

// ShortString returns a shortened hex representation for display.
func (k ContentKey) ShortString() string {
	return hex.EncodeToString(k[:8])
}

// IsZero returns true if the key is all zeros (uninitialized).
func (k ContentKey) IsZero() bool {
	return k == ContentKey{}
}

// MarshalText implements encoding.TextMarshaler.
func (k ContentKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *ContentKey) UnmarshalText(text []byte) error {
	if len(text) != KeySize*2 {
		return fmt.Errorf("invalid key length: expected %d hex chars, got %d", KeySize*2, len(text))
	}
	_, err := hex.Decode(k[:], text)
	return err
}

// ParseKey parses a hex-encoded content key.
func ParseKey(s string) (ContentKey, error) {
	var k ContentKey
	if err := k.UnmarshalText([]byte(s)); err != nil {
		return ContentKey{}, err
	}
	return k, nil
}

// KeyBytes computes the content key of the given bytes.
func KeyBytes(data []byte) ContentKey {
	return ContentKey(blake3.Sum256(data))
}

// KeyReader computes the content key of content from the reader.
// It returns the key and the number of bytes read.
func KeyReader(r io.Reader) (ContentKey, int64, error) {
	h := blake3.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return ContentKey{}, n, fmt.Errorf("hashing content: %w", err)
	}
	var k ContentKey
	h.Sum(k[:0])
	return k, n, nil
}
