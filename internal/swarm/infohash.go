// Package swarm holds the value types shared by the mining loop, the engine
// adapters and the discovery sources.
package swarm

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
)

// InfohashSize is the length of a v1 BitTorrent infohash in bytes.
const InfohashSize = 20

// ErrInvalidInfohash indicates a malformed hex or binary infohash.
var ErrInvalidInfohash = errors.New("invalid infohash")

// Infohash identifies a torrent. It is the only key type used inside the
// process; hex text only appears in file names and log output.
type Infohash [InfohashSize]byte

// ParseHex decodes a 40-character hex string.
func ParseHex(s string) (Infohash, error) {
	var ih Infohash
	if len(s) != hex.EncodedLen(InfohashSize) {
		return ih, fmt.Errorf("%w: %q has length %d", ErrInvalidInfohash, s, len(s))
	}
	if _, err := hex.Decode(ih[:], []byte(s)); err != nil {
		return ih, fmt.Errorf("%w: %v", ErrInvalidInfohash, err)
	}
	return ih, nil
}

// FromBytes copies a 20-byte slice into an Infohash.
func FromBytes(b []byte) (Infohash, error) {
	var ih Infohash
	if len(b) != InfohashSize {
		return ih, fmt.Errorf("%w: got %d bytes", ErrInvalidInfohash, len(b))
	}
	copy(ih[:], b)
	return ih, nil
}

// Hex returns the lowercase hex encoding.
func (h Infohash) Hex() string {
	return hex.EncodeToString(h[:])
}

func (h Infohash) String() string {
	return h.Hex()
}

// Compare orders infohashes by their raw bytes.
func (h Infohash) Compare(other Infohash) int {
	return bytes.Compare(h[:], other[:])
}

// IsZero reports whether h is the zero value.
func (h Infohash) IsZero() bool {
	return h == Infohash{}
}

// Short returns the first 8 hex characters, for log lines.
func (h Infohash) Short() string {
	return h.Hex()[:8]
}
