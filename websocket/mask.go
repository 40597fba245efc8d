package websocket

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
)

// MaskGenerator produces the per-frame 32-bit masking key a client applies
// to outbound frames (RFC 6455 Section 5.3). Zero is reserved as the
// sentinel for "no mask" and MUST NOT be returned; NextKey implementations
// that could plausibly return zero (e.g. a seeded PRNG under test) must
// reroll.
//
// A MaskGenerator may be shared across connections and goroutines; it must
// synchronise internally. The default generator does so by relying on
// crypto/rand, which is already safe for concurrent use.
type MaskGenerator interface {
	NextKey() (uint32, error)
}

// cryptoMaskGenerator draws masking keys from crypto/rand, the "secure OS
// source" §4.1 requires. DefaultMaskGenerator is its zero value, and it
// is safe for concurrent use without additional locking, since crypto/rand
// already serialises internally.
type cryptoMaskGenerator struct{}

func (cryptoMaskGenerator) NextKey() (uint32, error) {
	var buf [4]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, err
		}
		key := binary.BigEndian.Uint32(buf[:])
		if key != 0 {
			return key, nil
		}
		// A zero draw is astronomically unlikely but reserved as the
		// "no mask" sentinel (§4.1); reroll rather than propagate it.
	}
}

// DefaultMaskGenerator is the process-wide, crypto/rand-backed generator
// connections use unless a DialConfig/ServerConfig names a different one.
// It holds no mutable state of its own beyond what crypto/rand already
// synchronises, matching the "global mutable mask generator" treatment in
// spec.md §9: a shared handle, never mutated beyond NextKey().
var DefaultMaskGenerator MaskGenerator = cryptoMaskGenerator{}

// deterministicMaskGenerator is a test-only MaskGenerator that cycles
// through a fixed key sequence, letting tests assert on exact wire bytes
// without monkey-patching crypto/rand.
type deterministicMaskGenerator struct {
	mu   sync.Mutex
	keys []uint32
	next int
}

func newDeterministicMaskGenerator(keys ...uint32) *deterministicMaskGenerator {
	if len(keys) == 0 {
		keys = []uint32{0x12345678}
	}
	return &deterministicMaskGenerator{keys: keys}
}

func (g *deterministicMaskGenerator) NextKey() (uint32, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	k := g.keys[g.next%len(g.keys)]
	g.next++
	if k == 0 {
		return 0, ErrZeroMask
	}
	return k, nil
}

// maskKeyBytes renders a 32-bit masking key in the big-endian byte order
// the wire format uses: key_bytes[0] = (key>>24)&0xFF, ... key_bytes[3] =
// key&0xFF (§4.1).
func maskKeyBytes(key uint32) [4]byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], key)
	return b
}

// applyMask XORs buf in place with key, cycling through key's four bytes.
// It is its own inverse: applying it twice with the same key restores the
// original bytes, which is what lets the same function mask on send and
// unmask on receive.
func applyMask(buf []byte, key [4]byte) {
	for i := range buf {
		buf[i] ^= key[i%4]
	}
}
