// Package shortid produces the short, URL-safe public identifiers under which
// landing pages are published. Identifiers are drawn independently and
// uniformly at random on every allocation; no registry of issued values is
// kept anywhere, so uniqueness is probabilistic by construction. The alphabet
// size and length are chosen so that a collision between concurrently live
// identifiers is negligible: 62^8 ≈ 2.2×10^14 possible values.
package shortid

import (
	"crypto/rand"
	"fmt"
	"io"
)

// Alphabet is the fixed base62 character set identifiers are drawn from.
const Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// DefaultLength is the identifier length used when callers do not choose one.
// Shorter identifiers read better in URLs but shrink the collision margin, so
// a shorter length has to be an explicit caller decision.
const DefaultLength = 8

// Allocator draws identifiers from a random source. The zero value is not
// usable; construct with New or NewWithRand.
//
// Allocate performs no I/O beyond reading the source and keeps no state
// between calls, so a single Allocator is safe for concurrent use as long as
// its source is (crypto/rand.Reader is).
type Allocator struct {
	length int
	rand   io.Reader
}

// New returns an Allocator of the given length backed by crypto/rand. A
// non-positive length selects DefaultLength.
func New(length int) *Allocator {
	return NewWithRand(length, rand.Reader)
}

// NewWithRand returns an Allocator reading randomness from r. It exists so
// tests can script the draw; production callers want New.
func NewWithRand(length int, r io.Reader) *Allocator {
	if length <= 0 {
		length = DefaultLength
	}
	return &Allocator{length: length, rand: r}
}

// Length reports the length of identifiers this Allocator produces.
func (a *Allocator) Length() int {
	return a.length
}

// Allocate draws one identifier. It fails only when the random source does,
// which callers must treat as fatal: a weaker fallback source is not an
// acceptable substitute for values that gate write access.
func (a *Allocator) Allocate() (string, error) {
	out := make([]byte, 0, a.length)
	buf := make([]byte, a.length)
	for len(out) < a.length {
		if _, err := io.ReadFull(a.rand, buf); err != nil {
			return "", fmt.Errorf("shortid: read random source: %w", err)
		}
		for _, b := range buf {
			if len(out) == a.length {
				break
			}
			// 248 is the largest multiple of 62 that fits in a byte; values
			// above it would bias the draw toward the start of the alphabet.
			if b >= 248 {
				continue
			}
			out = append(out, Alphabet[int(b)%len(Alphabet)])
		}
	}
	return string(out), nil
}
