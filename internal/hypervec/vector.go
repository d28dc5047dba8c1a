// Package hypervec implements fixed-width binary hypervectors and the algebra
// used to encode graph structure: deterministic symbol encoding, bind (XOR),
// bundle (majority vote), permute (cyclic rotation) and Hamming similarity.
package hypervec

import (
	"encoding/binary"
	"math/bits"

	"github.com/lazypower/karmagraph/internal/memerr"
)

// Vector is an immutable fixed-width binary vector. The zero value has no
// dimensions and is rejected by every Space operation.
type Vector struct {
	words []uint64
	dim   int
}

func newVector(dim int) Vector {
	return Vector{words: make([]uint64, wordsFor(dim)), dim: dim}
}

func wordsFor(dim int) int { return (dim + 63) / 64 }

// Dim returns the number of bits in v.
func (v Vector) Dim() int { return v.dim }

// IsZero reports whether v is the uninitialised zero value.
func (v Vector) IsZero() bool { return v.dim == 0 }

// Bit reports whether bit i is set.
func (v Vector) Bit(i int) bool {
	return v.words[i/64]&(1<<(uint(i)%64)) != 0
}

// OnesCount returns the number of set bits.
func (v Vector) OnesCount() int {
	n := 0
	for _, w := range v.words {
		n += bits.OnesCount64(w)
	}
	return n
}

// Equal reports whether a and b are bit-identical.
func (v Vector) Equal(o Vector) bool {
	if v.dim != o.dim {
		return false
	}
	for i := range v.words {
		if v.words[i] != o.words[i] {
			return false
		}
	}
	return true
}

// Similarity is 1 - hamming/dim, or 0 when the widths differ.
func (v Vector) Similarity(o Vector) float64 {
	if v.dim != o.dim || v.dim == 0 {
		return 0
	}
	d := 0
	for i := range v.words {
		d += bits.OnesCount64(v.words[i] ^ o.words[i])
	}
	return 1 - float64(d)/float64(v.dim)
}

// Bytes returns the little-endian byte layout of v, ceil(dim/8) bytes long.
// This is the layout persisted as an embedding payload.
func (v Vector) Bytes() []byte {
	full := make([]byte, len(v.words)*8)
	for i, w := range v.words {
		binary.LittleEndian.PutUint64(full[i*8:], w)
	}
	return full[:ByteLen(v.dim)]
}

// ByteLen returns the payload length for a vector of dim bits.
func ByteLen(dim int) int { return (dim + 7) / 8 }

// FromBytes decodes a payload produced by Bytes.
func FromBytes(dim int, b []byte) (Vector, error) {
	if dim <= 0 {
		return Vector{}, memerr.Validation("dimensions", "must be positive, got %d", dim)
	}
	if len(b) != ByteLen(dim) {
		return Vector{}, memerr.Validation("vector payload", "got %d bytes, want %d for %d dimensions", len(b), ByteLen(dim), dim)
	}
	padded := make([]byte, wordsFor(dim)*8)
	copy(padded, b)
	v := newVector(dim)
	for i := range v.words {
		v.words[i] = binary.LittleEndian.Uint64(padded[i*8:])
	}
	if v.words[len(v.words)-1]&^tailMask(dim) != 0 {
		return Vector{}, memerr.Validation("vector payload", "bits set beyond dimension %d", dim)
	}
	return v, nil
}

// tailMask keeps only the valid bits of the final word.
func tailMask(dim int) uint64 {
	r := uint(dim % 64)
	if r == 0 {
		return ^uint64(0)
	}
	return (1 << r) - 1
}

func (v Vector) clone() Vector {
	out := Vector{words: make([]uint64, len(v.words)), dim: v.dim}
	copy(out.words, v.words)
	return out
}
