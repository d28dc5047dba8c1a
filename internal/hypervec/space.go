package hypervec

import (
	"encoding/binary"
	"hash/fnv"
	"math/bits"
	"sync"

	"github.com/lazypower/karmagraph/internal/memerr"
)

// Defaults used when no configuration overrides them.
const (
	DefaultDimensions = 10000
	DefaultSeed       = 42
)

// Space fixes the dimensionality and seed of a family of hypervectors. All
// operations are O(dimensions). Every vector a Space produces has the same
// width, so a dimension mismatch can only come from mixing spaces and is
// reported as a validation error.
//
// Space is safe for concurrent use; its codebook is a memo of Encode results.
type Space struct {
	dim  int
	seed uint64

	meta     map[string]Vector
	tiebreak Vector

	mu       sync.RWMutex
	codebook map[string]Vector
}

// NewSpace creates a space of dim-bit vectors derived from seed and
// pre-registers the meta-relation codebook.
func NewSpace(dim int, seed uint64) (*Space, error) {
	if dim <= 0 {
		return nil, memerr.Validation("dimensions", "must be positive, got %d", dim)
	}
	s := &Space{
		dim:      dim,
		seed:     seed,
		meta:     make(map[string]Vector, len(MetaRelations)),
		codebook: make(map[string]Vector, 64),
	}
	s.tiebreak = s.derive("\x00bundle-tiebreak")
	for _, rel := range MetaRelations {
		s.meta[rel] = s.derive("\x00meta\x00" + rel)
	}
	return s, nil
}

// Dimensions returns the vector width.
func (s *Space) Dimensions() int { return s.dim }

// Seed returns the seed all encodings derive from.
func (s *Space) Seed() uint64 { return s.seed }

// Encode returns the deterministic pseudo-random vector for symbol. The same
// symbol and seed always yield the identical vector, across calls and across
// fresh spaces.
func (s *Space) Encode(symbol string) Vector {
	s.mu.RLock()
	v, ok := s.codebook[symbol]
	s.mu.RUnlock()
	if ok {
		return v
	}
	v = s.derive(symbol)
	s.mu.Lock()
	s.codebook[symbol] = v
	s.mu.Unlock()
	return v
}

// derive expands an FNV-1a hash of seed and symbol into dim bits with splitmix64.
func (s *Space) derive(symbol string) Vector {
	h := fnv.New64a()
	var seedBuf [8]byte
	binary.LittleEndian.PutUint64(seedBuf[:], s.seed)
	h.Write(seedBuf[:])
	h.Write([]byte(symbol))
	state := h.Sum64()

	v := newVector(s.dim)
	for i := range v.words {
		state += 0x9e3779b97f4a7c15
		z := state
		z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
		z = (z ^ (z >> 27)) * 0x94d049bb133111eb
		v.words[i] = z ^ (z >> 31)
	}
	v.words[len(v.words)-1] &= tailMask(s.dim)
	return v
}

// EncodeRelation encodes a relation name. Meta-relations resolve to their
// pre-registered entries; any other name is canonicalised and encoded.
func (s *Space) EncodeRelation(rel string) Vector {
	c := CanonicalRelation(rel)
	if v, ok := s.meta[c]; ok {
		return v
	}
	return s.Encode(c)
}

func (s *Space) check(field string, vs ...Vector) error {
	for _, v := range vs {
		if v.dim != s.dim {
			return memerr.Validation(field, "vector has %d dimensions, space has %d", v.dim, s.dim)
		}
	}
	return nil
}

// Bind associates a and b with bitwise XOR. Bind is its own inverse:
// Bind(Bind(a, b), a) == b.
func (s *Space) Bind(a, b Vector) (Vector, error) {
	if err := s.check("bind", a, b); err != nil {
		return Vector{}, err
	}
	out := newVector(s.dim)
	for i := range out.words {
		out.words[i] = a.words[i] ^ b.words[i]
	}
	return out, nil
}

// Unbind recovers the partner of key from a bound vector.
func (s *Space) Unbind(bound, key Vector) (Vector, error) {
	return s.Bind(bound, key)
}

// Bundle superposes vectors by per-bit majority vote. Ties (possible with an
// even number of inputs) are settled by a seed-derived coin so the result is
// reproducible. The result stays measurably similar to every input.
func (s *Space) Bundle(vs []Vector) (Vector, error) {
	if len(vs) == 0 {
		return Vector{}, memerr.Validation("bundle", "no vectors to bundle")
	}
	if err := s.check("bundle", vs...); err != nil {
		return Vector{}, err
	}
	if len(vs) == 1 {
		return vs[0].clone(), nil
	}

	counts := make([]int32, s.dim)
	for _, v := range vs {
		for wi, w := range v.words {
			base := wi * 64
			for w != 0 {
				tz := bits.TrailingZeros64(w)
				counts[base+tz]++
				w &= w - 1
			}
		}
	}

	n := int32(len(vs))
	out := newVector(s.dim)
	for i, c := range counts {
		switch {
		case 2*c > n:
			out.words[i/64] |= 1 << (uint(i) % 64)
		case 2*c == n && s.tiebreak.Bit(i):
			out.words[i/64] |= 1 << (uint(i) % 64)
		}
	}
	return out, nil
}

// Permute rotates v cyclically by shift positions. Negative shifts rotate
// the other way. Used to encode order and position.
func (s *Space) Permute(v Vector, shift int) (Vector, error) {
	if err := s.check("permute", v); err != nil {
		return Vector{}, err
	}
	shift %= s.dim
	if shift < 0 {
		shift += s.dim
	}
	if shift == 0 {
		return v.clone(), nil
	}
	out := newVector(s.dim)
	for wi, w := range v.words {
		base := wi * 64
		for w != 0 {
			tz := bits.TrailingZeros64(w)
			j := (base + tz + shift) % s.dim
			out.words[j/64] |= 1 << (uint(j) % 64)
			w &= w - 1
		}
	}
	return out, nil
}

// Hamming returns the number of differing bits.
func (s *Space) Hamming(a, b Vector) (int, error) {
	if err := s.check("similarity", a, b); err != nil {
		return 0, err
	}
	d := 0
	for i := range a.words {
		d += bits.OnesCount64(a.words[i] ^ b.words[i])
	}
	return d, nil
}

// Similarity is 1 - hamming(a, b)/dimensions: 1.0 for identical vectors and
// about 0.5 for independent ones.
func (s *Space) Similarity(a, b Vector) (float64, error) {
	d, err := s.Hamming(a, b)
	if err != nil {
		return 0, err
	}
	return 1 - float64(d)/float64(s.dim), nil
}

// EncodeTriple encodes (source, relation, target) as
// bind(relation, bind(source, target)).
func (s *Space) EncodeTriple(source, relation, target string) Vector {
	pair, _ := s.Bind(s.Encode(source), s.Encode(target))
	out, _ := s.Bind(s.EncodeRelation(relation), pair)
	return out
}

// EncodeSequence encodes an ordered list of symbols by bundling each
// symbol's vector permuted by its position.
func (s *Space) EncodeSequence(symbols []string) (Vector, error) {
	if len(symbols) == 0 {
		return Vector{}, memerr.Validation("sequence", "no symbols to encode")
	}
	parts := make([]Vector, len(symbols))
	for i, sym := range symbols {
		p, err := s.Permute(s.Encode(sym), i)
		if err != nil {
			return Vector{}, err
		}
		parts[i] = p
	}
	return s.Bundle(parts)
}
