package streaming

import (
	"sort"

	"github.com/lazypower/karmagraph/internal/hypervec"
)

// table is one bit-sampling hash table: a vector's bucket key is the
// concatenation of the bits at a fixed set of sampled positions. Two vectors
// at similarity s collide in a table with probability s^len(positions).
type table struct {
	positions []int
	buckets   map[uint64]map[int64]struct{}
}

func (t *table) key(v hypervec.Vector) uint64 {
	var k uint64
	for i, p := range t.positions {
		if v.Bit(p) {
			k |= 1 << uint(i)
		}
	}
	return k
}

// lsh is a set of independent bit-sampling tables plus the exact vectors of
// every indexed node, used to rerank candidates.
type lsh struct {
	tables  []*table
	vectors map[int64]hypervec.Vector
	keys    map[int64][]uint64
}

// newLSH samples positions deterministically from seed.
func newLSH(dim, tables, bits int, seed uint64) *lsh {
	state := seed
	next := func() uint64 {
		state += 0x9e3779b97f4a7c15
		z := state
		z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
		z = (z ^ (z >> 27)) * 0x94d049bb133111eb
		return z ^ (z >> 31)
	}

	l := &lsh{
		tables:  make([]*table, tables),
		vectors: make(map[int64]hypervec.Vector),
		keys:    make(map[int64][]uint64),
	}
	for i := range l.tables {
		chosen := make(map[int]bool, bits)
		positions := make([]int, 0, bits)
		for len(positions) < bits && len(positions) < dim {
			p := int(next() % uint64(dim))
			if !chosen[p] {
				chosen[p] = true
				positions = append(positions, p)
			}
		}
		l.tables[i] = &table{positions: positions, buckets: make(map[uint64]map[int64]struct{})}
	}
	return l
}

func (l *lsh) insert(id int64, v hypervec.Vector) {
	l.remove(id)
	keys := make([]uint64, len(l.tables))
	for i, t := range l.tables {
		k := t.key(v)
		keys[i] = k
		b, ok := t.buckets[k]
		if !ok {
			b = make(map[int64]struct{})
			t.buckets[k] = b
		}
		b[id] = struct{}{}
	}
	l.keys[id] = keys
	l.vectors[id] = v
}

func (l *lsh) remove(id int64) bool {
	keys, ok := l.keys[id]
	if !ok {
		return false
	}
	for i, t := range l.tables {
		if b, ok := t.buckets[keys[i]]; ok {
			delete(b, id)
			if len(b) == 0 {
				delete(t.buckets, keys[i])
			}
		}
	}
	delete(l.keys, id)
	delete(l.vectors, id)
	return true
}

// candidates returns the ids sharing at least one bucket with q, ascending.
func (l *lsh) candidates(q hypervec.Vector) []int64 {
	seen := make(map[int64]struct{})
	for _, t := range l.tables {
		for id := range t.buckets[t.key(q)] {
			seen[id] = struct{}{}
		}
	}
	out := make([]int64, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (l *lsh) reset() {
	for _, t := range l.tables {
		t.buckets = make(map[uint64]map[int64]struct{})
	}
	l.vectors = make(map[int64]hypervec.Vector)
	l.keys = make(map[int64][]uint64)
}
