// Package streaming is the write-buffering layer in front of the graph
// store. It batches karma weight deltas so many small adjustments become one
// durable write, and keeps a locality-sensitive hash index for approximate
// nearest-neighbour lookups without scanning the store.
package streaming

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/lazypower/karmagraph/internal/hypervec"
	"github.com/lazypower/karmagraph/internal/memerr"
	"github.com/lazypower/karmagraph/internal/metrics"
	"github.com/lazypower/karmagraph/internal/store"
)

// Store is the subset of the graph store the index writes through.
type Store interface {
	NodeIDs(ctx context.Context) ([]int64, error)
	ApplyWeightDeltas(ctx context.Context, deltas map[int64]float64) (applied, dropped []int64, err error)
	Subscribe(fn func(store.Mutation)) func()
}

// Config tunes the buffer and the LSH tables.
type Config struct {
	// BufferCapacity is the number of buffered deltas that triggers an
	// automatic flush.
	BufferCapacity int
	// Tables is the number of independent hash tables. More tables raise
	// recall and memory.
	Tables int
	// BitsPerKey is the number of sampled bits per table, at most 64. More
	// bits make buckets more selective.
	BitsPerKey int
	Seed       uint64
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

// DefaultConfig returns the streaming defaults. Structural signatures of
// analogous nodes typically agree on only 55-70% of their bits, so keys are
// short and tables many: a neighbour at similarity 0.5 still collides in at
// least one of 32 four-bit tables with probability 0.87.
func DefaultConfig() Config {
	return Config{BufferCapacity: 1000, Tables: 32, BitsPerKey: 4, Seed: hypervec.DefaultSeed}
}

// QueryResult is one approximate nearest neighbour.
type QueryResult struct {
	NodeID     int64   `json:"node_id"`
	Similarity float64 `json:"similarity"`
}

// IndexStats describes the current index state.
type IndexStats struct {
	Buffered   int `json:"buffered"`
	Indexed    int `json:"indexed"`
	Tables     int `json:"tables"`
	BitsPerKey int `json:"bits_per_key"`
	Dirty      int `json:"dirty"`
}

// Index owns the karma buffer and the LSH tables. Both are in-memory,
// derived state; the store stays the source of truth.
type Index struct {
	store  Store
	source VectorSource
	dim    int
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	buffer []BufferEntry
	lsh    *lsh

	// Mutation hooks only touch the pending sets, so a hook fired by the
	// store while mu is held cannot deadlock.
	pendingMu sync.Mutex
	dirty     map[int64]struct{}
	deleted   map[int64]struct{}

	unsubscribe func()
}

// New builds an index over st that hashes the vectors produced by source.
// The index starts empty; call RebuildIndex to hash existing nodes.
func New(st Store, source VectorSource, dim int, cfg Config) (*Index, error) {
	d := DefaultConfig()
	if cfg.BufferCapacity == 0 {
		cfg.BufferCapacity = d.BufferCapacity
	}
	if cfg.Tables == 0 {
		cfg.Tables = d.Tables
	}
	if cfg.BitsPerKey == 0 {
		cfg.BitsPerKey = d.BitsPerKey
	}
	switch {
	case dim <= 0:
		return nil, memerr.Validation("dimensions", "must be positive, got %d", dim)
	case cfg.BufferCapacity < 0:
		return nil, memerr.Validation("buffer_capacity", "must be positive, got %d", cfg.BufferCapacity)
	case cfg.Tables < 0:
		return nil, memerr.Validation("tables", "must be positive, got %d", cfg.Tables)
	case cfg.BitsPerKey < 1 || cfg.BitsPerKey > 64:
		return nil, memerr.Validation("bits_per_key", "must be in [1,64], got %d", cfg.BitsPerKey)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	idx := &Index{
		store:   st,
		source:  source,
		dim:     dim,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		lsh:     newLSH(dim, cfg.Tables, cfg.BitsPerKey, cfg.Seed),
		dirty:   make(map[int64]struct{}),
		deleted: make(map[int64]struct{}),
	}
	idx.unsubscribe = st.Subscribe(idx.onMutation)
	return idx, nil
}

// Close detaches the index from store mutations. Buffered deltas are not
// flushed; call Flush first to keep them.
func (idx *Index) Close() {
	if idx.unsubscribe != nil {
		idx.unsubscribe()
		idx.unsubscribe = nil
	}
}

func (idx *Index) onMutation(m store.Mutation) {
	idx.pendingMu.Lock()
	defer idx.pendingMu.Unlock()
	switch m.Kind {
	case store.NodeDeleted:
		for _, id := range m.NodeIDs {
			idx.deleted[id] = struct{}{}
			delete(idx.dirty, id)
		}
	case store.WeightChanged:
	default:
		for _, id := range m.NodeIDs {
			idx.dirty[id] = struct{}{}
		}
	}
}

// applyPending drops deleted nodes and rehashes nodes touched by structural
// mutations since the last call. Caller holds mu.
func (idx *Index) applyPending(ctx context.Context) error {
	idx.pendingMu.Lock()
	deleted, dirty := idx.deleted, idx.dirty
	idx.deleted = make(map[int64]struct{})
	idx.dirty = make(map[int64]struct{})
	idx.pendingMu.Unlock()

	for id := range deleted {
		idx.lsh.remove(id)
	}
	ids := make([]int64, 0, len(dirty))
	for id := range dirty {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for i, id := range ids {
		if err := idx.rehash(ctx, id); err != nil {
			// Keep what was not processed for the next attempt.
			idx.pendingMu.Lock()
			for _, rest := range ids[i:] {
				idx.dirty[rest] = struct{}{}
			}
			idx.pendingMu.Unlock()
			return err
		}
	}
	return nil
}

// rehash re-reads the vector of one node and moves it to its new buckets.
// Nodes that no longer exist or have no vector leave the index. Only storage
// failures are returned. Caller holds mu.
func (idx *Index) rehash(ctx context.Context, id int64) error {
	v, ok, err := idx.source.VectorFor(ctx, id)
	switch {
	case errors.Is(err, memerr.ErrReference):
		idx.lsh.remove(id)
		return nil
	case errors.Is(err, memerr.ErrValidation):
		idx.logger.Warn("streaming: node vector rejected", "node_id", id, "error", err)
		idx.lsh.remove(id)
		return nil
	case err != nil:
		return err
	}
	if !ok {
		idx.lsh.remove(id)
		return nil
	}
	if v.Dim() != idx.dim {
		idx.logger.Warn("streaming: node vector has wrong width", "node_id", id, "dimensions", v.Dim())
		idx.lsh.remove(id)
		return nil
	}
	idx.lsh.insert(id, v)
	return nil
}

// Reindex rehashes the given nodes immediately.
func (idx *Index) Reindex(ctx context.Context, ids ...int64) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, id := range ids {
		if err := idx.rehash(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// RebuildIndex discards every table and rehashes all nodes in the store.
// It returns the number of nodes indexed.
func (idx *Index) RebuildIndex(ctx context.Context) (int, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	start := idx.now()

	ids, err := idx.store.NodeIDs(ctx)
	if err != nil {
		return 0, err
	}
	idx.pendingMu.Lock()
	idx.dirty = make(map[int64]struct{})
	idx.deleted = make(map[int64]struct{})
	idx.pendingMu.Unlock()

	idx.lsh.reset()
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return len(idx.lsh.vectors), err
		}
		if err := idx.rehash(ctx, id); err != nil {
			return len(idx.lsh.vectors), err
		}
	}
	n := len(idx.lsh.vectors)
	idx.logger.Info("streaming: index rebuilt", "nodes", len(ids), "indexed", n, "duration", idx.now().Sub(start))
	return n, nil
}

// ApproximateNearestNeighbors hashes q into every table, scores only the
// nodes found in its buckets and returns the topK by exact similarity,
// ties broken by node id.
func (idx *Index) ApproximateNearestNeighbors(ctx context.Context, q hypervec.Vector, topK int) ([]QueryResult, error) {
	if topK <= 0 {
		return nil, memerr.Validation("top_k", "must be positive, got %d", topK)
	}
	if q.Dim() != idx.dim {
		return nil, memerr.Validation("query", "vector has %d dimensions, index has %d", q.Dim(), idx.dim)
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	if err := idx.applyPending(ctx); err != nil {
		return nil, err
	}

	cands := idx.lsh.candidates(q)
	idx.cfg.Metrics.ObserveANN(len(cands))

	results := make([]QueryResult, 0, len(cands))
	for _, id := range cands {
		results = append(results, QueryResult{NodeID: id, Similarity: q.Similarity(idx.lsh.vectors[id])})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].NodeID < results[j].NodeID
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// Stats reports buffer and index sizes.
func (idx *Index) Stats() IndexStats {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.pendingMu.Lock()
	dirty := len(idx.dirty) + len(idx.deleted)
	idx.pendingMu.Unlock()
	return IndexStats{
		Buffered:   len(idx.buffer),
		Indexed:    len(idx.lsh.vectors),
		Tables:     len(idx.lsh.tables),
		BitsPerKey: idx.cfg.BitsPerKey,
		Dirty:      dirty,
	}
}
