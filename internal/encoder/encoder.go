// Package encoder builds structural signatures: hypervectors summarising the
// typed shape of a node's neighbourhood. Signatures abstract away labels, so
// two neighbourhoods with the same arrangement of node types and relations
// encode identically wherever they sit in the graph.
package encoder

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/lazypower/karmagraph/internal/hypervec"
	"github.com/lazypower/karmagraph/internal/memerr"
	"github.com/lazypower/karmagraph/internal/metrics"
	"github.com/lazypower/karmagraph/internal/store"
)

// Graph is the read side of the store the encoder depends on.
type Graph interface {
	GetSubgraph(ctx context.Context, seeds []int64, hops int) (*store.Subgraph, error)
	NodeIDs(ctx context.Context) ([]int64, error)
	Subscribe(fn func(store.Mutation)) func()
}

// NodeRef is a neighbourhood member as seen by the encoder.
type NodeRef struct {
	ID    int64  `json:"id"`
	Type  string `json:"type"`
	Depth int    `json:"depth"`
}

// Signature is the cached structural encoding of a node's neighbourhood.
type Signature struct {
	CenterNodeID int64           `json:"center_node_id"`
	Hops         int             `json:"hops"`
	Vector       hypervec.Vector `json:"-"`
	NodeCount    int             `json:"node_count"`
	EdgeCount    int             `json:"edge_count"`
	Tags         []string        `json:"tags"`
	// Neighborhood is ordered by depth, then id. The center comes first.
	Neighborhood []NodeRef `json:"neighborhood"`
	Seed         uint64    `json:"seed"`
	Dimensions   int       `json:"dimensions"`
	ComputedAt   time.Time `json:"computed_at"`
}

// Options configures an Encoder.
type Options struct {
	// Hops is the neighbourhood radius used when a caller does not pass one.
	Hops int
	// PatternThreshold is the minimum number of edges of a relation kind
	// for a neighbourhood to carry the matching pattern tag.
	PatternThreshold int
	Logger           *slog.Logger
	Metrics          *metrics.Metrics
}

// DefaultOptions returns the encoder defaults.
func DefaultOptions() Options {
	return Options{Hops: 2, PatternThreshold: 2}
}

// Encoder computes, caches and compares structural signatures. It keeps its
// cache coherent by subscribing to store mutations.
type Encoder struct {
	graph       Graph
	space       *hypervec.Space
	cache       *Cache
	opts        Options
	logger      *slog.Logger
	unsubscribe func()
}

// New creates an encoder over graph. The cache is owned by the caller and
// may be inspected or cleared independently.
func New(graph Graph, space *hypervec.Space, cache *Cache, opts Options) *Encoder {
	d := DefaultOptions()
	if opts.Hops <= 0 {
		opts.Hops = d.Hops
	}
	if opts.PatternThreshold <= 0 {
		opts.PatternThreshold = d.PatternThreshold
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cache == nil {
		cache = NewCache()
	}
	e := &Encoder{
		graph:  graph,
		space:  space,
		cache:  cache,
		opts:   opts,
		logger: logger,
	}
	e.unsubscribe = graph.Subscribe(e.onMutation)
	return e
}

// Close detaches the encoder from store mutations.
func (e *Encoder) Close() {
	if e.unsubscribe != nil {
		e.unsubscribe()
		e.unsubscribe = nil
	}
}

// Cache returns the signature cache.
func (e *Encoder) Cache() *Cache { return e.cache }

// Space returns the hypervector space signatures are encoded in.
func (e *Encoder) Space() *hypervec.Space { return e.space }

// DefaultHops returns the configured neighbourhood radius.
func (e *Encoder) DefaultHops() int { return e.opts.Hops }

func (e *Encoder) onMutation(m store.Mutation) {
	// Signatures depend only on types and relations.
	if !m.Structural() {
		return
	}
	n := e.cache.Invalidate(m.NodeIDs...)
	e.opts.Metrics.Invalidated(n, e.cache.Len())
	if n > 0 {
		e.logger.Debug("encoder: signatures invalidated", "kind", m.Kind, "nodes", len(m.NodeIDs), "dropped", n)
	}
}

// EncodeNodeStructure returns the signature of the hops-neighbourhood of
// nodeID, from the cache when it is still valid.
func (e *Encoder) EncodeNodeStructure(ctx context.Context, nodeID int64, hops int) (*Signature, error) {
	if hops < 0 {
		return nil, memerr.Validation("hops", "must be non-negative, got %d", hops)
	}
	key := Key{NodeID: nodeID, Hops: hops}
	if sig, ok := e.cache.Get(key); ok {
		e.opts.Metrics.CacheLookup(true)
		return sig, nil
	}
	e.opts.Metrics.CacheLookup(false)

	gen := e.cache.generation()
	sg, err := e.graph.GetSubgraph(ctx, []int64{nodeID}, hops)
	if err != nil {
		return nil, err
	}
	sig, err := e.encode(nodeID, hops, sg)
	if err != nil {
		return nil, err
	}
	if e.cache.putIf(sig, gen) {
		e.opts.Metrics.Cached(e.cache.Len())
	}
	return sig, nil
}

func (e *Encoder) encode(center int64, hops int, sg *store.Subgraph) (*Signature, error) {
	types := make(map[int64]string, len(sg.Nodes))
	refs := make([]NodeRef, 0, len(sg.Nodes))
	for _, n := range sg.Nodes {
		types[n.ID] = n.Type
		refs = append(refs, NodeRef{ID: n.ID, Type: n.Type, Depth: sg.Depth[n.ID]})
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Depth != refs[j].Depth {
			return refs[i].Depth < refs[j].Depth
		}
		return refs[i].ID < refs[j].ID
	})

	var vec hypervec.Vector
	if len(sg.Edges) == 0 {
		vec = e.space.Encode(types[center])
	} else {
		triples := make([]hypervec.Vector, len(sg.Edges))
		for i, edge := range sg.Edges {
			triples[i] = e.space.EncodeTriple(types[edge.SourceID], edge.Relation, types[edge.TargetID])
		}
		var err error
		if vec, err = e.space.Bundle(triples); err != nil {
			return nil, err
		}
	}

	return &Signature{
		CenterNodeID: center,
		Hops:         hops,
		Vector:       vec,
		NodeCount:    len(sg.Nodes),
		EdgeCount:    len(sg.Edges),
		Tags:         detectPatterns(sg.Edges, e.opts.PatternThreshold),
		Neighborhood: refs,
		Seed:         e.space.Seed(),
		Dimensions:   e.space.Dimensions(),
		ComputedAt:   time.Now(),
	}, nil
}

// EncodeAll computes the signature of every node at hops and returns how
// many were encoded. It warms the cache for exhaustive analogy queries.
func (e *Encoder) EncodeAll(ctx context.Context, hops int) (int, error) {
	ids, err := e.graph.NodeIDs(ctx)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	for i, id := range ids {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		if _, err := e.EncodeNodeStructure(ctx, id, hops); err != nil {
			return i, err
		}
	}
	e.logger.Info("encoder: signatures warmed", "nodes", len(ids), "hops", hops, "duration", time.Since(start))
	return len(ids), nil
}

// VectorFor returns the signature vector of nodeID at the default radius.
// It lets the streaming index hash structural signatures.
func (e *Encoder) VectorFor(ctx context.Context, nodeID int64) (hypervec.Vector, bool, error) {
	sig, err := e.EncodeNodeStructure(ctx, nodeID, e.opts.Hops)
	if err != nil {
		return hypervec.Vector{}, false, err
	}
	return sig.Vector, true, nil
}

func (e *Encoder) compatible(sig *Signature) bool {
	return sig.Seed == e.space.Seed() && sig.Dimensions == e.space.Dimensions()
}
