package encoder

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/lazypower/karmagraph/internal/memerr"
)

// AnalogyOptions tunes FindAnalogous.
type AnalogyOptions struct {
	// Hops selects the neighbourhood radius; zero means the encoder default.
	Hops          int
	TopK          int
	MinSimilarity float64
	// IncludeSelf keeps the query node's own signature in the results.
	IncludeSelf bool
}

// AnalogyResult is one structurally similar node.
type AnalogyResult struct {
	NodeID     int64    `json:"node_id"`
	Similarity float64  `json:"similarity"`
	SharedTags []string `json:"shared_tags"`
	// Mapping pairs query-neighbourhood nodes with match-neighbourhood
	// nodes of the same type.
	Mapping map[int64]int64 `json:"mapping"`
}

// Match pairs a source node with its best target in CrossDomainAnalogy.
type Match struct {
	SourceID   int64   `json:"source_id"`
	TargetID   int64   `json:"target_id"`
	Similarity float64 `json:"similarity"`
}

// FindAnalogous encodes the query node and scores it against every cached
// signature of the same radius. Cost is linear in the cache size and
// independent of the graph size. Results are sorted by similarity
// descending, then node id.
func (e *Encoder) FindAnalogous(ctx context.Context, nodeID int64, opts AnalogyOptions) ([]AnalogyResult, error) {
	start := time.Now()
	defer func() { e.opts.Metrics.ObserveAnalogy(time.Since(start)) }()

	if opts.Hops == 0 {
		opts.Hops = e.opts.Hops
	}
	if opts.TopK == 0 {
		opts.TopK = 10
	}
	if opts.TopK < 0 {
		return nil, memerr.Validation("top_k", "must be positive, got %d", opts.TopK)
	}
	if math.IsNaN(opts.MinSimilarity) || opts.MinSimilarity < 0 || opts.MinSimilarity > 1 {
		return nil, memerr.Validation("min_similarity", "must be in [0,1], got %v", opts.MinSimilarity)
	}

	query, err := e.EncodeNodeStructure(ctx, nodeID, opts.Hops)
	if err != nil {
		return nil, err
	}

	var results []AnalogyResult
	var matches []*Signature
	for _, sig := range e.cache.Snapshot(opts.Hops) {
		if sig.CenterNodeID == nodeID && !opts.IncludeSelf {
			continue
		}
		if !e.compatible(sig) {
			continue
		}
		sim, err := e.space.Similarity(query.Vector, sig.Vector)
		if err != nil {
			return nil, err
		}
		if sim < opts.MinSimilarity {
			continue
		}
		results = append(results, AnalogyResult{NodeID: sig.CenterNodeID, Similarity: sim})
		matches = append(matches, sig)
	}

	idx := make([]int, len(results))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool {
		ra, rb := results[idx[a]], results[idx[b]]
		if ra.Similarity != rb.Similarity {
			return ra.Similarity > rb.Similarity
		}
		return ra.NodeID < rb.NodeID
	})
	if len(idx) > opts.TopK {
		idx = idx[:opts.TopK]
	}

	out := make([]AnalogyResult, len(idx))
	for i, j := range idx {
		r := results[j]
		r.SharedTags = sharedTags(query.Tags, matches[j].Tags)
		r.Mapping = mapByType(query.Neighborhood, matches[j].Neighborhood)
		out[i] = r
	}
	return out, nil
}

// mapByType greedily pairs each query member with an unused match member of
// the same type, preferring the closest depth and then the lowest id. Both
// neighbourhoods list their center first, so centers always pair.
func mapByType(query, match []NodeRef) map[int64]int64 {
	mapping := make(map[int64]int64)
	used := make(map[int64]bool)
	for qi, q := range query {
		best := -1
		for mi, m := range match {
			if used[m.ID] {
				continue
			}
			if qi == 0 && mi == 0 {
				best = 0
				break
			}
			if m.Type != q.Type {
				continue
			}
			if best == -1 || absInt(m.Depth-q.Depth) < absInt(match[best].Depth-q.Depth) {
				best = mi
			}
		}
		if best >= 0 {
			mapping[q.ID] = match[best].ID
			used[match[best].ID] = true
		}
	}
	return mapping
}

func absInt(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

// CrossDomainAnalogy pairs source nodes with target nodes by greedy
// bipartite matching on signature similarity: the most similar remaining
// pair is matched first. Ties break by source id, then target id.
func (e *Encoder) CrossDomainAnalogy(ctx context.Context, sources, targets []int64) ([]Match, error) {
	if len(sources) == 0 || len(targets) == 0 {
		return nil, memerr.Validation("nodes", "source and target sets must be non-empty")
	}
	sigs := make(map[int64]*Signature, len(sources)+len(targets))
	for _, id := range append(append([]int64(nil), sources...), targets...) {
		if _, ok := sigs[id]; ok {
			continue
		}
		sig, err := e.EncodeNodeStructure(ctx, id, e.opts.Hops)
		if err != nil {
			return nil, err
		}
		sigs[id] = sig
	}

	var pairs []Match
	for _, s := range sources {
		for _, t := range targets {
			sim, err := e.space.Similarity(sigs[s].Vector, sigs[t].Vector)
			if err != nil {
				return nil, err
			}
			pairs = append(pairs, Match{SourceID: s, TargetID: t, Similarity: sim})
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Similarity != pairs[j].Similarity {
			return pairs[i].Similarity > pairs[j].Similarity
		}
		if pairs[i].SourceID != pairs[j].SourceID {
			return pairs[i].SourceID < pairs[j].SourceID
		}
		return pairs[i].TargetID < pairs[j].TargetID
	})

	usedSrc := make(map[int64]bool)
	usedTgt := make(map[int64]bool)
	var out []Match
	for _, p := range pairs {
		if usedSrc[p.SourceID] || usedTgt[p.TargetID] {
			continue
		}
		usedSrc[p.SourceID] = true
		usedTgt[p.TargetID] = true
		out = append(out, p)
	}
	return out, nil
}
