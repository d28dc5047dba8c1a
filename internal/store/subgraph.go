package store

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/lazypower/karmagraph/internal/memerr"
)

var tracer = otel.Tracer("github.com/lazypower/karmagraph/internal/store")

// Subgraph is the induced neighbourhood returned by GetSubgraph.
type Subgraph struct {
	Seeds []int64 `json:"seeds"`
	Hops  int     `json:"hops"`
	Nodes []Node  `json:"nodes"`
	Edges []Edge  `json:"edges"`
	// Depth is each node's hop distance from the nearest seed.
	Depth map[int64]int `json:"depth"`
}

// NodeIDs returns the ids of every node in the subgraph, ascending.
func (sg *Subgraph) NodeIDs() []int64 {
	ids := make([]int64, len(sg.Nodes))
	for i, n := range sg.Nodes {
		ids[i] = n.ID
	}
	return ids
}

// GetSubgraph returns every node within hops of any seed, following edges in
// either direction, plus every edge whose endpoints are both in that set.
// Nodes and edges are ordered by id.
func (db *DB) GetSubgraph(ctx context.Context, seeds []int64, hops int) (*Subgraph, error) {
	ctx, span := tracer.Start(ctx, "store.GetSubgraph",
		trace.WithAttributes(attribute.Int("seeds", len(seeds)), attribute.Int("hops", hops)))
	defer span.End()

	if hops < 0 {
		return nil, memerr.Validation("hops", "must be non-negative, got %d", hops)
	}
	seeds = uniqueSorted(seeds)
	if len(seeds) == 0 {
		return nil, memerr.Validation("seeds", "at least one seed is required")
	}
	for _, id := range seeds {
		ok, err := nodeExists(ctx, db, id)
		if err != nil {
			return nil, memerr.Storage("check seed", err)
		}
		if !ok {
			return nil, memerr.Reference("subgraph", "node", id)
		}
	}

	depth := make(map[int64]int, len(seeds))
	for _, id := range seeds {
		depth[id] = 0
	}
	edges := make(map[int64]Edge)
	frontier := seeds

	for h := 1; h <= hops && len(frontier) > 0; h++ {
		touching, err := edgesTouching(ctx, db, frontier)
		if err != nil {
			return nil, memerr.Storage("expand subgraph", err)
		}
		var next []int64
		for _, e := range touching {
			edges[e.ID] = e
			for _, id := range []int64{e.SourceID, e.TargetID} {
				if _, seen := depth[id]; !seen {
					depth[id] = h
					next = append(next, id)
				}
			}
		}
		frontier = next
	}

	// Edges among the outermost ring were not visited by the expansion.
	if len(frontier) > 0 {
		touching, err := edgesTouching(ctx, db, frontier)
		if err != nil {
			return nil, memerr.Storage("close subgraph", err)
		}
		for _, e := range touching {
			_, src := depth[e.SourceID]
			_, tgt := depth[e.TargetID]
			if src && tgt {
				edges[e.ID] = e
			}
		}
	}

	ids := make([]int64, 0, len(depth))
	for id := range depth {
		ids = append(ids, id)
	}
	nodes, err := getNodes(ctx, db, ids)
	if err != nil {
		return nil, memerr.Storage("load subgraph nodes", err)
	}

	sg := &Subgraph{Seeds: seeds, Hops: hops, Nodes: nodes, Depth: depth}
	sg.Edges = make([]Edge, 0, len(edges))
	for _, e := range edges {
		sg.Edges = append(sg.Edges, e)
	}
	sortEdges(sg.Edges)
	span.SetAttributes(attribute.Int("nodes", len(sg.Nodes)), attribute.Int("edges", len(sg.Edges)))
	return sg, nil
}
