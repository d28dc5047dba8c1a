package store

import (
	"context"
	"math"
	"sort"

	"go.opentelemetry.io/otel/attribute"

	"github.com/lazypower/karmagraph/internal/memerr"
)

// PPROptions tunes PersonalizedPageRank. Zero fields take the defaults.
type PPROptions struct {
	// Alpha is the restart probability, in (0,1].
	Alpha float64
	// Iterations is the fixed number of power iterations.
	Iterations int
	// TopK bounds the result size.
	TopK int
}

// DefaultPPROptions returns the defaults applied to zero fields.
func DefaultPPROptions() PPROptions {
	return PPROptions{Alpha: 0.15, Iterations: 20, TopK: 10}
}

func (o PPROptions) withDefaults() (PPROptions, error) {
	d := DefaultPPROptions()
	if o.Alpha == 0 {
		o.Alpha = d.Alpha
	}
	if o.Iterations == 0 {
		o.Iterations = d.Iterations
	}
	if o.TopK == 0 {
		o.TopK = d.TopK
	}
	if math.IsNaN(o.Alpha) || o.Alpha <= 0 || o.Alpha > 1 {
		return o, memerr.Validation("alpha", "must be in (0,1], got %v", o.Alpha)
	}
	if o.Iterations < 0 {
		return o, memerr.Validation("iterations", "must be positive, got %d", o.Iterations)
	}
	if o.TopK < 0 {
		return o, memerr.Validation("top_k", "must be positive, got %d", o.TopK)
	}
	return o, nil
}

// RankedNode is a PageRank result.
type RankedNode struct {
	NodeID int64   `json:"node_id"`
	Score  float64 `json:"score"`
}

type transition struct {
	to int64
	p  float64
}

// PersonalizedPageRank ranks nodes by their stationary visiting probability
// for a random walk that restarts at the seeds with probability Alpha. A walk
// leaves a node along an out-edge with probability proportional to
// karma*weight; mass at a node with no usable out-edge returns to the seeds.
// Results are sorted by score descending and then by id, and identical
// inputs always produce identical output.
func (db *DB) PersonalizedPageRank(ctx context.Context, seeds []int64, opts PPROptions) ([]RankedNode, error) {
	ctx, span := tracer.Start(ctx, "store.PersonalizedPageRank")
	defer span.End()

	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
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
			return nil, memerr.Reference("pagerank", "node", id)
		}
	}
	span.SetAttributes(
		attribute.Int("seeds", len(seeds)),
		attribute.Float64("alpha", opts.Alpha),
		attribute.Int("iterations", opts.Iterations),
	)

	restart := 1 / float64(len(seeds))
	rank := make(map[int64]float64, len(seeds))
	for _, id := range seeds {
		rank[id] = restart
	}
	out := make(map[int64][]transition)

	for it := 0; it < opts.Iterations; it++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ids := sortedKeys(rank)

		var missing []int64
		for _, id := range ids {
			if _, ok := out[id]; !ok {
				missing = append(missing, id)
			}
		}
		if err := db.loadTransitions(ctx, missing, out); err != nil {
			return nil, err
		}

		next := make(map[int64]float64, len(rank))
		dangling := 0.0
		for _, id := range ids {
			mass := rank[id]
			ts := out[id]
			if len(ts) == 0 {
				dangling += mass
				continue
			}
			for _, t := range ts {
				next[t.to] += (1 - opts.Alpha) * mass * t.p
			}
		}
		for _, id := range seeds {
			next[id] += (opts.Alpha + (1-opts.Alpha)*dangling) * restart
		}
		rank = next
	}

	ranked := make([]RankedNode, 0, len(rank))
	for _, id := range sortedKeys(rank) {
		ranked = append(ranked, RankedNode{NodeID: id, Score: rank[id]})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].NodeID < ranked[j].NodeID
	})
	if len(ranked) > opts.TopK {
		ranked = ranked[:opts.TopK]
	}
	return ranked, nil
}

// loadTransitions fills out[id] for every id in ids with its normalised
// out-edge distribution, ordered by target id and then edge id.
func (db *DB) loadTransitions(ctx context.Context, ids []int64, out map[int64][]transition) error {
	for _, id := range ids {
		out[id] = nil
	}
	err := chunked(ids, func(chunk []int64) error {
		rows, err := db.QueryContext(ctx, `
			SELECT source_id, target_id, weight * karma
			FROM edges
			WHERE source_id IN (`+placeholders(len(chunk))+`) AND weight * karma > 0
			ORDER BY source_id, target_id, id`,
			int64Args(chunk)...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var src, tgt int64
			var w float64
			if err := rows.Scan(&src, &tgt, &w); err != nil {
				return err
			}
			out[src] = append(out[src], transition{to: tgt, p: w})
		}
		return rows.Err()
	})
	if err != nil {
		return memerr.Storage("load transitions", err)
	}
	for _, id := range ids {
		ts := out[id]
		total := 0.0
		for _, t := range ts {
			total += t.p
		}
		for i := range ts {
			ts[i].p /= total
		}
	}
	return nil
}

func sortedKeys(m map[int64]float64) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
