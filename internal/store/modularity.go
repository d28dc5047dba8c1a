package store

import (
	"context"
	"sort"

	"github.com/lazypower/karmagraph/internal/memerr"
)

// CalculateModularity returns the Newman modularity of the partition that
// groups nodes by type, treating edges as undirected and unweighted:
//
//	Q = Σ_c ( L_c/m − (d_c / 2m)² )
//
// where m is the edge count, L_c the edges inside community c and d_c the
// summed degree of its members. An edgeless graph has modularity 0.
func (db *DB) CalculateModularity(ctx context.Context) (float64, error) {
	ctx, span := tracer.Start(ctx, "store.CalculateModularity")
	defer span.End()

	types, err := db.nodeTypes(ctx)
	if err != nil {
		return 0, err
	}

	rows, err := db.QueryContext(ctx, "SELECT source_id, target_id FROM edges")
	if err != nil {
		return 0, memerr.Storage("load edges", err)
	}
	defer rows.Close()

	internal := make(map[string]float64)
	degree := make(map[string]float64)
	m := 0.0
	for rows.Next() {
		var src, tgt int64
		if err := rows.Scan(&src, &tgt); err != nil {
			return 0, memerr.Storage("scan edge", err)
		}
		ts, tt := types[src], types[tgt]
		m++
		degree[ts]++
		degree[tt]++
		if ts == tt {
			internal[ts]++
		}
	}
	if err := rows.Err(); err != nil {
		return 0, memerr.Storage("load edges", err)
	}
	if m == 0 {
		return 0, nil
	}

	communities := make([]string, 0, len(degree))
	for c := range degree {
		communities = append(communities, c)
	}
	sort.Strings(communities)

	q := 0.0
	for _, c := range communities {
		share := degree[c] / (2 * m)
		q += internal[c]/m - share*share
	}
	return q, nil
}

func (db *DB) nodeTypes(ctx context.Context) (map[int64]string, error) {
	rows, err := db.QueryContext(ctx, "SELECT id, type FROM nodes")
	if err != nil {
		return nil, memerr.Storage("load node types", err)
	}
	defer rows.Close()
	types := make(map[int64]string)
	for rows.Next() {
		var id int64
		var t string
		if err := rows.Scan(&id, &t); err != nil {
			return nil, memerr.Storage("scan node type", err)
		}
		types[id] = t
	}
	if err := rows.Err(); err != nil {
		return nil, memerr.Storage("load node types", err)
	}
	return types, nil
}
