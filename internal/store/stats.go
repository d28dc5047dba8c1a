package store

import (
	"context"

	"github.com/lazypower/karmagraph/internal/memerr"
)

// Stats summarises the graph.
type Stats struct {
	Nodes          int            `json:"nodes"`
	Edges          int            `json:"edges"`
	AvgWeight      float64        `json:"avg_weight"`
	AvgKarma       float64        `json:"avg_karma"`
	AccessEvents   int            `json:"access_events"`
	NodeTypes      map[string]int `json:"node_types"`
	RelationCounts map[string]int `json:"relation_counts"`
	SchemaVersion  int            `json:"schema_version"`
}

// Stats returns counts and averages over the whole graph.
func (db *DB) Stats(ctx context.Context) (*Stats, error) {
	s := &Stats{
		NodeTypes:      make(map[string]int),
		RelationCounts: make(map[string]int),
	}

	err := db.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(AVG(weight), 0) FROM nodes").Scan(&s.Nodes, &s.AvgWeight)
	if err != nil {
		return nil, memerr.Storage("count nodes", err)
	}
	err = db.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(AVG(karma), 0) FROM edges").Scan(&s.Edges, &s.AvgKarma)
	if err != nil {
		return nil, memerr.Storage("count edges", err)
	}
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM access_log").Scan(&s.AccessEvents); err != nil {
		return nil, memerr.Storage("count access events", err)
	}

	if err := db.countBy(ctx, "SELECT type, COUNT(*) FROM nodes GROUP BY type", s.NodeTypes); err != nil {
		return nil, err
	}
	if err := db.countBy(ctx, "SELECT relation, COUNT(*) FROM edges GROUP BY relation", s.RelationCounts); err != nil {
		return nil, err
	}

	v, err := db.SchemaVersion()
	if err != nil {
		return nil, memerr.Storage("schema version", err)
	}
	s.SchemaVersion = v
	return s, nil
}

func (db *DB) countBy(ctx context.Context, query string, into map[string]int) error {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return memerr.Storage("group counts", err)
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		var n int
		if err := rows.Scan(&k, &n); err != nil {
			return memerr.Storage("scan group count", err)
		}
		into[k] = n
	}
	if err := rows.Err(); err != nil {
		return memerr.Storage("group counts", err)
	}
	return nil
}
