package store

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/lazypower/karmagraph/internal/memerr"
)

// Edge is a directed, typed relation between two nodes. Weight is the
// relation strength; Karma is the trust placed in it.
type Edge struct {
	ID        int64     `json:"id"`
	SourceID  int64     `json:"source_id"`
	TargetID  int64     `json:"target_id"`
	Relation  string    `json:"relation"`
	Weight    float64   `json:"weight"`
	Karma     float64   `json:"karma"`
	Metadata  Metadata  `json:"metadata,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EdgeInput holds the caller-supplied fields of a new edge.
type EdgeInput struct {
	SourceID int64    `json:"source_id"`
	TargetID int64    `json:"target_id"`
	Relation string   `json:"relation"`
	Weight   float64  `json:"weight"`
	Karma    float64  `json:"karma"`
	Metadata Metadata `json:"metadata,omitempty"`
}

// EdgeUpdate is a partial update. Nil fields are left unchanged.
type EdgeUpdate struct {
	Relation *string  `json:"relation,omitempty"`
	Weight   *float64 `json:"weight,omitempty"`
	Karma    *float64 `json:"karma,omitempty"`
	Metadata Metadata `json:"metadata,omitempty"`
}

const edgeColumns = "id, source_id, target_id, relation, weight, karma, metadata, created_at, updated_at"

func validEdgeWeight(w float64) bool {
	return !math.IsNaN(w) && !math.IsInf(w, 0) && w >= 0
}

func (in EdgeInput) validate() error {
	if strings.TrimSpace(in.Relation) == "" {
		return memerr.Validation("relation", "edge relation is required")
	}
	if !validEdgeWeight(in.Weight) {
		return memerr.Validation("weight", "must be finite and non-negative, got %v", in.Weight)
	}
	if !validWeight(in.Karma) {
		return memerr.Validation("karma", "must be in [0,1], got %v", in.Karma)
	}
	return nil
}

// AddEdge inserts an edge. Both endpoints must exist.
func (db *DB) AddEdge(ctx context.Context, in EdgeInput) (int64, error) {
	ids, err := db.AddEdges(ctx, []EdgeInput{in})
	if err != nil {
		return 0, err
	}
	return ids[0], nil
}

// AddEdges inserts edges in a single transaction. A missing endpoint aborts
// the whole batch with a reference error.
func (db *DB) AddEdges(ctx context.Context, ins []EdgeInput) ([]int64, error) {
	if len(ins) == 0 {
		return nil, nil
	}
	metas := make([]any, len(ins))
	for i, in := range ins {
		if err := in.validate(); err != nil {
			return nil, err
		}
		m, err := encodeMetadata(in.Metadata)
		if err != nil {
			return nil, err
		}
		metas[i] = m
	}

	now := db.nowMilli()
	ids := make([]int64, 0, len(ins))
	var touched []int64
	err := db.inTx(ctx, func(tx *sql.Tx) error {
		known := make(map[int64]bool)
		for _, in := range ins {
			for _, id := range []int64{in.SourceID, in.TargetID} {
				if known[id] {
					continue
				}
				ok, err := nodeExists(ctx, tx, id)
				if err != nil {
					return memerr.Storage("check endpoint", err)
				}
				if !ok {
					return memerr.Reference("add edge", "node", id)
				}
				known[id] = true
			}
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO edges (source_id, target_id, relation, weight, karma, metadata, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare insert edge: %w", err)
		}
		defer stmt.Close()

		for i, in := range ins {
			res, err := stmt.ExecContext(ctx, in.SourceID, in.TargetID, in.Relation, in.Weight, in.Karma, metas[i], now, now)
			if err != nil {
				return memerr.Storage("insert edge", err)
			}
			id, err := res.LastInsertId()
			if err != nil {
				return memerr.Storage("insert edge", err)
			}
			ids = append(ids, id)
			touched = append(touched, in.SourceID, in.TargetID)
		}
		return nil
	})
	if err != nil {
		return nil, memerr.Storage("add edges", err)
	}
	db.emit(EdgeCreated, uniqueSorted(touched)...)
	return ids, nil
}

// GetEdge retrieves an edge by id. Returns nil, nil if not found.
func (db *DB) GetEdge(ctx context.Context, id int64) (*Edge, error) {
	row := db.QueryRowContext(ctx, "SELECT "+edgeColumns+" FROM edges WHERE id = ?", id)
	e, err := scanEdge(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, memerr.Storage("get edge", err)
	}
	return e, nil
}

// UpdateEdge applies a partial update. Returns false if the edge does not exist.
func (db *DB) UpdateEdge(ctx context.Context, id int64, up EdgeUpdate) (bool, error) {
	var sets []string
	var args []any
	if up.Relation != nil {
		if strings.TrimSpace(*up.Relation) == "" {
			return false, memerr.Validation("relation", "edge relation is required")
		}
		sets = append(sets, "relation = ?")
		args = append(args, *up.Relation)
	}
	if up.Weight != nil {
		if !validEdgeWeight(*up.Weight) {
			return false, memerr.Validation("weight", "must be finite and non-negative, got %v", *up.Weight)
		}
		sets = append(sets, "weight = ?")
		args = append(args, *up.Weight)
	}
	if up.Karma != nil {
		if !validWeight(*up.Karma) {
			return false, memerr.Validation("karma", "must be in [0,1], got %v", *up.Karma)
		}
		sets = append(sets, "karma = ?")
		args = append(args, *up.Karma)
	}
	if up.Metadata != nil {
		m, err := encodeMetadata(up.Metadata)
		if err != nil {
			return false, err
		}
		sets = append(sets, "metadata = ?")
		args = append(args, m)
	}

	e, err := db.GetEdge(ctx, id)
	if err != nil || e == nil {
		return false, err
	}
	if len(sets) == 0 {
		return true, nil
	}

	sets = append(sets, "updated_at = ?")
	args = append(args, db.nowMilli(), id)
	if _, err := db.ExecContext(ctx, "UPDATE edges SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...); err != nil {
		return false, memerr.Storage("update edge", err)
	}
	if up.Relation != nil {
		db.emit(EdgeUpdated, e.SourceID, e.TargetID)
	} else {
		db.emit(WeightChanged, e.SourceID, e.TargetID)
	}
	return true, nil
}

// DeleteEdge removes an edge. Returns false if it does not exist.
func (db *DB) DeleteEdge(ctx context.Context, id int64) (bool, error) {
	e, err := db.GetEdge(ctx, id)
	if err != nil || e == nil {
		return false, err
	}
	if _, err := db.ExecContext(ctx, "DELETE FROM edges WHERE id = ?", id); err != nil {
		return false, memerr.Storage("delete edge", err)
	}
	db.emit(EdgeDeleted, e.SourceID, e.TargetID)
	return true, nil
}

// EdgesOf returns every edge with nodeID as source or target, ordered by id.
func (db *DB) EdgesOf(ctx context.Context, nodeID int64) ([]Edge, error) {
	edges, err := edgesTouching(ctx, db, []int64{nodeID})
	if err != nil {
		return nil, memerr.Storage("edges of node", err)
	}
	return edges, nil
}

// edgesTouching returns the edges incident to any id in ids, ordered by id.
func edgesTouching(ctx context.Context, q queryer, ids []int64) ([]Edge, error) {
	seen := make(map[int64]bool)
	var out []Edge
	err := chunked(uniqueSorted(ids), func(chunk []int64) error {
		ph := placeholders(len(chunk))
		args := append(int64Args(chunk), int64Args(chunk)...)
		rows, err := q.QueryContext(ctx,
			"SELECT "+edgeColumns+" FROM edges WHERE source_id IN ("+ph+")"+
				" UNION SELECT "+edgeColumns+" FROM edges WHERE target_id IN ("+ph+")",
			args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			e, err := scanEdge(rows)
			if err != nil {
				return err
			}
			if !seen[e.ID] {
				seen[e.ID] = true
				out = append(out, *e)
			}
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	sortEdges(out)
	return out, nil
}

func sortEdges(es []Edge) {
	sort.Slice(es, func(i, j int) bool { return es[i].ID < es[j].ID })
}

func scanEdge(s scanner) (*Edge, error) {
	var e Edge
	var meta *string
	var createdAt, updatedAt int64
	err := s.Scan(&e.ID, &e.SourceID, &e.TargetID, &e.Relation, &e.Weight, &e.Karma,
		&meta, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if e.Metadata, err = decodeMetadata(meta); err != nil {
		return nil, err
	}
	e.CreatedAt = time.UnixMilli(createdAt)
	e.UpdatedAt = time.UnixMilli(updatedAt)
	return &e, nil
}
