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

// Node is a typed entity in the graph.
type Node struct {
	ID           int64      `json:"id"`
	Label        string     `json:"label"`
	Type         string     `json:"type"`
	Weight       float64    `json:"weight"`
	Embedding    []byte     `json:"embedding,omitempty"`
	Metadata     Metadata   `json:"metadata,omitempty"`
	AccessCount  int        `json:"access_count"`
	LastAccess   *time.Time `json:"last_access,omitempty"`
	CalibratedAt *time.Time `json:"calibrated_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// NodeInput holds the caller-supplied fields of a new node.
type NodeInput struct {
	Label     string   `json:"label"`
	Type      string   `json:"type"`
	Weight    float64  `json:"weight"`
	Embedding []byte   `json:"embedding,omitempty"`
	Metadata  Metadata `json:"metadata,omitempty"`
}

// NodeUpdate is a partial update. Nil fields are left unchanged.
type NodeUpdate struct {
	Label     *string  `json:"label,omitempty"`
	Type      *string  `json:"type,omitempty"`
	Weight    *float64 `json:"weight,omitempty"`
	Embedding []byte   `json:"embedding,omitempty"`
	Metadata  Metadata `json:"metadata,omitempty"`
}

// ListOptions filters and pages ListNodes.
type ListOptions struct {
	Type      string
	MinWeight float64
	Limit     int
	Offset    int
}

const nodeColumns = `id, label, type, weight, embedding, metadata, access_count,
	last_access, calibrated_at, created_at, updated_at`

// maxInParams bounds the number of ids bound into a single IN (...) clause.
const maxInParams = 500

func validWeight(w float64) bool {
	return !math.IsNaN(w) && w >= 0 && w <= 1
}

func (in NodeInput) validate() error {
	if strings.TrimSpace(in.Type) == "" {
		return memerr.Validation("type", "node type is required")
	}
	if !validWeight(in.Weight) {
		return memerr.Validation("weight", "must be in [0,1], got %v", in.Weight)
	}
	return nil
}

// AddNode inserts a node and returns its id. Ids are never reused.
func (db *DB) AddNode(ctx context.Context, in NodeInput) (int64, error) {
	ids, err := db.AddNodes(ctx, []NodeInput{in})
	if err != nil {
		return 0, err
	}
	return ids[0], nil
}

// AddNodes inserts nodes in a single transaction. Either every node is
// created or none is.
func (db *DB) AddNodes(ctx context.Context, ins []NodeInput) ([]int64, error) {
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
	err := db.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO nodes (label, type, weight, embedding, metadata, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare insert node: %w", err)
		}
		defer stmt.Close()

		for i, in := range ins {
			res, err := stmt.ExecContext(ctx, in.Label, in.Type, in.Weight, nullBlob(in.Embedding), metas[i], now, now)
			if err != nil {
				return memerr.Storage("insert node", err)
			}
			id, err := res.LastInsertId()
			if err != nil {
				return memerr.Storage("insert node", err)
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, memerr.Storage("add nodes", err)
	}
	db.emit(NodeCreated, ids...)
	return ids, nil
}

// GetNode retrieves a node by id. Returns nil, nil if not found.
func (db *DB) GetNode(ctx context.Context, id int64) (*Node, error) {
	row := db.QueryRowContext(ctx, "SELECT "+nodeColumns+" FROM nodes WHERE id = ?", id)
	n, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, memerr.Storage("get node", err)
	}
	return n, nil
}

// GetNodes retrieves the nodes with the given ids, ordered by id. Missing ids
// are skipped.
func (db *DB) GetNodes(ctx context.Context, ids []int64) ([]Node, error) {
	nodes, err := getNodes(ctx, db, ids)
	if err != nil {
		return nil, memerr.Storage("get nodes", err)
	}
	return nodes, nil
}

func getNodes(ctx context.Context, q queryer, ids []int64) ([]Node, error) {
	var out []Node
	err := chunked(uniqueSorted(ids), func(chunk []int64) error {
		rows, err := q.QueryContext(ctx,
			"SELECT "+nodeColumns+" FROM nodes WHERE id IN ("+placeholders(len(chunk))+")",
			int64Args(chunk)...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			n, err := scanNode(rows)
			if err != nil {
				return err
			}
			out = append(out, *n)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpdateNode applies a partial update. Returns false if the node does not exist.
func (db *DB) UpdateNode(ctx context.Context, id int64, up NodeUpdate) (bool, error) {
	var sets []string
	var args []any
	structural := false

	if up.Label != nil {
		sets = append(sets, "label = ?")
		args = append(args, *up.Label)
		structural = true
	}
	if up.Type != nil {
		if strings.TrimSpace(*up.Type) == "" {
			return false, memerr.Validation("type", "node type is required")
		}
		sets = append(sets, "type = ?")
		args = append(args, *up.Type)
		structural = true
	}
	if up.Weight != nil {
		if !validWeight(*up.Weight) {
			return false, memerr.Validation("weight", "must be in [0,1], got %v", *up.Weight)
		}
		sets = append(sets, "weight = ?")
		args = append(args, *up.Weight)
	}
	if up.Embedding != nil {
		sets = append(sets, "embedding = ?")
		args = append(args, up.Embedding)
		structural = true
	}
	if up.Metadata != nil {
		m, err := encodeMetadata(up.Metadata)
		if err != nil {
			return false, err
		}
		sets = append(sets, "metadata = ?")
		args = append(args, m)
		structural = true
	}
	if len(sets) == 0 {
		n, err := db.GetNode(ctx, id)
		return n != nil, err
	}

	sets = append(sets, "updated_at = ?")
	args = append(args, db.nowMilli(), id)

	res, err := db.ExecContext(ctx, "UPDATE nodes SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return false, memerr.Storage("update node", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, memerr.Storage("update node", err)
	}
	if n == 0 {
		return false, nil
	}
	if structural {
		db.emit(NodeUpdated, id)
	} else {
		db.emit(WeightChanged, id)
	}
	return true, nil
}

// DeleteNode removes a node and, by cascade, every edge touching it.
// Returns false if the node does not exist.
func (db *DB) DeleteNode(ctx context.Context, id int64) (bool, error) {
	deleted, err := db.DeleteNodes(ctx, []int64{id})
	if err != nil {
		return false, err
	}
	return len(deleted) == 1, nil
}

// DeleteNodes removes nodes in one transaction and returns the ids that
// existed and were deleted.
func (db *DB) DeleteNodes(ctx context.Context, ids []int64) ([]int64, error) {
	var deleted []int64
	err := db.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		deleted, err = deleteNodesTx(ctx, tx, ids)
		return err
	})
	if err != nil {
		return nil, memerr.Storage("delete nodes", err)
	}
	db.emit(NodeDeleted, deleted...)
	return deleted, nil
}

func deleteNodesTx(ctx context.Context, tx *sql.Tx, ids []int64) ([]int64, error) {
	var deleted []int64
	stmt, err := tx.PrepareContext(ctx, "DELETE FROM nodes WHERE id = ?")
	if err != nil {
		return nil, fmt.Errorf("prepare delete node: %w", err)
	}
	defer stmt.Close()
	for _, id := range uniqueSorted(ids) {
		res, err := stmt.ExecContext(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("delete node %d: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			deleted = append(deleted, id)
		}
	}
	return deleted, nil
}

// ListNodes returns nodes ordered by id.
func (db *DB) ListNodes(ctx context.Context, opts ListOptions) ([]Node, error) {
	return listNodes(ctx, db, opts)
}

func listNodes(ctx context.Context, q queryer, opts ListOptions) ([]Node, error) {
	query := "SELECT " + nodeColumns + " FROM nodes WHERE weight >= ?"
	args := []any{opts.MinWeight}
	if opts.Type != "" {
		query += " AND type = ?"
		args = append(args, opts.Type)
	}
	query += " ORDER BY id"
	if opts.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, opts.Limit, opts.Offset)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, memerr.Storage("list nodes", err)
	}
	defer rows.Close()

	var out []Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, memerr.Storage("scan node", err)
		}
		out = append(out, *n)
	}
	if err := rows.Err(); err != nil {
		return nil, memerr.Storage("list nodes", err)
	}
	return out, nil
}

// NodeIDs returns every node id in ascending order.
func (db *DB) NodeIDs(ctx context.Context) ([]int64, error) {
	rows, err := db.QueryContext(ctx, "SELECT id FROM nodes ORDER BY id")
	if err != nil {
		return nil, memerr.Storage("list node ids", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, memerr.Storage("scan node id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, memerr.Storage("list node ids", err)
	}
	return ids, nil
}

// NodeWeights returns the current weight of each existing node in ids.
func (db *DB) NodeWeights(ctx context.Context, ids []int64) (map[int64]float64, error) {
	out := make(map[int64]float64, len(ids))
	err := chunked(uniqueSorted(ids), func(chunk []int64) error {
		rows, err := db.QueryContext(ctx,
			"SELECT id, weight FROM nodes WHERE id IN ("+placeholders(len(chunk))+")",
			int64Args(chunk)...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id int64
			var w float64
			if err := rows.Scan(&id, &w); err != nil {
				return err
			}
			out[id] = w
		}
		return rows.Err()
	})
	if err != nil {
		return nil, memerr.Storage("node weights", err)
	}
	return out, nil
}

func nodeExists(ctx context.Context, q queryer, id int64) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, "SELECT 1 FROM nodes WHERE id = ?", id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanNode(s scanner) (*Node, error) {
	var n Node
	var embedding []byte
	var meta *string
	var lastAccess, calibratedAt sql.NullInt64
	var createdAt, updatedAt int64

	err := s.Scan(&n.ID, &n.Label, &n.Type, &n.Weight, &embedding, &meta,
		&n.AccessCount, &lastAccess, &calibratedAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if len(embedding) > 0 {
		n.Embedding = append([]byte(nil), embedding...)
	}
	if n.Metadata, err = decodeMetadata(meta); err != nil {
		return nil, err
	}
	n.LastAccess = millisPtr(lastAccess)
	n.CalibratedAt = millisPtr(calibratedAt)
	n.CreatedAt = time.UnixMilli(createdAt)
	n.UpdatedAt = time.UnixMilli(updatedAt)
	return &n, nil
}

func millisPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}

func nullBlob(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?,", n-1) + "?"
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func uniqueSorted(ids []int64) []int64 {
	out := append([]int64(nil), ids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	j := 0
	for i, id := range out {
		if i == 0 || id != out[j-1] {
			out[j] = id
			j++
		}
	}
	return out[:j]
}

func chunked(ids []int64, fn func([]int64) error) error {
	for start := 0; start < len(ids); start += maxInParams {
		end := min(start+maxInParams, len(ids))
		if err := fn(ids[start:end]); err != nil {
			return err
		}
	}
	return nil
}
