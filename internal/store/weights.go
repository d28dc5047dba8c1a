package store

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/lazypower/karmagraph/internal/memerr"
)

// WeightUpdate sets a node's karma weight.
type WeightUpdate struct {
	NodeID int64   `json:"node_id"`
	Weight float64 `json:"weight"`
}

// AccessEvent is one recorded retrieval of a node.
type AccessEvent struct {
	NodeID  int64     `json:"node_id"`
	Success bool      `json:"success"`
	At      time.Time `json:"at"`
}

// CalibrationCommit is the outcome of one calibration pass, applied
// atomically by Calibrate.
type CalibrationCommit struct {
	Updates []WeightUpdate
	Prune   []int64
	At      time.Time
}

// BatchUpdateWeight sets the weights of several nodes in one transaction.
// Every weight must lie in [0,1]. If any node does not exist the whole batch
// is rolled back and a reference error is returned.
func (db *DB) BatchUpdateWeight(ctx context.Context, updates []WeightUpdate) (int, error) {
	for _, u := range updates {
		if !validWeight(u.Weight) {
			return 0, memerr.Validation("weight", "node %d: must be in [0,1], got %v", u.NodeID, u.Weight)
		}
	}
	if len(updates) == 0 {
		return 0, nil
	}

	now := db.nowMilli()
	err := db.inTx(ctx, func(tx *sql.Tx) error {
		return setWeightsTx(ctx, tx, updates, now, nil)
	})
	if err != nil {
		return 0, memerr.Storage("batch update weight", err)
	}
	db.emit(WeightChanged, updateIDs(updates)...)
	return len(updates), nil
}

func setWeightsTx(ctx context.Context, tx *sql.Tx, updates []WeightUpdate, now int64, calibratedAt *int64) error {
	query := "UPDATE nodes SET weight = ?, updated_at = ? WHERE id = ?"
	if calibratedAt != nil {
		query = "UPDATE nodes SET weight = ?, updated_at = ?, calibrated_at = ? WHERE id = ?"
	}
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare weight update: %w", err)
	}
	defer stmt.Close()

	for _, u := range updates {
		args := []any{u.Weight, now, u.NodeID}
		if calibratedAt != nil {
			args = []any{u.Weight, now, *calibratedAt, u.NodeID}
		}
		res, err := stmt.ExecContext(ctx, args...)
		if err != nil {
			return memerr.Storage("update weight", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return memerr.Storage("update weight", err)
		}
		if n == 0 {
			return memerr.Reference("update weight", "node", u.NodeID)
		}
	}
	return nil
}

// ApplyWeightDeltas adds each delta to its node's current weight, clamped to
// [0,1], in one transaction. The sum is computed by SQLite, so a concurrent
// writer can never be overwritten by a stale read. Nodes that no longer exist
// are skipped and returned as dropped.
func (db *DB) ApplyWeightDeltas(ctx context.Context, deltas map[int64]float64) (applied, dropped []int64, err error) {
	ids := make([]int64, 0, len(deltas))
	for id, d := range deltas {
		if math.IsNaN(d) || math.IsInf(d, 0) {
			return nil, nil, memerr.Validation("delta", "node %d: must be finite, got %v", id, d)
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, nil, nil
	}
	ids = uniqueSorted(ids)

	now := db.nowMilli()
	err = db.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			"UPDATE nodes SET weight = MIN(1.0, MAX(0.0, weight + ?)), updated_at = ? WHERE id = ?")
		if err != nil {
			return fmt.Errorf("prepare weight delta: %w", err)
		}
		defer stmt.Close()

		for _, id := range ids {
			res, err := stmt.ExecContext(ctx, deltas[id], now, id)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n == 0 {
				dropped = append(dropped, id)
				continue
			}
			applied = append(applied, id)
		}
		return nil
	})
	if err != nil {
		return nil, nil, memerr.Storage("apply weight deltas", err)
	}
	db.emit(WeightChanged, applied...)
	return applied, dropped, nil
}

// AdjustWeight adds delta to a node's weight, clamped to [0,1], and returns
// the new weight.
func (db *DB) AdjustWeight(ctx context.Context, id int64, delta float64) (float64, error) {
	if math.IsNaN(delta) || math.IsInf(delta, 0) {
		return 0, memerr.Validation("delta", "must be finite, got %v", delta)
	}
	var w float64
	err := db.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		w, err = adjustWeightTx(ctx, tx, id, delta, db.nowMilli())
		return err
	})
	if err != nil {
		return 0, memerr.Storage("adjust weight", err)
	}
	db.emit(WeightChanged, id)
	return w, nil
}

func adjustWeightTx(ctx context.Context, tx *sql.Tx, id int64, delta float64, now int64) (float64, error) {
	res, err := tx.ExecContext(ctx,
		"UPDATE nodes SET weight = MIN(1.0, MAX(0.0, weight + ?)), updated_at = ? WHERE id = ?",
		delta, now, id)
	if err != nil {
		return 0, memerr.Storage("adjust weight", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, memerr.Reference("adjust weight", "node", id)
	}
	var w float64
	if err := tx.QueryRowContext(ctx, "SELECT weight FROM nodes WHERE id = ?", id).Scan(&w); err != nil {
		return 0, memerr.Storage("read weight", err)
	}
	return w, nil
}

// RecordAccess appends an access event to the node's history, keeps only the
// newest limit events, bumps the access counter and applies nudge to the
// weight, all in one transaction. It returns the new weight.
func (db *DB) RecordAccess(ctx context.Context, ev AccessEvent, limit int, nudge float64) (float64, error) {
	if limit <= 0 {
		return 0, memerr.Validation("history_limit", "must be positive, got %d", limit)
	}
	if math.IsNaN(nudge) || math.IsInf(nudge, 0) {
		return 0, memerr.Validation("nudge", "must be finite, got %v", nudge)
	}
	at := ev.At.UnixMilli()
	var w float64
	err := db.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE nodes SET access_count = access_count + 1,
				last_access = MAX(COALESCE(last_access, 0), ?)
			WHERE id = ?`, at, ev.NodeID)
		if err != nil {
			return memerr.Storage("bump access", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return memerr.Reference("record access", "node", ev.NodeID)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO access_log (node_id, success, at) VALUES (?, ?, ?)",
			ev.NodeID, boolToInt(ev.Success), at); err != nil {
			return memerr.Storage("insert access", err)
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM access_log WHERE node_id = ? AND id NOT IN (
				SELECT id FROM access_log WHERE node_id = ? ORDER BY at DESC, id DESC LIMIT ?
			)`, ev.NodeID, ev.NodeID, limit); err != nil {
			return memerr.Storage("trim access log", err)
		}
		w, err = adjustWeightTx(ctx, tx, ev.NodeID, nudge, db.nowMilli())
		return err
	})
	if err != nil {
		return 0, memerr.Storage("record access", err)
	}
	db.emit(WeightChanged, ev.NodeID)
	return w, nil
}

// AccessHistory returns a node's retained access events, oldest first.
func (db *DB) AccessHistory(ctx context.Context, id int64) ([]AccessEvent, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT node_id, success, at FROM access_log WHERE node_id = ? ORDER BY at, id", id)
	if err != nil {
		return nil, memerr.Storage("access history", err)
	}
	events, err := scanAccess(rows)
	if err != nil {
		return nil, memerr.Storage("access history", err)
	}
	return events, nil
}

// AccessHistories returns every node's retained access events, oldest first.
func (db *DB) AccessHistories(ctx context.Context) (map[int64][]AccessEvent, error) {
	return accessHistories(ctx, db)
}

func accessHistories(ctx context.Context, q queryer) (map[int64][]AccessEvent, error) {
	rows, err := q.QueryContext(ctx, "SELECT node_id, success, at FROM access_log ORDER BY node_id, at, id")
	if err != nil {
		return nil, memerr.Storage("access histories", err)
	}
	events, err := scanAccess(rows)
	if err != nil {
		return nil, memerr.Storage("access histories", err)
	}
	out := make(map[int64][]AccessEvent)
	for _, ev := range events {
		out[ev.NodeID] = append(out[ev.NodeID], ev)
	}
	return out, nil
}

func scanAccess(rows *sql.Rows) ([]AccessEvent, error) {
	defer rows.Close()
	var out []AccessEvent
	for rows.Next() {
		var ev AccessEvent
		var success int
		var at int64
		if err := rows.Scan(&ev.NodeID, &success, &at); err != nil {
			return nil, err
		}
		ev.Success = success == 1
		ev.At = time.UnixMilli(at)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// CalibrationPlan turns a consistent snapshot of every node and its retained
// access history into the writes of one calibration pass. It must not call
// back into the store.
type CalibrationPlan func(nodes []Node, histories map[int64][]AccessEvent) (CalibrationCommit, error)

// Calibrate reads every node and access history, hands them to plan and
// applies the resulting commit, all in one transaction. No other write can
// land between the snapshot and the commit, so calibration never overwrites
// a concurrent weight change. It returns the ids of the pruned nodes.
func (db *DB) Calibrate(ctx context.Context, plan CalibrationPlan) (*CalibrationCommit, []int64, error) {
	var (
		commit CalibrationCommit
		pruned []int64
	)
	err := db.inTx(ctx, func(tx *sql.Tx) error {
		nodes, err := listNodes(ctx, tx, ListOptions{})
		if err != nil {
			return err
		}
		histories, err := accessHistories(ctx, tx)
		if err != nil {
			return err
		}
		commit, err = plan(nodes, histories)
		if err != nil {
			return err
		}
		for _, u := range commit.Updates {
			if !validWeight(u.Weight) {
				return memerr.Validation("weight", "node %d: must be in [0,1], got %v", u.NodeID, u.Weight)
			}
		}
		at := commit.At.UnixMilli()
		if err := setWeightsTx(ctx, tx, commit.Updates, db.nowMilli(), &at); err != nil {
			return err
		}
		pruned, err = deleteNodesTx(ctx, tx, commit.Prune)
		return err
	})
	if err != nil {
		return nil, nil, memerr.Storage("calibrate", err)
	}
	db.emit(WeightChanged, updateIDs(commit.Updates)...)
	db.emit(NodeDeleted, pruned...)
	return &commit, pruned, nil
}

func updateIDs(updates []WeightUpdate) []int64 {
	ids := make([]int64, len(updates))
	for i, u := range updates {
		ids[i] = u.NodeID
	}
	return ids
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
