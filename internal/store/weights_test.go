package store

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/lazypower/karmagraph/internal/memerr"
)

func TestBatchUpdateWeight(t *testing.T) {
	db := testDB(t)
	a := mustNode(t, db, "a", "t", 0.5)
	b := mustNode(t, db, "b", "t", 0.5)

	n, err := db.BatchUpdateWeight(bg(), []WeightUpdate{{NodeID: a, Weight: 0.1}, {NodeID: b, Weight: 0.9}})
	if err != nil || n != 2 {
		t.Fatalf("BatchUpdateWeight = %d, %v", n, err)
	}
	weights, _ := db.NodeWeights(bg(), []int64{a, b})
	if weights[a] != 0.1 || weights[b] != 0.9 {
		t.Errorf("weights = %v", weights)
	}
}

func TestBatchUpdateWeightAllOrNothing(t *testing.T) {
	db := testDB(t)
	a := mustNode(t, db, "a", "t", 0.5)

	_, err := db.BatchUpdateWeight(bg(), []WeightUpdate{{NodeID: a, Weight: 0.2}, {NodeID: 12345, Weight: 0.3}})
	if !errors.Is(err, memerr.ErrReference) {
		t.Fatalf("err = %v, want reference error", err)
	}
	n, _ := db.GetNode(bg(), a)
	if n.Weight != 0.5 {
		t.Errorf("weight = %f, rollback did not restore 0.5", n.Weight)
	}

	for _, w := range []float64{-0.01, 1.01, math.NaN()} {
		if _, err := db.BatchUpdateWeight(bg(), []WeightUpdate{{NodeID: a, Weight: w}}); !errors.Is(err, memerr.ErrValidation) {
			t.Errorf("weight %v err = %v, want validation error", w, err)
		}
	}
}

func TestAdjustWeightClamps(t *testing.T) {
	db := testDB(t)
	a := mustNode(t, db, "a", "t", 0.95)

	w, err := db.AdjustWeight(bg(), a, 0.2)
	if err != nil || w != 1 {
		t.Errorf("AdjustWeight(+0.2) = %f, %v, want 1", w, err)
	}
	w, _ = db.AdjustWeight(bg(), a, -5)
	if w != 0 {
		t.Errorf("AdjustWeight(-5) = %f, want 0", w)
	}
	if _, err := db.AdjustWeight(bg(), 999, 0.1); !errors.Is(err, memerr.ErrReference) {
		t.Errorf("missing node err = %v", err)
	}
}

func TestRecordAccessTrimsHistory(t *testing.T) {
	db := testDB(t)
	a := mustNode(t, db, "a", "t", 0.5)
	base := time.UnixMilli(1_700_000_000_000)

	for i := 0; i < 8; i++ {
		_, err := db.RecordAccess(bg(), AccessEvent{NodeID: a, Success: i%2 == 0, At: base.Add(time.Duration(i) * time.Minute)}, 5, 0.01)
		if err != nil {
			t.Fatalf("RecordAccess %d: %v", i, err)
		}
	}

	history, err := db.AccessHistory(bg(), a)
	if err != nil {
		t.Fatalf("AccessHistory: %v", err)
	}
	if len(history) != 5 {
		t.Fatalf("history = %d events, want 5", len(history))
	}
	if !history[0].At.Equal(base.Add(3*time.Minute)) {
		t.Errorf("oldest retained = %v, want minute 3", history[0].At)
	}

	n, _ := db.GetNode(bg(), a)
	if n.AccessCount != 8 {
		t.Errorf("AccessCount = %d, want 8", n.AccessCount)
	}
	if n.LastAccess == nil || !n.LastAccess.Equal(base.Add(7*time.Minute)) {
		t.Errorf("LastAccess = %v", n.LastAccess)
	}
	if math.Abs(n.Weight-0.58) > 1e-9 {
		t.Errorf("Weight = %f, want 0.58", n.Weight)
	}

	all, _ := db.AccessHistories(bg())
	if len(all[a]) != 5 {
		t.Errorf("AccessHistories[a] = %d", len(all[a]))
	}

	if _, err := db.RecordAccess(bg(), AccessEvent{NodeID: 404, At: base}, 5, 0); !errors.Is(err, memerr.ErrReference) {
		t.Errorf("missing node err = %v", err)
	}
}

func TestApplyWeightDeltas(t *testing.T) {
	db := testDB(t)
	a := mustNode(t, db, "a", "t", 0.5)
	b := mustNode(t, db, "b", "t", 0.9)
	c := mustNode(t, db, "c", "t", 0.1)

	applied, dropped, err := db.ApplyWeightDeltas(bg(), map[int64]float64{a: 0.25, b: 0.5, c: -0.5, 404: 0.1})
	if err != nil {
		t.Fatalf("ApplyWeightDeltas: %v", err)
	}
	if len(applied) != 3 || len(dropped) != 1 || dropped[0] != 404 {
		t.Errorf("applied = %v, dropped = %v", applied, dropped)
	}
	weights, _ := db.NodeWeights(bg(), []int64{a, b, c})
	if weights[a] != 0.75 || weights[b] != 1 || weights[c] != 0 {
		t.Errorf("weights = %v", weights)
	}

	if _, _, err := db.ApplyWeightDeltas(bg(), map[int64]float64{a: math.Inf(1)}); !errors.Is(err, memerr.ErrValidation) {
		t.Errorf("non-finite delta err = %v", err)
	}
}

func TestApplyWeightDeltasAddsToConcurrentWrites(t *testing.T) {
	db := testDB(t)
	a := mustNode(t, db, "a", "t", 0.5)

	// A write between buffering and flushing must survive the flush.
	if _, err := db.BatchUpdateWeight(bg(), []WeightUpdate{{NodeID: a, Weight: 0.2}}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := db.ApplyWeightDeltas(bg(), map[int64]float64{a: 0.25}); err != nil {
		t.Fatal(err)
	}
	n, _ := db.GetNode(bg(), a)
	if math.Abs(n.Weight-0.45) > 1e-12 {
		t.Errorf("weight = %f, want 0.45", n.Weight)
	}
}

func TestCalibrate(t *testing.T) {
	db := testDB(t)
	a := mustNode(t, db, "a", "t", 0.5)
	b := mustNode(t, db, "b", "t", 0.5)
	c := mustNode(t, db, "c", "t", 0.01)
	mustEdge(t, db, a, c, "r")
	if _, err := db.RecordAccess(bg(), AccessEvent{NodeID: b, Success: true, At: time.UnixMilli(1_700_000_000_000)}, 5, 0); err != nil {
		t.Fatal(err)
	}

	at := time.UnixMilli(1_800_000_000_000)
	var seen int
	var history []AccessEvent
	_, pruned, err := db.Calibrate(bg(), func(nodes []Node, histories map[int64][]AccessEvent) (CalibrationCommit, error) {
		seen = len(nodes)
		history = histories[b]
		return CalibrationCommit{
			Updates: []WeightUpdate{{NodeID: a, Weight: 0.4}, {NodeID: b, Weight: 0.45}},
			Prune:   []int64{c},
			At:      at,
		}, nil
	})
	if err != nil {
		t.Fatalf("Calibrate: %v", err)
	}
	if seen != 3 || len(history) != 1 {
		t.Errorf("snapshot: %d nodes, %d events for b", seen, len(history))
	}
	if len(pruned) != 1 || pruned[0] != c {
		t.Errorf("pruned = %v", pruned)
	}
	na, _ := db.GetNode(bg(), a)
	if na.Weight != 0.4 || na.CalibratedAt == nil || !na.CalibratedAt.Equal(at) {
		t.Errorf("node a = %+v", na)
	}
	if edges, _ := db.EdgesOf(bg(), a); len(edges) != 0 {
		t.Error("edge to pruned node survived")
	}
}

func TestCalibrateRollsBack(t *testing.T) {
	db := testDB(t)
	b := mustNode(t, db, "b", "t", 0.5)
	at := time.UnixMilli(1_800_000_000_000)

	// A reference failure rolls back the prune too.
	_, _, err := db.Calibrate(bg(), func([]Node, map[int64][]AccessEvent) (CalibrationCommit, error) {
		return CalibrationCommit{
			Updates: []WeightUpdate{{NodeID: 999, Weight: 0.1}},
			Prune:   []int64{b},
			At:      at,
		}, nil
	})
	if !errors.Is(err, memerr.ErrReference) {
		t.Fatalf("err = %v", err)
	}
	if nb, _ := db.GetNode(bg(), b); nb == nil {
		t.Error("prune applied despite failed calibration")
	}

	_, _, err = db.Calibrate(bg(), func([]Node, map[int64][]AccessEvent) (CalibrationCommit, error) {
		return CalibrationCommit{Updates: []WeightUpdate{{NodeID: b, Weight: 1.5}}, At: at}, nil
	})
	if !errors.Is(err, memerr.ErrValidation) {
		t.Errorf("out of range weight err = %v", err)
	}
}
