package store

import (
	"errors"
	"math"
	"testing"

	"github.com/lazypower/karmagraph/internal/memerr"
)

func TestPersonalizedPageRankMassAndOrder(t *testing.T) {
	db := testDB(t)
	s := mustNode(t, db, "seed", "t", 1)
	strong := mustNode(t, db, "strong", "t", 1)
	weak := mustNode(t, db, "weak", "t", 1)
	far := mustNode(t, db, "far", "t", 1)
	isolated := mustNode(t, db, "isolated", "t", 1)

	db.AddEdge(bg(), EdgeInput{SourceID: s, TargetID: strong, Relation: "r", Weight: 1, Karma: 0.9})
	db.AddEdge(bg(), EdgeInput{SourceID: s, TargetID: weak, Relation: "r", Weight: 1, Karma: 0.1})
	db.AddEdge(bg(), EdgeInput{SourceID: strong, TargetID: far, Relation: "r", Weight: 1, Karma: 1})

	ranked, err := db.PersonalizedPageRank(bg(), []int64{s}, PPROptions{Alpha: 0.15, Iterations: 50, TopK: 10})
	if err != nil {
		t.Fatalf("PersonalizedPageRank: %v", err)
	}

	total := 0.0
	score := map[int64]float64{}
	for _, r := range ranked {
		total += r.Score
		score[r.NodeID] = r.Score
	}
	if math.Abs(total-1) > 1e-9 {
		t.Errorf("total mass = %f, want 1", total)
	}
	if ranked[0].NodeID != s {
		t.Errorf("top node = %d, want seed %d", ranked[0].NodeID, s)
	}
	if score[strong] <= score[weak] {
		t.Errorf("high-karma neighbour %f not above low-karma %f", score[strong], score[weak])
	}
	if _, ok := score[isolated]; ok {
		t.Error("unreachable node received mass")
	}
	for i := 1; i < len(ranked); i++ {
		if ranked[i].Score > ranked[i-1].Score {
			t.Fatalf("results not sorted by score: %+v", ranked)
		}
	}
}

func TestPersonalizedPageRankDeterministic(t *testing.T) {
	db := testDB(t)
	ids := make([]int64, 30)
	for i := range ids {
		ids[i] = mustNode(t, db, "", "t", 1)
	}
	for i := range ids {
		for _, step := range []int{1, 3, 7} {
			j := (i + step) % len(ids)
			db.AddEdge(bg(), EdgeInput{
				SourceID: ids[i], TargetID: ids[j], Relation: "r",
				Weight: float64(step), Karma: 0.1 * float64(1+i%9),
			})
		}
	}

	opts := PPROptions{Alpha: 0.2, Iterations: 30, TopK: 15}
	first, err := db.PersonalizedPageRank(bg(), []int64{ids[0], ids[5]}, opts)
	if err != nil {
		t.Fatalf("PersonalizedPageRank: %v", err)
	}
	for run := 0; run < 5; run++ {
		again, _ := db.PersonalizedPageRank(bg(), []int64{ids[5], ids[0]}, opts)
		if len(again) != len(first) {
			t.Fatalf("run %d: %d results, want %d", run, len(again), len(first))
		}
		for i := range first {
			if again[i] != first[i] {
				t.Fatalf("run %d position %d: %+v != %+v", run, i, again[i], first[i])
			}
		}
	}
}

func TestPersonalizedPageRankTiesByID(t *testing.T) {
	db := testDB(t)
	s := mustNode(t, db, "s", "t", 1)
	x := mustNode(t, db, "x", "t", 1)
	y := mustNode(t, db, "y", "t", 1)
	mustEdge(t, db, s, y, "r")
	mustEdge(t, db, s, x, "r")

	ranked, err := db.PersonalizedPageRank(bg(), []int64{s}, PPROptions{})
	if err != nil {
		t.Fatalf("PersonalizedPageRank: %v", err)
	}
	if len(ranked) != 3 || ranked[1].NodeID != x || ranked[2].NodeID != y {
		t.Errorf("ranked = %+v, want tie broken by ascending id", ranked)
	}
}

func TestPersonalizedPageRankErrors(t *testing.T) {
	db := testDB(t)
	a := mustNode(t, db, "a", "t", 1)

	if _, err := db.PersonalizedPageRank(bg(), []int64{99}, PPROptions{}); !errors.Is(err, memerr.ErrReference) {
		t.Errorf("missing seed err = %v", err)
	}
	for _, alpha := range []float64{-0.1, 1.5, math.NaN()} {
		if _, err := db.PersonalizedPageRank(bg(), []int64{a}, PPROptions{Alpha: alpha}); !errors.Is(err, memerr.ErrValidation) {
			t.Errorf("alpha %v err = %v", alpha, err)
		}
	}
	if _, err := db.PersonalizedPageRank(bg(), []int64{a}, PPROptions{TopK: -1}); !errors.Is(err, memerr.ErrValidation) {
		t.Errorf("negative top_k err = %v", err)
	}
}

func TestModularity(t *testing.T) {
	db := testDB(t)

	q, err := db.CalculateModularity(bg())
	if err != nil || q != 0 {
		t.Fatalf("empty graph modularity = %f, %v", q, err)
	}

	// Two perfectly separated type communities, two edges each.
	a1 := mustNode(t, db, "", "a", 1)
	a2 := mustNode(t, db, "", "a", 1)
	a3 := mustNode(t, db, "", "a", 1)
	b1 := mustNode(t, db, "", "b", 1)
	b2 := mustNode(t, db, "", "b", 1)
	b3 := mustNode(t, db, "", "b", 1)
	mustEdge(t, db, a1, a2, "r")
	mustEdge(t, db, a2, a3, "r")
	mustEdge(t, db, b1, b2, "r")
	mustEdge(t, db, b2, b3, "r")

	q, err = db.CalculateModularity(bg())
	if err != nil {
		t.Fatalf("CalculateModularity: %v", err)
	}
	if math.Abs(q-0.5) > 1e-12 {
		t.Errorf("modularity = %f, want 0.5", q)
	}

	// Cross-community edges lower it.
	mustEdge(t, db, a1, b1, "r")
	mustEdge(t, db, a3, b3, "r")
	q2, _ := db.CalculateModularity(bg())
	if q2 >= q {
		t.Errorf("modularity %f did not drop below %f", q2, q)
	}
}
