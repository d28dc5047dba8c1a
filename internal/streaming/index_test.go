package streaming

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/karmagraph/internal/encoder"
	"github.com/lazypower/karmagraph/internal/hypervec"
	"github.com/lazypower/karmagraph/internal/memerr"
	"github.com/lazypower/karmagraph/internal/store"
)

const testDim = hypervec.DefaultDimensions

func openDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func addNode(t *testing.T, db *store.DB, typ string, weight float64) int64 {
	t.Helper()
	id, err := db.AddNode(context.Background(), store.NodeInput{Label: typ, Type: typ, Weight: weight})
	require.NoError(t, err)
	return id
}

func weightOf(t *testing.T, db *store.DB, id int64) float64 {
	t.Helper()
	n, err := db.GetNode(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, n)
	return n.Weight
}

// mapSource serves vectors from memory.
type mapSource map[int64]hypervec.Vector

func (m mapSource) VectorFor(_ context.Context, id int64) (hypervec.Vector, bool, error) {
	v, ok := m[id]
	return v, ok, nil
}

// flakyStore fails batch writes while failing is set.
type flakyStore struct {
	*store.DB
	failing bool
	calls   int
}

func (s *flakyStore) ApplyWeightDeltas(ctx context.Context, deltas map[int64]float64) ([]int64, []int64, error) {
	s.calls++
	if s.failing {
		return nil, nil, memerr.Storage("apply weight deltas", errors.New("disk I/O error"))
	}
	return s.DB.ApplyWeightDeltas(ctx, deltas)
}

func newIndex(t *testing.T, st Store, src VectorSource, cfg Config) *Index {
	t.Helper()
	idx, err := New(st, src, testDim, cfg)
	require.NoError(t, err)
	t.Cleanup(idx.Close)
	return idx
}

func randomVector(t *testing.T, rng *rand.Rand) hypervec.Vector {
	t.Helper()
	b := make([]byte, hypervec.ByteLen(testDim))
	rng.Read(b)
	v, err := hypervec.FromBytes(testDim, b)
	require.NoError(t, err)
	return v
}

// noisy flips each bit of v with probability p.
func noisy(t *testing.T, rng *rand.Rand, v hypervec.Vector, p float64) hypervec.Vector {
	t.Helper()
	b := v.Bytes()
	for i := 0; i < testDim; i++ {
		if rng.Float64() < p {
			b[i/8] ^= 1 << uint(i%8)
		}
	}
	out, err := hypervec.FromBytes(testDim, b)
	require.NoError(t, err)
	return out
}

func TestNew_Validation(t *testing.T) {
	db := openDB(t)
	_, err := New(db, mapSource{}, 0, Config{})
	assert.ErrorIs(t, err, memerr.ErrValidation)
	_, err = New(db, mapSource{}, testDim, Config{BitsPerKey: 65})
	assert.ErrorIs(t, err, memerr.ErrValidation)
	_, err = New(db, mapSource{}, testDim, Config{BufferCapacity: -1})
	assert.ErrorIs(t, err, memerr.ErrValidation)
}

func TestFlush_MergesAndClamps(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()
	a := addNode(t, db, "concept", 0.5)
	b := addNode(t, db, "concept", 0.9)
	c := addNode(t, db, "concept", 0.1)
	idx := newIndex(t, db, mapSource{}, Config{})

	require.NoError(t, idx.BufferWeightUpdate(ctx, a, 0.25, "review"))
	require.NoError(t, idx.BufferWeightUpdate(ctx, a, 0.125, "review"))
	require.NoError(t, idx.BufferWeightUpdate(ctx, a, -0.125, "decay"))
	require.NoError(t, idx.BufferWeightUpdate(ctx, b, 0.5, "review"))
	require.NoError(t, idx.BufferWeightUpdate(ctx, c, -1, "decay"))
	assert.Len(t, idx.Pending(), 5)

	report, err := idx.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, report.Entries)
	assert.Equal(t, 3, report.Applied)
	assert.NotEmpty(t, report.BatchID)
	assert.Empty(t, idx.Pending())

	assert.InDelta(t, 0.75, weightOf(t, db, a), 1e-12)
	assert.Equal(t, 1.0, weightOf(t, db, b))
	assert.Equal(t, 0.0, weightOf(t, db, c))

	report, err = idx.Flush(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Applied)
	assert.InDelta(t, 0.75, weightOf(t, db, a), 1e-12, "an empty flush changes nothing")
}

func TestFlush_OrderIndependent(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	deltas := make([]float64, 40)
	for i := range deltas {
		deltas[i] = (rng.Float64() - 0.5) * 0.1
	}
	// The overshoot makes the clamp matter: the sum is clamped once, not per delta.
	deltas = append(deltas, 0.7, -0.6)

	var want float64
	for run := 0; run < 6; run++ {
		db := openDB(t)
		ctx := context.Background()
		id := addNode(t, db, "concept", 0.4)
		idx := newIndex(t, db, mapSource{}, Config{})

		order := rng.Perm(len(deltas))
		for _, i := range order {
			require.NoError(t, idx.BufferWeightUpdate(ctx, id, deltas[i], "test"))
		}
		_, err := idx.Flush(ctx)
		require.NoError(t, err)

		got := weightOf(t, db, id)
		if run == 0 {
			want = got
			continue
		}
		assert.Equal(t, want, got, "permutation %d", run)
	}
}

func TestFlush_FailurePreservesBuffer(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()
	id := addNode(t, db, "concept", 0.5)
	st := &flakyStore{DB: db, failing: true}
	idx := newIndex(t, st, mapSource{}, Config{})

	require.NoError(t, idx.BufferWeightUpdate(ctx, id, 0.125, "review"))
	require.NoError(t, idx.BufferWeightUpdate(ctx, id, 0.125, "review"))
	before := idx.Pending()

	_, err := idx.Flush(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, memerr.ErrStorage)
	assert.Equal(t, before, idx.Pending(), "failed flush must leave the buffer untouched")
	assert.Equal(t, 0.5, weightOf(t, db, id))

	st.failing = false
	report, err := idx.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Applied)
	assert.Empty(t, idx.Pending())
	assert.Equal(t, 0.75, weightOf(t, db, id), "retry applies each delta exactly once")
	assert.Equal(t, 2, st.calls)
}

func TestBufferWeightUpdate_AutoFlush(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()
	id := addNode(t, db, "concept", 0.5)
	idx := newIndex(t, db, mapSource{}, Config{BufferCapacity: 3})

	require.NoError(t, idx.BufferWeightUpdate(ctx, id, 0.125, "a"))
	require.NoError(t, idx.BufferWeightUpdate(ctx, id, 0.125, "b"))
	assert.Len(t, idx.Pending(), 2)
	assert.Equal(t, 0.5, weightOf(t, db, id))

	require.NoError(t, idx.BufferWeightUpdate(ctx, id, 0.125, "c"))
	assert.Empty(t, idx.Pending())
	assert.Equal(t, 0.875, weightOf(t, db, id))
}

func TestBufferWeightUpdate_AutoFlushFailureKeepsEntries(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()
	id := addNode(t, db, "concept", 0.5)
	st := &flakyStore{DB: db, failing: true}
	idx := newIndex(t, st, mapSource{}, Config{BufferCapacity: 2})

	require.NoError(t, idx.BufferWeightUpdate(ctx, id, 0.125, "a"))
	err := idx.BufferWeightUpdate(ctx, id, 0.125, "b")
	assert.ErrorIs(t, err, memerr.ErrStorage)
	pending := idx.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, "b", pending[1].Source)
}

func TestBufferWeightUpdate_RejectsNonFinite(t *testing.T) {
	db := openDB(t)
	id := addNode(t, db, "concept", 0.5)
	idx := newIndex(t, db, mapSource{}, Config{})

	for _, d := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		err := idx.BufferWeightUpdate(context.Background(), id, d, "bad")
		assert.ErrorIs(t, err, memerr.ErrValidation)
	}
	assert.Empty(t, idx.Pending())
}

func TestFlush_DropsDeletedNodes(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()
	keep := addNode(t, db, "concept", 0.5)
	gone := addNode(t, db, "concept", 0.5)
	idx := newIndex(t, db, mapSource{}, Config{})

	require.NoError(t, idx.BufferWeightUpdate(ctx, keep, 0.25, "review"))
	require.NoError(t, idx.BufferWeightUpdate(ctx, gone, 0.25, "review"))
	_, err := db.DeleteNode(ctx, gone)
	require.NoError(t, err)

	report, err := idx.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Applied)
	assert.Equal(t, []int64{gone}, report.Dropped)
	assert.Equal(t, 0.75, weightOf(t, db, keep))
}

func TestANN_Validation(t *testing.T) {
	db := openDB(t)
	idx := newIndex(t, db, mapSource{}, Config{})
	rng := rand.New(rand.NewSource(1))

	_, err := idx.ApproximateNearestNeighbors(context.Background(), randomVector(t, rng), 0)
	assert.ErrorIs(t, err, memerr.ErrValidation)

	space, err := hypervec.NewSpace(128, hypervec.DefaultSeed)
	require.NoError(t, err)
	_, err = idx.ApproximateNearestNeighbors(context.Background(), space.Encode("x"), 5)
	assert.ErrorIs(t, err, memerr.ErrValidation)
}

func TestANN_FindsNoisyNeighbours(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(11))

	src := mapSource{}
	var ids []int64
	for i := 0; i < 200; i++ {
		id := addNode(t, db, "concept", 0.5)
		src[id] = randomVector(t, rng)
		ids = append(ids, id)
	}
	idx := newIndex(t, db, src, Config{})
	n, err := idx.RebuildIndex(ctx)
	require.NoError(t, err)
	require.Equal(t, 200, n)

	for q := 0; q < 25; q++ {
		target := ids[rng.Intn(len(ids))]
		res, err := idx.ApproximateNearestNeighbors(ctx, noisy(t, rng, src[target], 0.05), 3)
		require.NoError(t, err)
		require.NotEmpty(t, res)
		assert.Equal(t, target, res[0].NodeID)
		assert.Greater(t, res[0].Similarity, 0.9)
	}

	stats := idx.Stats()
	assert.Equal(t, 200, stats.Indexed)
	assert.Equal(t, DefaultConfig().Tables, stats.Tables)
}

func TestANN_RecallAgainstExhaustiveAnalogy(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()
	space, err := hypervec.NewSpace(testDim, hypervec.DefaultSeed)
	require.NoError(t, err)
	enc := encoder.New(db, space, encoder.NewCache(), encoder.Options{Hops: 1})
	t.Cleanup(enc.Close)

	// A random typed graph: neighbours in signature space sit only a little
	// above the 0.5 similarity of unrelated nodes.
	const nodes, types, outDegree = 1000, 20, 3
	rng := rand.New(rand.NewSource(3))
	ids := make([]int64, nodes)
	for i := range ids {
		ids[i] = addNode(t, db, fmt.Sprintf("type_%d", rng.Intn(types)), 0.5)
	}
	relations := []string{"related_to", "part_of", "causes"}
	for _, src := range ids {
		picked := map[int64]bool{src: true}
		for len(picked) <= outDegree {
			tgt := ids[rng.Intn(nodes)]
			if picked[tgt] {
				continue
			}
			picked[tgt] = true
			_, err := db.AddEdge(ctx, store.EdgeInput{
				SourceID: src, TargetID: tgt,
				Relation: relations[rng.Intn(len(relations))],
				Weight:   1, Karma: 1,
			})
			require.NoError(t, err)
		}
	}

	idx := newIndex(t, db, enc, Config{})
	n, err := idx.RebuildIndex(ctx)
	require.NoError(t, err)
	require.Equal(t, nodes, n)
	_, err = enc.EncodeAll(ctx, 1)
	require.NoError(t, err)

	const k = 10
	var hits, total int
	for q := 0; q < 40; q++ {
		id := ids[rng.Intn(nodes)]
		exact, err := enc.FindAnalogous(ctx, id, encoder.AnalogyOptions{TopK: k, IncludeSelf: true})
		require.NoError(t, err)
		require.Len(t, exact, k)
		cutoff := exact[k-1].Similarity

		sig, err := enc.EncodeNodeStructure(ctx, id, 1)
		require.NoError(t, err)
		approx, err := idx.ApproximateNearestNeighbors(ctx, sig.Vector, k)
		require.NoError(t, err)

		// Ties at the cutoff make id sets ambiguous, so a hit is any
		// approximate result scoring at least the k-th exact score.
		for _, r := range approx {
			if r.Similarity >= cutoff {
				hits++
			}
		}
		total += k
	}
	recall := float64(hits) / float64(total)
	assert.GreaterOrEqual(t, recall, 0.8, "recall@%d = %.3f", k, recall)
}

func TestANN_DeletedNodeLeavesIndex(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(5))
	src := mapSource{}
	a := addNode(t, db, "concept", 0.5)
	b := addNode(t, db, "concept", 0.5)
	src[a] = randomVector(t, rng)
	src[b] = randomVector(t, rng)

	idx := newIndex(t, db, src, Config{})
	require.NoError(t, idx.Reindex(ctx, a, b))

	_, err := db.DeleteNode(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, 1, idx.Stats().Dirty)

	res, err := idx.ApproximateNearestNeighbors(ctx, src[a], 5)
	require.NoError(t, err)
	for _, r := range res {
		assert.NotEqual(t, a, r.NodeID)
	}
	assert.Equal(t, 1, idx.Stats().Indexed)
}

func TestRebuildIndex_EmbeddingSource(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(9))

	v := randomVector(t, rng)
	withVec, err := db.AddNode(ctx, store.NodeInput{Label: "a", Type: "concept", Weight: 0.5, Embedding: v.Bytes()})
	require.NoError(t, err)
	addNode(t, db, "concept", 0.5)
	_, err = db.AddNode(ctx, store.NodeInput{Label: "bad", Type: "concept", Weight: 0.5, Embedding: []byte{1, 2, 3}})
	require.NoError(t, err)

	idx := newIndex(t, db, EmbeddingSource{Nodes: db, Dim: testDim}, Config{})
	n, err := idx.RebuildIndex(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only well-formed embeddings are indexed")

	res, err := idx.ApproximateNearestNeighbors(ctx, v, 1)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, withVec, res[0].NodeID)
	assert.Equal(t, 1.0, res[0].Similarity)
}
