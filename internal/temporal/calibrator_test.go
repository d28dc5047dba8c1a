package temporal

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/karmagraph/internal/memerr"
	"github.com/lazypower/karmagraph/internal/store"
)

var t0 = time.UnixMilli(1_700_000_000_000)

type fixture struct {
	ctx context.Context
	db  *store.DB
	cal *Calibrator
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	db.SetClock(func() time.Time { return t0 })

	cal, err := New(db, cfg, nil, nil)
	require.NoError(t, err)
	cal.SetClock(func() time.Time { return t0 })
	return &fixture{ctx: context.Background(), db: db, cal: cal}
}

func (f *fixture) at(d time.Duration) {
	f.cal.SetClock(func() time.Time { return t0.Add(d) })
}

func (f *fixture) node(t *testing.T, typ string, w float64) int64 {
	t.Helper()
	id, err := f.db.AddNode(f.ctx, store.NodeInput{Label: typ, Type: typ, Weight: w})
	require.NoError(t, err)
	return id
}

func (f *fixture) weight(t *testing.T, id int64) float64 {
	t.Helper()
	n, err := f.db.GetNode(f.ctx, id)
	require.NoError(t, err)
	require.NotNil(t, n)
	return n.Weight
}

func TestDecayCurve(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	id := f.node(t, "fact", 1.0)

	f.at(10 * day)
	report, err := f.cal.RunCalibration(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Updated)
	assert.NotEmpty(t, report.RunID)
	assert.InDelta(t, math.Exp(-1), f.weight(t, id), 1e-3)

	n, err := f.db.GetNode(f.ctx, id)
	require.NoError(t, err)
	require.NotNil(t, n.CalibratedAt)
	assert.True(t, n.CalibratedAt.Equal(t0.Add(10*day)))

	// Decay is measured from the last calibration, so an immediate second
	// pass changes nothing.
	_, err = f.cal.RunCalibration(f.ctx)
	require.NoError(t, err)
	assert.InDelta(t, math.Exp(-1), f.weight(t, id), 1e-3)
}

func TestRunCalibration_Transitions(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	low := f.node(t, "fact", 0.05)
	risky := f.node(t, "fact", 0.09)
	mid := f.node(t, "fact", 0.5)
	hot := f.node(t, "fact", 1.0)
	_, err := f.db.AddEdge(f.ctx, store.EdgeInput{SourceID: low, TargetID: mid, Relation: "related_to", Weight: 1, Karma: 1})
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		_, err := f.cal.RecordAccess(f.ctx, hot, true, t0.Add(time.Duration(i)*time.Hour))
		require.NoError(t, err)
	}

	f.at(day)
	report, err := f.cal.RunCalibration(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Nodes)
	assert.Equal(t, 1, report.Pruned)
	assert.Equal(t, []int64{low}, report.PrunedIDs)
	assert.Equal(t, 1, report.Consolidated)
	assert.Equal(t, 2, report.Updated)
	assert.Equal(t, 1, report.AtRisk)

	gone, err := f.db.GetNode(f.ctx, low)
	require.NoError(t, err)
	assert.Nil(t, gone)
	edges, err := f.db.EdgesOf(f.ctx, mid)
	require.NoError(t, err)
	assert.Empty(t, edges, "pruning cascades to edges")

	assert.Equal(t, 1.0, f.weight(t, hot))
	assert.InDelta(t, 0.5*math.Exp(-0.1), f.weight(t, mid), 1e-9)
	assert.InDelta(t, 0.09*math.Exp(-0.1), f.weight(t, risky), 1e-9)
}

func TestRunCalibration_WeightsStayInBounds(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	var ids []int64
	for i := 0; i <= 20; i++ {
		ids = append(ids, f.node(t, "fact", float64(i)/20))
	}
	for i, id := range ids {
		for j := 0; j < i%4; j++ {
			_, err := f.cal.RecordAccess(f.ctx, id, j%2 == 0, t0.Add(time.Duration(j+1)*time.Minute))
			require.NoError(t, err)
		}
	}

	for step := 1; step <= 5; step++ {
		f.at(time.Duration(step) * 3 * day)
		_, err := f.cal.RunCalibration(f.ctx)
		require.NoError(t, err)
		nodes, err := f.db.ListNodes(f.ctx, store.ListOptions{})
		require.NoError(t, err)
		for _, n := range nodes {
			assert.GreaterOrEqual(t, n.Weight, 0.0)
			assert.LessOrEqual(t, n.Weight, 1.0)
			assert.GreaterOrEqual(t, n.Weight, f.cal.Config().PruneThreshold)
		}
	}
}

func TestReinforcementAppliesOnce(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	cfg := f.cal.Config()
	id := f.node(t, "fact", 0.5)

	w, err := f.cal.RecordAccess(f.ctx, id, true, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.InDelta(t, 0.55, w, 1e-12)

	f.at(day)
	_, err = f.cal.RunCalibration(f.ctx)
	require.NoError(t, err)
	want := 0.55*math.Exp(-cfg.EffectiveLambda(1)) + cfg.Reinforcement(1, 1)
	assert.InDelta(t, want, f.weight(t, id), 1e-9)

	_, err = f.cal.RunCalibration(f.ctx)
	require.NoError(t, err)
	assert.InDelta(t, want, f.weight(t, id), 1e-9, "an access reinforces only the first pass after it")
}

func TestReinforcementWaitsForLaterAccess(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	cfg := f.cal.Config()
	id := f.node(t, "fact", 0.5)

	// Recorded with a timestamp after the next pass.
	_, err := f.cal.RecordAccess(f.ctx, id, true, t0.Add(2*day))
	require.NoError(t, err)

	f.at(day)
	_, err = f.cal.RunCalibration(f.ctx)
	require.NoError(t, err)
	first := 0.55 * math.Exp(-cfg.EffectiveLambda(1))
	assert.InDelta(t, first, f.weight(t, id), 1e-9, "an access after the pass does not reinforce it")

	f.at(3 * day)
	_, err = f.cal.RunCalibration(f.ctx)
	require.NoError(t, err)
	second := first*math.Exp(-2*cfg.EffectiveLambda(1)) + cfg.Reinforcement(1, 1)
	assert.InDelta(t, second, f.weight(t, id), 1e-9)

	_, err = f.cal.RunCalibration(f.ctx)
	require.NoError(t, err)
	assert.InDelta(t, second, f.weight(t, id), 1e-9)
}

func TestRecordAccess(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HistoryLimit = 3
	f := newFixture(t, cfg)
	id := f.node(t, "fact", 0.5)

	w, err := f.cal.RecordAccess(f.ctx, id, true, time.Time{})
	require.NoError(t, err)
	assert.InDelta(t, 0.55, w, 1e-12)
	w, err = f.cal.RecordAccess(f.ctx, id, false, time.Time{})
	require.NoError(t, err)
	assert.InDelta(t, 0.53, w, 1e-12)

	for i := 0; i < 4; i++ {
		_, err := f.cal.RecordAccess(f.ctx, id, true, t0.Add(time.Duration(i+1)*time.Minute))
		require.NoError(t, err)
	}
	history, err := f.db.AccessHistory(f.ctx, id)
	require.NoError(t, err)
	assert.Len(t, history, 3, "history keeps only the newest events")
	assert.True(t, history[2].At.Equal(t0.Add(4*time.Minute)))

	n, err := f.db.GetNode(f.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 6, n.AccessCount)
	assert.InDelta(t, 0.73, n.Weight, 1e-12)

	_, err = f.cal.RecordAccess(f.ctx, 999, true, time.Time{})
	assert.ErrorIs(t, err, memerr.ErrReference)
}

func TestPredictForgetting(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	id := f.node(t, "fact", 1.0)

	curve, err := f.cal.PredictForgetting(f.ctx, id, 10)
	require.NoError(t, err)
	require.Len(t, curve, 10)
	assert.InDelta(t, math.Exp(-0.1), curve[0], 1e-12)
	assert.InDelta(t, math.Exp(-1), curve[9], 1e-12)
	for i := 1; i < len(curve); i++ {
		assert.Less(t, curve[i], curve[i-1])
	}
	assert.Equal(t, 1.0, f.weight(t, id), "forecasts do not write")

	f.at(5 * day)
	curve, err = f.cal.PredictForgetting(f.ctx, id, 1)
	require.NoError(t, err)
	assert.InDelta(t, math.Exp(-0.6), curve[0], 1e-12, "elapsed time since calibration counts")

	_, err = f.cal.PredictForgetting(f.ctx, id, 0)
	assert.ErrorIs(t, err, memerr.ErrValidation)
	_, err = f.cal.PredictForgetting(f.ctx, 999, 3)
	assert.ErrorIs(t, err, memerr.ErrReference)
}

func TestGetOptimalReviewTime(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	fresh := f.node(t, "fact", 1.0)
	risky := f.node(t, "fact", 0.08)

	days, err := f.cal.GetOptimalReviewTime(f.ctx, fresh)
	require.NoError(t, err)
	assert.InDelta(t, math.Log(10)/0.1, days, 1e-9)

	f.at(3 * day)
	days, err = f.cal.GetOptimalReviewTime(f.ctx, fresh)
	require.NoError(t, err)
	assert.InDelta(t, math.Log(10)/0.1-3, days, 1e-9)

	days, err = f.cal.GetOptimalReviewTime(f.ctx, risky)
	require.NoError(t, err)
	assert.Zero(t, days)

	_, err = f.cal.GetOptimalReviewTime(f.ctx, 999)
	assert.ErrorIs(t, err, memerr.ErrReference)
}

func TestCalculateCognitiveEntropy(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	e, err := f.cal.CalculateCognitiveEntropy(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1.0, e, "a graph without edges has no structure")

	a1, a2 := f.node(t, "animal", 1), f.node(t, "animal", 1)
	p1, p2 := f.node(t, "plant", 1), f.node(t, "plant", 1)
	for _, pair := range [][2]int64{{a1, a2}, {p1, p2}} {
		_, err := f.db.AddEdge(f.ctx, store.EdgeInput{SourceID: pair[0], TargetID: pair[1], Relation: "similar_to", Weight: 1, Karma: 1})
		require.NoError(t, err)
	}
	e, err = f.cal.CalculateCognitiveEntropy(f.ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, e, 1e-12)
}

func TestModel(t *testing.T) {
	cfg := DefaultConfig()
	assert.InDelta(t, 0.1, cfg.EffectiveLambda(0), 1e-12)
	assert.InDelta(t, 0.05, cfg.EffectiveLambda(10), 1e-12)
	assert.Greater(t, cfg.Decay(1, 10, 10), cfg.Decay(1, 10, 0), "accessed nodes decay slower")
	assert.Equal(t, 0.7, cfg.Decay(0.7, 0, 0))
	assert.Zero(t, cfg.Reinforcement(1, 0))
	assert.InDelta(t, 0.1*(1-math.Exp(-1)), cfg.Reinforcement(1, 2), 1e-12)
	assert.True(t, cfg.AtRisk(0.09))
	assert.False(t, cfg.AtRisk(0.1))
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	mutations := map[string]func(*Config){
		"zero lambda":        func(c *Config) { c.LambdaBase = 0 },
		"nan lambda":         func(c *Config) { c.LambdaBase = math.NaN() },
		"negative damping":   func(c *Config) { c.AccessDamping = -1 },
		"bonus above one":    func(c *Config) { c.Bonus = 2 },
		"inverted threshold": func(c *Config) { c.PruneThreshold, c.ConsolidateThreshold = 0.9, 0.1 },
		"no history":         func(c *Config) { c.HistoryLimit = 0 },
		"negative nudge":     func(c *Config) { c.FailureNudge = -0.1 },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), memerr.ErrValidation)
			_, err := New(nil, cfg, nil, nil)
			assert.ErrorIs(t, err, memerr.ErrValidation)
		})
	}
}
