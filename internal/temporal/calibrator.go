package temporal

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/lazypower/karmagraph/internal/memerr"
	"github.com/lazypower/karmagraph/internal/metrics"
	"github.com/lazypower/karmagraph/internal/store"
)

var tracer = otel.Tracer("github.com/lazypower/karmagraph/internal/temporal")

// Store is the part of the graph store the calibrator reads and writes.
type Store interface {
	GetNode(ctx context.Context, id int64) (*store.Node, error)
	RecordAccess(ctx context.Context, ev store.AccessEvent, limit int, nudge float64) (float64, error)
	Calibrate(ctx context.Context, plan store.CalibrationPlan) (*store.CalibrationCommit, []int64, error)
	CalculateModularity(ctx context.Context) (float64, error)
}

// Report summarises one calibration pass.
type Report struct {
	RunID         string        `json:"run_id"`
	Nodes         int           `json:"nodes"`
	Updated       int           `json:"updated"`
	Pruned        int           `json:"pruned"`
	Consolidated  int           `json:"consolidated"`
	AtRisk        int           `json:"at_risk"`
	PrunedIDs     []int64       `json:"pruned_ids,omitempty"`
	AvgWeight     float64       `json:"avg_weight"`
	EntropyBefore float64       `json:"entropy_before"`
	EntropyAfter  float64       `json:"entropy_after"`
	Duration      time.Duration `json:"duration"`
	CalibratedAt  time.Time     `json:"calibrated_at"`
}

// Calibrator runs the decay model over the store.
type Calibrator struct {
	store   Store
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// New validates cfg and returns a calibrator over st. Logger and metrics may
// be nil.
func New(st Store, cfg Config, logger *slog.Logger, m *metrics.Metrics) (*Calibrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Calibrator{store: st, cfg: cfg, logger: logger, metrics: m, now: time.Now}, nil
}

// SetClock replaces the time source. Tests use it to simulate elapsed days.
func (c *Calibrator) SetClock(now func() time.Time) { c.now = now }

// Config returns the model parameters.
func (c *Calibrator) Config() Config { return c.cfg }

// RecordAccess appends an access event to the node's bounded history and
// nudges its weight up on success or down on failure. A zero at means now.
// It returns the new weight.
func (c *Calibrator) RecordAccess(ctx context.Context, nodeID int64, success bool, at time.Time) (float64, error) {
	if at.IsZero() {
		at = c.now()
	}
	nudge := -c.cfg.FailureNudge
	if success {
		nudge = c.cfg.SuccessNudge
	}
	return c.store.RecordAccess(ctx, store.AccessEvent{NodeID: nodeID, Success: success, At: at}, c.cfg.HistoryLimit, nudge)
}

// RunCalibration recomputes every node's weight from its elapsed time and
// access history. Nodes below the prune threshold are deleted, nodes above
// the consolidate threshold are set to 1.0 and the rest take their decayed
// weight. The snapshot of nodes and access histories, the weight writes and
// the deletes all happen in one store transaction.
func (c *Calibrator) RunCalibration(ctx context.Context) (*Report, error) {
	ctx, span := tracer.Start(ctx, "temporal.RunCalibration")
	defer span.End()

	start := time.Now()
	report, err := c.run(ctx)
	d := time.Since(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "calibration failed")
		c.metrics.ObserveCalibration(0, 0, 0, 0, d, err)
		c.logger.Error("temporal: calibration failed", "error", err, "duration", d)
		return nil, err
	}
	report.Duration = d
	span.SetAttributes(
		attribute.String("run_id", report.RunID),
		attribute.Int("nodes", report.Nodes),
		attribute.Int("updated", report.Updated),
		attribute.Int("pruned", report.Pruned),
		attribute.Int("consolidated", report.Consolidated),
	)
	c.metrics.ObserveCalibration(report.Updated, report.Pruned, report.Consolidated, report.EntropyAfter, d, nil)
	c.logger.Info("temporal: calibration complete",
		"run_id", report.RunID,
		"nodes", report.Nodes,
		"updated", report.Updated,
		"pruned", report.Pruned,
		"consolidated", report.Consolidated,
		"at_risk", report.AtRisk,
		"entropy_before", report.EntropyBefore,
		"entropy_after", report.EntropyAfter,
		"duration", d,
	)
	return report, nil
}

func (c *Calibrator) run(ctx context.Context) (*Report, error) {
	report := &Report{RunID: uuid.NewString()}

	before, err := c.CalculateCognitiveEntropy(ctx)
	if err != nil {
		return nil, err
	}
	report.EntropyBefore = before

	var kept float64
	commit, pruned, err := c.store.Calibrate(ctx, func(nodes []store.Node, histories map[int64][]store.AccessEvent) (store.CalibrationCommit, error) {
		// The clock is read inside the transaction so no access recorded
		// after it can be stamped as already calibrated.
		now := c.now()
		commit := store.CalibrationCommit{At: now}
		report.Nodes = len(nodes)
		for i := range nodes {
			n := &nodes[i]
			ref := reference(n)
			rate, fresh := successRate(histories[n.ID], ref, now)
			w := c.cfg.Decay(n.Weight, elapsedDays(ref, now), n.AccessCount) + c.cfg.Reinforcement(rate, fresh)

			switch {
			case w < c.cfg.PruneThreshold:
				commit.Prune = append(commit.Prune, n.ID)
				continue
			case w > c.cfg.ConsolidateThreshold:
				w = 1
				report.Consolidated++
			default:
				w = clamp01(w)
				report.Updated++
				if c.cfg.AtRisk(w) {
					report.AtRisk++
				}
			}
			kept += w
			commit.Updates = append(commit.Updates, store.WeightUpdate{NodeID: n.ID, Weight: w})
		}
		return commit, nil
	})
	if err != nil {
		return nil, err
	}
	report.CalibratedAt = commit.At
	report.Pruned = len(pruned)
	report.PrunedIDs = pruned
	if len(commit.Updates) > 0 {
		report.AvgWeight = kept / float64(len(commit.Updates))
	}

	after, err := c.CalculateCognitiveEntropy(ctx)
	if err != nil {
		return nil, err
	}
	report.EntropyAfter = after
	return report, nil
}

// project returns the node's weight as the model sees it now, before any
// further accesses, plus the decay rate and elapsed days it was derived from.
func (c *Calibrator) project(ctx context.Context, nodeID int64) (w, lambda, elapsed float64, err error) {
	n, err := c.store.GetNode(ctx, nodeID)
	if err != nil {
		return 0, 0, 0, err
	}
	if n == nil {
		return 0, 0, 0, memerr.Reference("forecast", "node", nodeID)
	}
	return n.Weight, c.cfg.EffectiveLambda(n.AccessCount), elapsedDays(reference(n), c.now()), nil
}

// PredictForgetting returns the node's projected weight at the end of each
// of the next daysAhead days, assuming no further access. It does not write.
func (c *Calibrator) PredictForgetting(ctx context.Context, nodeID int64, daysAhead int) ([]float64, error) {
	if daysAhead <= 0 {
		return nil, memerr.Validation("days_ahead", "must be positive, got %d", daysAhead)
	}
	w, lambda, elapsed, err := c.project(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	curve := make([]float64, daysAhead)
	for d := range curve {
		curve[d] = clamp01(w * math.Exp(-lambda*(elapsed+float64(d+1))))
	}
	return curve, nil
}

// GetOptimalReviewTime returns the days from now until the node becomes at
// risk, that is until its projected weight falls to twice the prune
// threshold. Nodes already at risk return 0.
func (c *Calibrator) GetOptimalReviewTime(ctx context.Context, nodeID int64) (float64, error) {
	w, lambda, elapsed, err := c.project(ctx, nodeID)
	if err != nil {
		return 0, err
	}
	theta := 2 * c.cfg.PruneThreshold
	if theta <= 0 {
		// Without a prune floor nothing ever becomes at risk; review at the
		// point the weight halves.
		theta = w / 2
	}
	if w <= theta || w == 0 {
		return 0, nil
	}
	return math.Max(0, math.Log(w/theta)/lambda-elapsed), nil
}

// CalculateCognitiveEntropy is 1 minus the graph's type modularity clamped
// to [0,1]. A graph whose edges stay within node types scores near 0; one
// with no type structure scores 1.
func (c *Calibrator) CalculateCognitiveEntropy(ctx context.Context) (float64, error) {
	q, err := c.store.CalculateModularity(ctx)
	if err != nil {
		return 0, err
	}
	return 1 - clamp01(q), nil
}
