// Package temporal applies the karma decay model to node weights.
//
// Decay model:
//   - weight(t) = weight₀ · e^(−λ_eff·Δt) + reinforcement, Δt in days
//   - λ_eff = λ_base / (1 + accessCount·k): frequently accessed nodes decay slower
//   - reinforcement = bonus · successRate · (1 − e^(−α·n)) where n counts the
//     accesses since the node was last calibrated, so an access reinforces once
//   - Δt runs from the last calibration, or from creation for new nodes
//   - weight < pruneThreshold: deleted; weight > consolidateThreshold: set to 1.0
//   - weight < 2 × pruneThreshold: at risk
//
// Transitions happen only inside RunCalibration. The caller owns the cadence.
package temporal

import (
	"math"
	"time"

	"github.com/lazypower/karmagraph/internal/memerr"
	"github.com/lazypower/karmagraph/internal/store"
)

const day = 24 * time.Hour

// Config holds the decay model parameters and the calibration thresholds.
type Config struct {
	// LambdaBase is the decay rate per day of a never-accessed node.
	LambdaBase float64
	// AccessDamping is k in λ_eff = λ_base / (1 + accessCount·k).
	AccessDamping        float64
	Bonus                float64
	Alpha                float64
	PruneThreshold       float64
	ConsolidateThreshold float64
	// HistoryLimit bounds the retained access events per node.
	HistoryLimit int
	SuccessNudge float64
	FailureNudge float64
}

// DefaultConfig returns the calibrator defaults.
func DefaultConfig() Config {
	return Config{
		LambdaBase:           0.1,
		AccessDamping:        0.1,
		Bonus:                0.1,
		Alpha:                0.5,
		PruneThreshold:       0.05,
		ConsolidateThreshold: 0.95,
		HistoryLimit:         50,
		SuccessNudge:         0.05,
		FailureNudge:         0.02,
	}
}

// Validate reports the first out-of-range parameter.
func (c Config) Validate() error {
	unit := func(v float64) bool { return v >= 0 && v <= 1 }
	switch {
	case !(c.LambdaBase > 0) || math.IsInf(c.LambdaBase, 0):
		return memerr.Validation("lambda_base", "must be positive, got %v", c.LambdaBase)
	case !(c.AccessDamping >= 0):
		return memerr.Validation("access_damping", "must not be negative, got %v", c.AccessDamping)
	case !unit(c.Bonus):
		return memerr.Validation("bonus", "must be in [0,1], got %v", c.Bonus)
	case !(c.Alpha >= 0):
		return memerr.Validation("alpha", "must not be negative, got %v", c.Alpha)
	case !unit(c.PruneThreshold) || !unit(c.ConsolidateThreshold) || c.PruneThreshold >= c.ConsolidateThreshold:
		return memerr.Validation("thresholds", "need 0 <= prune < consolidate <= 1, got %v and %v",
			c.PruneThreshold, c.ConsolidateThreshold)
	case c.HistoryLimit <= 0:
		return memerr.Validation("history_limit", "must be positive, got %d", c.HistoryLimit)
	case !unit(c.SuccessNudge) || !unit(c.FailureNudge):
		return memerr.Validation("nudge", "must be in [0,1], got %v and %v", c.SuccessNudge, c.FailureNudge)
	}
	return nil
}

// EffectiveLambda is the decay rate per day after access damping.
func (c Config) EffectiveLambda(accessCount int) float64 {
	return c.LambdaBase / (1 + float64(accessCount)*c.AccessDamping)
}

// Reinforcement is the bonus earned by n fresh accesses at successRate.
func (c Config) Reinforcement(successRate float64, n int) float64 {
	if n <= 0 {
		return 0
	}
	return c.Bonus * successRate * (1 - math.Exp(-c.Alpha*float64(n)))
}

// Decay returns w0 after days without access.
func (c Config) Decay(w0, days float64, accessCount int) float64 {
	if days <= 0 {
		return w0
	}
	return w0 * math.Exp(-c.EffectiveLambda(accessCount)*days)
}

// AtRisk reports whether w is within twice the prune threshold.
func (c Config) AtRisk(w float64) bool {
	return w < 2*c.PruneThreshold
}

// reference is the instant decay is measured from.
func reference(n *store.Node) time.Time {
	if n.CalibratedAt != nil {
		return *n.CalibratedAt
	}
	return n.CreatedAt
}

func elapsedDays(from, to time.Time) float64 {
	d := to.Sub(from)
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(day)
}

// successRate is the fraction of successful events in history and fresh the
// number of events in (since, until].
func successRate(history []store.AccessEvent, since, until time.Time) (rate float64, fresh int) {
	if len(history) == 0 {
		return 0, 0
	}
	ok := 0
	for _, ev := range history {
		if ev.Success {
			ok++
		}
		if ev.At.After(since) && !ev.At.After(until) {
			fresh++
		}
	}
	return float64(ok) / float64(len(history)), fresh
}

func clamp01(w float64) float64 {
	return math.Max(0, math.Min(1, w))
}
