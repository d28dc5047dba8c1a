// Package engine wires the memory components together and runs the
// maintenance cycle.
//
// Maintenance cycle:
//   - flush buffered karma deltas (buffer kept on failure, cycle stops)
//   - calibrate: decay, prune, consolidate
//   - rebuild the LSH index over the surviving structural signatures
//   - one cycle at a time; StartMaintenanceTimer runs one immediately and
//     then on every tick
//   - karma deltas, access records, flushes and calibration share one writer
//     lock, held across the flush and calibrate steps of a cycle
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/lazypower/karmagraph/internal/config"
	"github.com/lazypower/karmagraph/internal/encoder"
	"github.com/lazypower/karmagraph/internal/hypervec"
	"github.com/lazypower/karmagraph/internal/llm"
	"github.com/lazypower/karmagraph/internal/metrics"
	"github.com/lazypower/karmagraph/internal/store"
	"github.com/lazypower/karmagraph/internal/streaming"
	"github.com/lazypower/karmagraph/internal/temporal"
)

// Engine owns the store and every component derived from it.
type Engine struct {
	DB         *store.DB
	Space      *hypervec.Space
	Encoder    *encoder.Encoder
	Index      *streaming.Index
	Calibrator *temporal.Calibrator
	LLM        llm.Client
	Metrics    *metrics.Metrics

	logger *slog.Logger

	// writeMu is the single writer lock. Karma deltas, access records,
	// flushes and calibration passes issued through the Engine hold it.
	writeMu sync.Mutex
	// cycleMu serialises maintenance cycles.
	cycleMu      sync.Mutex
	timerStarted atomic.Bool
	stopCh       chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup
}

// New builds the components described by cfg over db. client may be nil,
// which disables Generate. m and logger may be nil.
func New(db *store.DB, cfg config.Config, client llm.Client, m *metrics.Metrics, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	space, err := hypervec.NewSpace(cfg.Vector.Dimensions, cfg.Vector.Seed)
	if err != nil {
		return nil, fmt.Errorf("vector space: %w", err)
	}

	enc := encoder.New(db, space, encoder.NewCache(), encoder.Options{
		Hops:             cfg.Encoder.Hops,
		PatternThreshold: cfg.Encoder.PatternThreshold,
		Logger:           logger,
		Metrics:          m,
	})

	idx, err := streaming.New(db, enc, space.Dimensions(), streaming.Config{
		BufferCapacity: cfg.Streaming.BufferCapacity,
		Tables:         cfg.Streaming.Tables,
		BitsPerKey:     cfg.Streaming.BitsPerKey,
		Seed:           cfg.Streaming.Seed,
		Logger:         logger,
		Metrics:        m,
	})
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("streaming index: %w", err)
	}

	c := cfg.Calibrator
	cal, err := temporal.New(db, temporal.Config{
		LambdaBase:           c.LambdaBase,
		AccessDamping:        c.AccessDamping,
		Bonus:                c.Bonus,
		Alpha:                c.Alpha,
		PruneThreshold:       c.PruneThreshold,
		ConsolidateThreshold: c.ConsolidateThreshold,
		HistoryLimit:         c.HistoryLimit,
		SuccessNudge:         c.SuccessNudge,
		FailureNudge:         c.FailureNudge,
	}, logger, m)
	if err != nil {
		idx.Close()
		enc.Close()
		return nil, fmt.Errorf("calibrator: %w", err)
	}

	return &Engine{
		DB:         db,
		Space:      space,
		Encoder:    enc,
		Index:      idx,
		Calibrator: cal,
		LLM:        client,
		Metrics:    m,
		logger:     logger,
		stopCh:     make(chan struct{}),
	}, nil
}

// Close stops the maintenance timer, flushes what is still buffered and
// detaches the components from store mutations. The store stays open.
func (e *Engine) Close(ctx context.Context) error {
	e.Stop()
	_, err := e.Flush(ctx)
	e.Index.Close()
	e.Encoder.Close()
	return err
}

// Warm encodes every node and hashes it into the ANN index.
func (e *Engine) Warm(ctx context.Context) (int, error) {
	return e.Index.RebuildIndex(ctx)
}

// FindAnalogous ranks cached signatures by similarity to the node's
// structure. Only signatures of the requested radius are compared, so a
// radius other than the default is encoded for every node first; later
// calls at the same radius hit the cache.
func (e *Engine) FindAnalogous(ctx context.Context, nodeID int64, opts encoder.AnalogyOptions) ([]encoder.AnalogyResult, error) {
	if opts.Hops > 0 && opts.Hops != e.Encoder.DefaultHops() {
		if _, err := e.Encoder.EncodeAll(ctx, opts.Hops); err != nil {
			return nil, err
		}
	}
	return e.Encoder.FindAnalogous(ctx, nodeID, opts)
}
