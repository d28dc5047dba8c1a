package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lazypower/karmagraph/internal/streaming"
	"github.com/lazypower/karmagraph/internal/temporal"
)

// MaintenanceReport describes one maintenance cycle. Sections for steps
// that did not run are nil.
type MaintenanceReport struct {
	RunID       string                 `json:"run_id"`
	Flush       *streaming.FlushReport `json:"flush,omitempty"`
	Calibration *temporal.Report       `json:"calibration,omitempty"`
	Indexed     int                    `json:"indexed"`
	Duration    time.Duration          `json:"duration"`
}

// RunMaintenance flushes the karma buffer, calibrates and rebuilds the ANN
// index. A failed flush stops the cycle before calibration so no buffered
// delta is decayed against a stale weight; the buffer is kept for the next
// cycle. The report covers the steps that completed.
func (e *Engine) RunMaintenance(ctx context.Context) (*MaintenanceReport, error) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	start := time.Now()
	report := &MaintenanceReport{RunID: uuid.NewString()}
	log := e.logger.With("run_id", report.RunID)

	flushed, cal, err := e.flushAndCalibrate(ctx)
	report.Flush = flushed
	report.Calibration = cal
	if err != nil {
		return report, err
	}

	indexed, err := e.Index.RebuildIndex(ctx)
	if err != nil {
		return report, fmt.Errorf("rebuild index: %w", err)
	}
	report.Indexed = indexed
	report.Duration = time.Since(start)

	log.Info("engine: maintenance complete",
		"flushed", flushed.Applied,
		"updated", cal.Updated,
		"pruned", cal.Pruned,
		"consolidated", cal.Consolidated,
		"indexed", indexed,
		"duration", report.Duration,
	)
	return report, nil
}

// flushAndCalibrate holds the writer lock across both steps so no karma or
// access write lands between the flush and the calibration snapshot.
func (e *Engine) flushAndCalibrate(ctx context.Context) (*streaming.FlushReport, *temporal.Report, error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	flushed, err := e.Index.Flush(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("flush: %w", err)
	}
	cal, err := e.Calibrator.RunCalibration(ctx)
	if err != nil {
		return flushed, nil, fmt.Errorf("calibrate: %w", err)
	}
	return flushed, cal, nil
}

// BufferKarma queues a weight delta under the writer lock. A full buffer is
// flushed before it returns.
func (e *Engine) BufferKarma(ctx context.Context, nodeID int64, delta float64, source string) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return e.Index.BufferWeightUpdate(ctx, nodeID, delta, source)
}

// Flush applies every buffered delta under the writer lock.
func (e *Engine) Flush(ctx context.Context) (*streaming.FlushReport, error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return e.Index.Flush(ctx)
}

// RecordAccess records a retrieval of nodeID under the writer lock and
// returns the node's new weight.
func (e *Engine) RecordAccess(ctx context.Context, nodeID int64, success bool, at time.Time) (float64, error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return e.Calibrator.RecordAccess(ctx, nodeID, success, at)
}

// Calibrate runs one calibration pass without flushing.
func (e *Engine) Calibrate(ctx context.Context) (*temporal.Report, error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return e.Calibrator.RunCalibration(ctx)
}

// StartMaintenanceTimer runs a maintenance cycle now and then every
// interval until Stop. A non-positive interval does nothing, and only the
// first call on an Engine starts a timer.
func (e *Engine) StartMaintenanceTimer(interval time.Duration) {
	if interval <= 0 || !e.timerStarted.CompareAndSwap(false, true) {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()

		e.maintain(ctx)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				e.maintain(ctx)
			case <-e.stopCh:
				return
			}
		}
	}()

	go func() {
		select {
		case <-e.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()
}

func (e *Engine) maintain(ctx context.Context) {
	if _, err := e.RunMaintenance(ctx); err != nil {
		e.logger.Error("engine: maintenance failed", "error", err)
	}
}

// Stop shuts down the maintenance timer and waits for a running cycle to
// return. It is safe to call more than once.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
}
