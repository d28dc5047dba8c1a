package streaming

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/lazypower/karmagraph/internal/memerr"
)

// BufferEntry is a weight adjustment that has not reached the store yet.
type BufferEntry struct {
	NodeID    int64     `json:"node_id"`
	Delta     float64   `json:"delta"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

// FlushReport describes one flush.
type FlushReport struct {
	BatchID  string        `json:"batch_id"`
	Entries  int           `json:"entries"`
	Applied  int           `json:"applied"`
	Dropped  []int64       `json:"dropped,omitempty"`
	Duration time.Duration `json:"duration"`
}

// BufferWeightUpdate queues delta for nodeID. When the buffer reaches
// capacity it is flushed before returning; a failed flush leaves every entry,
// including this one, in the buffer and returns the error.
func (idx *Index) BufferWeightUpdate(ctx context.Context, nodeID int64, delta float64, source string) error {
	if math.IsNaN(delta) || math.IsInf(delta, 0) {
		return memerr.Validation("delta", "must be finite, got %v", delta)
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.buffer = append(idx.buffer, BufferEntry{
		NodeID:    nodeID,
		Delta:     delta,
		Timestamp: idx.now(),
		Source:    source,
	})
	idx.cfg.Metrics.Buffered()

	if len(idx.buffer) < idx.cfg.BufferCapacity {
		return nil
	}
	_, err := idx.flush(ctx)
	return err
}

// Pending returns a copy of the buffered entries in insertion order.
func (idx *Index) Pending() []BufferEntry {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return append([]BufferEntry(nil), idx.buffer...)
}

// Flush merges buffered deltas per node, adds them to the stored weights in
// one transaction and clears the buffer. Deltas are summed in sorted order
// and clamped once, so the result does not depend on the order they arrived
// in. The addition happens in the store, so weights written concurrently by
// calibration or access recording are never overwritten. Nodes deleted since
// their delta was buffered are dropped. If the store write fails the buffer
// is left exactly as it was.
func (idx *Index) Flush(ctx context.Context) (*FlushReport, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.flush(ctx)
}

func (idx *Index) flush(ctx context.Context) (*FlushReport, error) {
	start := idx.now()
	report := &FlushReport{BatchID: uuid.NewString(), Entries: len(idx.buffer)}
	if len(idx.buffer) == 0 {
		return report, nil
	}

	merged := mergeDeltas(idx.buffer)
	applied, dropped, err := idx.store.ApplyWeightDeltas(ctx, merged)
	if err != nil {
		idx.flushFailed(report, start, err)
		return nil, err
	}
	idx.buffer = nil
	report.Applied = len(applied)
	report.Dropped = dropped
	report.Duration = idx.now().Sub(start)

	for _, id := range applied {
		if err := idx.rehash(ctx, id); err != nil {
			idx.logger.Warn("streaming: rehash after flush failed", "node_id", id, "error", err)
		}
	}

	if len(report.Dropped) > 0 {
		idx.logger.Warn("streaming: deltas for deleted nodes dropped", "batch_id", report.BatchID, "nodes", report.Dropped)
	}
	idx.logger.Info("streaming: buffer flushed",
		"batch_id", report.BatchID,
		"entries", report.Entries,
		"applied", report.Applied,
		"duration", report.Duration,
	)
	idx.cfg.Metrics.ObserveFlush(report.Applied, report.Duration, nil)
	return report, nil
}

func (idx *Index) flushFailed(report *FlushReport, start time.Time, err error) {
	d := idx.now().Sub(start)
	idx.logger.Error("streaming: flush failed, buffer kept",
		"batch_id", report.BatchID,
		"entries", report.Entries,
		"error", err,
	)
	idx.cfg.Metrics.ObserveFlush(0, d, err)
}

// mergeDeltas sums the deltas of each node. Each node's deltas are sorted
// before summing so that float rounding is identical for every arrival order.
func mergeDeltas(entries []BufferEntry) map[int64]float64 {
	byNode := make(map[int64][]float64)
	for _, e := range entries {
		byNode[e.NodeID] = append(byNode[e.NodeID], e.Delta)
	}
	merged := make(map[int64]float64, len(byNode))
	for id, deltas := range byNode {
		sort.Float64s(deltas)
		sum := 0.0
		for _, d := range deltas {
			sum += d
		}
		merged[id] = sum
	}
	return merged
}
