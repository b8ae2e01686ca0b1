package batching

import "sync/atomic"

// ServiceStats is a read-only snapshot of engine-wide counters, produced on
// demand by BatchingService.GetStats. Per-field semantics match spec.md §3.
type ServiceStats struct {
	ActiveUsers        int
	PendingMessages    int
	DispatchesInFlight int
	DroppedMessages    int64
	DLQInvocations     int64
}

// serviceCounters holds the process-wide atomic counters backing
// ServiceStats.DroppedMessages and .DLQInvocations; per-user counts
// (ActiveUsers, PendingMessages, DispatchesInFlight) are derived from the
// live user-state table at snapshot time instead.
type serviceCounters struct {
	dropped int64
	dlq     int64
}

func (c *serviceCounters) incDropped() { atomic.AddInt64(&c.dropped, 1) }
func (c *serviceCounters) incDLQ()     { atomic.AddInt64(&c.dlq, 1) }

func (c *serviceCounters) snapshot() (dropped, dlq int64) {
	return atomic.LoadInt64(&c.dropped), atomic.LoadInt64(&c.dlq)
}
