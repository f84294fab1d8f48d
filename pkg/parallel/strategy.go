package parallel

// Strategy decides when a pool grows above its core size and when idle
// workers above core size may retire.
type Strategy interface {
	ShouldGrow(stats PoolStats) bool
	ShouldShrink(stats PoolStats) bool
}

// FixedStrategy keeps the pool at its core size.
type FixedStrategy struct{}

// ShouldGrow implements Strategy.
func (FixedStrategy) ShouldGrow(PoolStats) bool { return false }

// ShouldShrink implements Strategy.
func (FixedStrategy) ShouldShrink(PoolStats) bool { return true }

// QueuePressureStrategy grows the pool while the queue is at least GrowAt
// full (0..1) and lets idle workers above core retire once the queue is empty.
type QueuePressureStrategy struct {
	GrowAt float64
}

// ShouldGrow implements Strategy.
func (s QueuePressureStrategy) ShouldGrow(stats PoolStats) bool {
	if stats.Capacity == 0 {
		return false
	}
	threshold := s.GrowAt
	if threshold <= 0 || threshold > 1 {
		threshold = 0.75
	}
	return float64(stats.Queued)/float64(stats.Capacity) >= threshold
}

// ShouldShrink implements Strategy.
func (s QueuePressureStrategy) ShouldShrink(stats PoolStats) bool {
	return stats.Queued == 0
}
