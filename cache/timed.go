package cache

import "time"

// TimedValue is a single cached value with a last-updated timestamp.
//
// It is deliberately not safe for concurrent use; synchronization is the
// owner's responsibility.
type TimedValue[T any] struct {
	value       *T
	lastUpdated time.Time
}

func (c *TimedValue[T]) Get() (T, bool) {
	if c.value == nil {
		var zero T
		return zero, false
	}
	return *c.value, true
}

func (c *TimedValue[T]) Update(value T, now time.Time) {
	c.value = &value
	c.lastUpdated = now
}

// Invalidate drops both the value and its timestamp.
func (c *TimedValue[T]) Invalidate() {
	c.value = nil
	c.lastUpdated = time.Time{}
}

// ClearTimestamp forces the next staleness check to report stale while
// keeping the value readable.
func (c *TimedValue[T]) ClearTimestamp() {
	c.lastUpdated = time.Time{}
}

// IsStale reports whether the value is older than ttl at the given instant.
// A value that was never updated (or whose timestamp was cleared) is
// always stale.
func (c *TimedValue[T]) IsStale(now time.Time, ttl time.Duration) bool {
	if c.lastUpdated.IsZero() {
		return true
	}
	return now.Sub(c.lastUpdated) > ttl
}
