package queue

import "time"

// SetClock replaces the broker's time source in tests.
func (b *RedisBroker) SetClock(now func() time.Time) { b.now = now }
