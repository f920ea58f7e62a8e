package lifecycle

import (
	"sync/atomic"
	"time"
)

// Lifecycle holds the process drain state shared by the readiness probe, the
// websocket intake and the shutdown sequence.
type Lifecycle struct {
	draining     atomic.Bool
	drainStarted atomic.Int64
}

// BeginDrain marks the process as draining. It reports whether this call
// started the drain.
func (l *Lifecycle) BeginDrain(now time.Time) bool {
	if l == nil {
		return false
	}
	if !l.draining.CompareAndSwap(false, true) {
		return false
	}
	l.drainStarted.Store(now.UnixNano())
	return true
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}

// DrainingSince is zero until BeginDrain succeeds.
func (l *Lifecycle) DrainingSince() time.Time {
	if l == nil || !l.draining.Load() {
		return time.Time{}
	}
	return time.Unix(0, l.drainStarted.Load()).UTC()
}
