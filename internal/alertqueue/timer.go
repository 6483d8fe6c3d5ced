package alertqueue

import (
	"sync"
	"time"
)

// expiryTimer wraps time.AfterFunc with an idempotent Stop so an entry's
// timer can be released from both the expiry path and manual dismissal
// without double-firing or leaking.
type expiryTimer struct {
	mu      sync.Mutex
	t       *time.Timer
	stopped bool
}

func newExpiryTimer(d time.Duration, fn func()) *expiryTimer {
	et := &expiryTimer{}
	et.t = time.AfterFunc(d, func() {
		et.mu.Lock()
		if et.stopped {
			et.mu.Unlock()
			return
		}
		et.stopped = true
		et.mu.Unlock()
		fn()
	})
	return et
}

// Stop cancels the timer if it has not fired. Safe to call repeatedly and
// safe to race with the timer firing.
func (et *expiryTimer) Stop() {
	if et == nil {
		return
	}
	et.mu.Lock()
	if et.stopped {
		et.mu.Unlock()
		return
	}
	et.stopped = true
	et.mu.Unlock()
	et.t.Stop()
}
