// Package gracetimer implements the one-shot, cancellable delayed callback
// used to arm and disarm an image's pending deletion.
package gracetimer

import (
	"sync"
	"time"
)

// Timer is a one-shot delayed callback. Creating a Timer does not start
// it; Start is explicit. Cancel is idempotent and safe to call before
// Start, after Start, or after the callback has already fired.
type Timer struct {
	mu    sync.Mutex
	d     time.Duration
	timer *time.Timer
	fn    func()
}

// New creates a Timer that will, once started, invoke fn once after d has
// elapsed. The timer is registered with the package-level registry so
// CancelAll can reach it. Construction never schedules anything.
func New(d time.Duration, fn func()) *Timer {
	t := &Timer{d: d, fn: fn}
	register(t)
	return t
}

// Start arms the timer. Calling Start more than once replaces the pending
// fire with a fresh one; callers (internal/image) never do this
// deliberately, since scheduleDeleteLocked already refuses to re-arm a live
// timer, but Start itself does not enforce that.
func (t *Timer) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(t.d, func() {
		unregister(t)
		t.fn()
	})
}

// Cancel stops the timer if it is still pending. Safe to call multiple
// times and safe to call on a Timer that never had Start called.
func (t *Timer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
	unregister(t)
}

var (
	liveMu sync.Mutex
	live   = map[*Timer]struct{}{}
)

func register(t *Timer) {
	liveMu.Lock()
	defer liveMu.Unlock()
	live[t] = struct{}{}
}

func unregister(t *Timer) {
	liveMu.Lock()
	defer liveMu.Unlock()
	delete(live, t)
}

// CancelAll cancels every timer that is currently live, process-wide. The
// signal handler calls this before exit so no goroutine is left racing to
// call the engine after shutdown has begun.
func CancelAll() {
	liveMu.Lock()
	timers := make([]*Timer, 0, len(live))
	for t := range live {
		timers = append(timers, t)
	}
	liveMu.Unlock()
	for _, t := range timers {
		t.Cancel()
	}
}
