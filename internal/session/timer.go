package session

import (
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// refreshTimer owns at most one pending refresh.
//
// Arm replaces the pending timer instead of adding another, and every arm
// gets a fresh id. A callback only proceeds if claim(id) succeeds, so a
// timer that was stopped too late to prevent its callback is still a no-op.
type refreshTimer struct {
	clock clock.WithDelayedExecution

	// onArm and onRelease keep the armed-timer gauge in step.
	onArm     func(lead time.Duration)
	onRelease func()

	mu     sync.Mutex
	id     uint64
	handle clock.Timer
	fireAt time.Time
}

func newRefreshTimer(clk clock.WithDelayedExecution) *refreshTimer {
	return &refreshTimer{
		clock:     clk,
		onArm:     func(time.Duration) {},
		onRelease: func() {},
	}
}

// Arm cancels any pending timer and schedules fn to run at fireAt.
// fn runs on its own goroutine and receives the id returned here.
func (t *refreshTimer) Arm(fireAt time.Time, fn func(id uint64)) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopLocked()

	t.id++
	id := t.id
	lead := fireAt.Sub(t.clock.Now())
	t.fireAt = fireAt
	t.handle = t.clock.AfterFunc(lead, func() { go fn(id) })
	t.onArm(lead)
	return id
}

// Cancel stops the pending timer, if any. Safe to call repeatedly.
func (t *refreshTimer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
}

// claim reports whether id is still the pending timer and, if so, marks it
// as fired.
func (t *refreshTimer) claim(id uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.handle == nil || t.id != id {
		return false
	}
	t.handle = nil
	t.fireAt = time.Time{}
	t.onRelease()
	return true
}

// Armed returns the pending fire time.
func (t *refreshTimer) Armed() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fireAt, t.handle != nil
}

func (t *refreshTimer) stopLocked() {
	if t.handle == nil {
		return
	}
	t.handle.Stop()
	t.handle = nil
	t.fireAt = time.Time{}
	// Invalidate a callback that is already on its way.
	t.id++
	t.onRelease()
}
