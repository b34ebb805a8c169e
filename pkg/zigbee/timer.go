package zigbee

import (
	"sync"
	"time"
)

// Timer delivers a one-shot callback after a configured duration. It is
// cancellable and re-armable, and every callback is funneled through the
// post function supplied at construction so it lands on the same logical
// execution context as the rest of the driver instead of firing on Go's
// internal timer goroutine.
type Timer struct {
	mu      sync.Mutex
	t       *time.Timer
	running bool
	post    func(func())
}

// NewTimer creates a Timer whose expiry callbacks are dispatched through
// post. post is typically a dongle's single-flight event queue.
func NewTimer(post func(func())) *Timer {
	return &Timer{post: post}
}

// Start arms the timer to fire callback(t) after duration. Any
// previously running timer is replaced. Returns true.
func (t *Timer) Start(duration time.Duration, callback func(*Timer)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.t != nil {
		t.t.Stop()
	}

	t.running = true
	t.t = time.AfterFunc(duration, func() {
		t.mu.Lock()
		if !t.running {
			t.mu.Unlock()
			return
		}
		t.running = false
		t.mu.Unlock()

		t.post(func() { callback(t) })
	})

	return true
}

// Stop cancels a running timer. Returns true iff a running timer was
// actually cancelled.
func (t *Timer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running {
		return false
	}
	t.running = false
	if t.t != nil {
		return t.t.Stop()
	}
	return true
}

// IsRunning reports whether the timer currently has a pending expiry.
func (t *Timer) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}
