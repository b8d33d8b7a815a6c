package session

import (
	"sync"
	"time"
)

// Watchdog is a single-shot, rearmable deadline. Every Arm or Disarm starts a
// new generation; a fire from an older generation is never delivered.
type Watchdog struct {
	mu     sync.Mutex
	window time.Duration
	fire   func(gen uint64)
	timer  *time.Timer
	gen    uint64
}

// NewWatchdog creates a disarmed watchdog calling fire with the armed
// generation when window elapses.
func NewWatchdog(window time.Duration, fire func(gen uint64)) *Watchdog {
	return &Watchdog{window: window, fire: fire}
}

// Arm cancels any pending deadline and schedules a new one.
func (w *Watchdog) Arm() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.gen++
	gen := w.gen
	w.timer = time.AfterFunc(w.window, func() { w.expire(gen) })
	return gen
}

// Disarm cancels any pending deadline.
func (w *Watchdog) Disarm() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.gen++
}

// Pending reports whether a deadline is scheduled.
func (w *Watchdog) Pending() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.timer != nil
}

// Current reports whether gen is the latest armed generation.
func (w *Watchdog) Current(gen uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return gen == w.gen
}

func (w *Watchdog) expire(gen uint64) {
	w.mu.Lock()
	if gen != w.gen {
		w.mu.Unlock()
		return
	}
	w.timer = nil
	w.mu.Unlock()

	w.fire(gen)
}
