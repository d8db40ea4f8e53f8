// Package ratelimit implements the sliding window admission gate that
// protects the write endpoint.
package ratelimit

import (
	"sync"
	"time"

	"github.com/juju/clock"
)

// sweepEvery is how many Allow calls pass between sweeps of idle windows.
const sweepEvery = 1024

// window holds the admitted request times of one identity, oldest first.
type window struct {
	mu    sync.Mutex
	times []time.Time
	dead  bool // removed from the map by a sweep
}

// Limiter admits at most Requests requests per identity within any trailing
// Per interval.
type Limiter struct {
	clock    clock.Clock
	requests int
	per      time.Duration

	mu      sync.Mutex
	windows map[string]*window
	calls   int
}

// New creates a limiter. A nil clock uses the wall clock.
func New(requests int, per time.Duration, clk clock.Clock) *Limiter {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Limiter{
		clock:    clk,
		requests: requests,
		per:      per,
		windows:  make(map[string]*window),
	}
}

// Allow reports whether a request from identity is admitted, recording it
// if so. The check and the record happen under the identity's lock, so
// concurrent callers cannot both take the last free slot.
func (l *Limiter) Allow(identity string) bool {
	w := l.window(identity)
	w.mu.Lock()
	for w.dead {
		w.mu.Unlock()
		w = l.window(identity)
		w.mu.Lock()
	}
	defer w.mu.Unlock()

	now := l.clock.Now()
	w.times = prune(w.times, now, l.per)
	if len(w.times) >= l.requests {
		return false
	}
	w.times = append(w.times, now)
	return true
}

func (l *Limiter) window(identity string) *window {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.calls++
	if l.calls%sweepEvery == 0 {
		l.sweepLocked()
	}

	w, ok := l.windows[identity]
	if !ok {
		w = &window{}
		l.windows[identity] = w
	}
	return w
}

// Sweep drops windows whose every timestamp has expired.
func (l *Limiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweepLocked()
}

func (l *Limiter) sweepLocked() {
	now := l.clock.Now()
	for identity, w := range l.windows {
		// Skip windows in use; they are swept next time.
		if !w.mu.TryLock() {
			continue
		}
		w.times = prune(w.times, now, l.per)
		if len(w.times) == 0 {
			w.dead = true
			delete(l.windows, identity)
		}
		w.mu.Unlock()
	}
}

// Len returns the number of tracked identities.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// prune drops timestamps that are per or more before now.
func prune(times []time.Time, now time.Time, per time.Duration) []time.Time {
	i := 0
	for i < len(times) && now.Sub(times[i]) >= per {
		i++
	}
	if i == 0 {
		return times
	}
	return append(times[:0], times[i:]...)
}
