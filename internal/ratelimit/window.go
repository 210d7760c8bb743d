package ratelimit

import (
	"sort"
	"sync"
	"time"
)

// waiter is a suspended Acquire call. Lower tickets arrived earlier.
type waiter struct {
	ticket uint64
	ready  chan struct{}
}

func newWaiter(ticket uint64) *waiter {
	return &waiter{ticket: ticket, ready: make(chan struct{}, 1)}
}

func (w *waiter) notify() {
	select {
	case w.ready <- struct{}{}:
	default:
	}
}

// window is the usage state of one rule: grant times inside the trailing
// rule.Window plus the callers queued on it. Everything is guarded by mu.
type window struct {
	rule Rule

	mu    sync.Mutex
	times []time.Time
	queue []*waiter
}

func newWindow(rule Rule) *window {
	return &window{rule: rule}
}

func (w *window) trim(now time.Time) {
	cutoff := now.Add(-w.rule.Window)
	i := 0
	for i < len(w.times) && !w.times[i].After(cutoff) {
		i++
	}
	if i > 0 {
		n := copy(w.times, w.times[i:])
		w.times = w.times[:n]
	}
}

func (w *window) saturated() bool {
	return len(w.times) >= w.rule.Limit
}

// freeAt is when the window drops back below its limit, assuming no new
// grants. Only meaningful while saturated.
func (w *window) freeAt() time.Time {
	return w.times[len(w.times)-w.rule.Limit].Add(w.rule.Window)
}

func (w *window) record(at time.Time) {
	w.times = append(w.times, at)
}

// unrecord drops one grant stamped at. It reports false when the stamp has
// already slid out of the window.
func (w *window) unrecord(at time.Time) bool {
	for i := len(w.times) - 1; i >= 0; i-- {
		if w.times[i].Equal(at) {
			w.times = append(w.times[:i], w.times[i+1:]...)
			return true
		}
	}
	return false
}

// ahead reports whether nobody older than me is queued here.
func (w *window) ahead(me *waiter) bool {
	return len(w.queue) == 0 || w.queue[0].ticket >= me.ticket
}

func (w *window) enqueue(me *waiter) {
	i := sort.Search(len(w.queue), func(i int) bool { return w.queue[i].ticket >= me.ticket })
	if i < len(w.queue) && w.queue[i] == me {
		return
	}
	w.queue = append(w.queue, nil)
	copy(w.queue[i+1:], w.queue[i:])
	w.queue[i] = me
}

// dequeue removes me and returns the new head when it changed.
func (w *window) dequeue(me *waiter) *waiter {
	for i, q := range w.queue {
		if q != me {
			continue
		}
		w.queue = append(w.queue[:i], w.queue[i+1:]...)
		if i == 0 && len(w.queue) > 0 {
			return w.queue[0]
		}
		return nil
	}
	return nil
}

func (w *window) head() *waiter {
	if len(w.queue) == 0 {
		return nil
	}
	return w.queue[0]
}
