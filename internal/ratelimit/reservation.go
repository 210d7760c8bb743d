package ratelimit

import (
	"sync"
	"time"
)

// Reservation is a granted call. On success it is simply dropped and its
// slots age out of the sliding windows.
type Reservation struct {
	limiter *Limiter
	id      string
	at      time.Time
	windows []*window
	once    sync.Once
}

// ID is the identifier the reservation was granted for.
func (r *Reservation) ID() string {
	if r == nil {
		return ""
	}
	return r.id
}

// At is the grant time. It is zero for calls with no enforced rule.
func (r *Reservation) At() time.Time {
	if r == nil {
		return time.Time{}
	}
	return r.at
}

// Release rolls the reservation back on every rule whose policy is
// ReleaseOnFailure. Call it only when the request never reached the
// exchange. Rules with ReleaseNever keep their slot. Safe to call twice.
func (r *Reservation) Release() {
	if r == nil {
		return
	}
	r.once.Do(func() {
		for _, w := range r.windows {
			if w.rule.Release != ReleaseOnFailure {
				continue
			}
			w.mu.Lock()
			removed := w.unrecord(r.at)
			h := w.head()
			w.mu.Unlock()
			if removed && h != nil {
				h.notify()
			}
		}
		if r.limiter != nil {
			r.limiter.observer.Released(r.id)
		}
	})
}
