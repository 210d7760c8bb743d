package ratelimit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"okxgate/logger"
)

// Observer receives limiter events. Implementations must be safe for
// concurrent use and must not block.
type Observer interface {
	Granted(id string, waited time.Duration)
	Waiting(id string)
	TimedOut(id string)
	Released(id string)
}

type nopObserver struct{}

func (nopObserver) Granted(string, time.Duration) {}
func (nopObserver) Waiting(string)                {}
func (nopObserver) TimedOut(string)               {}
func (nopObserver) Released(string)               {}

// Limiter enforces a Registry with sliding windows. Each rule's window is
// locked on its own; there is no lock spanning unrelated identifiers.
type Limiter struct {
	registry *Registry
	windows  sync.Map // rule id -> *window
	tickets  atomic.Uint64

	log      *logger.Log
	observer Observer
	waitLog  rate.Sometimes
}

type Option func(*Limiter)

func WithLogger(log *logger.Log) Option {
	return func(l *Limiter) { l.log = log }
}

func WithObserver(o Observer) Option {
	return func(l *Limiter) {
		if o != nil {
			l.observer = o
		}
	}
}

// New returns a Limiter enforcing reg.
func New(reg *Registry, opts ...Option) *Limiter {
	l := &Limiter{
		registry: reg,
		log:      logger.GetLogger(),
		observer: nopObserver{},
		waitLog:  rate.Sometimes{Interval: time.Second},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Registry returns the rule table the limiter enforces.
func (l *Limiter) Registry() *Registry {
	return l.registry
}

// Acquire blocks until a call on id is allowed by its own rule and every
// linked pseudo-limit, then reserves one slot in each. Callers waiting on the
// same saturated rule are granted in arrival order. If ctx ends first the
// returned error wraps ErrRateLimitTimeout and ctx.Err(), and nothing is
// reserved.
func (l *Limiter) Acquire(ctx context.Context, id string) (*Reservation, error) {
	windows, err := l.windowsFor(id)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		l.observer.TimedOut(id)
		return nil, fmt.Errorf("%w: %s: %w", ErrRateLimitTimeout, id, err)
	}
	res := &Reservation{limiter: l, id: id}
	if len(windows) == 0 {
		l.observer.Granted(id, 0)
		return res, nil
	}

	start := time.Now()
	me := newWaiter(l.tickets.Add(1))
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for waited := false; ; waited = true {
		wait, ok := l.tryGrant(windows, me, res)
		if ok {
			l.observer.Granted(id, time.Since(start))
			return res, nil
		}
		if !waited {
			l.observer.Waiting(id)
			l.waitLog.Do(func() {
				l.log.WithComponent("ratelimit").WithFields(logger.Fields{
					"id":      id,
					"wait_ms": wait.Milliseconds(),
				}).Debug("waiting for rate limit")
			})
		}

		var expired <-chan time.Time
		if wait > 0 {
			if timer == nil {
				timer = time.NewTimer(wait)
			} else {
				timer.Reset(wait)
			}
			expired = timer.C
		}

		select {
		case <-ctx.Done():
			l.abandon(windows, me)
			l.observer.TimedOut(id)
			return nil, fmt.Errorf("%w: %s: %w", ErrRateLimitTimeout, id, ctx.Err())
		case <-me.ready:
		case <-expired:
		}
	}
}

// TryAcquire is the non-blocking form of Acquire. It reports false without
// reserving anything when the call would have to wait.
func (l *Limiter) TryAcquire(id string) (*Reservation, bool, error) {
	windows, err := l.windowsFor(id)
	if err != nil {
		return nil, false, err
	}
	res := &Reservation{limiter: l, id: id}
	if len(windows) == 0 {
		l.observer.Granted(id, 0)
		return res, true, nil
	}
	me := newWaiter(l.tickets.Add(1))
	if _, ok := l.tryGrant(windows, me, res); !ok {
		l.abandon(windows, me)
		return nil, false, nil
	}
	l.observer.Granted(id, 0)
	return res, true, nil
}

func (l *Limiter) windowsFor(id string) ([]*window, error) {
	rules, err := l.registry.Applicable(id)
	if err != nil {
		return nil, err
	}
	windows := make([]*window, len(rules))
	for i, rule := range rules {
		windows[i] = l.window(rule)
	}
	return windows, nil
}

func (l *Limiter) window(rule Rule) *window {
	if w, ok := l.windows.Load(rule.ID); ok {
		return w.(*window)
	}
	w, _ := l.windows.LoadOrStore(rule.ID, newWindow(rule))
	return w.(*window)
}

// tryGrant evaluates every window under lock. windows are sorted by rule
// id, so concurrent callers always lock in the same order. On refusal it
// returns how long until the first saturated window frees; zero means the
// caller is only queued behind older waiters and must wait to be notified.
func (l *Limiter) tryGrant(windows []*window, me *waiter, res *Reservation) (time.Duration, bool) {
	for _, w := range windows {
		w.mu.Lock()
	}
	var wake []*waiter
	defer func() {
		for i := len(windows) - 1; i >= 0; i-- {
			windows[i].mu.Unlock()
		}
		for _, h := range wake {
			h.notify()
		}
	}()

	now := time.Now()
	var wait time.Duration
	blocked := false
	for _, w := range windows {
		w.trim(now)
		switch {
		case !w.ahead(me):
			blocked = true
			w.enqueue(me)
		case w.saturated():
			blocked = true
			w.enqueue(me)
			if d := w.freeAt().Sub(now); wait == 0 || d < wait {
				wait = d
			}
		default:
			// Not blocking here; stop holding a place that others could use.
			if h := w.dequeue(me); h != nil {
				wake = append(wake, h)
			}
		}
	}
	if blocked {
		if wait < 0 {
			wait = 0
		}
		return wait, false
	}

	res.at = now
	res.windows = windows
	for _, w := range windows {
		w.record(now)
		if h := w.dequeue(me); h != nil {
			wake = append(wake, h)
		}
	}
	return 0, true
}

// abandon removes me from every queue without touching recorded grants.
func (l *Limiter) abandon(windows []*window, me *waiter) {
	for _, w := range windows {
		w.mu.Lock()
		h := w.dequeue(me)
		w.mu.Unlock()
		if h != nil {
			h.notify()
		}
	}
}

// Usage describes the live state of one rule's window.
type Usage struct {
	ID      string
	Count   int
	Limit   int
	Waiting int
	Window  time.Duration
}

// Usage reports how much of id's own rule is in use right now.
func (l *Limiter) Usage(id string) (Usage, error) {
	rule, err := l.registry.RulesFor(id)
	if err != nil {
		return Usage{}, err
	}
	u := Usage{ID: id, Limit: rule.Limit, Window: rule.Window}
	if rule.Unlimited() {
		return u, nil
	}
	if v, ok := l.windows.Load(id); ok {
		u = v.(*window).usage(time.Now())
	}
	return u, nil
}

// Snapshot reports every window touched so far, sorted by identifier.
func (l *Limiter) Snapshot() []Usage {
	now := time.Now()
	var out []Usage
	l.windows.Range(func(_, v any) bool {
		out = append(out, v.(*window).usage(now))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (w *window) usage(now time.Time) Usage {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.trim(now)
	return Usage{
		ID:      w.rule.ID,
		Count:   len(w.times),
		Limit:   w.rule.Limit,
		Waiting: len(w.queue),
		Window:  w.rule.Window,
	}
}
