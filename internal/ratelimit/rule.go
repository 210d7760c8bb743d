package ratelimit

import (
	"errors"
	"math"
	"slices"
	"time"
)

// NoLimit disables enforcement for an identifier.
const NoLimit = math.MaxInt

var (
	ErrUnknownIdentifier = errors.New("unknown rate limit identifier")
	ErrInvalidRule       = errors.New("invalid rate limit rule")
	// ErrRateLimitTimeout is returned when the caller's context ends while
	// waiting for quota. No reservation is left behind.
	ErrRateLimitTimeout = errors.New("rate limit wait abandoned")
)

// ReleasePolicy decides whether a reservation on a rule may be rolled back
// when the call failed before reaching the exchange.
type ReleasePolicy int

const (
	ReleaseOnFailure ReleasePolicy = iota
	ReleaseNever
)

func (p ReleasePolicy) String() string {
	if p == ReleaseNever {
		return "never"
	}
	return "on_failure"
}

// Rule is a sliding-window quota for one call identifier. Linked names the
// shared pseudo-limits every call on ID also consumes from.
type Rule struct {
	ID      string
	Limit   int
	Window  time.Duration
	Linked  []string
	Release ReleasePolicy
}

// Unlimited reports whether the rule never blocks.
func (r Rule) Unlimited() bool {
	return r.Limit == NoLimit
}

func (r Rule) clone() Rule {
	r.Linked = slices.Clone(r.Linked)
	return r
}

func (r Rule) equal(o Rule) bool {
	return r.ID == o.ID &&
		r.Limit == o.Limit &&
		r.Window == o.Window &&
		r.Release == o.Release &&
		slices.Equal(r.Linked, o.Linked)
}
