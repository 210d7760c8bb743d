package ratelimit

import (
	"fmt"
	"slices"
	"sort"
)

// Registry is the immutable identifier → rule table. It is built once at
// startup and only read afterwards, so it needs no locking.
type Registry struct {
	rules map[string]Rule
	ids   []string
}

// NewRegistry validates rules and freezes them into a Registry. Identical
// duplicate entries collapse into one; conflicting duplicates are rejected.
// Links are followed one level deep only.
func NewRegistry(rules []Rule) (*Registry, error) {
	reg := &Registry{rules: make(map[string]Rule, len(rules))}
	for _, rule := range rules {
		rule = normalize(rule)
		if err := validateRule(rule); err != nil {
			return nil, err
		}
		if existing, ok := reg.rules[rule.ID]; ok {
			if !existing.equal(rule) {
				return nil, fmt.Errorf("%w: conflicting definitions for %q", ErrInvalidRule, rule.ID)
			}
			continue
		}
		reg.rules[rule.ID] = rule
		reg.ids = append(reg.ids, rule.ID)
	}
	for _, rule := range reg.rules {
		for _, link := range rule.Linked {
			if _, ok := reg.rules[link]; !ok {
				return nil, fmt.Errorf("%w: %q links unregistered %q", ErrInvalidRule, rule.ID, link)
			}
		}
	}
	sort.Strings(reg.ids)
	return reg, nil
}

func normalize(rule Rule) Rule {
	rule = rule.clone()
	sort.Strings(rule.Linked)
	rule.Linked = slices.Compact(rule.Linked)
	return rule
}

func validateRule(rule Rule) error {
	if rule.ID == "" {
		return fmt.Errorf("%w: empty identifier", ErrInvalidRule)
	}
	if rule.Limit <= 0 {
		return fmt.Errorf("%w: %q limit must be greater than 0", ErrInvalidRule, rule.ID)
	}
	if !rule.Unlimited() && rule.Window <= 0 {
		return fmt.Errorf("%w: %q window must be greater than 0", ErrInvalidRule, rule.ID)
	}
	if slices.Contains(rule.Linked, rule.ID) {
		return fmt.Errorf("%w: %q links itself", ErrInvalidRule, rule.ID)
	}
	return nil
}

// RulesFor returns the rule registered for id.
func (r *Registry) RulesFor(id string) (Rule, error) {
	rule, ok := r.rules[id]
	if !ok {
		return Rule{}, fmt.Errorf("%w: %q", ErrUnknownIdentifier, id)
	}
	return rule.clone(), nil
}

// Applicable returns every enforced rule a call on id must satisfy: its own
// rule plus each linked pseudo-limit. Unlimited rules are left out. The
// result is sorted by identifier, which is also the lock order.
func (r *Registry) Applicable(id string) ([]Rule, error) {
	own, err := r.RulesFor(id)
	if err != nil {
		return nil, err
	}
	out := make([]Rule, 0, len(own.Linked)+1)
	if !own.Unlimited() {
		out = append(out, own)
	}
	for _, link := range own.Linked {
		rule := r.rules[link]
		if !rule.Unlimited() {
			out = append(out, rule.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// IDs lists the registered identifiers in sorted order.
func (r *Registry) IDs() []string {
	return slices.Clone(r.ids)
}
