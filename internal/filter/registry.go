package filter

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrInvalidFilter is returned when a filter pattern is empty after trimming.
var ErrInvalidFilter = errors.New("invalid filter")

// Registry is the ordered set of active filter patterns. Patterns are held
// trimmed, at most once each, in insertion order. The capture path never
// reads the registry under lock for longer than a Snapshot copy.
type Registry struct {
	mu       sync.RWMutex
	patterns []string
}

// NewRegistry creates a registry seeded with the given patterns. Empty and
// duplicate patterns are skipped.
func NewRegistry(patterns ...string) *Registry {
	r := &Registry{}
	for _, p := range patterns {
		r.Add(p)
	}
	return r
}

// Add inserts pattern. It returns false without error if the pattern is
// already present.
func (r *Registry) Add(pattern string) (bool, error) {
	p := strings.TrimSpace(pattern)
	if p == "" {
		return false, fmt.Errorf("add %q: %w: pattern is empty", pattern, ErrInvalidFilter)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.patterns {
		if existing == p {
			return false, nil
		}
	}
	r.patterns = append(r.patterns, p)
	return true, nil
}

// Remove deletes the exact trimmed pattern. Removing an absent pattern is a
// no-op that returns false.
func (r *Registry) Remove(pattern string) bool {
	p := strings.TrimSpace(pattern)

	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.patterns {
		if existing == p {
			r.patterns = append(r.patterns[:i:i], r.patterns[i+1:]...)
			return true
		}
	}
	return false
}

// Snapshot returns a copy of the current patterns in insertion order.
func (r *Registry) Snapshot() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.patterns))
	copy(out, r.patterns)
	return out
}

// Len returns the number of active patterns.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.patterns)
}
