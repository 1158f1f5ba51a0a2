// Package txn holds the captured transaction history: the Transaction model,
// the in-memory Store that backs polling and live subscriptions, and the
// SQLite-backed search Index.
package txn

import (
	"errors"
	"sort"
	"time"
)

// ErrNotFound is returned when a transaction id is not present in the store.
var ErrNotFound = errors.New("transaction not found")

// TagFiltered marks a transaction that matched at least one active filter at
// ingestion time.
const TagFiltered = "filtered"

// Tags is a sorted, de-duplicated set of labels. It only ever grows.
type Tags []string

// Has reports whether tag is in the set.
func (t Tags) Has(tag string) bool {
	i := sort.SearchStrings(t, tag)
	return i < len(t) && t[i] == tag
}

// With returns the union of t and the given tags. t is not modified.
func (t Tags) With(tags ...string) Tags {
	if len(tags) == 0 {
		return t.clone()
	}
	out := make(Tags, 0, len(t)+len(tags))
	out = append(out, t...)
	for _, tag := range tags {
		if tag == "" || out.Has(tag) {
			continue
		}
		out = append(out, tag)
		sort.Strings(out)
	}
	return out
}

func (t Tags) clone() Tags {
	if t == nil {
		return nil
	}
	out := make(Tags, len(t))
	copy(out, t)
	return out
}

// Transaction is a single observed request/response exchange.
type Transaction struct {
	ID        string    `json:"id"`
	Method    string    `json:"method"`
	URL       string    `json:"url"`
	Status    *int      `json:"status,omitempty"`
	Duration  *int64    `json:"duration,omitempty"` // milliseconds
	Timestamp time.Time `json:"timestamp"`
	Tags      Tags      `json:"tags,omitempty"`
	Favorite  bool      `json:"favorite,omitempty"`
}

// Clone returns a deep copy safe to hand to another goroutine.
func (t Transaction) Clone() Transaction {
	c := t
	if t.Status != nil {
		s := *t.Status
		c.Status = &s
	}
	if t.Duration != nil {
		d := *t.Duration
		c.Duration = &d
	}
	c.Tags = t.Tags.clone()
	return c
}

// Completed reports whether the response side has been observed.
func (t Transaction) Completed() bool {
	return t.Status != nil
}

// EventType identifies a store change delivered to subscribers.
type EventType string

const (
	EventAppended EventType = "appended"
	EventUpdated  EventType = "updated"
	EventCleared  EventType = "cleared"
	EventEvicted  EventType = "evicted"
)

// Event is a single store change. Transaction is zero for EventCleared and
// is the dropped record for EventEvicted.
type Event struct {
	Type        EventType   `json:"type"`
	Transaction Transaction `json:"data"`
}

// Stats holds derived store counters. Clear resets all of them except
// TotalAppended, which counts every append since the store was created.
type Stats struct {
	Size          int   `json:"size"`
	Filtered      int   `json:"filtered"`
	Completed     int   `json:"completed"`
	Evicted       int64 `json:"evicted"`
	TotalAppended int64 `json:"total_appended"`
}

// SearchFilter defines query parameters for searching the history.
type SearchFilter struct {
	Keyword string // substring of url or method
	Method  string
	Status  int // 0 means any
	Domain  string
	Limit   int
}
