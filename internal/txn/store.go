package txn

import (
	"errors"
	"fmt"
	"sync"
)

// ErrDuplicateID is returned by Append when the id is already held.
var ErrDuplicateID = errors.New("duplicate transaction id")

// Store is the append-only, concurrently readable transaction history.
//
// All mutations take the write lock; List and Get copy under the read lock,
// so readers never see a partially appended or partially updated record.
// Subscribers are fed with non-blocking sends while the write lock is held,
// which keeps event order identical to mutation order without letting a slow
// reader stall the capture path.
type Store struct {
	mu      sync.RWMutex
	entries []*Transaction
	// id -> absolute sequence number; position in entries is seq-base.
	index map[string]int64
	base  int64
	next  int64

	maxEntries int

	filtered      int
	completed     int
	evicted       int64
	totalAppended int64

	subs    map[*Subscription]struct{}
	dropped int64
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithMaxEntries bounds the history. When full, the oldest transaction is
// evicted on append. Zero or negative means unbounded.
func WithMaxEntries(n int) StoreOption {
	return func(s *Store) { s.maxEntries = n }
}

// NewStore creates an empty Store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		index: make(map[string]int64),
		subs:  make(map[*Subscription]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append stores a fully formed transaction at the end of the history.
func (s *Store) Append(t Transaction) error {
	if t.ID == "" {
		return fmt.Errorf("append: empty transaction id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index[t.ID]; ok {
		return fmt.Errorf("append %s: %w", t.ID, ErrDuplicateID)
	}

	if s.maxEntries > 0 && len(s.entries) >= s.maxEntries {
		s.evictOldestLocked()
	}

	stored := t.Clone()
	s.entries = append(s.entries, &stored)
	s.index[stored.ID] = s.next
	s.next++
	s.totalAppended++
	if stored.Tags.Has(TagFiltered) {
		s.filtered++
	}
	if stored.Completed() {
		s.completed++
	}

	s.publishLocked(Event{Type: EventAppended, Transaction: stored.Clone()})
	return nil
}

func (s *Store) evictOldestLocked() {
	oldest := s.entries[0]
	delete(s.index, oldest.ID)
	if oldest.Tags.Has(TagFiltered) {
		s.filtered--
	}
	if oldest.Completed() {
		s.completed--
	}
	s.entries[0] = nil
	s.entries = s.entries[1:]
	s.base++
	s.evicted++

	s.publishLocked(Event{Type: EventEvicted, Transaction: oldest.Clone()})
}

// List returns a copy of the history in insertion order.
func (s *Store) List() []Transaction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() []Transaction {
	out := make([]Transaction, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.Clone()
	}
	return out
}

// Get returns a copy of the transaction with the given id.
func (s *Store) Get(id string) (Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.lookupLocked(id)
	if !ok {
		return Transaction{}, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	return e.Clone(), nil
}

func (s *Store) lookupLocked(id string) (*Transaction, bool) {
	seq, ok := s.index[id]
	if !ok {
		return nil, false
	}
	return s.entries[seq-s.base], true
}

// Len returns the number of transactions currently held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Clear atomically discards the whole history and resets derived counters.
// Ids already issued stay unique: they come from the caller, not the store.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = nil
	s.index = make(map[string]int64)
	s.base = s.next
	s.filtered = 0
	s.completed = 0
	s.evicted = 0

	s.publishLocked(Event{Type: EventCleared})
}

// UpdateResult completes the response fields of a stored transaction.
func (s *Store) UpdateResult(id string, status int, durationMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookupLocked(id)
	if !ok {
		return fmt.Errorf("update result %s: %w", id, ErrNotFound)
	}
	if !e.Completed() {
		s.completed++
	}
	e.Status = &status
	e.Duration = &durationMs

	s.publishLocked(Event{Type: EventUpdated, Transaction: e.Clone()})
	return nil
}

// ToggleFavorite flips the favorite mark and returns the new value.
func (s *Store) ToggleFavorite(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookupLocked(id)
	if !ok {
		return false, fmt.Errorf("toggle favorite %s: %w", id, ErrNotFound)
	}
	e.Favorite = !e.Favorite

	s.publishLocked(Event{Type: EventUpdated, Transaction: e.Clone()})
	return e.Favorite, nil
}

// Favorites returns the favorite transactions in insertion order.
func (s *Store) Favorites() []Transaction {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []Transaction{}
	for _, e := range s.entries {
		if e.Favorite {
			out = append(out, e.Clone())
		}
	}
	return out
}

// Stats returns the current derived counters.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		Size:          len(s.entries),
		Filtered:      s.filtered,
		Completed:     s.completed,
		Evicted:       s.evicted,
		TotalAppended: s.totalAppended,
	}
}

// --- Subscriptions ---

// Subscription is a live feed of store events. C is closed when the
// subscription is closed or dropped for falling behind.
type Subscription struct {
	C <-chan Event

	ch    chan Event
	store *Store
}

// Subscribe registers a subscriber and returns the history at the moment of
// registration. Every mutation after the snapshot arrives on sub.C in order,
// so snapshot + events is a gap-free stream. If the subscriber lets its
// buffer fill up it is dropped and C is closed; resubscribing replays a
// fresh snapshot.
func (s *Store) Subscribe(buffer int) ([]Transaction, *Subscription) {
	if buffer <= 0 {
		buffer = 256
	}
	ch := make(chan Event, buffer)
	sub := &Subscription{C: ch, ch: ch, store: s}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[sub] = struct{}{}
	return s.snapshotLocked(), sub
}

// Close unregisters the subscription. It is safe to call more than once.
func (sub *Subscription) Close() {
	s := sub.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[sub]; ok {
		delete(s.subs, sub)
		close(sub.ch)
	}
}

// SubscriberCount returns the number of live subscribers.
func (s *Store) SubscriberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// DroppedSubscribers returns how many subscribers were cut off for being slow.
func (s *Store) DroppedSubscribers() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dropped
}

func (s *Store) publishLocked(ev Event) {
	for sub := range s.subs {
		select {
		case sub.ch <- ev:
		default:
			delete(s.subs, sub)
			close(sub.ch)
			s.dropped++
		}
	}
}
