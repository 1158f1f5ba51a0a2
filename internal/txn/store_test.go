package txn

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func newTx(id, method, url string) Transaction {
	return Transaction{
		ID:        id,
		Method:    method,
		URL:       url,
		Timestamp: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestTags_With(t *testing.T) {
	tests := []struct {
		name string
		base Tags
		add  []string
		want Tags
	}{
		{"nil base", nil, []string{"filtered"}, Tags{"filtered"}},
		{"dedup", Tags{"filtered"}, []string{"filtered"}, Tags{"filtered"}},
		{"sorted union", Tags{"slow"}, []string{"filtered", "auth"}, Tags{"auth", "filtered", "slow"}},
		{"skip empty", Tags{"a"}, []string{""}, Tags{"a"}},
		{"nothing added", nil, nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.base.With(tt.add...)
			if fmt.Sprint(got) != fmt.Sprint(tt.want) {
				t.Errorf("With = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTags_WithDoesNotMutate(t *testing.T) {
	base := make(Tags, 1, 4)
	base[0] = "b"
	_ = base.With("a")
	if len(base) != 1 || base[0] != "b" {
		t.Errorf("base mutated: %v", base)
	}
}

func TestStore_AppendListOrder(t *testing.T) {
	s := NewStore()
	for i := 0; i < 5; i++ {
		if err := s.Append(newTx(fmt.Sprintf("id-%d", i), "GET", "https://example.com")); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	list := s.List()
	if len(list) != 5 {
		t.Fatalf("len = %d, want 5", len(list))
	}
	for i, tx := range list {
		if want := fmt.Sprintf("id-%d", i); tx.ID != want {
			t.Errorf("list[%d].ID = %q, want %q", i, tx.ID, want)
		}
	}
}

func TestStore_AppendDuplicate(t *testing.T) {
	s := NewStore()
	if err := s.Append(newTx("a", "GET", "https://a.com")); err != nil {
		t.Fatal(err)
	}
	err := s.Append(newTx("a", "POST", "https://b.com"))
	if !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("err = %v, want ErrDuplicateID", err)
	}
	got, _ := s.Get("a")
	if got.Method != "GET" {
		t.Errorf("duplicate append changed state: method = %q", got.Method)
	}
	if s.Len() != 1 {
		t.Errorf("Len = %d, want 1", s.Len())
	}
}

func TestStore_ListIsCopy(t *testing.T) {
	s := NewStore()
	tx := newTx("a", "GET", "https://a.com")
	tx.Tags = Tags{TagFiltered}
	s.Append(tx)

	list := s.List()
	list[0].Tags[0] = "mutated"
	list[0].URL = "changed"

	got, _ := s.Get("a")
	if got.URL != "https://a.com" || !got.Tags.Has(TagFiltered) {
		t.Errorf("store state leaked through List copy: %+v", got)
	}
}

func TestStore_UpdateResult(t *testing.T) {
	s := NewStore()
	s.Append(newTx("a", "GET", "https://a.com"))

	if err := s.UpdateResult("a", 200, 123); err != nil {
		t.Fatalf("UpdateResult: %v", err)
	}
	got, _ := s.Get("a")
	if got.Status == nil || *got.Status != 200 {
		t.Errorf("status = %v, want 200", got.Status)
	}
	if got.Duration == nil || *got.Duration != 123 {
		t.Errorf("duration = %v, want 123", got.Duration)
	}
	if st := s.Stats(); st.Completed != 1 {
		t.Errorf("Completed = %d, want 1", st.Completed)
	}
}

func TestStore_UpdateResultNotFound(t *testing.T) {
	s := NewStore()
	s.Append(newTx("a", "GET", "https://a.com"))
	before := s.List()

	err := s.UpdateResult("missing", 500, 1)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	after := s.List()
	if len(before) != len(after) || after[0].Status != nil {
		t.Errorf("failed update changed state: %+v", after)
	}
}

func TestStore_GetNotFound(t *testing.T) {
	s := NewStore()
	if _, err := s.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestStore_Clear(t *testing.T) {
	s := NewStore()
	tx := newTx("a", "GET", "https://a.com")
	tx.Tags = Tags{TagFiltered}
	s.Append(tx)
	s.Append(newTx("b", "GET", "https://b.com"))

	s.Clear()

	if s.Len() != 0 {
		t.Errorf("Len after Clear = %d, want 0", s.Len())
	}
	if len(s.List()) != 0 {
		t.Error("List after Clear should be empty")
	}
	st := s.Stats()
	if st.Filtered != 0 || st.Size != 0 {
		t.Errorf("stats not reset: %+v", st)
	}
	if st.TotalAppended != 2 {
		t.Errorf("TotalAppended = %d, want 2", st.TotalAppended)
	}
	if _, err := s.Get("a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after Clear err = %v, want ErrNotFound", err)
	}

	// History restarts cleanly.
	s.Append(newTx("c", "GET", "https://c.com"))
	if got, err := s.Get("c"); err != nil || got.ID != "c" {
		t.Errorf("Get(c) after Clear = %+v, %v", got, err)
	}
}

func TestStore_Favorites(t *testing.T) {
	s := NewStore()
	s.Append(newTx("a", "GET", "https://a.com"))
	s.Append(newTx("b", "GET", "https://b.com"))

	fav, err := s.ToggleFavorite("b")
	if err != nil || !fav {
		t.Fatalf("ToggleFavorite = %v, %v; want true, nil", fav, err)
	}
	favs := s.Favorites()
	if len(favs) != 1 || favs[0].ID != "b" {
		t.Errorf("Favorites = %+v, want [b]", favs)
	}

	fav, _ = s.ToggleFavorite("b")
	if fav {
		t.Error("second toggle should clear favorite")
	}
	if len(s.Favorites()) != 0 {
		t.Error("Favorites should be empty")
	}

	if _, err := s.ToggleFavorite("zzz"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestStore_EvictionPublishesEvent(t *testing.T) {
	s := NewStore(WithMaxEntries(1))
	s.Append(newTx("old", "GET", "https://x.com"))
	_, sub := s.Subscribe(8)
	defer sub.Close()

	s.Append(newTx("new", "GET", "https://x.com"))

	want := []struct {
		typ EventType
		id  string
	}{
		{EventEvicted, "old"},
		{EventAppended, "new"},
	}
	for i, w := range want {
		select {
		case ev := <-sub.C:
			if ev.Type != w.typ || ev.Transaction.ID != w.id {
				t.Errorf("event %d = %s/%s, want %s/%s", i, ev.Type, ev.Transaction.ID, w.typ, w.id)
			}
		case <-time.After(time.Second):
			t.Fatalf("event %d not delivered", i)
		}
	}
}

func TestStore_Eviction(t *testing.T) {
	s := NewStore(WithMaxEntries(3))
	for i := 0; i < 5; i++ {
		tx := newTx(fmt.Sprintf("id-%d", i), "GET", "https://x.com")
		if i < 2 {
			tx.Tags = Tags{TagFiltered}
		}
		s.Append(tx)
	}

	list := s.List()
	if len(list) != 3 {
		t.Fatalf("len = %d, want 3", len(list))
	}
	if list[0].ID != "id-2" || list[2].ID != "id-4" {
		t.Errorf("ids = %s..%s, want id-2..id-4", list[0].ID, list[2].ID)
	}
	if _, err := s.Get("id-0"); !errors.Is(err, ErrNotFound) {
		t.Errorf("evicted id still present: %v", err)
	}
	if err := s.UpdateResult("id-3", 204, 5); err != nil {
		t.Errorf("UpdateResult after eviction: %v", err)
	}

	st := s.Stats()
	if st.Evicted != 2 {
		t.Errorf("Evicted = %d, want 2", st.Evicted)
	}
	if st.Filtered != 0 {
		t.Errorf("Filtered = %d, want 0", st.Filtered)
	}
}

func TestStore_SubscribeReplayThenEvents(t *testing.T) {
	s := NewStore()
	s.Append(newTx("a", "GET", "https://a.com"))

	snapshot, sub := s.Subscribe(8)
	defer sub.Close()

	if len(snapshot) != 1 || snapshot[0].ID != "a" {
		t.Fatalf("snapshot = %+v, want [a]", snapshot)
	}

	s.Append(newTx("b", "GET", "https://b.com"))
	s.UpdateResult("a", 200, 10)
	s.Clear()

	want := []EventType{EventAppended, EventUpdated, EventCleared}
	for i, w := range want {
		select {
		case ev := <-sub.C:
			if ev.Type != w {
				t.Errorf("event %d type = %s, want %s", i, ev.Type, w)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestStore_SlowSubscriberDropped(t *testing.T) {
	s := NewStore()
	_, sub := s.Subscribe(1)

	s.Append(newTx("a", "GET", "https://a.com"))
	s.Append(newTx("b", "GET", "https://b.com")) // buffer full: dropped

	if s.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount = %d, want 0", s.SubscriberCount())
	}
	if s.DroppedSubscribers() != 1 {
		t.Errorf("DroppedSubscribers = %d, want 1", s.DroppedSubscribers())
	}

	<-sub.C
	if _, ok := <-sub.C; ok {
		t.Error("channel should be closed after drop")
	}
	sub.Close() // no panic on double close
}

func TestStore_ConcurrentAppendAndRead(t *testing.T) {
	s := NewStore()
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				s.Append(newTx(fmt.Sprintf("w%d-%d", w, i), "GET", "https://x.com"))
			}
		}(w)
	}
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				for _, tx := range s.List() {
					if tx.ID == "" {
						t.Error("torn read: empty id")
						return
					}
				}
			}
		}()
	}
	wg.Wait()

	if s.Len() != 400 {
		t.Errorf("Len = %d, want 400", s.Len())
	}
}

func TestExportHAR(t *testing.T) {
	done := newTx("a", "GET", "https://a.com/x")
	status, dur := 404, int64(42)
	done.Status, done.Duration = &status, &dur
	pending := newTx("b", "CONNECT", "b.com:443")

	har := ExportHAR([]Transaction{done, pending}, "test")

	if har.Log.Version != "1.2" {
		t.Errorf("version = %q, want 1.2", har.Log.Version)
	}
	if len(har.Log.Entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(har.Log.Entries))
	}
	e := har.Log.Entries[0]
	if e.Time != 42 || e.Response.Status != 404 || e.Response.StatusText != "Not Found" {
		t.Errorf("entry[0] = %+v", e)
	}
	if p := har.Log.Entries[1]; p.Response.Status != 0 || p.Time != 0 {
		t.Errorf("pending entry should be zero-valued response: %+v", p)
	}
}
