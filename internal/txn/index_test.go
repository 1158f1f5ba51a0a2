package txn

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func newTestIndex(t *testing.T, s *Store) *Index {
	t.Helper()
	ix, err := OpenIndex(":memory:", s, 16, nil)
	if err != nil {
		t.Fatalf("OpenIndex: %v", err)
	}
	t.Cleanup(func() { ix.Close() })
	return ix
}

func seedIndexed(t *testing.T, s *Store, ix *Index, txs ...Transaction) {
	t.Helper()
	for _, tx := range txs {
		if err := s.Append(tx); err != nil {
			t.Fatal(err)
		}
		if err := ix.Apply(Event{Type: EventAppended, Transaction: tx}); err != nil {
			t.Fatalf("Apply: %v", err)
		}
	}
}

func TestIndex_Search(t *testing.T) {
	s := NewStore()
	ix := newTestIndex(t, s)

	seedIndexed(t, s, ix,
		newTx("1", "GET", "https://api.bilibili.com/x/web"),
		newTx("2", "POST", "https://www.google.com/search?q=go"),
		newTx("3", "GET", "https://example.com/100%_done"),
		newTx("4", "DELETE", "https://api.bilibili.com/x/item"),
	)
	s.UpdateResult("2", 500, 10)
	upd, _ := s.Get("2")
	ix.Apply(Event{Type: EventUpdated, Transaction: upd})

	tests := []struct {
		name   string
		filter SearchFilter
		want   []string
	}{
		{"empty matches all", SearchFilter{}, []string{"1", "2", "3", "4"}},
		{"keyword in url", SearchFilter{Keyword: "search"}, []string{"2"}},
		{"keyword in method", SearchFilter{Keyword: "DELETE"}, []string{"4"}},
		{"keyword case-insensitive", SearchFilter{Keyword: "BILIBILI"}, []string{"1", "4"}},
		{"method", SearchFilter{Method: "get"}, []string{"1", "3"}},
		{"status", SearchFilter{Status: 500}, []string{"2"}},
		{"domain", SearchFilter{Domain: "bilibili"}, []string{"1", "4"}},
		{"combined", SearchFilter{Domain: "bilibili", Method: "GET"}, []string{"1"}},
		{"literal percent", SearchFilter{Keyword: "100%"}, []string{"3"}},
		{"limit", SearchFilter{Limit: 2}, []string{"1", "2"}},
		{"no match", SearchFilter{Keyword: "nothing"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ix.Search(tt.filter)
			if err != nil {
				t.Fatalf("Search: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("Search = %d results, want %d (%v)", len(got), len(tt.want), got)
			}
			for i := range got {
				if got[i].ID != tt.want[i] {
					t.Errorf("result[%d] = %s, want %s", i, got[i].ID, tt.want[i])
				}
			}
		})
	}
}

func TestIndex_SearchSkipsClearedRecords(t *testing.T) {
	s := NewStore()
	ix := newTestIndex(t, s)
	seedIndexed(t, s, ix, newTx("1", "GET", "https://a.com"))

	// The store clears before the index has seen the event.
	s.Clear()

	got, err := ix.Search(SearchFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("Search returned %d stale results", len(got))
	}
}

func TestIndex_Reset(t *testing.T) {
	s := NewStore()
	ix := newTestIndex(t, s)
	seedIndexed(t, s, ix, newTx("1", "GET", "https://a.com"))

	s.Clear()
	s.Append(newTx("2", "GET", "https://b.com"))
	if err := ix.Reset(s.List()); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	got, _ := ix.Search(SearchFilter{})
	if len(got) != 1 || got[0].ID != "2" {
		t.Errorf("Search after Reset = %+v, want [2]", got)
	}
}

func TestIndex_RunFollowsStore(t *testing.T) {
	s := NewStore()
	s.Append(newTx("before", "GET", "https://a.com"))

	ix, err := OpenIndex(filepath.Join(t.TempDir(), "index.db"), s, 16, nil)
	if err != nil {
		t.Fatalf("OpenIndex: %v", err)
	}
	defer ix.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ix.Run(ctx) }()

	s.Append(newTx("after", "POST", "https://a.com"))

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, _ := ix.Search(SearchFilter{Domain: "a.com"})
		if len(got) == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("index never caught up: %d results", len(got))
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func indexRows(t *testing.T, ix *Index) int {
	t.Helper()
	var n int
	if err := ix.db.QueryRow("SELECT COUNT(*) FROM transactions").Scan(&n); err != nil {
		t.Fatal(err)
	}
	return n
}

func TestIndex_ApplyEvicted(t *testing.T) {
	s := NewStore()
	ix := newTestIndex(t, s)
	seedIndexed(t, s, ix, newTx("1", "GET", "https://a.com"), newTx("2", "GET", "https://a.com"))

	if err := ix.Apply(Event{Type: EventEvicted, Transaction: newTx("1", "GET", "https://a.com")}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if n := indexRows(t, ix); n != 1 {
		t.Errorf("rows = %d, want 1", n)
	}
}

func TestIndex_FollowsEviction(t *testing.T) {
	s := NewStore(WithMaxEntries(2))
	ix := newTestIndex(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ix.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// Wait for the initial sync so every append below arrives as an event.
	deadline := time.Now().Add(2 * time.Second)
	for s.SubscriberCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("index never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	for i := 0; i < 5; i++ {
		if err := s.Append(newTx(fmt.Sprintf("id-%d", i), "GET", "https://example.com/")); err != nil {
			t.Fatal(err)
		}
	}

	var got []Transaction
	for {
		got, _ = ix.Search(SearchFilter{Keyword: "example", Limit: 2})
		if indexRows(t, ix) == 2 && len(got) == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("rows = %d, limited search = %d results, want 2 and 2", indexRows(t, ix), len(got))
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got[0].ID != "id-3" || got[1].ID != "id-4" {
		t.Errorf("results = %s, %s, want id-3, id-4", got[0].ID, got[1].ID)
	}
}
