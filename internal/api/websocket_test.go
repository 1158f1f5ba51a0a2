package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/packetmind/packetmind/internal/txn"
)

type wsFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func dialFeed(t *testing.T, f *fixture, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/api/ws/transactions"
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) wsFrame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame wsFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

func TestWebSocketFeed(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.pipeline.Open()
	first, err := f.pipeline.Ingest("GET", "https://example.com/before")
	if err != nil {
		t.Fatal(err)
	}

	conn := dialFeed(t, f, nil)

	snap := readFrame(t, conn)
	if snap.Type != "snapshot" {
		t.Fatalf("first frame = %q, want snapshot", snap.Type)
	}
	var history []txn.Transaction
	if err := json.Unmarshal(snap.Data, &history); err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].ID != first.ID {
		t.Fatalf("snapshot = %+v", history)
	}

	second, err := f.pipeline.Ingest("POST", "https://example.com/after")
	if err != nil {
		t.Fatal(err)
	}
	if err := f.pipeline.Complete(second.ID, 204, 3*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	f.store.Clear()

	tests := []struct {
		typ string
		id  string
	}{
		{"appended", second.ID},
		{"updated", second.ID},
		{"cleared", ""},
	}
	for _, tt := range tests {
		frame := readFrame(t, conn)
		if frame.Type != tt.typ {
			t.Fatalf("frame type = %q, want %q", frame.Type, tt.typ)
		}
		if tt.id == "" {
			if len(frame.Data) != 0 {
				t.Errorf("%s frame should carry no data, got %s", tt.typ, frame.Data)
			}
			continue
		}
		var got txn.Transaction
		if err := json.Unmarshal(frame.Data, &got); err != nil {
			t.Fatal(err)
		}
		if got.ID != tt.id {
			t.Errorf("%s frame id = %s, want %s", tt.typ, got.ID, tt.id)
		}
	}
}

func TestWebSocketRejectsCrossOrigin(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/api/ws/transactions"

	header := http.Header{"Origin": []string{"http://evil.example"}}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		conn.Close()
		t.Fatal("cross-origin dial should fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("response = %v, want 403", resp)
	}
}

func TestWebSocketHubClose(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	conn := dialFeed(t, f, nil)
	readFrame(t, conn)

	deadline := time.Now().Add(5 * time.Second)
	for f.api.wsHub.ClientCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	f.api.wsHub.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("read after hub close should fail")
	}
	if n := f.api.wsHub.ClientCount(); n != 0 {
		t.Errorf("clients after close = %d", n)
	}
}
