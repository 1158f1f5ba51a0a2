package capture

import (
	"context"
	"errors"
	"net"
	"testing"
)

func TestController_Lifecycle(t *testing.T) {
	p, store, _ := newTestPipeline(t)
	c := NewController(p, NewProxy(p, nil), "127.0.0.1:0", nil)
	ctx := context.Background()

	if c.Running() || p.Accepting() {
		t.Fatal("new controller should start stopped with the gate closed")
	}
	if _, err := p.Ingest("GET", "https://example.com"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Ingest while stopped = %v, want ErrUnavailable", err)
	}
	if err := c.Stop(ctx); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Stop while stopped = %v, want ErrUnavailable", err)
	}

	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Start(); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start = %v, want ErrAlreadyRunning", err)
	}
	if !c.Running() || !p.Accepting() {
		t.Fatal("controller should be running with the gate open")
	}

	addr := c.Listen()
	if _, port, _ := net.SplitHostPort(addr); port == "0" || port == "" {
		t.Errorf("Listen() = %q, want the bound address", addr)
	}
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("proxy not listening on %s: %v", addr, err)
	}
	conn.Close()

	tx, err := p.Ingest("GET", "https://example.com")
	if err != nil {
		t.Fatal(err)
	}

	if err := c.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if c.Running() || p.Accepting() {
		t.Error("controller should be stopped with the gate closed")
	}
	if c.Listen() != "127.0.0.1:0" {
		t.Errorf("Listen() after stop = %q, want the configured address", c.Listen())
	}

	// In-flight exchanges still complete and history stays readable.
	if err := p.Complete(tx.ID, 200, 0); err != nil {
		t.Errorf("Complete after stop: %v", err)
	}
	if store.Len() != 1 {
		t.Errorf("store len = %d, want 1", store.Len())
	}

	if err := c.Start(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if err := c.Stop(ctx); err != nil {
		t.Fatalf("Stop after restart: %v", err)
	}
}
