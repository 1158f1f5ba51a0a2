package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

// Proxy is a forward HTTP proxy that records every exchange through the
// Pipeline. Plain HTTP requests are forwarded and their response observed;
// CONNECT requests are recorded by authority and relayed as opaque tunnels.
type Proxy struct {
	pipeline  *Pipeline
	transport *http.Transport
	dialer    *net.Dialer

	maxBodyBytes int64

	mu     sync.Mutex
	server *http.Server
	addr   net.Addr

	logger *slog.Logger
}

// ProxyOption configures the Proxy.
type ProxyOption func(*Proxy)

// WithUpstreamTimeout bounds dialing and waiting for upstream response headers.
func WithUpstreamTimeout(d time.Duration) ProxyOption {
	return func(p *Proxy) {
		if d <= 0 {
			return
		}
		p.dialer.Timeout = d
		p.transport.ResponseHeaderTimeout = d
	}
}

// WithMaxBodyBytes limits forwarded request bodies. Zero means unlimited.
func WithMaxBodyBytes(n int64) ProxyOption {
	return func(p *Proxy) { p.maxBodyBytes = n }
}

// NewProxy creates a Proxy feeding the given pipeline.
func NewProxy(pipeline *Pipeline, logger *slog.Logger, opts ...ProxyOption) *Proxy {
	if logger == nil {
		logger = slog.Default()
	}

	dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
	p := &Proxy{
		pipeline: pipeline,
		dialer:   dialer,
		transport: &http.Transport{
			Proxy:                 nil,
			DialContext:           dialer.DialContext,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
		},
		logger: logger.With("component", "capture.Proxy"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ListenAndServe starts serving on addr in the background and returns the
// bound address (useful with ":0").
func (p *Proxy) ListenAndServe(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("capture: listen: %w", err)
	}

	srv := &http.Server{
		Handler:           p,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	p.mu.Lock()
	p.server = srv
	p.addr = ln.Addr()
	p.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.logger.Error("proxy server error", "error", err)
		}
	}()

	p.logger.Info("proxy listening", "addr", ln.Addr().String())
	return ln.Addr(), nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
// Established CONNECT tunnels are not tracked and run to completion.
func (p *Proxy) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	srv := p.server
	p.server = nil
	p.addr = nil
	p.mu.Unlock()

	if srv == nil {
		return nil
	}
	p.transport.CloseIdleConnections()
	return srv.Shutdown(ctx)
}

// Addr returns the listening address, or nil when not serving.
func (p *Proxy) Addr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addr
}

// ServeHTTP dispatches CONNECT to the tunnel handler and everything else to
// the forwarding handler.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		p.handleConnect(w, r)
		return
	}
	p.handleHTTP(w, r)
}

func (p *Proxy) ingest(w http.ResponseWriter, method, target string) (string, bool) {
	t, err := p.pipeline.Ingest(method, target)
	if err != nil {
		if errors.Is(err, ErrUnavailable) {
			http.Error(w, "packetmind: capture stopped", http.StatusServiceUnavailable)
		} else {
			p.logger.Error("ingest failed", "method", method, "url", target, "error", err)
			http.Error(w, "packetmind: ingest failed", http.StatusInternalServerError)
		}
		return "", false
	}
	return t.ID, true
}

func (p *Proxy) complete(id string, status int, start time.Time) {
	if err := p.pipeline.Complete(id, status, time.Since(start)); err != nil {
		// The store was cleared while the exchange was in flight.
		p.logger.Debug("complete skipped", "id", id, "error", err)
	}
}

// handleHTTP forwards an absolute-form proxy request.
func (p *Proxy) handleHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Host == "" {
		http.Error(w, "packetmind: not a proxy request (missing host)", http.StatusBadRequest)
		return
	}

	start := time.Now()
	id, ok := p.ingest(w, r.Method, r.URL.String())
	if !ok {
		return
	}

	if p.maxBodyBytes > 0 && r.Body != nil {
		r.Body = http.MaxBytesReader(w, r.Body, p.maxBodyBytes)
	}

	outReq := r.Clone(r.Context())
	outReq.RequestURI = ""
	removeHopByHopHeaders(outReq.Header)

	resp, err := p.transport.RoundTrip(outReq)
	if err != nil {
		p.logger.Error("upstream request failed", "id", id, "host", r.URL.Host, "error", err)
		http.Error(w, "packetmind: upstream request failed", http.StatusBadGateway)
		p.complete(id, http.StatusBadGateway, start)
		return
	}
	defer resp.Body.Close()

	rec := newResponseRecorder(w)
	removeHopByHopHeaders(resp.Header)
	copyHeaders(rec.Header(), resp.Header)
	rec.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(rec, resp.Body); err != nil {
		p.logger.Debug("response body copy error", "id", id, "error", err)
	}
	p.pipeline.RecordResponseBytes(rec.BytesWritten())
	p.complete(id, rec.StatusCode(), start)
}

// handleConnect records the tunnel by authority and relays bytes opaquely.
// The recorded status is 200 once the tunnel is established; the duration
// covers dialing the target.
func (p *Proxy) handleConnect(w http.ResponseWriter, r *http.Request) {
	target := r.Host
	if target == "" {
		http.Error(w, "packetmind: missing CONNECT authority", http.StatusBadRequest)
		return
	}
	if _, _, err := net.SplitHostPort(target); err != nil {
		target = net.JoinHostPort(target, "443")
	}

	start := time.Now()
	id, ok := p.ingest(w, http.MethodConnect, target)
	if !ok {
		return
	}

	targetConn, err := p.dialer.DialContext(r.Context(), "tcp", target)
	if err != nil {
		p.logger.Error("CONNECT dial failed", "id", id, "target", target, "error", err)
		http.Error(w, "packetmind: dial target failed", http.StatusBadGateway)
		p.complete(id, http.StatusBadGateway, start)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		targetConn.Close()
		http.Error(w, "packetmind: hijacking not supported", http.StatusInternalServerError)
		p.complete(id, http.StatusInternalServerError, start)
		return
	}

	// Hijack before sending 200 to avoid racing WriteHeader.
	clientConn, bufRW, err := hijacker.Hijack()
	if err != nil {
		targetConn.Close()
		p.logger.Error("hijack failed", "id", id, "error", err)
		p.complete(id, http.StatusInternalServerError, start)
		return
	}

	_, _ = bufRW.WriteString("HTTP/1.1 200 Connection Established\r\n\r\n")
	_ = bufRW.Flush()
	p.complete(id, http.StatusOK, start)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer targetConn.Close()
		defer clientConn.Close()
		if _, err := io.Copy(targetConn, bufRW); err != nil {
			p.logger.Debug("tunnel copy error (client->target)", "id", id, "error", err)
		}
	}()
	go func() {
		defer wg.Done()
		defer clientConn.Close()
		defer targetConn.Close()
		if _, err := io.Copy(clientConn, targetConn); err != nil {
			p.logger.Debug("tunnel copy error (target->client)", "id", id, "error", err)
		}
	}()
	wg.Wait()
}
