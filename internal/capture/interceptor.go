package capture

import (
	"net/http"
)

// Hop-by-hop headers are meaningful only for a single connection and are not
// forwarded.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopByHopHeaders(h http.Header) {
	for _, header := range hopByHopHeaders {
		h.Del(header)
	}
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// responseRecorder wraps an http.ResponseWriter to observe the status code
// and number of body bytes written, while writing through unchanged.
type responseRecorder struct {
	http.ResponseWriter
	statusCode  int
	written     int64
	wroteHeader bool
}

func newResponseRecorder(w http.ResponseWriter) *responseRecorder {
	return &responseRecorder{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

func (r *responseRecorder) WriteHeader(code int) {
	if r.wroteHeader {
		return
	}
	r.wroteHeader = true
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	n, err := r.ResponseWriter.Write(b)
	r.written += int64(n)
	return n, err
}

// Flush keeps streamed responses (SSE, chunked downloads) flowing.
func (r *responseRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// StatusCode returns the status written to the client.
func (r *responseRecorder) StatusCode() int {
	return r.statusCode
}

// BytesWritten returns the number of body bytes written to the client.
func (r *responseRecorder) BytesWritten() int64 {
	return r.written
}

// Unwrap returns the underlying ResponseWriter for interface assertion.
func (r *responseRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
