// Package bridge runs the request lifecycle on top of net/http, with
// optional HTTP/2 cleartext (h2c) and WebSocket upgrades. It trades the
// native engine's raw-descriptor control for compatibility: anything that
// can serve an http.Handler can now host the pipeline.
package bridge

import (
	"crypto/tls"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/searchktools/relay/core/transport"
)

// Config configures a bridge Server.
type Config struct {
	Addr    string
	Handler transport.Handler

	// TLSConfig enables TLS with ALPN (h2 + http/1.1). Without it the
	// server speaks h2c for HTTP/2 clients and plain HTTP/1.1 otherwise.
	TLSConfig *tls.Config

	MaxConcurrentStreams uint32
	IdleTimeout          time.Duration

	// ReadChunkSize is the body read granularity. Zero means 32 KiB.
	ReadChunkSize int
}

// Server hosts the lifecycle handler behind net/http.
type Server struct {
	cfg Config
	srv *http.Server
	h2  *http2.Server

	wsMu     sync.RWMutex
	wsRoutes map[string]WSHandler

	mu     sync.Mutex
	closed bool
}

// NewServer creates a bridge server.
func NewServer(cfg Config) *Server {
	if cfg.MaxConcurrentStreams == 0 {
		cfg.MaxConcurrentStreams = 250
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 120 * time.Second
	}
	if cfg.ReadChunkSize <= 0 {
		cfg.ReadChunkSize = 32 << 10
	}

	s := &Server{
		cfg:      cfg,
		wsRoutes: make(map[string]WSHandler),
	}
	s.h2 = &http2.Server{
		MaxConcurrentStreams: cfg.MaxConcurrentStreams,
		IdleTimeout:          cfg.IdleTimeout,
	}
	s.srv = &http.Server{
		Addr:        cfg.Addr,
		Handler:     http.HandlerFunc(s.serveHTTP),
		IdleTimeout: cfg.IdleTimeout,
	}
	if cfg.TLSConfig != nil {
		tc := cfg.TLSConfig.Clone()
		tc.NextProtos = []string{"h2", "http/1.1"}
		s.srv.TLSConfig = tc
	} else {
		s.srv.Handler = h2c.NewHandler(http.HandlerFunc(s.serveHTTP), s.h2)
	}
	return s
}

// ListenAndServe blocks serving until Close.
func (s *Server) ListenAndServe() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("bridge: server is closed")
	}
	s.mu.Unlock()

	if s.cfg.TLSConfig != nil {
		return s.srv.ListenAndServeTLS("", "")
	}
	return s.srv.ListenAndServe()
}

// Close shuts the server down.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.srv.Close()
}

// Handler returns the bridge as an http.Handler for embedding in an
// existing mux or test server.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// serveHTTP adapts one net/http exchange to the transport contract and
// blocks until the lifecycle commits.
func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if s.maybeUpgrade(w, r) {
		return
	}

	ev := &transport.Events{}
	req := &bridgeRequest{r: r}
	res := newBridgeResponse(w)

	// Feed the body from a separate goroutine; the latch makes arming
	// order irrelevant. The request context doubles as the abort signal.
	done := r.Context().Done()
	go func() {
		buf := make([]byte, s.cfg.ReadChunkSize)
		for {
			n, err := r.Body.Read(buf)
			if n > 0 {
				ev.Push(buf[:n], err == io.EOF)
			}
			if err == io.EOF {
				if n == 0 {
					ev.Push(nil, true)
				}
				return
			}
			if err != nil {
				ev.Abort()
				return
			}
			select {
			case <-done:
				ev.Abort()
				return
			default:
			}
		}
	}()

	s.cfg.Handler(req, res, ev)
	res.waitDone(done, ev)
}

// bridgeRequest adapts *http.Request to transport.Request.
type bridgeRequest struct{ r *http.Request }

func (b *bridgeRequest) Method() string   { return b.r.Method }
func (b *bridgeRequest) Path() string     { return b.r.URL.Path }
func (b *bridgeRequest) RawQuery() string { return b.r.URL.RawQuery }

func (b *bridgeRequest) ForEachHeader(fn func(key, value string)) {
	for k, vs := range b.r.Header {
		for _, v := range vs {
			fn(k, v)
		}
	}
}

// bridgeResponse adapts http.ResponseWriter to transport.Response.
// net/http requires headers before the first body byte, which matches
// the corked write discipline exactly.
type bridgeResponse struct {
	w http.ResponseWriter

	mu          sync.Mutex
	status      int
	headFlushed bool
	ended       bool
	endCh       chan struct{}
}

func newBridgeResponse(w http.ResponseWriter) *bridgeResponse {
	return &bridgeResponse{w: w, status: http.StatusOK, endCh: make(chan struct{})}
}

func (b *bridgeResponse) WriteStatus(code int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = code
}

func (b *bridgeResponse) WriteHeader(key, value string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.headFlushed {
		b.w.Header().Set(key, value)
	}
}

func (b *bridgeResponse) Write(chunk []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ended {
		return fmt.Errorf("bridge: write after end")
	}
	b.flushHeadLocked()
	_, err := b.w.Write(chunk)
	if f, ok := b.w.(http.Flusher); ok {
		f.Flush()
	}
	return err
}

func (b *bridgeResponse) End(data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ended {
		return nil
	}
	b.ended = true
	if !b.headFlushed && data != nil {
		b.w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	}
	b.flushHeadLocked()
	var err error
	if len(data) > 0 {
		_, err = b.w.Write(data)
	}
	close(b.endCh)
	return err
}

// Cork is a no-op pass-through: net/http already buffers the header
// section and releases it atomically on the first body write.
func (b *bridgeResponse) Cork(fn func()) { fn() }

func (b *bridgeResponse) flushHeadLocked() {
	if b.headFlushed {
		return
	}
	b.headFlushed = true
	b.w.WriteHeader(b.status)
}

// waitDone parks the ServeHTTP goroutine until the lifecycle ended the
// response or the client went away. Returning earlier would let net/http
// tear down the ResponseWriter under a still-running pipeline.
func (b *bridgeResponse) waitDone(done <-chan struct{}, ev *transport.Events) {
	select {
	case <-b.endCh:
	case <-done:
		ev.Abort()
		// Give the lifecycle a moment to observe the abort; it commits
		// nothing afterwards either way.
		select {
		case <-b.endCh:
		case <-time.After(100 * time.Millisecond):
			log.Printf("bridge: request torn down before lifecycle settled")
		}
	}
}
