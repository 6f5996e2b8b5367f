package transport

import (
	"bytes"
	"strings"
	"sync"
)

// Loopback is an in-memory transport for tests and examples. It records
// everything the engine writes and lets the caller feed body chunks and
// aborts through the embedded Events latch, in any order relative to the
// handler invocation.
type Loopback struct {
	Events

	Req *LoopbackRequest
	Res *LoopbackResponse
}

// NewLoopback builds a loopback exchange. target may carry a query string.
func NewLoopback(method, target string, headers map[string]string) *Loopback {
	path, rawQuery := target, ""
	if i := strings.IndexByte(target, '?'); i != -1 {
		path, rawQuery = target[:i], target[i+1:]
	}
	req := &LoopbackRequest{method: method, path: path, rawQuery: rawQuery}
	for k, v := range headers {
		req.headers = append(req.headers, [2]string{k, v})
	}
	return &Loopback{Req: req, Res: &LoopbackResponse{}}
}

// LoopbackRequest implements Request from literal values.
type LoopbackRequest struct {
	method   string
	path     string
	rawQuery string
	headers  [][2]string
}

func (r *LoopbackRequest) Method() string   { return r.method }
func (r *LoopbackRequest) Path() string     { return r.path }
func (r *LoopbackRequest) RawQuery() string { return r.rawQuery }

func (r *LoopbackRequest) ForEachHeader(fn func(key, value string)) {
	for _, h := range r.headers {
		fn(h[0], h[1])
	}
}

// LoopbackResponse implements Response and records every primitive call,
// so tests can assert the at-most-once End invariant directly.
type LoopbackResponse struct {
	mu sync.Mutex

	Status  int
	Headers map[string]string
	Body    bytes.Buffer

	WriteCalls int
	EndCalls   int
}

func (r *LoopbackResponse) WriteStatus(code int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Status = code
}

func (r *LoopbackResponse) WriteHeader(key, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Headers == nil {
		r.Headers = make(map[string]string)
	}
	r.Headers[key] = value
}

func (r *LoopbackResponse) Write(chunk []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.WriteCalls++
	r.Body.Write(chunk)
	return nil
}

func (r *LoopbackResponse) End(data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.EndCalls++
	if data != nil {
		r.Body.Write(data)
	}
	return nil
}

// Cork runs fn directly: the loopback has no wire to batch for, but it
// keeps the corked call shape transports rely on.
func (r *LoopbackResponse) Cork(fn func()) { fn() }

// BodyBytes returns a copy of everything written so far.
func (r *LoopbackResponse) BodyBytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]byte, r.Body.Len())
	copy(out, r.Body.Bytes())
	return out
}
