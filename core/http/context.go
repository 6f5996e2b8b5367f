package http

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	uuid "github.com/satori/go.uuid"

	"github.com/searchktools/relay/core/transport"
)

// Context is the per-request state container threading through the
// pipeline. The request snapshot fields are populated once by the builder
// (Body and its decoded views by the ingestor) and treated as immutable
// afterwards; the response draft is mutated by stages until commit.
//
// The embedded context.Context carries the request deadline and is
// canceled on abort, so stages doing real I/O can bail out cooperatively.
type Context struct {
	context.Context

	// Request snapshot, owned by the Context. Valid after the transport
	// handle itself is long gone.
	ID       string
	Method   string
	Path     string
	RawQuery string
	Query    map[string]string
	Params   map[string]string
	Headers  map[string]string

	// Body views, populated by the ingestor.
	Body     []byte
	JSONBody any
	Form     map[string]string
	BodyErr  error

	// Response draft and transport link. mu guards both: a timeout
	// watchdog can commit from another goroutine while an abandoned stage
	// is still mutating the draft, and cancellation is advisory, so that
	// overlap is a supported state, not a bug in the caller.
	mu          sync.Mutex
	status      int
	respHeaders map[string]string
	respBody    []byte
	res         transport.Response

	cancel context.CancelFunc

	aborted   atomic.Bool
	committed atomic.Bool
	ended     atomic.Bool
}

// NewContext wraps a transport response and an already built snapshot.
// Construction happens synchronously on request delivery; see Build. The
// request's wall-clock budget starts here, not at pipeline entry.
func NewContext(parent context.Context, res transport.Response, budget time.Duration) *Context {
	c := &Context{
		Context:     parent,
		ID:          uuid.NewV4().String(),
		res:         res,
		status:      StatusOK,
		respHeaders: make(map[string]string, 4),
	}
	if budget > 0 {
		c.Context, c.cancel = context.WithTimeout(parent, budget)
	} else {
		c.Context, c.cancel = context.WithCancel(parent)
	}
	return c
}

// Abort marks the request as client-disconnected. Idempotent: only the
// first call has any effect. No transport write is attempted afterwards.
func (c *Context) Abort() {
	if !c.aborted.CompareAndSwap(false, true) {
		return
	}
	if c.cancel != nil {
		c.cancel()
	}
}

// IsAborted reports whether the client went away.
func (c *Context) IsAborted() bool { return c.aborted.Load() }

// IsCommitted reports whether a response commit has started.
func (c *Context) IsCommitted() bool { return c.committed.Load() }

// SetStatus sets the draft status code. No-op once committed.
func (c *Context) SetStatus(code int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.committed.Load() {
		return
	}
	c.status = code
}

// Status returns the draft status code.
func (c *Context) Status() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// SetHeader sets a draft response header. No-op once committed.
func (c *Context) SetHeader(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.committed.Load() {
		return
	}
	c.respHeaders[key] = value
}

// SetBody replaces the draft response body. No-op once committed.
func (c *Context) SetBody(contentType string, body []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.committed.Load() {
		return
	}
	c.respHeaders["Content-Type"] = contentType
	c.respBody = body
}

// String drafts a plain-text response and commits it.
func (c *Context) String(code int, s string) bool {
	c.SetStatus(code)
	c.SetBody("text/plain; charset=utf-8", []byte(s))
	return c.Commit()
}

// JSON drafts a JSON response and commits it.
func (c *Context) JSON(code int, v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		return c.CommitError(WrapError(StatusInternalError, "response encoding failed", err), false)
	}
	c.SetStatus(code)
	c.SetBody("application/json", data)
	return c.Commit()
}

// Commit writes the draft response in one corked flush. It succeeds at
// most once per Context: the first caller wins, every later call is a
// no-op, and an aborted Context never touches the transport. The draft is
// snapshotted under the lock, so a stage still writing to it when the
// commit fires can no longer reach the wire. The Context is released
// either way.
func (c *Context) Commit() bool {
	if !c.committed.CompareAndSwap(false, true) {
		return false
	}
	if c.aborted.Load() || !c.ended.CompareAndSwap(false, true) {
		c.release()
		return false
	}

	c.mu.Lock()
	res := c.res
	status := c.status
	body := c.respBody
	headers := make(map[string]string, len(c.respHeaders)+1)
	for k, v := range c.respHeaders {
		headers[k] = v
	}
	c.mu.Unlock()

	res.Cork(func() {
		res.WriteStatus(status)
		if _, ok := headers["Content-Type"]; !ok && len(body) > 0 {
			res.WriteHeader("Content-Type", "text/plain; charset=utf-8")
		}
		for k, v := range headers {
			res.WriteHeader(k, v)
		}
		res.WriteHeader("Content-Length", strconv.Itoa(len(body)))
		res.End(body)
	})
	c.release()
	return true
}

// CommitError commits a structured JSON error body. includeDetail gates
// whether the underlying cause is exposed; production runs keep it off so
// internal detail never leaks to clients.
func (c *Context) CommitError(e *Error, includeDetail bool) bool {
	body := map[string]any{
		"status": e.Status,
		"error":  e.Message,
	}
	if includeDetail && e.Err != nil {
		body["detail"] = e.Err.Error()
	}
	data, _ := json.Marshal(body)
	c.SetStatus(e.Status)
	c.SetBody("application/json", data)
	return c.Commit()
}

// StartStream claims the commit slot and flushes status plus headers in
// one corked write, without ending the response. It returns false when
// the Context was already committed or aborted; the caller then owns
// nothing and must not write.
func (c *Context) StartStream(code int, headers map[string]string) bool {
	if !c.committed.CompareAndSwap(false, true) {
		return false
	}
	if c.aborted.Load() {
		c.release()
		return false
	}
	res := c.transportRes()
	res.Cork(func() {
		res.WriteStatus(code)
		for k, v := range headers {
			res.WriteHeader(k, v)
		}
	})
	return true
}

// StreamChunk writes one body chunk on a started stream. Returns false
// once the client aborted; callers stop their read loop on that.
func (c *Context) StreamChunk(chunk []byte) bool {
	if c.aborted.Load() {
		return false
	}
	if err := c.transportRes().Write(chunk); err != nil {
		c.Abort()
		return false
	}
	return true
}

// EndStream terminates a started stream. Safe to call once per Context;
// an aborted stream is left to the transport's teardown instead.
func (c *Context) EndStream() {
	if c.aborted.Load() || !c.ended.CompareAndSwap(false, true) {
		return
	}
	c.transportRes().End(nil)
	c.release()
}

// Release severs the transport link after teardown of an uncommitted
// request (abort mid-stream, ingest abort). Commit paths release on their
// own.
func (c *Context) Release() { c.release() }

// transportRes reads the transport link under the lock, so a release
// racing a late stream write swaps in the nop response atomically.
func (c *Context) transportRes() transport.Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.res
}

// release severs the transport link and drops the response draft. The
// request snapshot (Body and friends) stays readable: abandoned stages
// may still be looking at it.
func (c *Context) release() {
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	c.res = nopResponse{}
	c.respBody = nil
	c.mu.Unlock()
}

// nopResponse absorbs writes from released contexts. A late stage that
// slipped past the flag checks lands here instead of on the wire.
type nopResponse struct{}

func (nopResponse) WriteStatus(int)            {}
func (nopResponse) WriteHeader(string, string) {}
func (nopResponse) Write([]byte) error         { return nil }
func (nopResponse) End([]byte) error           { return nil }
func (nopResponse) Cork(fn func())             { fn() }
