package http

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/searchktools/relay/core/transport"
)

// DefaultBodyLimit is the body-size ceiling when none is configured.
const DefaultBodyLimit = 4 << 20

// Ingestor consumes body-data events into a bounded accumulator and
// decodes the result by content type.
type Ingestor struct {
	// Limit is the body-size ceiling in bytes. Zero means DefaultBodyLimit.
	Limit int64
}

// Ingest suspends the caller until the body is fully read, the client
// aborts, the request's wall-clock budget elapses, or the size ceiling is
// exceeded.
//
// Conventionally bodiless methods short-circuit with an empty body so the
// caller never waits on a data event that may not fire. Otherwise both
// lifecycle signals are armed in the same synchronous turn, so an abort
// racing the subscription is never lost. The returned error is
// ErrBodyTooLarge on a ceiling breach, ErrRequestTimeout when the
// Context's deadline expires mid-body (a stalled sender must not hold the
// request open forever), and nil otherwise: decode failures degrade to a
// raw body with BodyErr recorded, and an abort resolves with an empty
// body and the Context marked aborted. Every path resolves; the caller
// can never be left suspended.
func (g *Ingestor) Ingest(c *Context, strm transport.Stream) error {
	if bodiless(c.Method) {
		return nil
	}

	limit := g.Limit
	if limit <= 0 {
		limit = DefaultBodyLimit
	}
	acc := &accumulator{limit: limit}

	done := make(chan error, 1)
	var once sync.Once
	finish := func(err error) {
		once.Do(func() { done <- err })
	}

	strm.OnAborted(func() {
		c.Abort()
		finish(nil)
	})
	strm.OnData(func(chunk []byte, last bool) {
		if c.IsAborted() {
			return
		}
		if err := acc.append(chunk); err != nil {
			finish(err)
			return
		}
		if last {
			finish(nil)
		}
	})

	select {
	case err := <-done:
		if err != nil {
			return err
		}
	case <-c.Done():
		// The deadline armed at Context creation covers ingestion too.
		if !c.IsAborted() {
			return ErrRequestTimeout
		}
	}
	if c.IsAborted() {
		return nil
	}

	c.Body = acc.concat()
	g.decode(c)
	return nil
}

// decode interprets the body by declared content type. Invalid JSON keeps
// the raw body and records the decode error instead of failing the
// request.
func (g *Ingestor) decode(c *Context) {
	if len(c.Body) == 0 {
		return
	}
	ct := c.Headers["content-type"]
	if i := strings.IndexByte(ct, ';'); i != -1 {
		ct = strings.TrimSpace(ct[:i])
	}
	switch {
	case ct == "application/json" || strings.HasSuffix(ct, "+json"):
		var v any
		if err := json.Unmarshal(c.Body, &v); err != nil {
			c.BodyErr = WrapError(StatusBadRequest, "invalid JSON body", err)
			return
		}
		c.JSONBody = v
	case ct == "application/x-www-form-urlencoded":
		c.Form = parsePairs(string(c.Body))
	}
}

// bodiless reports whether the method conventionally carries no body.
func bodiless(method string) bool {
	switch method {
	case "GET", "HEAD", "OPTIONS", "DELETE", "TRACE", "CONNECT":
		return true
	}
	return false
}

// accumulator keeps ordered body chunks without eager concatenation, so
// an N-chunk body costs one final copy instead of N quadratic ones.
type accumulator struct {
	chunks [][]byte
	size   int64
	limit  int64
	failed bool
}

// append copies one chunk in, re-checking the ceiling first. Once the
// ceiling is breached the accumulator is terminal: no chunk is stored and
// no concatenation ever happens.
func (a *accumulator) append(chunk []byte) error {
	if a.failed {
		return ErrBodyTooLarge
	}
	a.size += int64(len(chunk))
	if a.size > a.limit {
		a.failed = true
		a.chunks = nil
		return ErrBodyTooLarge
	}
	if len(chunk) == 0 {
		return nil
	}
	owned := make([]byte, len(chunk))
	copy(owned, chunk)
	a.chunks = append(a.chunks, owned)
	return nil
}

// concat joins the chunks exactly once.
func (a *accumulator) concat() []byte {
	if len(a.chunks) == 1 {
		return a.chunks[0]
	}
	out := make([]byte, 0, a.size)
	for _, ch := range a.chunks {
		out = append(out, ch...)
	}
	return out
}
