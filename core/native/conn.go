//go:build unix

package native

import (
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	chttp "github.com/searchktools/relay/core/http"
	"github.com/searchktools/relay/core/transport"
)

// ErrConnClosed is returned by response writes once the peer is gone.
var ErrConnClosed = errors.New("connection closed")

// conn is one accepted connection. The event loop owns the read side;
// response writes come in from handler goroutines and are serialized by
// writeMu.
type conn struct {
	fd  int
	eng *Engine

	readBuf []byte
	readOff int

	// Body delivery state for the in-flight request.
	inBody        bool
	bodyRemaining int64
	events        *transport.Events

	writeMu sync.Mutex
	closed  bool

	lastActive time.Time
	processing atomic.Bool
}

// rawRequest adapts a parsed head to transport.Request. Only valid during
// the delivery turn, like every transport request handle.
type rawRequest struct{ h *head }

func (r *rawRequest) Method() string   { return r.h.method }
func (r *rawRequest) Path() string     { return r.h.path }
func (r *rawRequest) RawQuery() string { return r.h.rawQuery }

func (r *rawRequest) ForEachHeader(fn func(key, value string)) {
	for _, kv := range r.h.headers {
		fn(kv[0], kv[1])
	}
}

// onReadable runs on the event loop whenever the descriptor is readable.
func (c *conn) onReadable() {
	c.lastActive = time.Now()

	if c.inBody {
		n, ok := c.read(c.readBuf)
		if !ok || n == 0 {
			return
		}
		c.feedBody(c.readBuf[:n])
		return
	}

	if c.readOff == len(c.readBuf) {
		// Head larger than the read buffer: refuse rather than grow
		// without bound.
		c.sendRawError(chttp.StatusBadRequest)
		c.eng.closeConn(c, false)
		return
	}

	n, ok := c.read(c.readBuf[c.readOff:])
	if !ok || n == 0 {
		return
	}
	c.readOff += n

	h, err := parseHead(c.readBuf[:c.readOff])
	if err == errHeadIncomplete {
		return
	}
	if err != nil {
		c.sendRawError(chttp.StatusBadRequest)
		c.eng.closeConn(c, false)
		return
	}
	c.startRequest(h)
}

// read performs one nonblocking read. ok=false means the connection was
// torn down (peer closed or hard error) and the caller must bail out.
func (c *conn) read(buf []byte) (int, bool) {
	n, err := unix.Read(c.fd, buf)
	if err == unix.EAGAIN || err == unix.EINTR {
		return 0, true
	}
	if err != nil || n == 0 {
		c.eng.closeConn(c, true)
		return 0, false
	}
	return n, true
}

// startRequest hands the parsed request to the lifecycle handler on a
// worker goroutine and switches the connection into body delivery. The
// Events latch makes the ordering safe: chunks arriving before the
// handler arms its callbacks are buffered, never lost.
func (c *conn) startRequest(h *head) {
	ev := &transport.Events{}
	resp := &response{c: c, keepAlive: h.keepAlive, status: chttp.StatusOK}
	req := &rawRequest{h: h}

	c.events = ev
	c.bodyRemaining = h.contentLength
	c.inBody = true
	c.processing.Store(true)

	leftover := c.readBuf[h.consumed:c.readOff]
	c.readOff = 0

	c.eng.workers.Submit(func() {
		c.eng.handler(req, resp, ev)
	})

	c.feedBody(leftover)
}

// feedBody pushes body bytes into the in-flight request's stream. Bytes
// beyond the declared Content-Length are dropped; request pipelining is
// not supported, matching the one-request-per-turn connection model.
func (c *conn) feedBody(data []byte) {
	if !c.inBody || c.events == nil {
		return
	}
	take := c.bodyRemaining
	if int64(len(data)) < take {
		take = int64(len(data))
	}
	c.bodyRemaining -= take
	last := c.bodyRemaining == 0
	if last {
		c.inBody = false
	}
	c.events.Push(data[:take], last)
}

// finishRequest is called by the response once it fully flushed. It
// either resets for the next request on this connection or closes it.
func (c *conn) finishRequest(keepAlive bool) {
	if c.inBody {
		// The response completed before the body was fully read (an early
		// 413, say). The unread remainder would be parsed as the next
		// request head, so the connection cannot be reused.
		c.inBody = false
		keepAlive = false
	}
	c.events = nil
	c.processing.Store(false)
	c.lastActive = time.Now()
	if !keepAlive {
		c.eng.closeConn(c, false)
	}
}

// abortInFlight fires the abort signal for a request that was still being
// processed when the connection died.
func (c *conn) abortInFlight() {
	if ev := c.events; ev != nil {
		ev.Abort()
		c.events = nil
	}
}

// writeAll writes b fully, parking on poll(2) when the socket's send
// buffer is full. That poll is this connection's flow control: a slow
// reader stalls only its own request goroutine.
func (c *conn) writeAll(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	for len(b) > 0 {
		if c.closed {
			return ErrConnClosed
		}
		n, err := unix.Write(c.fd, b)
		if n > 0 {
			b = b[n:]
			continue
		}
		switch err {
		case unix.EAGAIN:
			pfds := []unix.PollFd{{Fd: int32(c.fd), Events: unix.POLLOUT}}
			unix.Poll(pfds, 1000)
		case unix.EINTR:
			// retry
		default:
			if err == nil {
				err = ErrConnClosed
			}
			return err
		}
	}
	return nil
}

// sendRawError emits a minimal error response outside the lifecycle,
// for protocol violations that never produce a Context.
func (c *conn) sendRawError(status int) {
	c.writeAll([]byte("HTTP/1.1 " + strconv.Itoa(status) + " " +
		chttp.StatusText(status) + "\r\nContent-Length: 0\r\nConnection: close\r\n\r\n"))
}

// response implements transport.Response on a conn. Corked writes collect
// into one buffer and hit the socket in a single flush, so a streamed
// header frame never interleaves with body chunks from the same request.
type response struct {
	c         *conn
	keepAlive bool
	status    int

	headers     [][2]string
	headWritten bool
	ended       bool

	corkDepth     int
	corkBuf       []byte
	finishPending bool
}

func (r *response) WriteStatus(code int) { r.status = code }

func (r *response) WriteHeader(key, value string) {
	r.headers = append(r.headers, [2]string{key, value})
}

func (r *response) Write(chunk []byte) error {
	if r.ended {
		return ErrConnClosed
	}
	if !r.headWritten {
		r.emit(r.buildHead(-1))
		r.headWritten = true
	}
	return r.emit(chunk)
}

func (r *response) End(data []byte) error {
	if r.ended {
		return nil
	}
	r.ended = true
	if !r.headWritten {
		r.emit(r.buildHead(len(data)))
		r.headWritten = true
	}
	if len(data) > 0 {
		r.emit(data)
	}
	r.finishPending = true
	if r.corkDepth == 0 {
		return r.flush()
	}
	return nil
}

func (r *response) Cork(fn func()) {
	r.corkDepth++
	fn()
	r.corkDepth--
	if r.corkDepth == 0 {
		r.flush()
	}
}

// emit appends to the cork buffer or writes through when uncorked.
func (r *response) emit(b []byte) error {
	if r.corkDepth > 0 {
		r.corkBuf = append(r.corkBuf, b...)
		return nil
	}
	return r.c.writeAll(b)
}

func (r *response) flush() error {
	var err error
	if len(r.corkBuf) > 0 {
		err = r.c.writeAll(r.corkBuf)
		r.corkBuf = nil
	}
	if r.finishPending {
		r.finishPending = false
		r.c.finishRequest(r.keepAlive && err == nil)
	}
	return err
}

// buildHead frames the status line and headers. contentLength >= 0 adds
// a Content-Length when the caller did not set one; -1 means the body
// length is unknown to the transport (streamed with caller-set framing).
func (r *response) buildHead(contentLength int) []byte {
	b := make([]byte, 0, 256)
	b = append(b, "HTTP/1.1 "...)
	b = strconv.AppendInt(b, int64(r.status), 10)
	b = append(b, ' ')
	b = append(b, chttp.StatusText(r.status)...)
	b = append(b, "\r\n"...)

	haveLength := false
	for _, kv := range r.headers {
		if strings.EqualFold(kv[0], "Content-Length") {
			haveLength = true
		}
		b = append(b, kv[0]...)
		b = append(b, ": "...)
		b = append(b, kv[1]...)
		b = append(b, "\r\n"...)
	}
	if !haveLength && contentLength >= 0 {
		b = append(b, "Content-Length: "...)
		b = strconv.AppendInt(b, int64(contentLength), 10)
		b = append(b, "\r\n"...)
	}
	if !r.keepAlive {
		b = append(b, "Connection: close\r\n"...)
	}
	return append(b, "\r\n"...)
}
