//go:build unix

// Package native is the in-tree event-driven HTTP/1.1 transport: a
// nonblocking accept/read loop multiplexed by epoll or kqueue, feeding
// raw requests to a transport.Handler. Request processing itself runs on
// worker-pool goroutines so the loop never blocks on a handler.
package native

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/searchktools/relay/core/poller"
	"github.com/searchktools/relay/core/pools"
	"github.com/searchktools/relay/core/transport"
)

// Options tunes an Engine.
type Options struct {
	// Workers bounds the request-processing goroutines. <= 0 means NumCPU.
	Workers int

	// ReadBufferSize is the per-connection read buffer. Zero means 8 KiB;
	// a request head must fit in it.
	ReadBufferSize int

	// IdleTimeout reaps keepalive connections with no traffic. Zero means
	// 60 seconds.
	IdleTimeout time.Duration

	// ReusePort binds with SO_REUSEPORT so sibling worker processes can
	// share the port.
	ReusePort bool
}

// Engine drives connections for one worker. It implements
// transport.Listener so the scaling manager can migrate its descriptor.
type Engine struct {
	handler transport.Handler
	opts    Options

	pl poller.Poller

	mu        sync.RWMutex
	conns     map[int]*conn
	listeners map[int]struct{}

	bufPool *pools.BytePool
	workers *pools.WorkerPool

	closed atomic.Bool
}

// NewEngine creates an engine delivering requests to h.
func NewEngine(h transport.Handler, opts Options) (*Engine, error) {
	pl, err := poller.New()
	if err != nil {
		return nil, err
	}
	if opts.ReadBufferSize <= 0 {
		opts.ReadBufferSize = 8192
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 60 * time.Second
	}
	return &Engine{
		handler:   h,
		opts:      opts,
		pl:        pl,
		conns:     make(map[int]*conn, 1024),
		listeners: make(map[int]struct{}, 1),
		bufPool:   pools.NewBytePool(),
		workers:   pools.NewWorkerPool(opts.Workers),
	}, nil
}

// Bind opens a listening socket on addr and registers it.
func (e *Engine) Bind(addr string) error {
	fd, err := Listen(addr, e.opts.ReusePort)
	if err != nil {
		return err
	}
	return e.Attach(fd)
}

// Export duplicates the listening descriptor for migration to another
// execution unit.
func (e *Engine) Export() (int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for fd := range e.listeners {
		return unix.Dup(fd)
	}
	return -1, unix.EBADF
}

// Attach adopts an already bound listening descriptor, the other half of
// descriptor migration.
func (e *Engine) Attach(fd int) error {
	if err := unix.SetNonblock(fd, true); err != nil {
		return err
	}
	e.mu.Lock()
	e.listeners[fd] = struct{}{}
	e.mu.Unlock()
	return e.pl.Add(fd)
}

// AttachConn adopts one accepted connection. Thread-mode workers receive
// their traffic this way: the primary accepts, the worker serves.
func (e *Engine) AttachConn(fd int) error {
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return err
	}
	unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	return e.registerConn(fd)
}

// Serve runs the event loop until Close.
func (e *Engine) Serve() error {
	go e.reapIdle()

	for {
		fds, err := e.pl.Wait(100)
		if e.closed.Load() {
			return nil
		}
		if err != nil {
			log.Printf("native: poller wait: %v", err)
			continue
		}
		for _, fd := range fds {
			if e.isListener(fd) {
				e.accept(fd)
				continue
			}
			e.mu.RLock()
			c, ok := e.conns[fd]
			e.mu.RUnlock()
			if ok {
				c.onReadable()
			}
		}
	}
}

// Close tears the engine down: listeners, connections, poller, workers.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.mu.Lock()
	for fd := range e.listeners {
		unix.Close(fd)
	}
	e.listeners = map[int]struct{}{}
	conns := make([]*conn, 0, len(e.conns))
	for _, c := range e.conns {
		conns = append(conns, c)
	}
	e.mu.Unlock()

	for _, c := range conns {
		e.closeConn(c, true)
	}
	e.workers.Close()
	return e.pl.Close()
}

func (e *Engine) isListener(fd int) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.listeners[fd]
	return ok
}

// accept drains the pending backlog on a listener.
func (e *Engine) accept(lfd int) {
	for {
		nfd, _, err := unix.Accept(lfd)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				return
			}
			log.Printf("native: accept: %v", err)
			return
		}
		if err := unix.SetNonblock(nfd, true); err != nil {
			unix.Close(nfd)
			continue
		}
		unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
		unix.SetsockoptInt(nfd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)
		if err := e.registerConn(nfd); err != nil {
			unix.Close(nfd)
		}
	}
}

func (e *Engine) registerConn(fd int) error {
	c := &conn{
		fd:         fd,
		eng:        e,
		readBuf:    e.bufPool.Get(e.opts.ReadBufferSize),
		lastActive: time.Now(),
	}
	e.mu.Lock()
	e.conns[fd] = c
	e.mu.Unlock()

	if err := e.pl.Add(fd); err != nil {
		e.mu.Lock()
		delete(e.conns, fd)
		e.mu.Unlock()
		return err
	}
	return nil
}

// closeConn removes the connection everywhere exactly once. abort=true
// fires the in-flight request's abort signal first, so a lifecycle
// waiting on body data resolves instead of hanging.
func (e *Engine) closeConn(c *conn, abort bool) {
	e.mu.Lock()
	if _, ok := e.conns[c.fd]; !ok {
		e.mu.Unlock()
		return
	}
	delete(e.conns, c.fd)
	e.mu.Unlock()

	if abort {
		c.abortInFlight()
	}

	e.pl.Remove(c.fd)

	c.writeMu.Lock()
	c.closed = true
	unix.Close(c.fd)
	c.writeMu.Unlock()

	if c.readBuf != nil {
		e.bufPool.Put(c.readBuf)
		c.readBuf = nil
	}
}

// reapIdle closes keepalive connections that sat quiet past the idle
// budget. In-flight requests are spared.
func (e *Engine) reapIdle() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for range ticker.C {
		if e.closed.Load() {
			return
		}
		cutoff := time.Now().Add(-e.opts.IdleTimeout)

		e.mu.RLock()
		var stale []*conn
		for _, c := range e.conns {
			if !c.processing.Load() && c.lastActive.Before(cutoff) {
				stale = append(stale, c)
			}
		}
		e.mu.RUnlock()

		for _, c := range stale {
			e.closeConn(c, false)
		}
	}
}
