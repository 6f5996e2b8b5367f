package transport

import "sync"

// Events is a latching implementation of Stream shared by the in-tree
// transports. Chunks pushed before OnData is armed are buffered and
// replayed on arming; an abort that fires before OnAborted is armed is
// remembered and delivered immediately on arming. This closes the race
// where a client disconnects between request delivery and subscription.
type Events struct {
	mu sync.Mutex

	dataFn  func(chunk []byte, last bool)
	abortFn func()

	pending     [][]byte
	pendingLast bool
	havePending bool

	aborted        bool
	abortDelivered bool
}

// OnData implements Stream. Buffered chunks are replayed synchronously.
func (e *Events) OnData(fn func(chunk []byte, last bool)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dataFn = fn
	if !e.havePending {
		return
	}
	pending, last := e.pending, e.pendingLast
	e.pending, e.havePending, e.pendingLast = nil, false, false
	for i, chunk := range pending {
		fn(chunk, last && i == len(pending)-1)
	}
	if last && len(pending) == 0 {
		fn(nil, true)
	}
}

// OnAborted implements Stream.
func (e *Events) OnAborted(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.abortFn = fn
	if e.aborted && !e.abortDelivered {
		e.abortDelivered = true
		fn()
	}
}

// Push delivers one body chunk. The chunk is copied when it has to be
// buffered, since transports recycle their read buffers.
func (e *Events) Push(chunk []byte, last bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.aborted {
		return
	}
	if e.dataFn != nil {
		e.dataFn(chunk, last)
		return
	}
	if len(chunk) > 0 {
		owned := make([]byte, len(chunk))
		copy(owned, chunk)
		e.pending = append(e.pending, owned)
	}
	e.havePending = true
	e.pendingLast = e.pendingLast || last
}

// Abort signals client disconnect. Calling it more than once has no
// additional effect.
func (e *Events) Abort() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.aborted {
		return
	}
	e.aborted = true
	if e.abortFn != nil {
		e.abortDelivered = true
		e.abortFn()
	}
}

// Aborted reports whether Abort has been called.
func (e *Events) Aborted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.aborted
}
