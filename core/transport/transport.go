// Package transport defines the capability contract between the request
// lifecycle engine and the underlying event-driven HTTP engine.
//
// Any transport that can expose request accessors, corked response writes
// and synchronously armable body/abort signals can drive the engine: the
// in-tree providers are the native epoll engine (core/native), the
// net/http bridge (core/bridge) and the in-memory loopback used by tests.
package transport

// Request is the read side of a raw inbound request.
//
// Accessors are only valid during the synchronous delivery turn. A
// transport may recycle the backing storage once the handler yields back
// to its event loop, so callers must snapshot whatever they need first.
type Request interface {
	Method() string
	Path() string
	RawQuery() string

	// ForEachHeader enumerates every request header. Keys are reported
	// with their original casing; normalization is the caller's job.
	ForEachHeader(fn func(key, value string))
}

// Response is the write side of a request. A transport commits a response
// through exactly one End call; Write is only used between a flushed
// header section and End for streamed bodies.
type Response interface {
	WriteStatus(code int)
	WriteHeader(key, value string)

	// Write sends one body chunk on an already started response.
	Write(chunk []byte) error

	// End flushes any pending status/headers and terminates the response.
	// data may be nil when the body was already streamed via Write.
	End(data []byte) error

	// Cork batches every write issued inside fn into a single flush so
	// header and body bytes never interleave with other writes.
	Cork(fn func())
}

// Stream carries the request's lifecycle signals.
//
// Both callbacks must be armable in the same synchronous turn as request
// delivery: a transport must never drop a data chunk or an abort that
// fires before the handler had a chance to attach. Events provides that
// latching behavior for implementations.
type Stream interface {
	// OnData attaches the body-chunk callback. last marks the final chunk;
	// it fires exactly once, with an empty chunk for bodiless requests.
	OnData(fn func(chunk []byte, last bool))

	// OnAborted attaches the client-disconnect callback. It fires at most
	// once; arming after the abort already happened invokes fn immediately.
	OnAborted(fn func())
}

// Handler receives one raw request per invocation. It must arm the stream
// callbacks it needs before its first suspension point.
type Handler func(req Request, res Response, strm Stream)

// Listener is the shared-socket capability used by the scaling manager.
// Export and Attach migrate the listening descriptor between execution
// units; both ends then accept on the same port.
type Listener interface {
	Bind(addr string) error
	Export() (fd int, err error)
	Attach(fd int) error
	Close() error
}
