// Package poller provides the I/O readiness primitive behind the native
// transport: epoll on Linux, kqueue on BSD/macOS.
package poller

// Poller multiplexes readiness events over a set of file descriptors.
type Poller interface {
	Add(fd int) error
	Remove(fd int) error

	// Wait blocks up to timeout milliseconds and returns the readable
	// descriptors. A negative timeout blocks indefinitely.
	Wait(timeout int) ([]int, error)

	Close() error
}
