//go:build linux

package poller

import "golang.org/x/sys/unix"

// epollPoller is the Linux implementation. Level-triggered on purpose: a
// handler that drains partially still gets woken again. EPOLLRDHUP makes
// peer shutdown visible as readability, so disconnects surface as a zero
// read instead of going unnoticed.
type epollPoller struct {
	epfd   int
	events []unix.EpollEvent
}

// New creates a Poller.
func New() (Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epollPoller{
		epfd:   epfd,
		events: make([]unix.EpollEvent, 1024),
	}, nil
}

func (p *epollPoller) Add(fd int) error {
	ev := unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLRDHUP,
		Fd:     int32(fd),
	}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

func (p *epollPoller) Remove(fd int) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (p *epollPoller) Wait(timeout int) ([]int, error) {
	n, err := unix.EpollWait(p.epfd, p.events, timeout)
	if err != nil && err != unix.EINTR {
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}
	fds := make([]int, 0, n)
	for i := 0; i < n; i++ {
		fds = append(fds, int(p.events[i].Fd))
	}
	return fds, nil
}

func (p *epollPoller) Close() error {
	return unix.Close(p.epfd)
}
