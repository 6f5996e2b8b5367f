//go:build unix

package native

import (
	"fmt"
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

// Listen opens a nonblocking listening socket. With reusePort set,
// multiple worker processes bind the same port and the kernel spreads
// accepted connections across them; that is the whole scaling story in
// process mode.
func Listen(addr string, reusePort bool) (int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return -1, fmt.Errorf("native: bad listen address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return -1, fmt.Errorf("native: bad port %q: %w", portStr, err)
	}

	ip := net.IPv4zero
	if host != "" {
		ip = net.ParseIP(host)
		if ip == nil || ip.To4() == nil {
			return -1, fmt.Errorf("native: bad IPv4 listen host %q", host)
		}
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if reusePort {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
			unix.Close(fd)
			return -1, err
		}
	}

	sa := &unix.SockaddrInet4{Port: port}
	copy(sa.Addr[:], ip.To4())
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}
