//go:build unix

package native

import (
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/searchktools/relay/core/transport"
)

// connPair attaches one end of a socketpair to an engine and hands the
// other end back as the client.
func connPair(t *testing.T, e *Engine) (*conn, *os.File) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)

	require.NoError(t, e.AttachConn(fds[0]))

	e.mu.RLock()
	c := e.conns[fds[0]]
	e.mu.RUnlock()
	require.NotNil(t, c)

	client := os.NewFile(uintptr(fds[1]), "client")
	t.Cleanup(func() { client.Close() })
	return c, client
}

func TestEarlyResponseWithUnreadBodyClosesConn(t *testing.T) {
	// The handler answers before consuming the body. Reusing the
	// connection would parse the unread remainder as the next request
	// head, so the response must arrive with the connection closed.
	e, err := NewEngine(func(req transport.Request, res transport.Response, strm transport.Stream) {
		res.End([]byte("done"))
	}, Options{})
	require.NoError(t, err)
	defer e.Close()

	c, client := connPair(t, e)

	_, err = client.Write([]byte("POST / HTTP/1.1\r\nContent-Length: 64\r\n\r\npartial"))
	require.NoError(t, err)

	// Deliver the readable event the loop would have.
	c.onReadable()

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	raw, err := io.ReadAll(client)
	require.NoError(t, err, "connection must reach EOF, not stay open")

	got := string(raw)
	assert.True(t, strings.HasPrefix(got, "HTTP/1.1 200 OK\r\n"))
	assert.Contains(t, got, "done")

	require.Eventually(t, func() bool {
		e.mu.RLock()
		_, live := e.conns[c.fd]
		e.mu.RUnlock()
		return !live
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFullyReadBodyKeepsConnAlive(t *testing.T) {
	e, err := NewEngine(func(req transport.Request, res transport.Response, strm transport.Stream) {
		res.End([]byte("ok"))
	}, Options{})
	require.NoError(t, err)
	defer e.Close()

	c, client := connPair(t, e)

	_, err = client.Write([]byte("POST / HTTP/1.1\r\nContent-Length: 4\r\n\r\nbody"))
	require.NoError(t, err)
	c.onReadable()

	buf := make([]byte, 512)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := client.Read(buf)
	require.NoError(t, err)
	assert.NotContains(t, string(buf[:n]), "Connection: close")

	e.mu.RLock()
	_, live := e.conns[c.fd]
	e.mu.RUnlock()
	assert.True(t, live)
}
