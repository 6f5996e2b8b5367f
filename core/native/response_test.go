//go:build unix

package native

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildHeadWithLength(t *testing.T) {
	r := &response{status: 200, keepAlive: true}
	r.WriteHeader("Content-Type", "text/plain")

	head := string(r.buildHead(5))
	assert.True(t, strings.HasPrefix(head, "HTTP/1.1 200 OK\r\n"))
	assert.Contains(t, head, "Content-Type: text/plain\r\n")
	assert.Contains(t, head, "Content-Length: 5\r\n")
	assert.NotContains(t, head, "Connection: close")
	assert.True(t, strings.HasSuffix(head, "\r\n\r\n"))
}

func TestBuildHeadRespectsCallerLength(t *testing.T) {
	r := &response{status: 200, keepAlive: true}
	r.WriteHeader("Content-Length", "1024")

	head := string(r.buildHead(5))
	assert.Equal(t, 1, strings.Count(head, "Content-Length"))
	assert.Contains(t, head, "Content-Length: 1024\r\n")
}

func TestBuildHeadStreamedOmitsLength(t *testing.T) {
	r := &response{status: 200, keepAlive: false}
	head := string(r.buildHead(-1))
	assert.NotContains(t, head, "Content-Length")
	assert.Contains(t, head, "Connection: close\r\n")
}

func TestBuildHeadStatusText(t *testing.T) {
	r := &response{status: 404, keepAlive: true}
	head := string(r.buildHead(0))
	assert.True(t, strings.HasPrefix(head, "HTTP/1.1 404 Not Found\r\n"))
}
