package http

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/searchktools/relay/core/transport"
)

func TestBuildSnapshotsRequestLine(t *testing.T) {
	lb := transport.NewLoopback("GET", "/users/42?q=go&page=2", map[string]string{
		"Content-Type": "application/json",
		"X-Trace":      "abc",
	})

	c := Build(lb.Req, lb.Res, 0)

	assert.Equal(t, "GET", c.Method)
	assert.Equal(t, "/users/42", c.Path)
	assert.Equal(t, "q=go&page=2", c.RawQuery)
	assert.Equal(t, "go", c.Query["q"])
	assert.Equal(t, "2", c.Query["page"])
	assert.NotEmpty(t, c.ID)
}

func TestBuildLowercasesHeaderKeys(t *testing.T) {
	lb := transport.NewLoopback("POST", "/", map[string]string{
		"Content-Type":   "text/plain",
		"X-Custom-Thing": "v",
	})
	c := Build(lb.Req, lb.Res, 0)

	assert.Equal(t, "text/plain", c.Headers["content-type"])
	assert.Equal(t, "v", c.Headers["x-custom-thing"])
}

func TestParsePairsLastValueWins(t *testing.T) {
	m := parsePairs("a=1&a=2&a=3")
	assert.Equal(t, "3", m["a"])
}

func TestParsePairsSkipsMalformed(t *testing.T) {
	m := parsePairs("ok=1&bad=%zz&also=2")
	assert.Equal(t, "1", m["ok"])
	assert.Equal(t, "2", m["also"])
	_, present := m["bad"]
	assert.False(t, present)
}

func TestParsePairsDecodesEscapes(t *testing.T) {
	m := parsePairs("q=hello+world&note=a%26b")
	assert.Equal(t, "hello world", m["q"])
	assert.Equal(t, "a&b", m["note"])
}

func TestParsePairsValuelessKey(t *testing.T) {
	m := parsePairs("flag&x=1")
	v, present := m["flag"]
	assert.True(t, present)
	assert.Equal(t, "", v)
}
