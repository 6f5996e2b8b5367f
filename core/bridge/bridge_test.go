package bridge

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/searchktools/relay/core"
	relayhttp "github.com/searchktools/relay/core/http"
	"github.com/searchktools/relay/core/pipeline"
)

func newTestServer(t *testing.T, opts core.Options, setup func(*core.Server)) (*Server, *httptest.Server) {
	t.Helper()
	srv := core.NewServer(opts)
	if setup != nil {
		setup(srv)
	}
	b := NewServer(Config{Handler: srv.Handle})
	ts := httptest.NewServer(b.Handler())
	t.Cleanup(ts.Close)
	return b, ts
}

func TestEndToEndJSONEcho(t *testing.T) {
	_, ts := newTestServer(t, core.Options{}, func(s *core.Server) {
		s.Use(func(c *relayhttp.Context, next pipeline.Next) error {
			if c.JSONBody == nil {
				return relayhttp.NewError(400, "expected JSON")
			}
			c.JSON(200, map[string]any{"echo": c.JSONBody})
			return nil
		})
	})

	resp, err := http.Post(ts.URL+"/echo", "application/json", strings.NewReader(`{"a":1}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, 200, resp.StatusCode)
	var m map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&m))
	echo, ok := m["echo"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(1), echo["a"])
}

func TestEndToEndMalformedJSONKeepsRawBody(t *testing.T) {
	_, ts := newTestServer(t, core.Options{}, func(s *core.Server) {
		s.Use(func(c *relayhttp.Context, next pipeline.Next) error {
			assert.Nil(t, c.JSONBody)
			assert.Error(t, c.BodyErr)
			c.String(200, string(c.Body))
			return nil
		})
	})

	resp, err := http.Post(ts.URL+"/", "application/json", strings.NewReader(`{a:1}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, `{a:1}`, string(body))
}

func TestEndToEndBodyCeiling(t *testing.T) {
	_, ts := newTestServer(t, core.Options{BodyLimit: 64}, func(s *core.Server) {
		s.Use(func(c *relayhttp.Context, next pipeline.Next) error {
			t.Error("stage must not run for an oversized body")
			return nil
		})
	})

	resp, err := http.Post(ts.URL+"/", "application/octet-stream",
		bytes.NewReader(make([]byte, 1024)))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 413, resp.StatusCode)
}

func TestEndToEndDefaultCommit(t *testing.T) {
	_, ts := newTestServer(t, core.Options{}, func(s *core.Server) {
		s.Use(func(c *relayhttp.Context, next pipeline.Next) error {
			c.SetStatus(204)
			return nil
		})
	})

	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 204, resp.StatusCode)
}

func TestEndToEndStageTimeout(t *testing.T) {
	_, ts := newTestServer(t, core.Options{StageTimeout: 50 * time.Millisecond},
		func(s *core.Server) {
			s.Use(func(c *relayhttp.Context, next pipeline.Next) error {
				time.Sleep(time.Second)
				return nil
			})
		})

	start := time.Now()
	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, 503, resp.StatusCode)
	assert.Less(t, time.Since(start), 900*time.Millisecond)
}

func TestEndToEndErrorShape(t *testing.T) {
	_, ts := newTestServer(t, core.Options{}, func(s *core.Server) {
		s.Use(func(c *relayhttp.Context, next pipeline.Next) error {
			return relayhttp.NewError(403, "forbidden")
		})
	})

	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, 403, resp.StatusCode)
	var m map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&m))
	assert.Equal(t, "forbidden", m["error"])
}

func TestWebSocketUpgradeBypassesPipeline(t *testing.T) {
	srv := core.NewServer(core.Options{})
	srv.Use(func(c *relayhttp.Context, next pipeline.Next) error {
		c.String(200, "http side")
		return nil
	})

	b := NewServer(Config{Handler: srv.Handle})
	b.HandleWS("/ws", func(conn *websocket.Conn) {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		conn.WriteMessage(mt, append([]byte("pong:"), msg...))
	})

	ts := httptest.NewServer(b.Handler())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "pong:ping", string(msg))

	// The same path without an upgrade goes through the pipeline.
	resp, err := http.Get(ts.URL + "/ws")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "http side", string(body))
}
