package pipeline

import (
	"encoding/json"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/searchktools/relay/core/http"
	"github.com/searchktools/relay/core/transport"
)

func newRunContext(t *testing.T) (*http.Context, *transport.Loopback) {
	t.Helper()
	lb := transport.NewLoopback("GET", "/", nil)
	return http.Build(lb.Req, lb.Res, 0), lb
}

func TestOnionOrdering(t *testing.T) {
	var order []string
	p := New(Options{})
	p.Use(func(c *http.Context, next Next) error {
		order = append(order, "A-pre")
		err := next()
		order = append(order, "A-post")
		return err
	})
	p.Use(func(c *http.Context, next Next) error {
		order = append(order, "B-pre")
		err := next()
		order = append(order, "B-post")
		return err
	})
	p.Use(func(c *http.Context, next Next) error {
		order = append(order, "handler")
		c.SetStatus(200)
		return nil
	})

	c, _ := newRunContext(t)
	p.Run(c)

	assert.Equal(t, []string{"A-pre", "B-pre", "handler", "B-post", "A-post"}, order)
}

func TestDefaultCommitWithoutExplicitSend(t *testing.T) {
	p := New(Options{})
	p.Use(func(c *http.Context, next Next) error {
		c.SetStatus(204)
		return nil
	})

	c, lb := newRunContext(t)
	p.Run(c)

	assert.True(t, c.IsCommitted())
	assert.Equal(t, 204, lb.Res.Status)
	assert.Equal(t, 1, lb.Res.EndCalls)
}

func TestStageErrorReachesErrorStage(t *testing.T) {
	var seen *http.Error
	p := New(Options{})
	p.UseError(func(c *http.Context, err *http.Error) {
		seen = err
	})
	p.Use(func(c *http.Context, next Next) error {
		return http.NewError(418, "teapot")
	})

	c, lb := newRunContext(t)
	p.Run(c)

	require.NotNil(t, seen)
	assert.Equal(t, 418, seen.Status)
	assert.Equal(t, 418, lb.Res.Status)
	assert.Equal(t, 1, lb.Res.EndCalls)
}

func TestPlainErrorNormalizedTo500(t *testing.T) {
	p := New(Options{})
	p.Use(func(c *http.Context, next Next) error {
		return errors.New("db down")
	})

	c, lb := newRunContext(t)
	p.Run(c)

	assert.Equal(t, http.StatusInternalError, lb.Res.Status)
	var m map[string]any
	require.NoError(t, json.Unmarshal(lb.Res.BodyBytes(), &m))
	// Production shape: no internal detail leaks.
	_, hasDetail := m["detail"]
	assert.False(t, hasDetail)
}

func TestStageTimeoutCommits503AndSkipsDownstream(t *testing.T) {
	downstream := false
	release := make(chan struct{})
	p := New(Options{StageTimeout: 20 * time.Millisecond})
	p.Use(func(c *http.Context, next Next) error {
		<-release
		return next()
	})
	p.Use(func(c *http.Context, next Next) error {
		downstream = true
		return nil
	})

	c, lb := newRunContext(t)
	p.Run(c)
	close(release)

	assert.Equal(t, http.StatusServiceUnavailable, lb.Res.Status)
	assert.Equal(t, 1, lb.Res.EndCalls)
	assert.False(t, downstream)
}

func TestLateStageWritesAreSuppressedAfterTimeout(t *testing.T) {
	release := make(chan struct{})
	finished := make(chan struct{})
	p := New(Options{StageTimeout: 20 * time.Millisecond})
	p.Use(func(c *http.Context, next Next) error {
		<-release
		// The stage is still running after the 503; this must go nowhere.
		c.String(200, "too late")
		close(finished)
		return nil
	})

	c, lb := newRunContext(t)
	p.Run(c)
	close(release)
	<-finished

	assert.Equal(t, http.StatusServiceUnavailable, lb.Res.Status)
	assert.Equal(t, 1, lb.Res.EndCalls)
	assert.NotContains(t, string(lb.Res.BodyBytes()), "too late")
}

func TestTimedOutStageKeepsMutatingDraft(t *testing.T) {
	// The abandoned stage hammers the draft while the watchdog commits
	// the 503 from the timer goroutine. Run under -race; the wire must
	// still see exactly one response.
	stop := make(chan struct{})
	finished := make(chan struct{})
	p := New(Options{StageTimeout: 10 * time.Millisecond})
	p.Use(func(c *http.Context, next Next) error {
		defer close(finished)
		for i := 0; ; i++ {
			select {
			case <-stop:
				return nil
			default:
			}
			c.SetHeader("X-Spin", strconv.Itoa(i))
			c.SetStatus(200)
		}
	})

	c, lb := newRunContext(t)
	p.Run(c)
	close(stop)
	<-finished

	assert.Equal(t, http.StatusServiceUnavailable, lb.Res.Status)
	assert.Equal(t, 1, lb.Res.EndCalls)
}

func TestRequestTimeoutCommits408(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	p := New(Options{RequestTimeout: 20 * time.Millisecond})
	p.Use(func(c *http.Context, next Next) error {
		select {
		case <-release:
		case <-c.Done():
		}
		return nil
	})

	c, lb := newRunContext(t)
	p.Run(c)

	assert.Equal(t, http.StatusRequestTimeout, lb.Res.Status)
	assert.Equal(t, 1, lb.Res.EndCalls)
	assert.True(t, c.IsAborted())
}

func TestPanicBecomesError(t *testing.T) {
	p := New(Options{})
	p.Use(func(c *http.Context, next Next) error {
		panic("boom")
	})

	c, lb := newRunContext(t)
	p.Run(c)

	assert.Equal(t, http.StatusInternalError, lb.Res.Status)
	assert.Equal(t, 1, lb.Res.EndCalls)
}

func TestAbortedRequestCommitsNothing(t *testing.T) {
	p := New(Options{})
	p.Use(func(c *http.Context, next Next) error {
		c.Abort()
		return next()
	})
	p.Use(func(c *http.Context, next Next) error {
		t.Fatal("downstream must not run after abort")
		return nil
	})

	c, lb := newRunContext(t)
	p.Run(c)

	assert.Equal(t, 0, lb.Res.EndCalls)
	assert.Equal(t, 0, lb.Res.WriteCalls)
}

func TestUsePanicsAfterFreeze(t *testing.T) {
	p := New(Options{})
	p.Use(func(c *http.Context, next Next) error { return nil })

	c, _ := newRunContext(t)
	p.Run(c)

	assert.Panics(t, func() {
		p.Use(func(c *http.Context, next Next) error { return nil })
	})
}

func TestMetricsCounters(t *testing.T) {
	m := NopMetrics()
	p := New(Options{Metrics: m})
	p.Use(func(c *http.Context, next Next) error {
		c.SetStatus(200)
		return nil
	})
	c, _ := newRunContext(t)
	p.Run(c)
	assert.True(t, c.IsCommitted())
}
