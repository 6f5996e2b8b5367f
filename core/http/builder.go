package http

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/searchktools/relay/core/transport"
)

// Build snapshots a raw transport request into an owned Context. It runs
// synchronously on request delivery, before any suspension point: the raw
// handle becomes invalid once the transport's event loop resumes.
//
// Header keys are lower-cased. Duplicate query keys resolve last value
// wins. Malformed query pairs are skipped, never fatal.
func Build(req transport.Request, res transport.Response, budget time.Duration) *Context {
	c := NewContext(context.Background(), res, budget)
	c.Method = req.Method()
	c.Path = req.Path()
	c.RawQuery = req.RawQuery()
	c.Query = parsePairs(c.RawQuery)
	c.Params = map[string]string{}
	c.Headers = make(map[string]string, 8)
	req.ForEachHeader(func(key, value string) {
		c.Headers[strings.ToLower(key)] = value
	})
	return c
}

// parsePairs decodes a query or form-encoded string into a flat map with
// percent-decoding. Last value wins on duplicate keys; pairs that fail to
// decode are dropped rather than failing the whole string.
func parsePairs(s string) map[string]string {
	out := map[string]string{}
	for len(s) > 0 {
		pair := s
		if i := strings.IndexByte(pair, '&'); i != -1 {
			pair, s = pair[:i], pair[i+1:]
		} else {
			s = ""
		}
		if pair == "" {
			continue
		}
		key, value := pair, ""
		if i := strings.IndexByte(pair, '='); i != -1 {
			key, value = pair[:i], pair[i+1:]
		}
		k, err := url.QueryUnescape(key)
		if err != nil {
			continue
		}
		v, err := url.QueryUnescape(value)
		if err != nil {
			continue
		}
		out[k] = v
	}
	return out
}
