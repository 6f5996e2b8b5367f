package app

import (
	"strings"

	"github.com/searchktools/relay/core/http"
	"github.com/searchktools/relay/core/pipeline"
)

// HandlerFunc is a route endpoint running inside the pipeline.
type HandlerFunc func(c *http.Context) error

// Router matches method and path segments, with :name parameter
// capture, and dispatches to registered handlers. It is the innermost
// pipeline stage: unmatched requests get a 404 draft and still unwind
// through the outer stages normally.
type Router struct {
	routes map[string][]route
}

type route struct {
	segments []string
	handler  HandlerFunc
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{routes: make(map[string][]route)}
}

func (rt *Router) Handle(method, path string, h HandlerFunc) {
	segs := splitPath(path)
	rt.routes[method] = append(rt.routes[method], route{segments: segs, handler: h})
}

func (rt *Router) GET(path string, h HandlerFunc)    { rt.Handle("GET", path, h) }
func (rt *Router) POST(path string, h HandlerFunc)   { rt.Handle("POST", path, h) }
func (rt *Router) PUT(path string, h HandlerFunc)    { rt.Handle("PUT", path, h) }
func (rt *Router) DELETE(path string, h HandlerFunc) { rt.Handle("DELETE", path, h) }

// Stage adapts the router into a pipeline stage. Matching fills
// c.Params before the handler runs.
func (rt *Router) Stage() pipeline.Stage {
	return func(c *http.Context, next pipeline.Next) error {
		h, params := rt.match(c.Method, c.Path)
		if h == nil {
			c.SetStatus(http.StatusNotFound)
			c.SetBody("text/plain", []byte("Not Found"))
			return next()
		}
		if params != nil {
			c.Params = params
		}
		return h(c)
	}
}

func (rt *Router) match(method, path string) (HandlerFunc, map[string]string) {
	segs := splitPath(path)
	for _, r := range rt.routes[method] {
		if len(r.segments) != len(segs) {
			continue
		}
		var params map[string]string
		ok := true
		for i, pat := range r.segments {
			if strings.HasPrefix(pat, ":") {
				if params == nil {
					params = make(map[string]string)
				}
				params[pat[1:]] = segs[i]
				continue
			}
			if pat != segs[i] {
				ok = false
				break
			}
		}
		if ok {
			return r.handler, params
		}
	}
	return nil, nil
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}
