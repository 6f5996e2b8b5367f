// Package core is the request lifecycle engine: it turns raw transport
// callbacks into a structured, cancellable, middleware-composable
// request flow with exactly-once response commitment.
package core

import (
	"log"
	"time"

	"github.com/rcrowley/go-metrics"

	"github.com/searchktools/relay/core/http"
	"github.com/searchktools/relay/core/pipeline"
	"github.com/searchktools/relay/core/transport"
)

// Options configures a lifecycle Server.
type Options struct {
	// BodyLimit is the ingestion ceiling in bytes. Zero means the
	// ingestor default.
	BodyLimit int64

	// StageTimeout and RequestTimeout are the two pipeline budgets.
	StageTimeout   time.Duration
	RequestTimeout time.Duration

	// DevMode exposes error causes in responses. Keep off in production.
	DevMode bool

	// Registry receives the per-worker metrics. Nil disables metrics.
	Registry metrics.Registry
}

// Server drives one worker's request lifecycle: snapshot, ingest, run
// the pipeline, commit once, tear down. Its Handle method is the
// transport.Handler given to whichever transport hosts the worker.
type Server struct {
	opts     Options
	ingestor *http.Ingestor
	pipe     *pipeline.Pipeline
	metrics  *pipeline.Metrics
}

// NewServer creates a lifecycle server. Register stages before the first
// request; the stage list freezes when serving starts.
func NewServer(opts Options) *Server {
	m := pipeline.NopMetrics()
	if opts.Registry != nil {
		m = pipeline.NewMetrics(opts.Registry)
	}
	return &Server{
		opts:     opts,
		ingestor: &http.Ingestor{Limit: opts.BodyLimit},
		pipe: pipeline.New(pipeline.Options{
			StageTimeout:   opts.StageTimeout,
			RequestTimeout: opts.RequestTimeout,
			DevMode:        opts.DevMode,
			Metrics:        m,
		}),
		metrics: m,
	}
}

// Use appends a middleware stage.
func (s *Server) Use(stage pipeline.Stage) *Server {
	s.pipe.Use(stage)
	return s
}

// UseError registers the designated error-handling stage.
func (s *Server) UseError(stage pipeline.ErrorStage) *Server {
	s.pipe.UseError(stage)
	return s
}

// Handle is the transport callback. It builds the Context synchronously
// (the raw request handle dies when this turn yields), suspends on body
// ingestion, then runs the pipeline. Exactly one commit happens on every
// path except client abort, where commitment is suppressed entirely.
func (s *Server) Handle(req transport.Request, res transport.Response, strm transport.Stream) {
	c := http.Build(req, res, s.opts.RequestTimeout)

	if err := s.ingestor.Ingest(c, strm); err != nil {
		he := http.AsError(err)
		switch he {
		case http.ErrBodyTooLarge:
			// Oversized bodies never reach application stages.
			s.metrics.BodyTooLarge.Inc(1)
			c.CommitError(he, false)
		case http.ErrRequestTimeout:
			// Budget elapsed while the body was still arriving: commit the
			// 408, then abort so any late data events go nowhere.
			s.metrics.RequestTimeouts.Inc(1)
			c.CommitError(he, false)
			c.Abort()
		default:
			c.CommitError(he, false)
		}
		return
	}
	if c.IsAborted() {
		// Client went away during ingestion; nothing to write, nothing
		// to run. Not an error, not logged as one.
		s.metrics.Aborted.Inc(1)
		c.Release()
		return
	}
	if c.BodyErr != nil {
		log.Printf("body decode degraded to raw for %s %s: %v", c.Method, c.Path, c.BodyErr)
	}

	s.pipe.Run(c)
}
