// Package pipeline composes registered stages into an onion-execution
// chain: each stage wraps everything downstream of it and runs code both
// before and after the inner chain settles.
package pipeline

import (
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/searchktools/relay/core/http"
)

// Next yields control to the next stage and returns once the entire
// downstream chain has settled.
type Next func() error

// Stage is one middleware layer. Returning an error propagates it upward
// through the Next calls to the error handler.
type Stage func(c *http.Context, next Next) error

// ErrorStage receives errors that escaped the chain. It should draft or
// commit a response; if it commits nothing the default error commit runs.
type ErrorStage func(c *http.Context, err *http.Error)

// Options configures a Pipeline.
type Options struct {
	// StageTimeout is the budget for one stage invocation including
	// everything it awaits through Next. Zero disables the race.
	StageTimeout time.Duration

	// RequestTimeout is the wall-clock budget from Context creation to
	// commit. Zero disables it.
	RequestTimeout time.Duration

	// DevMode includes error causes in error bodies. Production keeps
	// internal detail out of client responses.
	DevMode bool

	Metrics *Metrics
}

// Pipeline runs an immutable stage list. Registration happens at startup;
// Run freezes the list on first use and every request after that sees the
// identical order.
type Pipeline struct {
	stages   []Stage
	errStage ErrorStage
	opts     Options
	frozen   atomic.Bool
}

// New creates an empty pipeline.
func New(opts Options) *Pipeline {
	if opts.Metrics == nil {
		opts.Metrics = NopMetrics()
	}
	return &Pipeline{opts: opts}
}

// Use appends a stage. Panics once the pipeline started serving: the
// stage list is fixed at registration and identical for every request.
func (p *Pipeline) Use(s Stage) *Pipeline {
	if p.frozen.Load() {
		panic("pipeline: Use after server start")
	}
	p.stages = append(p.stages, s)
	return p
}

// UseError registers the designated error-handling stage.
func (p *Pipeline) UseError(s ErrorStage) *Pipeline {
	if p.frozen.Load() {
		panic("pipeline: UseError after server start")
	}
	p.errStage = s
	return p
}

// Len returns the number of registered stages.
func (p *Pipeline) Len() int { return len(p.stages) }

// Run executes the chain for one request and guarantees exactly one
// response commit on every path: normal completion, stage error, stage
// timeout, request timeout, or abort (where commitment is suppressed
// entirely).
//
// Cancellation is advisory. A stage already mid-flight when a timeout
// fires is not interrupted; only its effects are suppressed, because
// every commit path checks the committed/aborted flags first.
func (p *Pipeline) Run(c *http.Context) {
	p.frozen.Store(true)
	m := p.opts.Metrics
	start := time.Now()

	// The wall-clock budget starts at Context creation, not at pipeline
	// entry: when the Context carries a deadline, only the remainder is
	// left for the stages.
	budget := p.opts.RequestTimeout
	if deadline, ok := c.Deadline(); ok {
		budget = time.Until(deadline)
		if budget <= 0 {
			budget = time.Nanosecond
		}
	}

	var reqTimer *time.Timer
	if budget > 0 {
		reqTimer = time.AfterFunc(budget, func() {
			if c.CommitError(http.ErrRequestTimeout, false) {
				m.RequestTimeouts.Inc(1)
			}
			// Aborting after the forced commit suppresses any still
			// pending stage the moment it reaches a write.
			c.Abort()
		})
	}

	err := p.exec(c, 0)

	if reqTimer != nil {
		reqTimer.Stop()
	}

	if err != nil && !c.IsCommitted() && !c.IsAborted() {
		m.Errors.Inc(1)
		he := http.AsError(err)
		if p.errStage != nil {
			p.errStage(c, he)
		}
		if !c.IsCommitted() {
			c.CommitError(he, p.opts.DevMode)
		}
	}

	// Default commit: "assign response then fall through" authoring style
	// needs no explicit send call.
	if !c.IsCommitted() && !c.IsAborted() {
		c.Commit()
	}

	m.Requests.UpdateSince(start)
	if c.IsAborted() {
		m.Aborted.Inc(1)
	} else {
		m.Committed.Inc(1)
	}
}

// exec runs stage i with the stage budget racing it. The stage's Next
// capability recurses into i+1, so the budget covers the stage's own work
// plus everything it awaits downstream.
func (p *Pipeline) exec(c *http.Context, i int) error {
	if i >= len(p.stages) || c.IsCommitted() || c.IsAborted() {
		return nil
	}
	stage := p.stages[i]
	next := func() error { return p.exec(c, i+1) }

	if p.opts.StageTimeout <= 0 {
		return callStage(stage, c, next)
	}

	done := make(chan error, 1)
	go func() { done <- callStage(stage, c, next) }()

	timer := time.NewTimer(p.opts.StageTimeout)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		// Budget exceeded: the branch is handled, not errored. The stage
		// goroutine keeps running; its late writes land on the committed
		// flag and go nowhere.
		p.opts.Metrics.StageTimeouts.Inc(1)
		c.CommitError(http.ErrStageTimeout, false)
		return nil
	}
}

// callStage invokes one stage with panic containment, so a panicking
// handler degrades to a pipeline error instead of tearing down the
// worker.
func callStage(s Stage, c *http.Context, next Next) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("stage panic recovered: %v", r)
			err = fmt.Errorf("stage panic: %v", r)
		}
	}()
	return s(c, next)
}
