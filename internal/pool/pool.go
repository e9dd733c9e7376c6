// Package pool provides the bounded worker pool that runs the independent
// steps of one parallel group. Concurrency is capped, each unit carries a
// hard timeout, and one unit's failure never cancels siblings already
// running: groups fail soft internally and the executor fails fast between
// groups.
package pool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// Unit is one independent piece of work.
type Unit struct {
	// Index is the unit's position in the submitting group, used to keep
	// results in input order.
	Index int

	// Name identifies the unit in results and logs.
	Name string

	// Run performs the work, returning an output summary. It must honor
	// ctx cancellation; the pool enforces the hard timeout through it.
	Run func(ctx context.Context) (string, error)
}

// UnitResult is the outcome of one unit.
type UnitResult struct {
	Index      int
	Name       string
	Output     string
	Err        error
	TimedOut   bool
	StartedAt  time.Time
	FinishedAt time.Time
}

// Duration returns the unit's wall-clock run time.
func (r UnitResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Pool runs units with bounded concurrency.
type Pool struct {
	workers int
	timeout time.Duration
}

// New creates a pool. workers must be >= 1; timeout is the hard per-unit
// execution budget.
func New(workers int, timeout time.Duration) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{workers: workers, timeout: timeout}
}

// RunGroup executes all units and blocks until every one has finished,
// returning results in input order. Excess units queue behind the worker
// bound rather than spawning unbounded goroutines. Unit failures are
// captured per-result, never propagated as a group error, so siblings run
// to completion.
func (p *Pool) RunGroup(ctx context.Context, units []Unit) []UnitResult {
	results := make([]UnitResult, len(units))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)

	for i, unit := range units {
		i, unit := i, unit
		g.Go(func() error {
			results[i] = p.runOne(ctx, unit)
			return nil
		})
	}

	_ = g.Wait() // unit errors live in results, never here
	return results
}

// Submit schedules a single unit and returns a channel that yields its
// result when done.
func (p *Pool) Submit(ctx context.Context, unit Unit) <-chan UnitResult {
	out := make(chan UnitResult, 1)
	go func() {
		out <- p.runOne(ctx, unit)
	}()
	return out
}

// runOne executes a unit under the pool's hard timeout.
func (p *Pool) runOne(ctx context.Context, unit Unit) UnitResult {
	result := UnitResult{
		Index:     unit.Index,
		Name:      unit.Name,
		StartedAt: time.Now(),
	}

	unitCtx := ctx
	var cancel context.CancelFunc
	if p.timeout > 0 {
		unitCtx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	output, err := unit.Run(unitCtx)
	result.FinishedAt = time.Now()
	result.Output = output

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(unitCtx.Err(), context.DeadlineExceeded) {
			result.TimedOut = true
			result.Err = fmt.Errorf("unit %q exceeded %s timeout", unit.Name, p.timeout)
		} else {
			result.Err = err
		}
	}

	return result
}
