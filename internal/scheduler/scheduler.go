// Package scheduler implements the bounded-concurrency fan-out driver (C6)
// shared by the Clip Generator and any other N-parallel step. It
// generalizes the teacher's per-service semaphore pattern
// (withSemaphore + errgroup.WithContext) into a reusable Run over an
// arbitrary task list.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"
)

// CancelGrace bounds how long Run waits for in-flight tasks to unwind after
// the context is cancelled before returning a partial result.
const CancelGrace = 30 * time.Second

// Task is one unit of scheduled work, identified by its scene/item index.
// Progress reports a scalar 0..100; the caller decides what that maps to.
type Task struct {
	Index    int
	Progress func(ctx context.Context, report func(percent int)) (interface{}, error)
}

// Result pairs a task's outcome with its originating index, since
// completion order is not guaranteed.
type Result struct {
	Index int
	Value interface{}
	Err   error
}

// AggregateFunc receives each per-task percent update as it happens; the
// caller folds it into an overall progress model (e.g. the 10+60*N clip
// phase window).
type AggregateFunc func(index, percent int)

// Run executes tasks with at most concurrency in flight. It returns one
// Result per task, ordered by Index regardless of completion order. A
// task's failure does not cancel its siblings; Run only aborts early if
// ctx itself is cancelled, in which case it waits at most CancelGrace for
// in-flight tasks before returning whatever results are in.
func Run(ctx context.Context, tasks []Task, concurrency int, onProgress AggregateFunc) []Result {
	if concurrency < 1 {
		concurrency = 1
	}

	results := make([]Result, len(tasks))
	sem := make(chan struct{}, concurrency)

	g, gctx := errgroup.WithContext(ctx)
	for _, task := range tasks {
		task := task
		g.Go(func() error {
			select {
			case sem <- struct{}{}:
			case <-gctx.Done():
				results[task.Index] = Result{Index: task.Index, Err: fmt.Errorf("scheduler: cancelled before start: %w", gctx.Err())}
				return nil
			}
			defer func() { <-sem }()

			report := func(percent int) {
				if onProgress != nil {
					onProgress(task.Index, percent)
				}
			}

			value, err := task.Progress(gctx, report)
			if err != nil {
				log.Printf("[scheduler] task %d failed: %v", task.Index, err)
			}
			results[task.Index] = Result{Index: task.Index, Value: value, Err: err}
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		g.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		select {
		case <-done:
		case <-time.After(CancelGrace):
			log.Printf("[scheduler] cancel grace period elapsed, returning partial results")
		}
	}

	return results
}

// Succeeded reports whether every result produced a usable value — the
// aggregate succeeds iff every task produced either a clip path or an
// explicit fallback value, per spec's fan-out completion contract.
func Succeeded(results []Result) bool {
	for _, r := range results {
		if r.Err != nil && r.Value == nil {
			return false
		}
	}
	return true
}

// OverallPercent computes the clip-phase window's overall percent from a
// completed-count, per spec's "10 + round(60 * completed/N)".
func OverallPercent(completed, total int) int {
	if total == 0 {
		return 10
	}
	return 10 + int(round(60*float64(completed)/float64(total)))
}

func round(f float64) float64 {
	if f < 0 {
		return float64(int(f - 0.5))
	}
	return float64(int(f + 0.5))
}
