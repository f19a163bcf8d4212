package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunRespectsResultOrdering(t *testing.T) {
	tasks := make([]Task, 5)
	for i := range tasks {
		i := i
		tasks[i] = Task{
			Index: i,
			Progress: func(ctx context.Context, report func(int)) (interface{}, error) {
				time.Sleep(time.Duration(5-i) * time.Millisecond)
				return i * 10, nil
			},
		}
	}

	results := Run(context.Background(), tasks, 2, nil)
	for i, r := range results {
		if r.Index != i {
			t.Errorf("expected result %d to be at position %d, got index %d", i, i, r.Index)
		}
		if r.Value.(int) != i*10 {
			t.Errorf("expected value %d at position %d, got %v", i*10, i, r.Value)
		}
	}
}

func TestRunBoundsConcurrency(t *testing.T) {
	var current, max int32
	tasks := make([]Task, 10)
	for i := range tasks {
		tasks[i] = Task{
			Index: i,
			Progress: func(ctx context.Context, report func(int)) (interface{}, error) {
				n := atomic.AddInt32(&current, 1)
				for {
					m := atomic.LoadInt32(&max)
					if n <= m || atomic.CompareAndSwapInt32(&max, m, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&current, -1)
				return nil, nil
			},
		}
	}

	Run(context.Background(), tasks, 3, nil)
	if max > 3 {
		t.Errorf("expected at most 3 concurrent tasks, observed %d", max)
	}
}

func TestRunOneFailureDoesNotAbortSiblings(t *testing.T) {
	tasks := []Task{
		{Index: 0, Progress: func(ctx context.Context, report func(int)) (interface{}, error) {
			return nil, fmt.Errorf("boom")
		}},
		{Index: 1, Progress: func(ctx context.Context, report func(int)) (interface{}, error) {
			return "ok", nil
		}},
	}

	results := Run(context.Background(), tasks, 2, nil)
	if results[0].Err == nil {
		t.Error("expected task 0 to fail")
	}
	if results[1].Err != nil || results[1].Value != "ok" {
		t.Errorf("expected task 1 to succeed independently, got %+v", results[1])
	}
}

func TestSucceededRequiresEveryTaskUsable(t *testing.T) {
	ok := []Result{{Index: 0, Value: "clip"}, {Index: 1, Value: "fallback-image"}}
	if !Succeeded(ok) {
		t.Error("expected all-usable results to succeed")
	}

	bad := []Result{{Index: 0, Value: "clip"}, {Index: 1, Err: fmt.Errorf("no fallback")}}
	if Succeeded(bad) {
		t.Error("expected a task with no usable value to fail the aggregate")
	}
}

func TestOverallPercentClipPhaseWindow(t *testing.T) {
	cases := []struct {
		completed, total, want int
	}{
		{0, 10, 10},
		{5, 10, 40},
		{10, 10, 70},
	}
	for _, c := range cases {
		got := OverallPercent(c.completed, c.total)
		if got != c.want {
			t.Errorf("OverallPercent(%d,%d) = %d, want %d", c.completed, c.total, got, c.want)
		}
	}
}

func TestRunHonorsProgressAggregation(t *testing.T) {
	reports := make(map[int]int)
	tasks := []Task{
		{Index: 0, Progress: func(ctx context.Context, report func(int)) (interface{}, error) {
			report(50)
			report(100)
			return nil, nil
		}},
	}

	Run(context.Background(), tasks, 1, func(index, percent int) {
		reports[index] = percent
	})

	if reports[0] != 100 {
		t.Errorf("expected final progress report of 100, got %d", reports[0])
	}
}
