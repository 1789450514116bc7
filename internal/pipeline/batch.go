package pipeline

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Job names one input file and where its masked copy goes.
type Job struct {
	Input  string
	Output string
}

// BatchCounters tracks batch progress. Counters are updated by the worker
// goroutines and may be read while the batch runs.
type BatchCounters struct {
	Started   atomic.Uint64
	Completed atomic.Uint64
	Degraded  atomic.Uint64
	Failed    atomic.Uint64
}

// BatchResult holds one Result per job, in job order.
type BatchResult struct {
	Results  []*Result
	Counters *BatchCounters
}

// RunBatch processes jobs with at most workers files in flight. A failed
// file does not stop the others; the returned error summarizes failures.
// Cancelling ctx stops jobs that have not started yet.
func (e *Executor) RunBatch(ctx context.Context, jobs []Job, workers int) (*BatchResult, error) {
	return e.RunBatchWith(ctx, jobs, workers, &BatchCounters{})
}

// RunBatchWith is RunBatch with caller-owned counters.
func (e *Executor) RunBatchWith(ctx context.Context, jobs []Job, workers int, counters *BatchCounters) (*BatchResult, error) {
	if workers <= 0 {
		workers = 1
	}
	out := &BatchResult{Results: make([]*Result, len(jobs)), Counters: counters}

	var g errgroup.Group
	g.SetLimit(workers)
	for i, job := range jobs {
		if ctx.Err() != nil {
			out.Results[i] = &Result{Input: job.Input, Output: job.Output, State: StateNotStarted, Err: ctx.Err()}
			counters.Failed.Add(1)
			continue
		}
		g.Go(func() error {
			counters.Started.Add(1)
			res, err := e.Process(ctx, job.Input, job.Output)
			out.Results[i] = res
			switch {
			case err != nil:
				counters.Failed.Add(1)
			case res.FallbackUsed:
				counters.Degraded.Add(1)
				counters.Completed.Add(1)
			default:
				counters.Completed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, r := range out.Results {
		if r.Err != nil {
			failed++
		}
	}
	if failed > 0 {
		return out, fmt.Errorf("%d of %d files failed", failed, len(jobs))
	}
	return out, nil
}
