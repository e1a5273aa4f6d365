package tools

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/runforge/runforge/pkg/models"
)

// DefaultParallelLimit bounds concurrent executions within one parallel
// chunk.
const DefaultParallelLimit = 8

// DefaultCallTimeout bounds a single tool execution unless the tool's
// metadata overrides it.
const DefaultCallTimeout = 2 * time.Minute

// BatchObserver receives batch lifecycle notifications. The loop uses it
// to append tool.batch.* events around execution.
type BatchObserver interface {
	BatchStarted(ctx context.Context, callIDs []string, parallel bool)
	BatchCompleted(ctx context.Context, callIDs []string, failed int)
}

// Scheduler executes a step's validated tool calls: parallelizable calls
// in bounded chunks, everything else serially in proposal order. The
// parallel lane always runs before the serial lane, so read-only calls
// observe state from before the step's mutations.
type Scheduler struct {
	router        *Router
	parallelLimit int64
	callTimeout   time.Duration
}

// NewScheduler creates a Scheduler over the router's registry.
func NewScheduler(router *Router, parallelLimit int, callTimeout time.Duration) *Scheduler {
	if parallelLimit <= 0 {
		parallelLimit = DefaultParallelLimit
	}
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	return &Scheduler{
		router:        router,
		parallelLimit: int64(parallelLimit),
		callTimeout:   callTimeout,
	}
}

// Partition splits calls into the parallel and serial lanes, preserving
// proposal order within each lane. Unknown tools land in the serial lane
// and fail at execution time.
func (s *Scheduler) Partition(calls []Call) (parallel, serial []Call) {
	for _, call := range calls {
		meta, ok := s.router.Get(call.Name)
		if ok && meta.Parallelizable() {
			parallel = append(parallel, call)
		} else {
			serial = append(serial, call)
		}
	}
	return parallel, serial
}

// ExecuteBatch runs all calls of one step and returns results in
// completion order: the whole parallel lane first, then the serial lane.
// Mutating and high-risk calls therefore never surface a result before
// every parallel call of the batch has one. Individual failures become
// error results; the only error returned is context cancellation between
// chunks, with the results completed so far.
func (s *Scheduler) ExecuteBatch(ctx context.Context, calls []Call, obs BatchObserver) ([]Result, error) {
	if len(calls) == 0 {
		return nil, nil
	}

	ids := make([]string, len(calls))
	for i, c := range calls {
		ids[i] = c.ID
	}

	parallel, serial := s.Partition(calls)
	if obs != nil {
		obs.BatchStarted(ctx, ids, len(parallel) > 0)
	}

	var results []Result

	parallelResults, err := s.runParallel(ctx, parallel)
	results = append(results, parallelResults...)
	if err == nil {
		serialResults, serr := s.runSerial(ctx, serial)
		results = append(results, serialResults...)
		err = serr
	}

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	if obs != nil {
		obs.BatchCompleted(ctx, ids, failed)
	}
	return results, err
}

// runParallel executes the parallel lane in chunks of parallelLimit.
// Cancellation is honored between chunks; calls already in flight run to
// their own timeout.
func (s *Scheduler) runParallel(ctx context.Context, calls []Call) ([]Result, error) {
	var results []Result
	for start := 0; start < len(calls); start += int(s.parallelLimit) {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		end := min(start+int(s.parallelLimit), len(calls))
		chunk := calls[start:end]

		sem := semaphore.NewWeighted(s.parallelLimit)
		chunkResults := make([]Result, len(chunk))
		var wg sync.WaitGroup
		for i, call := range chunk {
			if err := sem.Acquire(ctx, 1); err != nil {
				// Record the rest as cancelled and stop.
				for j := i; j < len(chunk); j++ {
					chunkResults[j] = cancelledResult(chunk[j])
				}
				wg.Wait()
				return append(results, chunkResults...), err
			}
			wg.Add(1)
			go func(i int, call Call) {
				defer wg.Done()
				defer sem.Release(1)
				chunkResults[i] = s.runOne(ctx, call)
			}(i, call)
		}
		wg.Wait()
		results = append(results, chunkResults...)
	}
	return results, nil
}

// runSerial executes the serial lane one call at a time in proposal
// order.
func (s *Scheduler) runSerial(ctx context.Context, calls []Call) ([]Result, error) {
	var results []Result
	for _, call := range calls {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		results = append(results, s.runOne(ctx, call))
	}
	return results, nil
}

// runOne executes a single call under its timeout. Timeouts and handler
// failures become coded error results, never panics up the stack.
func (s *Scheduler) runOne(ctx context.Context, call Call) Result {
	timeout := s.callTimeout
	if meta, ok := s.router.Get(call.Name); ok && meta.Timeout > 0 {
		timeout = meta.Timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	output, err := s.router.Execute(callCtx, call)
	duration := time.Since(started)

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && callCtx.Err() != nil {
			err = models.NewCodedError(models.CodeTimeout,
				"tool %s timed out after %s", call.Name, timeout)
		}
		var coded *models.CodedError
		if !errors.As(err, &coded) {
			err = models.NewCodedError(models.CodeToolError,
				"tool %s failed: %v", call.Name, err)
		}
		slog.Warn("tool call failed",
			"tool", call.Name, "tool_call_id", call.ID,
			"duration", duration, "error", err)
	}

	return Result{
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Output:     output,
		Err:        err,
		Duration:   duration,
	}
}

func cancelledResult(call Call) Result {
	return Result{
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Err: models.NewCodedError(models.CodeTimeout,
			"tool %s cancelled before execution", call.Name),
	}
}
