package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/lo"
	"golang.org/x/sync/semaphore"

	"github.com/aristath/nworlds/internal/events"
	"github.com/aristath/nworlds/internal/log"
	"github.com/aristath/nworlds/internal/sandbox"
)

// cleanupTimeout bounds sandbox cleanup after a task, which runs detached from
// the batch context.
const cleanupTimeout = 2 * time.Minute

// Pool runs batches of tasks, each in its own sandbox, with bounded
// concurrency. A pool may serve several batches at once; they share its slots.
type Pool struct {
	config Config
	slots  *semaphore.Weighted
	ins    *instruments
	logger log.Logger

	held      atomic.Int64 // Slots currently acquired
	active    atomic.Int64 // Sandboxes created and not yet cleaned up
	abandoned sync.WaitGroup
}

// New creates a pool.
func New(cfg Config) (*Pool, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid pool config: %w", err)
	}

	return &Pool{
		config: cfg,
		slots:  semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		ins:    newInstruments(cfg.Logger),
		logger: cfg.Logger,
	}, nil
}

// Stats returns the current pool usage. Safe to call while batches run.
func (p *Pool) Stats() Stats {
	return Stats{
		ActiveSandboxes: int(p.active.Load()),
		AvailableSlots:  p.config.MaxConcurrency - int(p.held.Load()),
		MaxConcurrency:  p.config.MaxConcurrency,
	}
}

// Wait blocks until the sandboxes of handlers abandoned after their grace
// period have been cleaned up.
func (p *Pool) Wait() {
	p.abandoned.Wait()
}

// ExecuteParallel runs every task through handler and returns one result per
// task, in submission order. Task failures are reported in the results; an
// error is only returned when the batch could not be started, or together
// with the results when ctx was cancelled.
func (p *Pool) ExecuteParallel(ctx context.Context, tasks []Task, handler Handler) (*BatchResult, error) {
	if err := validate(tasks, handler); err != nil {
		return nil, err
	}

	batchID := ulid.Make().String()
	logger := p.logger.WithCtxValues(ctx).WithValues(log.Kv{"batch": batchID})
	logger.Debugf("Executing %d tasks, max concurrency %d", len(tasks), p.config.MaxConcurrency)

	batchCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	b := &batch{
		pool:    p,
		id:      batchID,
		exec:    events.ExecutionID(ctx),
		ctx:     batchCtx,
		cancel:  cancel,
		handler: handler,
		logger:  logger,
		results: make([]TaskResult, len(tasks)),
	}

	start := time.Now()
	var wg sync.WaitGroup
	for i, task := range tasks {
		// Acquire may succeed on a done context, so check again after.
		if err := p.slots.Acquire(batchCtx, 1); err != nil {
			b.skip(tasks, i)
			break
		}
		if batchCtx.Err() != nil {
			p.slots.Release(1)
			b.skip(tasks, i)
			break
		}
		p.held.Add(1)
		p.ins.inflight.Add(ctx, 1)

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				p.ins.inflight.Add(context.WithoutCancel(ctx), -1)
				p.held.Add(-1)
				p.slots.Release(1)
			}()
			b.results[i] = b.run(i, task)
		}()
	}
	wg.Wait()

	res := aggregate(batchID, b.results, time.Since(start))
	logger.Infof("Batch finished: %d/%d succeeded, %d failed, %d timed out, %d cancelled in %s",
		res.Succeeded, res.Total, res.Failed, res.TimedOut, res.Cancelled, res.WallTime.Round(time.Millisecond))

	p.config.Bus.Publish(events.TopicTask, events.BatchFinishedEvent{
		ExecutionID: b.exec,
		BatchID:     batchID,
		Total:       res.Total,
		Succeeded:   res.Succeeded,
		Failed:      res.Failed,
		TimedOut:    res.TimedOut,
		Cancelled:   res.Cancelled,
		WallTime:    res.WallTime,
		Timestamp:   time.Now(),
	})

	if err := ctx.Err(); err != nil {
		return res, err
	}
	return res, nil
}

func validate(tasks []Task, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("%w: no handler", ErrInvalidBatch)
	}
	seen := make(map[string]bool, len(tasks))
	for i, t := range tasks {
		if t.ID == "" {
			return fmt.Errorf("%w: task %d has no id", ErrInvalidBatch, i)
		}
		if seen[t.ID] {
			return fmt.Errorf("%w: duplicate task id %q", ErrInvalidBatch, t.ID)
		}
		seen[t.ID] = true
	}
	return nil
}

// batch is the state of one ExecuteParallel call.
type batch struct {
	pool    *Pool
	id      string
	exec    string
	ctx     context.Context
	cancel  context.CancelCauseFunc
	handler Handler
	logger  log.Logger
	results []TaskResult
}

type handlerResult struct {
	value any
	err   error
}

// skip marks every task from index on as cancelled without running it.
func (b *batch) skip(tasks []Task, from int) {
	cause := context.Cause(b.ctx)
	for j := from; j < len(tasks); j++ {
		b.results[j] = TaskResult{
			Index:   j,
			TaskID:  tasks[j].ID,
			Outcome: OutcomeCancelled,
			Err:     fmt.Errorf("%w before start: %w", ErrTaskCancelled, cause),
		}
		b.finish(tasks[j], &b.results[j])
	}
}

// run executes one task in its own sandbox. It always returns a result. res
// is named so the deferred finish step is part of what the caller gets.
func (b *batch) run(index int, task Task) (res TaskResult) {
	p := b.pool
	res = TaskResult{Index: index, TaskID: task.ID, Started: time.Now()}
	logger := b.logger.WithValues(log.Kv{"task": task.ID})

	defer func() {
		res.Duration = time.Since(res.Started)
		b.finish(task, &res)
	}()

	if b.ctx.Err() != nil {
		b.interrupted(&res, b.ctx)
		return res
	}

	info, err := p.config.Sandboxes.Create(b.ctx, task.ID)
	if err != nil {
		if b.ctx.Err() != nil {
			b.interrupted(&res, b.ctx)
			return res
		}
		b.failed(&res, fmt.Errorf("creating sandbox: %w", err))
		return res
	}
	p.active.Add(1)
	res.SandboxID = info.ID
	res.SandboxPath = info.Path

	p.config.Bus.Publish(events.TopicSandbox, events.SandboxCreatedEvent{
		ID:        task.ID,
		SandboxID: info.ID,
		Path:      info.Path,
		Timestamp: time.Now(),
	})
	p.config.Bus.Publish(events.TopicTask, events.TaskStartedEvent{
		ExecutionID: b.exec,
		BatchID:     b.id,
		ID:          task.ID,
		SandboxID:   info.ID,
		Timestamp:   res.Started,
	})

	if p.config.Watcher != nil {
		if err := p.config.Watcher.Watch(*info); err != nil {
			logger.Debugf("Activity tracking unavailable: %v", err)
		}
	}

	var (
		taskCtx    context.Context
		cancelTask context.CancelFunc
	)
	if p.config.TimeoutPerTask > 0 {
		taskCtx, cancelTask = context.WithTimeoutCause(b.ctx, p.config.TimeoutPerTask, ErrTaskTimeout)
	} else {
		taskCtx, cancelTask = context.WithCancel(b.ctx)
	}
	defer cancelTask()

	done := make(chan handlerResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- handlerResult{err: fmt.Errorf("%w: %v", ErrHandlerPanic, r)}
			}
		}()
		v, err := b.handler.Run(taskCtx, *info, task)
		done <- handlerResult{value: v, err: err}
	}()

	select {
	case hr := <-done:
		switch {
		case hr.err == nil:
			res.Outcome = OutcomeSuccess
			res.Value = hr.value
		case taskCtx.Err() != nil:
			b.interrupted(&res, taskCtx)
		case errors.Is(hr.err, ErrHandlerPanic):
			logger.Errorf("Handler panicked: %v", hr.err)
			b.failed(&res, hr.err)
		default:
			b.failed(&res, fmt.Errorf("%w: %w", ErrHandlerFailure, hr.err))
		}
		b.cleanup(task, info)

	case <-taskCtx.Done():
		b.interrupted(&res, taskCtx)

		grace := time.NewTimer(p.config.CancelGracePeriod)
		defer grace.Stop()
		select {
		case <-done:
			b.cleanup(task, info)
		case <-grace.C:
			// The sandbox stays owned until the handler actually returns.
			logger.Warningf("Handler did not return within %s of cancellation, abandoning it", p.config.CancelGracePeriod)
			p.abandoned.Add(1)
			go func() {
				defer p.abandoned.Done()
				<-done
				b.cleanup(task, info)
			}()
		}
	}

	return res
}

// interrupted marks res as timed out or cancelled depending on why ctx ended.
func (b *batch) interrupted(res *TaskResult, ctx context.Context) {
	cause := context.Cause(ctx)
	if errors.Is(cause, ErrTaskTimeout) {
		res.Outcome = OutcomeTimedOut
		res.Err = fmt.Errorf("%w after %s", ErrTaskTimeout, b.pool.config.TimeoutPerTask)
		return
	}
	res.Outcome = OutcomeCancelled
	res.Err = fmt.Errorf("%w: %w", ErrTaskCancelled, cause)
}

func (b *batch) failed(res *TaskResult, err error) {
	res.Outcome = OutcomeFailure
	res.Value = nil
	res.Err = err
	if b.pool.config.FailFast {
		b.cancel(fmt.Errorf("%w: task %q: %w", ErrFailFast, res.TaskID, err))
	}
}

// finish records and publishes the final state of a task.
func (b *batch) finish(task Task, res *TaskResult) {
	if res.Err != nil {
		res.Error = res.Err.Error()
	}
	if !res.Started.IsZero() {
		b.pool.ins.record(context.WithoutCancel(b.ctx), task, res.Outcome, res.Duration)
	}
	if res.Outcome != OutcomeSuccess {
		b.logger.Debugf("Task %q %s: %v", task.ID, res.Outcome, res.Err)
	}

	b.pool.config.Bus.Publish(events.TopicTask, events.TaskFinishedEvent{
		ExecutionID: b.exec,
		BatchID:     b.id,
		ID:          task.ID,
		Index:       res.Index,
		Outcome:     res.Outcome.String(),
		Err:         res.Error,
		Duration:    res.Duration,
		SandboxPath: res.SandboxPath,
		Timestamp:   time.Now(),
	})
}

// cleanup removes or releases the sandbox of a finished task. Failures are
// logged only; the sandbox then shows up in the next scan.
func (b *batch) cleanup(task Task, info *sandbox.Info) {
	p := b.pool
	defer p.active.Add(-1)

	if p.config.Watcher != nil {
		p.config.Watcher.Unwatch(info.ID)
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(b.ctx), cleanupTimeout)
	defer cancel()

	var err error
	if p.config.AutoCleanup {
		err = p.config.Sandboxes.Remove(ctx, info.ID)
	} else {
		err = p.config.Sandboxes.Release(ctx, info.ID)
	}

	ev := events.SandboxReleasedEvent{
		ID:        task.ID,
		SandboxID: info.ID,
		Removed:   p.config.AutoCleanup && err == nil,
		Timestamp: time.Now(),
	}
	if err != nil {
		b.logger.Warningf("Sandbox cleanup for task %q failed: %v", task.ID, err)
		ev.Err = err.Error()
	}
	p.config.Bus.Publish(events.TopicSandbox, ev)
}

func aggregate(id string, results []TaskResult, wall time.Duration) *BatchResult {
	res := &BatchResult{
		ID:       id,
		Results:  results,
		Total:    len(results),
		WallTime: wall,
	}

	counts := lo.CountValuesBy(results, func(r TaskResult) Outcome { return r.Outcome })
	res.Succeeded = counts[OutcomeSuccess]
	res.Failed = counts[OutcomeFailure]
	res.TimedOut = counts[OutcomeTimedOut]
	res.Cancelled = counts[OutcomeCancelled]

	if res.Total > 0 {
		res.SuccessRate = float64(res.Succeeded) / float64(res.Total)
	}

	ran := lo.Filter(results, func(r TaskResult, _ int) bool { return !r.Started.IsZero() })
	if len(ran) > 0 {
		durations := lo.Map(ran, func(r TaskResult, _ int) time.Duration { return r.Duration })
		total := lo.Sum(durations)
		res.AvgDuration = total / time.Duration(len(durations))
		res.MinDuration = lo.Min(durations)
		res.MaxDuration = lo.Max(durations)
		if wall > 0 {
			res.EffectiveConcurrency = float64(total) / float64(wall)
		}
	}
	if wall > 0 {
		res.Throughput = float64(len(ran)) / wall.Seconds()
	}
	return res
}
