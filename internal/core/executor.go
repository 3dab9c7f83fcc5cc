package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/wjurkowlaniec/gdrive/internal/logging"
	"github.com/wjurkowlaniec/gdrive/internal/metrics"
	"github.com/wjurkowlaniec/gdrive/internal/model"
	"github.com/wjurkowlaniec/gdrive/internal/provider"
)

// DefaultConcurrency is the worker count used when none is configured.
const DefaultConcurrency = 4

// ErrParentUnavailable marks steps whose destination directory could not be created.
var ErrParentUnavailable = errors.New("parent directory unavailable")

// Outcome is the result of executing one step.
type Outcome string

const (
	OutcomeDone      Outcome = "done"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeCancelled Outcome = "cancelled"
)

// StepResult records what happened to one plan step.
type StepResult struct {
	Step     Step
	Outcome  Outcome
	Err      error
	Bytes    int64
	Duration time.Duration
}

// Failed reports whether the result counts against the run.
func (r StepResult) Failed() bool {
	switch r.Outcome {
	case OutcomeFailed, OutcomeCancelled:
		return true
	case OutcomeSkipped:
		return r.Step.IsFailure()
	}
	return false
}

// Report holds one result per plan step, indexed by step sequence.
type Report struct {
	Results []StepResult
}

// Summary counts results by outcome.
func (r *Report) Summary() (done, failed, skipped int, bytes int64) {
	for _, res := range r.Results {
		switch res.Outcome {
		case OutcomeDone:
			done++
		case OutcomeSkipped:
			skipped++
		default:
			failed++
		}
		bytes += res.Bytes
	}
	return done, failed, skipped, bytes
}

// Failures returns results that count against the run.
func (r *Report) Failures() []StepResult {
	var out []StepResult
	for _, res := range r.Results {
		if res.Failed() {
			out = append(out, res)
		}
	}
	return out
}

// Err returns a *PartialFailureError when any step failed or was skipped
// for a failure reason, nil otherwise.
func (r *Report) Err() error {
	failures := r.Failures()
	if len(failures) == 0 {
		return nil
	}
	pf := &PartialFailureError{Total: len(r.Results)}
	for _, f := range failures {
		if f.Outcome == OutcomeSkipped {
			pf.Skipped++
		} else {
			pf.Failed++
		}
		if f.Err != nil {
			pf.Errors = append(pf.Errors, f.Err)
		}
	}
	return pf
}

// PartialFailureError reports a run that completed with failed or
// skipped steps.
type PartialFailureError struct {
	Total   int
	Failed  int
	Skipped int
	Errors  []error
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("partial failure: %d of %d steps failed, %d skipped", e.Failed, e.Total, e.Skipped)
}

// Source is the read side of a transfer.
type Source interface {
	Get(ctx context.Context, p string) (io.ReadCloser, error)
}

// Sink is the write side of a transfer.
type Sink interface {
	Put(ctx context.Context, p string, r io.Reader, size int64, opts provider.PutOptions) (*model.Entry, error)
	MakeDir(ctx context.Context, p string) (*model.Entry, error)
}

// ExecutorOptions configures an Executor.
type ExecutorOptions struct {
	Concurrency int
	// Direction labels metrics (pull, push).
	Direction string
	PutOptions provider.PutOptions
	// OnResult is called once per finished step. Calls are serialized.
	OnResult func(StepResult)
}

// Executor runs transfer plans with a bounded worker pool.
type Executor struct {
	src  Source
	dst  Sink
	opts ExecutorOptions
}

// NewExecutor creates an executor copying from src to dst.
func NewExecutor(src Source, dst Sink, opts ExecutorOptions) *Executor {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	return &Executor{src: src, dst: dst, opts: opts}
}

// barrier signals that a planned directory has been dealt with.
type barrier struct {
	done chan struct{}
	ok   bool // written before done is closed
}

// Execute runs every step of plan and returns one result per step.
//
// Steps are handed to workers in plan order. A step whose destination
// parent is created by the plan waits until that MakeDir finishes and fails
// if it did not succeed. Once ctx is cancelled no new step starts; steps
// already running are left to finish.
func (e *Executor) Execute(ctx context.Context, plan *TransferPlan) *Report {
	report := &Report{Results: make([]StepResult, len(plan.Steps))}

	barriers := make(map[string]*barrier)
	for _, s := range plan.Steps {
		if s.Action == ActionMakeDir && !s.Exists {
			barriers[s.Dest] = &barrier{done: make(chan struct{})}
		}
	}

	var mu sync.Mutex
	finish := func(res StepResult) {
		report.Results[res.Step.Seq] = res
		metrics.RecordStep(string(res.Step.Action), string(res.Outcome), res.Duration)
		if res.Outcome == OutcomeDone && res.Step.Action == ActionCopy {
			metrics.RecordBytes(e.opts.Direction, res.Bytes)
		}
		if b, ok := barriers[res.Step.Dest]; ok && res.Step.Action == ActionMakeDir {
			b.ok = res.Outcome == OutcomeDone
			close(b.done)
		}
		if e.opts.OnResult != nil {
			mu.Lock()
			e.opts.OnResult(res)
			mu.Unlock()
		}
	}

	tasks := make(chan int)
	var wg sync.WaitGroup
	for i := 0; i < e.opts.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for seq := range tasks {
				finish(e.run(ctx, plan.Steps[seq], barriers))
			}
		}()
	}

	next := 0
feed:
	for ; next < len(plan.Steps); next++ {
		select {
		case tasks <- next:
		case <-ctx.Done():
			break feed
		}
	}
	close(tasks)
	wg.Wait()

	// Steps never handed out are recorded as cancelled.
	for ; next < len(plan.Steps); next++ {
		finish(StepResult{Step: plan.Steps[next], Outcome: OutcomeCancelled, Err: ctx.Err()})
	}

	done, failed, skipped, bytes := report.Summary()
	logging.WithContext(ctx).Info("plan executed",
		logging.Int("done", done),
		logging.Int("failed", failed),
		logging.Int("skipped", skipped),
		logging.Int64("bytes", bytes))
	return report
}

// run executes one step on a worker.
func (e *Executor) run(ctx context.Context, s Step, barriers map[string]*barrier) StepResult {
	res := StepResult{Step: s}

	if s.Action == ActionSkip || (s.Action == ActionMakeDir && s.Exists) {
		res.Outcome = OutcomeSkipped
		if s.Action == ActionMakeDir {
			res.Outcome = OutcomeDone
		}
		return res
	}

	if b, ok := barriers[model.ParentPath(s.Dest)]; ok {
		<-b.done
		if !b.ok {
			res.Outcome = OutcomeFailed
			res.Err = fmt.Errorf("%s: %w", s.Dest, ErrParentUnavailable)
			return res
		}
	}

	if err := ctx.Err(); err != nil {
		res.Outcome = OutcomeCancelled
		res.Err = err
		return res
	}

	// The step has started; let it complete even if the run is interrupted.
	ioCtx := context.WithoutCancel(ctx)
	start := time.Now()
	switch s.Action {
	case ActionMakeDir:
		_, res.Err = e.dst.MakeDir(ioCtx, s.Dest)
	case ActionCopy:
		res.Bytes, res.Err = e.copy(ioCtx, s)
	}
	res.Duration = time.Since(start)

	if res.Err != nil {
		res.Outcome = OutcomeFailed
		logging.WithContext(ctx).Warn("step failed",
			logging.String("action", string(s.Action)),
			logging.String("dest", s.Dest),
			logging.Err(res.Err))
		return res
	}
	res.Outcome = OutcomeDone
	logging.WithContext(ctx).Debug("step done",
		logging.String("action", string(s.Action)),
		logging.String("dest", s.Dest),
		logging.Duration("duration", res.Duration))
	return res
}

func (e *Executor) copy(ctx context.Context, s Step) (int64, error) {
	rc, err := e.src.Get(ctx, s.Source.Path)
	if err != nil {
		return 0, err
	}

	cr := &countingReader{r: rc}
	_, putErr := e.dst.Put(ctx, s.Dest, cr, s.Source.Size, e.opts.PutOptions)
	closeErr := rc.Close()
	if putErr != nil {
		return cr.n, putErr
	}
	if closeErr != nil {
		return cr.n, closeErr
	}
	return cr.n, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
