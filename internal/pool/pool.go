package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	v1 "github.com/braidlab/braid/internal/api/v1"
	"github.com/braidlab/braid/internal/core/storage"
	"golang.org/x/sync/errgroup"
)

const (
	defaultParallelism = 4
	defaultBudget      = 10 * time.Minute
)

// Status is the terminal state of one task.
type Status string

const (
	// StatusCompleted means the task ran and its bead (if any) is in the
	// ledger. A retried task whose bead was already appended also completes.
	StatusCompleted Status = "completed"
	// StatusFailed means the task's work errored. The error is captured per
	// task; siblings are unaffected and no bead is appended.
	StatusFailed Status = "failed"
	// StatusSkipped means the budget elapsed before the task started. A
	// skipped task never produces a ledger bead.
	StatusSkipped Status = "skipped"
)

// Task is one unit of analysis work: apply one worker kind to one target.
// Run returns zero or one bead; the pool owns validation and the append, so
// a failing task can never leave a malformed record behind.
type Task struct {
	ID     string
	Target string
	Source string
	Run    func(ctx context.Context) (*v1.Bead, error)
}

// Result is the per-task outcome surfaced to the pipeline.
type Result struct {
	TaskID   string
	Target   string
	Source   string
	Status   Status
	BeadID   string
	Err      error
	Duration time.Duration
}

// RunResult summarizes one pool execution.
type RunResult struct {
	Results        []Result
	BudgetExceeded bool
}

// Failed returns the results of failed tasks.
func (r RunResult) Failed() []Result { return r.byStatus(StatusFailed) }

// Skipped returns the results of skipped tasks.
func (r RunResult) Skipped() []Result { return r.byStatus(StatusSkipped) }

func (r RunResult) byStatus(s Status) []Result {
	var out []Result
	for _, res := range r.Results {
		if res.Status == s {
			out = append(out, res)
		}
	}
	return out
}

// Options controls throughput and the shared wall-clock budget for one run.
type Options struct {
	Parallelism int
	Budget      time.Duration
}

func (o Options) normalized() Options {
	n := o
	if n.Parallelism <= 0 {
		n.Parallelism = defaultParallelism
	}
	if n.Budget <= 0 {
		n.Budget = defaultBudget
	}
	return n
}

// Pool runs independent analysis tasks with a cap on simultaneously active
// tasks and a shared time budget. Tasks share no mutable state except the
// ledger, which is concurrency-safe by contract.
type Pool struct {
	store storage.LedgerStore
	opts  Options

	mu    sync.Mutex
	tasks []Task
}

// New creates a pool writing task beads to store.
func New(store storage.LedgerStore, opts Options) *Pool {
	return &Pool{store: store, opts: opts.normalized()}
}

// Submit queues one task for the next Run.
func (p *Pool) Submit(t Task) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tasks = append(p.tasks, t)
}

// Run executes every submitted task, starting new ones as capacity frees,
// until all complete or the budget elapses. Cancellation is cooperative:
// an in-flight task past its last checkpoint may finish and append normally,
// but no task starts once the budget is spent; those are reported skipped.
func (p *Pool) Run(ctx context.Context) RunResult {
	p.mu.Lock()
	tasks := p.tasks
	p.tasks = nil
	p.mu.Unlock()

	runCtx, cancel := context.WithTimeout(ctx, p.opts.Budget)
	defer cancel()

	slog.Info("[Pool] Starting tasks",
		"count", len(tasks),
		"parallelism", p.opts.Parallelism,
		"budget", p.opts.Budget)

	results := make([]Result, len(tasks))
	g := new(errgroup.Group)
	g.SetLimit(p.opts.Parallelism)

	for i, t := range tasks {
		g.Go(func() error {
			results[i] = p.runOne(runCtx, t)
			return nil
		})
	}
	g.Wait()

	out := RunResult{
		Results:        results,
		BudgetExceeded: errors.Is(runCtx.Err(), context.DeadlineExceeded),
	}
	slog.Info("[Pool] Tasks finished",
		"completed", len(results)-len(out.Failed())-len(out.Skipped()),
		"failed", len(out.Failed()),
		"skipped", len(out.Skipped()),
		"budget_exceeded", out.BudgetExceeded)
	return out
}

func (p *Pool) runOne(ctx context.Context, t Task) Result {
	res := Result{TaskID: t.ID, Target: t.Target, Source: t.Source}

	// A slot freed after the budget elapsed: the task never started, so it
	// is skipped, not failed, and leaves no ledger bead.
	if ctx.Err() != nil {
		res.Status = StatusSkipped
		return res
	}

	start := time.Now()
	bead, err := t.Run(ctx)
	res.Duration = time.Since(start)

	if err != nil {
		res.Status = StatusFailed
		res.Err = fmt.Errorf("task %s: %w", t.ID, err)
		slog.Warn("[Pool] Task failed", "task_id", t.ID, "target", t.Target, "error", err)
		return res
	}
	if bead == nil {
		res.Status = StatusCompleted
		return res
	}

	// The append context is detached from the budget: a task past its last
	// checkpoint is allowed to finish and record its result normally.
	err = p.store.AppendIdempotent(context.WithoutCancel(ctx), bead)
	switch {
	case err == nil:
		res.Status = StatusCompleted
		res.BeadID = bead.ID
	case errors.Is(err, storage.ErrDuplicateKey):
		// Already done on a prior attempt.
		res.Status = StatusCompleted
		res.BeadID = bead.ID
		slog.Debug("[Pool] Task bead already recorded", "task_id", t.ID, "key", bead.IdempotencyKey)
	default:
		res.Status = StatusFailed
		res.Err = fmt.Errorf("task %s: append result: %w", t.ID, err)
		slog.Warn("[Pool] Task append failed", "task_id", t.ID, "error", err)
	}
	return res
}
