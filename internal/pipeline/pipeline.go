package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	v1 "github.com/braidlab/braid/internal/api/v1"
	"github.com/braidlab/braid/internal/baseline"
	"github.com/braidlab/braid/internal/consolidate"
	"github.com/braidlab/braid/internal/core/storage"
	"github.com/braidlab/braid/internal/pool"
	"github.com/braidlab/braid/internal/worker"
)

// Options configures one pipeline instance.
type Options struct {
	Parallelism int
	Budget      time.Duration

	// BaselineDir holds finding bundles across runs. Empty disables
	// reconciliation and bundle persistence.
	BaselineDir string
}

// RunReport is what every caller gets back: a verdict plus a full account of
// which tasks failed or were skipped. "No verdict produced" is not a
// reachable end state; budget exhaustion and partial failures still
// consolidate over whatever succeeded.
type RunReport struct {
	ThreadID       string
	Targets        []string
	Verdict        consolidate.Verdict
	NoFindings     bool
	RiskScore      string
	Findings       []v1.Finding
	TaskResults    []pool.Result
	BudgetExceeded bool
	Bundle         *baseline.Bundle
	Reconciliation *baseline.Reconciliation
	FinishedAt     time.Time
}

// Pipeline drives one run end to end: plan bead, bounded-parallel worker
// execution, consolidation, bundle persistence and baseline reconciliation.
// It holds a handle to the ledger, never ownership; the caller manages the
// store's lifecycle.
type Pipeline struct {
	store        storage.LedgerStore
	registry     *worker.Registry
	consolidator *consolidate.Consolidator
	opts         Options
}

// New wires a pipeline from its collaborators.
func New(store storage.LedgerStore, registry *worker.Registry, consolidator *consolidate.Consolidator, opts Options) *Pipeline {
	return &Pipeline{
		store:        store,
		registry:     registry,
		consolidator: consolidator,
		opts:         opts,
	}
}

// Run executes one full run over targets. threadID may be empty, in which
// case one is generated. Every registered worker is applied to every target.
func (p *Pipeline) Run(ctx context.Context, threadID string, targets []string) (*RunReport, error) {
	if threadID == "" {
		threadID = v1.NewThreadID()
	}
	if len(threadID) < 3 {
		return nil, fmt.Errorf("thread id %q: must be at least 3 characters", threadID)
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("no targets supplied")
	}
	workers := p.registry.All()
	if len(workers) == 0 {
		return nil, fmt.Errorf("no workers registered")
	}

	slog.Info("[Pipeline] Starting run",
		"thread_id", threadID,
		"targets", len(targets),
		"workers", len(workers))

	planID, err := p.appendPlan(ctx, threadID, targets)
	if err != nil {
		return nil, err
	}

	workerPool := pool.New(p.store, pool.Options{
		Parallelism: p.opts.Parallelism,
		Budget:      p.opts.Budget,
	})
	for ti, target := range targets {
		for _, w := range workers {
			workerPool.Submit(p.analysisTask(threadID, planID, target, ti, w))
		}
	}
	poolResult := workerPool.Run(ctx)

	consolidation, err := p.consolidator.Consolidate(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("consolidate run %s: %w", threadID, err)
	}

	report := &RunReport{
		ThreadID:       threadID,
		Targets:        targets,
		Verdict:        consolidation.Verdict,
		NoFindings:     consolidation.NoFindings,
		RiskScore:      consolidation.RiskScore.String(),
		Findings:       consolidation.Findings,
		TaskResults:    poolResult.Results,
		BudgetExceeded: poolResult.BudgetExceeded,
		FinishedAt:     time.Now().UTC(),
	}

	if p.opts.BaselineDir != "" {
		if err := p.reconcileAndPersist(report, consolidation); err != nil {
			return nil, err
		}
	}

	slog.Info("[Pipeline] Run complete",
		"thread_id", threadID,
		"verdict", report.Verdict,
		"findings", len(report.Findings),
		"failed_tasks", len(poolResult.Failed()),
		"skipped_tasks", len(poolResult.Skipped()),
		"budget_exceeded", report.BudgetExceeded)
	return report, nil
}

// appendPlan records the planning bead that every task and the verdict chain
// to. A retried run re-observes the existing plan instead of writing twice.
func (p *Pipeline) appendPlan(ctx context.Context, threadID string, targets []string) (string, error) {
	bead := v1.NewBead(v1.KindPlan, v1.RootParent)
	bead.ThreadID = threadID
	bead.Source = "pipeline"
	bead.IdempotencyKey = "plan:" + threadID
	bead.Confidence = 1.0
	bead.Payload = map[string]interface{}{
		"targets": targets,
		"workers": p.registry.Names(),
	}

	err := p.store.AppendIdempotent(ctx, bead)
	if errors.Is(err, storage.ErrDuplicateKey) {
		prior, qerr := p.store.Query(ctx, storage.Filter{ThreadID: threadID, Kind: v1.KindPlan, Limit: 1})
		if qerr != nil || len(prior) == 0 {
			return "", fmt.Errorf("plan bead exists but could not be read for run %s: %w", threadID, qerr)
		}
		return prior[0].ID, nil
	}
	if err != nil {
		return "", fmt.Errorf("append plan bead: %w", err)
	}
	return bead.ID, nil
}

// analysisTask builds the pool task for one (target, worker) pair. The task
// returns zero or one bead; the pool owns the append.
func (p *Pipeline) analysisTask(threadID, planID, target string, targetIndex int, w worker.Worker) pool.Task {
	taskID := fmt.Sprintf("task-%s-%d", w.Name(), targetIndex)
	return pool.Task{
		ID:     taskID,
		Target: target,
		Source: w.Name(),
		Run: func(ctx context.Context) (*v1.Bead, error) {
			report, err := w.Analyze(ctx, target)
			if err != nil {
				return nil, err
			}

			findings := report.Findings
			for i := range findings {
				findings[i].EnsureFingerprint()
			}

			bead := v1.NewBead(v1.KindAnalysisResult, planID)
			bead.ThreadID = threadID
			bead.TaskID = taskID
			bead.Source = w.Name()
			bead.IdempotencyKey = fmt.Sprintf("result:%s:%s:%s", threadID, w.Name(), target)
			bead.Confidence = report.Confidence
			bead.Assumptions = report.Assumptions
			bead.Unknowns = report.Unknowns
			bead.Payload = map[string]interface{}{
				"target":   target,
				"findings": findings,
			}
			bead.Artefacts = []v1.Artefact{{Type: v1.ArtefactFile, Ref: target}}
			return bead, nil
		},
	}
}

// reconcileAndPersist loads the prior baseline before the new bundle
// replaces it, reconciles, then publishes the run's own bundle.
func (p *Pipeline) reconcileAndPersist(report *RunReport, consolidation *consolidate.Result) error {
	prior, err := baseline.LoadLatest(p.opts.BaselineDir)
	if err != nil {
		return fmt.Errorf("load baseline: %w", err)
	}
	if prior != nil {
		rec := baseline.Reconcile(report.Findings, prior.Findings)
		report.Reconciliation = &rec
		slog.Info("[Pipeline] Reconciled against baseline",
			"baseline_run", prior.Metadata.RunID,
			"new", len(rec.New),
			"fixed", len(rec.Fixed),
			"unchanged", len(rec.Unchanged))
	}

	bundle := &baseline.Bundle{
		Metadata: baseline.BundleMetadata{
			RunID:      report.ThreadID,
			Target:     strings.Join(report.Targets, ","),
			FinishedAt: report.FinishedAt,
		},
		Summary: baseline.BundleSummary{
			Verdict:       string(report.Verdict),
			TotalFindings: len(report.Findings),
			BySeverity:    severityCounts(consolidation),
			RiskScore:     report.RiskScore,
			NoFindings:    report.NoFindings,
		},
		Findings: report.Findings,
	}
	if err := baseline.WriteBundle(p.opts.BaselineDir, bundle); err != nil {
		return fmt.Errorf("persist bundle: %w", err)
	}
	report.Bundle = bundle
	return nil
}

func severityCounts(c *consolidate.Result) map[string]int {
	out := make(map[string]int, len(c.BySeverity))
	for sev, n := range c.BySeverity {
		out[string(sev)] = n
	}
	return out
}
