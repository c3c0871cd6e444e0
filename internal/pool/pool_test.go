package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	v1 "github.com/braidlab/braid/internal/api/v1"
	"github.com/braidlab/braid/internal/core/storage/memory"
)

func taskBead(id, key string) *v1.Bead {
	return &v1.Bead{
		ID:             id,
		ParentID:       v1.RootParent,
		ThreadID:       "run-1",
		Timestamp:      time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		Source:         "patterns",
		Kind:           v1.KindAnalysisResult,
		IdempotencyKey: key,
		Confidence:     0.8,
	}
}

func TestPool_RunsAllTasks(t *testing.T) {
	store := memory.New()
	p := New(store, Options{Parallelism: 2, Budget: time.Minute})

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("B-%d", i)
		key := fmt.Sprintf("key-%d", i)
		p.Submit(Task{
			ID:     fmt.Sprintf("T-%d", i),
			Target: "repo",
			Source: "patterns",
			Run: func(ctx context.Context) (*v1.Bead, error) {
				return taskBead(id, key), nil
			},
		})
	}

	out := p.Run(context.Background())
	require.Len(t, out.Results, 5)
	require.False(t, out.BudgetExceeded)
	require.Empty(t, out.Failed())
	require.Empty(t, out.Skipped())

	count, err := store.Count(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(5), count)
}

func TestPool_ParallelismCap(t *testing.T) {
	store := memory.New()
	p := New(store, Options{Parallelism: 2, Budget: time.Minute})

	var active, peak int32
	var mu sync.Mutex
	for i := 0; i < 6; i++ {
		id := fmt.Sprintf("B-%d", i)
		key := fmt.Sprintf("key-%d", i)
		p.Submit(Task{
			ID: fmt.Sprintf("T-%d", i),
			Run: func(ctx context.Context) (*v1.Bead, error) {
				cur := atomic.AddInt32(&active, 1)
				mu.Lock()
				if cur > peak {
					peak = cur
				}
				mu.Unlock()
				time.Sleep(20 * time.Millisecond)
				atomic.AddInt32(&active, -1)
				return taskBead(id, key), nil
			},
		})
	}

	out := p.Run(context.Background())
	require.Len(t, out.Results, 6)
	require.LessOrEqual(t, peak, int32(2), "no more than Parallelism tasks may run at once")
}

func TestPool_FailureIsolation(t *testing.T) {
	store := memory.New()
	p := New(store, Options{Parallelism: 2, Budget: time.Minute})

	p.Submit(Task{
		ID: "T-fail",
		Run: func(ctx context.Context) (*v1.Bead, error) {
			return nil, errors.New("worker crashed")
		},
	})
	p.Submit(Task{
		ID: "T-ok",
		Run: func(ctx context.Context) (*v1.Bead, error) {
			return taskBead("B-ok", "key-ok"), nil
		},
	})

	out := p.Run(context.Background())
	require.Len(t, out.Results, 2)

	failed := out.Failed()
	require.Len(t, failed, 1)
	require.Equal(t, "T-fail", failed[0].TaskID)
	require.ErrorContains(t, failed[0].Err, "worker crashed")

	// The failing task left no bead behind; the healthy one appended.
	count, err := store.Count(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
}

func TestPool_BudgetSkipsUnstartedTasks(t *testing.T) {
	store := memory.New()
	p := New(store, Options{Parallelism: 1, Budget: 30 * time.Millisecond})

	var started int32
	// First task burns the whole budget, cooperating with cancellation.
	p.Submit(Task{
		ID: "T-slow",
		Run: func(ctx context.Context) (*v1.Bead, error) {
			atomic.AddInt32(&started, 1)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("T-late-%d", i)
		p.Submit(Task{
			ID: id,
			Run: func(ctx context.Context) (*v1.Bead, error) {
				atomic.AddInt32(&started, 1)
				return taskBead("B-"+id, "key-"+id), nil
			},
		})
	}

	out := p.Run(context.Background())
	require.True(t, out.BudgetExceeded)
	require.Len(t, out.Results, 4)
	require.Len(t, out.Skipped(), 3, "tasks queued past the budget are skipped")
	require.Equal(t, int32(1), atomic.LoadInt32(&started))

	// Skipped tasks never append.
	count, err := store.Count(context.Background())
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestPool_RetriedTaskCompletesOnDuplicateKey(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	// A prior attempt already recorded this task's bead.
	require.NoError(t, store.Append(ctx, taskBead("B-prior", "key-shared")))

	p := New(store, Options{Parallelism: 1, Budget: time.Minute})
	p.Submit(Task{
		ID: "T-retry",
		Run: func(ctx context.Context) (*v1.Bead, error) {
			return taskBead("B-retry", "key-shared"), nil
		},
	})

	out := p.Run(ctx)
	require.Len(t, out.Results, 1)
	require.Equal(t, StatusCompleted, out.Results[0].Status)
	require.Empty(t, out.Failed())

	count, err := store.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), count, "the retry must not append a second bead")
}

func TestPool_TaskWithoutBeadCompletes(t *testing.T) {
	store := memory.New()
	p := New(store, Options{})

	p.Submit(Task{
		ID: "T-quiet",
		Run: func(ctx context.Context) (*v1.Bead, error) {
			return nil, nil
		},
	})

	out := p.Run(context.Background())
	require.Len(t, out.Results, 1)
	require.Equal(t, StatusCompleted, out.Results[0].Status)
	require.Empty(t, out.Results[0].BeadID)
}

func TestOptions_Defaults(t *testing.T) {
	n := Options{}.normalized()
	require.Equal(t, defaultParallelism, n.Parallelism)
	require.Equal(t, defaultBudget, n.Budget)

	n = Options{Parallelism: 8, Budget: time.Second}.normalized()
	require.Equal(t, 8, n.Parallelism)
	require.Equal(t, time.Second, n.Budget)
}
