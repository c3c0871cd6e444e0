package storage

import (
	"context"

	v1 "github.com/braidlab/braid/internal/api/v1"
	braiderrors "github.com/braidlab/braid/internal/core/errors"
)

// DefaultSearchLimit caps Search results when the caller passes no limit.
const DefaultSearchLimit = 100

// Re-exported outcomes so adapter callers depend on one package.
var (
	ErrDuplicateKey = braiderrors.ErrDuplicateKey
	ErrDuplicateID  = braiderrors.ErrDuplicateID
	ErrNotFound     = braiderrors.ErrNotFound
)

// Filter selects beads for Query. Zero values mean "any".
type Filter struct {
	ThreadID string
	Kind     v1.Kind
	Source   string

	// Limit caps the result count. When set, Query returns the
	// most-recently-appended matches, still in append order.
	Limit int
}

// Iterator streams beads in append order. It is restartable only by asking
// the store for a fresh iterator; there is no mid-stream seek.
type Iterator interface {
	// Next advances to the next bead. It returns false when the stream is
	// exhausted or an error occurred; Err distinguishes the two.
	Next() bool
	// Bead returns the current bead. Valid only after a true Next.
	Bead() *v1.Bead
	// Err reports the first error encountered while streaming.
	Err() error
	// Close releases underlying resources. Safe to call more than once.
	Close() error
}

// LedgerStore is the append-only bead ledger: the single source of truth for
// what happened during a run.
//
// Contract highlights (all adapters must honor them):
//   - Append validates before any write; a rejected bead leaves no trace.
//   - Append is safe for concurrent callers: appends never interleave or
//     truncate each other, and a successful append is visible to every read
//     issued after it returns.
//   - Append order is the sole total order; no external sequence counter is
//     required by callers.
type LedgerStore interface {
	// Append durably persists one bead. Returns a ValidationError naming the
	// offending field for invariant violations, ErrDuplicateID for a reused
	// id, ErrDuplicateKey for a reused idempotency key.
	Append(ctx context.Context, bead *v1.Bead) error

	// AppendIdempotent is Append, but a previously seen idempotency key is a
	// normal outcome (ErrDuplicateKey) the caller uses to distinguish
	// "already done" from "failed". No second record is written.
	AppendIdempotent(ctx context.Context, bead *v1.Bead) error

	// HasKey reports whether an idempotency key was already used, so callers
	// can skip expensive work entirely.
	HasKey(ctx context.Context, idempotencyKey string) (bool, error)

	// GetByID returns the bead with the given id, or ErrNotFound.
	GetByID(ctx context.Context, id string) (*v1.Bead, error)

	// GetChildren returns beads whose parent_id equals id, in append order.
	GetChildren(ctx context.Context, id string) ([]*v1.Bead, error)

	// Query returns beads matching the filter, in append order.
	Query(ctx context.Context, f Filter) ([]*v1.Bead, error)

	// IterAll streams every bead in append order. Safe for memory-bounded
	// use over arbitrarily large ledgers.
	IterAll(ctx context.Context) (Iterator, error)

	// Search returns beads whose serialized payload contains text
	// (case-insensitive substring), in append order. A limit <= 0 falls
	// back to DefaultSearchLimit; Search never returns an unbounded set.
	Search(ctx context.Context, text string, limit int) ([]*v1.Bead, error)

	// VerifyIntegrity scans the full ledger once and reports every duplicate
	// id, dangling parent_id and re-parse failure. It never fails the scan
	// itself; an empty report means a clean ledger.
	VerifyIntegrity(ctx context.Context) ([]braiderrors.IntegrityProblem, error)

	// Count returns the number of beads in the ledger.
	Count(ctx context.Context) (int64, error)

	// Close flushes and releases the backing resource.
	Close() error
}
