package v1

import (
	"fmt"
	"time"

	braiderrors "github.com/braidlab/braid/internal/core/errors"
	"github.com/google/uuid"
)

// RootParent is the sentinel parent_id for beads that start a causal chain.
const RootParent = "root"

// minIDLength applies to id, thread_id and idempotency_key. Shorter values
// are rejected at construction, never silently padded.
const minIDLength = 3

// Kind is the string-backed bead kind. The set is open: new worker kinds can
// be registered at runtime without changing the ledger format, but emission
// is validated against the registered set.
type Kind string

const (
	KindPlan             Kind = "plan"
	KindTask             Kind = "task"
	KindAnalysisResult   Kind = "analysis-result"
	KindCrossExamination Kind = "cross-examination"
	KindVerdict          Kind = "verdict"
	KindDecision         Kind = "decision"
)

var registeredKinds = map[Kind]bool{
	KindPlan:             true,
	KindTask:             true,
	KindAnalysisResult:   true,
	KindCrossExamination: true,
	KindVerdict:          true,
	KindDecision:         true,
}

// RegisterKind adds a new bead kind to the registered set.
func RegisterKind(k Kind) {
	registeredKinds[k] = true
}

// KnownKind reports whether k is in the registered set. Unknown kinds are
// tolerated on read for forward compatibility; emitters must register first.
func KnownKind(k Kind) bool {
	return registeredKinds[k]
}

// Artefact types. Open set on read, same as kinds.
const (
	ArtefactFile        = "file"
	ArtefactCommit      = "commit"
	ArtefactPullRequest = "pull-request"
	ArtefactEvaluation  = "evaluation"
	ArtefactPatchBundle = "patch-bundle"
	ArtefactOther       = "other"
)

// Artefact is a typed external reference attached to a bead.
type Artefact struct {
	Type string `json:"type"`
	Ref  string `json:"ref"`
}

// Bead is one immutable record of an action taken during a run.
// It separates the envelope (system attributes) from the payload (the
// worker-defined letter). Once appended it is never mutated; corrections are
// new beads referencing the original via ParentID.
type Bead struct {
	// ID is the unique immutable identifier of this bead across the whole
	// ledger, not just one run.
	ID string `json:"id"`

	// ParentID references the causally prior bead, or RootParent.
	ParentID string `json:"parent_id"`

	// ThreadID is the run identifier. All beads of one run share it.
	ThreadID string `json:"thread_id"`

	// TaskID identifies the unit of work that produced this bead.
	TaskID string `json:"task_id,omitempty"`

	// Timestamp is the producer's clock. Monotonically non-decreasing within
	// a thread in practice, though not enforced; append order is the sole
	// ordering signal.
	Timestamp time.Time `json:"timestamp"`

	// Source names the producing worker.
	Source string `json:"source"`

	// Kind tags the payload schema.
	Kind Kind `json:"kind"`

	// Payload is the worker-defined body, validated per Kind.
	Payload map[string]interface{} `json:"payload,omitempty"`

	// Artefacts are ordered external references.
	Artefacts []Artefact `json:"artefacts,omitempty"`

	// IdempotencyKey deduplicates retried appends. Unique across the store's
	// lifetime; distinct from ID.
	IdempotencyKey string `json:"idempotency_key"`

	// Confidence is in [0.0, 1.0] inclusive.
	Confidence float64 `json:"confidence"`

	Assumptions []string `json:"assumptions,omitempty"`
	Unknowns    []string `json:"unknowns,omitempty"`

	// AppendSeq is a monotonic sequence assigned by the store on append.
	// It provides strict total ordering for replay. Not part of the wire
	// format for the JSONL backend, where line order is the sequence.
	AppendSeq int64 `json:"-"`
}

// NewBead builds a bead with a generated id and the current UTC timestamp.
// The caller still sets ThreadID, Source and IdempotencyKey before append.
func NewBead(kind Kind, parentID string) *Bead {
	if parentID == "" {
		parentID = RootParent
	}
	return &Bead{
		ID:        "B-" + uuid.New().String(),
		ParentID:  parentID,
		Kind:      kind,
		Timestamp: time.Now().UTC(),
	}
}

// Validate ensures the bead satisfies every construction invariant.
// It returns a ValidationError naming the offending field, so callers can
// reject before any durable write.
func (b *Bead) Validate() error {
	if len(b.ID) < minIDLength {
		return braiderrors.NewValidationError("id",
			fmt.Sprintf("must be at least %d characters, got %q", minIDLength, b.ID))
	}
	if len(b.ThreadID) < minIDLength {
		return braiderrors.NewValidationError("thread_id",
			fmt.Sprintf("must be at least %d characters, got %q", minIDLength, b.ThreadID))
	}
	if len(b.IdempotencyKey) < minIDLength {
		return braiderrors.NewValidationError("idempotency_key",
			fmt.Sprintf("must be at least %d characters, got %q", minIDLength, b.IdempotencyKey))
	}
	if b.ParentID == "" {
		return braiderrors.NewValidationError("parent_id", "must be a bead id or the root sentinel")
	}
	if b.Kind == "" {
		return braiderrors.NewValidationError("kind", "is required")
	}
	if b.Source == "" {
		return braiderrors.NewValidationError("source", "is required")
	}
	if b.Timestamp.IsZero() {
		return braiderrors.NewValidationError("timestamp", "is required")
	}
	if b.Confidence < 0.0 || b.Confidence > 1.0 {
		return braiderrors.NewValidationError("confidence",
			fmt.Sprintf("must be within [0.0, 1.0], got %v", b.Confidence))
	}
	for i, a := range b.Artefacts {
		if a.Type == "" || a.Ref == "" {
			return braiderrors.NewValidationError("artefacts",
				fmt.Sprintf("artefact %d must have type and ref", i))
		}
	}
	return ValidatePayload(b.Kind, b.Payload)
}

// NewThreadID generates a caller-independent run identifier.
func NewThreadID() string {
	return "run-" + uuid.New().String()
}
