package memory

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	v1 "github.com/braidlab/braid/internal/api/v1"
	braiderrors "github.com/braidlab/braid/internal/core/errors"
	"github.com/braidlab/braid/internal/core/storage"
)

// Store is an in-memory implementation of storage.LedgerStore.
// Useful for testing and development; semantics match the JSONL adapter.
type Store struct {
	mu    sync.RWMutex
	beads []*v1.Bead
	byID  map[string]*v1.Bead
	keys  map[string]bool
}

// New creates an empty in-memory ledger.
func New() *Store {
	return &Store{
		byID: make(map[string]*v1.Bead),
		keys: make(map[string]bool),
	}
}

func (s *Store) Append(ctx context.Context, bead *v1.Bead) error {
	return s.append(bead)
}

func (s *Store) AppendIdempotent(ctx context.Context, bead *v1.Bead) error {
	return s.append(bead)
}

func (s *Store) append(bead *v1.Bead) error {
	if err := bead.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[bead.ID]; exists {
		return storage.ErrDuplicateID
	}
	if s.keys[bead.IdempotencyKey] {
		return storage.ErrDuplicateKey
	}

	// Store a copy to keep appended beads immutable from the caller's side.
	cp := *bead
	s.beads = append(s.beads, &cp)
	s.byID[cp.ID] = &cp
	s.keys[cp.IdempotencyKey] = true
	cp.AppendSeq = int64(len(s.beads))
	bead.AppendSeq = cp.AppendSeq
	return nil
}

func (s *Store) HasKey(ctx context.Context, idempotencyKey string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.keys[idempotencyKey], nil
}

func (s *Store) GetByID(ctx context.Context, id string) (*v1.Bead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, exists := s.byID[id]
	if !exists {
		return nil, storage.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *Store) GetChildren(ctx context.Context, id string) ([]*v1.Bead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*v1.Bead
	for _, b := range s.beads {
		if b.ParentID == id {
			cp := *b
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) Query(ctx context.Context, f storage.Filter) ([]*v1.Bead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*v1.Bead
	for _, b := range s.beads {
		if f.ThreadID != "" && b.ThreadID != f.ThreadID {
			continue
		}
		if f.Kind != "" && b.Kind != f.Kind {
			continue
		}
		if f.Source != "" && b.Source != f.Source {
			continue
		}
		cp := *b
		out = append(out, &cp)
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out, nil
}

func (s *Store) Search(ctx context.Context, text string, limit int) ([]*v1.Bead, error) {
	if limit <= 0 {
		limit = storage.DefaultSearchLimit
	}
	needle := strings.ToLower(text)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*v1.Bead
	for _, b := range s.beads {
		if b.Payload == nil {
			continue
		}
		raw, err := json.Marshal(b.Payload)
		if err != nil {
			continue
		}
		if !strings.Contains(strings.ToLower(string(raw)), needle) {
			continue
		}
		cp := *b
		out = append(out, &cp)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) IterAll(ctx context.Context) (storage.Iterator, error) {
	s.mu.RLock()
	snapshot := make([]*v1.Bead, len(s.beads))
	copy(snapshot, s.beads)
	s.mu.RUnlock()

	return &iterator{ctx: ctx, beads: snapshot, pos: -1}, nil
}

func (s *Store) VerifyIntegrity(ctx context.Context) ([]braiderrors.IntegrityProblem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	problems := []braiderrors.IntegrityProblem{}
	seen := make(map[string]bool, len(s.beads))
	parents := make(map[string]string)
	for i, b := range s.beads {
		if err := b.Validate(); err != nil {
			problems = append(problems, braiderrors.IntegrityProblem{
				Code:   braiderrors.IntegrityBadRecord,
				BeadID: b.ID,
				Line:   i + 1,
				Detail: err.Error(),
			})
		}
		if seen[b.ID] {
			problems = append(problems, braiderrors.IntegrityProblem{
				Code:   braiderrors.IntegrityDuplicateID,
				BeadID: b.ID,
				Line:   i + 1,
				Detail: "id appended more than once",
			})
		}
		seen[b.ID] = true
		if b.ParentID != "" && b.ParentID != v1.RootParent {
			if _, tracked := parents[b.ParentID]; !tracked {
				parents[b.ParentID] = b.ID
			}
		}
	}
	for parentID, childID := range parents {
		if !seen[parentID] {
			problems = append(problems, braiderrors.IntegrityProblem{
				Code:   braiderrors.IntegrityMissingParent,
				BeadID: childID,
				Detail: "parent_id " + parentID + " never resolves to a known bead",
			})
		}
	}
	return problems, nil
}

func (s *Store) Count(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.beads)), nil
}

func (s *Store) Close() error { return nil }

type iterator struct {
	ctx   context.Context
	beads []*v1.Bead
	pos   int
	err   error
}

func (it *iterator) Next() bool {
	if it.err != nil {
		return false
	}
	if err := it.ctx.Err(); err != nil {
		it.err = err
		return false
	}
	if it.pos+1 >= len(it.beads) {
		return false
	}
	it.pos++
	return true
}

func (it *iterator) Bead() *v1.Bead {
	cp := *it.beads[it.pos]
	return &cp
}

func (it *iterator) Err() error { return it.err }

func (it *iterator) Close() error { return nil }
