package jsonl

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	v1 "github.com/braidlab/braid/internal/api/v1"
	braiderrors "github.com/braidlab/braid/internal/core/errors"
	"github.com/braidlab/braid/internal/core/storage"
)

// maxLineBytes bounds one serialized bead. Payloads are worker summaries,
// not blobs; 8MB is far above anything legitimate.
const maxLineBytes = 8 * 1024 * 1024

// Store implements storage.LedgerStore over a single append-only JSONL file:
// one JSON object per line, line order is append order.
//
// Every writer takes one exclusive lock for the duration of one append
// (validate, serialize, write, release). Readers open their own handle on
// the file and never block writers; they observe an always-consistent,
// never partial view because a line is written with a single O_APPEND write.
type Store struct {
	mu   sync.Mutex
	path string
	f    *os.File

	// offsets maps bead id to the byte offset of its line, for GetByID
	// without a full scan. keys tracks used idempotency keys.
	offsets map[string]int64
	keys    map[string]bool
	count   int64
	end     int64
}

// Open creates or opens the ledger file at path and rebuilds the id and
// idempotency-key index from the existing records.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open ledger file: %w", err)
	}

	s := &Store{
		path:    path,
		f:       f,
		offsets: make(map[string]int64),
		keys:    make(map[string]bool),
	}
	if err := s.rebuildIndex(); err != nil {
		f.Close()
		return nil, err
	}

	slog.Info("[Ledger] Opened JSONL ledger", "path", path, "beads", s.count)
	return s, nil
}

// rebuildIndex scans the existing file once. Records that do not parse are
// skipped here (VerifyIntegrity reports them); duplicate ids keep the first
// occurrence, matching read semantics.
func (s *Store) rebuildIndex() error {
	r, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("open ledger for index: %w", err)
	}
	defer r.Close()

	var offset int64
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := sc.Bytes()
		lineLen := int64(len(line)) + 1 // trailing newline
		var b v1.Bead
		if err := json.Unmarshal(line, &b); err == nil && b.ID != "" {
			if _, dup := s.offsets[b.ID]; !dup {
				s.offsets[b.ID] = offset
			}
			if b.IdempotencyKey != "" {
				s.keys[b.IdempotencyKey] = true
			}
			s.count++
		}
		offset += lineLen
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("scan ledger: %w", err)
	}
	s.end = offset
	return nil
}

// Append persists one bead. Validation happens before any byte is written;
// a rejected bead leaves the file untouched.
func (s *Store) Append(ctx context.Context, bead *v1.Bead) error {
	return s.append(ctx, bead)
}

// AppendIdempotent is Append for callers that treat a previously seen
// idempotency key as a normal outcome: storage.ErrDuplicateKey means
// "already done", every other error means "failed".
func (s *Store) AppendIdempotent(ctx context.Context, bead *v1.Bead) error {
	return s.append(ctx, bead)
}

func (s *Store) append(ctx context.Context, bead *v1.Bead) error {
	if err := bead.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	line, err := json.Marshal(bead)
	if err != nil {
		return fmt.Errorf("marshal bead: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.offsets[bead.ID]; exists {
		return storage.ErrDuplicateID
	}
	if s.keys[bead.IdempotencyKey] {
		return storage.ErrDuplicateKey
	}

	// One write call per line: O_APPEND keeps concurrent lines whole.
	n, err := s.f.Write(line)
	if err != nil {
		return fmt.Errorf("write bead: %w", err)
	}
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("sync ledger: %w", err)
	}

	s.offsets[bead.ID] = s.end
	s.keys[bead.IdempotencyKey] = true
	s.end += int64(n)
	s.count++
	bead.AppendSeq = s.count

	slog.Debug("[Ledger] Appended bead",
		"bead_id", bead.ID,
		"thread_id", bead.ThreadID,
		"kind", bead.Kind,
		"seq", bead.AppendSeq)
	return nil
}

// HasKey reports whether idempotencyKey was already used.
func (s *Store) HasKey(ctx context.Context, idempotencyKey string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keys[idempotencyKey], nil
}

// GetByID reads one bead by seeking to its indexed offset.
func (s *Store) GetByID(ctx context.Context, id string) (*v1.Bead, error) {
	s.mu.Lock()
	offset, ok := s.offsets[id]
	s.mu.Unlock()
	if !ok {
		return nil, storage.ErrNotFound
	}

	r, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	defer r.Close()

	if _, err := r.Seek(offset, 0); err != nil {
		return nil, fmt.Errorf("seek ledger: %w", err)
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("read bead line: %w", err)
		}
		return nil, storage.ErrNotFound
	}
	var b v1.Bead
	if err := json.Unmarshal(sc.Bytes(), &b); err != nil {
		return nil, fmt.Errorf("parse bead %s: %w", id, err)
	}
	return &b, nil
}

// GetChildren returns beads whose parent_id equals id, in append order.
func (s *Store) GetChildren(ctx context.Context, id string) ([]*v1.Bead, error) {
	var out []*v1.Bead
	err := s.scan(ctx, func(b *v1.Bead) bool {
		if b.ParentID == id {
			out = append(out, b)
		}
		return true
	})
	return out, err
}

// Query returns beads matching f in append order. With a limit it keeps the
// most-recently-appended matches, still emitted oldest first.
func (s *Store) Query(ctx context.Context, f storage.Filter) ([]*v1.Bead, error) {
	var out []*v1.Bead
	err := s.scan(ctx, func(b *v1.Bead) bool {
		if !matches(b, f) {
			return true
		}
		out = append(out, b)
		if f.Limit > 0 && len(out) > f.Limit {
			out = out[1:]
		}
		return true
	})
	return out, err
}

func matches(b *v1.Bead, f storage.Filter) bool {
	if f.ThreadID != "" && b.ThreadID != f.ThreadID {
		return false
	}
	if f.Kind != "" && b.Kind != f.Kind {
		return false
	}
	if f.Source != "" && b.Source != f.Source {
		return false
	}
	return true
}

// Search returns beads whose serialized payload contains text, compared
// case-insensitively, up to limit.
func (s *Store) Search(ctx context.Context, text string, limit int) ([]*v1.Bead, error) {
	if limit <= 0 {
		limit = storage.DefaultSearchLimit
	}
	needle := strings.ToLower(text)
	var out []*v1.Bead
	err := s.scan(ctx, func(b *v1.Bead) bool {
		if b.Payload == nil {
			return true
		}
		raw, err := json.Marshal(b.Payload)
		if err != nil {
			return true
		}
		if !strings.Contains(strings.ToLower(string(raw)), needle) {
			return true
		}
		out = append(out, b)
		return len(out) < limit
	})
	return out, err
}

// IterAll streams every bead in append order from a dedicated read handle.
func (s *Store) IterAll(ctx context.Context) (storage.Iterator, error) {
	r, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	return &iterator{ctx: ctx, f: r, sc: sc}, nil
}

// VerifyIntegrity scans the full ledger once and reports duplicate ids,
// dangling parents and records that fail schema validation on re-parse.
// It never fails; a clean ledger yields an empty report.
func (s *Store) VerifyIntegrity(ctx context.Context) ([]braiderrors.IntegrityProblem, error) {
	r, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	defer r.Close()

	problems := []braiderrors.IntegrityProblem{}
	seen := make(map[string]bool)
	// parent id -> first referencing bead, checked after the scan so forward
	// references within the ledger still resolve.
	parents := make(map[string]string)

	line := 0
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for sc.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return problems, err
		}
		var b v1.Bead
		if err := json.Unmarshal(sc.Bytes(), &b); err != nil {
			problems = append(problems, braiderrors.IntegrityProblem{
				Code:   braiderrors.IntegrityBadRecord,
				Line:   line,
				Detail: fmt.Sprintf("not valid JSON: %v", err),
			})
			continue
		}
		if err := b.Validate(); err != nil {
			problems = append(problems, braiderrors.IntegrityProblem{
				Code:   braiderrors.IntegrityBadRecord,
				BeadID: b.ID,
				Line:   line,
				Detail: err.Error(),
			})
		}
		if seen[b.ID] {
			problems = append(problems, braiderrors.IntegrityProblem{
				Code:   braiderrors.IntegrityDuplicateID,
				BeadID: b.ID,
				Line:   line,
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
	if err := sc.Err(); err != nil {
		problems = append(problems, braiderrors.IntegrityProblem{
			Code:   braiderrors.IntegrityBadRecord,
			Line:   line,
			Detail: fmt.Sprintf("scan aborted: %v", err),
		})
		return problems, nil
	}

	for parentID, childID := range parents {
		if !seen[parentID] {
			problems = append(problems, braiderrors.IntegrityProblem{
				Code:   braiderrors.IntegrityMissingParent,
				BeadID: childID,
				Detail: fmt.Sprintf("parent_id %s never resolves to a known bead", parentID),
			})
		}
	}
	return problems, nil
}

// Count returns the number of indexed beads.
func (s *Store) Count(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count, nil
}

// Close syncs and closes the append handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// scan streams the file through fn; fn returns false to stop early.
func (s *Store) scan(ctx context.Context, fn func(*v1.Bead) bool) error {
	it, err := s.IterAll(ctx)
	if err != nil {
		return err
	}
	defer it.Close()
	for it.Next() {
		if !fn(it.Bead()) {
			break
		}
	}
	return it.Err()
}

type iterator struct {
	ctx  context.Context
	f    *os.File
	sc   *bufio.Scanner
	cur  *v1.Bead
	err  error
	done bool
}

func (it *iterator) Next() bool {
	if it.done || it.err != nil {
		return false
	}
	for {
		if err := it.ctx.Err(); err != nil {
			it.err = err
			return false
		}
		if !it.sc.Scan() {
			it.err = it.sc.Err()
			it.done = true
			return false
		}
		var b v1.Bead
		if err := json.Unmarshal(it.sc.Bytes(), &b); err != nil {
			// Unparseable lines are an integrity problem, not an iteration
			// failure; VerifyIntegrity reports them.
			continue
		}
		it.cur = &b
		return true
	}
}

func (it *iterator) Bead() *v1.Bead { return it.cur }

func (it *iterator) Err() error { return it.err }

func (it *iterator) Close() error {
	it.done = true
	if it.f == nil {
		return nil
	}
	err := it.f.Close()
	it.f = nil
	return err
}
