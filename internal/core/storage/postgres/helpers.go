package postgres

import (
	"database/sql"
	"encoding/json"
	"fmt"

	v1 "github.com/braidlab/braid/internal/api/v1"
)

// marshalBeadJSON serializes the dynamic bead columns for storage.
func marshalBeadJSON(bead *v1.Bead) (payload, artefacts, assumptions, unknowns []byte, err error) {
	if payload, err = json.Marshal(bead.Payload); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshal payload: %w", err)
	}
	if artefacts, err = json.Marshal(bead.Artefacts); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshal artefacts: %w", err)
	}
	if assumptions, err = json.Marshal(bead.Assumptions); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshal assumptions: %w", err)
	}
	if unknowns, err = json.Marshal(bead.Unknowns); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshal unknowns: %w", err)
	}
	return payload, artefacts, assumptions, unknowns, nil
}

// rowScanner matches both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanBead reads one beadColumns row into a Bead.
func scanBead(row rowScanner) (*v1.Bead, error) {
	var (
		b          v1.Bead
		taskID     sql.NullString
		payload    []byte
		artefacts  []byte
		assumption []byte
		unknowns   []byte
	)
	err := row.Scan(
		&b.ID, &b.ParentID, &b.ThreadID, &taskID, &b.Timestamp,
		&b.Source, &b.Kind,
		&payload, &artefacts, &b.IdempotencyKey, &b.Confidence,
		&assumption, &unknowns, &b.AppendSeq,
	)
	if err != nil {
		return nil, err
	}
	b.TaskID = taskID.String

	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &b.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload for bead %s: %w", b.ID, err)
		}
	}
	if len(artefacts) > 0 {
		if err := json.Unmarshal(artefacts, &b.Artefacts); err != nil {
			return nil, fmt.Errorf("unmarshal artefacts for bead %s: %w", b.ID, err)
		}
	}
	if len(assumption) > 0 {
		if err := json.Unmarshal(assumption, &b.Assumptions); err != nil {
			return nil, fmt.Errorf("unmarshal assumptions for bead %s: %w", b.ID, err)
		}
	}
	if len(unknowns) > 0 {
		if err := json.Unmarshal(unknowns, &b.Unknowns); err != nil {
			return nil, fmt.Errorf("unmarshal unknowns for bead %s: %w", b.ID, err)
		}
	}
	return &b, nil
}
