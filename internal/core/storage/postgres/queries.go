package postgres

// SQL queries for ledger operations.

const (
	// querySaveBead inserts a bead with idempotency-key dedup.
	// ON CONFLICT DO NOTHING on the idempotency_key unique index returns no
	// rows (sql.ErrNoRows) for duplicates; the RETURNING clause retrieves
	// the auto-generated append_seq, which is the ledger's total order.
	// A reused bead id violates beads_id_key and surfaces as a pq
	// unique_violation instead.
	querySaveBead = `
		INSERT INTO beads (
			id, parent_id, thread_id, task_id, ts, source, kind,
			payload, artefacts, idempotency_key, confidence,
			assumptions, unknowns
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING append_seq
	`

	queryHasKey = `
		SELECT EXISTS (SELECT 1 FROM beads WHERE idempotency_key = $1)
	`

	queryGetByID = `
		SELECT ` + beadColumns + `
		FROM beads
		WHERE id = $1
	`

	queryGetChildren = `
		SELECT ` + beadColumns + `
		FROM beads
		WHERE parent_id = $1
		ORDER BY append_seq ASC
	`

	// queryRetrieveAfterCursor pages the full ledger in strict total order.
	// Used by the streaming iterator; cursor=0 means "from the beginning".
	queryRetrieveAfterCursor = `
		SELECT ` + beadColumns + `
		FROM beads
		WHERE append_seq > $1
		ORDER BY append_seq ASC
		LIMIT $2
	`

	// querySearchPayload matches serialized payloads case-insensitively.
	querySearchPayload = `
		SELECT ` + beadColumns + `
		FROM beads
		WHERE payload::text ILIKE '%' || $1 || '%'
		ORDER BY append_seq ASC
		LIMIT $2
	`

	queryCount = `SELECT COUNT(*) FROM beads`

	// queryMissingParents reports parent ids that never resolve, with the
	// first referencing bead per missing parent.
	queryMissingParents = `
		SELECT DISTINCT ON (c.parent_id) c.parent_id, c.id
		FROM beads c
		LEFT JOIN beads p ON p.id = c.parent_id
		WHERE c.parent_id <> 'root' AND p.id IS NULL
		ORDER BY c.parent_id, c.append_seq ASC
	`

	beadColumns = `
		id, parent_id, thread_id, task_id, ts, source, kind,
		payload, artefacts, idempotency_key, confidence,
		assumptions, unknowns, append_seq
	`
)
