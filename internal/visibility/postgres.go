package visibility

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a PostgreSQL implementation of the journal store.
//
// Schema:
//
//	CREATE TABLE transitions (
//	    id          BIGSERIAL PRIMARY KEY,
//	    document_id TEXT NOT NULL,
//	    job_class   TEXT NOT NULL,
//	    outcome     TEXT NOT NULL,
//	    detail      TEXT NOT NULL DEFAULT '',
//	    observed_at TIMESTAMPTZ NOT NULL
//	);
//	CREATE INDEX transitions_document_idx ON transitions (document_id, observed_at DESC);
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL journal store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// RecordTransition appends one transition to the journal.
func (s *PostgresStore) RecordTransition(ctx context.Context, rec *TransitionRecord) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO transitions (document_id, job_class, outcome, detail, observed_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`,
		rec.DocumentID,
		string(rec.JobClass),
		string(rec.Outcome),
		rec.Detail,
		rec.ObservedAt,
	).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("failed to record transition: %w", err)
	}
	return nil
}

func buildFilter(req *ListRequest, argIdx int) (string, []interface{}) {
	sql := ""
	var args []interface{}
	if req.DocumentID != "" {
		sql += fmt.Sprintf(" AND document_id = $%d", argIdx)
		args = append(args, req.DocumentID)
		argIdx++
	}
	if req.JobClass != "" {
		sql += fmt.Sprintf(" AND job_class = $%d", argIdx)
		args = append(args, string(req.JobClass))
		argIdx++
	}
	if req.Outcome != "" {
		sql += fmt.Sprintf(" AND outcome = $%d", argIdx)
		args = append(args, string(req.Outcome))
		argIdx++
	}
	if !req.Since.IsZero() {
		sql += fmt.Sprintf(" AND observed_at >= $%d", argIdx)
		args = append(args, req.Since)
	}
	return sql, args
}

// ListTransitions reads a filtered page, newest first.
func (s *PostgresStore) ListTransitions(ctx context.Context, req *ListRequest) (*ListResponse, error) {
	sql := `
		SELECT id, document_id, job_class, outcome, detail, observed_at
		FROM transitions
		WHERE 1 = 1
	`
	filter, args := buildFilter(req, 1)
	sql += filter
	argIdx := len(args) + 1

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}
	offset := decodeOffset(req.NextPageToken)

	sql += fmt.Sprintf(" ORDER BY observed_at DESC, id DESC LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
	// Fetch one extra row to learn whether another page exists.
	args = append(args, pageSize+1, offset)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transitions: %w", err)
	}
	defer rows.Close()

	var records []*TransitionRecord
	for rows.Next() {
		var rec TransitionRecord
		var jobClass, outcome string
		if err := rows.Scan(
			&rec.ID,
			&rec.DocumentID,
			&jobClass,
			&outcome,
			&rec.Detail,
			&rec.ObservedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		rec.JobClass = JobClass(jobClass)
		rec.Outcome = Outcome(outcome)
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transitions: %w", err)
	}

	var nextToken []byte
	if len(records) > int(pageSize) {
		records = records[:pageSize]
		nextToken = encodeOffset(offset + int64(pageSize))
	}

	return &ListResponse{Records: records, NextPageToken: nextToken}, nil
}

// CountTransitions counts records matching the filter.
func (s *PostgresStore) CountTransitions(ctx context.Context, req *ListRequest) (int64, error) {
	sql := `SELECT COUNT(*) FROM transitions WHERE 1 = 1`
	filter, args := buildFilter(req, 1)
	sql += filter

	var count int64
	if err := s.pool.QueryRow(ctx, sql, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count transitions: %w", err)
	}
	return count, nil
}

// PruneBefore deletes records observed before the cutoff.
func (s *PostgresStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM transitions WHERE observed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune transitions: %w", err)
	}
	return tag.RowsAffected(), nil
}
