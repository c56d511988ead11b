package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"referral-engine/internal/models"
)

// Postgres persists status records in a referral_status table via pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

// Put upserts the full record. updated_at is stamped here so every write,
// including state transitions that change nothing else, moves the timestamp.
func (p *Postgres) Put(ctx context.Context, rec models.StatusRecord) error {
	var fieldsJSON []byte
	if rec.Fields != nil {
		b, err := json.Marshal(rec.Fields)
		if err != nil {
			return fmt.Errorf("marshal fields: %w", err)
		}
		fieldsJSON = b
	}

	_, err := p.pool.Exec(ctx, `
		INSERT INTO referral_status (
			document_id, state, filename, payload_ref, fields, missing_fields,
			attempts, max_attempts, last_error, last_error_kind, enqueued_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (document_id) DO UPDATE SET
			state = EXCLUDED.state,
			filename = EXCLUDED.filename,
			payload_ref = EXCLUDED.payload_ref,
			fields = EXCLUDED.fields,
			missing_fields = EXCLUDED.missing_fields,
			attempts = EXCLUDED.attempts,
			max_attempts = EXCLUDED.max_attempts,
			last_error = EXCLUDED.last_error,
			last_error_kind = EXCLUDED.last_error_kind,
			enqueued_at = EXCLUDED.enqueued_at,
			updated_at = EXCLUDED.updated_at
	`, rec.DocumentID, string(rec.State), rec.Filename, rec.PayloadRef, fieldsJSON, rec.MissingFields,
		rec.Attempts, rec.MaxAttempts, rec.LastError, emptyToNil(string(rec.LastErrorKind)),
		rec.EnqueuedAt, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert status record: %w", err)
	}
	return nil
}

// Get fetches the status record for a document.
func (p *Postgres) Get(ctx context.Context, docID string) (models.StatusRecord, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT document_id, state, filename, payload_ref, fields, missing_fields,
		       attempts, max_attempts, last_error, last_error_kind, enqueued_at, updated_at
		FROM referral_status WHERE document_id = $1
	`, docID)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.StatusRecord{}, ErrNotFound
		}
		return models.StatusRecord{}, err
	}
	return rec, nil
}

// List returns all status records, most recently updated first.
func (p *Postgres) List(ctx context.Context) ([]models.StatusRecord, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT document_id, state, filename, payload_ref, fields, missing_fields,
		       attempts, max_attempts, last_error, last_error_kind, enqueued_at, updated_at
		FROM referral_status ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query status records: %w", err)
	}
	defer rows.Close()

	var out []models.StatusRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status records: %w", err)
	}
	return out, nil
}

func scanRecord(row pgx.Row) (models.StatusRecord, error) {
	var rec models.StatusRecord
	var state string
	var fieldsJSON []byte
	var lastErr pgtype.Text
	var errKind pgtype.Text

	if err := row.Scan(&rec.DocumentID, &state, &rec.Filename, &rec.PayloadRef, &fieldsJSON, &rec.MissingFields,
		&rec.Attempts, &rec.MaxAttempts, &lastErr, &errKind, &rec.EnqueuedAt, &rec.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.StatusRecord{}, err
		}
		return models.StatusRecord{}, fmt.Errorf("scan status record: %w", err)
	}

	rec.State = models.State(state)
	if fieldsJSON != nil {
		if err := json.Unmarshal(fieldsJSON, &rec.Fields); err != nil {
			return models.StatusRecord{}, fmt.Errorf("unmarshal fields: %w", err)
		}
	}
	rec.LastError = textPtr(lastErr)
	if errKind.Valid {
		rec.LastErrorKind = models.ErrorKind(errKind.String)
	}
	return rec, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
