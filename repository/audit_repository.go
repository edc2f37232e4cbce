package repository

import (
	"context"

	"biosure-backend/models"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditRepository appends compliance audit entries. It never updates or deletes.
type AuditRepository struct {
	db *pgxpool.Pool
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *pgxpool.Pool) *AuditRepository {
	return &AuditRepository{db: db}
}

// Write inserts one entry
func (r *AuditRepository) Write(ctx context.Context, e models.AuditEntry) error {
	query := `
		INSERT INTO audit_entries (
			id, timestamp_utc, actor, action, inputs_digest, outputs_digest, outcome, detail
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := r.db.Exec(
		ctx, query,
		e.ID,
		e.TimestampUTC,
		e.Actor,
		e.Action,
		e.InputsDigest,
		e.OutputsDigest,
		e.Outcome,
		e.Detail,
	)
	return err
}

// Recent retrieves the newest entries, newest first
func (r *AuditRepository) Recent(ctx context.Context, limit int) ([]models.AuditEntry, error) {
	query := `
		SELECT id, timestamp_utc, actor, action, inputs_digest, outputs_digest, outcome, detail
		FROM audit_entries
		ORDER BY timestamp_utc DESC
		LIMIT $1`

	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		if err := rows.Scan(
			&e.ID,
			&e.TimestampUTC,
			&e.Actor,
			&e.Action,
			&e.InputsDigest,
			&e.OutputsDigest,
			&e.Outcome,
			&e.Detail,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
