package repository

import (
	"context"
	"time"

	"biosure-backend/models"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EnrichmentRepository handles database operations for enrichment records
type EnrichmentRepository struct {
	db *pgxpool.Pool
}

// NewEnrichmentRepository creates a new enrichment repository
func NewEnrichmentRepository(db *pgxpool.Pool) *EnrichmentRepository {
	return &EnrichmentRepository{db: db}
}

// Get retrieves the record for an entity
func (r *EnrichmentRepository) Get(ctx context.Context, entityID string) (*models.EnrichmentRecord, error) {
	rec := &models.EnrichmentRecord{}
	query := `
		SELECT entity_id, fields, source_provider, last_updated, confidence
		FROM enrichment_records
		WHERE entity_id = $1`

	err := r.db.QueryRow(ctx, query, entityID).Scan(
		&rec.EntityID,
		&rec.Fields,
		&rec.SourceProvider,
		&rec.LastUpdated,
		&rec.Confidence,
	)
	if err != nil {
		return nil, mapError(err)
	}
	return rec, nil
}

// UpsertIfStale creates the record, or overwrites an existing one only when
// its last_updated is before staleBefore. It reports whether a row was written.
func (r *EnrichmentRepository) UpsertIfStale(ctx context.Context, rec *models.EnrichmentRecord, staleBefore time.Time) (bool, error) {
	query := `
		INSERT INTO enrichment_records (
			entity_id, fields, source_provider, last_updated, confidence
		) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (entity_id) DO UPDATE SET
			fields = EXCLUDED.fields,
			source_provider = EXCLUDED.source_provider,
			last_updated = EXCLUDED.last_updated,
			confidence = EXCLUDED.confidence
		WHERE enrichment_records.last_updated < $6`

	tag, err := r.db.Exec(
		ctx, query,
		rec.EntityID,
		rec.Fields,
		rec.SourceProvider,
		rec.LastUpdated,
		rec.Confidence,
		staleBefore,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
