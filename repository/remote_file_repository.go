package repository

import (
	"context"
	"fmt"
	"time"

	"biosure-backend/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RemoteFileRepository handles database operations for remote file handles
type RemoteFileRepository struct {
	db *pgxpool.Pool
}

// NewRemoteFileRepository creates a new remote file repository
func NewRemoteFileRepository(db *pgxpool.Pool) *RemoteFileRepository {
	return &RemoteFileRepository{db: db}
}

const remoteFileColumns = `remote_id, identity_hash, display_name, category, state, remote_uri, mime_type, last_state_check, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRemoteFile(row rowScanner) (*models.RemoteFileHandle, error) {
	h := &models.RemoteFileHandle{}
	err := row.Scan(
		&h.RemoteID,
		&h.IdentityHash,
		&h.DisplayName,
		&h.Category,
		&h.ProcessingState,
		&h.RemoteURI,
		&h.MIMEType,
		&h.LastStateCheck,
		&h.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return h, nil
}

func collectRemoteFiles(rows pgx.Rows) ([]*models.RemoteFileHandle, error) {
	defer rows.Close()
	var handles []*models.RemoteFileHandle
	for rows.Next() {
		h, err := scanRemoteFile(rows)
		if err != nil {
			return nil, err
		}
		handles = append(handles, h)
	}
	return handles, rows.Err()
}

// Create inserts a handle. A second non-FAILED handle for the same identity
// hash is rejected by the partial unique index and reported as ErrConflict.
func (r *RemoteFileRepository) Create(ctx context.Context, h *models.RemoteFileHandle) error {
	query := `
		INSERT INTO remote_files (
			remote_id, identity_hash, display_name, category, state, remote_uri, mime_type, last_state_check
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at`

	err := r.db.QueryRow(
		ctx, query,
		h.RemoteID,
		h.IdentityHash,
		h.DisplayName,
		h.Category,
		h.ProcessingState,
		h.RemoteURI,
		h.MIMEType,
		h.LastStateCheck,
	).Scan(&h.CreatedAt)

	return mapError(err)
}

// GetByRemoteID retrieves a handle by its remote id
func (r *RemoteFileRepository) GetByRemoteID(ctx context.Context, remoteID string) (*models.RemoteFileHandle, error) {
	query := `SELECT ` + remoteFileColumns + ` FROM remote_files WHERE remote_id = $1`
	h, err := scanRemoteFile(r.db.QueryRow(ctx, query, remoteID))
	if err != nil {
		return nil, mapError(err)
	}
	return h, nil
}

// ListByIdentityHash retrieves every handle for a document, newest first
func (r *RemoteFileRepository) ListByIdentityHash(ctx context.Context, identityHash string) ([]*models.RemoteFileHandle, error) {
	query := `SELECT ` + remoteFileColumns + `
		FROM remote_files
		WHERE identity_hash = $1
		ORDER BY created_at DESC`

	rows, err := r.db.Query(ctx, query, identityHash)
	if err != nil {
		return nil, err
	}
	return collectRemoteFiles(rows)
}

// List retrieves handles in the given states, or all handles when none are given
func (r *RemoteFileRepository) List(ctx context.Context, states ...models.ProcessingState) ([]*models.RemoteFileHandle, error) {
	query := `SELECT ` + remoteFileColumns + ` FROM remote_files`
	var args []any
	if len(states) > 0 {
		query += ` WHERE state = ANY($1)`
		args = append(args, stateStrings(states))
	}
	query += ` ORDER BY display_name, created_at`

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectRemoteFiles(rows)
}

// UpdateState moves a handle forward. The update only applies when the stored
// state is a valid predecessor of next, so concurrent writers cannot move a
// handle backwards. Re-writing the current state refreshes last_state_check.
func (r *RemoteFileRepository) UpdateState(ctx context.Context, remoteID string, next models.ProcessingState, at time.Time) error {
	allowed := append(next.Predecessors(), next)
	query := `
		UPDATE remote_files
		SET state = $2, last_state_check = $3
		WHERE remote_id = $1 AND state = ANY($4)`

	tag, err := r.db.Exec(ctx, query, remoteID, next, at, stateStrings(allowed))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	current, err := r.GetByRemoteID(ctx, remoteID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, current.ProcessingState, next)
}

// Replace atomically removes every handle for h.IdentityHash and inserts h.
// It returns the removed handles so the caller can clean up their remote copies.
func (r *RemoteFileRepository) Replace(ctx context.Context, h *models.RemoteFileHandle) ([]*models.RemoteFileHandle, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		DELETE FROM remote_files
		WHERE identity_hash = $1
		RETURNING `+remoteFileColumns, h.IdentityHash)
	if err != nil {
		return nil, err
	}
	replaced, err := collectRemoteFiles(rows)
	if err != nil {
		return nil, err
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO remote_files (
			remote_id, identity_hash, display_name, category, state, remote_uri, mime_type, last_state_check
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at`,
		h.RemoteID, h.IdentityHash, h.DisplayName, h.Category, h.ProcessingState, h.RemoteURI, h.MIMEType, h.LastStateCheck,
	).Scan(&h.CreatedAt)
	if err != nil {
		return nil, mapError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return replaced, nil
}

// Delete removes a handle by remote id
func (r *RemoteFileRepository) Delete(ctx context.Context, remoteID string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM remote_files WHERE remote_id = $1`, remoteID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func stateStrings(states []models.ProcessingState) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}
