package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"biosure-backend/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// HCORepository reads HCO aggregates maintained by the analytics data layer
type HCORepository struct {
	db *pgxpool.Pool
}

// NewHCORepository creates a new HCO repository
func NewHCORepository(db *pgxpool.Pool) *HCORepository {
	return &HCORepository{db: db}
}

const hcoColumns = `id, name, state, ghost_patients, treated_patients, street, city, address_state, zip, address_verified_at`

var metricOrder = map[models.HCOMetric]string{
	models.MetricGhost:   "ghost_patients",
	models.MetricTreated: "treated_patients",
	models.MetricLeakage: "ghost_patients::float8 / NULLIF(ghost_patients + treated_patients, 0)",
}

// TopHCOs retrieves the limit HCOs with the highest metric, ties broken by name
func (r *HCORepository) TopHCOs(ctx context.Context, metric models.HCOMetric, limit int) ([]models.HCO, error) {
	order, ok := metricOrder[metric]
	if !ok {
		return nil, fmt.Errorf("unknown metric: %s", metric)
	}
	query := `SELECT ` + hcoColumns + `
		FROM hcos
		ORDER BY ` + order + ` DESC NULLS LAST, name ASC
		LIMIT $1`

	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	return collectHCOs(rows)
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// escapeLike quotes the ILIKE wildcards in s so it matches literally
func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

// FindByName retrieves HCOs whose name contains name, exact matches first.
// Wildcards in name match literally.
func (r *HCORepository) FindByName(ctx context.Context, name string) ([]models.HCO, error) {
	query := `SELECT ` + hcoColumns + `
		FROM hcos
		WHERE name ILIKE '%' || $1 || '%' ESCAPE '\'
		ORDER BY (lower(name) = lower($2)) DESC, name ASC
		LIMIT 10`

	rows, err := r.db.Query(ctx, query, escapeLike(name), name)
	if err != nil {
		return nil, err
	}
	return collectHCOs(rows)
}

func collectHCOs(rows pgx.Rows) ([]models.HCO, error) {
	defer rows.Close()
	var hcos []models.HCO
	for rows.Next() {
		var h models.HCO
		var street, city, addrState, zip *string
		var verifiedAt *time.Time
		if err := rows.Scan(
			&h.ID,
			&h.Name,
			&h.State,
			&h.GhostPatients,
			&h.TreatedPatients,
			&street,
			&city,
			&addrState,
			&zip,
			&verifiedAt,
		); err != nil {
			return nil, err
		}
		if street != nil && *street != "" {
			h.Address = &models.Address{Street: *street, City: deref(city), State: deref(addrState), Zip: deref(zip)}
			h.AddressVerifiedAt = verifiedAt
		}
		hcos = append(hcos, h)
	}
	return hcos, rows.Err()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
