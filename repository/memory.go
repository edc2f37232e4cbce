package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"biosure-backend/models"
)

// MemoryRemoteFileRepository is an in-process RemoteFileRepository used when no
// database is configured and in tests. It enforces the same uniqueness rule as
// the remote_files partial index.
type MemoryRemoteFileRepository struct {
	mu      sync.Mutex
	handles map[string]*models.RemoteFileHandle
	seq     int
}

// NewMemoryRemoteFileRepository creates an empty repository
func NewMemoryRemoteFileRepository() *MemoryRemoteFileRepository {
	return &MemoryRemoteFileRepository{handles: map[string]*models.RemoteFileHandle{}}
}

func (r *MemoryRemoteFileRepository) conflicts(h *models.RemoteFileHandle) bool {
	if h.ProcessingState == models.StateFailed {
		return false
	}
	for _, existing := range r.handles {
		if existing.IdentityHash == h.IdentityHash && existing.ProcessingState != models.StateFailed {
			return true
		}
	}
	return false
}

func (r *MemoryRemoteFileRepository) insert(h *models.RemoteFileHandle) {
	r.seq++
	// created_at must be strictly increasing for newest-first ordering
	h.CreatedAt = time.Unix(0, 0).Add(time.Duration(r.seq) * time.Millisecond).UTC()
	c := *h
	r.handles[h.RemoteID] = &c
}

// Create inserts a handle
func (r *MemoryRemoteFileRepository) Create(ctx context.Context, h *models.RemoteFileHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handles[h.RemoteID]; ok || r.conflicts(h) {
		return ErrConflict
	}
	r.insert(h)
	return nil
}

// GetByRemoteID retrieves a handle by its remote id
func (r *MemoryRemoteFileRepository) GetByRemoteID(ctx context.Context, remoteID string) (*models.RemoteFileHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[remoteID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *h
	return &c, nil
}

// ListByIdentityHash retrieves every handle for a document, newest first
func (r *MemoryRemoteFileRepository) ListByIdentityHash(ctx context.Context, identityHash string) ([]*models.RemoteFileHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.RemoteFileHandle
	for _, h := range r.handles {
		if h.IdentityHash == identityHash {
			c := *h
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// List retrieves handles in the given states, or all handles when none are given
func (r *MemoryRemoteFileRepository) List(ctx context.Context, states ...models.ProcessingState) ([]*models.RemoteFileHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.RemoteFileHandle
	for _, h := range r.handles {
		if len(states) > 0 && !containsState(states, h.ProcessingState) {
			continue
		}
		c := *h
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName != out[j].DisplayName {
			return out[i].DisplayName < out[j].DisplayName
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// UpdateState moves a handle forward
func (r *MemoryRemoteFileRepository) UpdateState(ctx context.Context, remoteID string, next models.ProcessingState, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[remoteID]
	if !ok {
		return ErrNotFound
	}
	return h.Advance(next, at)
}

// Replace atomically removes every handle for h.IdentityHash and inserts h
func (r *MemoryRemoteFileRepository) Replace(ctx context.Context, h *models.RemoteFileHandle) ([]*models.RemoteFileHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var replaced []*models.RemoteFileHandle
	for id, existing := range r.handles {
		if existing.IdentityHash == h.IdentityHash {
			replaced = append(replaced, existing)
			delete(r.handles, id)
		}
	}
	r.insert(h)
	return replaced, nil
}

// Delete removes a handle by remote id
func (r *MemoryRemoteFileRepository) Delete(ctx context.Context, remoteID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handles[remoteID]; !ok {
		return ErrNotFound
	}
	delete(r.handles, remoteID)
	return nil
}

func containsState(states []models.ProcessingState, s models.ProcessingState) bool {
	for _, candidate := range states {
		if candidate == s {
			return true
		}
	}
	return false
}

// MemoryEnrichmentRepository is an in-process EnrichmentRepository
type MemoryEnrichmentRepository struct {
	mu      sync.Mutex
	records map[string]models.EnrichmentRecord
}

// NewMemoryEnrichmentRepository creates an empty repository
func NewMemoryEnrichmentRepository() *MemoryEnrichmentRepository {
	return &MemoryEnrichmentRepository{records: map[string]models.EnrichmentRecord{}}
}

// Get retrieves the record for an entity
func (r *MemoryEnrichmentRepository) Get(ctx context.Context, entityID string) (*models.EnrichmentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[entityID]
	if !ok {
		return nil, ErrNotFound
	}
	rec.Fields = copyFields(rec.Fields)
	return &rec, nil
}

// UpsertIfStale creates the record or overwrites one last updated before staleBefore
func (r *MemoryEnrichmentRepository) UpsertIfStale(ctx context.Context, rec *models.EnrichmentRecord, staleBefore time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.records[rec.EntityID]; ok && !existing.LastUpdated.Before(staleBefore) {
		return false, nil
	}
	c := *rec
	c.Fields = copyFields(rec.Fields)
	r.records[rec.EntityID] = c
	return true, nil
}

func copyFields(f models.EnrichmentFields) models.EnrichmentFields {
	out := make(models.EnrichmentFields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// MemoryHCORepository serves a fixed set of HCOs
type MemoryHCORepository struct {
	hcos []models.HCO
}

// NewMemoryHCORepository creates a repository over hcos
func NewMemoryHCORepository(hcos []models.HCO) *MemoryHCORepository {
	return &MemoryHCORepository{hcos: append([]models.HCO(nil), hcos...)}
}

// TopHCOs retrieves the limit HCOs with the highest metric, ties broken by name
func (r *MemoryHCORepository) TopHCOs(ctx context.Context, metric models.HCOMetric, limit int) ([]models.HCO, error) {
	if _, ok := metricOrder[metric]; !ok {
		return nil, fmt.Errorf("unknown metric: %s", metric)
	}
	sorted := append([]models.HCO(nil), r.hcos...)
	sort.SliceStable(sorted, func(i, j int) bool {
		vi, vj := metric.Value(sorted[i]), metric.Value(sorted[j])
		if vi != vj {
			return vi > vj
		}
		return sorted[i].Name < sorted[j].Name
	})
	if limit < len(sorted) {
		sorted = sorted[:limit]
	}
	return sorted, nil
}

// FindByName retrieves HCOs whose name contains name, exact matches first
func (r *MemoryHCORepository) FindByName(ctx context.Context, name string) ([]models.HCO, error) {
	needle := strings.ToLower(strings.TrimSpace(name))
	var exact, partial []models.HCO
	for _, h := range r.hcos {
		hay := strings.ToLower(h.Name)
		switch {
		case hay == needle:
			exact = append(exact, h)
		case strings.Contains(hay, needle):
			partial = append(partial, h)
		}
	}
	sort.SliceStable(partial, func(i, j int) bool { return partial[i].Name < partial[j].Name })
	return append(exact, partial...), nil
}

// MemoryAuditRepository keeps audit entries in process
type MemoryAuditRepository struct {
	mu      sync.Mutex
	entries []models.AuditEntry
}

// NewMemoryAuditRepository creates an empty repository
func NewMemoryAuditRepository() *MemoryAuditRepository {
	return &MemoryAuditRepository{}
}

// Write appends one entry
func (r *MemoryAuditRepository) Write(ctx context.Context, e models.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

// Recent retrieves the newest entries, newest first
func (r *MemoryAuditRepository) Recent(ctx context.Context, limit int) ([]models.AuditEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.AuditEntry
	for i := len(r.entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, r.entries[i])
	}
	return out, nil
}
