package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"biosure-backend/models"
	"biosure-backend/repository"

	"golang.org/x/time/rate"
)

// Candidate is one of several plausible matches returned by a provider
type Candidate struct {
	Name    string         `json:"name"`
	Address models.Address `json:"address"`
	Score   int            `json:"score"`
}

// LookupResult is a provider's answer for one entity
type LookupResult struct {
	MatchedName string
	Fields      models.EnrichmentFields
}

// Provider looks up attributes for an entity. A nil result with a nil error
// means the provider has no data for the entity. Providers signal throttling
// with *RateLimitedError, outages with *ProviderUnavailableError, and
// multiple plausible matches with *AmbiguousError.
type Provider interface {
	Name() string
	Confidence() models.Confidence
	Lookup(ctx context.Context, name, hint string) (*LookupResult, error)
}

// WebsiteFinder is implemented by providers that can also locate an
// organization's website
type WebsiteFinder interface {
	Website(ctx context.Context, name, hint string) (string, error)
}

// EnrichmentStore persists enrichment records
type EnrichmentStore interface {
	Get(ctx context.Context, entityID string) (*models.EnrichmentRecord, error)
	UpsertIfStale(ctx context.Context, rec *models.EnrichmentRecord, staleBefore time.Time) (bool, error)
}

// EnrichmentStatus is the outcome of a chain run
type EnrichmentStatus string

const (
	EnrichmentCached    EnrichmentStatus = "CACHED"
	EnrichmentResolved  EnrichmentStatus = "RESOLVED"
	EnrichmentNotFound  EnrichmentStatus = "NOT_FOUND"
	EnrichmentAmbiguous EnrichmentStatus = "AMBIGUOUS"
)

// Attempt outcomes recorded per provider
const (
	AttemptFound       = "found"
	AttemptNotFound    = "not_found"
	AttemptRateLimited = "rate_limited"
	AttemptUnavailable = "unavailable"
	AttemptAmbiguous   = "ambiguous"
	AttemptCoolingDown = "cooling_down"
	AttemptError       = "error"
)

// ProviderAttempt records what one provider did during a chain run
type ProviderAttempt struct {
	Provider string `json:"provider"`
	Outcome  string `json:"outcome"`
	Error    string `json:"error,omitempty"`
}

// EnrichmentRequest identifies the entity to resolve
type EnrichmentRequest struct {
	EntityID string
	Name     string
	// Hint narrows the search, e.g. a two-letter state code
	Hint string
}

// EnrichmentResult is what Resolve returns
type EnrichmentResult struct {
	Status     EnrichmentStatus         `json:"status"`
	Record     *models.EnrichmentRecord `json:"record,omitempty"`
	Stale      *models.EnrichmentRecord `json:"stale,omitempty"`
	Candidates []Candidate              `json:"candidates,omitempty"`
	Attempts   []ProviderAttempt        `json:"attempts"`
}

// providerSlot holds per-provider pacing and cooldown state shared across requests
type providerSlot struct {
	provider     Provider
	limiter      *rate.Limiter
	baseCooldown time.Duration
	maxCooldown  time.Duration

	mu            sync.Mutex
	cooldownUntil time.Time
	streak        int
}

func (s *providerSlot) coolingDown(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Before(s.cooldownUntil)
}

// penalize starts a cooldown that doubles with each consecutive rate limit
func (s *providerSlot) penalize(now time.Time, retryAfter time.Duration) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streak++
	d := s.baseCooldown
	for i := 1; i < s.streak && d < s.maxCooldown; i++ {
		d *= 2
	}
	if d > s.maxCooldown {
		d = s.maxCooldown
	}
	if retryAfter > d {
		d = retryAfter
	}
	s.cooldownUntil = now.Add(d)
	return d
}

func (s *providerSlot) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streak = 0
	s.cooldownUntil = time.Time{}
}

// ProviderSettings configures pacing and cooldown for one provider
type ProviderSettings struct {
	RatePerSecond float64
	Burst         int
	Cooldown      time.Duration
	MaxCooldown   time.Duration
}

// EnrichmentChain resolves missing entity attributes by trying providers in order
type EnrichmentChain struct {
	slots         []*providerSlot
	store         EnrichmentStore
	audit         *AuditLog
	clock         Clock
	staleness     time.Duration
	maxPacingWait time.Duration
	logger        *slog.Logger
}

// EnrichmentChainOption is a functional option for EnrichmentChain
type EnrichmentChainOption func(*EnrichmentChain)

// ChainWithProvider appends a provider to the chain
func ChainWithProvider(p Provider, settings ProviderSettings) EnrichmentChainOption {
	return func(c *EnrichmentChain) {
		limit := rate.Inf
		if settings.RatePerSecond > 0 {
			limit = rate.Limit(settings.RatePerSecond)
		}
		burst := settings.Burst
		if burst < 1 {
			burst = 1
		}
		base := settings.Cooldown
		if base <= 0 {
			base = 30 * time.Second
		}
		maxCd := settings.MaxCooldown
		if maxCd < base {
			maxCd = base
		}
		c.slots = append(c.slots, &providerSlot{
			provider:     p,
			limiter:      rate.NewLimiter(limit, burst),
			baseCooldown: base,
			maxCooldown:  maxCd,
		})
	}
}

// ChainWithStore sets the enrichment record store
func ChainWithStore(store EnrichmentStore) EnrichmentChainOption {
	return func(c *EnrichmentChain) {
		c.store = store
	}
}

// ChainWithAuditLog sets the audit log
func ChainWithAuditLog(audit *AuditLog) EnrichmentChainOption {
	return func(c *EnrichmentChain) {
		c.audit = audit
	}
}

// ChainWithClock sets the clock
func ChainWithClock(clock Clock) EnrichmentChainOption {
	return func(c *EnrichmentChain) {
		c.clock = clock
	}
}

// ChainWithStaleness sets how old a cached record may be before it is re-verified
func ChainWithStaleness(d time.Duration) EnrichmentChainOption {
	return func(c *EnrichmentChain) {
		c.staleness = d
	}
}

// ChainWithLogger sets the logger
func ChainWithLogger(logger *slog.Logger) EnrichmentChainOption {
	return func(c *EnrichmentChain) {
		c.logger = logger
	}
}

// NewEnrichmentChain creates a provider chain
func NewEnrichmentChain(opts ...EnrichmentChainOption) *EnrichmentChain {
	c := &EnrichmentChain{
		clock:         RealClock(),
		staleness:     90 * 24 * time.Hour,
		maxPacingWait: 2 * time.Second,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "enrichment")
	return c
}

// Resolve returns a fresh cached record if there is one, otherwise asks each
// provider in order until one has an answer. A rate-limited or unavailable
// provider is skipped for this run and the next one tried; no provider is
// called twice in one run. Running out of providers is reported as
// EnrichmentNotFound, not as an error.
func (c *EnrichmentChain) Resolve(ctx context.Context, req EnrichmentRequest) (*EnrichmentResult, error) {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return nil, &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if req.EntityID == "" {
		req.EntityID = "name:" + strings.ToLower(req.Name)
	}
	logCtx := c.logger.With("entityId", req.EntityID)
	now := c.clock.Now()

	result := &EnrichmentResult{Attempts: []ProviderAttempt{}}
	cached, err := c.store.Get(ctx, req.EntityID)
	switch {
	case err == nil && !cached.Stale(now, c.staleness):
		cached.Confidence = models.ConfidenceCached
		result.Status = EnrichmentCached
		result.Record = cached
		c.audit.Record(ctx, "enrichment", "resolve", req, result, nil)
		return result, nil
	case err == nil:
		result.Stale = cached
	case !errors.Is(err, repository.ErrNotFound):
		logCtx.Warn("enrichment cache read failed", "error", err)
	}

	for _, slot := range c.slots {
		name := slot.provider.Name()
		if slot.coolingDown(c.clock.Now()) {
			result.Attempts = append(result.Attempts, ProviderAttempt{Provider: name, Outcome: AttemptCoolingDown})
			continue
		}
		if !c.pace(ctx, slot) {
			result.Attempts = append(result.Attempts, ProviderAttempt{Provider: name, Outcome: AttemptRateLimited, Error: "local request budget exhausted"})
			continue
		}

		found, err := slot.provider.Lookup(ctx, req.Name, req.Hint)
		c.audit.Record(ctx, name, "lookup", map[string]string{"name": req.Name, "hint": req.Hint}, found, err)

		attempt := ProviderAttempt{Provider: name}
		var rl *RateLimitedError
		var amb *AmbiguousError
		switch {
		case err == nil && found == nil:
			slot.reset()
			attempt.Outcome = AttemptNotFound
		case err == nil:
			slot.reset()
			attempt.Outcome = AttemptFound
			result.Attempts = append(result.Attempts, attempt)
			return c.accept(ctx, req, slot.provider, found, result), nil
		case errors.As(err, &rl):
			d := slot.penalize(c.clock.Now(), rl.RetryAfter)
			attempt.Outcome = AttemptRateLimited
			attempt.Error = err.Error()
			logCtx.Warn("provider rate limited", "provider", name, "cooldown", d)
		case errors.As(err, &amb):
			attempt.Outcome = AttemptAmbiguous
			result.Attempts = append(result.Attempts, attempt)
			result.Status = EnrichmentAmbiguous
			result.Candidates = amb.Candidates
			c.audit.Record(ctx, "enrichment", "resolve", req, result, nil)
			return result, nil
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			var unavailable *ProviderUnavailableError
			attempt.Outcome = AttemptError
			if errors.As(err, &unavailable) {
				attempt.Outcome = AttemptUnavailable
			}
			attempt.Error = err.Error()
			logCtx.Warn("provider lookup failed", "provider", name, "error", err)
		}
		result.Attempts = append(result.Attempts, attempt)
	}

	result.Status = EnrichmentNotFound
	c.audit.Record(ctx, "enrichment", "resolve", req, result, nil)
	return result, nil
}

// Website asks the providers that can find websites, in chain order, and
// returns the first URL found. Lookups share each provider's request budget
// and cooldown with Resolve. Provider failures are logged and skipped, so
// "" with a nil error means no website was found.
func (c *EnrichmentChain) Website(ctx context.Context, name, hint string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	for _, slot := range c.slots {
		finder, ok := slot.provider.(WebsiteFinder)
		if !ok || slot.coolingDown(c.clock.Now()) || !c.pace(ctx, slot) {
			continue
		}
		pname := slot.provider.Name()
		site, err := finder.Website(ctx, name, hint)
		c.audit.Record(ctx, pname, "website", map[string]string{"name": name, "hint": hint}, site, err)

		var rl *RateLimitedError
		switch {
		case err == nil && site != "":
			slot.reset()
			return site, nil
		case err == nil:
			slot.reset()
		case errors.As(err, &rl):
			d := slot.penalize(c.clock.Now(), rl.RetryAfter)
			c.logger.Warn("provider rate limited", "provider", pname, "cooldown", d)
		case ctx.Err() != nil:
			return "", ctx.Err()
		default:
			c.logger.Warn("website lookup failed", "provider", pname, "error", err)
		}
	}
	return "", nil
}

// pace waits for the provider's request budget if the wait is short
func (c *EnrichmentChain) pace(ctx context.Context, slot *providerSlot) bool {
	r := slot.limiter.Reserve()
	if !r.OK() {
		return false
	}
	d := r.Delay()
	if d == 0 {
		return true
	}
	if d > c.maxPacingWait {
		r.Cancel()
		return false
	}
	return c.clock.Sleep(ctx, d) == nil
}

func (c *EnrichmentChain) accept(ctx context.Context, req EnrichmentRequest, p Provider, found *LookupResult, result *EnrichmentResult) *EnrichmentResult {
	now := c.clock.Now()
	rec := &models.EnrichmentRecord{
		EntityID:       req.EntityID,
		Fields:         found.Fields,
		SourceProvider: p.Name(),
		LastUpdated:    now,
		Confidence:     p.Confidence(),
	}
	written, err := c.store.UpsertIfStale(ctx, rec, now.Add(-c.staleness))
	if err != nil {
		c.logger.Error("failed to store enrichment record", "entityId", req.EntityID, "error", err)
	} else if !written {
		c.logger.Info("enrichment record refreshed concurrently, keeping stored value", "entityId", req.EntityID)
	}

	result.Status = EnrichmentResolved
	result.Record = rec
	result.Stale = nil
	c.audit.Record(ctx, "enrichment", "resolve", req, result, nil)
	return result
}

// Providers returns the provider names in chain order
func (c *EnrichmentChain) Providers() []string {
	names := make([]string, len(c.slots))
	for i, s := range c.slots {
		names[i] = s.provider.Name()
	}
	return names
}

func (r *EnrichmentResult) String() string {
	return fmt.Sprintf("%s after %d attempts", r.Status, len(r.Attempts))
}
