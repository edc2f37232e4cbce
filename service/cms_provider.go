package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"biosure-backend/models"
)

// CMSRegistryProvider looks up hospital addresses in the CMS hospital enrollment dataset
type CMSRegistryProvider struct {
	baseURL    string
	client     *http.Client
	maxResults int
}

// NewCMSRegistryProvider creates a CMS registry provider
func NewCMSRegistryProvider(baseURL string, timeout time.Duration, maxResults int) *CMSRegistryProvider {
	return &CMSRegistryProvider{
		baseURL:    baseURL,
		client:     &http.Client{Timeout: timeout},
		maxResults: maxResults,
	}
}

// Name implements Provider
func (p *CMSRegistryProvider) Name() string { return "cms_registry" }

// Confidence implements Provider
func (p *CMSRegistryProvider) Confidence() models.Confidence { return models.ConfidenceProviderA }

type cmsEnrollment struct {
	OrganizationName string `json:"ORGANIZATION NAME"`
	AddressLine1     string `json:"ADDRESS LINE 1"`
	City             string `json:"CITY"`
	State            string `json:"ENROLLMENT STATE"`
	ZipCode          string `json:"ZIP CODE"`
}

// Lookup implements Provider. 400 and 404 mean the registry has no match.
func (p *CMSRegistryProvider) Lookup(ctx context.Context, name, hint string) (*LookupResult, error) {
	q := url.Values{}
	q.Set("filter[ORGANIZATION NAME][condition][path]", "ORGANIZATION NAME")
	q.Set("filter[ORGANIZATION NAME][condition][operator]", "CONTAINS")
	q.Set("filter[ORGANIZATION NAME][condition][value]", strings.ToUpper(strings.TrimSpace(name)))
	state := strings.ToUpper(strings.TrimSpace(hint))
	if usStates[state] {
		q.Set("filter[ENROLLMENT STATE][condition][path]", "ENROLLMENT STATE")
		q.Set("filter[ENROLLMENT STATE][condition][operator]", "=")
		q.Set("filter[ENROLLMENT STATE][condition][value]", state)
	} else {
		state = ""
	}
	q.Set("size", strconv.Itoa(p.maxResults))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &ProviderUnavailableError{Provider: p.Name(), Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusBadRequest, resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &RateLimitedError{Provider: p.Name(), RetryAfter: retryAfter(resp.Header.Get("Retry-After"))}
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &ProviderUnavailableError{Provider: p.Name(), Err: fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))}
	}

	var rows []cmsEnrollment
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&rows); err != nil {
		return nil, &ProviderUnavailableError{Provider: p.Name(), Err: fmt.Errorf("decode response: %w", err)}
	}
	return pickEnrollment(p.Name(), name, state, rows)
}

// scoreName rates how well a registry name matches the query: exact 100,
// containment 50, otherwise 10 per shared word, plus 25 for a state match.
func scoreName(query, candidate, wantState, gotState string) int {
	q := strings.ToLower(strings.TrimSpace(query))
	c := strings.ToLower(strings.TrimSpace(candidate))
	score := 0
	switch {
	case q == c:
		score = 100
	case strings.Contains(c, q) || strings.Contains(q, c):
		score = 50
	default:
		words := map[string]bool{}
		for _, w := range strings.Fields(q) {
			words[w] = true
		}
		seen := map[string]bool{}
		for _, w := range strings.Fields(c) {
			if words[w] && !seen[w] {
				seen[w] = true
				score += 10
			}
		}
	}
	if wantState != "" && strings.EqualFold(gotState, wantState) {
		score += 25
	}
	return score
}

// pickEnrollment returns the best-scoring row. When the top score is shared by
// rows with different addresses the result is ambiguous.
func pickEnrollment(provider, name, state string, rows []cmsEnrollment) (*LookupResult, error) {
	var cands []Candidate
	for _, r := range rows {
		s := scoreName(name, r.OrganizationName, state, r.State)
		if s == 0 {
			continue
		}
		cands = append(cands, Candidate{
			Name: r.OrganizationName,
			Address: models.Address{
				Street: strings.TrimSpace(r.AddressLine1),
				City:   strings.TrimSpace(r.City),
				State:  strings.ToUpper(strings.TrimSpace(r.State)),
				Zip:    strings.TrimSpace(r.ZipCode),
			},
			Score: s,
		})
	}
	if len(cands) == 0 {
		return nil, nil
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].Score > cands[j].Score })

	best := cands[0]
	tied := []Candidate{best}
	for _, c := range cands[1:] {
		if c.Score != best.Score {
			break
		}
		if c.Address != best.Address && !containsAddress(tied, c.Address) {
			tied = append(tied, c)
		}
	}
	if len(tied) > 1 {
		return nil, &AmbiguousError{Provider: provider, Candidates: tied}
	}
	return &LookupResult{MatchedName: best.Name, Fields: best.Address.Fields()}, nil
}

func containsAddress(cands []Candidate, a models.Address) bool {
	for _, c := range cands {
		if c.Address == a {
			return true
		}
	}
	return false
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP date
func retryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

var usStates = map[string]bool{
	"AL": true, "AK": true, "AZ": true, "AR": true, "CA": true, "CO": true, "CT": true, "DE": true,
	"FL": true, "GA": true, "HI": true, "ID": true, "IL": true, "IN": true, "IA": true, "KS": true,
	"KY": true, "LA": true, "ME": true, "MD": true, "MA": true, "MI": true, "MN": true, "MS": true,
	"MO": true, "MT": true, "NE": true, "NV": true, "NH": true, "NJ": true, "NM": true, "NY": true,
	"NC": true, "ND": true, "OH": true, "OK": true, "OR": true, "PA": true, "RI": true, "SC": true,
	"SD": true, "TN": true, "TX": true, "UT": true, "VT": true, "VA": true, "WA": true, "WV": true,
	"WI": true, "WY": true, "DC": true,
}
