package service

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"slices"
	"strings"
	"time"

	"biosure-backend/models"

	"golang.org/x/net/html"
)

// WebSearchProvider extracts addresses from DuckDuckGo HTML search results.
// Results are unverified.
type WebSearchProvider struct {
	baseURL    string
	client     *http.Client
	maxResults int
	userAgent  string
}

// NewWebSearchProvider creates a web search provider
func NewWebSearchProvider(baseURL string, timeout time.Duration, maxResults int) *WebSearchProvider {
	return &WebSearchProvider{
		baseURL:    baseURL,
		client:     &http.Client{Timeout: timeout},
		maxResults: maxResults,
		userAgent:  "Mozilla/5.0 (compatible; biosure-assistant/1.0)",
	}
}

// Name implements Provider
func (p *WebSearchProvider) Name() string { return "web_search" }

// Confidence implements Provider
func (p *WebSearchProvider) Confidence() models.Confidence {
	return models.ConfidenceProviderBUnverified
}

type searchResult struct {
	Title   string
	Snippet string
	URL     string
}

// Lookup implements Provider
func (p *WebSearchProvider) Lookup(ctx context.Context, name, hint string) (*LookupResult, error) {
	state := strings.ToUpper(strings.TrimSpace(hint))
	if !usStates[state] {
		state = ""
	}
	query := fmt.Sprintf("%q hospital address location", strings.TrimSpace(name))
	if state != "" {
		query = fmt.Sprintf("%q %s hospital address location", strings.TrimSpace(name), state)
	}

	results, err := p.search(ctx, query)
	if err != nil {
		return nil, err
	}

	var fallback *models.Address
	for _, r := range results {
		addr, ok := extractAddress(r.Title + " " + r.Snippet + " " + r.URL)
		if !ok {
			continue
		}
		if state == "" || addr.State == state {
			return &LookupResult{MatchedName: r.Title, Fields: addr.Fields()}, nil
		}
		if fallback == nil {
			a := addr
			fallback = &a
		}
	}
	if fallback != nil {
		return &LookupResult{Fields: fallback.Fields()}, nil
	}
	return nil, nil
}

// search fetches one results page. DuckDuckGo answers 202 when it is throttling.
func (p *WebSearchProvider) search(ctx context.Context, query string) ([]searchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"?"+url.Values{"q": {query}}.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", p.userAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &ProviderUnavailableError{Provider: p.Name(), Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusAccepted, http.StatusTooManyRequests:
		return nil, &RateLimitedError{Provider: p.Name(), RetryAfter: retryAfter(resp.Header.Get("Retry-After"))}
	default:
		return nil, &ProviderUnavailableError{Provider: p.Name(), Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	results, err := parseSearchResults(io.LimitReader(resp.Body, 2<<20), p.maxResults)
	if err != nil {
		return nil, &ProviderUnavailableError{Provider: p.Name(), Err: err}
	}
	return results, nil
}

// Website implements WebsiteFinder. It returns "" when no result looks like
// the organization's own site.
func (p *WebSearchProvider) Website(ctx context.Context, name, hint string) (string, error) {
	name = strings.TrimSpace(name)
	query := fmt.Sprintf("%q hospital official website", name)
	if state := strings.ToUpper(strings.TrimSpace(hint)); usStates[state] {
		query = fmt.Sprintf("%q %s hospital official website", name, state)
	}
	results, err := p.search(ctx, query)
	if err != nil {
		return "", err
	}
	return pickWebsite(results, name), nil
}

// directorySites are listing and social sites that never count as an
// organization's own website
var directorySites = []string{
	"facebook.", "twitter.", "linkedin.", "wikipedia.",
	"yelp.", "healthgrades.", "vitals.", "google.",
}

// resultURL unwraps DuckDuckGo redirect links and keeps only absolute http(s) URLs
func resultURL(href string) (*url.URL, bool) {
	u, err := url.Parse(href)
	if err != nil {
		return nil, false
	}
	if target := u.Query().Get("uddg"); target != "" {
		if u, err = url.Parse(target); err != nil {
			return nil, false
		}
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, false
	}
	return u, true
}

// pickWebsite scores the non-directory results. Earlier results score
// higher, as do domains containing a word of the name, .org/.edu/.com
// domains, and titles containing the full name.
func pickWebsite(results []searchResult, name string) string {
	var words []string
	for _, w := range strings.Fields(strings.ToLower(name)) {
		if w = strings.Trim(w, ".,'&()-"); len(w) > 3 {
			words = append(words, w)
		}
	}
	lowerName := strings.ToLower(name)

	var best *url.URL
	bestScore := -1
	for i, r := range results {
		u, ok := resultURL(r.URL)
		if !ok {
			continue
		}
		host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
		if slices.ContainsFunc(directorySites, func(d string) bool { return strings.Contains(host, d) }) {
			continue
		}

		score := max(0, 10-i) * 10
		if slices.ContainsFunc(words, func(w string) bool { return strings.Contains(host, w) }) {
			score += 50
		}
		switch {
		case strings.HasSuffix(host, ".org"):
			score += 30
		case strings.HasSuffix(host, ".edu"):
			score += 25
		case strings.HasSuffix(host, ".com"):
			score += 20
		}
		if lowerName != "" && strings.Contains(strings.ToLower(r.Title), lowerName) {
			score += 20
		}
		if score > bestScore {
			best, bestScore = u, score
		}
	}
	if best == nil {
		return ""
	}
	best.RawQuery = ""
	best.Fragment = ""
	return best.String()
}

func hasClass(n *html.Node, class string) bool {
	for _, a := range n.Attr {
		if a.Key == "class" {
			for _, c := range strings.Fields(a.Val) {
				if c == class {
					return true
				}
			}
		}
	}
	return false
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(b.String()), " ")
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// parseSearchResults reads result titles and snippets from the DuckDuckGo HTML page
func parseSearchResults(r io.Reader, limit int) ([]searchResult, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, err
	}

	var results []searchResult
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if limit > 0 && len(results) >= limit {
			return
		}
		if n.Type == html.ElementNode {
			switch {
			case hasClass(n, "result__a"):
				results = append(results, searchResult{Title: nodeText(n), URL: attr(n, "href")})
				return
			case hasClass(n, "result__snippet"):
				if len(results) > 0 && results[len(results)-1].Snippet == "" {
					results[len(results)-1].Snippet = nodeText(n)
				}
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return results, nil
}

var (
	fullAddressPattern = regexp.MustCompile(`(?i)(\d+\s+[A-Za-z0-9\s,\.]+?),\s*([A-Za-z\s]+),\s*([A-Z]{2})\s+(\d{5}(?:-\d{4})?)`)
	streetZipPattern   = regexp.MustCompile(`(?i)(\d+\s+[A-Za-z0-9\s,\.]+?)\s+(\d{5}(?:-\d{4})?)`)
	cityStatePattern   = regexp.MustCompile(`(?i)([A-Za-z\s]+),\s*([A-Z]{2})\b`)
	locatedInPattern   = regexp.MustCompile(`(?i)(?:located\s+in|address[:\s]+|in\s+)([A-Za-z\s]+),\s*([A-Z]{2})\b`)
)

// extractAddress finds a US address in free text. It tries a full
// street/city/state/zip form, then street and zip with a nearby city and
// state, then a bare "located in City, ST".
func extractAddress(text string) (models.Address, bool) {
	if m := fullAddressPattern.FindStringSubmatch(text); m != nil {
		if st := strings.ToUpper(m[3]); usStates[st] {
			return models.Address{
				Street: strings.TrimSpace(m[1]),
				City:   strings.TrimSpace(m[2]),
				State:  st,
				Zip:    m[4],
			}, true
		}
	}

	if m := streetZipPattern.FindStringSubmatch(text); m != nil {
		if cs := cityStatePattern.FindStringSubmatch(text); cs != nil {
			if st := strings.ToUpper(cs[2]); usStates[st] {
				return models.Address{
					Street: strings.TrimSpace(m[1]),
					City:   strings.TrimSpace(cs[1]),
					State:  st,
					Zip:    m[2],
				}, true
			}
		}
	}

	if m := locatedInPattern.FindStringSubmatch(text); m != nil {
		if st := strings.ToUpper(m[2]); usStates[st] {
			return models.Address{City: strings.TrimSpace(m[1]), State: st}, true
		}
	}
	return models.Address{}, false
}
