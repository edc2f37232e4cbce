package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"biosure-backend/models"
)

// HCOReader is the read-only analytics data layer
type HCOReader interface {
	TopHCOs(ctx context.Context, metric models.HCOMetric, limit int) ([]models.HCO, error)
	FindByName(ctx context.Context, name string) ([]models.HCO, error)
}

// StructuredInsightHandler answers "top N HCOs" questions from the data layer
type StructuredInsightHandler struct {
	hcos         HCOReader
	defaultLimit int
	maxLimit     int
}

// NewStructuredInsightHandler creates a StructuredInsightHandler
func NewStructuredInsightHandler(hcos HCOReader, defaultLimit, maxLimit int) *StructuredInsightHandler {
	if maxLimit < 1 {
		maxLimit = 20
	}
	if defaultLimit < 1 || defaultLimit > maxLimit {
		defaultLimit = min(5, maxLimit)
	}
	return &StructuredInsightHandler{hcos: hcos, defaultLimit: defaultLimit, maxLimit: maxLimit}
}

// Limit clamps the requested count to 1..max, using the default when absent.
// A number too large for an int is clamped like any other.
func (h *StructuredInsightHandler) Limit(raw string) int {
	raw = strings.TrimSpace(raw)
	n, err := strconv.Atoi(raw)
	if errors.Is(err, strconv.ErrRange) {
		if strings.HasPrefix(raw, "-") {
			return 1
		}
		return h.maxLimit
	}
	if err != nil {
		return h.defaultLimit
	}
	return max(1, min(n, h.maxLimit))
}

func metricFor(raw string) models.HCOMetric {
	switch strings.ToLower(raw) {
	case "treated":
		return models.MetricTreated
	case "leakage":
		return models.MetricLeakage
	}
	return models.MetricGhost
}

var metricLabels = map[models.HCOMetric]string{
	models.MetricGhost:   "ghost patients",
	models.MetricTreated: "treated patients",
	models.MetricLeakage: "leakage rate",
}

// Handle implements QueryHandler
func (h *StructuredInsightHandler) Handle(ctx context.Context, req QueryRequest) (*models.Reply, error) {
	limit := h.Limit(req.Match.Param("limit"))
	metric := metricFor(req.Match.Param("metric"))

	hcos, err := h.hcos.TopHCOs(ctx, metric, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load top HCOs: %w", err)
	}
	return &models.Reply{Text: FormatTopHCOs(hcos, metric)}, nil
}

// FormatTopHCOs renders a numbered markdown list, one HCO per line
func FormatTopHCOs(hcos []models.HCO, metric models.HCOMetric) string {
	if len(hcos) == 0 {
		return "No HCO data found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Here are the top %d HCOs by %s:\n", len(hcos), metricLabels[metric])
	for i, hco := range hcos {
		state := hco.State
		if state == "" {
			state = "??"
		}
		fmt.Fprintf(&b, "\n%d. **%s** (%s) - ", i+1, hco.Name, state)
		if metric == models.MetricTreated {
			fmt.Fprintf(&b, "%d treated patients, ", hco.TreatedPatients)
		}
		fmt.Fprintf(&b, "%d ghost patients (%.1f%% leakage rate)", hco.GhostPatients, hco.LeakageRate())
	}
	return b.String()
}

// DocumentQuerier answers questions against indexed documents
type DocumentQuerier interface {
	Query(ctx context.Context, text string, scopeIDs []string) (*QueryResult, error)
}

// DocumentQAHandler forwards questions to the remote document index
type DocumentQAHandler struct {
	docs DocumentQuerier
}

// NewDocumentQAHandler creates a DocumentQAHandler
func NewDocumentQAHandler(docs DocumentQuerier) *DocumentQAHandler {
	return &DocumentQAHandler{docs: docs}
}

const ungroundedNote = "_Note: no indexed document supported this answer; it is based on general knowledge._"

// Handle implements QueryHandler
func (h *DocumentQAHandler) Handle(ctx context.Context, req QueryRequest) (*models.Reply, error) {
	res, err := h.docs.Query(ctx, req.Text, nil)
	if err != nil {
		return nil, err
	}

	reply := &models.Reply{Sources: res.Sources, Grounded: res.Grounded}
	if !res.Grounded {
		reply.Text = res.Answer + "\n\n" + ungroundedNote
		return reply, nil
	}
	names := make([]string, len(res.Sources))
	for i, s := range res.Sources {
		names[i] = s.Name
	}
	reply.Text = res.Answer + "\n\n**Sources:** " + strings.Join(names, ", ")
	return reply, nil
}

// Resolver resolves missing entity attributes
type Resolver interface {
	Resolve(ctx context.Context, req EnrichmentRequest) (*EnrichmentResult, error)
}

// EnrichmentHandler answers HCO address questions. A stored address verified
// within the staleness threshold wins; otherwise the enrichment chain is
// consulted and the stored address is the fallback.
type EnrichmentHandler struct {
	hcos      HCOReader
	resolver  Resolver
	websites  WebsiteFinder
	clock     Clock
	staleness time.Duration
}

// EnrichmentHandlerOption is a functional option for EnrichmentHandler
type EnrichmentHandlerOption func(*EnrichmentHandler)

// EnrichmentHandlerWithWebsites sets where the HCO website is looked up
func EnrichmentHandlerWithWebsites(w WebsiteFinder) EnrichmentHandlerOption {
	return func(h *EnrichmentHandler) {
		h.websites = w
	}
}

// EnrichmentHandlerWithClock sets the clock
func EnrichmentHandlerWithClock(clock Clock) EnrichmentHandlerOption {
	return func(h *EnrichmentHandler) {
		h.clock = clock
	}
}

// EnrichmentHandlerWithStaleness sets how old a stored address may be before it is re-verified
func EnrichmentHandlerWithStaleness(d time.Duration) EnrichmentHandlerOption {
	return func(h *EnrichmentHandler) {
		h.staleness = d
	}
}

// NewEnrichmentHandler creates an EnrichmentHandler
func NewEnrichmentHandler(hcos HCOReader, resolver Resolver, opts ...EnrichmentHandlerOption) *EnrichmentHandler {
	h := &EnrichmentHandler{
		hcos:      hcos,
		resolver:  resolver,
		clock:     RealClock(),
		staleness: 90 * 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle implements QueryHandler
func (h *EnrichmentHandler) Handle(ctx context.Context, req QueryRequest) (*models.Reply, error) {
	name := strings.TrimRight(strings.TrimSpace(req.Match.Param("entity")), "?.,!")
	if name == "" {
		return &models.Reply{Text: "Please specify an HCO name to look up the address."}, nil
	}

	matches, err := h.hcos.FindByName(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to look up HCO: %w", err)
	}
	if len(matches) == 0 {
		return &models.Reply{Text: fmt.Sprintf(
			"I couldn't find an HCO named **%s** in our records. Please check the name and try again, or ask me to show you the top HCOs.", name)}, nil
	}
	hco := matches[0]
	website := h.website(ctx, hco)

	if hco.AddressCurrent(h.clock.Now(), h.staleness) {
		return &models.Reply{Text: formatAddress(hco.Name, *hco.Address, "Address retrieved from our records.", website)}, nil
	}

	res, err := h.resolver.Resolve(ctx, EnrichmentRequest{
		EntityID: "hco:" + hco.ID,
		Name:     hco.Name,
		Hint:     hco.State,
	})
	if err != nil {
		return nil, err
	}

	switch res.Status {
	case EnrichmentCached, EnrichmentResolved:
		addr := models.AddressFromFields(res.Record.Fields)
		return &models.Reply{Text: formatAddress(hco.Name, addr, confidenceNote(res.Record), website)}, nil
	case EnrichmentAmbiguous:
		var b strings.Builder
		fmt.Fprintf(&b, "I found several possible matches for **%s**:\n", hco.Name)
		for i, c := range res.Candidates {
			fmt.Fprintf(&b, "\n%d. %s - %s", i+1, c.Name, c.Address.String())
		}
		b.WriteString("\n\nPlease ask again with the full name of the one you mean.")
		return &models.Reply{Text: b.String()}, nil
	}

	if res.Stale != nil {
		addr := models.AddressFromFields(res.Stale.Fields)
		return &models.Reply{Text: formatAddress(hco.Name, addr, unrefreshedNote(&res.Stale.LastUpdated), website)}, nil
	}
	if hco.Address != nil && !hco.Address.IsZero() {
		return &models.Reply{Text: formatAddress(hco.Name, *hco.Address, unrefreshedNote(hco.AddressVerifiedAt), website)}, nil
	}
	text := fmt.Sprintf(
		"I could not determine an address for **%s**. It may not be publicly available, or the name may need verification.", hco.Name)
	if website != "" {
		text += "\n\n**Website:** " + website
	}
	return &models.Reply{Text: text}, nil
}

// website is best effort; a failed lookup leaves it out of the reply
func (h *EnrichmentHandler) website(ctx context.Context, hco models.HCO) string {
	if h.websites == nil {
		return ""
	}
	site, err := h.websites.Website(ctx, hco.Name, hco.State)
	if err != nil {
		return ""
	}
	return site
}

func unrefreshedNote(verified *time.Time) string {
	if verified == nil {
		return "This address is from our records and could not be verified, so it may be out of date."
	}
	return fmt.Sprintf("This address was last verified on %s and could not be refreshed, so it may be out of date.",
		verified.Format("2006-01-02"))
}

func confidenceNote(rec *models.EnrichmentRecord) string {
	switch rec.Confidence {
	case models.ConfidenceCached:
		return fmt.Sprintf("Cached lookup from %s, last updated %s.", rec.SourceProvider, rec.LastUpdated.Format("2006-01-02"))
	case models.ConfidenceProviderBUnverified:
		return "Found via web search and not verified. Please confirm before relying on it."
	}
	return "Found in the CMS provider registry."
}

func formatAddress(name string, addr models.Address, note, website string) string {
	lines := []string{fmt.Sprintf("**Address for %s:**", name), ""}
	if addr.Street != "" {
		lines = append(lines, addr.Street)
	}
	var loc []string
	for _, part := range []string{addr.City, addr.State, addr.Zip} {
		if part != "" {
			loc = append(loc, part)
		}
	}
	if len(loc) > 0 {
		lines = append(lines, strings.Join(loc, ", "))
	}
	if website != "" {
		lines = append(lines, "", "**Website:** "+website)
	}
	lines = append(lines, "", "*"+note+"*")
	return strings.Join(lines, "\n")
}

// GeneralHandler is the fallback. Replies are keyword driven and mention the
// last topic discussed in the session.
type GeneralHandler struct{}

// NewGeneralHandler creates a GeneralHandler
func NewGeneralHandler() *GeneralHandler {
	return &GeneralHandler{}
}

type keywordReply struct {
	pattern *regexp.Regexp
	reply   string
}

var generalReplies = []keywordReply{
	{regexp.MustCompile(`(?i)\bhelp\b`), "I'm here to help! You can ask me about:\n\n" +
		"**Data insights:**\n" +
		"- 'Show me the top 5 HCOs with the highest ghost patients'\n" +
		"- 'Top 10 HCOs by leakage'\n" +
		"- 'What is the address of Mercy General Hospital?'\n\n" +
		"**Documents:**\n" +
		"- 'According to the guidelines, ...'\n" +
		"- 'What do the research papers say about ...'"},
	{regexp.MustCompile(`(?i)\bdashboard\b`), "The dashboard provides analytics including cohort analysis, " +
		"contract simulation, and ghost radar features. You can navigate between sections using the sidebar."},
	{regexp.MustCompile(`(?i)\bcohorts?\b`), "The Cohort Overview shows key metrics like retention rates and engagement. " +
		"You can filter by time period to analyze trends."},
	{regexp.MustCompile(`(?i)\bcontracts?\b`), "The Contract Simulator lets you model contract scenarios and see projected outcomes. " +
		"Uploaded contract PDFs can also be searched from the documents page."},
	{regexp.MustCompile(`(?i)\b(?:ghost|radar)\b`), "Ghost Radar identifies patients diagnosed at one HCO but treated elsewhere. " +
		"Ask me for the top HCOs by ghost patients to see where leakage is highest."},
	{regexp.MustCompile(`(?i)\b(?:hello|hi|hey)\b`), "Hello! How can I assist you today?"},
	{regexp.MustCompile(`(?i)\bthanks?\b|\bthank\s+you\b`), "You're welcome! Feel free to ask if you need anything else."},
}

const generalDefaultReply = "I understand. Is there anything specific you'd like to know? You can ask me:\n" +
	"- 'Show me the top 5 HCOs with the highest ghost patients'\n" +
	"- 'Where is Mercy General Hospital located?'\n" +
	"- A question about the indexed guidelines, policies or research papers\n" +
	"- Or ask about dashboard features"

var topicNames = map[string]string{
	"top_hcos":    "the top HCO rankings",
	"hco_address": "HCO addresses",
	"document_qa": "the document library",
}

// Handle implements QueryHandler
func (h *GeneralHandler) Handle(_ context.Context, req QueryRequest) (*models.Reply, error) {
	for _, kr := range generalReplies {
		if kr.pattern.MatchString(req.Text) {
			return &models.Reply{Text: kr.reply}, nil
		}
	}
	text := generalDefaultReply
	if topic := lastTopic(req.History); topic != "" {
		text = fmt.Sprintf("We were just looking at %s. Ask a follow-up, or try something new.\n\n%s", topic, text)
	}
	return &models.Reply{Text: text}, nil
}

// lastTopic returns the most recent non-general topic in history
func lastTopic(history []models.ChatMessage) string {
	for i := len(history) - 1; i >= 0; i-- {
		if name, ok := topicNames[history[i].Handler]; ok {
			return name
		}
	}
	return ""
}
