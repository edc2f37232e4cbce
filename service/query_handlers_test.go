package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"biosure-backend/models"
	"biosure-backend/repository"
)

var recentlyVerified = time.Now().UTC().AddDate(0, 0, -10)

func sampleHCOs() []models.HCO {
	return []models.HCO{
		{ID: "1", Name: "Mercy General", State: "CA", GhostPatients: 120, TreatedPatients: 380},
		{ID: "2", Name: "St Mary Medical Center", State: "NY", GhostPatients: 95, TreatedPatients: 5},
		{ID: "3", Name: "Lakeside Clinic", State: "TX", GhostPatients: 80, TreatedPatients: 320},
		{ID: "4", Name: "Riverbend Oncology", State: "FL", GhostPatients: 40, TreatedPatients: 60,
			Address: &models.Address{Street: "9 River Rd", City: "Tampa", State: "FL", Zip: "33602"}, AddressVerifiedAt: &recentlyVerified},
		{ID: "5", Name: "Hilltop Health", State: "WA", GhostPatients: 10, TreatedPatients: 990},
	}
}

func match(params map[string]string) *models.IntentMatch {
	return &models.IntentMatch{Params: params}
}

func TestTopHCOsListsRequestedCountInOrder(t *testing.T) {
	h := NewStructuredInsightHandler(repository.NewMemoryHCORepository(sampleHCOs()), 5, 20)

	reply, err := h.Handle(context.Background(), QueryRequest{
		Text:  "top 3 HCOs by ghost patients",
		Match: match(map[string]string{"limit": "3", "metric": "ghost"}),
	})
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(reply.Text, "\n")
	var entries []string
	for _, l := range lines {
		if len(l) > 2 && l[1] == '.' {
			entries = append(entries, l)
		}
	}
	want := []string{
		"1. **Mercy General** (CA) - 120 ghost patients (24.0% leakage rate)",
		"2. **St Mary Medical Center** (NY) - 95 ghost patients (95.0% leakage rate)",
		"3. **Lakeside Clinic** (TX) - 80 ghost patients (20.0% leakage rate)",
	}
	if len(entries) != len(want) {
		t.Fatalf("entries = %q", entries)
	}
	for i := range want {
		if entries[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i+1, entries[i], want[i])
		}
	}
}

func TestTopHCOsLimitIsClamped(t *testing.T) {
	h := NewStructuredInsightHandler(repository.NewMemoryHCORepository(nil), 5, 20)
	tests := map[string]int{"": 5, "abc": 5, "0": 1, "-3": 1, "7": 7, "500": 20,
		"99999999999999999999": 20, "-99999999999999999999": 1,
	}
	for raw, want := range tests {
		if got := h.Limit(raw); got != want {
			t.Errorf("Limit(%q) = %d, want %d", raw, got, want)
		}
	}
}

func TestTopHCOsByLeakage(t *testing.T) {
	h := NewStructuredInsightHandler(repository.NewMemoryHCORepository(sampleHCOs()), 5, 20)
	reply, err := h.Handle(context.Background(), QueryRequest{Match: match(map[string]string{"limit": "1", "metric": "leakage"})})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply.Text, "**St Mary Medical Center**") || !strings.Contains(reply.Text, "by leakage rate") {
		t.Errorf("reply = %q", reply.Text)
	}
}

func TestTopHCOsEmpty(t *testing.T) {
	h := NewStructuredInsightHandler(repository.NewMemoryHCORepository(nil), 5, 20)
	reply, err := h.Handle(context.Background(), QueryRequest{Match: match(nil)})
	if err != nil {
		t.Fatal(err)
	}
	if reply.Text != "No HCO data found." {
		t.Errorf("reply = %q", reply.Text)
	}
}

type stubQuerier struct{ res *QueryResult }

func (s stubQuerier) Query(ctx context.Context, text string, scopeIDs []string) (*QueryResult, error) {
	return s.res, nil
}

func TestDocumentQALabelsUngroundedAnswers(t *testing.T) {
	h := NewDocumentQAHandler(stubQuerier{&QueryResult{Answer: "Generally, yes.", Sources: []models.Source{}}})
	reply, err := h.Handle(context.Background(), QueryRequest{Text: "according to the policy?"})
	if err != nil {
		t.Fatal(err)
	}
	if reply.Grounded || !strings.Contains(reply.Text, ungroundedNote) {
		t.Errorf("reply = %+v", reply)
	}
}

func TestDocumentQAListsSources(t *testing.T) {
	h := NewDocumentQAHandler(stubQuerier{&QueryResult{
		Answer:   "Dose weekly.",
		Sources:  []models.Source{{Name: "guideline", RemoteID: "files/1"}},
		Grounded: true,
	}})
	reply, err := h.Handle(context.Background(), QueryRequest{Text: "according to the guideline?"})
	if err != nil {
		t.Fatal(err)
	}
	if !reply.Grounded || len(reply.Sources) != 1 || !strings.Contains(reply.Text, "**Sources:** guideline") {
		t.Errorf("reply = %+v", reply)
	}
}

type stubResolver struct {
	res   *EnrichmentResult
	calls int
}

func (s *stubResolver) Resolve(ctx context.Context, req EnrichmentRequest) (*EnrichmentResult, error) {
	s.calls++
	return s.res, nil
}

func TestEnrichmentHandlerPrefersStoredAddress(t *testing.T) {
	resolver := &stubResolver{}
	h := NewEnrichmentHandler(repository.NewMemoryHCORepository(sampleHCOs()), resolver)

	reply, err := h.Handle(context.Background(), QueryRequest{Match: match(map[string]string{"entity": "Riverbend Oncology?"})})
	if err != nil {
		t.Fatal(err)
	}
	if resolver.calls != 0 || !strings.Contains(reply.Text, "9 River Rd") {
		t.Errorf("calls=%d reply=%q", resolver.calls, reply.Text)
	}
}

func TestEnrichmentHandlerUsesChain(t *testing.T) {
	resolver := &stubResolver{res: &EnrichmentResult{
		Status: EnrichmentResolved,
		Record: &models.EnrichmentRecord{
			Fields:     models.Address{Street: "2 Oak Ave", City: "Sacramento", State: "CA", Zip: "95819"}.Fields(),
			Confidence: models.ConfidenceProviderBUnverified,
		},
	}}
	h := NewEnrichmentHandler(repository.NewMemoryHCORepository(sampleHCOs()), resolver)

	reply, err := h.Handle(context.Background(), QueryRequest{Match: match(map[string]string{"entity": "Mercy General"})})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply.Text, "2 Oak Ave") || !strings.Contains(reply.Text, "Sacramento, CA, 95819") || !strings.Contains(reply.Text, "not verified") {
		t.Errorf("reply = %q", reply.Text)
	}
}

func TestEnrichmentHandlerOutcomes(t *testing.T) {
	tests := []struct {
		name string
		res  *EnrichmentResult
		want string
	}{
		{"not found", &EnrichmentResult{Status: EnrichmentNotFound}, "could not determine"},
		{"stale", &EnrichmentResult{Status: EnrichmentNotFound, Stale: &models.EnrichmentRecord{
			Fields:      models.EnrichmentFields{models.FieldCity: "Reno"},
			LastUpdated: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		}}, "last verified on 2024-01-02"},
		{"ambiguous", &EnrichmentResult{Status: EnrichmentAmbiguous, Candidates: []Candidate{
			{Name: "Mercy General North", Address: models.Address{City: "Reno", State: "NV"}},
			{Name: "Mercy General South", Address: models.Address{City: "Troy", State: "NY"}},
		}}, "several possible matches"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewEnrichmentHandler(repository.NewMemoryHCORepository(sampleHCOs()), &stubResolver{res: tt.res})
			reply, err := h.Handle(context.Background(), QueryRequest{Match: match(map[string]string{"entity": "Mercy General"})})
			if err != nil {
				t.Fatal(err)
			}
			if !strings.Contains(reply.Text, tt.want) {
				t.Errorf("reply = %q, want %q", reply.Text, tt.want)
			}
		})
	}
}

func TestEnrichmentHandlerRefreshesExpiredStoredAddress(t *testing.T) {
	clock := newFakeClock()
	verified := clock.Now().AddDate(0, 0, -120)
	hcos := repository.NewMemoryHCORepository([]models.HCO{{ID: "9", Name: "Bayview Hospital", State: "CA",
		Address: &models.Address{Street: "1 Old Pier", City: "Oakland", State: "CA"}, AddressVerifiedAt: &verified}})
	q := QueryRequest{Match: match(map[string]string{"entity": "Bayview Hospital"})}

	resolver := &stubResolver{res: &EnrichmentResult{
		Status: EnrichmentResolved,
		Record: &models.EnrichmentRecord{
			Fields:     models.Address{Street: "77 New Dock", City: "Oakland", State: "CA"}.Fields(),
			Confidence: models.ConfidenceProviderA,
		},
	}}
	h := NewEnrichmentHandler(hcos, resolver, EnrichmentHandlerWithClock(clock), EnrichmentHandlerWithStaleness(90*24*time.Hour))
	reply, err := h.Handle(context.Background(), q)
	if err != nil {
		t.Fatal(err)
	}
	if resolver.calls != 1 || !strings.Contains(reply.Text, "77 New Dock") {
		t.Errorf("calls=%d reply=%q", resolver.calls, reply.Text)
	}

	// Refresh failed: fall back to the stored address with its age
	resolver = &stubResolver{res: &EnrichmentResult{Status: EnrichmentNotFound}}
	h = NewEnrichmentHandler(hcos, resolver, EnrichmentHandlerWithClock(clock), EnrichmentHandlerWithStaleness(90*24*time.Hour))
	reply, err = h.Handle(context.Background(), q)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply.Text, "1 Old Pier") || !strings.Contains(reply.Text, "last verified on "+verified.Format("2006-01-02")) {
		t.Errorf("reply = %q", reply.Text)
	}
}

func TestEnrichmentHandlerUnverifiedStoredAddressIsRefreshed(t *testing.T) {
	hcos := repository.NewMemoryHCORepository([]models.HCO{{ID: "9", Name: "Bayview Hospital", State: "CA",
		Address: &models.Address{Street: "1 Old Pier", City: "Oakland", State: "CA"}}})
	resolver := &stubResolver{res: &EnrichmentResult{Status: EnrichmentNotFound}}
	h := NewEnrichmentHandler(hcos, resolver)

	reply, err := h.Handle(context.Background(), QueryRequest{Match: match(map[string]string{"entity": "Bayview"})})
	if err != nil {
		t.Fatal(err)
	}
	if resolver.calls != 1 || !strings.Contains(reply.Text, "1 Old Pier") || !strings.Contains(reply.Text, "could not be verified") {
		t.Errorf("calls=%d reply=%q", resolver.calls, reply.Text)
	}
}

type stubWebsites struct {
	site string
	err  error
}

func (s stubWebsites) Website(ctx context.Context, name, hint string) (string, error) {
	return s.site, s.err
}

func TestEnrichmentHandlerShowsWebsite(t *testing.T) {
	h := NewEnrichmentHandler(repository.NewMemoryHCORepository(sampleHCOs()), &stubResolver{},
		EnrichmentHandlerWithWebsites(stubWebsites{site: "https://riverbend.org/"}))
	reply, err := h.Handle(context.Background(), QueryRequest{Match: match(map[string]string{"entity": "Riverbend Oncology"})})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply.Text, "**Website:** https://riverbend.org/") {
		t.Errorf("reply = %q", reply.Text)
	}

	h = NewEnrichmentHandler(repository.NewMemoryHCORepository(sampleHCOs()),
		&stubResolver{res: &EnrichmentResult{Status: EnrichmentNotFound}},
		EnrichmentHandlerWithWebsites(stubWebsites{site: "https://mercy.org/"}))
	reply, err = h.Handle(context.Background(), QueryRequest{Match: match(map[string]string{"entity": "Mercy General"})})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply.Text, "could not determine") || !strings.Contains(reply.Text, "**Website:** https://mercy.org/") {
		t.Errorf("reply = %q", reply.Text)
	}

	h = NewEnrichmentHandler(repository.NewMemoryHCORepository(sampleHCOs()), &stubResolver{},
		EnrichmentHandlerWithWebsites(stubWebsites{err: errors.New("down")}))
	reply, err = h.Handle(context.Background(), QueryRequest{Match: match(map[string]string{"entity": "Riverbend Oncology"})})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(reply.Text, "Website") || !strings.Contains(reply.Text, "9 River Rd") {
		t.Errorf("reply = %q", reply.Text)
	}
}

func TestEnrichmentHandlerUnknownHCO(t *testing.T) {
	resolver := &stubResolver{}
	h := NewEnrichmentHandler(repository.NewMemoryHCORepository(sampleHCOs()), resolver)
	reply, err := h.Handle(context.Background(), QueryRequest{Match: match(map[string]string{"entity": "Nowhere Clinic"})})
	if err != nil {
		t.Fatal(err)
	}
	if resolver.calls != 0 || !strings.Contains(reply.Text, "couldn't find") {
		t.Errorf("reply = %q", reply.Text)
	}
}

func TestGeneralHandlerKeywordsAndContext(t *testing.T) {
	h := NewGeneralHandler()
	tests := []struct {
		text    string
		history []models.ChatMessage
		want    string
	}{
		{"help", nil, "I'm here to help"},
		{"hi!", nil, "Hello!"},
		{"which one?", nil, "I understand"},
		{"thanks", nil, "You're welcome"},
		{"ok and then?", []models.ChatMessage{{Role: models.RoleAssistant, Handler: "top_hcos"}}, "top HCO rankings"},
	}
	for _, tt := range tests {
		reply, err := h.Handle(context.Background(), QueryRequest{Text: tt.text, History: tt.history})
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(reply.Text, tt.want) {
			t.Errorf("%q: reply = %q, want %q", tt.text, reply.Text, tt.want)
		}
	}
}
