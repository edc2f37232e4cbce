package models

import (
	"errors"
	"math/rand"
	"testing"
	"time"
)

var allStates = []ProcessingState{StateUploading, StateProcessing, StateActive, StateFailed}

func rank(s ProcessingState) int {
	switch s {
	case StateUploading:
		return 0
	case StateProcessing:
		return 1
	}
	return 2
}

func TestAdvanceNeverMovesBackward(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for run := 0; run < 500; run++ {
		h := &RemoteFileHandle{ProcessingState: StateUploading}
		for step := 0; step < 10; step++ {
			before := h.ProcessingState
			next := allStates[rng.Intn(len(allStates))]
			err := h.Advance(next, start.Add(time.Duration(step)*time.Second))

			if rank(h.ProcessingState) < rank(before) {
				t.Fatalf("run %d: moved backward %s -> %s", run, before, h.ProcessingState)
			}
			if before.Terminal() && h.ProcessingState != before {
				t.Fatalf("run %d: left terminal state %s for %s", run, before, h.ProcessingState)
			}
			if err != nil {
				if !errors.Is(err, ErrInvalidTransition) {
					t.Fatalf("unexpected error type: %v", err)
				}
				if h.ProcessingState != before {
					t.Fatalf("state changed on rejected transition")
				}
			}
		}
	}
}

func TestAdvanceTable(t *testing.T) {
	tests := []struct {
		from, to ProcessingState
		ok       bool
	}{
		{StateUploading, StateProcessing, true},
		{StateUploading, StateActive, false},
		{StateProcessing, StateActive, true},
		{StateProcessing, StateFailed, true},
		{StateActive, StateProcessing, false},
		{StateFailed, StateActive, false},
		{StateActive, StateActive, true},
	}
	now := time.Now()
	for _, tt := range tests {
		h := &RemoteFileHandle{ProcessingState: tt.from}
		err := h.Advance(tt.to, now)
		if (err == nil) != tt.ok {
			t.Errorf("%s -> %s: err = %v, want ok=%v", tt.from, tt.to, err, tt.ok)
		}
		if tt.ok && !h.LastStateCheck.Equal(now) {
			t.Errorf("%s -> %s: LastStateCheck not updated", tt.from, tt.to)
		}
	}
}

func TestSyncReportAdd(t *testing.T) {
	var r SyncReport
	r.Add(SyncItem{DisplayName: "a", Outcome: SyncUploaded})
	r.Add(SyncItem{DisplayName: "b", Outcome: SyncSkipped})
	r.Add(SyncItem{DisplayName: "c", Outcome: SyncFailed, Reason: "boom"})

	if r.Uploaded != 1 || r.Skipped != 1 || r.Failed != 1 {
		t.Fatalf("counts = %d/%d/%d", r.Uploaded, r.Skipped, r.Failed)
	}
	if len(r.Errors) != 1 || r.Errors[0] != "c: boom" {
		t.Fatalf("errors = %v", r.Errors)
	}
	if len(r.Items) != 3 {
		t.Fatalf("items = %d", len(r.Items))
	}
}

func TestParseCategory(t *testing.T) {
	for in, want := range map[string]Category{
		"research_papers": CategoryResearch,
		"Policies":        CategoryPolicy,
		" contract ":      CategoryContract,
		"clinical":        CategoryClinical,
	} {
		got, err := ParseCategory(in)
		if err != nil || got != want {
			t.Errorf("ParseCategory(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseCategory("memes"); !errors.Is(err, ErrUnknownCategory) {
		t.Errorf("expected ErrUnknownCategory, got %v", err)
	}
}

func TestLeakageRate(t *testing.T) {
	h := HCO{GhostPatients: 30, TreatedPatients: 70}
	if got := h.LeakageRate(); got != 30 {
		t.Errorf("LeakageRate = %v", got)
	}
	if got := (HCO{}).LeakageRate(); got != 0 {
		t.Errorf("empty LeakageRate = %v", got)
	}
}
