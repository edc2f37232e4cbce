package models

import (
	"errors"
	"fmt"
	"time"
)

// ProcessingState represents where a remote file is in the index's processing pipeline
type ProcessingState string

const (
	StateUploading  ProcessingState = "UPLOADING"
	StateProcessing ProcessingState = "PROCESSING"
	StateActive     ProcessingState = "ACTIVE"
	StateFailed     ProcessingState = "FAILED"
)

// ErrInvalidTransition is returned when a handle would move backwards
var ErrInvalidTransition = errors.New("invalid processing state transition")

// Valid reports whether s is one of the known states
func (s ProcessingState) Valid() bool {
	switch s {
	case StateUploading, StateProcessing, StateActive, StateFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible
func (s ProcessingState) Terminal() bool {
	return s == StateActive || s == StateFailed
}

// CanAdvance reports whether moving from s to next is a forward transition.
func (s ProcessingState) CanAdvance(next ProcessingState) bool {
	switch s {
	case StateUploading:
		return next == StateProcessing
	case StateProcessing:
		return next == StateActive || next == StateFailed
	}
	return false
}

// Predecessors returns the states from which s may be reached
func (s ProcessingState) Predecessors() []ProcessingState {
	switch s {
	case StateProcessing:
		return []ProcessingState{StateUploading}
	case StateActive, StateFailed:
		return []ProcessingState{StateProcessing}
	}
	return nil
}

// RemoteFileHandle represents a document uploaded to the remote index
type RemoteFileHandle struct {
	RemoteID        string          `json:"remote_id"`
	IdentityHash    string          `json:"identity_hash"`
	DisplayName     string          `json:"display_name"`
	Category        Category        `json:"category"`
	ProcessingState ProcessingState `json:"processing_state"`
	RemoteURI       string          `json:"remote_uri"`
	MIMEType        string          `json:"mime_type"`
	LastStateCheck  time.Time       `json:"last_state_check"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Advance moves the handle to next. Re-observing the current state only
// refreshes LastStateCheck.
func (h *RemoteFileHandle) Advance(next ProcessingState, at time.Time) error {
	if h.ProcessingState == next {
		h.LastStateCheck = at
		return nil
	}
	if !h.ProcessingState.CanAdvance(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, h.ProcessingState, next)
	}
	h.ProcessingState = next
	h.LastStateCheck = at
	return nil
}

// SyncOutcome is the per-document result of a sync run
type SyncOutcome string

const (
	SyncUploaded SyncOutcome = "uploaded"
	SyncSkipped  SyncOutcome = "skipped"
	SyncFailed   SyncOutcome = "failed"
)

// SyncItem records what happened to one scanned document
type SyncItem struct {
	IdentityHash string          `json:"identity_hash"`
	DisplayName  string          `json:"display_name"`
	LocalPath    string          `json:"local_path"`
	Outcome      SyncOutcome     `json:"outcome"`
	RemoteID     string          `json:"remote_id,omitempty"`
	State        ProcessingState `json:"state,omitempty"`
	Reason       string          `json:"reason,omitempty"`
}

// SyncReport summarizes a sync run. Every scanned document appears in Items exactly once.
type SyncReport struct {
	Uploaded int        `json:"uploaded"`
	Skipped  int        `json:"skipped"`
	Failed   int        `json:"failed"`
	Errors   []string   `json:"errors"`
	Items    []SyncItem `json:"items"`
}

// Add folds one item into the counters
func (r *SyncReport) Add(item SyncItem) {
	switch item.Outcome {
	case SyncUploaded:
		r.Uploaded++
	case SyncSkipped:
		r.Skipped++
	case SyncFailed:
		r.Failed++
		r.Errors = append(r.Errors, fmt.Sprintf("%s: %s", item.DisplayName, item.Reason))
	}
	r.Items = append(r.Items, item)
}
