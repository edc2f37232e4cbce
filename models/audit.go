package models

import (
	"time"

	"github.com/google/uuid"
)

// AuditOutcome represents whether an audited action succeeded
type AuditOutcome string

const (
	OutcomeSuccess AuditOutcome = "SUCCESS"
	OutcomeFailure AuditOutcome = "FAILURE"
)

// AuditEntry represents one append-only compliance record.
// PrevHash and Hash are filled by sinks that chain entries.
type AuditEntry struct {
	ID            uuid.UUID    `json:"id"`
	TimestampUTC  time.Time    `json:"timestamp_utc"`
	Actor         string       `json:"actor"`
	Action        string       `json:"action"`
	InputsDigest  string       `json:"inputs_digest"`
	OutputsDigest string       `json:"outputs_digest"`
	Outcome       AuditOutcome `json:"outcome"`
	Detail        string       `json:"detail,omitempty"`
	PrevHash      string       `json:"prev_hash,omitempty"`
	Hash          string       `json:"hash,omitempty"`
}
