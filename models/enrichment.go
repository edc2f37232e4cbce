package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Confidence represents how authoritative an enrichment value is
type Confidence string

const (
	ConfidenceCached              Confidence = "CACHED"
	ConfidenceProviderA           Confidence = "PROVIDER_A"
	ConfidenceProviderBUnverified Confidence = "PROVIDER_B_UNVERIFIED"
)

// EnrichmentFields represents looked-up attributes of an entity
type EnrichmentFields map[string]string

// Value implements driver.Valuer for JSONB
func (f EnrichmentFields) Value() (driver.Value, error) {
	if f == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(f)
}

// Scan implements sql.Scanner for JSONB
func (f *EnrichmentFields) Scan(value interface{}) error {
	var bytes []byte
	switch v := value.(type) {
	case nil:
		*f = EnrichmentFields{}
		return nil
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("unsupported JSONB type %T", value)
	}
	if len(bytes) == 0 {
		*f = EnrichmentFields{}
		return nil
	}
	return json.Unmarshal(bytes, f)
}

// EnrichmentRecord represents a cached lookup result for an entity
type EnrichmentRecord struct {
	EntityID       string           `json:"entity_id"`
	Fields         EnrichmentFields `json:"fields"`
	SourceProvider string           `json:"source_provider"`
	LastUpdated    time.Time        `json:"last_updated"`
	Confidence     Confidence       `json:"confidence"`
}

// Stale reports whether the record is older than threshold at now
func (r *EnrichmentRecord) Stale(now time.Time, threshold time.Duration) bool {
	return now.Sub(r.LastUpdated) > threshold
}

// Address field keys stored in EnrichmentFields
const (
	FieldStreet = "street"
	FieldCity   = "city"
	FieldState  = "state"
	FieldZip    = "zip"
)

// Address represents a US postal address
type Address struct {
	Street string `json:"street"`
	City   string `json:"city,omitempty"`
	State  string `json:"state,omitempty"`
	Zip    string `json:"zip,omitempty"`
}

// Fields converts the address to enrichment fields, omitting empty parts
func (a Address) Fields() EnrichmentFields {
	f := EnrichmentFields{}
	for k, v := range map[string]string{FieldStreet: a.Street, FieldCity: a.City, FieldState: a.State, FieldZip: a.Zip} {
		if v != "" {
			f[k] = v
		}
	}
	return f
}

// AddressFromFields is the inverse of Address.Fields
func AddressFromFields(f EnrichmentFields) Address {
	return Address{Street: f[FieldStreet], City: f[FieldCity], State: f[FieldState], Zip: f[FieldZip]}
}

// IsZero reports whether no part of the address is known
func (a Address) IsZero() bool {
	return a.Street == "" && a.City == "" && a.State == "" && a.Zip == ""
}

// String formats the address as "street, city, ST zip"
func (a Address) String() string {
	var parts []string
	if a.Street != "" {
		parts = append(parts, a.Street)
	}
	if a.City != "" {
		parts = append(parts, a.City)
	}
	tail := strings.TrimSpace(a.State + " " + a.Zip)
	if tail != "" {
		parts = append(parts, tail)
	}
	return strings.Join(parts, ", ")
}
