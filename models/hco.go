package models

import "time"

// HCO represents a healthcare organization as exposed by the analytics data layer
type HCO struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	State           string   `json:"state"`
	GhostPatients   int      `json:"ghost_patients"`
	TreatedPatients int      `json:"treated_patients"`
	Address         *Address `json:"address,omitempty"`

	// AddressVerifiedAt is when Address was last confirmed; nil means never
	AddressVerifiedAt *time.Time `json:"address_verified_at,omitempty"`
}

// AddressCurrent reports whether the stored address was verified no more
// than maxAge before now. An address without a verification time is not current.
func (h HCO) AddressCurrent(now time.Time, maxAge time.Duration) bool {
	if h.Address == nil || h.Address.IsZero() || h.AddressVerifiedAt == nil {
		return false
	}
	return now.Sub(*h.AddressVerifiedAt) <= maxAge
}

// LeakageRate returns ghost patients as a percentage of all patients seen
func (h HCO) LeakageRate() float64 {
	total := h.GhostPatients + h.TreatedPatients
	if total == 0 {
		return 0
	}
	return float64(h.GhostPatients) / float64(total) * 100
}

// HCOMetric selects the value HCOs are ranked by
type HCOMetric string

const (
	MetricGhost   HCOMetric = "ghost"
	MetricTreated HCOMetric = "treated"
	MetricLeakage HCOMetric = "leakage"
)

// Value returns the metric value for h
func (m HCOMetric) Value(h HCO) float64 {
	switch m {
	case MetricTreated:
		return float64(h.TreatedPatients)
	case MetricLeakage:
		return h.LeakageRate()
	}
	return float64(h.GhostPatients)
}
