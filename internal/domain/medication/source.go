package medication

import "time"

// SourceOrigin names where a medication-list snapshot came from
type SourceOrigin string

const (
	OriginHome          SourceOrigin = "home"
	OriginHospital      SourceOrigin = "hospital"
	OriginGP            SourceOrigin = "gp"
	OriginPharmacy      SourceOrigin = "pharmacy"
	OriginCareHomeChart SourceOrigin = "care_home_chart"
)

// SourceReliability rates how trustworthy a snapshot is
type SourceReliability string

const (
	ReliabilityHigh   SourceReliability = "high"
	ReliabilityMedium SourceReliability = "medium"
	ReliabilityLow    SourceReliability = "low"
)

// SourceEntry is one medication line in a snapshot
type SourceEntry struct {
	Medication Medication `json:"medication"`
	Dosage     Dosage     `json:"dosage"`
	Route      Route      `json:"route"`
	Timing     string     `json:"timing,omitempty"`
	Indication string     `json:"indication,omitempty"`
}

// MedicationSource is a snapshot of a resident's medication list taken from
// a named origin at a point in time. Immutable once captured.
type MedicationSource struct {
	ID          string            `json:"id"`
	ResidentID  string            `json:"resident_id"`
	Origin      SourceOrigin      `json:"origin"`
	CapturedAt  time.Time         `json:"captured_at"`
	Reliability SourceReliability `json:"reliability"`
	VerifiedBy  string            `json:"verified_by,omitempty"`
	Entries     []SourceEntry     `json:"entries"`
}
