package medication

import "time"

// AdministrationStatus is the recorded outcome of an administration attempt
type AdministrationStatus string

const (
	StatusGiven        AdministrationStatus = "given"
	StatusRefused      AdministrationStatus = "refused"
	StatusOmitted      AdministrationStatus = "omitted"
	StatusDelayed      AdministrationStatus = "delayed"
	StatusWithheld     AdministrationStatus = "withheld"
	StatusNotAvailable AdministrationStatus = "not_available"
)

// RefusalReason explains a refused administration
type RefusalReason string

const (
	RefusalPatientDeclined  RefusalReason = "patient_declined"
	RefusalAsleep           RefusalReason = "asleep"
	RefusalNauseaVomiting   RefusalReason = "nausea_vomiting"
	RefusalSwallowing       RefusalReason = "swallowing_difficulty"
	RefusalAllergicReaction RefusalReason = "allergic_reaction"
	RefusalOther            RefusalReason = "other"
)

// SideEffectSeverity grades an observed side effect
type SideEffectSeverity string

const (
	SeverityMild            SideEffectSeverity = "mild"
	SeverityModerate        SideEffectSeverity = "moderate"
	SeveritySevere          SideEffectSeverity = "severe"
	SeverityLifeThreatening SideEffectSeverity = "life_threatening"
)

// SideEffect records an observed adverse effect
type SideEffect struct {
	Description string             `json:"description"`
	Severity    SideEffectSeverity `json:"severity"`
	ObservedAt  time.Time          `json:"observed_at"`
	Documented  bool               `json:"documented"`
}

// WitnessInfo is the co-signature of a second authorized person. Required
// whenever the owning prescription is for a controlled substance.
type WitnessInfo struct {
	WitnessID string    `json:"witness_id"`
	Name      string    `json:"name"`
	Signature string    `json:"signature"`
	SignedAt  time.Time `json:"signed_at"`
}

// VitalSigns is an optional before/after observation set
type VitalSigns struct {
	SystolicBP  int     `json:"systolic_bp,omitempty"`
	DiastolicBP int     `json:"diastolic_bp,omitempty"`
	HeartRate   int     `json:"heart_rate,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	RespRate    int     `json:"resp_rate,omitempty"`
	SpO2        int     `json:"spo2,omitempty"`
}

// ClinicalNote is an append-only note on an administration record
type ClinicalNote struct {
	AuthorID string    `json:"author_id"`
	Text     string    `json:"text"`
	AddedAt  time.Time `json:"added_at"`
}

// AdministrationRecord is a single timestamped administration event.
// Immutable once persisted except for append-only clinical notes and the
// later-computed scores.
type AdministrationRecord struct {
	ID             string               `json:"id"`
	PrescriptionID string               `json:"prescription_id"`
	ScheduledTime  time.Time            `json:"scheduled_time"`
	ActualTime     time.Time            `json:"actual_time"`
	Status         AdministrationStatus `json:"status"`
	DosageGiven    float64              `json:"dosage_given"`
	RefusalReason  RefusalReason        `json:"refusal_reason,omitempty"`

	AdministratorID string       `json:"administrator_id"`
	Signature       string       `json:"signature"`
	Witness         *WitnessInfo `json:"witness,omitempty"`

	SideEffects      []SideEffect `json:"side_effects,omitempty"`
	VitalSignsBefore *VitalSigns  `json:"vital_signs_before,omitempty"`
	VitalSignsAfter  *VitalSigns  `json:"vital_signs_after,omitempty"`

	DoubleChecked     bool `json:"double_checked"`
	BarcodeScanned    bool `json:"barcode_scanned"`
	PatientIdentified bool `json:"patient_identified"`

	Notes []ClinicalNote `json:"notes,omitempty"`

	ComplianceScore *int `json:"compliance_score,omitempty"`
	AccuracyScore   *int `json:"accuracy_score,omitempty"`
}

// TimingVariance is actual minus scheduled time in whole minutes. Negative
// values mean early administration.
func (r AdministrationRecord) TimingVariance() int {
	return int(r.ActualTime.Sub(r.ScheduledTime) / time.Minute)
}

// WasGiven reports whether the dose was actually administered
func (r AdministrationRecord) WasGiven() bool {
	return r.Status == StatusGiven
}

// HasObservedSideEffects reports whether any side effect was observed
func (r AdministrationRecord) HasObservedSideEffects() bool {
	return len(r.SideEffects) > 0
}

// UndocumentedSideEffects reports whether an observed effect lacks
// documentation
func (r AdministrationRecord) UndocumentedSideEffects() bool {
	for _, se := range r.SideEffects {
		if !se.Documented {
			return true
		}
	}
	return false
}

// WorstSideEffect returns the highest observed severity, or "" when none
func (r AdministrationRecord) WorstSideEffect() SideEffectSeverity {
	rank := map[SideEffectSeverity]int{
		SeverityMild: 1, SeverityModerate: 2,
		SeveritySevere: 3, SeverityLifeThreatening: 4,
	}
	var worst SideEffectSeverity
	for _, se := range r.SideEffects {
		if rank[se.Severity] > rank[worst] {
			worst = se.Severity
		}
	}
	return worst
}
