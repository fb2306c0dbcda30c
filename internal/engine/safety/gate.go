// Package safety decides whether a specific administration attempt is
// permitted now. Denial is a first-class decision returned as data, never an
// error: it is an expected, clinically meaningful outcome the caller must
// branch on.
package safety

import (
	"time"

	"github.com/carelink/go-mar/internal/domain/medication"
)

// DenyReason is the specific reason an administration was denied. Clinical
// staff act on the reason code (e.g. contact the prescriber), so it must
// survive to the API surface intact.
type DenyReason string

const (
	ReasonPrescriptionInvalid DenyReason = "PRESCRIPTION_INVALID"
	ReasonMedicationInactive  DenyReason = "MEDICATION_INACTIVE"
	ReasonIntervalTooShort    DenyReason = "INTERVAL_TOO_SHORT"
	ReasonDailyLimitExceeded  DenyReason = "DAILY_LIMIT_EXCEEDED"
)

// Decision is the gate's verdict on a proposed administration
type Decision struct {
	Allowed bool       `json:"allowed"`
	Reason  DenyReason `json:"reason,omitempty"`
}

// Allow returns a permitting decision
func Allow() Decision { return Decision{Allowed: true} }

// Deny returns a denying decision with the given reason
func Deny(reason DenyReason) Decision { return Decision{Allowed: false, Reason: reason} }

// Evaluate runs the safety checks in order; each is independently sufficient
// to deny. prior is the most recent earlier attempt for the prescription, or
// nil. todaysDoseTotal is the sum of doses already given today; the caller
// must read it under per-prescription serialization (see the postgres dose
// ledger) or two concurrent PRN doses can jointly exceed the ceiling.
func Evaluate(p medication.Prescription, proposedDose float64, prior *medication.AdministrationRecord, todaysDoseTotal float64, now time.Time) Decision {
	if !p.ValidAt(now) {
		return Deny(ReasonPrescriptionInvalid)
	}

	if !p.Medication.Active {
		return Deny(ReasonMedicationInactive)
	}

	// PRN minimum interval. Orders without a configured interval always pass.
	if p.Dosage.Frequency.IsPRN() && p.MinIntervalHours > 0 && prior != nil {
		elapsed := now.Sub(prior.ActualTime)
		minInterval := time.Duration(p.MinIntervalHours * float64(time.Hour))
		if elapsed < minInterval {
			return Deny(ReasonIntervalTooShort)
		}
	}

	if p.MaxDailyDose > 0 && todaysDoseTotal+proposedDose > p.MaxDailyDose {
		return Deny(ReasonDailyLimitExceeded)
	}

	return Allow()
}

// BlocksRecording reports whether a deny decision must halt recording of the
// given outcome. The gate is advisory-blocking: a deny halts a "given"
// outcome but refusals, omissions and withholdings remain recordable since
// they are clinically legitimate even when a dose would be denied.
func BlocksRecording(d Decision, status medication.AdministrationStatus) bool {
	if d.Allowed {
		return false
	}
	switch status {
	case medication.StatusRefused, medication.StatusOmitted, medication.StatusWithheld:
		return false
	default:
		return true
	}
}
