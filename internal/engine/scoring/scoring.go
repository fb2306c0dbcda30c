// Package scoring computes compliance and accuracy scores for completed
// administration records and flags records needing clinical escalation.
package scoring

import (
	"fmt"

	"github.com/carelink/go-mar/internal/domain/medication"
)

// ComplianceRule is one independently-awarded scoring rule. The rule set is
// enumerable so each rule can be unit-tested in isolation.
type ComplianceRule struct {
	Name      string
	Points    int
	Satisfied func(r medication.AdministrationRecord, p medication.Prescription) bool
}

// complianceTotal is the fixed point total the rules sum to
const complianceTotal = 10

// timingWindowMinutes is the on-time window either side of the scheduled time
const timingWindowMinutes = 30

// ComplianceRules is the enumerable rule table. Point weights are fixed for
// behavioral compatibility with the historical MAR scoring.
var ComplianceRules = []ComplianceRule{
	{
		Name:   "electronic_signature",
		Points: 2,
		Satisfied: func(r medication.AdministrationRecord, p medication.Prescription) bool {
			return r.Signature != ""
		},
	},
	{
		Name:   "patient_identified",
		Points: 1,
		Satisfied: func(r medication.AdministrationRecord, p medication.Prescription) bool {
			return r.PatientIdentified
		},
	},
	{
		Name:   "barcode_scanned",
		Points: 1,
		Satisfied: func(r medication.AdministrationRecord, p medication.Prescription) bool {
			return r.BarcodeScanned
		},
	},
	{
		Name:   "double_checked",
		Points: 1,
		Satisfied: func(r medication.AdministrationRecord, p medication.Prescription) bool {
			return r.DoubleChecked
		},
	},
	{
		Name:   "witness_requirement",
		Points: 2,
		Satisfied: func(r medication.AdministrationRecord, p medication.Prescription) bool {
			return !p.RequiresWitness() || r.Witness != nil
		},
	},
	{
		Name:   "timing_within_window",
		Points: 1,
		Satisfied: func(r medication.AdministrationRecord, p medication.Prescription) bool {
			v := r.TimingVariance()
			return v >= -timingWindowMinutes && v <= timingWindowMinutes
		},
	},
	{
		Name:   "outcome_documented",
		Points: 1,
		Satisfied: func(r medication.AdministrationRecord, p medication.Prescription) bool {
			return len(r.Notes) > 0 || r.Status == medication.StatusGiven
		},
	},
	{
		Name:   "side_effects_documented",
		Points: 1,
		Satisfied: func(r medication.AdministrationRecord, p medication.Prescription) bool {
			return !r.HasObservedSideEffects() || !r.UndocumentedSideEffects()
		},
	},
}

// ComplianceScore sums the satisfied rules and scales to 0-100
func ComplianceScore(r medication.AdministrationRecord, p medication.Prescription) int {
	points := 0
	for _, rule := range ComplianceRules {
		if rule.Satisfied(r, p) {
			points += rule.Points
		}
	}
	return points * 100 / complianceTotal
}

// Accuracy deduction weights
const (
	lateMinutesPerPoint       = 15
	deductNotDoubleChecked    = 5
	deductNotBarcodeScanned   = 3
	deductMissingWitness      = 10
	deductUndocumentedEffects = 15
)

// AccuracyScore starts at 100 and deducts for process failures. Only late
// administration is penalized on timing; early administration is not.
func AccuracyScore(r medication.AdministrationRecord, p medication.Prescription) int {
	score := 100

	if v := r.TimingVariance(); v > 0 {
		score -= v / lateMinutesPerPoint
	}
	if !r.DoubleChecked {
		score -= deductNotDoubleChecked
	}
	if !r.BarcodeScanned {
		score -= deductNotBarcodeScanned
	}
	if p.RequiresWitness() && r.Witness == nil {
		score -= deductMissingWitness
	}
	if r.HasObservedSideEffects() && r.UndocumentedSideEffects() {
		score -= deductUndocumentedEffects
	}

	if score < 0 {
		score = 0
	}
	return score
}

// Violation is a regulatory-required field that is missing. Violations block
// workflow transitions; they are not merely logged.
type Violation struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

func (v Violation) Error() string {
	return fmt.Sprintf("compliance violation %s: %s", v.Code, v.Detail)
}

// CheckCompliance evaluates the regulatory-compliance predicate and returns
// every violation found
func CheckCompliance(r medication.AdministrationRecord, p medication.Prescription) []Violation {
	var violations []Violation

	if r.Signature == "" {
		violations = append(violations, Violation{
			Code:   "MISSING_SIGNATURE",
			Detail: "electronic signature is required on every administration record",
		})
	}
	if p.RequiresWitness() && r.Witness == nil {
		violations = append(violations, Violation{
			Code:   "MISSING_WITNESS",
			Detail: fmt.Sprintf("controlled substance %s requires a witness co-signature", p.Medication.Name),
		})
	}
	if !r.PatientIdentified {
		violations = append(violations, Violation{
			Code:   "PATIENT_NOT_IDENTIFIED",
			Detail: "patient identity was not confirmed before administration",
		})
	}
	if r.Status == medication.StatusRefused && r.RefusalReason == "" {
		violations = append(violations, Violation{
			Code:   "REFUSAL_WITHOUT_REASON",
			Detail: "refused administrations must record a refusal reason",
		})
	}
	if r.HasObservedSideEffects() && r.UndocumentedSideEffects() {
		violations = append(violations, Violation{
			Code:   "UNDOCUMENTED_ADVERSE_EFFECTS",
			Detail: "observed side effects must be documented",
		})
	}

	return violations
}

// Result is the scorer's output for one record
type Result struct {
	ComplianceScore int         `json:"compliance_score"`
	AccuracyScore   int         `json:"accuracy_score"`
	RequiresReview  bool        `json:"requires_review"`
	Violations      []Violation `json:"violations,omitempty"`
}

// Score computes both scores and the immediate-clinical-review flag
func Score(r medication.AdministrationRecord, p medication.Prescription) Result {
	violations := CheckCompliance(r, p)

	return Result{
		ComplianceScore: ComplianceScore(r, p),
		AccuracyScore:   AccuracyScore(r, p),
		RequiresReview:  requiresReview(r, violations),
		Violations:      violations,
	}
}

// requiresReview flags records needing immediate clinical escalation
func requiresReview(r medication.AdministrationRecord, violations []Violation) bool {
	switch r.WorstSideEffect() {
	case medication.SeveritySevere, medication.SeverityLifeThreatening:
		return true
	}
	if r.Status == medication.StatusWithheld {
		return true
	}
	if r.Status == medication.StatusRefused && r.RefusalReason == medication.RefusalAllergicReaction {
		return true
	}
	return len(violations) > 0
}
