package medication

import "time"

// TransitionType is the care transition that triggered a reconciliation
type TransitionType string

const (
	TransitionAdmission      TransitionType = "admission"
	TransitionDischarge      TransitionType = "discharge"
	TransitionTransfer       TransitionType = "transfer"
	TransitionPeriodicReview TransitionType = "periodic_review"
)

// DiscrepancyType classifies a detected divergence between two sources
type DiscrepancyType string

const (
	DiscrepancyOmission          DiscrepancyType = "omission"
	DiscrepancyAddition          DiscrepancyType = "addition"
	DiscrepancyDoseChange        DiscrepancyType = "dose_change"
	DiscrepancyFrequencyChange   DiscrepancyType = "frequency_change"
	DiscrepancyRouteChange       DiscrepancyType = "route_change"
	DiscrepancyFormulationChange DiscrepancyType = "formulation_change"
	DiscrepancyTimingChange      DiscrepancyType = "timing_change"
	DiscrepancyIndicationChange  DiscrepancyType = "indication_change"
)

// Severity grades a discrepancy
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// DiscrepancyState is the workflow state of a discrepancy
type DiscrepancyState string

const (
	DiscrepancyIdentified   DiscrepancyState = "identified"
	DiscrepancyUnderReview  DiscrepancyState = "under_review"
	DiscrepancyResolved     DiscrepancyState = "resolved"
	DiscrepancyAcceptedRisk DiscrepancyState = "accepted_risk"
)

// Terminal reports whether s is a terminal resolution state
func (s DiscrepancyState) Terminal() bool {
	return s == DiscrepancyResolved || s == DiscrepancyAcceptedRisk
}

// ResolutionType names how a discrepancy was resolved
type ResolutionType string

const (
	ResolutionContinueSource ResolutionType = "continue_source"
	ResolutionContinueTarget ResolutionType = "continue_target"
	ResolutionModify         ResolutionType = "modify"
	ResolutionDiscontinue    ResolutionType = "discontinue"
	ResolutionClarify        ResolutionType = "clarify_with_prescriber"
)

// Resolution is the outcome applied to one discrepancy
type Resolution struct {
	Type       ResolutionType `json:"type"`
	Rationale  string         `json:"rationale"`
	ResolvedBy string         `json:"resolved_by"`
	ApprovedBy string         `json:"approved_by,omitempty"`
	FollowUpAt *time.Time     `json:"follow_up_at,omitempty"`
	ResolvedAt time.Time      `json:"resolved_at"`
}

// Discrepancy is one detected divergence for a single medication, owned by
// exactly one reconciliation case.
type Discrepancy struct {
	ID             string           `json:"id"`
	CaseID         string           `json:"case_id"`
	Type           DiscrepancyType  `json:"type"`
	IngredientKey  string           `json:"ingredient_key"`
	MedicationName string           `json:"medication_name"`
	SourceValue    string           `json:"source_value,omitempty"`
	TargetValue    string           `json:"target_value,omitempty"`
	Severity       Severity         `json:"severity"`
	RequiresAction bool             `json:"requires_action"`
	State          DiscrepancyState `json:"state"`
	ReviewerID     string           `json:"reviewer_id,omitempty"`
	Resolution     *Resolution      `json:"resolution,omitempty"`
	Version        int              `json:"version"`
}

// ReviewDecision is a pharmacist's approval decision
type ReviewDecision string

const (
	DecisionApproved        ReviewDecision = "approved"
	DecisionRequiresChanges ReviewDecision = "requires_changes"
	DecisionRejected        ReviewDecision = "rejected"
)

// PharmacistReview is the gating record attached to a reconciliation case
type PharmacistReview struct {
	ID             string         `json:"id"`
	PharmacistID   string         `json:"pharmacist_id"`
	RiskAssessment string         `json:"risk_assessment"`
	SpecificRisks  []string       `json:"specific_risks,omitempty"`
	Mitigations    []string       `json:"mitigations,omitempty"`
	Decision       ReviewDecision `json:"decision"`
	ReviewedAt     time.Time      `json:"reviewed_at"`
}

// CaseStatus is the overall status of a reconciliation case
type CaseStatus string

const (
	CaseInProgress     CaseStatus = "in_progress"
	CaseRequiresReview CaseStatus = "requires_review"
	CaseCompleted      CaseStatus = "completed"
	CaseApproved       CaseStatus = "approved"
)

// ReconciliationCase pairs exactly two medication-source snapshots for one
// resident and one transition type
type ReconciliationCase struct {
	ID            string             `json:"id"`
	ResidentID    string             `json:"resident_id"`
	Transition    TransitionType     `json:"transition"`
	Source        MedicationSource   `json:"source"`
	Target        MedicationSource   `json:"target"`
	Discrepancies []Discrepancy      `json:"discrepancies"`
	Reviews       []PharmacistReview `json:"reviews,omitempty"`
	Status        CaseStatus         `json:"status"`
	StartedAt     time.Time          `json:"started_at"`
	CompletedAt   *time.Time         `json:"completed_at,omitempty"`
}

// HasApprovedReview reports whether at least one attached pharmacist review
// carries an approved decision
func (c ReconciliationCase) HasApprovedReview() bool {
	for _, r := range c.Reviews {
		if r.Decision == DecisionApproved {
			return true
		}
	}
	return false
}

// UnresolvedCritical reports whether any critical discrepancy is not yet in
// a terminal state
func (c ReconciliationCase) UnresolvedCritical() bool {
	for _, d := range c.Discrepancies {
		if d.Severity == SeverityCritical && !d.State.Terminal() {
			return true
		}
	}
	return false
}

// AllDiscrepanciesTerminal reports whether every discrepancy is resolved or
// accepted as risk
func (c ReconciliationCase) AllDiscrepanciesTerminal() bool {
	for _, d := range c.Discrepancies {
		if !d.State.Terminal() {
			return false
		}
	}
	return true
}
