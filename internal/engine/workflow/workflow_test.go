package workflow

import (
	"errors"
	"testing"
	"time"

	"github.com/carelink/go-mar/internal/domain/medication"
)

var now = time.Date(2025, 3, 10, 11, 0, 0, 0, time.UTC)

func discrepancy(severity medication.Severity, state medication.DiscrepancyState) medication.Discrepancy {
	return medication.Discrepancy{
		ID:             "disc-1",
		CaseID:         "case-1",
		Type:           medication.DiscrepancyOmission,
		IngredientKey:  "warfarin|5mg",
		MedicationName: "Warfarin",
		Severity:       severity,
		RequiresAction: severity == medication.SeverityCritical || severity == medication.SeverityHigh,
		State:          state,
		Version:        1,
	}
}

func resolution(rationale string) medication.Resolution {
	return medication.Resolution{
		Type:       medication.ResolutionContinueSource,
		Rationale:  rationale,
		ResolvedBy: "clinician-1",
	}
}

func approvedReview() *medication.PharmacistReview {
	return &medication.PharmacistReview{
		ID:             "rev-1",
		PharmacistID:   "pharm-1",
		RiskAssessment: "dose divergence reviewed against INR history",
		Decision:       medication.DecisionApproved,
	}
}

func TestOpenReview(t *testing.T) {
	d, err := OpenReview(discrepancy(medication.SeverityHigh, medication.DiscrepancyIdentified), "clinician-1", now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.State != medication.DiscrepancyUnderReview {
		t.Errorf("state: got %s, want under_review", d.State)
	}
	if d.ReviewerID != "clinician-1" {
		t.Errorf("reviewer: got %s", d.ReviewerID)
	}
	if d.Version != 2 {
		t.Errorf("version: got %d, want 2", d.Version)
	}
}

func TestOpenReviewFromTerminalStateFails(t *testing.T) {
	_, err := OpenReview(discrepancy(medication.SeverityLow, medication.DiscrepancyResolved), "clinician-1", now)
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}
}

func TestResolveRequiresRationale(t *testing.T) {
	d := discrepancy(medication.SeverityMedium, medication.DiscrepancyUnderReview)

	_, err := Resolve(d, resolution("   "), now)
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("blank rationale: expected ErrIllegalTransition, got %v", err)
	}

	got, err := Resolve(d, resolution("prescriber confirmed the hospital dose"), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.State != medication.DiscrepancyResolved {
		t.Errorf("state: got %s, want resolved", got.State)
	}
	if got.Resolution == nil || got.Resolution.ResolvedAt.IsZero() {
		t.Error("resolution must be recorded with a timestamp")
	}
}

func TestResolveFromIdentifiedFails(t *testing.T) {
	_, err := Resolve(discrepancy(medication.SeverityMedium, medication.DiscrepancyIdentified),
		resolution("confirmed"), now)
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}
}

func TestAcceptRiskLowSeverityNeedsNoReview(t *testing.T) {
	d := discrepancy(medication.SeverityLow, medication.DiscrepancyUnderReview)

	got, err := AcceptRisk(d, resolution("timing difference is clinically insignificant"), nil, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.State != medication.DiscrepancyAcceptedRisk {
		t.Errorf("state: got %s, want accepted_risk", got.State)
	}
}

func TestAcceptRiskCriticalWithoutApprovedReviewFails(t *testing.T) {
	d := discrepancy(medication.SeverityCritical, medication.DiscrepancyUnderReview)

	_, err := AcceptRisk(d, resolution("accepting"), nil, now)
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("no review: expected ErrIllegalTransition, got %v", err)
	}

	rejected := approvedReview()
	rejected.Decision = medication.DecisionRejected
	_, err = AcceptRisk(d, resolution("accepting"), rejected, now)
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("rejected review: expected ErrIllegalTransition, got %v", err)
	}
}

func TestAcceptRiskCriticalWithApprovedReview(t *testing.T) {
	d := discrepancy(medication.SeverityCritical, medication.DiscrepancyUnderReview)

	got, err := AcceptRisk(d, resolution("pharmacist agreed risk is mitigated by monitoring"), approvedReview(), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.State != medication.DiscrepancyAcceptedRisk {
		t.Errorf("state: got %s, want accepted_risk", got.State)
	}
	if got.Resolution.ApprovedBy != "pharm-1" {
		t.Errorf("approver: got %s, want pharm-1", got.Resolution.ApprovedBy)
	}
}

func TestAcceptRiskHighSeverityAlsoGated(t *testing.T) {
	d := discrepancy(medication.SeverityHigh, medication.DiscrepancyUnderReview)
	_, err := AcceptRisk(d, resolution("accepting"), nil, now)
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}
}

func TestTransitionDispatch(t *testing.T) {
	d := discrepancy(medication.SeverityLow, medication.DiscrepancyIdentified)

	d, err := Transition(d, ActionOpenReview, resolution(""), nil, now)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	d, err = Transition(d, ActionResolve, resolution("prescriber clarified"), nil, now)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if d.State != medication.DiscrepancyResolved {
		t.Errorf("state: got %s, want resolved", d.State)
	}

	_, err = Transition(d, "reopen", resolution(""), nil, now)
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("unknown action: expected ErrIllegalTransition, got %v", err)
	}
}

func testCase(discrepancies ...medication.Discrepancy) medication.ReconciliationCase {
	return medication.ReconciliationCase{
		ID:            "case-1",
		ResidentID:    "res-1",
		Transition:    medication.TransitionAdmission,
		Discrepancies: discrepancies,
		Status:        medication.CaseInProgress,
		StartedAt:     now.Add(-time.Hour),
	}
}

func TestRecomputeCaseStatusRequiresReview(t *testing.T) {
	c := testCase(discrepancy(medication.SeverityCritical, medication.DiscrepancyIdentified))
	c = RecomputeCaseStatus(c, now)
	if c.Status != medication.CaseRequiresReview {
		t.Fatalf("status: got %s, want requires_review", c.Status)
	}
}

func TestRecomputeCaseStatusCompleted(t *testing.T) {
	d1 := discrepancy(medication.SeverityLow, medication.DiscrepancyResolved)
	d2 := discrepancy(medication.SeverityMedium, medication.DiscrepancyAcceptedRisk)
	d2.ID = "disc-2"

	c := RecomputeCaseStatus(testCase(d1, d2), now)
	if c.Status != medication.CaseCompleted {
		t.Fatalf("status: got %s, want completed", c.Status)
	}
	if c.CompletedAt == nil {
		t.Fatal("completed case must record completion time")
	}
}

func TestUnresolvedCriticalBlocksCompletion(t *testing.T) {
	d1 := discrepancy(medication.SeverityCritical, medication.DiscrepancyUnderReview)
	d2 := discrepancy(medication.SeverityLow, medication.DiscrepancyResolved)
	d2.ID = "disc-2"

	c := RecomputeCaseStatus(testCase(d1, d2), now)
	if c.Status == medication.CaseCompleted {
		t.Fatal("case with unresolved critical discrepancy must not complete")
	}
}

func TestApplyDiscrepancyVersionConflict(t *testing.T) {
	stored := discrepancy(medication.SeverityLow, medication.DiscrepancyUnderReview)
	stored.Version = 3
	c := testCase(stored)

	stale := stored
	stale.State = medication.DiscrepancyResolved
	stale.Version = 3 // did not descend from the stored version

	if _, err := ApplyDiscrepancy(c, stale, now); err == nil {
		t.Fatal("expected version conflict error")
	}

	fresh := stored
	fresh.State = medication.DiscrepancyResolved
	fresh.Version = 4
	got, err := ApplyDiscrepancy(c, fresh, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Discrepancies[0].State != medication.DiscrepancyResolved {
		t.Errorf("state not applied: %s", got.Discrepancies[0].State)
	}
}

func TestApplyDiscrepancyForeignDiscrepancyRejected(t *testing.T) {
	c := testCase(discrepancy(medication.SeverityLow, medication.DiscrepancyIdentified))
	foreign := discrepancy(medication.SeverityLow, medication.DiscrepancyIdentified)
	foreign.ID = "disc-other"
	foreign.Version = 2

	if _, err := ApplyDiscrepancy(c, foreign, now); err == nil {
		t.Fatal("expected error for discrepancy from another case")
	}
}

func TestAttachReviewApprovesCompletedCase(t *testing.T) {
	d := discrepancy(medication.SeverityLow, medication.DiscrepancyResolved)
	c := RecomputeCaseStatus(testCase(d), now)
	if c.Status != medication.CaseCompleted {
		t.Fatalf("precondition: status %s", c.Status)
	}

	c, err := AttachReview(c, *approvedReview(), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Status != medication.CaseApproved {
		t.Errorf("status: got %s, want approved", c.Status)
	}
}

func TestAttachApprovedReviewBeforeCompletionIsRecordedOnly(t *testing.T) {
	c := testCase(discrepancy(medication.SeverityCritical, medication.DiscrepancyUnderReview))
	c = RecomputeCaseStatus(c, now)

	c, err := AttachReview(c, *approvedReview(), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Status == medication.CaseApproved {
		t.Fatal("incomplete case must not become approved")
	}
	if !c.HasApprovedReview() {
		t.Fatal("review must still be recorded for accept_risk gating")
	}
}

func TestAttachReviewNonApprovedDoesNotAdvance(t *testing.T) {
	d := discrepancy(medication.SeverityLow, medication.DiscrepancyResolved)
	c := RecomputeCaseStatus(testCase(d), now)

	review := *approvedReview()
	review.Decision = medication.DecisionRequiresChanges

	c, err := AttachReview(c, review, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Status != medication.CaseCompleted {
		t.Errorf("status: got %s, want completed", c.Status)
	}
}

func TestAttachReviewValidatesDecision(t *testing.T) {
	c := testCase()
	review := *approvedReview()
	review.Decision = "maybe"
	if _, err := AttachReview(c, review, now); err == nil {
		t.Fatal("expected error for unknown decision")
	}
}

func TestApprovedStatusIsSticky(t *testing.T) {
	d := discrepancy(medication.SeverityLow, medication.DiscrepancyResolved)
	c := RecomputeCaseStatus(testCase(d), now)
	c, _ = AttachReview(c, *approvedReview(), now)

	c = RecomputeCaseStatus(c, now.Add(time.Hour))
	if c.Status != medication.CaseApproved {
		t.Fatalf("status: got %s, want approved to stick", c.Status)
	}
}
