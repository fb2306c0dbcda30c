// Package integration exercises the full engine flow from administration
// through reconciliation to pharmacist approval, without external services.
package integration

import (
	"context"
	"testing"
	"time"

	"github.com/carelink/go-mar/internal/domain/medication"
	"github.com/carelink/go-mar/internal/engine/reconcile"
	"github.com/carelink/go-mar/internal/engine/safety"
	"github.com/carelink/go-mar/internal/engine/scoring"
	"github.com/carelink/go-mar/internal/engine/workflow"
	"github.com/carelink/go-mar/internal/riskdata"
)

func prnPrescription() medication.Prescription {
	return medication.Prescription{
		ID:         "rx-prn-1",
		ResidentID: "res-1",
		Medication: medication.Medication{
			ID: "med-1", Name: "Paracetamol", ActiveIngredient: "paracetamol",
			Strength: "500mg", Active: true,
		},
		Dosage: medication.Dosage{
			Amount: 500, Unit: medication.UnitMG, Frequency: medication.AsRequired,
		},
		Route:            medication.RouteOral,
		Status:           medication.PrescriptionActive,
		StartDate:        time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		MaxDailyDose:     4000,
		MinIntervalHours: 4,
		PrescriberID:     "gp-1",
	}
}

func TestAdministrationDeniedThenAllowedThenScored(t *testing.T) {
	p := prnPrescription()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	prior := &medication.AdministrationRecord{
		ID:             "adm-0",
		PrescriptionID: p.ID,
		ActualTime:     now.Add(-3 * time.Hour),
		Status:         medication.StatusGiven,
		DosageGiven:    500,
	}

	// Too soon after the prior dose
	decision := safety.Evaluate(p, 500, prior, 500, now)
	if decision.Allowed {
		t.Fatal("expected denial inside the minimum interval")
	}
	if decision.Reason != safety.ReasonIntervalTooShort {
		t.Fatalf("reason = %s, want INTERVAL_TOO_SHORT", decision.Reason)
	}
	if safety.BlocksRecording(decision, medication.StatusGiven) != true {
		t.Fatal("denial must block recording a given dose")
	}
	// A refusal is still recordable under the same denial
	if safety.BlocksRecording(decision, medication.StatusRefused) {
		t.Fatal("denial must not block recording a refusal")
	}

	// One hour later the interval has elapsed
	later := now.Add(time.Hour + time.Minute)
	decision = safety.Evaluate(p, 500, prior, 500, later)
	if !decision.Allowed {
		t.Fatalf("expected allow after interval, got %s", decision.Reason)
	}

	record := medication.AdministrationRecord{
		ID:                "adm-1",
		PrescriptionID:    p.ID,
		ScheduledTime:     later,
		ActualTime:        later,
		Status:            medication.StatusGiven,
		DosageGiven:       500,
		AdministratorID:   "nurse-1",
		Signature:         "sig",
		DoubleChecked:     true,
		BarcodeScanned:    true,
		PatientIdentified: true,
	}

	result := scoring.Score(record, p)
	if result.ComplianceScore != 100 {
		t.Errorf("compliance score = %d, want 100", result.ComplianceScore)
	}
	if result.AccuracyScore != 100 {
		t.Errorf("accuracy score = %d, want 100", result.AccuracyScore)
	}
	if result.RequiresReview {
		t.Error("clean record should not require review")
	}
}

func TestTransitionReconciliationThroughApproval(t *testing.T) {
	ctx := context.Background()
	engine := reconcile.New(riskdata.DefaultCatalog())
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	warfarin := medication.SourceEntry{
		Medication: medication.Medication{
			Name: "Warfarin", ActiveIngredient: "warfarin", Strength: "5mg", Active: true,
		},
		Dosage: medication.Dosage{Amount: 5, Unit: medication.UnitMG, Frequency: medication.OnceDaily},
		Route:  medication.RouteOral,
	}
	amlodipine := medication.SourceEntry{
		Medication: medication.Medication{
			Name: "Amlodipine", ActiveIngredient: "amlodipine", Strength: "5mg", Active: true,
		},
		Dosage: medication.Dosage{Amount: 5, Unit: medication.UnitMG, Frequency: medication.OnceDaily},
		Route:  medication.RouteOral,
	}

	source := medication.MedicationSource{
		ID: "src-1", ResidentID: "res-9", Origin: medication.OriginHospital,
		CapturedAt: now, Reliability: medication.ReliabilityHigh,
		Entries: []medication.SourceEntry{warfarin, amlodipine},
	}
	target := medication.MedicationSource{
		ID: "src-2", ResidentID: "res-9", Origin: medication.OriginCareHomeChart,
		CapturedAt: now, Reliability: medication.ReliabilityMedium,
		Entries: []medication.SourceEntry{amlodipine},
	}

	c, err := engine.NewCase(ctx, source, target, medication.TransitionAdmission, now)
	if err != nil {
		t.Fatalf("NewCase: %v", err)
	}
	if len(c.Discrepancies) != 1 {
		t.Fatalf("discrepancies = %d, want 1 (warfarin omission)", len(c.Discrepancies))
	}

	d := c.Discrepancies[0]
	if d.Type != medication.DiscrepancyOmission {
		t.Fatalf("type = %s, want omission", d.Type)
	}
	if d.Severity != medication.SeverityCritical {
		t.Fatalf("severity = %s, want critical (anticoagulant omission)", d.Severity)
	}
	if c.Status != medication.CaseRequiresReview {
		t.Fatalf("case status = %s, want requires_review", c.Status)
	}

	// Open review and resolve with a rationale, applying each transition
	// back to the case as the handler does
	d, err = workflow.OpenReview(d, "pharm-1", now)
	if err != nil {
		t.Fatalf("OpenReview: %v", err)
	}
	updatedCase, err := workflow.ApplyDiscrepancy(*c, d, now)
	if err != nil {
		t.Fatalf("ApplyDiscrepancy after open_review: %v", err)
	}

	d, err = workflow.Resolve(d, medication.Resolution{
		Type:       medication.ResolutionContinueSource,
		Rationale:  "hospital list verified with discharge summary",
		ResolvedBy: "pharm-1",
	}, now)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	updatedCase, err = workflow.ApplyDiscrepancy(updatedCase, d, now)
	if err != nil {
		t.Fatalf("ApplyDiscrepancy after resolve: %v", err)
	}
	if updatedCase.Status != medication.CaseCompleted {
		t.Fatalf("case status = %s, want completed", updatedCase.Status)
	}

	// Approved pharmacist review promotes the completed case
	updatedCase, err = workflow.AttachReview(updatedCase, medication.PharmacistReview{
		ID:             "rev-1",
		PharmacistID:   "pharm-1",
		RiskAssessment: "omission corrected, anticoagulation resumed",
		Decision:       medication.DecisionApproved,
	}, now)
	if err != nil {
		t.Fatalf("AttachReview: %v", err)
	}
	if updatedCase.Status != medication.CaseApproved {
		t.Fatalf("case status = %s, want approved", updatedCase.Status)
	}
}

func TestStaleDiscrepancyUpdateRejected(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	c := medication.ReconciliationCase{
		ID:         "case-1",
		ResidentID: "res-9",
		Status:     medication.CaseInProgress,
		Discrepancies: []medication.Discrepancy{{
			ID: "disc-1", CaseID: "case-1", Severity: medication.SeverityLow,
			State: medication.DiscrepancyIdentified, Version: 3,
		}},
	}

	// An update derived from an older snapshot must not apply
	stale := c.Discrepancies[0]
	stale.State = medication.DiscrepancyUnderReview
	stale.Version = 3 // not stored+1

	if _, err := workflow.ApplyDiscrepancy(c, stale, now); err == nil {
		t.Fatal("expected version conflict for stale update")
	}
}
