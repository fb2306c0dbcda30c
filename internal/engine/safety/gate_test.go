package safety

import (
	"testing"
	"time"

	"github.com/carelink/go-mar/internal/domain/medication"
)

var now = time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC)

func activePrescription() medication.Prescription {
	return medication.Prescription{
		ID:         "rx-1",
		ResidentID: "res-1",
		Status:     medication.PrescriptionActive,
		StartDate:  now.AddDate(0, 0, -30),
		Medication: medication.Medication{
			ID: "med-1", Name: "Paracetamol", ActiveIngredient: "paracetamol",
			Strength: "500mg", Active: true,
		},
		Dosage: medication.Dosage{
			Amount: 500, Unit: medication.UnitMG, Frequency: medication.AsRequired,
		},
	}
}

func TestEvaluateAllowsValidPrescription(t *testing.T) {
	d := Evaluate(activePrescription(), 500, nil, 0, now)
	if !d.Allowed {
		t.Fatalf("expected allow, got deny(%s)", d.Reason)
	}
}

func TestEvaluateDeniesInactiveStatus(t *testing.T) {
	for _, status := range []medication.PrescriptionStatus{
		medication.PrescriptionDiscontinued,
		medication.PrescriptionExpired,
		medication.PrescriptionCancelled,
		medication.PrescriptionOnHold,
	} {
		p := activePrescription()
		p.Status = status
		d := Evaluate(p, 500, nil, 0, now)
		if d.Allowed || d.Reason != ReasonPrescriptionInvalid {
			t.Errorf("status %s: got %+v, want deny(PRESCRIPTION_INVALID)", status, d)
		}
	}
}

func TestEvaluateDeniesExpiredEndDateRegardlessOfStatus(t *testing.T) {
	p := activePrescription()
	ended := now.AddDate(0, 0, -1)
	p.EndDate = &ended
	// status field still says active

	d := Evaluate(p, 500, nil, 0, now)
	if d.Allowed || d.Reason != ReasonPrescriptionInvalid {
		t.Fatalf("got %+v, want deny(PRESCRIPTION_INVALID)", d)
	}
}

func TestEvaluateDeniesBeforeStartDate(t *testing.T) {
	p := activePrescription()
	p.StartDate = now.AddDate(0, 0, 1)

	d := Evaluate(p, 500, nil, 0, now)
	if d.Allowed || d.Reason != ReasonPrescriptionInvalid {
		t.Fatalf("got %+v, want deny(PRESCRIPTION_INVALID)", d)
	}
}

func TestEvaluateDeniesInactiveMedication(t *testing.T) {
	p := activePrescription()
	p.Medication.Active = false

	d := Evaluate(p, 500, nil, 0, now)
	if d.Allowed || d.Reason != ReasonMedicationInactive {
		t.Fatalf("got %+v, want deny(MEDICATION_INACTIVE)", d)
	}
}

func TestEvaluatePRNInterval(t *testing.T) {
	p := activePrescription()
	p.MinIntervalHours = 4

	prior := &medication.AdministrationRecord{
		PrescriptionID: p.ID,
		ActualTime:     now.Add(-3 * time.Hour),
		Status:         medication.StatusGiven,
	}

	d := Evaluate(p, 500, prior, 500, now)
	if d.Allowed || d.Reason != ReasonIntervalTooShort {
		t.Fatalf("3h after prior dose: got %+v, want deny(INTERVAL_TOO_SHORT)", d)
	}

	prior.ActualTime = now.Add(-4*time.Hour - time.Minute)
	d = Evaluate(p, 500, prior, 500, now)
	if !d.Allowed {
		t.Fatalf("4h1m after prior dose: got deny(%s), want allow", d.Reason)
	}
}

func TestEvaluatePRNIntervalExactBoundary(t *testing.T) {
	p := activePrescription()
	p.MinIntervalHours = 4

	prior := &medication.AdministrationRecord{ActualTime: now.Add(-4 * time.Hour)}
	if d := Evaluate(p, 500, prior, 0, now); !d.Allowed {
		t.Fatalf("exactly 4h: got deny(%s), want allow", d.Reason)
	}
}

func TestEvaluateNoIntervalConfiguredAlwaysPasses(t *testing.T) {
	p := activePrescription()
	p.MinIntervalHours = 0

	prior := &medication.AdministrationRecord{ActualTime: now.Add(-5 * time.Minute)}
	if d := Evaluate(p, 500, prior, 0, now); !d.Allowed {
		t.Fatalf("no interval configured: got deny(%s), want allow", d.Reason)
	}
}

func TestEvaluateDailyCeiling(t *testing.T) {
	p := activePrescription()
	p.MaxDailyDose = 4000

	d := Evaluate(p, 500, nil, 3800, now)
	if d.Allowed || d.Reason != ReasonDailyLimitExceeded {
		t.Fatalf("3800+500 over 4000: got %+v, want deny(DAILY_LIMIT_EXCEEDED)", d)
	}

	d = Evaluate(p, 200, nil, 3800, now)
	if !d.Allowed {
		t.Fatalf("3800+200 at 4000: got deny(%s), want allow", d.Reason)
	}
}

func TestEvaluateNoCeilingConfigured(t *testing.T) {
	p := activePrescription()
	p.MaxDailyDose = 0

	if d := Evaluate(p, 10000, nil, 99999, now); !d.Allowed {
		t.Fatalf("no ceiling: got deny(%s), want allow", d.Reason)
	}
}

func TestEvaluateCheckOrder(t *testing.T) {
	// An invalid prescription must report PRESCRIPTION_INVALID even when the
	// ceiling would also deny.
	p := activePrescription()
	p.Status = medication.PrescriptionDiscontinued
	p.MaxDailyDose = 100

	d := Evaluate(p, 500, nil, 1000, now)
	if d.Reason != ReasonPrescriptionInvalid {
		t.Fatalf("got reason %s, want PRESCRIPTION_INVALID first", d.Reason)
	}
}

func TestBlocksRecording(t *testing.T) {
	denied := Deny(ReasonDailyLimitExceeded)

	if !BlocksRecording(denied, medication.StatusGiven) {
		t.Error("deny must block a given outcome")
	}
	for _, status := range []medication.AdministrationStatus{
		medication.StatusRefused,
		medication.StatusOmitted,
		medication.StatusWithheld,
	} {
		if BlocksRecording(denied, status) {
			t.Errorf("deny must not block %s outcome", status)
		}
	}
	if BlocksRecording(Allow(), medication.StatusGiven) {
		t.Error("allow must never block")
	}
}
