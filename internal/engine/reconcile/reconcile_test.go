package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/carelink/go-mar/internal/domain/medication"
)

// stubRisk is a fixed-table risk source for tests
type stubRisk struct {
	highRisk     map[string]bool
	interactions map[string]InteractionSeverity
}

func (s *stubRisk) IsHighRisk(_ context.Context, ingredient string) (bool, error) {
	return s.highRisk[ingredient], nil
}

func (s *stubRisk) InteractionSeverity(_ context.Context, ingredient string) (InteractionSeverity, error) {
	if sev, ok := s.interactions[ingredient]; ok {
		return sev, nil
	}
	return InteractionNone, nil
}

func testRisk() *stubRisk {
	return &stubRisk{
		highRisk: map[string]bool{
			"warfarin": true,
			"insulin glargine": true,
		},
		interactions: map[string]InteractionSeverity{
			"simvastatin": InteractionMajor,
		},
	}
}

func entry(name, ingredient, strength string, amount float64, freq medication.Frequency, route medication.Route) medication.SourceEntry {
	return medication.SourceEntry{
		Medication: medication.Medication{
			Name: name, ActiveIngredient: ingredient, Strength: strength, Active: true,
		},
		Dosage: medication.Dosage{Amount: amount, Unit: medication.UnitMG, Frequency: freq},
		Route:  route,
	}
}

func snapshot(residentID string, origin medication.SourceOrigin, entries ...medication.SourceEntry) medication.MedicationSource {
	return medication.MedicationSource{
		ID:          "src-" + string(origin),
		ResidentID:  residentID,
		Origin:      origin,
		CapturedAt:  time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC),
		Reliability: medication.ReliabilityHigh,
		Entries:     entries,
	}
}

func TestCompareWarfarinOmissionIsCritical(t *testing.T) {
	e := New(testRisk())

	source := snapshot("res-1", medication.OriginHospital,
		entry("Warfarin", "warfarin", "5mg", 5, medication.OnceDaily, medication.RouteOral))
	target := snapshot("res-1", medication.OriginCareHomeChart)

	got, err := e.Compare(context.Background(), source, target)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d discrepancies, want 1", len(got))
	}

	d := got[0]
	if d.Type != medication.DiscrepancyOmission {
		t.Errorf("type: got %s, want omission", d.Type)
	}
	if d.Severity != medication.SeverityCritical {
		t.Errorf("severity: got %s, want critical", d.Severity)
	}
	if !d.RequiresAction {
		t.Error("anticoagulant omission must require action")
	}
}

func TestCompareAdditionDetected(t *testing.T) {
	e := New(testRisk())

	source := snapshot("res-1", medication.OriginHome)
	target := snapshot("res-1", medication.OriginCareHomeChart,
		entry("Amoxicillin", "amoxicillin", "500mg", 500, medication.ThreeTimesDaily, medication.RouteOral))

	got, err := e.Compare(context.Background(), source, target)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].Type != medication.DiscrepancyAddition {
		t.Fatalf("got %+v, want one addition", got)
	}
	// non-high-risk addition is high severity
	if got[0].Severity != medication.SeverityHigh {
		t.Errorf("severity: got %s, want high", got[0].Severity)
	}
}

func TestCompareMatchesOnIngredientNotBrand(t *testing.T) {
	e := New(testRisk())

	source := snapshot("res-1", medication.OriginGP,
		entry("Coumadin", "Warfarin", "5mg", 5, medication.OnceDaily, medication.RouteOral))
	target := snapshot("res-1", medication.OriginCareHomeChart,
		entry("Warfarin Teva", "warfarin", "5mg", 5, medication.OnceDaily, medication.RouteOral))

	got, err := e.Compare(context.Background(), source, target)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("same ingredient+strength under different brands: got %d discrepancies, want 0", len(got))
	}
}

func TestCompareStrengthDifferenceIsNotTheSameMedication(t *testing.T) {
	e := New(testRisk())

	source := snapshot("res-1", medication.OriginGP,
		entry("Warfarin", "warfarin", "5mg", 5, medication.OnceDaily, medication.RouteOral))
	target := snapshot("res-1", medication.OriginCareHomeChart,
		entry("Warfarin", "warfarin", "3mg", 3, medication.OnceDaily, medication.RouteOral))

	got, err := e.Compare(context.Background(), source, target)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// different strengths key differently: one omission plus one addition
	if len(got) != 2 {
		t.Fatalf("got %d discrepancies, want 2", len(got))
	}
}

func TestCompareMultipleDifferingFields(t *testing.T) {
	e := New(testRisk())

	src := entry("Metformin", "metformin", "500mg", 500, medication.TwiceDaily, medication.RouteOral)
	tgt := entry("Metformin", "metformin", "500mg", 850, medication.ThreeTimesDaily, medication.RouteOral)

	got, err := e.Compare(context.Background(),
		snapshot("res-1", medication.OriginHospital, src),
		snapshot("res-1", medication.OriginCareHomeChart, tgt))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(got) != 2 {
		t.Fatalf("got %d discrepancies, want 2 (dose + frequency)", len(got))
	}
	byType := map[medication.DiscrepancyType]medication.Discrepancy{}
	for _, d := range got {
		byType[d.Type] = d
	}
	if _, ok := byType[medication.DiscrepancyDoseChange]; !ok {
		t.Error("missing dose_change discrepancy")
	}
	if _, ok := byType[medication.DiscrepancyFrequencyChange]; !ok {
		t.Error("missing frequency_change discrepancy")
	}
	// non-high-risk dose and frequency changes are medium
	for dtype, d := range byType {
		if d.Severity != medication.SeverityMedium {
			t.Errorf("%s severity: got %s, want medium", dtype, d.Severity)
		}
	}
}

func TestCompareHighRiskDoseChangeIsCritical(t *testing.T) {
	e := New(testRisk())

	src := entry("Lantus", "insulin glargine", "100units/ml", 10, medication.OnceDaily, medication.RouteSubcutaneous)
	tgt := entry("Lantus", "insulin glargine", "100units/ml", 14, medication.OnceDaily, medication.RouteSubcutaneous)

	got, err := e.Compare(context.Background(),
		snapshot("res-1", medication.OriginHospital, src),
		snapshot("res-1", medication.OriginCareHomeChart, tgt))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].Severity != medication.SeverityCritical {
		t.Fatalf("insulin dose change: got %+v, want one critical", got)
	}
}

func TestCompareHighRiskRouteChangeIsHigh(t *testing.T) {
	e := New(testRisk())

	src := entry("Warfarin", "warfarin", "5mg", 5, medication.OnceDaily, medication.RouteOral)
	tgt := src
	tgt.Route = medication.RouteInjection

	got, err := e.Compare(context.Background(),
		snapshot("res-1", medication.OriginHospital, src),
		snapshot("res-1", medication.OriginCareHomeChart, tgt))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].Severity != medication.SeverityHigh {
		t.Fatalf("high-risk route change: got %+v, want one high", got)
	}
}

func TestCompareTimingChangeIsLow(t *testing.T) {
	e := New(testRisk())

	src := entry("Amlodipine", "amlodipine", "5mg", 5, medication.OnceDaily, medication.RouteOral)
	src.Timing = "morning"
	tgt := src
	tgt.Timing = "evening"

	got, err := e.Compare(context.Background(),
		snapshot("res-1", medication.OriginHospital, src),
		snapshot("res-1", medication.OriginCareHomeChart, tgt))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].Severity != medication.SeverityLow {
		t.Fatalf("timing change: got %+v, want one low", got)
	}
	if got[0].RequiresAction {
		t.Error("low severity without interactions must not require action")
	}
}

func TestCompareMediumWithMajorInteractionRequiresAction(t *testing.T) {
	e := New(testRisk())

	src := entry("Zocor", "simvastatin", "20mg", 20, medication.OnceDaily, medication.RouteOral)
	tgt := src
	tgt.Dosage.Amount = 40

	got, err := e.Compare(context.Background(),
		snapshot("res-1", medication.OriginHospital, src),
		snapshot("res-1", medication.OriginCareHomeChart, tgt))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d discrepancies, want 1", len(got))
	}
	if got[0].Severity != medication.SeverityMedium {
		t.Errorf("severity: got %s, want medium", got[0].Severity)
	}
	if !got[0].RequiresAction {
		t.Error("medium with major interaction must require action")
	}
}

func TestCompareControlledSubstanceTreatedHighRisk(t *testing.T) {
	e := New(testRisk()) // morphine absent from the risk table

	src := entry("Morphine", "morphine sulfate", "10mg", 10, medication.Every4Hours, medication.RouteOral)
	src.Medication.IsControlled = true

	got, err := e.Compare(context.Background(),
		snapshot("res-1", medication.OriginHospital, src),
		snapshot("res-1", medication.OriginCareHomeChart))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].Severity != medication.SeverityCritical {
		t.Fatalf("controlled omission: got %+v, want one critical", got)
	}
}

func TestCompareIdempotent(t *testing.T) {
	e := New(testRisk())

	source := snapshot("res-1", medication.OriginHospital,
		entry("Warfarin", "warfarin", "5mg", 5, medication.OnceDaily, medication.RouteOral),
		entry("Metformin", "metformin", "500mg", 500, medication.TwiceDaily, medication.RouteOral),
		entry("Amlodipine", "amlodipine", "5mg", 5, medication.OnceDaily, medication.RouteOral))
	target := snapshot("res-1", medication.OriginCareHomeChart,
		entry("Metformin", "metformin", "500mg", 850, medication.ThreeTimesDaily, medication.RouteOral),
		entry("Amlodipine", "amlodipine", "5mg", 5, medication.OnceDaily, medication.RouteOral),
		entry("Sertraline", "sertraline", "50mg", 50, medication.OnceDaily, medication.RouteOral))

	first, err := e.Compare(context.Background(), source, target)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for run := 0; run < 5; run++ {
		again, err := e.Compare(context.Background(), source, target)
		if err != nil {
			t.Fatalf("run %d: unexpected error: %v", run, err)
		}
		if len(again) != len(first) {
			t.Fatalf("run %d: got %d discrepancies, want %d", run, len(again), len(first))
		}
		for i := range first {
			if again[i].Type != first[i].Type ||
				again[i].Severity != first[i].Severity ||
				again[i].IngredientKey != first[i].IngredientKey {
				t.Fatalf("run %d: discrepancy %d differs: %+v vs %+v", run, i, again[i], first[i])
			}
		}
	}
}

func TestNewCaseStatusAndOwnership(t *testing.T) {
	e := New(testRisk())

	source := snapshot("res-1", medication.OriginHospital,
		entry("Warfarin", "warfarin", "5mg", 5, medication.OnceDaily, medication.RouteOral))
	target := snapshot("res-1", medication.OriginCareHomeChart)

	now := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	c, err := e.NewCase(context.Background(), source, target, medication.TransitionAdmission, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if c.Status != medication.CaseRequiresReview {
		t.Errorf("case with critical discrepancy: status %s, want requires_review", c.Status)
	}
	for _, d := range c.Discrepancies {
		if d.CaseID != c.ID {
			t.Errorf("discrepancy %s not owned by case %s", d.ID, c.ID)
		}
		if d.State != medication.DiscrepancyIdentified {
			t.Errorf("initial state: got %s, want identified", d.State)
		}
		if d.Version != 1 {
			t.Errorf("initial version: got %d, want 1", d.Version)
		}
	}
}

func TestNewCaseNoDiscrepanciesStaysInProgress(t *testing.T) {
	e := New(testRisk())

	same := entry("Amlodipine", "amlodipine", "5mg", 5, medication.OnceDaily, medication.RouteOral)
	c, err := e.NewCase(context.Background(),
		snapshot("res-1", medication.OriginGP, same),
		snapshot("res-1", medication.OriginCareHomeChart, same),
		medication.TransitionPeriodicReview, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Status != medication.CaseInProgress {
		t.Errorf("status: got %s, want in_progress", c.Status)
	}
}

func TestNewCaseRejectsMismatchedResidents(t *testing.T) {
	e := New(testRisk())

	_, err := e.NewCase(context.Background(),
		snapshot("res-1", medication.OriginGP),
		snapshot("res-2", medication.OriginCareHomeChart),
		medication.TransitionTransfer, time.Now())
	if err == nil {
		t.Fatal("expected error for mismatched residents")
	}
}
