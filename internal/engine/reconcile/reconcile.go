// Package reconcile compares two medication-list snapshots across a care
// transition and produces a classified set of discrepancies.
package reconcile

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/carelink/go-mar/internal/domain/medication"
)

// InteractionSeverity grades a known drug interaction
type InteractionSeverity string

const (
	InteractionNone            InteractionSeverity = "none"
	InteractionMinor           InteractionSeverity = "minor"
	InteractionModerate        InteractionSeverity = "moderate"
	InteractionMajor           InteractionSeverity = "major"
	InteractionContraindicated InteractionSeverity = "contraindicated"
)

// RiskSource supplies the high-risk and interaction predicates. The actual
// drug knowledge base is an external collaborator; the engine only consumes
// it. Implementations must be cheap enough for inline use in a request
// handler (a loaded snapshot, not a remote call per medication).
type RiskSource interface {
	// IsHighRisk reports whether the active ingredient is high-risk
	// (anticoagulants, insulin, controlled substances and the like).
	IsHighRisk(ctx context.Context, ingredient string) (bool, error)
	// InteractionSeverity returns the worst known interaction severity for
	// the active ingredient.
	InteractionSeverity(ctx context.Context, ingredient string) (InteractionSeverity, error)
}

// Engine detects and classifies discrepancies between medication sources
type Engine struct {
	risk RiskSource
}

// New creates a reconciliation engine backed by the given risk source
func New(risk RiskSource) *Engine {
	return &Engine{risk: risk}
}

// Compare produces the discrepancy set between source and target. Output is
// deterministically ordered (ingredient key, then type) so repeated runs on
// unchanged snapshots yield an identical set.
func (e *Engine) Compare(ctx context.Context, source, target medication.MedicationSource) ([]medication.Discrepancy, error) {
	sourceByKey := indexEntries(source.Entries)
	targetByKey := indexEntries(target.Entries)

	var discrepancies []medication.Discrepancy

	for key, entry := range sourceByKey {
		if _, ok := targetByKey[key]; !ok {
			d, err := e.classify(ctx, entry, medication.DiscrepancyOmission,
				describeEntry(entry), "")
			if err != nil {
				return nil, err
			}
			discrepancies = append(discrepancies, d)
		}
	}

	for key, entry := range targetByKey {
		if _, ok := sourceByKey[key]; !ok {
			d, err := e.classify(ctx, entry, medication.DiscrepancyAddition,
				"", describeEntry(entry))
			if err != nil {
				return nil, err
			}
			discrepancies = append(discrepancies, d)
		}
	}

	for key, src := range sourceByKey {
		tgt, ok := targetByKey[key]
		if !ok {
			continue
		}
		diffs, err := e.compareEntries(ctx, src, tgt)
		if err != nil {
			return nil, err
		}
		discrepancies = append(discrepancies, diffs...)
	}

	sort.Slice(discrepancies, func(i, j int) bool {
		if discrepancies[i].IngredientKey != discrepancies[j].IngredientKey {
			return discrepancies[i].IngredientKey < discrepancies[j].IngredientKey
		}
		return discrepancies[i].Type < discrepancies[j].Type
	})

	return discrepancies, nil
}

// NewCase runs Compare and wraps the result in a reconciliation case
func (e *Engine) NewCase(ctx context.Context, source, target medication.MedicationSource, transition medication.TransitionType, now time.Time) (*medication.ReconciliationCase, error) {
	if source.ResidentID != target.ResidentID {
		return nil, fmt.Errorf("source and target snapshots belong to different residents (%s vs %s)",
			source.ResidentID, target.ResidentID)
	}

	caseID := uuid.New().String()

	discrepancies, err := e.Compare(ctx, source, target)
	if err != nil {
		return nil, err
	}

	status := medication.CaseInProgress
	for i := range discrepancies {
		discrepancies[i].ID = uuid.New().String()
		discrepancies[i].CaseID = caseID
		discrepancies[i].State = medication.DiscrepancyIdentified
		discrepancies[i].Version = 1
		if discrepancies[i].Severity == medication.SeverityCritical ||
			discrepancies[i].Severity == medication.SeverityHigh {
			status = medication.CaseRequiresReview
		}
	}

	return &medication.ReconciliationCase{
		ID:            caseID,
		ResidentID:    source.ResidentID,
		Transition:    transition,
		Source:        source,
		Target:        target,
		Discrepancies: discrepancies,
		Status:        status,
		StartedAt:     now,
	}, nil
}

// compareEntries emits one discrepancy per differing field
func (e *Engine) compareEntries(ctx context.Context, src, tgt medication.SourceEntry) ([]medication.Discrepancy, error) {
	type fieldDiff struct {
		dtype    medication.DiscrepancyType
		srcValue string
		tgtValue string
	}
	var diffs []fieldDiff

	if src.Dosage.Amount != tgt.Dosage.Amount || src.Dosage.Unit != tgt.Dosage.Unit {
		diffs = append(diffs, fieldDiff{medication.DiscrepancyDoseChange,
			fmt.Sprintf("%v %s", src.Dosage.Amount, src.Dosage.Unit),
			fmt.Sprintf("%v %s", tgt.Dosage.Amount, tgt.Dosage.Unit)})
	}
	if src.Dosage.Frequency != tgt.Dosage.Frequency {
		diffs = append(diffs, fieldDiff{medication.DiscrepancyFrequencyChange,
			string(src.Dosage.Frequency), string(tgt.Dosage.Frequency)})
	}
	if src.Route != tgt.Route {
		diffs = append(diffs, fieldDiff{medication.DiscrepancyRouteChange,
			string(src.Route), string(tgt.Route)})
	}
	if src.Medication.Form != tgt.Medication.Form {
		diffs = append(diffs, fieldDiff{medication.DiscrepancyFormulationChange,
			src.Medication.Form, tgt.Medication.Form})
	}
	if src.Timing != tgt.Timing {
		diffs = append(diffs, fieldDiff{medication.DiscrepancyTimingChange,
			src.Timing, tgt.Timing})
	}
	if src.Indication != tgt.Indication {
		diffs = append(diffs, fieldDiff{medication.DiscrepancyIndicationChange,
			src.Indication, tgt.Indication})
	}

	var out []medication.Discrepancy
	for _, fd := range diffs {
		d, err := e.classify(ctx, src, fd.dtype, fd.srcValue, fd.tgtValue)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// classify derives severity and the requires-action flag for one discrepancy
func (e *Engine) classify(ctx context.Context, entry medication.SourceEntry, dtype medication.DiscrepancyType, srcValue, tgtValue string) (medication.Discrepancy, error) {
	ingredient := entry.Medication.ActiveIngredient

	highRisk, err := e.risk.IsHighRisk(ctx, ingredient)
	if err != nil {
		return medication.Discrepancy{}, fmt.Errorf("risk lookup for %s: %w", ingredient, err)
	}
	// Controlled substances are high-risk by definition whatever the
	// knowledge base says.
	if entry.Medication.IsControlled {
		highRisk = true
	}

	severity := classifySeverity(highRisk, dtype)

	requiresAction := severity == medication.SeverityCritical || severity == medication.SeverityHigh
	if !requiresAction && severity == medication.SeverityMedium {
		interaction, err := e.risk.InteractionSeverity(ctx, ingredient)
		if err != nil {
			return medication.Discrepancy{}, fmt.Errorf("interaction lookup for %s: %w", ingredient, err)
		}
		if interaction == InteractionMajor || interaction == InteractionContraindicated {
			requiresAction = true
		}
	}

	return medication.Discrepancy{
		Type:           dtype,
		IngredientKey:  entry.Medication.IngredientKey(),
		MedicationName: entry.Medication.Name,
		SourceValue:    srcValue,
		TargetValue:    tgtValue,
		Severity:       severity,
		RequiresAction: requiresAction,
	}, nil
}

// classifySeverity is the deterministic severity matrix
func classifySeverity(highRisk bool, dtype medication.DiscrepancyType) medication.Severity {
	presence := dtype == medication.DiscrepancyOmission || dtype == medication.DiscrepancyAddition

	if highRisk {
		if presence || dtype == medication.DiscrepancyDoseChange {
			return medication.SeverityCritical
		}
		return medication.SeverityHigh
	}

	if presence {
		return medication.SeverityHigh
	}

	switch dtype {
	case medication.DiscrepancyDoseChange,
		medication.DiscrepancyFrequencyChange,
		medication.DiscrepancyRouteChange:
		return medication.SeverityMedium
	}
	return medication.SeverityLow
}

// indexEntries keys entries by ingredient+strength; the first occurrence of
// a duplicate key wins.
func indexEntries(entries []medication.SourceEntry) map[string]medication.SourceEntry {
	byKey := make(map[string]medication.SourceEntry, len(entries))
	for _, e := range entries {
		key := e.Medication.IngredientKey()
		if _, ok := byKey[key]; !ok {
			byKey[key] = e
		}
	}
	return byKey
}

func describeEntry(e medication.SourceEntry) string {
	return fmt.Sprintf("%s %s %v %s %s", e.Medication.Name, e.Medication.Strength,
		e.Dosage.Amount, e.Dosage.Unit, e.Dosage.Frequency)
}
