// Package medication defines the value types shared by the administration
// and reconciliation engines. All types are immutable snapshots; computations
// on them live in internal/engine.
package medication

import (
	"fmt"
	"strings"
	"time"
)

// Route represents an administration route
type Route string

const (
	RouteOral         Route = "oral"
	RouteSublingual   Route = "sublingual"
	RouteTopical      Route = "topical"
	RouteInhalation   Route = "inhalation"
	RouteInjection    Route = "injection"
	RouteTransdermal  Route = "transdermal"
	RouteRectal       Route = "rectal"
	RouteOphthalmic   Route = "ophthalmic"
	RouteOtic         Route = "otic"
	RouteSubcutaneous Route = "subcutaneous"
)

// Medication identifies a drug product
type Medication struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	ActiveIngredient string `json:"active_ingredient"`
	Strength         string `json:"strength"`
	Form             string `json:"form,omitempty"`
	IsControlled     bool   `json:"is_controlled"`
	ControlSchedule  string `json:"control_schedule,omitempty"`
	Active           bool   `json:"active"`
}

// IngredientKey returns the normalized matching key used by reconciliation.
// Active ingredient plus strength identifies "the same medication" across
// lists; brand names do not.
func (m Medication) IngredientKey() string {
	ingredient := strings.ToLower(strings.Join(strings.Fields(m.ActiveIngredient), " "))
	strength := strings.ToLower(strings.Join(strings.Fields(m.Strength), ""))
	return ingredient + "|" + strength
}

// Frequency represents a dosing frequency pattern
type Frequency string

const (
	OnceDaily       Frequency = "once_daily"
	TwiceDaily      Frequency = "twice_daily"
	ThreeTimesDaily Frequency = "three_times_daily"
	FourTimesDaily  Frequency = "four_times_daily"
	Every4Hours     Frequency = "every_4_hours"
	Every6Hours     Frequency = "every_6_hours"
	Every8Hours     Frequency = "every_8_hours"
	Every12Hours    Frequency = "every_12_hours"
	Weekly          Frequency = "weekly"
	Monthly         Frequency = "monthly"
	AsRequired      Frequency = "as_required"
	Custom          Frequency = "custom"
)

// knownFrequencies is the closed set of accepted patterns
var knownFrequencies = map[Frequency]bool{
	OnceDaily: true, TwiceDaily: true, ThreeTimesDaily: true,
	FourTimesDaily: true, Every4Hours: true, Every6Hours: true,
	Every8Hours: true, Every12Hours: true, Weekly: true,
	Monthly: true, AsRequired: true, Custom: true,
}

// Known reports whether f is an accepted frequency pattern
func (f Frequency) Known() bool { return knownFrequencies[f] }

// IsPRN reports whether f is an as-needed pattern with no fixed schedule
func (f Frequency) IsPRN() bool { return f == AsRequired }

// DoseUnit represents a dose measurement unit
type DoseUnit string

const (
	UnitMG      DoseUnit = "mg"
	UnitMCG     DoseUnit = "mcg"
	UnitG       DoseUnit = "g"
	UnitML      DoseUnit = "ml"
	UnitUnits   DoseUnit = "units"
	UnitTablets DoseUnit = "tablets"
	UnitDrops   DoseUnit = "drops"
	UnitPuffs   DoseUnit = "puffs"
)

var knownUnits = map[DoseUnit]bool{
	UnitMG: true, UnitMCG: true, UnitG: true, UnitML: true,
	UnitUnits: true, UnitTablets: true, UnitDrops: true, UnitPuffs: true,
}

// Dosage describes a single-dose amount and its frequency pattern
type Dosage struct {
	Amount          float64   `json:"amount"`
	Unit            DoseUnit  `json:"unit"`
	Frequency       Frequency `json:"frequency"`
	CustomFrequency string    `json:"custom_frequency,omitempty"`
}

// Validate checks the dosage fields before any computation
func (d Dosage) Validate() error {
	if d.Amount <= 0 {
		return &ValidationError{Field: "amount", Reason: fmt.Sprintf("must be positive, got %v", d.Amount)}
	}
	if !knownUnits[d.Unit] {
		return &ValidationError{Field: "unit", Reason: fmt.Sprintf("unknown unit %q", d.Unit)}
	}
	if !d.Frequency.Known() {
		return &ValidationError{Field: "frequency", Reason: fmt.Sprintf("unknown frequency %q", d.Frequency)}
	}
	if d.Frequency == Custom && d.CustomFrequency == "" {
		return &ValidationError{Field: "custom_frequency", Reason: "required for custom frequency"}
	}
	return nil
}

// ValidationError reports malformed dosage or frequency input. These are
// caller errors and are rejected before any computation runs.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// PrescriptionStatus represents prescription lifecycle status
type PrescriptionStatus string

const (
	PrescriptionActive       PrescriptionStatus = "active"
	PrescriptionOnHold       PrescriptionStatus = "on_hold"
	PrescriptionDiscontinued PrescriptionStatus = "discontinued"
	PrescriptionExpired      PrescriptionStatus = "expired"
	PrescriptionCancelled    PrescriptionStatus = "cancelled"
)

// ReviewFrequency is how often a prescription must be clinically reviewed
type ReviewFrequency string

const (
	ReviewWeekly     ReviewFrequency = "weekly"
	ReviewMonthly    ReviewFrequency = "monthly"
	ReviewQuarterly  ReviewFrequency = "quarterly"
	ReviewBiannually ReviewFrequency = "biannually"
)

// ReviewSchedule tracks prescription review bookkeeping
type ReviewSchedule struct {
	Frequency  ReviewFrequency `json:"frequency"`
	LastReview *time.Time      `json:"last_review,omitempty"`
	NextReview *time.Time      `json:"next_review,omitempty"`
}

// Prescription is a prescriber's order for a resident
type Prescription struct {
	ID               string             `json:"id"`
	ResidentID       string             `json:"resident_id"`
	Medication       Medication         `json:"medication"`
	Dosage           Dosage             `json:"dosage"`
	Route            Route              `json:"route"`
	Status           PrescriptionStatus `json:"status"`
	StartDate        time.Time          `json:"start_date"`
	EndDate          *time.Time         `json:"end_date,omitempty"`
	MaxDailyDose     float64            `json:"max_daily_dose,omitempty"`
	MinIntervalHours float64            `json:"min_interval_hours,omitempty"`
	Indication       string             `json:"indication,omitempty"`
	PrescriberID     string             `json:"prescriber_id"`
	Review           ReviewSchedule     `json:"review"`
}

// ValidAt reports whether the prescription may be administered at t.
// An end date in the past makes the prescription invalid regardless of the
// status field.
func (p Prescription) ValidAt(t time.Time) bool {
	if p.Status != PrescriptionActive {
		return false
	}
	if t.Before(p.StartDate) {
		return false
	}
	if p.EndDate != nil && t.After(*p.EndDate) {
		return false
	}
	return true
}

// RequiresWitness reports whether administrations of this prescription need
// a witness co-signature
func (p Prescription) RequiresWitness() bool {
	return p.Medication.IsControlled
}

// NextReviewDue derives the next review date from the review frequency and
// the last completed review (or the start date when never reviewed).
func (p Prescription) NextReviewDue() time.Time {
	base := p.StartDate
	if p.Review.LastReview != nil {
		base = *p.Review.LastReview
	}
	switch p.Review.Frequency {
	case ReviewWeekly:
		return base.AddDate(0, 0, 7)
	case ReviewMonthly:
		return base.AddDate(0, 1, 0)
	case ReviewQuarterly:
		return base.AddDate(0, 3, 0)
	case ReviewBiannually:
		return base.AddDate(0, 6, 0)
	default:
		return base.AddDate(0, 1, 0)
	}
}
