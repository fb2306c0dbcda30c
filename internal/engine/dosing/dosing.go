// Package dosing converts prescription frequency patterns into administration
// timing and dose totals. All functions are pure; callers pass the clock.
package dosing

import (
	"errors"
	"time"

	"github.com/carelink/go-mar/internal/domain/medication"
)

// ErrNoSchedule is returned for patterns without a fixed next time
// (as-required and custom orders).
var ErrNoSchedule = errors.New("frequency pattern has no fixed schedule")

// hourOffsets maps fixed patterns to the hour gap between administrations
var hourOffsets = map[medication.Frequency]int{
	medication.OnceDaily:       24,
	medication.TwiceDaily:      12,
	medication.ThreeTimesDaily: 8,
	medication.FourTimesDaily:  6,
	medication.Every4Hours:     4,
	medication.Every6Hours:     6,
	medication.Every8Hours:     8,
	medication.Every12Hours:    12,
}

// dailyCounts maps fixed patterns to administrations implied per 24h
var dailyCounts = map[medication.Frequency]int{
	medication.OnceDaily:       1,
	medication.TwiceDaily:      2,
	medication.ThreeTimesDaily: 3,
	medication.FourTimesDaily:  4,
	medication.Every4Hours:     6,
	medication.Every6Hours:     4,
	medication.Every8Hours:     3,
	medication.Every12Hours:    2,
}

// Schedule is the result of a next-administration computation
type Schedule struct {
	NextTime       time.Time
	DailyDoseTotal float64
}

// NextAdministration returns the next scheduled time after baseline for the
// given dosage. Baseline is the last administration time, or "now" when no
// prior administration exists; in the latter case callers must not treat the
// result as retroactively due.
func NextAdministration(dosage medication.Dosage, baseline time.Time) (time.Time, error) {
	if err := dosage.Validate(); err != nil {
		return time.Time{}, err
	}

	if hours, ok := hourOffsets[dosage.Frequency]; ok {
		return baseline.Add(time.Duration(hours) * time.Hour), nil
	}

	switch dosage.Frequency {
	case medication.Weekly:
		return baseline.AddDate(0, 0, 7), nil
	case medication.Monthly:
		return baseline.AddDate(0, 1, 0), nil
	}

	// as_required and custom: eligibility is the safety gate's interval
	// check, not a schedule.
	return time.Time{}, ErrNoSchedule
}

// AdministrationsPerDay returns the number of administrations implied by the
// pattern in 24h, or 0 for patterns without a fixed daily count.
func AdministrationsPerDay(freq medication.Frequency) int {
	return dailyCounts[freq]
}

// DailyDoseTotal returns the total daily dose implied by the pattern.
// Patterns without a fixed daily count return the single dose; they do not
// contribute to a daily ceiling check automatically.
func DailyDoseTotal(dosage medication.Dosage) (float64, error) {
	if err := dosage.Validate(); err != nil {
		return 0, err
	}
	if n := dailyCounts[dosage.Frequency]; n > 0 {
		return dosage.Amount * float64(n), nil
	}
	return dosage.Amount, nil
}

// Compute returns both the next administration time and the daily dose total
// for a prescription. For PRN orders NextTime is zero and the caller should
// consult the safety gate instead.
func Compute(p medication.Prescription, lastAdministered *time.Time, now time.Time) (Schedule, error) {
	total, err := DailyDoseTotal(p.Dosage)
	if err != nil {
		return Schedule{}, err
	}

	baseline := now
	if lastAdministered != nil {
		baseline = *lastAdministered
	}

	next, err := NextAdministration(p.Dosage, baseline)
	if err != nil {
		if errors.Is(err, ErrNoSchedule) {
			return Schedule{DailyDoseTotal: total}, nil
		}
		return Schedule{}, err
	}

	return Schedule{NextTime: next, DailyDoseTotal: total}, nil
}
