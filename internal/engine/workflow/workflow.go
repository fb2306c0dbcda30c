// Package workflow drives discrepancies from detection to resolution and
// keeps reconciliation case status consistent with the state of its
// discrepancies. Functions take and return value snapshots; persistence and
// per-discrepancy serialization belong to the caller.
package workflow

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/carelink/go-mar/internal/domain/medication"
)

// ErrIllegalTransition is returned when a transition is requested from an
// incompatible state. It is a caller error; no retry will help.
var ErrIllegalTransition = errors.New("illegal workflow transition")

// Action is a requested discrepancy transition
type Action string

const (
	ActionOpenReview Action = "open_review"
	ActionResolve    Action = "resolve"
	ActionAcceptRisk Action = "accept_risk"
)

// OpenReview moves a discrepancy from identified to under_review. Any
// authorized clinician may open it.
func OpenReview(d medication.Discrepancy, reviewerID string, now time.Time) (medication.Discrepancy, error) {
	if d.State != medication.DiscrepancyIdentified {
		return d, illegal("open_review", d.State)
	}
	if reviewerID == "" {
		return d, fmt.Errorf("reviewer identity is required")
	}

	d.State = medication.DiscrepancyUnderReview
	d.ReviewerID = reviewerID
	d.Version++
	return d, nil
}

// Resolve moves a discrepancy from under_review to resolved. A non-empty
// rationale is mandatory.
func Resolve(d medication.Discrepancy, res medication.Resolution, now time.Time) (medication.Discrepancy, error) {
	if d.State != medication.DiscrepancyUnderReview {
		return d, illegal("resolve", d.State)
	}
	if strings.TrimSpace(res.Rationale) == "" {
		return d, fmt.Errorf("resolve discrepancy %s: %w: rationale is required", d.ID, ErrIllegalTransition)
	}
	if res.ResolvedBy == "" {
		return d, fmt.Errorf("resolver identity is required")
	}

	res.ResolvedAt = now
	d.State = medication.DiscrepancyResolved
	d.Resolution = &res
	d.Version++
	return d, nil
}

// AcceptRisk closes a discrepancy as accepted risk. Permitted directly only
// for low/medium severity; critical and high discrepancies additionally
// require an attached pharmacist review with an approved decision.
func AcceptRisk(d medication.Discrepancy, res medication.Resolution, review *medication.PharmacistReview, now time.Time) (medication.Discrepancy, error) {
	if d.State != medication.DiscrepancyUnderReview {
		return d, illegal("accept_risk", d.State)
	}
	if strings.TrimSpace(res.Rationale) == "" {
		return d, fmt.Errorf("accept risk on discrepancy %s: %w: rationale is required", d.ID, ErrIllegalTransition)
	}

	if d.Severity == medication.SeverityCritical || d.Severity == medication.SeverityHigh {
		if review == nil || review.Decision != medication.DecisionApproved {
			return d, fmt.Errorf("accept risk on %s discrepancy %s: %w: approved pharmacist review required",
				d.Severity, d.ID, ErrIllegalTransition)
		}
		res.ApprovedBy = review.PharmacistID
	}

	res.ResolvedAt = now
	d.State = medication.DiscrepancyAcceptedRisk
	d.Resolution = &res
	d.Version++
	return d, nil
}

// Transition applies one named action to a discrepancy
func Transition(d medication.Discrepancy, action Action, res medication.Resolution, review *medication.PharmacistReview, now time.Time) (medication.Discrepancy, error) {
	switch action {
	case ActionOpenReview:
		return OpenReview(d, res.ResolvedBy, now)
	case ActionResolve:
		return Resolve(d, res, now)
	case ActionAcceptRisk:
		return AcceptRisk(d, res, review, now)
	default:
		return d, fmt.Errorf("unknown action %q: %w", action, ErrIllegalTransition)
	}
}

// RecomputeCaseStatus derives the case status from its discrepancy states.
// Approved is sticky: once a case has been approved it stays approved.
func RecomputeCaseStatus(c medication.ReconciliationCase, now time.Time) medication.ReconciliationCase {
	if c.Status == medication.CaseApproved {
		return c
	}

	if c.AllDiscrepanciesTerminal() && !c.UnresolvedCritical() {
		if c.Status != medication.CaseCompleted {
			c.Status = medication.CaseCompleted
			completed := now
			c.CompletedAt = &completed
		}
		return c
	}

	c.Status = medication.CaseInProgress
	c.CompletedAt = nil
	for _, d := range c.Discrepancies {
		if !d.State.Terminal() &&
			(d.Severity == medication.SeverityCritical || d.Severity == medication.SeverityHigh) {
			c.Status = medication.CaseRequiresReview
			break
		}
	}
	return c
}

// ApplyDiscrepancy replaces a discrepancy in the case and recomputes status
func ApplyDiscrepancy(c medication.ReconciliationCase, updated medication.Discrepancy, now time.Time) (medication.ReconciliationCase, error) {
	for i, d := range c.Discrepancies {
		if d.ID != updated.ID {
			continue
		}
		// optimistic versioning: the update must descend from the stored copy
		if updated.Version != d.Version+1 {
			return c, fmt.Errorf("discrepancy %s version conflict: stored %d, update %d",
				d.ID, d.Version, updated.Version)
		}
		c.Discrepancies[i] = updated
		return RecomputeCaseStatus(c, now), nil
	}
	return c, fmt.Errorf("discrepancy %s does not belong to case %s", updated.ID, c.ID)
}

// AttachReview records a pharmacist review on the case. An approved review
// promotes a completed case to approved; on any other case status it is
// recorded without advancing the case (it may later gate accept_risk closures
// of critical and high discrepancies). Non-approved decisions never advance
// the case.
func AttachReview(c medication.ReconciliationCase, review medication.PharmacistReview, now time.Time) (medication.ReconciliationCase, error) {
	if review.PharmacistID == "" {
		return c, fmt.Errorf("pharmacist identity is required")
	}
	if review.Decision != medication.DecisionApproved &&
		review.Decision != medication.DecisionRequiresChanges &&
		review.Decision != medication.DecisionRejected {
		return c, fmt.Errorf("unknown review decision %q", review.Decision)
	}

	review.ReviewedAt = now
	c.Reviews = append(c.Reviews, review)

	if review.Decision == medication.DecisionApproved && c.Status == medication.CaseCompleted {
		c.Status = medication.CaseApproved
	}

	return c, nil
}

func illegal(action string, from medication.DiscrepancyState) error {
	return fmt.Errorf("%s from state %s: %w", action, from, ErrIllegalTransition)
}
