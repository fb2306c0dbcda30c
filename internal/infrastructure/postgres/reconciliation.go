package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/carelink/go-mar/internal/domain/medication"
)

// ErrVersionConflict is returned when an optimistic discrepancy update loses
// a race with another writer
var ErrVersionConflict = errors.New("discrepancy version conflict")

// CaseRepository persists reconciliation cases. Discrepancies are stored as
// rows with optimistic versioning; the two source snapshots travel with the
// case document.
type CaseRepository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewCaseRepository creates the repository
func NewCaseRepository(pool *pgxpool.Pool, logger *zap.Logger) *CaseRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CaseRepository{pool: pool, logger: logger}
}

// Create stores a new case with its discrepancy set and writes an audit
// outbox entry in the same transaction
func (r *CaseRepository) Create(ctx context.Context, c *medication.ReconciliationCase) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	sourceDoc, err := json.Marshal(c.Source)
	if err != nil {
		return fmt.Errorf("marshal source snapshot: %w", err)
	}
	targetDoc, err := json.Marshal(c.Target)
	if err != nil {
		return fmt.Errorf("marshal target snapshot: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO reconciliation_cases (id, resident_id, transition, status, source_doc, target_doc, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, c.ID, c.ResidentID, c.Transition, c.Status, sourceDoc, targetDoc, c.StartedAt)
	if err != nil {
		return fmt.Errorf("insert case: %w", err)
	}

	for i := range c.Discrepancies {
		if err := r.insertDiscrepancy(ctx, tx, &c.Discrepancies[i]); err != nil {
			return err
		}
	}

	payload, _ := json.Marshal(map[string]any{
		"case_id":       c.ID,
		"resident_id":   c.ResidentID,
		"transition":    c.Transition,
		"status":        c.Status,
		"discrepancies": len(c.Discrepancies),
	})
	entry := &OutboxEntry{
		AggregateID:   c.ID,
		AggregateType: "ReconciliationCase",
		EventType:     "ReconciliationStarted",
		Payload:       payload,
		Topic:         "audit.trail",
		Key:           c.ResidentID,
	}
	if err := WriteEntry(ctx, tx, entry); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	r.logger.Info("reconciliation case created",
		zap.String("case_id", c.ID),
		zap.String("resident_id", c.ResidentID),
		zap.Int("discrepancies", len(c.Discrepancies)))
	return nil
}

func (r *CaseRepository) insertDiscrepancy(ctx context.Context, tx pgx.Tx, d *medication.Discrepancy) error {
	var resolution []byte
	if d.Resolution != nil {
		var err error
		resolution, err = json.Marshal(d.Resolution)
		if err != nil {
			return fmt.Errorf("marshal resolution: %w", err)
		}
	}

	_, err := tx.Exec(ctx, `
		INSERT INTO discrepancies
		(id, case_id, type, ingredient_key, medication_name, source_value, target_value,
		 severity, requires_action, state, reviewer_id, resolution, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, d.ID, d.CaseID, d.Type, d.IngredientKey, d.MedicationName,
		d.SourceValue, d.TargetValue, d.Severity, d.RequiresAction,
		d.State, nullableString(d.ReviewerID), resolution, d.Version)
	if err != nil {
		return fmt.Errorf("insert discrepancy: %w", err)
	}
	return nil
}

// Get loads a case with its discrepancies and reviews
func (r *CaseRepository) Get(ctx context.Context, id string) (*medication.ReconciliationCase, error) {
	c := &medication.ReconciliationCase{}
	var sourceDoc, targetDoc []byte

	err := r.pool.QueryRow(ctx, `
		SELECT id, resident_id, transition, status, source_doc, target_doc, started_at, completed_at
		FROM reconciliation_cases WHERE id = $1
	`, id).Scan(&c.ID, &c.ResidentID, &c.Transition, &c.Status,
		&sourceDoc, &targetDoc, &c.StartedAt, &c.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(sourceDoc, &c.Source); err != nil {
		return nil, fmt.Errorf("unmarshal source snapshot: %w", err)
	}
	if err := json.Unmarshal(targetDoc, &c.Target); err != nil {
		return nil, fmt.Errorf("unmarshal target snapshot: %w", err)
	}

	if c.Discrepancies, err = r.discrepanciesForCase(ctx, id); err != nil {
		return nil, err
	}
	if c.Reviews, err = r.reviewsForCase(ctx, id); err != nil {
		return nil, err
	}
	return c, nil
}

func (r *CaseRepository) discrepanciesForCase(ctx context.Context, caseID string) ([]medication.Discrepancy, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, case_id, type, ingredient_key, medication_name, source_value, target_value,
		       severity, requires_action, state, reviewer_id, resolution, version
		FROM discrepancies
		WHERE case_id = $1
		ORDER BY ingredient_key, type
	`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []medication.Discrepancy
	for rows.Next() {
		var d medication.Discrepancy
		var reviewer *string
		var resolution []byte
		err := rows.Scan(&d.ID, &d.CaseID, &d.Type, &d.IngredientKey, &d.MedicationName,
			&d.SourceValue, &d.TargetValue, &d.Severity, &d.RequiresAction,
			&d.State, &reviewer, &resolution, &d.Version)
		if err != nil {
			return nil, err
		}
		if reviewer != nil {
			d.ReviewerID = *reviewer
		}
		if len(resolution) > 0 {
			d.Resolution = &medication.Resolution{}
			if err := json.Unmarshal(resolution, d.Resolution); err != nil {
				return nil, fmt.Errorf("unmarshal resolution: %w", err)
			}
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *CaseRepository) reviewsForCase(ctx context.Context, caseID string) ([]medication.PharmacistReview, error) {
	rows, err := r.pool.Query(ctx,
		"SELECT doc FROM pharmacist_reviews WHERE case_id = $1 ORDER BY reviewed_at", caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []medication.PharmacistReview
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var review medication.PharmacistReview
		if err := json.Unmarshal(doc, &review); err != nil {
			return nil, fmt.Errorf("unmarshal review: %w", err)
		}
		out = append(out, review)
	}
	return out, rows.Err()
}

// UpdateDiscrepancy applies a workflow transition with optimistic
// concurrency: the update succeeds only when the stored version is exactly
// one behind the update, otherwise ErrVersionConflict. The case status is
// updated and an audit outbox entry written in the same transaction.
func (r *CaseRepository) UpdateDiscrepancy(ctx context.Context, d *medication.Discrepancy, caseStatus medication.CaseStatus) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var resolution []byte
	if d.Resolution != nil {
		if resolution, err = json.Marshal(d.Resolution); err != nil {
			return fmt.Errorf("marshal resolution: %w", err)
		}
	}

	tag, err := tx.Exec(ctx, `
		UPDATE discrepancies
		SET state = $1, reviewer_id = $2, resolution = $3, version = $4
		WHERE id = $5 AND version = $4 - 1
	`, d.State, nullableString(d.ReviewerID), resolution, d.Version, d.ID)
	if err != nil {
		return fmt.Errorf("update discrepancy: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}

	if _, err := tx.Exec(ctx,
		"UPDATE reconciliation_cases SET status = $1, updated_at = NOW() WHERE id = $2",
		caseStatus, d.CaseID); err != nil {
		return fmt.Errorf("update case status: %w", err)
	}

	payload, _ := json.Marshal(map[string]any{
		"discrepancy_id": d.ID,
		"case_id":        d.CaseID,
		"state":          d.State,
		"severity":       d.Severity,
	})
	entry := &OutboxEntry{
		AggregateID:   d.CaseID,
		AggregateType: "ReconciliationCase",
		EventType:     "DiscrepancyTransitioned",
		Payload:       payload,
		Topic:         "audit.trail",
		Key:           d.CaseID,
	}
	if err := WriteEntry(ctx, tx, entry); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// AttachReview stores a pharmacist review and the resulting case status
func (r *CaseRepository) AttachReview(ctx context.Context, caseID string, review medication.PharmacistReview, caseStatus medication.CaseStatus) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	doc, err := json.Marshal(review)
	if err != nil {
		return fmt.Errorf("marshal review: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO pharmacist_reviews (id, case_id, reviewed_at, doc)
		VALUES ($1, $2, $3, $4)
	`, review.ID, caseID, review.ReviewedAt, doc); err != nil {
		return fmt.Errorf("insert review: %w", err)
	}

	if _, err := tx.Exec(ctx,
		"UPDATE reconciliation_cases SET status = $1, updated_at = NOW() WHERE id = $2",
		caseStatus, caseID); err != nil {
		return fmt.Errorf("update case status: %w", err)
	}

	payload, _ := json.Marshal(map[string]any{
		"case_id":  caseID,
		"decision": review.Decision,
		"status":   caseStatus,
	})
	entry := &OutboxEntry{
		AggregateID:   caseID,
		AggregateType: "ReconciliationCase",
		EventType:     "PharmacistReviewAttached",
		Payload:       payload,
		Topic:         "audit.trail",
		Key:           caseID,
	}
	if err := WriteEntry(ctx, tx, entry); err != nil {
		return err
	}

	return tx.Commit(ctx)
}
