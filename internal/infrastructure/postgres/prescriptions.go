package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/carelink/go-mar/internal/domain/medication"
)

// PrescriptionRepository persists prescriptions. The prescription document
// (medication, dosage, review schedule) lives in a JSONB column; columns
// needed for querying are broken out.
type PrescriptionRepository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPrescriptionRepository creates the repository
func NewPrescriptionRepository(pool *pgxpool.Pool, logger *zap.Logger) *PrescriptionRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PrescriptionRepository{pool: pool, logger: logger}
}

// Save inserts or replaces a prescription
func (r *PrescriptionRepository) Save(ctx context.Context, p *medication.Prescription) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal prescription: %w", err)
	}

	query := `
		INSERT INTO prescriptions (id, resident_id, status, start_date, end_date, next_review, doc)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE
		SET status = $3, start_date = $4, end_date = $5, next_review = $6, doc = $7, updated_at = NOW()
	`
	_, err = r.pool.Exec(ctx, query,
		p.ID, p.ResidentID, p.Status, p.StartDate, p.EndDate, p.Review.NextReview, doc)
	if err != nil {
		return fmt.Errorf("save prescription: %w", err)
	}
	return nil
}

// Get loads one prescription by ID
func (r *PrescriptionRepository) Get(ctx context.Context, id string) (*medication.Prescription, error) {
	var doc []byte
	err := r.pool.QueryRow(ctx, "SELECT doc FROM prescriptions WHERE id = $1", id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	p := &medication.Prescription{}
	if err := json.Unmarshal(doc, p); err != nil {
		return nil, fmt.Errorf("unmarshal prescription: %w", err)
	}
	return p, nil
}

// ActiveForResident returns the resident's active prescriptions
func (r *PrescriptionRepository) ActiveForResident(ctx context.Context, residentID string) ([]*medication.Prescription, error) {
	rows, err := r.pool.Query(ctx,
		"SELECT doc FROM prescriptions WHERE resident_id = $1 AND status = 'active'", residentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPrescriptions(rows)
}

// OverdueReviews returns active prescriptions whose next review date has
// passed
func (r *PrescriptionRepository) OverdueReviews(ctx context.Context, asOf time.Time) ([]*medication.Prescription, error) {
	rows, err := r.pool.Query(ctx,
		"SELECT doc FROM prescriptions WHERE status = 'active' AND next_review IS NOT NULL AND next_review < $1", asOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPrescriptions(rows)
}

// MarkReviewed records a completed review and advances the next review date
func (r *PrescriptionRepository) MarkReviewed(ctx context.Context, id string, reviewedAt time.Time) error {
	p, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	p.Review.LastReview = &reviewedAt
	next := p.NextReviewDue()
	p.Review.NextReview = &next
	return r.Save(ctx, p)
}

func collectPrescriptions(rows pgx.Rows) ([]*medication.Prescription, error) {
	var out []*medication.Prescription
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		p := &medication.Prescription{}
		if err := json.Unmarshal(doc, p); err != nil {
			return nil, fmt.Errorf("unmarshal prescription: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
