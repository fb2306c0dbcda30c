// Package postgres provides PostgreSQL persistence for the medication
// administration and reconciliation engines, plus the transactional outbox
// used for audit events.
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

// ErrNotFound is returned when a requested row does not exist
var ErrNotFound = errors.New("not found")

// AdministrationRepository persists administration records and serializes
// the dose ledger per prescription.
type AdministrationRepository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewAdministrationRepository creates the repository
func NewAdministrationRepository(pool *pgxpool.Pool, logger *zap.Logger) *AdministrationRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdministrationRepository{pool: pool, logger: logger}
}

// GuardFunc inspects the day's ledger under the per-prescription lock and
// decides whether the record may be inserted. Returning an error aborts the
// transaction.
type GuardFunc func(todaysDoseTotal float64, prior *medication.AdministrationRecord) error

// RecordGuarded inserts an administration record with read-decide-write
// semantics: it takes a transaction-scoped advisory lock keyed by the
// prescription, reads today's given-dose total and the most recent prior
// record, lets the guard decide, then inserts the record and an audit outbox
// entry in the same transaction. Two concurrent recordings for the same
// prescription therefore never both see a stale dose total.
func (r *AdministrationRepository) RecordGuarded(ctx context.Context, record *medication.AdministrationRecord, guard GuardFunc) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", record.PrescriptionID); err != nil {
		return fmt.Errorf("acquire prescription lock: %w", err)
	}

	total, err := r.todaysTotal(ctx, tx, record.PrescriptionID, record.ActualTime)
	if err != nil {
		return err
	}

	prior, err := r.latest(ctx, tx, record.PrescriptionID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	if err := guard(total, prior); err != nil {
		return err
	}

	if err := r.insert(ctx, tx, record); err != nil {
		return err
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}
	entry := &OutboxEntry{
		AggregateID:   record.ID,
		AggregateType: "AdministrationRecord",
		EventType:     "AdministrationRecorded",
		Payload:       payload,
		Topic:         "audit.trail",
		Key:           record.PrescriptionID,
	}
	if err := WriteEntry(ctx, tx, entry); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	r.logger.Info("administration recorded",
		zap.String("record_id", record.ID),
		zap.String("prescription_id", record.PrescriptionID),
		zap.String("status", string(record.Status)))
	return nil
}

// todaysTotal sums doses actually given on the calendar day of at
func (r *AdministrationRepository) todaysTotal(ctx context.Context, tx pgx.Tx, prescriptionID string, at time.Time) (float64, error) {
	query := `
		SELECT COALESCE(SUM(dosage_given), 0)
		FROM administration_records
		WHERE prescription_id = $1
		  AND status = 'given'
		  AND actual_time >= date_trunc('day', $2::timestamptz)
		  AND actual_time <  date_trunc('day', $2::timestamptz) + INTERVAL '1 day'
	`
	var total float64
	if err := tx.QueryRow(ctx, query, prescriptionID, at).Scan(&total); err != nil {
		return 0, fmt.Errorf("sum today's doses: %w", err)
	}
	return total, nil
}

const recordColumns = `
	id, prescription_id, scheduled_time, actual_time, status, dosage_given,
	refusal_reason, administrator_id, signature, details,
	double_checked, barcode_scanned, patient_identified,
	compliance_score, accuracy_score
`

// recordDetails carries the nested optional structures as one JSONB column
type recordDetails struct {
	Witness          *medication.WitnessInfo   `json:"witness,omitempty"`
	SideEffects      []medication.SideEffect   `json:"side_effects,omitempty"`
	VitalSignsBefore *medication.VitalSigns    `json:"vital_signs_before,omitempty"`
	VitalSignsAfter  *medication.VitalSigns    `json:"vital_signs_after,omitempty"`
	Notes            []medication.ClinicalNote `json:"notes,omitempty"`
}

func (r *AdministrationRepository) insert(ctx context.Context, tx pgx.Tx, rec *medication.AdministrationRecord) error {
	details, err := json.Marshal(recordDetails{
		Witness:          rec.Witness,
		SideEffects:      rec.SideEffects,
		VitalSignsBefore: rec.VitalSignsBefore,
		VitalSignsAfter:  rec.VitalSignsAfter,
		Notes:            rec.Notes,
	})
	if err != nil {
		return fmt.Errorf("marshal record details: %w", err)
	}

	query := `
		INSERT INTO administration_records (` + recordColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	_, err = tx.Exec(ctx, query,
		rec.ID, rec.PrescriptionID, rec.ScheduledTime, rec.ActualTime,
		rec.Status, rec.DosageGiven, nullableString(string(rec.RefusalReason)),
		rec.AdministratorID, rec.Signature, details,
		rec.DoubleChecked, rec.BarcodeScanned, rec.PatientIdentified,
		rec.ComplianceScore, rec.AccuracyScore,
	)
	if err != nil {
		return fmt.Errorf("insert administration record: %w", err)
	}
	return nil
}

// Latest returns the most recent administration record for a prescription
func (r *AdministrationRepository) Latest(ctx context.Context, prescriptionID string) (*medication.AdministrationRecord, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)
	return r.latest(ctx, tx, prescriptionID)
}

func (r *AdministrationRepository) latest(ctx context.Context, tx pgx.Tx, prescriptionID string) (*medication.AdministrationRecord, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM administration_records
		WHERE prescription_id = $1
		ORDER BY actual_time DESC
		LIMIT 1
	`
	rec, err := scanRecord(tx.QueryRow(ctx, query, prescriptionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// Get returns one administration record by ID
func (r *AdministrationRepository) Get(ctx context.Context, id string) (*medication.AdministrationRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM administration_records WHERE id = $1`
	rec, err := scanRecord(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// ListForPrescription returns records for a prescription, newest first
func (r *AdministrationRepository) ListForPrescription(ctx context.Context, prescriptionID string, limit int) ([]*medication.AdministrationRecord, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM administration_records
		WHERE prescription_id = $1
		ORDER BY actual_time DESC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, prescriptionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*medication.AdministrationRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// AppendNote adds one clinical note to a record. Notes are append-only; the
// rest of the record is immutable once persisted.
func (r *AdministrationRepository) AppendNote(ctx context.Context, recordID string, note medication.ClinicalNote) error {
	noteJSON, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("marshal note: %w", err)
	}
	query := `
		UPDATE administration_records
		SET details = jsonb_set(details, '{notes}',
			COALESCE(details->'notes', '[]'::jsonb) || $1::jsonb)
		WHERE id = $2
	`
	tag, err := r.pool.Exec(ctx, query, noteJSON, recordID)
	if err != nil {
		return fmt.Errorf("append note: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetScores stores the computed scores on a record
func (r *AdministrationRepository) SetScores(ctx context.Context, recordID string, compliance, accuracy int) error {
	query := `UPDATE administration_records SET compliance_score = $1, accuracy_score = $2 WHERE id = $3`
	tag, err := r.pool.Exec(ctx, query, compliance, accuracy, recordID)
	if err != nil {
		return fmt.Errorf("set scores: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*medication.AdministrationRecord, error) {
	rec := &medication.AdministrationRecord{}
	var refusal *string
	var details []byte

	err := row.Scan(
		&rec.ID, &rec.PrescriptionID, &rec.ScheduledTime, &rec.ActualTime,
		&rec.Status, &rec.DosageGiven, &refusal,
		&rec.AdministratorID, &rec.Signature, &details,
		&rec.DoubleChecked, &rec.BarcodeScanned, &rec.PatientIdentified,
		&rec.ComplianceScore, &rec.AccuracyScore,
	)
	if err != nil {
		return nil, err
	}
	if refusal != nil {
		rec.RefusalReason = medication.RefusalReason(*refusal)
	}

	var d recordDetails
	if len(details) > 0 {
		if err := json.Unmarshal(details, &d); err != nil {
			return nil, fmt.Errorf("unmarshal record details: %w", err)
		}
	}
	rec.Witness = d.Witness
	rec.SideEffects = d.SideEffects
	rec.VitalSignsBefore = d.VitalSignsBefore
	rec.VitalSignsAfter = d.VitalSignsAfter
	rec.Notes = d.Notes

	return rec, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
