// Package handlers provides HTTP handlers for the medication API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/carelink/go-mar/internal/api/middleware"
	"github.com/carelink/go-mar/internal/domain/medication"
	"github.com/carelink/go-mar/internal/engine/safety"
	"github.com/carelink/go-mar/internal/engine/scoring"
	"github.com/carelink/go-mar/internal/infrastructure/postgres"
	"github.com/carelink/go-mar/internal/observability/metrics"
	"github.com/carelink/go-mar/pkg/idempotency"
)

// AdministrationHandler handles administration recording endpoints
type AdministrationHandler struct {
	prescriptions   *postgres.PrescriptionRepository
	administrations *postgres.AdministrationRepository
	inbox           *idempotency.Inbox
	metrics         *metrics.Metrics
	logger          *zap.Logger
}

// NewAdministrationHandler creates a new handler
func NewAdministrationHandler(
	prescriptions *postgres.PrescriptionRepository,
	administrations *postgres.AdministrationRepository,
	inbox *idempotency.Inbox,
	m *metrics.Metrics,
	logger *zap.Logger,
) *AdministrationHandler {
	return &AdministrationHandler{
		prescriptions:   prescriptions,
		administrations: administrations,
		inbox:           inbox,
		metrics:         m,
		logger:          logger,
	}
}

// Routes returns the handler routes
func (h *AdministrationHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Record)
	r.Get("/{id}", h.Get)
	r.Post("/{id}/notes", h.AddNote)
	return r
}

// RecordRequest is the request body for recording an administration
type RecordRequest struct {
	PrescriptionID string                          `json:"prescription_id"`
	ScheduledTime  time.Time                       `json:"scheduled_time"`
	ActualTime     time.Time                       `json:"actual_time,omitempty"`
	Status         medication.AdministrationStatus `json:"status"`
	DosageGiven    float64                         `json:"dosage_given,omitempty"`
	RefusalReason  medication.RefusalReason        `json:"refusal_reason,omitempty"`

	Signature string                  `json:"signature"`
	Witness   *medication.WitnessInfo `json:"witness,omitempty"`

	SideEffects      []medication.SideEffect `json:"side_effects,omitempty"`
	VitalSignsBefore *medication.VitalSigns  `json:"vital_signs_before,omitempty"`
	VitalSignsAfter  *medication.VitalSigns  `json:"vital_signs_after,omitempty"`

	DoubleChecked     bool `json:"double_checked"`
	BarcodeScanned    bool `json:"barcode_scanned"`
	PatientIdentified bool `json:"patient_identified"`
}

// RecordResponse is the response for a recorded administration
type RecordResponse struct {
	ID              string          `json:"id"`
	Status          string          `json:"status"`
	Decision        safety.Decision `json:"decision"`
	ComplianceScore int             `json:"compliance_score"`
	AccuracyScore   int             `json:"accuracy_score"`
	RequiresReview  bool            `json:"requires_review"`
	Violations      []string        `json:"violations,omitempty"`
	Duplicate       bool            `json:"duplicate,omitempty"`
	RecordedAt      time.Time       `json:"recorded_at"`
}

// denyError carries a safety denial out of the ledger guard so the handler
// can distinguish it from infrastructure failures
type denyError struct {
	decision safety.Decision
}

func (e *denyError) Error() string {
	return "administration denied: " + string(e.decision.Reason)
}

// Record handles POST /administrations
func (h *AdministrationHandler) Record(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("administration-handler")
	ctx, span := tracer.Start(ctx, "record_administration")
	defer span.End()

	var req RecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if req.PrescriptionID == "" {
		jsonError(w, "prescription_id is required", http.StatusBadRequest)
		return
	}
	if req.Status == "" {
		jsonError(w, "status is required", http.StatusBadRequest)
		return
	}
	span.SetAttributes(attribute.String("prescription_id", req.PrescriptionID))

	prescription, err := h.prescriptions.Get(ctx, req.PrescriptionID)
	if err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			jsonError(w, "prescription not found", http.StatusNotFound)
			return
		}
		h.logger.Error("load prescription failed", zap.Error(err))
		jsonError(w, "failed to load prescription", http.StatusInternalServerError)
		return
	}

	actorID := middleware.GetActorID(ctx)
	actualTime := req.ActualTime
	if actualTime.IsZero() {
		actualTime = time.Now().UTC()
	}

	record := &medication.AdministrationRecord{
		ID:                uuid.New().String(),
		PrescriptionID:    req.PrescriptionID,
		ScheduledTime:     req.ScheduledTime,
		ActualTime:        actualTime,
		Status:            req.Status,
		DosageGiven:       req.DosageGiven,
		RefusalReason:     req.RefusalReason,
		AdministratorID:   actorID,
		Signature:         req.Signature,
		Witness:           req.Witness,
		SideEffects:       req.SideEffects,
		VitalSignsBefore:  req.VitalSignsBefore,
		VitalSignsAfter:   req.VitalSignsAfter,
		DoubleChecked:     req.DoubleChecked,
		BarcodeScanned:    req.BarcodeScanned,
		PatientIdentified: req.PatientIdentified,
	}

	// Retried submissions of the same dose collapse onto one inbox entry
	key := idempotency.GenerateKey(req.PrescriptionID, actorID, req.ScheduledTime)
	payload, _ := json.Marshal(req)

	procResult, err := h.inbox.Process(ctx, key, "record_administration", payload,
		func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
			resp, err := h.record(ctx, record, *prescription)
			if err != nil {
				return nil, err
			}
			return json.Marshal(resp)
		})
	if err != nil {
		var deny *denyError
		if errors.As(err, &deny) {
			if h.metrics != nil {
				h.metrics.SafetyDenials.WithLabelValues(string(deny.decision.Reason)).Inc()
			}
			h.logger.Warn("administration denied",
				zap.String("prescription_id", req.PrescriptionID),
				zap.String("reason", string(deny.decision.Reason)),
				zap.String("request_id", middleware.GetRequestID(ctx)))
			writeJSON(w, http.StatusConflict, map[string]any{
				"error":    "administration denied",
				"decision": deny.decision,
			})
			return
		}
		if errors.Is(err, idempotency.ErrMessageInProgress) {
			jsonError(w, "a submission for this dose is already in progress", http.StatusConflict)
			return
		}
		h.logger.Error("record administration failed", zap.Error(err))
		span.RecordError(err)
		jsonError(w, "failed to record administration", http.StatusInternalServerError)
		return
	}

	var resp RecordResponse
	if err := json.Unmarshal(procResult.Result, &resp); err != nil {
		jsonError(w, "failed to decode stored result", http.StatusInternalServerError)
		return
	}
	resp.Duplicate = !procResult.IsNew

	status := http.StatusCreated
	if resp.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

// record runs the safety gate against the dose ledger, inserts the record and
// computes its scores
func (h *AdministrationHandler) record(ctx context.Context, record *medication.AdministrationRecord, p medication.Prescription) (*RecordResponse, error) {
	err := h.administrations.RecordGuarded(ctx, record,
		func(todaysDoseTotal float64, prior *medication.AdministrationRecord) error {
			decision := safety.Evaluate(p, record.DosageGiven, prior, todaysDoseTotal, record.ActualTime)
			if safety.BlocksRecording(decision, record.Status) {
				return &denyError{decision: decision}
			}
			return nil
		})
	if err != nil {
		return nil, err
	}

	result := scoring.Score(*record, p)
	if err := h.administrations.SetScores(ctx, record.ID, result.ComplianceScore, result.AccuracyScore); err != nil {
		h.logger.Error("set scores failed", zap.String("record_id", record.ID), zap.Error(err))
	}

	if h.metrics != nil {
		h.metrics.AdministrationsRecorded.WithLabelValues(string(record.Status)).Inc()
		h.metrics.ComplianceScore.Observe(float64(result.ComplianceScore))
		h.metrics.AccuracyScore.Observe(float64(result.AccuracyScore))
		if result.RequiresReview {
			h.metrics.ReviewsFlagged.Inc()
		}
	}

	h.logger.Info("administration recorded",
		zap.String("record_id", record.ID),
		zap.String("prescription_id", record.PrescriptionID),
		zap.String("status", string(record.Status)),
		zap.Int("compliance_score", result.ComplianceScore),
		zap.Int("accuracy_score", result.AccuracyScore),
		zap.Bool("requires_review", result.RequiresReview))

	var violations []string
	for _, v := range result.Violations {
		violations = append(violations, v.Code)
	}

	return &RecordResponse{
		ID:              record.ID,
		Status:          string(record.Status),
		Decision:        safety.Allow(),
		ComplianceScore: result.ComplianceScore,
		AccuracyScore:   result.AccuracyScore,
		RequiresReview:  result.RequiresReview,
		Violations:      violations,
		RecordedAt:      time.Now().UTC(),
	}, nil
}

// Get handles GET /administrations/{id}
func (h *AdministrationHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	record, err := h.administrations.Get(ctx, id)
	if err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			jsonError(w, "administration record not found", http.StatusNotFound)
			return
		}
		jsonError(w, "failed to load record", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, record)
}

// NoteRequest is the request body for appending a clinical note
type NoteRequest struct {
	Text string `json:"text"`
}

// AddNote handles POST /administrations/{id}/notes. Notes are append-only;
// the underlying record is never mutated.
func (h *AdministrationHandler) AddNote(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	var req NoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Text == "" {
		jsonError(w, "text is required", http.StatusBadRequest)
		return
	}

	note := medication.ClinicalNote{
		AuthorID: middleware.GetActorID(ctx),
		Text:     req.Text,
		AddedAt:  time.Now().UTC(),
	}

	if err := h.administrations.AppendNote(ctx, id, note); err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			jsonError(w, "administration record not found", http.StatusNotFound)
			return
		}
		h.logger.Error("append note failed", zap.Error(err))
		jsonError(w, "failed to append note", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, note)
}

func jsonError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
