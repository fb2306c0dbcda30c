package handlers

import (
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
	"github.com/carelink/go-mar/internal/engine/dosing"
	"github.com/carelink/go-mar/internal/infrastructure/postgres"
)

// PrescriptionHandler handles prescription endpoints
type PrescriptionHandler struct {
	prescriptions   *postgres.PrescriptionRepository
	administrations *postgres.AdministrationRepository
	logger          *zap.Logger
}

// NewPrescriptionHandler creates a new handler
func NewPrescriptionHandler(
	prescriptions *postgres.PrescriptionRepository,
	administrations *postgres.AdministrationRepository,
	logger *zap.Logger,
) *PrescriptionHandler {
	return &PrescriptionHandler{
		prescriptions:   prescriptions,
		administrations: administrations,
		logger:          logger,
	}
}

// Routes returns the handler routes
func (h *PrescriptionHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/overdue-reviews", h.OverdueReviews)
	r.Get("/{id}", h.Get)
	r.Get("/{id}/schedule", h.Schedule)
	r.Get("/{id}/administrations", h.ListAdministrations)
	r.Post("/{id}/reviewed", h.MarkReviewed)
	return r
}

// CreateRequest is the request body for creating a prescription
type CreateRequest struct {
	ResidentID       string                     `json:"resident_id"`
	Medication       medication.Medication      `json:"medication"`
	Dosage           medication.Dosage          `json:"dosage"`
	Route            medication.Route           `json:"route"`
	StartDate        time.Time                  `json:"start_date"`
	EndDate          *time.Time                 `json:"end_date,omitempty"`
	MaxDailyDose     float64                    `json:"max_daily_dose,omitempty"`
	MinIntervalHours float64                    `json:"min_interval_hours,omitempty"`
	Indication       string                     `json:"indication,omitempty"`
	ReviewFrequency  medication.ReviewFrequency `json:"review_frequency,omitempty"`
}

// Create handles POST /prescriptions
func (h *PrescriptionHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("prescription-handler")
	ctx, span := tracer.Start(ctx, "create_prescription")
	defer span.End()

	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if req.ResidentID == "" {
		jsonError(w, "resident_id is required", http.StatusBadRequest)
		return
	}
	if err := req.Dosage.Validate(); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	reviewFreq := req.ReviewFrequency
	if reviewFreq == "" {
		reviewFreq = medication.ReviewMonthly
	}

	p := &medication.Prescription{
		ID:               uuid.New().String(),
		ResidentID:       req.ResidentID,
		Medication:       req.Medication,
		Dosage:           req.Dosage,
		Route:            req.Route,
		Status:           medication.PrescriptionActive,
		StartDate:        req.StartDate,
		EndDate:          req.EndDate,
		MaxDailyDose:     req.MaxDailyDose,
		MinIntervalHours: req.MinIntervalHours,
		Indication:       req.Indication,
		PrescriberID:     middleware.GetActorID(ctx),
		Review:           medication.ReviewSchedule{Frequency: reviewFreq},
	}
	next := p.NextReviewDue()
	p.Review.NextReview = &next

	span.SetAttributes(attribute.String("prescription_id", p.ID))

	if err := h.prescriptions.Save(ctx, p); err != nil {
		h.logger.Error("save prescription failed", zap.Error(err))
		jsonError(w, "failed to save prescription", http.StatusInternalServerError)
		return
	}

	h.logger.Info("prescription created",
		zap.String("id", p.ID),
		zap.String("resident_id", p.ResidentID),
		zap.Bool("controlled", p.Medication.IsControlled),
		zap.String("request_id", middleware.GetRequestID(ctx)))

	writeJSON(w, http.StatusCreated, p)
}

// Get handles GET /prescriptions/{id}
func (h *PrescriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	p, err := h.prescriptions.Get(ctx, id)
	if err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			jsonError(w, "prescription not found", http.StatusNotFound)
			return
		}
		jsonError(w, "failed to load prescription", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, p)
}

// ScheduleResponse is the computed dosing schedule for a prescription
type ScheduleResponse struct {
	PrescriptionID string     `json:"prescription_id"`
	NextTime       *time.Time `json:"next_time,omitempty"`
	DailyDoseTotal float64    `json:"daily_dose_total"`
	PRN            bool       `json:"prn"`
}

// Schedule handles GET /prescriptions/{id}/schedule
func (h *PrescriptionHandler) Schedule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	p, err := h.prescriptions.Get(ctx, id)
	if err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			jsonError(w, "prescription not found", http.StatusNotFound)
			return
		}
		jsonError(w, "failed to load prescription", http.StatusInternalServerError)
		return
	}

	var lastGiven *time.Time
	latest, err := h.administrations.Latest(ctx, id)
	if err != nil && !errors.Is(err, postgres.ErrNotFound) {
		jsonError(w, "failed to load administration history", http.StatusInternalServerError)
		return
	}
	if latest != nil {
		lastGiven = &latest.ActualTime
	}

	schedule, err := dosing.Compute(*p, lastGiven, time.Now().UTC())
	if err != nil {
		var verr *medication.ValidationError
		if errors.As(err, &verr) {
			jsonError(w, verr.Error(), http.StatusUnprocessableEntity)
			return
		}
		jsonError(w, "failed to compute schedule", http.StatusInternalServerError)
		return
	}

	resp := ScheduleResponse{
		PrescriptionID: id,
		DailyDoseTotal: schedule.DailyDoseTotal,
		PRN:            p.Dosage.Frequency.IsPRN(),
	}
	if !schedule.NextTime.IsZero() {
		resp.NextTime = &schedule.NextTime
	}

	writeJSON(w, http.StatusOK, resp)
}

// ListAdministrations handles GET /prescriptions/{id}/administrations
func (h *PrescriptionHandler) ListAdministrations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	records, err := h.administrations.ListForPrescription(ctx, id, 100)
	if err != nil {
		jsonError(w, "failed to list administrations", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, records)
}

// OverdueReviews handles GET /prescriptions/overdue-reviews
func (h *PrescriptionHandler) OverdueReviews(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	overdue, err := h.prescriptions.OverdueReviews(ctx, time.Now().UTC())
	if err != nil {
		jsonError(w, "failed to list overdue reviews", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, overdue)
}

// MarkReviewed handles POST /prescriptions/{id}/reviewed
func (h *PrescriptionHandler) MarkReviewed(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	if err := h.prescriptions.MarkReviewed(ctx, id, time.Now().UTC()); err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			jsonError(w, "prescription not found", http.StatusNotFound)
			return
		}
		h.logger.Error("mark reviewed failed", zap.Error(err))
		jsonError(w, "failed to mark reviewed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"id": id, "reviewed": "true"})
}
