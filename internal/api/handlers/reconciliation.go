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
	"github.com/carelink/go-mar/internal/engine/reconcile"
	"github.com/carelink/go-mar/internal/engine/workflow"
	"github.com/carelink/go-mar/internal/infrastructure/postgres"
	"github.com/carelink/go-mar/internal/observability/metrics"
)

// ReconciliationHandler handles reconciliation case endpoints
type ReconciliationHandler struct {
	engine  *reconcile.Engine
	cases   *postgres.CaseRepository
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewReconciliationHandler creates a new handler
func NewReconciliationHandler(engine *reconcile.Engine, cases *postgres.CaseRepository, m *metrics.Metrics, logger *zap.Logger) *ReconciliationHandler {
	return &ReconciliationHandler{
		engine:  engine,
		cases:   cases,
		metrics: m,
		logger:  logger,
	}
}

// Routes returns the handler routes
func (h *ReconciliationHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/{id}", h.Get)
	r.Post("/{id}/discrepancies/{discrepancyID}/transition", h.TransitionDiscrepancy)
	r.Post("/{id}/reviews", h.AttachReview)
	return r
}

// CreateCaseRequest is the request body for starting a reconciliation
type CreateCaseRequest struct {
	Transition medication.TransitionType   `json:"transition"`
	Source     medication.MedicationSource `json:"source"`
	Target     medication.MedicationSource `json:"target"`
}

// Create handles POST /reconciliations
func (h *ReconciliationHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("reconciliation-handler")
	ctx, span := tracer.Start(ctx, "create_reconciliation_case")
	defer span.End()

	var req CreateCaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	switch req.Transition {
	case medication.TransitionAdmission, medication.TransitionDischarge,
		medication.TransitionTransfer, medication.TransitionPeriodicReview:
	default:
		jsonError(w, "unknown transition type", http.StatusBadRequest)
		return
	}

	start := time.Now()
	c, err := h.engine.NewCase(ctx, req.Source, req.Target, req.Transition, time.Now().UTC())
	if err != nil {
		h.logger.Error("reconciliation failed", zap.Error(err))
		span.RecordError(err)
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	span.SetAttributes(
		attribute.String("case_id", c.ID),
		attribute.Int("discrepancies", len(c.Discrepancies)),
	)

	if err := h.cases.Create(ctx, c); err != nil {
		h.logger.Error("save case failed", zap.Error(err))
		jsonError(w, "failed to save reconciliation case", http.StatusInternalServerError)
		return
	}

	if h.metrics != nil {
		h.metrics.ReconciliationDuration.Observe(time.Since(start).Seconds())
		for _, d := range c.Discrepancies {
			h.metrics.DiscrepanciesIdentified.WithLabelValues(string(d.Severity)).Inc()
		}
		if c.Status == medication.CaseRequiresReview {
			h.metrics.CasesRequiringReview.Inc()
		}
	}

	h.logger.Info("reconciliation case created",
		zap.String("case_id", c.ID),
		zap.String("resident_id", c.ResidentID),
		zap.String("transition", string(c.Transition)),
		zap.Int("discrepancies", len(c.Discrepancies)),
		zap.String("status", string(c.Status)),
		zap.String("request_id", middleware.GetRequestID(ctx)))

	writeJSON(w, http.StatusCreated, c)
}

// Get handles GET /reconciliations/{id}
func (h *ReconciliationHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	c, err := h.cases.Get(ctx, id)
	if err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			jsonError(w, "reconciliation case not found", http.StatusNotFound)
			return
		}
		jsonError(w, "failed to load case", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, c)
}

// TransitionRequest is the request body for a discrepancy transition
type TransitionRequest struct {
	Action     workflow.Action        `json:"action"`
	Resolution *medication.Resolution `json:"resolution,omitempty"`
	ReviewID   string                 `json:"review_id,omitempty"`
}

// TransitionDiscrepancy handles POST /reconciliations/{id}/discrepancies/{discrepancyID}/transition
func (h *ReconciliationHandler) TransitionDiscrepancy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caseID := chi.URLParam(r, "id")
	discrepancyID := chi.URLParam(r, "discrepancyID")

	var req TransitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	c, err := h.cases.Get(ctx, caseID)
	if err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			jsonError(w, "reconciliation case not found", http.StatusNotFound)
			return
		}
		jsonError(w, "failed to load case", http.StatusInternalServerError)
		return
	}

	var target *medication.Discrepancy
	for i := range c.Discrepancies {
		if c.Discrepancies[i].ID == discrepancyID {
			target = &c.Discrepancies[i]
			break
		}
	}
	if target == nil {
		jsonError(w, "discrepancy not found in case", http.StatusNotFound)
		return
	}

	res := medication.Resolution{ResolvedBy: middleware.GetActorID(ctx)}
	if req.Resolution != nil {
		res = *req.Resolution
		if res.ResolvedBy == "" {
			res.ResolvedBy = middleware.GetActorID(ctx)
		}
	}

	// accept_risk on critical/high discrepancies requires an approved review
	// already attached to the case
	var review *medication.PharmacistReview
	if req.ReviewID != "" {
		for i := range c.Reviews {
			if c.Reviews[i].ID == req.ReviewID {
				review = &c.Reviews[i]
				break
			}
		}
		if review == nil {
			jsonError(w, "review not found on case", http.StatusBadRequest)
			return
		}
	}

	now := time.Now().UTC()
	updated, err := workflow.Transition(*target, req.Action, res, review, now)
	if err != nil {
		if errors.Is(err, workflow.ErrIllegalTransition) {
			jsonError(w, err.Error(), http.StatusConflict)
			return
		}
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	newCase, err := workflow.ApplyDiscrepancy(*c, updated, now)
	if err != nil {
		jsonError(w, err.Error(), http.StatusConflict)
		return
	}

	if err := h.cases.UpdateDiscrepancy(ctx, &updated, newCase.Status); err != nil {
		if errors.Is(err, postgres.ErrVersionConflict) {
			if h.metrics != nil {
				h.metrics.VersionConflicts.Inc()
			}
			jsonError(w, "discrepancy was modified concurrently, reload and retry", http.StatusConflict)
			return
		}
		h.logger.Error("update discrepancy failed", zap.Error(err))
		jsonError(w, "failed to update discrepancy", http.StatusInternalServerError)
		return
	}

	if h.metrics != nil && newCase.Status != c.Status {
		if c.Status == medication.CaseRequiresReview {
			h.metrics.CasesRequiringReview.Dec()
		}
		if newCase.Status == medication.CaseRequiresReview {
			h.metrics.CasesRequiringReview.Inc()
		}
	}

	h.logger.Info("discrepancy transitioned",
		zap.String("case_id", caseID),
		zap.String("discrepancy_id", discrepancyID),
		zap.String("action", string(req.Action)),
		zap.String("state", string(updated.State)),
		zap.String("case_status", string(newCase.Status)))

	writeJSON(w, http.StatusOK, map[string]any{
		"discrepancy": updated,
		"case_status": newCase.Status,
	})
}

// ReviewRequest is the request body for attaching a pharmacist review
type ReviewRequest struct {
	RiskAssessment string                    `json:"risk_assessment"`
	SpecificRisks  []string                  `json:"specific_risks,omitempty"`
	Mitigations    []string                  `json:"mitigations,omitempty"`
	Decision       medication.ReviewDecision `json:"decision"`
}

// AttachReview handles POST /reconciliations/{id}/reviews
func (h *ReconciliationHandler) AttachReview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caseID := chi.URLParam(r, "id")

	var req ReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	c, err := h.cases.Get(ctx, caseID)
	if err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			jsonError(w, "reconciliation case not found", http.StatusNotFound)
			return
		}
		jsonError(w, "failed to load case", http.StatusInternalServerError)
		return
	}

	review := medication.PharmacistReview{
		ID:             uuid.New().String(),
		PharmacistID:   middleware.GetActorID(ctx),
		RiskAssessment: req.RiskAssessment,
		SpecificRisks:  req.SpecificRisks,
		Mitigations:    req.Mitigations,
		Decision:       req.Decision,
	}

	newCase, err := workflow.AttachReview(*c, review, time.Now().UTC())
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	attached := newCase.Reviews[len(newCase.Reviews)-1]

	if err := h.cases.AttachReview(ctx, caseID, attached, newCase.Status); err != nil {
		h.logger.Error("attach review failed", zap.Error(err))
		jsonError(w, "failed to attach review", http.StatusInternalServerError)
		return
	}

	h.logger.Info("pharmacist review attached",
		zap.String("case_id", caseID),
		zap.String("review_id", attached.ID),
		zap.String("decision", string(attached.Decision)),
		zap.String("case_status", string(newCase.Status)))

	writeJSON(w, http.StatusCreated, map[string]any{
		"review":      attached,
		"case_status": newCase.Status,
	})
}
