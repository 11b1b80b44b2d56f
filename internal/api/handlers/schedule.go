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

	"github.com/carelinx/medtrack/internal/domain/dose"
	"github.com/carelinx/medtrack/internal/domain/prescription"
	"github.com/carelinx/medtrack/internal/observability/metrics"
	"github.com/carelinx/medtrack/internal/scheduler"
	"github.com/carelinx/medtrack/pkg/clock"
)

// ScheduleHandler serves daily schedule reads and administration recording.
type ScheduleHandler struct {
	coordinator *scheduler.Coordinator
	recorder    *scheduler.Recorder
	clk         clock.Clock
	metrics     *metrics.Metrics
	logger      *zap.Logger
}

// NewScheduleHandler creates a new handler. metrics may be nil.
func NewScheduleHandler(coordinator *scheduler.Coordinator, recorder *scheduler.Recorder, clk clock.Clock, m *metrics.Metrics, logger *zap.Logger) *ScheduleHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &ScheduleHandler{
		coordinator: coordinator,
		recorder:    recorder,
		clk:         clk,
		metrics:     m,
		logger:      logger,
	}
}

// RecipientRoutes returns routes mounted under /recipients.
func (h *ScheduleHandler) RecipientRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{id}/schedule", h.Schedule)
	return r
}

// DoseRoutes returns routes mounted under /doses.
func (h *ScheduleHandler) DoseRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/{id}/record", h.Record)
	return r
}

// ScheduleResponse is one recipient-day of doses.
type ScheduleResponse struct {
	CareRecipientID uuid.UUID                `json:"care_recipient_id"`
	Date            string                   `json:"date"`
	Doses           []map[string]interface{} `json:"doses"`
	Warnings        []ScheduleWarning        `json:"warnings,omitempty"`
}

// ScheduleWarning reports a prescription whose doses could not be generated.
type ScheduleWarning struct {
	PrescriptionID uuid.UUID `json:"prescription_id"`
	Error          string    `json:"error"`
}

// Schedule handles GET /recipients/{id}/schedule?date=YYYY-MM-DD. The date
// defaults to today. States are projected against the current clock on every
// call; a dose can look due on one read and late on the next without any
// write in between.
func (h *ScheduleHandler) Schedule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("schedule-handler")
	ctx, span := tracer.Start(ctx, "get_schedule")
	defer span.End()

	recipientID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		jsonError(w, "invalid care recipient id", http.StatusBadRequest)
		return
	}

	day := prescription.DateOf(h.clk.Now())
	if s := r.URL.Query().Get("date"); s != "" {
		day, err = prescription.ParseDate(s)
		if err != nil {
			jsonError(w, "invalid date: "+err.Error(), http.StatusBadRequest)
			return
		}
	}
	span.SetAttributes(
		attribute.String("care_recipient_id", recipientID.String()),
		attribute.String("date", day.String()),
	)

	views, warnings, err := h.coordinator.Schedule(ctx, recipientID, day)
	if err != nil {
		h.logger.Error("schedule read failed",
			zap.String("care_recipient_id", recipientID.String()),
			zap.Error(err))
		jsonError(w, "failed to load schedule", http.StatusInternalServerError)
		return
	}

	resp := ScheduleResponse{
		CareRecipientID: recipientID,
		Date:            day.String(),
		Doses:           make([]map[string]interface{}, 0, len(views)),
	}
	for i := range views {
		resp.Doses = append(resp.Doses, doseJSON(&views[i].Instance, views[i].Effective, views[i].Origin))
	}
	for _, warn := range warnings {
		resp.Warnings = append(resp.Warnings, ScheduleWarning{
			PrescriptionID: warn.PrescriptionID,
			Error:          warn.Err.Error(),
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

// RecordDoseRequest is the body for recording a nurse or operator action.
type RecordDoseRequest struct {
	Action         string    `json:"action"`
	ActorID        string    `json:"actor_id"`
	AdministeredAt time.Time `json:"administered_at,omitempty"`
	Notes          string    `json:"notes,omitempty"`
	SkipReason     string    `json:"skip_reason,omitempty"`
}

// Record handles POST /doses/{id}/record.
func (h *ScheduleHandler) Record(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("schedule-handler")
	ctx, span := tracer.Start(ctx, "record_dose")
	defer span.End()

	doseID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		jsonError(w, "invalid dose id", http.StatusBadRequest)
		return
	}

	var req RecordDoseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ActorID == "" {
		jsonError(w, "actor_id is required", http.StatusBadRequest)
		return
	}

	action := dose.Action(req.Action)
	switch action {
	case dose.ActionTaken, dose.ActionSkipped, dose.ActionMissed:
	default:
		jsonError(w, "action must be taken, skipped or missed", http.StatusBadRequest)
		return
	}
	span.SetAttributes(
		attribute.String("dose_id", doseID.String()),
		attribute.String("action", req.Action),
	)

	inst, err := h.recorder.Record(ctx, scheduler.RecordRequest{
		DoseID:         doseID,
		Action:         action,
		ActorID:        req.ActorID,
		AdministeredAt: req.AdministeredAt,
		Notes:          req.Notes,
		SkipReason:     req.SkipReason,
	})
	if err != nil {
		if h.metrics != nil && errors.Is(err, dose.ErrConcurrentModification) {
			h.metrics.RecordConflicts.Inc()
		}
		writeDomainError(w, err)
		return
	}

	if h.metrics != nil {
		h.metrics.DosesRecorded.WithLabelValues(req.Action).Inc()
	}

	writeJSON(w, http.StatusOK, doseJSON(inst, inst.State, dose.OriginPersisted))
}
