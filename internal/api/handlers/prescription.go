// Package handlers provides HTTP handlers for the schedule API.
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

	"github.com/carelinx/medtrack/internal/api/middleware"
	"github.com/carelinx/medtrack/internal/domain/dose"
	"github.com/carelinx/medtrack/internal/domain/prescription"
	"github.com/carelinx/medtrack/internal/notify"
	"github.com/carelinx/medtrack/internal/scheduler"
	"github.com/carelinx/medtrack/pkg/clock"
)

// PrescriptionHandler handles prescription endpoints
type PrescriptionHandler struct {
	prescriptions scheduler.PrescriptionStore
	coordinator   *scheduler.Coordinator
	recorder      *scheduler.Recorder
	events        notify.EventLog
	clk           clock.Clock
	logger        *zap.Logger
}

// NewPrescriptionHandler creates a new handler
func NewPrescriptionHandler(
	prescriptions scheduler.PrescriptionStore,
	coordinator *scheduler.Coordinator,
	recorder *scheduler.Recorder,
	events notify.EventLog,
	clk clock.Clock,
	logger *zap.Logger,
) *PrescriptionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if events == nil {
		events = notify.NopEventLog{}
	}
	return &PrescriptionHandler{
		prescriptions: prescriptions,
		coordinator:   coordinator,
		recorder:      recorder,
		events:        events,
		clk:           clk,
		logger:        logger,
	}
}

// Routes returns the handler routes
func (h *PrescriptionHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/{id}", h.Get)
	r.Post("/{id}/cancel", h.Cancel)
	r.Post("/{id}/doses", h.RecordPRN)
	return r
}

// RecurrenceRequest is the recurrence part of a create request.
type RecurrenceRequest struct {
	Kind string `json:"kind"`
	// Times are HH:MM strings for daily and weekly rules.
	Times []string `json:"times,omitempty"`
	// Days are weekday numbers, 0=Sunday, for weekly rules.
	Days []int `json:"days,omitempty"`
	// IntervalHours is the spacing for interval rules.
	IntervalHours int `json:"interval_hours,omitempty"`
}

// CreateRequest is the request body for creating a prescription
type CreateRequest struct {
	CareRecipientID    uuid.UUID         `json:"care_recipient_id"`
	Name               string            `json:"name"`
	Form               string            `json:"form,omitempty"`
	Dosage             string            `json:"dosage,omitempty"`
	Route              string            `json:"route,omitempty"`
	Recurrence         RecurrenceRequest `json:"recurrence"`
	ActiveFrom         string            `json:"active_from"`
	ActiveUntil        string            `json:"active_until,omitempty"`
	Criticality        string            `json:"criticality,omitempty"`
	HighAlert          bool              `json:"high_alert,omitempty"`
	GracePeriodMinutes int               `json:"grace_period_minutes,omitempty"`
	EscalationEnabled  *bool             `json:"escalation_enabled,omitempty"`
}

// CreateResponse is the response for creating a prescription
type CreateResponse struct {
	ID             string    `json:"id"`
	DosesGenerated int       `json:"doses_generated"`
	CreatedAt      time.Time `json:"created_at"`
}

func (req *RecurrenceRequest) toRule() (prescription.Rule, error) {
	times := make([]prescription.TimeOfDay, 0, len(req.Times))
	for _, s := range req.Times {
		tod, err := prescription.ParseTimeOfDay(s)
		if err != nil {
			return prescription.Rule{}, err
		}
		times = append(times, tod)
	}

	switch req.Kind {
	case "daily":
		return prescription.Daily(times...), nil
	case "weekly":
		days := make([]time.Weekday, 0, len(req.Days))
		for _, d := range req.Days {
			days = append(days, time.Weekday(d%7))
		}
		return prescription.Weekly(days, times...), nil
	case "interval":
		return prescription.Interval(req.IntervalHours), nil
	case "prn":
		return prescription.PRN(), nil
	default:
		return prescription.Rule{}, prescription.ErrInvalidRecurrence
	}
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
	if req.CareRecipientID == uuid.Nil {
		jsonError(w, "care_recipient_id is required", http.StatusBadRequest)
		return
	}

	rule, err := req.Recurrence.toRule()
	if err != nil {
		jsonError(w, "invalid recurrence: "+err.Error(), http.StatusBadRequest)
		return
	}

	activeFrom, err := prescription.ParseDate(req.ActiveFrom)
	if err != nil {
		jsonError(w, "invalid active_from: "+err.Error(), http.StatusBadRequest)
		return
	}
	var activeUntil *prescription.Date
	if req.ActiveUntil != "" {
		d, err := prescription.ParseDate(req.ActiveUntil)
		if err != nil {
			jsonError(w, "invalid active_until: "+err.Error(), http.StatusBadRequest)
			return
		}
		activeUntil = &d
	}

	criticality := prescription.Criticality(req.Criticality)
	if criticality == "" {
		criticality = prescription.CriticalityRoutine
	}
	escalation := true
	if req.EscalationEnabled != nil {
		escalation = *req.EscalationEnabled
	}

	now := h.clk.Now()
	p := &prescription.Prescription{
		ID:                 uuid.New(),
		CareRecipientID:    req.CareRecipientID,
		Name:               req.Name,
		Form:               req.Form,
		Dosage:             req.Dosage,
		Route:              req.Route,
		Recurrence:         rule,
		ActiveFrom:         activeFrom,
		ActiveUntil:        activeUntil,
		Criticality:        criticality,
		HighAlert:          req.HighAlert,
		GracePeriodMinutes: req.GracePeriodMinutes,
		EscalationEnabled:  escalation,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := p.Validate(); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	span.SetAttributes(attribute.String("prescription_id", p.ID.String()))

	if err := h.prescriptions.Create(ctx, p); err != nil {
		h.logger.Error("prescription create failed", zap.Error(err))
		jsonError(w, "failed to create prescription", http.StatusInternalServerError)
		return
	}

	// Generate the first coverage window inline so the schedule is complete
	// before the caller's next read.
	generated, err := h.coordinator.EnsureCoverage(ctx, p.ID)
	if err != nil {
		h.logger.Error("initial generation failed",
			zap.String("prescription_id", p.ID.String()), zap.Error(err))
	}

	if err := h.events.Publish(ctx, notify.PrescriptionEvent{
		Type:            notify.EventPrescriptionCreated,
		PrescriptionID:  p.ID,
		CareRecipientID: p.CareRecipientID,
		OccurredAt:      now,
	}); err != nil {
		h.logger.Warn("prescription event publish failed",
			zap.String("prescription_id", p.ID.String()), zap.Error(err))
	}

	h.logger.Info("prescription created",
		zap.String("id", p.ID.String()),
		zap.String("request_id", middleware.GetRequestID(ctx)),
		zap.String("recurrence", string(rule.Kind)),
		zap.Int("doses_generated", generated),
	)

	writeJSON(w, http.StatusCreated, CreateResponse{
		ID:             p.ID.String(),
		DosesGenerated: generated,
		CreatedAt:      now.UTC(),
	})
}

// Get handles GET /prescriptions/{id}
func (h *PrescriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		jsonError(w, "invalid prescription id", http.StatusBadRequest)
		return
	}

	p, err := h.prescriptions.Get(ctx, id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := map[string]interface{}{
		"id":                   p.ID,
		"care_recipient_id":    p.CareRecipientID,
		"name":                 p.Name,
		"form":                 p.Form,
		"dosage":               p.Dosage,
		"route":                p.Route,
		"recurrence_kind":      p.Recurrence.Kind,
		"active_from":          p.ActiveFrom.String(),
		"criticality":          p.Criticality,
		"high_alert":           p.HighAlert,
		"grace_period_minutes": p.GracePeriodMinutes,
		"escalation_enabled":   p.EscalationEnabled,
		"cancelled":            p.CancelledAt != nil,
	}
	if p.ActiveUntil != nil {
		resp["active_until"] = p.ActiveUntil.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

// CancelRequest is the request for cancelling a prescription
type CancelRequest struct {
	ActorID string `json:"actor_id"`
}

// Cancel handles POST /prescriptions/{id}/cancel. It end-dates the
// prescription and cancels its future scheduled doses; past doses and doses
// already acted on keep their state.
func (h *PrescriptionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		jsonError(w, "invalid prescription id", http.StatusBadRequest)
		return
	}

	var req CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ActorID == "" {
		jsonError(w, "actor_id is required", http.StatusBadRequest)
		return
	}

	p, err := h.prescriptions.Get(ctx, id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	cancelled, err := h.coordinator.CancelPrescription(ctx, id, req.ActorID)
	if err != nil {
		h.logger.Error("cancellation failed", zap.String("prescription_id", id.String()), zap.Error(err))
		jsonError(w, "failed to cancel prescription", http.StatusInternalServerError)
		return
	}

	if err := h.events.Publish(ctx, notify.PrescriptionEvent{
		Type:            notify.EventPrescriptionCancelled,
		PrescriptionID:  id,
		CareRecipientID: p.CareRecipientID,
		OccurredAt:      h.clk.Now(),
	}); err != nil {
		h.logger.Warn("prescription event publish failed",
			zap.String("prescription_id", id.String()), zap.Error(err))
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":              id,
		"cancelled_doses": cancelled,
	})
}

// PRNRequest is the request for recording an as-needed administration
type PRNRequest struct {
	ActorID        string    `json:"actor_id"`
	AdministeredAt time.Time `json:"administered_at,omitempty"`
	Notes          string    `json:"notes,omitempty"`
}

// RecordPRN handles POST /prescriptions/{id}/doses: an ad-hoc dose for an
// as-needed order, created directly in the taken state.
func (h *PrescriptionHandler) RecordPRN(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		jsonError(w, "invalid prescription id", http.StatusBadRequest)
		return
	}

	var req PRNRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ActorID == "" {
		jsonError(w, "actor_id is required", http.StatusBadRequest)
		return
	}

	inst, err := h.recorder.RecordPRN(ctx, id, req.ActorID, req.AdministeredAt, req.Notes)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, doseJSON(inst, dose.StateTaken, dose.OriginPersisted))
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, map[string]string{"error": message})
}

// writeDomainError maps domain sentinel errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, prescription.ErrNotFound), errors.Is(err, dose.ErrNotFound):
		jsonError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, dose.ErrConcurrentModification):
		jsonError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, dose.ErrIllegalTransition):
		jsonError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, dose.ErrMissingReason), errors.Is(err, dose.ErrBackdateTooEarly):
		jsonError(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, prescription.ErrInvalidRecurrence):
		jsonError(w, err.Error(), http.StatusBadRequest)
	default:
		jsonError(w, "internal server error", http.StatusInternalServerError)
	}
}

func doseJSON(inst *dose.Instance, effective dose.State, origin dose.Origin) map[string]interface{} {
	out := map[string]interface{}{
		"id":                inst.ID,
		"prescription_id":   inst.PrescriptionID,
		"care_recipient_id": inst.CareRecipientID,
		"scheduled_time":    inst.ScheduledTime,
		"state":             effective,
		"state_origin":      origin,
		"escalation_level":  inst.EscalationLevel,
		"version":           inst.Version,
	}
	if inst.AdministeredAt != nil {
		out["administered_at"] = inst.AdministeredAt
	}
	if inst.AdministeredBy != "" {
		out["administered_by"] = inst.AdministeredBy
	}
	if inst.Notes != "" {
		out["notes"] = inst.Notes
	}
	if inst.SkipReason != "" {
		out["skip_reason"] = inst.SkipReason
	}
	return out
}
