package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"github.com/lorenzovborges/ReportSys/internal/model"
	"github.com/lorenzovborges/ReportSys/internal/scheduler"
	"github.com/lorenzovborges/ReportSys/internal/store"
)

// SchedulesHandler serves the report schedule endpoints.
type SchedulesHandler struct {
	store   Store
	logger  *zap.Logger
	allowed []string
}

// NewSchedulesHandler creates the schedules handler.
func NewSchedulesHandler(st Store, logger *zap.Logger, allowed []string) *SchedulesHandler {
	return &SchedulesHandler{store: st, logger: logger, allowed: allowed}
}

// ScheduleRequest is the create/update body for a schedule.
type ScheduleRequest struct {
	Name             string               `json:"name"`
	CronExpr         string               `json:"cronExpr"`
	Timezone         string               `json:"timezone,omitempty"`
	Enabled          *bool                `json:"enabled,omitempty"`
	ReportID         string               `json:"reportId"`
	Format           model.Format         `json:"format"`
	Filters          map[string]any       `json:"filters,omitempty"`
	Compression      string               `json:"compression,omitempty"`
	IncludeFormats   []model.Format       `json:"includeFormats,omitempty"`
	ReduceSpec       *model.ReduceSpec    `json:"reduceSpec,omitempty"`
	PartitionSpec    *model.PartitionSpec `json:"partitionSpec,omitempty"`
	SourceCollection string               `json:"sourceCollection,omitempty"`
}

func (req *ScheduleRequest) validate(allowed []string) error {
	if strings.TrimSpace(req.Name) == "" {
		return errors.New("name is required")
	}
	return validateJobShape(&CreateJobRequest{
		ReportID:         req.ReportID,
		Format:           req.Format,
		Compression:      req.Compression,
		IncludeFormats:   req.IncludeFormats,
		ReduceSpec:       req.ReduceSpec,
		PartitionSpec:    req.PartitionSpec,
		SourceCollection: req.SourceCollection,
	}, allowed)
}

func (req *ScheduleRequest) schedule(tenantID string, now time.Time) (*model.Schedule, error) {
	next, err := scheduler.NextRun(req.CronExpr, req.Timezone, now)
	if err != nil {
		return nil, err
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	return &model.Schedule{
		TenantID:         tenantID,
		Name:             req.Name,
		CronExpr:         req.CronExpr,
		Timezone:         req.Timezone,
		Enabled:          enabled,
		ReportID:         req.ReportID,
		Format:           req.Format,
		Filters:          req.Filters,
		ReduceSpec:       req.ReduceSpec,
		PartitionSpec:    req.PartitionSpec,
		IncludeFormats:   req.IncludeFormats,
		Compression:      req.Compression,
		SourceCollection: strings.TrimSpace(req.SourceCollection),
		NextRunAt:        &next,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

// CreateSchedule handles POST /reports/v1/schedules.
func (h *SchedulesHandler) CreateSchedule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := TenantFromContext(ctx)

	var req ScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.validate(h.allowed); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	sched, err := req.schedule(tenantID, time.Now().UTC())
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if _, err := h.store.CreateSchedule(ctx, sched); err != nil {
		h.logger.Error("create schedule", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to create schedule")
		return
	}
	respondJSON(w, http.StatusCreated, sched)
}

// ListSchedules handles GET /reports/v1/schedules.
func (h *SchedulesHandler) ListSchedules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := TenantFromContext(ctx)

	schedules, err := h.store.ListSchedules(ctx, tenantID)
	if err != nil {
		h.logger.Error("list schedules", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to list schedules")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"items": schedules})
}

// GetSchedule handles GET /reports/v1/schedules/{scheduleId}.
func (h *SchedulesHandler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := TenantFromContext(ctx)

	id, err := primitive.ObjectIDFromHex(chi.URLParam(r, "scheduleId"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid schedule id")
		return
	}

	sched, err := h.store.GetSchedule(ctx, tenantID, id)
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "schedule not found")
		return
	}
	if err != nil {
		h.logger.Error("get schedule", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to load schedule")
		return
	}
	respondJSON(w, http.StatusOK, sched)
}

// UpdateSchedule handles PUT /reports/v1/schedules/{scheduleId}.
func (h *SchedulesHandler) UpdateSchedule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := TenantFromContext(ctx)

	id, err := primitive.ObjectIDFromHex(chi.URLParam(r, "scheduleId"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid schedule id")
		return
	}

	var req ScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.validate(h.allowed); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	existing, err := h.store.GetSchedule(ctx, tenantID, id)
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "schedule not found")
		return
	}
	if err != nil {
		h.logger.Error("load schedule for update", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to load schedule")
		return
	}

	sched, err := req.schedule(tenantID, time.Now().UTC())
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	sched.CreatedAt = existing.CreatedAt
	sched.LastRunAt = existing.LastRunAt

	if err := h.store.UpdateSchedule(ctx, tenantID, id, sched); err != nil {
		h.logger.Error("update schedule", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to update schedule")
		return
	}
	respondJSON(w, http.StatusOK, sched)
}

// DeleteSchedule handles DELETE /reports/v1/schedules/{scheduleId}.
func (h *SchedulesHandler) DeleteSchedule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := TenantFromContext(ctx)

	id, err := primitive.ObjectIDFromHex(chi.URLParam(r, "scheduleId"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid schedule id")
		return
	}

	err = h.store.DeleteSchedule(ctx, tenantID, id)
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "schedule not found")
		return
	}
	if err != nil {
		h.logger.Error("delete schedule", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to delete schedule")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
