package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"github.com/lorenzovborges/ReportSys/internal/delivery"
	"github.com/lorenzovborges/ReportSys/internal/model"
	"github.com/lorenzovborges/ReportSys/internal/store"
)

// Store is the persistence surface the intake handlers need. *store.Store
// implements it.
type Store interface {
	KeyStore
	CreateJob(ctx context.Context, job *model.ReportJob) (primitive.ObjectID, error)
	GetJob(ctx context.Context, tenantID string, id primitive.ObjectID) (*model.ReportJob, error)
	ListJobs(ctx context.Context, tenantID string, status model.JobStatus, limit int64) ([]*model.ReportJob, error)
	CreateSchedule(ctx context.Context, sched *model.Schedule) (primitive.ObjectID, error)
	GetSchedule(ctx context.Context, tenantID string, id primitive.ObjectID) (*model.Schedule, error)
	ListSchedules(ctx context.Context, tenantID string) ([]*model.Schedule, error)
	UpdateSchedule(ctx context.Context, tenantID string, id primitive.ObjectID, sched *model.Schedule) error
	DeleteSchedule(ctx context.Context, tenantID string, id primitive.ObjectID) error
}

// Enqueuer pushes queue messages for accepted jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg model.QueueMessage) (bool, error)
}

// JobsHandler serves the report job endpoints.
type JobsHandler struct {
	store     Store
	queue     Enqueuer
	signer    delivery.Adapter
	logger    *zap.Logger
	retention time.Duration
	allowed   []string
}

// NewJobsHandler creates the jobs handler.
func NewJobsHandler(st Store, queue Enqueuer, logger *zap.Logger, retention time.Duration, allowed []string) *JobsHandler {
	return &JobsHandler{
		store:     st,
		queue:     queue,
		logger:    logger,
		retention: retention,
		allowed:   allowed,
	}
}

// WithSigner attaches the delivery adapter used for download URLs.
func (h *JobsHandler) WithSigner(signer delivery.Adapter) *JobsHandler {
	h.signer = signer
	return h
}

// CreateJobRequest is the intake submission body.
type CreateJobRequest struct {
	ReportID         string               `json:"reportId"`
	Format           model.Format         `json:"format"`
	Filters          map[string]any       `json:"filters,omitempty"`
	Timezone         string               `json:"timezone,omitempty"`
	Locale           string               `json:"locale,omitempty"`
	Compression      string               `json:"compression,omitempty"`
	IncludeFormats   []model.Format       `json:"includeFormats,omitempty"`
	ReduceSpec       *model.ReduceSpec    `json:"reduceSpec,omitempty"`
	PartitionSpec    *model.PartitionSpec `json:"partitionSpec,omitempty"`
	SourceCollection string               `json:"sourceCollection,omitempty"`
}

// CreateJob handles POST /reports/v1/jobs.
func (h *JobsHandler) CreateJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := TenantFromContext(ctx)

	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validateJobShape(&req, h.allowed); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	now := time.Now().UTC()
	job := &model.ReportJob{
		TenantID:         tenantID,
		Status:           model.StatusQueued,
		ReportID:         req.ReportID,
		Format:           req.Format,
		Filters:          req.Filters,
		Timezone:         req.Timezone,
		Locale:           req.Locale,
		Compression:      req.Compression,
		IncludeFormats:   req.IncludeFormats,
		ReduceSpec:       req.ReduceSpec,
		PartitionSpec:    req.PartitionSpec,
		SourceCollection: strings.TrimSpace(req.SourceCollection),
		CreatedAt:        now,
		ExpireAt:         now.Add(h.retention),
	}

	jobID, err := h.store.CreateJob(ctx, job)
	if err != nil {
		h.logger.Error("create report job", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to create report job")
		return
	}

	if _, err := h.queue.Enqueue(ctx, model.QueueMessage{
		ReportJobID: jobID.Hex(),
		TenantID:    tenantID,
	}); err != nil {
		h.logger.Error("enqueue report job", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to enqueue report job")
		return
	}

	respondJSON(w, http.StatusAccepted, job)
}

// ListJobs handles GET /reports/v1/jobs.
func (h *JobsHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := TenantFromContext(ctx)

	status := model.JobStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		respondError(w, http.StatusBadRequest, "invalid status filter")
		return
	}

	var limit int64
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed <= 0 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	jobs, err := h.store.ListJobs(ctx, tenantID, status, limit)
	if err != nil {
		h.logger.Error("list report jobs", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to list report jobs")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"items": jobs})
}

// GetJob handles GET /reports/v1/jobs/{jobId}.
func (h *JobsHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := TenantFromContext(ctx)

	jobID, err := primitive.ObjectIDFromHex(chi.URLParam(r, "jobId"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	job, err := h.store.GetJob(ctx, tenantID, jobID)
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "report job not found")
		return
	}
	if err != nil {
		h.logger.Error("get report job", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to load report job")
		return
	}
	respondJSON(w, http.StatusOK, job)
}

// DownloadResponse tells the client whether the artifact can be fetched and
// how, or why not.
type DownloadResponse struct {
	Available bool              `json:"available"`
	URL       string            `json:"url,omitempty"`
	Mode      model.StorageMode `json:"mode,omitempty"`
	Reason    string            `json:"reason,omitempty"`
}

// GetDownloadURL handles GET /reports/v1/jobs/{jobId}/download.
func (h *JobsHandler) GetDownloadURL(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := TenantFromContext(ctx)

	jobID, err := primitive.ObjectIDFromHex(chi.URLParam(r, "jobId"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	job, err := h.store.GetJob(ctx, tenantID, jobID)
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "report job not found")
		return
	}
	if err != nil {
		h.logger.Error("get report job", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to load report job")
		return
	}

	if job.Status != model.StatusUploaded || job.Artifact == nil {
		respondJSON(w, http.StatusOK, DownloadResponse{
			Available: false,
			Reason:    model.ReasonPending,
		})
		return
	}
	if !job.Artifact.Available {
		respondJSON(w, http.StatusOK, DownloadResponse{
			Available: false,
			Mode:      job.Artifact.Mode,
			Reason:    job.Artifact.Reason,
		})
		return
	}
	if h.signer == nil {
		respondJSON(w, http.StatusOK, DownloadResponse{
			Available: false,
			Mode:      job.Artifact.Mode,
			Reason:    model.ReasonDownloadURLUnavailable,
		})
		return
	}

	url, err := h.signer.SignDownload(ctx, job.Artifact.Key)
	if err != nil {
		h.logger.Error("sign download url", zap.Error(err))
		respondJSON(w, http.StatusOK, DownloadResponse{
			Available: false,
			Mode:      job.Artifact.Mode,
			Reason:    model.ReasonDownloadURLUnavailable,
		})
		return
	}
	respondJSON(w, http.StatusOK, DownloadResponse{Available: true, URL: url, Mode: job.Artifact.Mode})
}

// validateJobShape enforces the intake rules the processor relies on.
func validateJobShape(req *CreateJobRequest, allowed []string) error {
	if !req.Format.Valid() {
		return fmt.Errorf("unsupported format '%s'", req.Format)
	}

	if req.Format == model.FormatZip {
		if len(req.IncludeFormats) == 0 {
			return errors.New("archive format requires a non-empty includeFormats")
		}
		seen := make(map[model.Format]bool, len(req.IncludeFormats))
		for _, f := range req.IncludeFormats {
			if !f.Valid() || f == model.FormatZip {
				return fmt.Errorf("includeFormats entry '%s' is not a single-file format", f)
			}
			if seen[f] {
				return errors.New("includeFormats must not contain duplicates")
			}
			seen[f] = true
		}
	} else if len(req.IncludeFormats) > 0 {
		return errors.New("includeFormats is only allowed for the archive format")
	}

	switch req.Compression {
	case "", model.CompressionNone:
	case model.CompressionZip:
		if req.Format == model.FormatZip {
			return errors.New("compression 'zip' cannot be combined with the archive format")
		}
	default:
		return fmt.Errorf("compression must be '%s' or '%s'", model.CompressionNone, model.CompressionZip)
	}

	if name := strings.TrimSpace(req.SourceCollection); name != "" {
		if !model.ValidIdentifier(name) || !containsString(allowed, name) {
			return fmt.Errorf("sourceCollection '%s' is not allowed", name)
		}
	}

	if req.ReduceSpec != nil {
		if err := req.ReduceSpec.Validate(); err != nil {
			return err
		}
	}
	if req.PartitionSpec != nil {
		if err := req.PartitionSpec.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
