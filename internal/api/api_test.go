package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"github.com/lorenzovborges/ReportSys/internal/delivery"
	"github.com/lorenzovborges/ReportSys/internal/model"
	"github.com/lorenzovborges/ReportSys/internal/store"
)

type fakeAPIStore struct {
	keys      map[string]string
	jobs      map[primitive.ObjectID]*model.ReportJob
	schedules map[primitive.ObjectID]*model.Schedule
}

func newFakeAPIStore() *fakeAPIStore {
	return &fakeAPIStore{
		keys:      map[string]string{"valid-key": "tenant-a"},
		jobs:      make(map[primitive.ObjectID]*model.ReportJob),
		schedules: make(map[primitive.ObjectID]*model.Schedule),
	}
}

func (f *fakeAPIStore) TenantForAPIKey(ctx context.Context, rawKey string) (string, error) {
	if tenant, ok := f.keys[rawKey]; ok {
		return tenant, nil
	}
	return "", store.ErrNotFound
}

func (f *fakeAPIStore) CreateJob(ctx context.Context, job *model.ReportJob) (primitive.ObjectID, error) {
	job.ID = primitive.NewObjectID()
	f.jobs[job.ID] = job
	return job.ID, nil
}

func (f *fakeAPIStore) GetJob(ctx context.Context, tenantID string, id primitive.ObjectID) (*model.ReportJob, error) {
	job, ok := f.jobs[id]
	if !ok || job.TenantID != tenantID {
		return nil, store.ErrNotFound
	}
	return job, nil
}

func (f *fakeAPIStore) ListJobs(ctx context.Context, tenantID string, status model.JobStatus, limit int64) ([]*model.ReportJob, error) {
	var out []*model.ReportJob
	for _, job := range f.jobs {
		if job.TenantID != tenantID {
			continue
		}
		if status != "" && job.Status != status {
			continue
		}
		out = append(out, job)
	}
	return out, nil
}

func (f *fakeAPIStore) CreateSchedule(ctx context.Context, sched *model.Schedule) (primitive.ObjectID, error) {
	sched.ID = primitive.NewObjectID()
	f.schedules[sched.ID] = sched
	return sched.ID, nil
}

func (f *fakeAPIStore) GetSchedule(ctx context.Context, tenantID string, id primitive.ObjectID) (*model.Schedule, error) {
	sched, ok := f.schedules[id]
	if !ok || sched.TenantID != tenantID {
		return nil, store.ErrNotFound
	}
	return sched, nil
}

func (f *fakeAPIStore) ListSchedules(ctx context.Context, tenantID string) ([]*model.Schedule, error) {
	var out []*model.Schedule
	for _, sched := range f.schedules {
		if sched.TenantID == tenantID {
			out = append(out, sched)
		}
	}
	return out, nil
}

func (f *fakeAPIStore) UpdateSchedule(ctx context.Context, tenantID string, id primitive.ObjectID, sched *model.Schedule) error {
	if _, ok := f.schedules[id]; !ok {
		return store.ErrNotFound
	}
	sched.ID = id
	f.schedules[id] = sched
	return nil
}

func (f *fakeAPIStore) DeleteSchedule(ctx context.Context, tenantID string, id primitive.ObjectID) error {
	if _, ok := f.schedules[id]; !ok {
		return store.ErrNotFound
	}
	delete(f.schedules, id)
	return nil
}

type fakeIntakeQueue struct {
	messages []model.QueueMessage
}

func (f *fakeIntakeQueue) Enqueue(ctx context.Context, msg model.QueueMessage) (bool, error) {
	f.messages = append(f.messages, msg)
	return true, nil
}

type fakeSigner struct{}

func (fakeSigner) Mode() model.StorageMode { return model.StorageModeCloud }

func (fakeSigner) Upload(ctx context.Context, req delivery.UploadRequest) (*model.ArtifactDescriptor, error) {
	return nil, nil
}

func (fakeSigner) SignDownload(ctx context.Context, key string) (string, error) {
	return "https://bucket.example.com/" + key + "?signature=abc", nil
}

func newTestServer(t *testing.T) (*Server, *fakeAPIStore, *fakeIntakeQueue) {
	t.Helper()
	fs := newFakeAPIStore()
	q := &fakeIntakeQueue{}
	srv := NewServer(Config{
		Port:                     0,
		Logger:                   zap.NewNop(),
		Store:                    fs,
		Queue:                    q,
		Delivery:                 fakeSigner{},
		Retention:                7 * 24 * time.Hour,
		AllowedSourceCollections: []string{"reportSource"},
	})
	return srv, fs, q
}

func doRequest(srv *Server, method, path string, body any, authed bool) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if authed {
		req.Header.Set("X-API-Key", "valid-key")
		req.Header.Set("X-Tenant-Id", "tenant-a")
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestAuthRejectsMissingHeaders(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doRequest(srv, http.MethodGet, "/reports/v1/jobs", nil, false)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthRejectsWrongTenant(t *testing.T) {
	srv, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/reports/v1/jobs", nil)
	req.Header.Set("X-API-Key", "valid-key")
	req.Header.Set("X-Tenant-Id", "tenant-b")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateJobAcceptsAndEnqueues(t *testing.T) {
	srv, fs, q := newTestServer(t)

	rec := doRequest(srv, http.MethodPost, "/reports/v1/jobs", CreateJobRequest{
		ReportID: "orders-report",
		Format:   model.FormatCSV,
		Filters:  map[string]any{"status": "paid"},
	}, true)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var job model.ReportJob
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	require.Equal(t, model.StatusQueued, job.Status)
	require.Equal(t, "tenant-a", job.TenantID)
	require.WithinDuration(t, time.Now().Add(7*24*time.Hour), job.ExpireAt, time.Minute)

	require.Len(t, q.messages, 1)
	require.Equal(t, job.ID.Hex(), q.messages[0].ReportJobID)
	require.Len(t, fs.jobs, 1)
}

func TestCreateJobValidationErrors(t *testing.T) {
	srv, _, q := newTestServer(t)

	cases := []struct {
		name string
		req  CreateJobRequest
		want string
	}{
		{
			name: "archive without includeFormats",
			req:  CreateJobRequest{Format: model.FormatZip},
			want: "archive format requires a non-empty includeFormats",
		},
		{
			name: "includeFormats on single format",
			req:  CreateJobRequest{Format: model.FormatCSV, IncludeFormats: []model.Format{model.FormatJSON}},
			want: "includeFormats is only allowed for the archive format",
		},
		{
			name: "duplicate includeFormats",
			req:  CreateJobRequest{Format: model.FormatZip, IncludeFormats: []model.Format{model.FormatCSV, model.FormatCSV}},
			want: "includeFormats must not contain duplicates",
		},
		{
			name: "compression zip with archive",
			req:  CreateJobRequest{Format: model.FormatZip, IncludeFormats: []model.Format{model.FormatCSV}, Compression: model.CompressionZip},
			want: "compression 'zip' cannot be combined with the archive format",
		},
		{
			name: "disallowed source collection",
			req:  CreateJobRequest{Format: model.FormatCSV, SourceCollection: "orders"},
			want: "sourceCollection 'orders' is not allowed",
		},
		{
			name: "unknown format",
			req:  CreateJobRequest{Format: "parquet"},
			want: "unsupported format 'parquet'",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doRequest(srv, http.MethodPost, "/reports/v1/jobs", tc.req, true)
			require.Equal(t, http.StatusBadRequest, rec.Code)

			var resp errorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			require.Equal(t, tc.want, resp.Error)
		})
	}
	require.Empty(t, q.messages)
}

func TestGetJobNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doRequest(srv, http.MethodGet, "/reports/v1/jobs/"+primitive.NewObjectID().Hex(), nil, true)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDownloadStates(t *testing.T) {
	srv, fs, _ := newTestServer(t)

	pending := &model.ReportJob{ID: primitive.NewObjectID(), TenantID: "tenant-a", Status: model.StatusRunning}
	fs.jobs[pending.ID] = pending

	degraded := &model.ReportJob{
		ID: primitive.NewObjectID(), TenantID: "tenant-a", Status: model.StatusUploaded,
		Artifact: &model.ArtifactDescriptor{
			Mode: model.StorageModeNoop, Available: false,
			Reason: model.ReasonExternalStorageDisabled,
		},
	}
	fs.jobs[degraded.ID] = degraded

	uploaded := &model.ReportJob{
		ID: primitive.NewObjectID(), TenantID: "tenant-a", Status: model.StatusUploaded,
		Artifact: &model.ArtifactDescriptor{
			Mode: model.StorageModeCloud, Available: true,
			Key: "tenant-a/x/report.csv",
		},
	}
	fs.jobs[uploaded.ID] = uploaded

	var resp DownloadResponse

	rec := doRequest(srv, http.MethodGet, "/reports/v1/jobs/"+pending.ID.Hex()+"/download", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.False(t, resp.Available)
	require.Equal(t, model.ReasonPending, resp.Reason)

	rec = doRequest(srv, http.MethodGet, "/reports/v1/jobs/"+degraded.ID.Hex()+"/download", nil, true)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.False(t, resp.Available)
	require.Equal(t, model.ReasonExternalStorageDisabled, resp.Reason)
	require.Equal(t, model.StorageModeNoop, resp.Mode)

	rec = doRequest(srv, http.MethodGet, "/reports/v1/jobs/"+uploaded.ID.Hex()+"/download", nil, true)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Available)
	require.Contains(t, resp.URL, "tenant-a/x/report.csv")
}

func TestCreateScheduleComputesNextRun(t *testing.T) {
	srv, fs, _ := newTestServer(t)

	rec := doRequest(srv, http.MethodPost, "/reports/v1/schedules", ScheduleRequest{
		Name:     "nightly orders",
		CronExpr: "0 2 * * *",
		ReportID: "orders-report",
		Format:   model.FormatCSV,
	}, true)
	require.Equal(t, http.StatusCreated, rec.Code)

	var sched model.Schedule
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sched))
	require.True(t, sched.Enabled)
	require.NotNil(t, sched.NextRunAt)
	require.True(t, sched.NextRunAt.After(time.Now()))
	require.Len(t, fs.schedules, 1)
}

func TestCreateScheduleRejectsBadCron(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doRequest(srv, http.MethodPost, "/reports/v1/schedules", ScheduleRequest{
		Name:     "broken",
		CronExpr: "not a cron",
		ReportID: "orders-report",
		Format:   model.FormatCSV,
	}, true)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteSchedule(t *testing.T) {
	srv, fs, _ := newTestServer(t)
	sched := &model.Schedule{ID: primitive.NewObjectID(), TenantID: "tenant-a", Name: "x"}
	fs.schedules[sched.ID] = sched

	rec := doRequest(srv, http.MethodDelete, "/reports/v1/schedules/"+sched.ID.Hex(), nil, true)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Empty(t, fs.schedules)
}

func TestHealthz(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doRequest(srv, http.MethodGet, "/healthz", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
}
