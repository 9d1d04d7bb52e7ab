package delivery

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/lorenzovborges/ReportSys/internal/model"
)

// noopAdapter discards artifact bytes. The body is still drained fully so
// generator pipelines run to completion and row counts stay accurate.
type noopAdapter struct {
	reason string
}

func (n *noopAdapter) Mode() model.StorageMode { return model.StorageModeNoop }

func (n *noopAdapter) Upload(ctx context.Context, req UploadRequest) (*model.ArtifactDescriptor, error) {
	digest := newDigestReader(req.Body)
	if _, err := io.Copy(io.Discard, digest); err != nil {
		return nil, fmt.Errorf("drain artifact stream: %w", err)
	}
	return &model.ArtifactDescriptor{
		Mode:      model.StorageModeNoop,
		Available: false,
		Reason:    n.reason,
		SizeBytes: digest.Size(),
		Checksum:  digest.Checksum(),
		Key:       req.Key,
		Entries:   req.Entries,
	}, nil
}

func (n *noopAdapter) SignDownload(ctx context.Context, key string) (string, error) {
	return "", fmt.Errorf("artifact bytes were not stored")
}

// optionalAdapter absorbs upload failures from the wrapped adapter. The
// stream is drained before giving up so the job still finishes with a
// degraded artifact instead of failing.
type optionalAdapter struct {
	inner  Adapter
	logger *zap.Logger
}

func (o *optionalAdapter) Mode() model.StorageMode { return o.inner.Mode() }

func (o *optionalAdapter) Upload(ctx context.Context, req UploadRequest) (*model.ArtifactDescriptor, error) {
	digest := newDigestReader(req.Body)
	req.Body = digest

	desc, err := o.inner.Upload(ctx, req)
	if err == nil {
		return desc, nil
	}

	o.logger.Warn("optional storage upload failed, degrading artifact",
		zap.String("tenant_id", req.TenantID),
		zap.String("report_job_id", req.JobID),
		zap.Error(err),
	)
	if _, drainErr := io.Copy(io.Discard, digest); drainErr != nil {
		return nil, fmt.Errorf("drain artifact stream after failed upload: %w", drainErr)
	}
	return &model.ArtifactDescriptor{
		Mode:      model.StorageModeNoop,
		Available: false,
		Reason:    model.ReasonOptionalIntegrationFailure,
		SizeBytes: digest.Size(),
		Checksum:  digest.Checksum(),
		Key:       req.Key,
		Entries:   req.Entries,
	}, nil
}

func (o *optionalAdapter) SignDownload(ctx context.Context, key string) (string, error) {
	return o.inner.SignDownload(ctx, key)
}
