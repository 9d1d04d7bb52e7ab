package delivery

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/lorenzovborges/ReportSys/internal/model"
)

// filesystemAdapter writes artifacts under a local directory. Meant for
// development and single-node deployments; downloads are plain file URLs.
type filesystemAdapter struct {
	root   string
	logger *zap.Logger
}

func newFilesystemAdapter(cfg Config) (*filesystemAdapter, error) {
	if cfg.LocalDir == "" {
		return nil, fmt.Errorf("filesystem storage requires a local directory")
	}
	if err := os.MkdirAll(cfg.LocalDir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact directory: %w", err)
	}
	return &filesystemAdapter{root: cfg.LocalDir, logger: cfg.Logger}, nil
}

func (f *filesystemAdapter) Mode() model.StorageMode { return model.StorageModeFilesystem }

func (f *filesystemAdapter) Upload(ctx context.Context, req UploadRequest) (*model.ArtifactDescriptor, error) {
	path := filepath.Join(f.root, filepath.FromSlash(req.Key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create artifact subdirectory: %w", err)
	}

	out, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create artifact file: %w", err)
	}

	digest := newDigestReader(req.Body)
	if _, err := io.Copy(out, digest); err != nil {
		_ = out.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("write artifact file: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("close artifact file: %w", err)
	}

	f.logger.Info("wrote report artifact",
		zap.String("tenant_id", req.TenantID),
		zap.String("report_job_id", req.JobID),
		zap.String("path", path),
		zap.Int64("size_bytes", digest.Size()),
	)

	return &model.ArtifactDescriptor{
		Mode:      model.StorageModeFilesystem,
		Available: true,
		SizeBytes: digest.Size(),
		Checksum:  digest.Checksum(),
		Key:       req.Key,
		Entries:   req.Entries,
	}, nil
}

func (f *filesystemAdapter) SignDownload(ctx context.Context, key string) (string, error) {
	path := filepath.Join(f.root, filepath.FromSlash(key))
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("stat artifact file: %w", err)
	}
	return "file://" + path, nil
}
