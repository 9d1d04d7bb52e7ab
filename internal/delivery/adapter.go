// Package delivery moves finished report bytes to their destination: an
// S3-compatible object store, a local directory, or nowhere at all when
// external storage is disabled.
package delivery

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/lorenzovborges/ReportSys/internal/model"
)

// UploadRequest carries one artifact stream to an adapter.
type UploadRequest struct {
	TenantID    string
	JobID       string
	Key         string
	ContentType string
	Body        io.Reader
	// Entries lists archive member names, recorded on the descriptor so
	// clients can see what a zip contains without downloading it.
	Entries []string
}

// Adapter persists report artifacts and signs download URLs for them.
type Adapter interface {
	Mode() model.StorageMode
	Upload(ctx context.Context, req UploadRequest) (*model.ArtifactDescriptor, error)
	SignDownload(ctx context.Context, key string) (string, error)
}

// Config selects and parameterizes the delivery adapter.
type Config struct {
	Mode                  model.StorageMode
	EnableExternalStorage bool
	// Policy is "required" or "optional". Under "optional" an upload
	// failure degrades the artifact instead of failing the job.
	Policy       string
	Endpoint     string
	AccessKey    string
	SecretKey    string
	Bucket       string
	Region       string
	LocalDir     string
	SignedURLTTL time.Duration
	Logger       *zap.Logger
}

// PolicyOptional marks integrations whose failure must not fail the job.
const PolicyOptional = "optional"

// New builds the adapter the configuration calls for. With external storage
// disabled every job degrades to a noop artifact regardless of mode, and
// under the optional policy upload failures are absorbed the same way.
func New(cfg Config) (Adapter, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	if !cfg.EnableExternalStorage {
		return &noopAdapter{reason: model.ReasonExternalStorageDisabled}, nil
	}

	var adapter Adapter
	var err error
	switch cfg.Mode {
	case model.StorageModeCloud, model.StorageModeLocal:
		adapter, err = newS3Adapter(cfg)
	case model.StorageModeFilesystem:
		adapter, err = newFilesystemAdapter(cfg)
	case model.StorageModeNoop:
		adapter = &noopAdapter{reason: model.ReasonExternalStorageDisabled}
	default:
		return nil, fmt.Errorf("unknown storage mode %q", cfg.Mode)
	}
	if err != nil {
		return nil, err
	}

	if cfg.Policy == PolicyOptional {
		return &optionalAdapter{inner: adapter, logger: cfg.Logger}, nil
	}
	return adapter, nil
}

// digestReader hashes and counts bytes as the adapter consumes them, so the
// descriptor checksum covers exactly what was uploaded.
type digestReader struct {
	r    io.Reader
	hash hash.Hash
	n    int64
}

func newDigestReader(r io.Reader) *digestReader {
	return &digestReader{r: r, hash: sha256.New()}
}

func (d *digestReader) Read(p []byte) (int, error) {
	n, err := d.r.Read(p)
	if n > 0 {
		d.hash.Write(p[:n])
		d.n += int64(n)
	}
	return n, err
}

func (d *digestReader) Checksum() string {
	return hex.EncodeToString(d.hash.Sum(nil))
}

func (d *digestReader) Size() int64 { return d.n }
