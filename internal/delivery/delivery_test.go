package delivery

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lorenzovborges/ReportSys/internal/model"
)

func TestNewDisabledStorageForcesNoop(t *testing.T) {
	adapter, err := New(Config{
		Mode:                  model.StorageModeCloud,
		EnableExternalStorage: false,
	})
	require.NoError(t, err)
	require.Equal(t, model.StorageModeNoop, adapter.Mode())

	desc, err := adapter.Upload(context.Background(), UploadRequest{
		TenantID: "tenant-a",
		JobID:    "job-1",
		Key:      "tenant-a/job-1/report.csv",
		Body:     strings.NewReader("a,b\n1,2\n"),
	})
	require.NoError(t, err)
	require.False(t, desc.Available)
	require.Equal(t, model.ReasonExternalStorageDisabled, desc.Reason)
	require.Equal(t, int64(8), desc.SizeBytes)

	sum := sha256.Sum256([]byte("a,b\n1,2\n"))
	require.Equal(t, hex.EncodeToString(sum[:]), desc.Checksum)
}

func TestFilesystemAdapterRoundTrip(t *testing.T) {
	dir := t.TempDir()
	adapter, err := New(Config{
		Mode:                  model.StorageModeFilesystem,
		EnableExternalStorage: true,
		LocalDir:              dir,
	})
	require.NoError(t, err)

	desc, err := adapter.Upload(context.Background(), UploadRequest{
		TenantID:    "tenant-a",
		JobID:       "job-1",
		Key:         "tenant-a/job-1/report.csv",
		ContentType: "text/csv",
		Body:        strings.NewReader("status,total\npaid,2\n"),
	})
	require.NoError(t, err)
	require.True(t, desc.Available)
	require.Equal(t, model.StorageModeFilesystem, desc.Mode)
	require.Equal(t, "tenant-a/job-1/report.csv", desc.Key)

	written, err := os.ReadFile(filepath.Join(dir, "tenant-a", "job-1", "report.csv"))
	require.NoError(t, err)
	require.Equal(t, "status,total\npaid,2\n", string(written))

	url, err := adapter.SignDownload(context.Background(), desc.Key)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(url, "file://"))
}

type failingAdapter struct{}

func (failingAdapter) Mode() model.StorageMode { return model.StorageModeCloud }

func (failingAdapter) Upload(ctx context.Context, req UploadRequest) (*model.ArtifactDescriptor, error) {
	// Read part of the stream before failing, like a broken connection
	// mid-upload would.
	buf := make([]byte, 4)
	_, _ = req.Body.Read(buf)
	return nil, errors.New("bucket unavailable")
}

func (failingAdapter) SignDownload(ctx context.Context, key string) (string, error) {
	return "", errors.New("bucket unavailable")
}

func TestOptionalAdapterDegradesOnFailure(t *testing.T) {
	adapter := &optionalAdapter{inner: failingAdapter{}, logger: zap.NewNop()}

	desc, err := adapter.Upload(context.Background(), UploadRequest{
		TenantID: "tenant-a",
		JobID:    "job-1",
		Key:      "tenant-a/job-1/report.csv",
		Body:     strings.NewReader("a,b\n1,2\n"),
	})
	require.NoError(t, err)
	require.False(t, desc.Available)
	require.Equal(t, model.ReasonOptionalIntegrationFailure, desc.Reason)
	// The whole stream was drained even though the upload died early.
	require.Equal(t, int64(8), desc.SizeBytes)
}

func TestNoopSignDownloadFails(t *testing.T) {
	adapter := &noopAdapter{reason: model.ReasonExternalStorageDisabled}
	_, err := adapter.SignDownload(context.Background(), "anything")
	require.Error(t, err)
}

func TestDigestReaderMatchesStdlib(t *testing.T) {
	payload := strings.Repeat("report bytes ", 1000)
	digest := newDigestReader(strings.NewReader(payload))
	_, err := io.Copy(io.Discard, digest)
	require.NoError(t, err)

	sum := sha256.Sum256([]byte(payload))
	require.Equal(t, hex.EncodeToString(sum[:]), digest.Checksum())
	require.Equal(t, int64(len(payload)), digest.Size())
}
