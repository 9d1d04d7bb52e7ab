package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/lorenzovborges/ReportSys/internal/model"
)

// s3Adapter streams artifacts to an S3-compatible object store. The same
// adapter covers real cloud buckets and local S3-compatible endpoints such
// as MinIO; only the reported mode differs.
type s3Adapter struct {
	client       *s3.Client
	uploader     *manager.Uploader
	mode         model.StorageMode
	bucket       string
	signedURLTTL time.Duration
	logger       *zap.Logger
}

func newS3Adapter(cfg Config) (*s3Adapter, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	if cfg.Endpoint != "" {
		awsCfg.BaseEndpoint = aws.String(cfg.Endpoint)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			// Path style is required by most S3-compatible endpoints.
			o.UsePathStyle = true
		}
	})

	return &s3Adapter{
		client:       client,
		uploader:     manager.NewUploader(client),
		mode:         cfg.Mode,
		bucket:       cfg.Bucket,
		signedURLTTL: cfg.SignedURLTTL,
		logger:       cfg.Logger,
	}, nil
}

func (s *s3Adapter) Mode() model.StorageMode { return s.mode }

// Upload streams the body to the bucket. The uploader chunks the stream into
// multipart uploads, so artifact size never has to fit in memory.
func (s *s3Adapter) Upload(ctx context.Context, req UploadRequest) (*model.ArtifactDescriptor, error) {
	digest := newDigestReader(req.Body)

	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(req.Key),
		Body:        digest,
		ContentType: aws.String(req.ContentType),
		Metadata: map[string]string{
			"tenant-id": req.TenantID,
			"job-id":    req.JobID,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("upload artifact to object store: %w", err)
	}

	s.logger.Info("uploaded report artifact",
		zap.String("tenant_id", req.TenantID),
		zap.String("report_job_id", req.JobID),
		zap.String("key", req.Key),
		zap.Int64("size_bytes", digest.Size()),
	)

	return &model.ArtifactDescriptor{
		Mode:      s.mode,
		Available: true,
		SizeBytes: digest.Size(),
		Checksum:  digest.Checksum(),
		Key:       req.Key,
		Bucket:    s.bucket,
		Entries:   req.Entries,
	}, nil
}

func (s *s3Adapter) SignDownload(ctx context.Context, key string) (string, error) {
	presigner := s3.NewPresignClient(s.client)
	req, err := presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = s.signedURLTTL
	})
	if err != nil {
		return "", fmt.Errorf("presign get request: %w", err)
	}
	return req.URL, nil
}
