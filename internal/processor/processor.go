// Package processor drives one report job end to end: load, validate, plan,
// generate, upload, and persist the terminal state.
package processor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"github.com/lorenzovborges/ReportSys/internal/config"
	"github.com/lorenzovborges/ReportSys/internal/delivery"
	"github.com/lorenzovborges/ReportSys/internal/format"
	"github.com/lorenzovborges/ReportSys/internal/metrics"
	"github.com/lorenzovborges/ReportSys/internal/model"
	"github.com/lorenzovborges/ReportSys/internal/normalize"
	"github.com/lorenzovborges/ReportSys/internal/reduce"
	"github.com/lorenzovborges/ReportSys/internal/store"
)

// ErrReadEndpointIsPrimary aliases the store sentinel so callers can match
// it without importing the store package.
var ErrReadEndpointIsPrimary = store.ErrReadEndpointIsPrimary

// Store is the persistence surface the processor needs. *store.Store
// implements it; tests substitute fakes.
type Store interface {
	reduce.Source
	GetJob(ctx context.Context, tenantID string, id primitive.ObjectID) (*model.ReportJob, error)
	MarkRunning(ctx context.Context, id primitive.ObjectID, now time.Time) error
	MarkUploading(ctx context.Context, id primitive.ObjectID) error
	MarkUploaded(ctx context.Context, id primitive.ObjectID, rowCount int64, artifact *model.ArtifactDescriptor, stats *model.ProcessingStats, finishedAt time.Time) error
	MarkFailed(ctx context.Context, id primitive.ObjectID, message string, finishedAt time.Time) error
	VerifyReadNotPrimary(ctx context.Context) error
	OpenSortedCursor(ctx context.Context, collection, tenantID string, filters map[string]any, maxID *primitive.ObjectID) (format.RowSource, error)
}

// Config wires the processor's collaborators.
type Config struct {
	Store    Store
	Delivery delivery.Adapter
	Settings *config.Config
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

// Processor executes queued report jobs. At most one activation per job id
// runs at a time, guaranteed by queue dedupe rather than locking.
type Processor struct {
	store    Store
	delivery delivery.Adapter
	engine   *reduce.Engine
	cfg      *config.Config
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// New creates a processor.
func New(cfg Config) *Processor {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Processor{
		store:    cfg.Store,
		delivery: cfg.Delivery,
		engine:   reduce.NewEngine(cfg.Store, cfg.Logger),
		cfg:      cfg.Settings,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
	}
}

// Process handles one queue message. A nil return acknowledges the message;
// an error drives the queue's retry and backoff policy.
func (p *Processor) Process(ctx context.Context, msg model.QueueMessage) error {
	log := p.logger.With(
		zap.String("report_job_id", msg.ReportJobID),
		zap.String("tenant_id", msg.TenantID),
	)

	jobID, err := primitive.ObjectIDFromHex(msg.ReportJobID)
	if err != nil {
		log.Warn("dropping message with malformed job id", zap.Error(err))
		return nil
	}

	job, err := p.store.GetJob(ctx, msg.TenantID, jobID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("dropping message for missing job")
		return nil
	}
	if err != nil {
		return err
	}

	startedAt := time.Now()
	if err := p.store.MarkRunning(ctx, jobID, startedAt); err != nil {
		return err
	}

	if p.metrics != nil {
		p.metrics.ActiveJobs.Inc()
		defer p.metrics.ActiveJobs.Dec()
	}

	run, err := p.execute(ctx, job, startedAt, log)
	if err != nil {
		finishedAt := time.Now()
		if markErr := p.store.MarkFailed(ctx, jobID, err.Error(), finishedAt); markErr != nil {
			log.Error("persist failed state", zap.Error(markErr))
		}
		if p.metrics != nil {
			p.metrics.JobsProcessed.WithLabelValues(string(model.StatusFailed)).Inc()
		}
		log.Error("report job failed", zap.Error(err))
		return err
	}

	if p.metrics != nil {
		p.metrics.JobsProcessed.WithLabelValues(string(model.StatusUploaded)).Inc()
		p.metrics.JobDuration.Observe(time.Since(startedAt).Seconds())
		p.metrics.RowsEmitted.Add(float64(run.rowsOut))
	}
	log.Info("report job uploaded",
		zap.Int64("row_count", run.rowsOut),
		zap.String("mode", run.stats.Mode),
		zap.Int64("duration_ms", run.stats.DurationMs),
	)
	return nil
}

// runResult carries what execute produced for logging and metrics.
type runResult struct {
	rowsOut int64
	stats   *model.ProcessingStats
}

func (p *Processor) execute(ctx context.Context, job *model.ReportJob, startedAt time.Time, log *zap.Logger) (*runResult, error) {
	if err := p.store.VerifyReadNotPrimary(ctx); err != nil {
		return nil, err
	}

	collection, err := p.resolveCollection(job.SourceCollection)
	if err != nil {
		return nil, err
	}

	var sampler *memorySampler
	if p.cfg.CaptureMemoryPeak {
		sampler = newMemorySampler()
		sampler.Sample()
	}

	plan, err := p.plan(ctx, job, collection, sampler)
	if plan != nil && plan.cleanup != nil {
		defer plan.cleanup()
	}
	if err != nil {
		return nil, err
	}

	if err := p.store.MarkUploading(ctx, job.ID); err != nil {
		p.discard(plan.stream)
		return nil, err
	}

	key := fmt.Sprintf("%s/%s/report.%s", job.TenantID, job.ID.Hex(), plan.stream.Extension)
	artifact, err := p.delivery.Upload(ctx, delivery.UploadRequest{
		TenantID:    job.TenantID,
		JobID:       job.ID.Hex(),
		Key:         key,
		ContentType: plan.stream.ContentType,
		Body:        plan.stream.Body,
		Entries:     plan.entries,
	})
	if err != nil {
		// Closing the body unblocks the generator goroutine and releases its
		// cursor; Upload does not consume the stream on failure.
		p.discard(plan.stream)
		return nil, err
	}
	if sampler != nil {
		sampler.Sample()
	}

	stats := plan.stats
	stats.RowsIn = plan.rowsIn()
	stats.RowsOut = plan.rowsOut()
	durationMs := time.Since(startedAt).Milliseconds()
	if durationMs < 1 {
		durationMs = 1
	}
	stats.DurationMs = durationMs
	stats.ThroughputRowsPerSecond = round2(float64(stats.RowsOut) / (float64(durationMs) / 1000))
	stats.MemoryPeakBytes = sampler.Peak()

	finishedAt := time.Now()
	if err := p.store.MarkUploaded(ctx, job.ID, stats.RowsOut, artifact, stats, finishedAt); err != nil {
		return nil, err
	}
	return &runResult{rowsOut: stats.RowsOut, stats: stats}, nil
}

// resolveCollection applies the default, the identifier charset rule, and
// the allowlist.
func (p *Processor) resolveCollection(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = p.cfg.DefaultSourceCollection
	}
	if !model.ValidIdentifier(name) || !p.cfg.SourceAllowed(name) {
		return "", fmt.Errorf("sourceCollection '%s' is not allowed", name)
	}
	return name, nil
}

// jobPlan is the chosen generation strategy: a single byte stream to upload
// plus the counters that become processing stats.
type jobPlan struct {
	stream  *format.Stream
	entries []string
	stats   *model.ProcessingStats
	counter *atomic.Int64
	// fixed counts take precedence over the counter; reduce and snapshot
	// plans know their totals before the upload drains the stream.
	fixedIn, fixedOut *int64
	cleanup           func()
}

func (pl *jobPlan) rowsIn() int64 {
	if pl.fixedIn != nil {
		return *pl.fixedIn
	}
	return pl.counter.Load()
}

func (pl *jobPlan) rowsOut() int64 {
	if pl.fixedOut != nil {
		return *pl.fixedOut
	}
	return pl.counter.Load()
}

func (p *Processor) plan(ctx context.Context, job *model.ReportJob, collection string, sampler *memorySampler) (*jobPlan, error) {
	opts := format.StreamOptions{
		BufferBytes:     p.cfg.BufferBytes,
		DocumentMaxRows: p.cfg.DocumentMaxRows,
	}
	filters := normalize.SanitizeFilters(job.Filters)

	// Intake enforces this too, but job documents can reach the queue without
	// passing through it.
	if job.Format == model.FormatZip && len(job.IncludeFormats) == 0 {
		return nil, errors.New("archive format requires a non-empty includeFormats")
	}

	switch {
	case job.ReduceSpec != nil:
		return p.planReduce(ctx, job, collection, filters, opts, sampler)
	case job.Format == model.FormatZip && p.cfg.ZipMultipass:
		return p.planMultipass(ctx, job, collection, filters, opts, sampler)
	case job.Format == model.FormatZip:
		return p.planSnapshot(ctx, job, collection, filters, opts, sampler)
	default:
		return p.planRaw(ctx, job, collection, filters, opts, sampler)
	}
}

func (p *Processor) planReduce(ctx context.Context, job *model.ReportJob, collection string, filters map[string]any, opts format.StreamOptions, sampler *memorySampler) (*jobPlan, error) {
	res, err := p.engine.Run(ctx, reduce.Options{
		TenantID:             job.TenantID,
		Collection:           collection,
		Filters:              filters,
		Spec:                 *job.ReduceSpec,
		Partition:            job.PartitionSpec,
		BatchSize:            int32(p.cfg.CursorBatchSize),
		DefaultChunks:        p.cfg.PartitionDefaultChunks,
		CapMax:               p.cfg.PartitionCapMax,
		MaxConcurrency:       p.cfg.PartitionMaxConcurrency,
		StreamingAccumulator: p.cfg.ReduceEngineV2,
		MaxGroups:            p.cfg.ReduceMaxGroups,
		Sampler:              samplerOrNil(sampler),
	})
	if err != nil {
		return nil, err
	}

	plan := &jobPlan{
		stats: &model.ProcessingStats{
			Mode:         model.ModeReduce,
			Chunks:       res.Chunks,
			ChunkMetrics: res.ChunkMetrics,
		},
		fixedIn:  &res.RowsIn,
		fixedOut: &res.RowsOut,
	}

	if job.Format == model.FormatZip {
		entries, names, err := p.archiveEntries(ctx, job.IncludeFormats, opts, func(model.Format) (format.RowSource, error) {
			return format.NewSliceSource(res.Rows), nil
		})
		if err != nil {
			return nil, err
		}
		plan.stream = format.OpenArchive(ctx, entries, opts)
		plan.entries = names
		return plan, nil
	}

	stream, err := format.Open(ctx, job.Format, format.NewSliceSource(res.Rows), opts)
	if err != nil {
		return nil, err
	}
	return p.maybeCompress(ctx, job, plan, stream, opts), nil
}

func (p *Processor) planMultipass(ctx context.Context, job *model.ReportJob, collection string, filters map[string]any, opts format.StreamOptions, sampler *memorySampler) (*jobPlan, error) {
	// Pin the scan to the max identifier observed now, so every pass sees
	// the same document set even while new rows are being inserted.
	_, maxID, ok, err := p.store.IdentifierBounds(ctx, collection, store.SourceFilter(job.TenantID, filters))
	if err != nil {
		return nil, err
	}
	bound := primitive.NilObjectID
	if ok {
		bound = maxID
	}

	plan := &jobPlan{
		stats:   &model.ProcessingStats{Mode: model.ModeRaw, ZipStrategy: model.ZipStrategyMultipass},
		counter: &atomic.Int64{},
	}

	first := true
	entries, names, err := p.archiveEntries(ctx, job.IncludeFormats, opts, func(model.Format) (format.RowSource, error) {
		src, err := p.store.OpenSortedCursor(ctx, collection, job.TenantID, filters, &bound)
		if err != nil {
			return nil, err
		}
		// Only the first pass counts rows; the others re-read the same set.
		if first {
			first = false
			return &countingSource{inner: src, n: plan.counter, sampler: sampler}, nil
		}
		return src, nil
	})
	if err != nil {
		return nil, err
	}
	plan.stream = format.OpenArchive(ctx, entries, opts)
	plan.entries = names
	return plan, nil
}

func (p *Processor) planSnapshot(ctx context.Context, job *model.ReportJob, collection string, filters map[string]any, opts format.StreamOptions, sampler *memorySampler) (*jobPlan, error) {
	src, err := p.store.OpenSortedCursor(ctx, collection, job.TenantID, filters, nil)
	if err != nil {
		return nil, err
	}
	counted := &countingSource{inner: src, n: &atomic.Int64{}, sampler: sampler}

	path := SnapshotPath(p.cfg.ReportTmpDir, job.ID.Hex())
	info, err := WriteSnapshot(ctx, counted, path, p.cfg.ReportTmpMaxBytes, p.cfg.BufferBytes)
	_ = src.Close(ctx)
	if err != nil {
		return nil, err
	}

	plan := &jobPlan{
		stats:    &model.ProcessingStats{Mode: model.ModeRaw, ZipStrategy: model.ZipStrategySnapshot},
		fixedIn:  &info.RowCount,
		fixedOut: &info.RowCount,
		cleanup: func() {
			if err := os.Remove(info.Path); err != nil && !os.IsNotExist(err) {
				p.logger.Warn("remove snapshot file", zap.String("path", info.Path), zap.Error(err))
			}
		},
	}

	entries, names, err := p.archiveEntries(ctx, job.IncludeFormats, opts, func(model.Format) (format.RowSource, error) {
		return SnapshotRows(info.Path, p.cfg.BufferBytes)
	})
	if err != nil {
		return plan, err
	}
	plan.stream = format.OpenArchive(ctx, entries, opts)
	plan.entries = names
	return plan, nil
}

func (p *Processor) planRaw(ctx context.Context, job *model.ReportJob, collection string, filters map[string]any, opts format.StreamOptions, sampler *memorySampler) (*jobPlan, error) {
	src, err := p.store.OpenSortedCursor(ctx, collection, job.TenantID, filters, nil)
	if err != nil {
		return nil, err
	}

	plan := &jobPlan{
		stats:   &model.ProcessingStats{Mode: model.ModeRaw},
		counter: &atomic.Int64{},
	}
	counted := &countingSource{inner: src, n: plan.counter, sampler: sampler}

	stream, err := format.Open(ctx, job.Format, counted, opts)
	if err != nil {
		_ = src.Close(ctx)
		return nil, err
	}
	return p.maybeCompress(ctx, job, plan, stream, opts), nil
}

// maybeCompress wraps a single-format stream as a one-entry archive when the
// job asked for zip compression.
func (p *Processor) maybeCompress(ctx context.Context, job *model.ReportJob, plan *jobPlan, stream *format.Stream, opts format.StreamOptions) *jobPlan {
	if job.Compression == model.CompressionZip {
		plan.entries = []string{"report." + stream.Extension}
		plan.stream = format.SingleEntryArchive(ctx, stream, opts)
		return plan
	}
	plan.stream = stream
	return plan
}

// archiveEntries opens one generator stream per included sub-format. open is
// called once per format and must return a fresh row source each time.
func (p *Processor) archiveEntries(ctx context.Context, includes []model.Format, opts format.StreamOptions, open func(model.Format) (format.RowSource, error)) ([]format.ArchiveEntry, []string, error) {
	entries := make([]format.ArchiveEntry, 0, len(includes))
	names := make([]string, 0, len(includes))
	closeBuilt := func() {
		for _, e := range entries {
			_ = e.Body.Close()
		}
	}
	for _, f := range includes {
		src, err := open(f)
		if err != nil {
			closeBuilt()
			return nil, nil, err
		}
		stream, err := format.Open(ctx, f, src, opts)
		if err != nil {
			_ = src.Close(ctx)
			closeBuilt()
			return nil, nil, err
		}
		name := "report." + stream.Extension
		entries = append(entries, format.ArchiveEntry{Name: name, Body: stream.Body})
		names = append(names, name)
	}
	return entries, names, nil
}

func (p *Processor) discard(stream *format.Stream) {
	if stream != nil {
		_ = stream.Body.Close()
	}
}

func round2(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return math.Round(f*100) / 100
}

func samplerOrNil(s *memorySampler) reduce.Sampler {
	if s == nil {
		return nil
	}
	return s
}

// countingSource counts rows flowing to a generator and samples memory at
// each row boundary.
type countingSource struct {
	inner   format.RowSource
	n       *atomic.Int64
	sampler *memorySampler
}

func (c *countingSource) Next(ctx context.Context) (format.Row, error) {
	row, err := c.inner.Next(ctx)
	if err != nil {
		return nil, err
	}
	c.n.Add(1)
	if c.sampler != nil {
		c.sampler.Sample()
	}
	return row, nil
}

func (c *countingSource) Close(ctx context.Context) error {
	return c.inner.Close(ctx)
}
