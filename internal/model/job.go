// Package model defines the persistent report job and schedule records shared
// by the intake API, the queue, the scheduler, and the job processor.
package model

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// JobStatus is the lifecycle state of a report job.
type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusUploading JobStatus = "uploading"
	StatusUploaded  JobStatus = "uploaded"
	StatusFailed    JobStatus = "failed"
	StatusExpired   JobStatus = "expired"
)

// Valid reports whether s is a known job status.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusUploading, StatusUploaded, StatusFailed, StatusExpired:
		return true
	}
	return false
}

// Format identifies an output file format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
	FormatXLSX Format = "xlsx"
	FormatPDF  Format = "pdf"
	FormatZip  Format = "zip"
)

// Valid reports whether f is a known output format.
func (f Format) Valid() bool {
	switch f {
	case FormatCSV, FormatJSON, FormatXLSX, FormatPDF, FormatZip:
		return true
	}
	return false
}

// Compression values accepted on a job. Zip wraps a single-format output as a
// one-entry archive and is rejected when the format is already an archive.
const (
	CompressionNone = "none"
	CompressionZip  = "zip"
)

// ReportJob is the job document. It is created by the intake or the scheduler
// in state queued and mutated exclusively by the job processor afterwards.
type ReportJob struct {
	ID               primitive.ObjectID   `bson:"_id,omitempty" json:"id"`
	TenantID         string               `bson:"tenantId" json:"tenantId"`
	Status           JobStatus            `bson:"status" json:"status"`
	Progress         int                  `bson:"progress" json:"progress"`
	RowCount         int64                `bson:"rowCount" json:"rowCount"`
	ReportID         string               `bson:"reportId" json:"reportId"`
	Format           Format               `bson:"format" json:"format"`
	Filters          map[string]any       `bson:"filters,omitempty" json:"filters,omitempty"`
	Timezone         string               `bson:"timezone,omitempty" json:"timezone,omitempty"`
	Locale           string               `bson:"locale,omitempty" json:"locale,omitempty"`
	Compression      string               `bson:"compression,omitempty" json:"compression,omitempty"`
	IncludeFormats   []Format             `bson:"includeFormats,omitempty" json:"includeFormats,omitempty"`
	ReduceSpec       *ReduceSpec          `bson:"reduceSpec,omitempty" json:"reduceSpec,omitempty"`
	PartitionSpec    *PartitionSpec       `bson:"partitionSpec,omitempty" json:"partitionSpec,omitempty"`
	SourceCollection string               `bson:"sourceCollection,omitempty" json:"sourceCollection,omitempty"`
	Artifact         *ArtifactDescriptor  `bson:"artifact,omitempty" json:"artifact,omitempty"`
	ProcessingStats  *ProcessingStats     `bson:"processingStats,omitempty" json:"processingStats,omitempty"`
	Error            *JobError            `bson:"error,omitempty" json:"error,omitempty"`
	CreatedAt        time.Time            `bson:"createdAt" json:"createdAt"`
	StartedAt        *time.Time           `bson:"startedAt,omitempty" json:"startedAt,omitempty"`
	FinishedAt       *time.Time           `bson:"finishedAt,omitempty" json:"finishedAt,omitempty"`
	ExpireAt         time.Time            `bson:"expireAt" json:"expireAt"`
}

// JobError records the terminal failure of a job.
type JobError struct {
	Message string `bson:"message" json:"message"`
}

// ProcessingStats captures per-job execution metrics persisted with the
// terminal state.
type ProcessingStats struct {
	Mode                    string        `bson:"mode" json:"mode"`
	ZipStrategy             string        `bson:"zipStrategy,omitempty" json:"zipStrategy,omitempty"`
	DurationMs              int64         `bson:"durationMs" json:"durationMs"`
	ThroughputRowsPerSecond float64       `bson:"throughputRowsPerSecond" json:"throughputRowsPerSecond"`
	MemoryPeakBytes         uint64        `bson:"memoryPeakBytes,omitempty" json:"memoryPeakBytes,omitempty"`
	RowsIn                  int64         `bson:"rowsIn" json:"rowsIn"`
	RowsOut                 int64         `bson:"rowsOut" json:"rowsOut"`
	Chunks                  int           `bson:"chunks,omitempty" json:"chunks,omitempty"`
	ChunkMetrics            []ChunkMetric `bson:"chunkMetrics,omitempty" json:"chunkMetrics,omitempty"`
}

// ChunkMetric describes one identifier range processed by the reduce engine.
type ChunkMetric struct {
	Index      int   `bson:"index" json:"index"`
	DurationMs int64 `bson:"durationMs" json:"durationMs"`
	RowsOut    int64 `bson:"rowsOut" json:"rowsOut"`
}

// Processing modes reported in ProcessingStats.
const (
	ModeRaw    = "raw"
	ModeReduce = "reduce"
)

// Archive assembly strategies reported in ProcessingStats.
const (
	ZipStrategyMultipass = "multipass"
	ZipStrategySnapshot  = "snapshot"
)

// QueueMessage is the payload carried by the work queue. The queue dedupe id
// equals ReportJobID.
type QueueMessage struct {
	ReportJobID string `json:"reportJobId"`
	TenantID    string `json:"tenantId"`
}
