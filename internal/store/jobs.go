package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/lorenzovborges/ReportSys/internal/model"
)

// CreateJob inserts a report job and returns its identifier.
func (s *Store) CreateJob(ctx context.Context, job *model.ReportJob) (primitive.ObjectID, error) {
	if job.ID.IsZero() {
		job.ID = primitive.NewObjectID()
	}
	if _, err := s.writeColl(jobsCollection).InsertOne(ctx, job); err != nil {
		return primitive.NilObjectID, fmt.Errorf("insert report job: %w", err)
	}
	return job.ID, nil
}

// GetJob loads a job scoped to its tenant.
func (s *Store) GetJob(ctx context.Context, tenantID string, id primitive.ObjectID) (*model.ReportJob, error) {
	var job model.ReportJob
	err := s.writeColl(jobsCollection).
		FindOne(ctx, bson.D{{Key: "_id", Value: id}, {Key: "tenantId", Value: tenantID}}).
		Decode(&job)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load report job: %w", err)
	}
	return &job, nil
}

// ListJobs returns the tenant's jobs newest first, optionally filtered by
// status.
func (s *Store) ListJobs(ctx context.Context, tenantID string, status model.JobStatus, limit int64) ([]*model.ReportJob, error) {
	filter := bson.D{{Key: "tenantId", Value: tenantID}}
	if status != "" {
		filter = append(filter, bson.E{Key: "status", Value: status})
	}
	if limit <= 0 {
		limit = 50
	}

	cur, err := s.writeColl(jobsCollection).Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}}).SetLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list report jobs: %w", err)
	}
	defer cur.Close(ctx)

	jobs := make([]*model.ReportJob, 0)
	for cur.Next(ctx) {
		var job model.ReportJob
		if err := cur.Decode(&job); err != nil {
			return nil, fmt.Errorf("decode report job: %w", err)
		}
		jobs = append(jobs, &job)
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("iterate report jobs: %w", err)
	}
	return jobs, nil
}

// MarkRunning transitions the job to running and clears any previous error.
func (s *Store) MarkRunning(ctx context.Context, id primitive.ObjectID, now time.Time) error {
	return s.updateJob(ctx, id, bson.D{
		{Key: "$set", Value: bson.D{
			{Key: "status", Value: model.StatusRunning},
			{Key: "progress", Value: 10},
			{Key: "startedAt", Value: now},
		}},
		{Key: "$unset", Value: bson.D{{Key: "error", Value: ""}}},
	})
}

// MarkUploading transitions the job to uploading once row generation is done.
func (s *Store) MarkUploading(ctx context.Context, id primitive.ObjectID) error {
	return s.updateJob(ctx, id, bson.D{
		{Key: "$set", Value: bson.D{
			{Key: "status", Value: model.StatusUploading},
			{Key: "progress", Value: 75},
		}},
	})
}

// MarkUploaded records the terminal success state with the artifact and
// processing stats. rowCount is written exactly once, here.
func (s *Store) MarkUploaded(ctx context.Context, id primitive.ObjectID, rowCount int64, artifact *model.ArtifactDescriptor, stats *model.ProcessingStats, finishedAt time.Time) error {
	return s.updateJob(ctx, id, bson.D{
		{Key: "$set", Value: bson.D{
			{Key: "status", Value: model.StatusUploaded},
			{Key: "progress", Value: 100},
			{Key: "rowCount", Value: rowCount},
			{Key: "artifact", Value: artifact},
			{Key: "processingStats", Value: stats},
			{Key: "finishedAt", Value: finishedAt},
		}},
		{Key: "$unset", Value: bson.D{{Key: "error", Value: ""}}},
	})
}

// MarkFailed records the terminal failure state with the error message.
func (s *Store) MarkFailed(ctx context.Context, id primitive.ObjectID, message string, finishedAt time.Time) error {
	return s.updateJob(ctx, id, bson.D{
		{Key: "$set", Value: bson.D{
			{Key: "status", Value: model.StatusFailed},
			{Key: "error", Value: model.JobError{Message: message}},
			{Key: "finishedAt", Value: finishedAt},
		}},
	})
}

func (s *Store) updateJob(ctx context.Context, id primitive.ObjectID, update bson.D) error {
	res, err := s.writeColl(jobsCollection).UpdateOne(ctx, bson.D{{Key: "_id", Value: id}}, update)
	if err != nil {
		return fmt.Errorf("update report job: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}
