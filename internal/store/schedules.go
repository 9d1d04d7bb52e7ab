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

// CreateSchedule inserts a schedule and returns its identifier.
func (s *Store) CreateSchedule(ctx context.Context, sched *model.Schedule) (primitive.ObjectID, error) {
	if sched.ID.IsZero() {
		sched.ID = primitive.NewObjectID()
	}
	if _, err := s.writeColl(schedulesCollection).InsertOne(ctx, sched); err != nil {
		return primitive.NilObjectID, fmt.Errorf("insert schedule: %w", err)
	}
	return sched.ID, nil
}

// GetSchedule loads a schedule scoped to its tenant.
func (s *Store) GetSchedule(ctx context.Context, tenantID string, id primitive.ObjectID) (*model.Schedule, error) {
	var sched model.Schedule
	err := s.writeColl(schedulesCollection).
		FindOne(ctx, bson.D{{Key: "_id", Value: id}, {Key: "tenantId", Value: tenantID}}).
		Decode(&sched)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load schedule: %w", err)
	}
	return &sched, nil
}

// ListSchedules returns the tenant's schedules newest first.
func (s *Store) ListSchedules(ctx context.Context, tenantID string) ([]*model.Schedule, error) {
	cur, err := s.writeColl(schedulesCollection).Find(ctx,
		bson.D{{Key: "tenantId", Value: tenantID}},
		options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}}))
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer cur.Close(ctx)

	schedules := make([]*model.Schedule, 0)
	for cur.Next(ctx) {
		var sched model.Schedule
		if err := cur.Decode(&sched); err != nil {
			return nil, fmt.Errorf("decode schedule: %w", err)
		}
		schedules = append(schedules, &sched)
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("iterate schedules: %w", err)
	}
	return schedules, nil
}

// UpdateSchedule replaces the mutable fields of a tenant's schedule.
func (s *Store) UpdateSchedule(ctx context.Context, tenantID string, id primitive.ObjectID, sched *model.Schedule) error {
	sched.ID = id
	sched.TenantID = tenantID
	sched.UpdatedAt = time.Now().UTC()
	res, err := s.writeColl(schedulesCollection).ReplaceOne(ctx,
		bson.D{{Key: "_id", Value: id}, {Key: "tenantId", Value: tenantID}}, sched)
	if err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSchedule removes a tenant's schedule.
func (s *Store) DeleteSchedule(ctx context.Context, tenantID string, id primitive.ObjectID) error {
	res, err := s.writeColl(schedulesCollection).DeleteOne(ctx,
		bson.D{{Key: "_id", Value: id}, {Key: "tenantId", Value: tenantID}})
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// DueSchedules returns enabled schedules whose nextRunAt is at or before now.
// Firing is made race safe by the conditional AdvanceSchedule update, not by
// this read.
func (s *Store) DueSchedules(ctx context.Context, now time.Time, limit int64) ([]*model.Schedule, error) {
	if limit <= 0 {
		limit = 100
	}
	cur, err := s.writeColl(schedulesCollection).Find(ctx, bson.D{
		{Key: "enabled", Value: true},
		{Key: "nextRunAt", Value: bson.D{{Key: "$lte", Value: now}}},
	}, options.Find().SetSort(bson.D{{Key: "nextRunAt", Value: 1}}).SetLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("find due schedules: %w", err)
	}
	defer cur.Close(ctx)

	var due []*model.Schedule
	for cur.Next(ctx) {
		var sched model.Schedule
		if err := cur.Decode(&sched); err != nil {
			return nil, fmt.Errorf("decode schedule: %w", err)
		}
		due = append(due, &sched)
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("iterate due schedules: %w", err)
	}
	return due, nil
}

// AdvanceSchedule moves nextRunAt forward only if it still holds the value
// this process observed. Returns false when another instance fired first.
func (s *Store) AdvanceSchedule(ctx context.Context, id primitive.ObjectID, observedNext time.Time, next time.Time, firedAt time.Time) (bool, error) {
	res, err := s.writeColl(schedulesCollection).UpdateOne(ctx, bson.D{
		{Key: "_id", Value: id},
		{Key: "enabled", Value: true},
		{Key: "nextRunAt", Value: observedNext},
	}, bson.D{
		{Key: "$set", Value: bson.D{
			{Key: "nextRunAt", Value: next},
			{Key: "lastRunAt", Value: firedAt},
			{Key: "updatedAt", Value: firedAt},
		}},
	})
	if err != nil {
		return false, fmt.Errorf("advance schedule: %w", err)
	}
	return res.MatchedCount > 0, nil
}

// DisableSchedule turns a schedule off, used when its cron expression no
// longer parses.
func (s *Store) DisableSchedule(ctx context.Context, id primitive.ObjectID) error {
	_, err := s.writeColl(schedulesCollection).UpdateOne(ctx,
		bson.D{{Key: "_id", Value: id}},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "enabled", Value: false},
			{Key: "updatedAt", Value: time.Now().UTC()},
		}}})
	if err != nil {
		return fmt.Errorf("disable schedule: %w", err)
	}
	return nil
}
