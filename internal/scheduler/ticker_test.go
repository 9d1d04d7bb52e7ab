package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"github.com/lorenzovborges/ReportSys/internal/model"
)

type fakeScheduleStore struct {
	due        []*model.Schedule
	advanceOK  bool
	advanced   []primitive.ObjectID
	disabled   []primitive.ObjectID
	created    []*model.ReportJob
	fetchCalls int
}

func (f *fakeScheduleStore) DueSchedules(ctx context.Context, now time.Time, limit int64) ([]*model.Schedule, error) {
	f.fetchCalls++
	if len(f.due) == 0 {
		return nil, nil
	}
	next := f.due[0]
	f.due = f.due[1:]
	return []*model.Schedule{next}, nil
}

func (f *fakeScheduleStore) AdvanceSchedule(ctx context.Context, id primitive.ObjectID, observedNext, next, firedAt time.Time) (bool, error) {
	f.advanced = append(f.advanced, id)
	return f.advanceOK, nil
}

func (f *fakeScheduleStore) DisableSchedule(ctx context.Context, id primitive.ObjectID) error {
	f.disabled = append(f.disabled, id)
	return nil
}

func (f *fakeScheduleStore) CreateJob(ctx context.Context, job *model.ReportJob) (primitive.ObjectID, error) {
	job.ID = primitive.NewObjectID()
	f.created = append(f.created, job)
	return job.ID, nil
}

type fakeEnqueuer struct {
	messages []model.QueueMessage
	err      error
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, msg model.QueueMessage) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	f.messages = append(f.messages, msg)
	return true, nil
}

func dueSchedule() *model.Schedule {
	next := time.Now().Add(-time.Minute).UTC()
	return &model.Schedule{
		ID:       primitive.NewObjectID(),
		TenantID: "tenant-a",
		Name:     "nightly orders",
		CronExpr: "0 2 * * *",
		Enabled:  true,
		ReportID: "orders-report",
		Format:   model.FormatCSV,
		NextRunAt: &next,
	}
}

func TestTickFiresDueSchedule(t *testing.T) {
	sched := dueSchedule()
	fs := &fakeScheduleStore{due: []*model.Schedule{sched}, advanceOK: true}
	q := &fakeEnqueuer{}
	ticker := New(Config{Store: fs, Queue: q, Logger: zap.NewNop(), Retention: 7 * 24 * time.Hour})

	require.NoError(t, ticker.Tick(context.Background()))

	require.Len(t, fs.created, 1)
	job := fs.created[0]
	require.Equal(t, model.StatusQueued, job.Status)
	require.Equal(t, "tenant-a", job.TenantID)
	require.Equal(t, model.FormatCSV, job.Format)
	require.WithinDuration(t, time.Now().Add(7*24*time.Hour), job.ExpireAt, time.Minute)

	require.Len(t, q.messages, 1)
	require.Equal(t, job.ID.Hex(), q.messages[0].ReportJobID)
	require.Equal(t, "tenant-a", q.messages[0].TenantID)
}

func TestTickSkipsWhenAdvanceLost(t *testing.T) {
	sched := dueSchedule()
	fs := &fakeScheduleStore{due: []*model.Schedule{sched}, advanceOK: false}
	q := &fakeEnqueuer{}
	ticker := New(Config{Store: fs, Queue: q, Logger: zap.NewNop()})

	require.NoError(t, ticker.Tick(context.Background()))
	require.Len(t, fs.advanced, 1)
	require.Empty(t, fs.created)
	require.Empty(t, q.messages)
}

func TestTickDisablesUnparsableCron(t *testing.T) {
	sched := dueSchedule()
	sched.CronExpr = "not a cron"
	fs := &fakeScheduleStore{due: []*model.Schedule{sched}, advanceOK: true}
	q := &fakeEnqueuer{}
	ticker := New(Config{Store: fs, Queue: q, Logger: zap.NewNop()})

	require.NoError(t, ticker.Tick(context.Background()))
	require.Equal(t, []primitive.ObjectID{sched.ID}, fs.disabled)
	require.Empty(t, fs.created)
	require.Empty(t, q.messages)
}

func TestTickPropagatesEnqueueError(t *testing.T) {
	sched := dueSchedule()
	fs := &fakeScheduleStore{due: []*model.Schedule{sched}, advanceOK: true}
	q := &fakeEnqueuer{err: errors.New("redis down")}
	ticker := New(Config{Store: fs, Queue: q, Logger: zap.NewNop()})

	err := ticker.Tick(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "enqueue scheduled job")
}

func TestNextRunUsesTimezone(t *testing.T) {
	from := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	utcNext, err := NextRun("0 2 * * *", "", from)
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 3, 11, 2, 0, 0, 0, time.UTC), utcNext)

	// 02:00 in Berlin (UTC+1 on that date) is 01:00 UTC.
	berlinNext, err := NextRun("0 2 * * *", "Europe/Berlin", from)
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 3, 11, 1, 0, 0, 0, time.UTC), berlinNext)
}

func TestNextRunRejectsBadExpression(t *testing.T) {
	_, err := NextRun("61 2 * * *", "", time.Now())
	require.Error(t, err)
}
