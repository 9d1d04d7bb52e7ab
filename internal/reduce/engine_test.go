package reduce

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"github.com/lorenzovborges/ReportSys/internal/format"
	"github.com/lorenzovborges/ReportSys/internal/model"
)

// fakeSource hands out pre-baked partial batches, one batch per aggregation
// call, regardless of which range asked.
type fakeSource struct {
	mu      sync.Mutex
	min     primitive.ObjectID
	max     primitive.ObjectID
	empty   bool
	batches [][]format.Row
	calls   int
}

func (f *fakeSource) IdentifierBounds(context.Context, string, bson.D) (primitive.ObjectID, primitive.ObjectID, bool, error) {
	if f.empty {
		return primitive.ObjectID{}, primitive.ObjectID{}, false, nil
	}
	return f.min, f.max, true, nil
}

func (f *fakeSource) AggregateRange(ctx context.Context, _ string, _ mongo.Pipeline, _ int32) (format.RowSource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var batch []format.Row
	if f.calls < len(f.batches) {
		batch = f.batches[f.calls]
	}
	f.calls++
	return format.NewSliceSource(batch), nil
}

func engineOpts(src *fakeSource, streaming bool) Options {
	return Options{
		TenantID:             "t1",
		Collection:           "reportSource",
		Filters:              map[string]any{"status": "paid"},
		Spec:                 orderSpec(),
		Partition:            &model.PartitionSpec{Strategy: model.PartitionStrategyIdentifierRange, Chunks: 4},
		BatchSize:            100,
		DefaultChunks:        4,
		CapMax:               16,
		MaxConcurrency:       2,
		StreamingAccumulator: streaming,
		MaxGroups:            100,
	}
}

func TestEngineMergesChunks(t *testing.T) {
	src := &fakeSource{
		min: mustOID("000000000000000000000000"),
		max: mustOID("000000000000000000ffffff"),
		batches: [][]format.Row{
			{partial("paid", 1, 10, 1)},
			{partial("paid", 1, 20, 1)},
			{partial("pending", 1, 50, 1)},
			nil,
		},
	}

	res, err := NewEngine(src, zap.NewNop()).Run(context.Background(), engineOpts(src, true))
	require.NoError(t, err)

	require.Equal(t, 4, res.Chunks)
	require.Equal(t, 4, src.calls)
	require.EqualValues(t, 3, res.RowsIn)
	require.EqualValues(t, 2, res.RowsOut)
	require.Len(t, res.ChunkMetrics, 4)
	for i, m := range res.ChunkMetrics {
		require.Equal(t, i, m.Index)
	}

	require.Equal(t, "paid", lookup(res.Rows[0], "status"))
	require.Equal(t, float64(2), lookup(res.Rows[0], "totalOrders"))
	require.Equal(t, float64(30), lookup(res.Rows[0], "sumAmount"))
}

func TestEngineEmptyDataset(t *testing.T) {
	src := &fakeSource{empty: true}

	res, err := NewEngine(src, zap.NewNop()).Run(context.Background(), engineOpts(src, true))
	require.NoError(t, err)
	require.Empty(t, res.Rows)
	require.Zero(t, res.RowsIn)
	require.Zero(t, res.RowsOut)
	require.Zero(t, res.Chunks)
	require.Zero(t, src.calls, "no aggregation may run against an empty dataset")
}

func TestEngineV1BufferedMerge(t *testing.T) {
	src := &fakeSource{
		min: mustOID("000000000000000000000000"),
		max: mustOID("000000000000000000ffffff"),
		batches: [][]format.Row{
			{partial("paid", 1, 10, 1)},
			{partial("paid", 1, 20, 1)},
			{partial("pending", 1, 50, 1)},
			nil,
		},
	}

	res, err := NewEngine(src, zap.NewNop()).Run(context.Background(), engineOpts(src, false))
	require.NoError(t, err)
	require.EqualValues(t, 3, res.RowsIn)
	require.EqualValues(t, 2, res.RowsOut)
	require.Equal(t, float64(30), lookup(res.Rows[0], "sumAmount"))
}

func TestEngineCardinalityExceeded(t *testing.T) {
	src := &fakeSource{
		min: mustOID("000000000000000000000000"),
		max: mustOID("000000000000000000ffffff"),
		batches: [][]format.Row{
			{partial("paid", 1, 10, 1), partial("pending", 1, 50, 1)},
		},
	}

	opts := engineOpts(src, true)
	opts.MaxGroups = 1
	opts.Partition.Chunks = 1

	_, err := NewEngine(src, zap.NewNop()).Run(context.Background(), opts)
	require.ErrorIs(t, err, ErrCardinalityExceeded)
}

func TestEngineRejectsInvalidSpec(t *testing.T) {
	src := &fakeSource{empty: true}
	opts := engineOpts(src, true)
	opts.Spec.Metrics = nil

	_, err := NewEngine(src, zap.NewNop()).Run(context.Background(), opts)
	require.Error(t, err)
	require.Contains(t, err.Error(), "reduce validation")
}

func TestBuildPipelineShape(t *testing.T) {
	opts := engineOpts(&fakeSource{}, true)
	opts.Spec.Metrics = append(opts.Spec.Metrics, model.ReduceMetric{Op: model.OpAvg, Field: "amount", As: "avgAmount"})

	end := mustOID("000000000000000000ffffff")
	p := buildPipeline(opts, Range{Start: mustOID("000000000000000000000000"), End: &end})
	require.Len(t, p, 2)

	match := p[0][0]
	require.Equal(t, "$match", match.Key)
	matchDoc := match.Value.(bson.D)
	require.Equal(t, "tenantId", matchDoc[0].Key)
	require.Equal(t, "t1", matchDoc[0].Value)
	require.Equal(t, "_id", matchDoc[len(matchDoc)-1].Key)

	group := p[1][0]
	require.Equal(t, "$group", group.Key)
	groupDoc := group.Value.(bson.D)
	require.Equal(t, "_id", groupDoc[0].Key)
	require.Equal(t, inputCountField, groupDoc[len(groupDoc)-1].Key)

	var seenAvgSum, seenAvgCount bool
	for _, e := range groupDoc {
		if e.Key == avgSumPrefix+"avgAmount" {
			seenAvgSum = true
		}
		if e.Key == avgCountPrefix+"avgAmount" {
			seenAvgCount = true
		}
	}
	require.True(t, seenAvgSum)
	require.True(t, seenAvgCount)
}

func mustOID(hex string) primitive.ObjectID {
	id, err := primitive.ObjectIDFromHex(hex)
	if err != nil {
		panic(err)
	}
	return id
}
