package reduce

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/lorenzovborges/ReportSys/internal/format"
	"github.com/lorenzovborges/ReportSys/internal/model"
)

func orderSpec() model.ReduceSpec {
	return model.ReduceSpec{
		GroupBy: []string{"status"},
		Metrics: []model.ReduceMetric{
			{Op: model.OpCount, As: "totalOrders"},
			{Op: model.OpSum, Field: "amount", As: "sumAmount"},
		},
	}
}

func partial(status string, count, sum, input int64) format.Row {
	return format.Row{
		{Key: "_id", Value: bson.D{{Key: "status", Value: status}}},
		{Key: "totalOrders", Value: count},
		{Key: "sumAmount", Value: sum},
		{Key: inputCountField, Value: input},
	}
}

func TestAccumulatorCountSumAcrossChunks(t *testing.T) {
	acc := NewAccumulator(orderSpec(), 0)
	require.NoError(t, acc.Consume(partial("paid", 1, 10, 1)))
	require.NoError(t, acc.Consume(partial("paid", 1, 20, 1)))
	require.NoError(t, acc.Consume(partial("pending", 1, 50, 1)))

	rows := acc.Finalize()
	require.Len(t, rows, 2)
	require.EqualValues(t, 3, acc.RowsIn())

	// canonical-JSON ascending: {"status":"paid"} < {"status":"pending"}
	require.Equal(t, "paid", lookup(rows[0], "status"))
	require.Equal(t, float64(2), lookup(rows[0], "totalOrders"))
	require.Equal(t, float64(30), lookup(rows[0], "sumAmount"))
	require.Equal(t, "pending", lookup(rows[1], "status"))
}

func TestAccumulatorDeterministicOrder(t *testing.T) {
	feed := func(order []string) []format.Row {
		acc := NewAccumulator(orderSpec(), 0)
		for _, s := range order {
			require.NoError(t, acc.Consume(partial(s, 1, 1, 1)))
		}
		return acc.Finalize()
	}

	a := feed([]string{"zeta", "alpha", "mid"})
	b := feed([]string{"mid", "zeta", "alpha"})
	require.Equal(t, a, b)
	require.Equal(t, "alpha", lookup(a[0], "status"))
	require.Equal(t, "zeta", lookup(a[2], "status"))
}

func TestAccumulatorCardinalityCap(t *testing.T) {
	acc := NewAccumulator(orderSpec(), 1)
	require.NoError(t, acc.Consume(partial("paid", 1, 10, 1)))
	err := acc.Consume(partial("pending", 1, 50, 1))
	require.ErrorIs(t, err, ErrCardinalityExceeded)

	// an existing group may still be folded after the cap is hit
	require.NoError(t, acc.Consume(partial("paid", 1, 5, 1)))
}

func TestAccumulatorMinMaxProjection(t *testing.T) {
	spec := model.ReduceSpec{
		GroupBy: []string{"region"},
		Metrics: []model.ReduceMetric{
			{Op: model.OpMin, Field: "createdAt", As: "firstSeen"},
			{Op: model.OpMax, Field: "amount", As: "maxAmount"},
		},
	}

	early := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	late := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	acc := NewAccumulator(spec, 0)
	require.NoError(t, acc.Consume(format.Row{
		{Key: "_id", Value: bson.D{{Key: "region", Value: "br"}}},
		{Key: "firstSeen", Value: late},
		{Key: "maxAmount", Value: int64(10)},
		{Key: inputCountField, Value: int64(1)},
	}))
	require.NoError(t, acc.Consume(format.Row{
		{Key: "_id", Value: bson.D{{Key: "region", Value: "br"}}},
		{Key: "firstSeen", Value: early},
		{Key: "maxAmount", Value: int64(40)},
		{Key: inputCountField, Value: int64(1)},
	}))
	// nulls and unprojectable values are skipped, not treated as minima
	require.NoError(t, acc.Consume(format.Row{
		{Key: "_id", Value: bson.D{{Key: "region", Value: "br"}}},
		{Key: "firstSeen", Value: nil},
		{Key: "maxAmount", Value: nil},
		{Key: inputCountField, Value: int64(1)},
	}))

	rows := acc.Finalize()
	require.Len(t, rows, 1)
	require.Equal(t, "2026-01-01T00:00:00.000Z", lookup(rows[0], "firstSeen"))
	require.Equal(t, int64(40), lookup(rows[0], "maxAmount"))
}

func TestAccumulatorAvgPairs(t *testing.T) {
	spec := model.ReduceSpec{
		GroupBy: []string{"status"},
		Metrics: []model.ReduceMetric{
			{Op: model.OpAvg, Field: "amount", As: "avgAmount"},
		},
	}

	acc := NewAccumulator(spec, 0)
	require.NoError(t, acc.Consume(format.Row{
		{Key: "_id", Value: bson.D{{Key: "status", Value: "paid"}}},
		{Key: avgSumPrefix + "avgAmount", Value: int64(30)},
		{Key: avgCountPrefix + "avgAmount", Value: int64(2)},
		{Key: inputCountField, Value: int64(2)},
	}))
	require.NoError(t, acc.Consume(format.Row{
		{Key: "_id", Value: bson.D{{Key: "status", Value: "paid"}}},
		{Key: avgSumPrefix + "avgAmount", Value: int64(30)},
		{Key: avgCountPrefix + "avgAmount", Value: int64(1)},
		{Key: inputCountField, Value: int64(1)},
	}))

	rows := acc.Finalize()
	require.Len(t, rows, 1)
	require.Equal(t, float64(20), lookup(rows[0], "avgAmount"))
}

func TestAccumulatorAvgZeroCountIsNull(t *testing.T) {
	spec := model.ReduceSpec{
		GroupBy: []string{"status"},
		Metrics: []model.ReduceMetric{
			{Op: model.OpAvg, Field: "amount", As: "avgAmount"},
		},
	}

	acc := NewAccumulator(spec, 0)
	require.NoError(t, acc.Consume(format.Row{
		{Key: "_id", Value: bson.D{{Key: "status", Value: "paid"}}},
		{Key: avgSumPrefix + "avgAmount", Value: int64(0)},
		{Key: avgCountPrefix + "avgAmount", Value: int64(0)},
		{Key: inputCountField, Value: int64(3)},
	}))

	rows := acc.Finalize()
	require.Len(t, rows, 1)
	require.Nil(t, lookup(rows[0], "avgAmount"))
	require.EqualValues(t, 3, acc.RowsIn())
}

func TestMergePartialsMatchesStreaming(t *testing.T) {
	partials := []format.Row{
		partial("paid", 1, 10, 1),
		partial("pending", 1, 50, 1),
		partial("paid", 1, 20, 1),
	}

	v1Rows, v1In, err := MergePartials(orderSpec(), partials, 0)
	require.NoError(t, err)

	acc := NewAccumulator(orderSpec(), 0)
	for _, p := range partials {
		require.NoError(t, acc.Consume(p))
	}
	v2Rows := acc.Finalize()

	require.Equal(t, v2Rows, v1Rows)
	require.Equal(t, acc.RowsIn(), v1In)
}

func TestMergePartialsEnforcesCap(t *testing.T) {
	partials := []format.Row{
		partial("paid", 1, 10, 1),
		partial("pending", 1, 50, 1),
	}
	_, _, err := MergePartials(orderSpec(), partials, 1)
	require.ErrorIs(t, err, ErrCardinalityExceeded)
}
