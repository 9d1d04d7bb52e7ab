package reduce

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func oid(t *testing.T, hex string) primitive.ObjectID {
	t.Helper()
	id, err := primitive.ObjectIDFromHex(hex)
	require.NoError(t, err)
	return id
}

func TestBuildRangesCoverage(t *testing.T) {
	min := oid(t, "000000000000000000000000")
	max := oid(t, "0000000000000000000000ff")

	ranges := BuildRanges(min, max, 4)
	require.Len(t, ranges, 4)

	require.Equal(t, min, ranges[0].Start)
	require.Nil(t, ranges[len(ranges)-1].End)

	for i := 0; i < len(ranges)-1; i++ {
		require.NotNil(t, ranges[i].End)
		require.Equal(t, *ranges[i].End, ranges[i+1].Start, "range %d end must equal range %d start", i, i+1)
		require.True(t, bytes.Compare(ranges[i].Start[:], ranges[i].End[:]) < 0)
	}
}

func TestBuildRangesMaxBelowMin(t *testing.T) {
	min := oid(t, "0000000000000000000000ff")
	max := oid(t, "000000000000000000000001")
	require.Nil(t, BuildRanges(min, max, 4))
}

func TestBuildRangesSingleChunk(t *testing.T) {
	min := oid(t, "64b7f3a2c9e77a0001aa00a6")
	max := oid(t, "64b7f3a2c9e77a0001aa00ff")

	ranges := BuildRanges(min, max, 1)
	require.Len(t, ranges, 1)
	require.Equal(t, min, ranges[0].Start)
	require.Nil(t, ranges[0].End)
}

func TestBuildRangesEqualBounds(t *testing.T) {
	id := oid(t, "64b7f3a2c9e77a0001aa00a6")
	ranges := BuildRanges(id, id, 8)
	require.Len(t, ranges, 1)
	require.Equal(t, id, ranges[0].Start)
	require.Nil(t, ranges[0].End)
}

func TestBuildRangesSpanSmallerThanChunks(t *testing.T) {
	min := oid(t, "000000000000000000000000")
	max := oid(t, "000000000000000000000002")

	ranges := BuildRanges(min, max, 10)
	require.Len(t, ranges, 3)
	require.Equal(t, min, ranges[0].Start)
	require.Nil(t, ranges[2].End)
}

func TestBuildRangesFullWidthIdentifiers(t *testing.T) {
	min := oid(t, "ffffffffffffffffffff0000")
	max := oid(t, "ffffffffffffffffffffffff")

	ranges := BuildRanges(min, max, 4)
	require.Len(t, ranges, 4)
	require.Equal(t, min, ranges[0].Start)
	for i := 0; i < len(ranges)-1; i++ {
		require.Equal(t, *ranges[i].End, ranges[i+1].Start)
	}
}
