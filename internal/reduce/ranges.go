package reduce

import (
	"bytes"
	"math/big"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Range is a contiguous identifier interval [Start, End). A nil End means
// open-ended, so the last range never misses an upper bound.
type Range struct {
	Start primitive.ObjectID
	End   *primitive.ObjectID
}

// mask96 keeps identifier arithmetic inside the 96-bit space.
var mask96 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 96), big.NewInt(1))

func idToBig(id primitive.ObjectID) *big.Int {
	return new(big.Int).SetBytes(id[:])
}

func bigToID(n *big.Int) primitive.ObjectID {
	v := new(big.Int).And(n, mask96)
	b := v.Bytes()
	var id primitive.ObjectID
	copy(id[len(id)-len(b):], b)
	return id
}

// BuildRanges splits [min, max] inclusive into k equal-sized contiguous
// ranges. The result covers the interval with no overlap and no gap:
// ranges[0].Start = min, ranges[i].End = ranges[i+1].Start, and the last
// range is open-ended. max < min yields nil; k <= 1 yields a single
// open-ended range at min. A span smaller than k collapses k to the span so
// no range is empty.
func BuildRanges(min, max primitive.ObjectID, k int) []Range {
	if bytes.Compare(max[:], min[:]) < 0 {
		return nil
	}
	if k <= 1 {
		return []Range{{Start: min}}
	}

	lo := idToBig(min)
	span := new(big.Int).Sub(idToBig(max), lo)
	span.Add(span, big.NewInt(1))

	kBig := big.NewInt(int64(k))
	if span.Cmp(kBig) < 0 {
		k = int(span.Int64())
		kBig.SetInt64(int64(k))
	}
	if k <= 1 {
		return []Range{{Start: min}}
	}

	step := new(big.Int).Div(span, kBig)
	ranges := make([]Range, k)
	cursor := new(big.Int).Set(lo)
	for i := 0; i < k; i++ {
		start := bigToID(cursor)
		if i == k-1 {
			ranges[i] = Range{Start: start}
			break
		}
		cursor.Add(cursor, step)
		end := bigToID(cursor)
		ranges[i] = Range{Start: start, End: &end}
	}
	return ranges
}
