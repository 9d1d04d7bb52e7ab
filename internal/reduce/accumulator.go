package reduce

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/lorenzovborges/ReportSys/internal/format"
	"github.com/lorenzovborges/ReportSys/internal/model"
	"github.com/lorenzovborges/ReportSys/internal/normalize"
)

// ErrCardinalityExceeded aborts a reduce when the number of distinct groups
// passes the configured cap.
var ErrCardinalityExceeded = errors.New("reduce cardinality exceeded")

// Bookkeeping fields carried on every partial group row. The avg pair fields
// let partial averages merge without losing precision across chunks.
const (
	inputCountField = "__input_count"
	avgSumPrefix    = "__avg_sum__"
	avgCountPrefix  = "__avg_count__"
)

// groupState folds the partial rows of one group key.
type groupState struct {
	group     format.Row
	scalars   map[string]any
	best      map[string]ordering
	avgSums   map[string]float64
	avgCounts map[string]int64
	input     int64
}

// Accumulator merges per-range partial group rows online. Group keys are the
// canonical JSON of the groupBy values in groupBy order, which also fixes the
// output ordering. Callers on a preemptive runtime must serialize Consume.
type Accumulator struct {
	spec      model.ReduceSpec
	maxGroups int
	groups    map[string]*groupState
}

// NewAccumulator builds an accumulator; maxGroups <= 0 disables the cap.
func NewAccumulator(spec model.ReduceSpec, maxGroups int) *Accumulator {
	return &Accumulator{
		spec:      spec,
		maxGroups: maxGroups,
		groups:    make(map[string]*groupState),
	}
}

// Consume folds one partial group row into the accumulator.
func (a *Accumulator) Consume(partial format.Row) error {
	group, key, err := a.groupKey(partial)
	if err != nil {
		return err
	}

	st, ok := a.groups[key]
	if !ok {
		if a.maxGroups > 0 && len(a.groups) >= a.maxGroups {
			return fmt.Errorf("%w: more than %d distinct groups", ErrCardinalityExceeded, a.maxGroups)
		}
		st = &groupState{
			group:     group,
			scalars:   make(map[string]any),
			best:      make(map[string]ordering),
			avgSums:   make(map[string]float64),
			avgCounts: make(map[string]int64),
		}
		a.groups[key] = st
	}

	for _, m := range a.spec.Metrics {
		switch m.Op {
		case model.OpCount, model.OpSum:
			if v, ok := toFloat(lookup(partial, m.As)); ok {
				cur, _ := toFloat(st.scalars[m.As])
				st.scalars[m.As] = cur + v
			}
		case model.OpMin, model.OpMax:
			v := lookup(partial, m.As)
			proj, ok := project(v)
			if !ok {
				break
			}
			prev, seen := st.best[m.As]
			if !seen || better(m.Op, proj, prev) {
				st.best[m.As] = proj
				st.scalars[m.As] = v
			}
		case model.OpAvg:
			if v, ok := toFloat(lookup(partial, avgSumPrefix+m.As)); ok {
				st.avgSums[m.As] += v
			}
			if v, ok := toFloat(lookup(partial, avgCountPrefix+m.As)); ok {
				st.avgCounts[m.As] += int64(v)
			}
		}
	}

	if v, ok := toFloat(lookup(partial, inputCountField)); ok {
		st.input += int64(v)
	}
	return nil
}

// Finalize emits one flattened row per group, in ascending canonical-JSON
// order of the group key.
func (a *Accumulator) Finalize() []format.Row {
	keys := make([]string, 0, len(a.groups))
	for k := range a.groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	rows := make([]format.Row, 0, len(keys))
	for _, k := range keys {
		st := a.groups[k]
		row := make(format.Row, 0, len(st.group)+len(a.spec.Metrics))
		row = append(row, st.group...)
		for _, m := range a.spec.Metrics {
			var v any
			switch m.Op {
			case model.OpAvg:
				if n := st.avgCounts[m.As]; n > 0 {
					v = st.avgSums[m.As] / float64(n)
				}
			default:
				if s, ok := st.scalars[m.As]; ok {
					v = normalize.Value(s)
				}
			}
			row = append(row, bson.E{Key: m.As, Value: v})
		}
		rows = append(rows, row)
	}
	return rows
}

// RowsIn is the total source row count folded so far.
func (a *Accumulator) RowsIn() int64 {
	var n int64
	for _, st := range a.groups {
		n += st.input
	}
	return n
}

// Len is the current number of distinct groups.
func (a *Accumulator) Len() int { return len(a.groups) }

// groupKey extracts the groupBy values from the partial's _id document and
// encodes them as canonical JSON in groupBy order.
func (a *Accumulator) groupKey(partial format.Row) (format.Row, string, error) {
	idVal := lookup(partial, "_id")
	group := make(format.Row, 0, len(a.spec.GroupBy))
	for _, f := range a.spec.GroupBy {
		group = append(group, bson.E{Key: f, Value: normalize.Value(docValue(idVal, f))})
	}
	if len(group) == 0 {
		return group, "{}", nil
	}
	b, err := bson.MarshalExtJSON(group, false, false)
	if err != nil {
		return nil, "", fmt.Errorf("encode group key: %w", err)
	}
	return group, string(b), nil
}

// MergePartials is the serial (v1) merge path: fold every buffered partial
// into a fresh accumulator and finalize. The cardinality cap applies here as
// well.
func MergePartials(spec model.ReduceSpec, partials []format.Row, maxGroups int) ([]format.Row, int64, error) {
	acc := NewAccumulator(spec, maxGroups)
	for _, p := range partials {
		if err := acc.Consume(p); err != nil {
			return nil, 0, err
		}
	}
	return acc.Finalize(), acc.RowsIn(), nil
}

// ordering is the comparable projection used by min/max: timestamps become
// epoch milliseconds, numbers and strings compare natively, everything else
// is skipped. Numbers order before strings so mixed-type comparisons stay
// deterministic.
type ordering struct {
	isNum bool
	num   float64
	str   string
}

func project(v any) (ordering, bool) {
	switch t := v.(type) {
	case nil:
		return ordering{}, false
	case time.Time:
		return ordering{isNum: true, num: float64(t.UnixMilli())}, true
	case primitive.DateTime:
		return ordering{isNum: true, num: float64(t)}, true
	case string:
		return ordering{str: t}, true
	default:
		if n, ok := toFloat(v); ok {
			return ordering{isNum: true, num: n}, true
		}
		return ordering{}, false
	}
}

func better(op model.MetricOp, cand, cur ordering) bool {
	lt := orderingLess(cand, cur)
	if op == model.OpMin {
		return lt
	}
	return orderingLess(cur, cand)
}

func orderingLess(a, b ordering) bool {
	if a.isNum != b.isNum {
		return a.isNum
	}
	if a.isNum {
		return a.num < b.num
	}
	return a.str < b.str
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	default:
		return 0, false
	}
}

func lookup(row format.Row, key string) any {
	for _, e := range row {
		if e.Key == key {
			return e.Value
		}
	}
	return nil
}

// docValue reads a field from a sub-document that may arrive as bson.D,
// bson.M or a plain map depending on decode registry.
func docValue(doc any, key string) any {
	switch t := doc.(type) {
	case bson.D:
		return lookup(t, key)
	case bson.M:
		return t[key]
	case map[string]any:
		return t[key]
	default:
		return nil
	}
}
