// Package reduce computes grouped aggregations over a filtered slice of a
// source collection by splitting the identifier space into ranges, running
// per-range group stages in bounded parallelism, and merging the partials
// deterministically.
package reduce

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lorenzovborges/ReportSys/internal/format"
	"github.com/lorenzovborges/ReportSys/internal/model"
)

// Source is the datastore surface the engine needs: identifier bounds under
// a filter, and a streaming aggregation over one range.
type Source interface {
	IdentifierBounds(ctx context.Context, collection string, filter bson.D) (min, max primitive.ObjectID, ok bool, err error)
	AggregateRange(ctx context.Context, collection string, pipeline mongo.Pipeline, batchSize int32) (format.RowSource, error)
}

// Sampler is an opportunistic resource probe invoked at row boundaries.
type Sampler interface {
	Sample()
}

// Options parameterizes one reduce run. Filters must already be sanitized.
type Options struct {
	TenantID             string
	Collection           string
	Filters              map[string]any
	Spec                 model.ReduceSpec
	Partition            *model.PartitionSpec
	BatchSize            int32
	DefaultChunks        int
	CapMax               int
	MaxConcurrency       int
	StreamingAccumulator bool
	MaxGroups            int
	Sampler              Sampler
}

// Result is the merged reduce output. Rows are normalized and ordered by the
// canonical-JSON group key; ChunkMetrics are ordered by range index.
type Result struct {
	Rows         []format.Row
	RowsIn       int64
	RowsOut      int64
	Chunks       int
	ChunkMetrics []model.ChunkMetric
}

// Engine runs partitioned grouped aggregations against a Source.
type Engine struct {
	src    Source
	logger *zap.Logger
}

// NewEngine creates a reduce engine.
func NewEngine(src Source, logger *zap.Logger) *Engine {
	return &Engine{src: src, logger: logger}
}

// Run validates the spec, partitions the identifier space, aggregates every
// range with bounded concurrency, and merges the partials.
func (e *Engine) Run(ctx context.Context, opts Options) (*Result, error) {
	if err := opts.Spec.Validate(); err != nil {
		return nil, fmt.Errorf("reduce validation: %w", err)
	}
	if p := opts.Partition; p != nil {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("reduce validation: %w", err)
		}
	}

	baseMatch := buildMatch(opts.TenantID, opts.Filters, nil)
	minID, maxID, ok, err := e.src.IdentifierBounds(ctx, opts.Collection, baseMatch)
	if err != nil {
		return nil, fmt.Errorf("probe identifier bounds: %w", err)
	}
	if !ok {
		return &Result{Rows: []format.Row{}}, nil
	}

	requested := opts.DefaultChunks
	if opts.Partition != nil && opts.Partition.Chunks > 0 {
		requested = opts.Partition.Chunks
	}
	k := requested
	if opts.CapMax > 0 && k > opts.CapMax {
		k = opts.CapMax
	}

	ranges := BuildRanges(minID, maxID, k)
	if len(ranges) == 0 {
		return &Result{Rows: []format.Row{}}, nil
	}

	workers := opts.MaxConcurrency
	if workers <= 0 || workers > len(ranges) {
		workers = len(ranges)
	}

	e.logger.Debug("starting partitioned reduce",
		zap.String("collection", opts.Collection),
		zap.Int("chunks", len(ranges)),
		zap.Int("workers", workers),
	)

	var (
		mu       sync.Mutex
		next     atomic.Int64
		acc      = NewAccumulator(opts.Spec, opts.MaxGroups)
		partials []format.Row
		metrics  = make([]model.ChunkMetric, len(ranges))
	)

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for {
				i := int(next.Add(1) - 1)
				if i >= len(ranges) {
					return nil
				}
				started := time.Now()
				rowsOut, err := e.runRange(gctx, opts, ranges[i], &mu, acc, &partials)
				if err != nil {
					return fmt.Errorf("chunk %d: %w", i, err)
				}
				mu.Lock()
				metrics[i] = model.ChunkMetric{
					Index:      i,
					DurationMs: time.Since(started).Milliseconds(),
					RowsOut:    rowsOut,
				}
				mu.Unlock()
			}
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var rows []format.Row
	var rowsIn int64
	if opts.StreamingAccumulator {
		rows = acc.Finalize()
		rowsIn = acc.RowsIn()
	} else {
		rows, rowsIn, err = MergePartials(opts.Spec, partials, opts.MaxGroups)
		if err != nil {
			return nil, err
		}
	}

	return &Result{
		Rows:         rows,
		RowsIn:       rowsIn,
		RowsOut:      int64(len(rows)),
		Chunks:       len(ranges),
		ChunkMetrics: metrics,
	}, nil
}

// runRange aggregates one identifier range and folds its partial groups.
func (e *Engine) runRange(ctx context.Context, opts Options, r Range, mu *sync.Mutex, acc *Accumulator, partials *[]format.Row) (int64, error) {
	pipeline := buildPipeline(opts, r)
	cur, err := e.src.AggregateRange(ctx, opts.Collection, pipeline, opts.BatchSize)
	if err != nil {
		return 0, err
	}
	defer cur.Close(ctx)

	var rowsOut int64
	for {
		partial, err := cur.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return rowsOut, nil
			}
			return rowsOut, err
		}
		rowsOut++

		mu.Lock()
		if opts.StreamingAccumulator {
			err = acc.Consume(partial)
		} else {
			*partials = append(*partials, partial)
		}
		mu.Unlock()
		if err != nil {
			return rowsOut, err
		}

		if opts.Sampler != nil {
			opts.Sampler.Sample()
		}
	}
}

// buildMatch composes the tenant scope, the sanitized filters, and an
// optional identifier range predicate into one deterministic match document.
func buildMatch(tenantID string, filters map[string]any, r *Range) bson.D {
	match := bson.D{{Key: "tenantId", Value: tenantID}}
	for _, k := range sortedKeys(filters) {
		match = append(match, bson.E{Key: k, Value: filters[k]})
	}
	if r != nil {
		pred := bson.D{{Key: "$gte", Value: r.Start}}
		if r.End != nil {
			pred = append(pred, bson.E{Key: "$lt", Value: *r.End})
		}
		match = append(match, bson.E{Key: "_id", Value: pred})
	}
	return match
}

// buildPipeline emits the two-stage match+group aggregation for one range.
func buildPipeline(opts Options, r Range) mongo.Pipeline {
	groupID := make(bson.D, 0, len(opts.Spec.GroupBy))
	for _, f := range opts.Spec.GroupBy {
		groupID = append(groupID, bson.E{Key: f, Value: "$" + f})
	}

	group := bson.D{{Key: "_id", Value: groupID}}
	for _, m := range opts.Spec.Metrics {
		switch m.Op {
		case model.OpCount:
			group = append(group, bson.E{Key: m.As, Value: bson.D{{Key: "$sum", Value: 1}}})
		case model.OpSum:
			group = append(group, bson.E{Key: m.As, Value: bson.D{{Key: "$sum", Value: "$" + m.Field}}})
		case model.OpMin:
			group = append(group, bson.E{Key: m.As, Value: bson.D{{Key: "$min", Value: "$" + m.Field}}})
		case model.OpMax:
			group = append(group, bson.E{Key: m.As, Value: bson.D{{Key: "$max", Value: "$" + m.Field}}})
		case model.OpAvg:
			group = append(group,
				bson.E{Key: avgSumPrefix + m.As, Value: bson.D{{Key: "$sum", Value: "$" + m.Field}}},
				bson.E{Key: avgCountPrefix + m.As, Value: bson.D{{Key: "$sum", Value: bson.D{{
					Key: "$cond", Value: bson.A{
						bson.D{{Key: "$ne", Value: bson.A{"$" + m.Field, nil}}},
						1,
						0,
					},
				}}}}},
			)
		}
	}
	group = append(group, bson.E{Key: inputCountField, Value: bson.D{{Key: "$sum", Value: 1}}})

	return mongo.Pipeline{
		{{Key: "$match", Value: buildMatch(opts.TenantID, opts.Filters, &r)}},
		{{Key: "$group", Value: group}},
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
