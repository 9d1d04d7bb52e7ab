package store

import (
	"context"
	"fmt"
	"io"
	"sort"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/lorenzovborges/ReportSys/internal/format"
	"github.com/lorenzovborges/ReportSys/internal/normalize"
)

type boundsDoc struct {
	ID primitive.ObjectID `bson:"_id"`
}

// IdentifierBounds probes the smallest and largest _id matching the tenant
// filter on the read endpoint. ok is false when the filter matches nothing.
func (s *Store) IdentifierBounds(ctx context.Context, collection string, filter bson.D) (min, max primitive.ObjectID, ok bool, err error) {
	coll := s.readColl(collection)
	proj := options.FindOne().SetProjection(bson.D{{Key: "_id", Value: 1}})

	var lo boundsDoc
	err = coll.FindOne(ctx, filter, proj.SetSort(bson.D{{Key: "_id", Value: 1}})).Decode(&lo)
	if err == mongo.ErrNoDocuments {
		return primitive.NilObjectID, primitive.NilObjectID, false, nil
	}
	if err != nil {
		return primitive.NilObjectID, primitive.NilObjectID, false, fmt.Errorf("probe min identifier: %w", err)
	}

	var hi boundsDoc
	err = coll.FindOne(ctx, filter,
		options.FindOne().
			SetProjection(bson.D{{Key: "_id", Value: 1}}).
			SetSort(bson.D{{Key: "_id", Value: -1}})).Decode(&hi)
	if err != nil {
		return primitive.NilObjectID, primitive.NilObjectID, false, fmt.Errorf("probe max identifier: %w", err)
	}
	return lo.ID, hi.ID, true, nil
}

// OpenSortedCursor streams source documents for a tenant in ascending _id
// order, normalized for the format generators. maxID optionally bounds the
// scan so a snapshot stays stable across archive passes.
func (s *Store) OpenSortedCursor(ctx context.Context, collection, tenantID string, filters map[string]any, maxID *primitive.ObjectID) (format.RowSource, error) {
	filter := SourceFilter(tenantID, filters)
	if maxID != nil {
		filter = append(filter, bson.E{Key: "_id", Value: bson.D{{Key: "$lte", Value: *maxID}}})
	}

	cur, err := s.readColl(collection).Find(ctx, filter,
		options.Find().
			SetSort(bson.D{{Key: "_id", Value: 1}}).
			SetBatchSize(s.batchSize))
	if err != nil {
		return nil, fmt.Errorf("open source cursor: %w", err)
	}
	return &cursorSource{cur: cur, normalized: true}, nil
}

// AggregateRange runs a reduce pipeline on the read endpoint. Rows come back
// raw so the accumulator can project native values for min and max.
func (s *Store) AggregateRange(ctx context.Context, collection string, pipeline mongo.Pipeline, batchSize int32) (format.RowSource, error) {
	if batchSize <= 0 {
		batchSize = s.batchSize
	}
	cur, err := s.readColl(collection).Aggregate(ctx, pipeline,
		options.Aggregate().
			SetAllowDiskUse(true).
			SetBatchSize(batchSize))
	if err != nil {
		return nil, fmt.Errorf("aggregate source range: %w", err)
	}
	return &cursorSource{cur: cur}, nil
}

// SourceFilter builds the tenant-scoped match document. Filter keys are
// emitted in sorted order so identical requests produce identical queries.
func SourceFilter(tenantID string, filters map[string]any) bson.D {
	filter := bson.D{{Key: "tenantId", Value: tenantID}}
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		filter = append(filter, bson.E{Key: k, Value: filters[k]})
	}
	return filter
}

// cursorSource adapts a mongo cursor to format.RowSource.
type cursorSource struct {
	cur        *mongo.Cursor
	normalized bool
}

func (c *cursorSource) Next(ctx context.Context) (format.Row, error) {
	if !c.cur.Next(ctx) {
		if err := c.cur.Err(); err != nil {
			return nil, fmt.Errorf("advance source cursor: %w", err)
		}
		return nil, io.EOF
	}
	var doc bson.D
	if err := c.cur.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode source document: %w", err)
	}
	if c.normalized {
		return normalize.Doc(doc), nil
	}
	return doc, nil
}

func (c *cursorSource) Close(ctx context.Context) error {
	return c.cur.Close(ctx)
}
