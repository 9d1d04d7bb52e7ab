package model

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Schedule periodically instantiates a report job shaped like an intake
// submission. Enabled implies NextRunAt is set; the ticker advances NextRunAt
// atomically so each due schedule fires at most once per tick window.
type Schedule struct {
	ID               primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	TenantID         string             `bson:"tenantId" json:"tenantId"`
	Name             string             `bson:"name" json:"name"`
	CronExpr         string             `bson:"cronExpr" json:"cronExpr"`
	Timezone         string             `bson:"timezone,omitempty" json:"timezone,omitempty"`
	Enabled          bool               `bson:"enabled" json:"enabled"`
	ReportID         string             `bson:"reportId" json:"reportId"`
	Format           Format             `bson:"format" json:"format"`
	Filters          map[string]any     `bson:"filters,omitempty" json:"filters,omitempty"`
	ReduceSpec       *ReduceSpec        `bson:"reduceSpec,omitempty" json:"reduceSpec,omitempty"`
	PartitionSpec    *PartitionSpec     `bson:"partitionSpec,omitempty" json:"partitionSpec,omitempty"`
	IncludeFormats   []Format           `bson:"includeFormats,omitempty" json:"includeFormats,omitempty"`
	Compression      string             `bson:"compression,omitempty" json:"compression,omitempty"`
	SourceCollection string             `bson:"sourceCollection,omitempty" json:"sourceCollection,omitempty"`
	NextRunAt        *time.Time         `bson:"nextRunAt,omitempty" json:"nextRunAt,omitempty"`
	LastRunAt        *time.Time         `bson:"lastRunAt,omitempty" json:"lastRunAt,omitempty"`
	CreatedAt        time.Time          `bson:"createdAt" json:"createdAt"`
	UpdatedAt        time.Time          `bson:"updatedAt" json:"updatedAt"`
}

// Job materializes the report job this schedule describes, in state queued.
func (s *Schedule) Job(now time.Time, retention time.Duration) *ReportJob {
	return &ReportJob{
		TenantID:         s.TenantID,
		Status:           StatusQueued,
		ReportID:         s.ReportID,
		Format:           s.Format,
		Filters:          s.Filters,
		ReduceSpec:       s.ReduceSpec,
		PartitionSpec:    s.PartitionSpec,
		IncludeFormats:   s.IncludeFormats,
		Compression:      s.Compression,
		SourceCollection: s.SourceCollection,
		CreatedAt:        now,
		ExpireAt:         now.Add(retention),
	}
}
