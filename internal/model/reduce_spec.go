package model

import (
	"fmt"
	"regexp"
)

// MetricOp is a grouped-aggregation operator.
type MetricOp string

const (
	OpCount MetricOp = "count"
	OpSum   MetricOp = "sum"
	OpMin   MetricOp = "min"
	OpMax   MetricOp = "max"
	OpAvg   MetricOp = "avg"
)

// identifierPattern constrains group-by fields, metric fields, metric aliases
// and source collection names.
var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// ValidIdentifier reports whether s is a safe field/alias/collection name.
func ValidIdentifier(s string) bool {
	return identifierPattern.MatchString(s)
}

// ReduceMetric describes one output aggregate. Field is ignored for count and
// required for every other op.
type ReduceMetric struct {
	Op    MetricOp `bson:"op" json:"op"`
	Field string   `bson:"field,omitempty" json:"field,omitempty"`
	As    string   `bson:"as" json:"as"`
}

// ReduceSpec describes a grouped aggregation over the source collection.
type ReduceSpec struct {
	GroupBy []string       `bson:"groupBy" json:"groupBy"`
	Metrics []ReduceMetric `bson:"metrics" json:"metrics"`
}

// Validate checks the spec against the identifier charset, alias uniqueness
// and per-op field requirements.
func (s *ReduceSpec) Validate() error {
	if s == nil {
		return fmt.Errorf("reduce spec is required")
	}
	if len(s.Metrics) == 0 {
		return fmt.Errorf("reduce spec requires at least one metric")
	}
	for _, f := range s.GroupBy {
		if !ValidIdentifier(f) {
			return fmt.Errorf("invalid groupBy field %q", f)
		}
	}
	seen := make(map[string]struct{}, len(s.Metrics))
	for _, m := range s.Metrics {
		switch m.Op {
		case OpCount, OpSum, OpMin, OpMax, OpAvg:
		default:
			return fmt.Errorf("unsupported metric op %q", m.Op)
		}
		if !ValidIdentifier(m.As) {
			return fmt.Errorf("invalid metric alias %q", m.As)
		}
		if _, dup := seen[m.As]; dup {
			return fmt.Errorf("duplicate metric alias %q", m.As)
		}
		seen[m.As] = struct{}{}
		if m.Op != OpCount {
			if m.Field == "" {
				return fmt.Errorf("metric %q (%s) requires a field", m.As, m.Op)
			}
			if !ValidIdentifier(m.Field) {
				return fmt.Errorf("invalid metric field %q", m.Field)
			}
		}
	}
	return nil
}

// PartitionStrategyIdentifierRange is the only supported partition strategy.
const PartitionStrategyIdentifierRange = "identifierRange"

// PartitionSpec hints how the reduce engine splits the identifier space.
type PartitionSpec struct {
	Strategy string `bson:"strategy" json:"strategy"`
	Chunks   int    `bson:"chunks,omitempty" json:"chunks,omitempty"`
}

// Validate checks the strategy name and chunk count.
func (p *PartitionSpec) Validate() error {
	if p == nil {
		return nil
	}
	if p.Strategy != "" && p.Strategy != PartitionStrategyIdentifierRange {
		return fmt.Errorf("unsupported partition strategy %q", p.Strategy)
	}
	if p.Chunks < 0 {
		return fmt.Errorf("partition chunks must not be negative, got %d", p.Chunks)
	}
	return nil
}
