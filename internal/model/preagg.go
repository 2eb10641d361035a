package model

import "time"

type MeasureType string

const (
	MeasureSum                 MeasureType = "sum"
	MeasureCount               MeasureType = "count"
	MeasureMin                 MeasureType = "min"
	MeasureMax                 MeasureType = "max"
	MeasureCountDistinctApprox MeasureType = "countDistinctApprox"
	MeasureAvg                 MeasureType = "avg"
	MeasureMedian              MeasureType = "median"
	MeasurePercentile          MeasureType = "percentile"
	MeasureNumber              MeasureType = "number"
)

// Additive reports whether partial aggregates of this type can be recombined.
func (t MeasureType) Additive() bool {
	switch t {
	case MeasureSum, MeasureCount, MeasureMin, MeasureMax, MeasureCountDistinctApprox:
		return true
	default:
		return false
	}
}

type MeasureMeta struct {
	Name       string      `mapstructure:"name" json:"name"`
	Type       MeasureType `mapstructure:"type" json:"type"`
	Components []string    `mapstructure:"components" json:"components,omitempty"`
}

// Definition describes one pre-computed aggregate on the analytics service.
type Definition struct {
	Name                 string      `mapstructure:"name" json:"name"`
	Measures             []string    `mapstructure:"measures" json:"measures"`
	Dimensions           []string    `mapstructure:"dimensions" json:"dimensions"`
	TimeDimension        string      `mapstructure:"time_dimension" json:"timeDimension,omitempty"`
	Granularity          Granularity `mapstructure:"granularity" json:"granularity,omitempty"`
	PartitionGranularity Granularity `mapstructure:"partition_granularity" json:"partitionGranularity,omitempty"`
	RefreshEvery         string      `mapstructure:"refresh_every" json:"refreshEvery,omitempty"`
	CoverageDays         int         `mapstructure:"coverage_days" json:"coverageDays,omitempty"`
}

// PartialDefinition is the minimal shape that would serve one query.
type PartialDefinition struct {
	Measures      []string    `json:"measures"`
	Dimensions    []string    `json:"dimensions"`
	TimeDimension string      `json:"timeDimension,omitempty"`
	Granularity   Granularity `json:"granularity,omitempty"`
}

type AdvisorReport struct {
	IsAdditive          bool              `json:"isAdditive"`
	HasTimeDimension    bool              `json:"hasTimeDimension"`
	SuggestedDefinition PartialDefinition `json:"suggestedDefinition"`
	Match               string            `json:"match,omitempty"`
	Warnings            []string          `json:"warnings"`
	AnalyzedAt          time.Time         `json:"analyzedAt"`
}

type CoverageRow struct {
	ShapeHash     string    `json:"shapeHash"`
	Suggested     string    `json:"suggested"`
	Matched       string    `json:"matched,omitempty"`
	Occurrences   int64     `json:"occurrences"`
	NonAdditive   int64     `json:"nonAdditive"`
	LastAnalyzeAt time.Time `json:"lastAnalyzedAt"`
}
