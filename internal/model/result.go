package model

import "time"

type ColumnKind string

const (
	ColumnMeasure       ColumnKind = "measure"
	ColumnDimension     ColumnKind = "dimension"
	ColumnTimeDimension ColumnKind = "timeDimension"
)

type Column struct {
	Name  string     `json:"name"`
	Title string     `json:"title,omitempty"`
	Type  string     `json:"type,omitempty"`
	Kind  ColumnKind `json:"kind"`
}

// ResultSet is the tabular payload returned by the analytics service.
type ResultSet struct {
	Columns             []Column         `json:"columns"`
	Rows                []map[string]any `json:"rows"`
	LastRefreshTime     *time.Time       `json:"lastRefreshTime,omitempty"`
	UsedPreAggregations []string         `json:"usedPreAggregations,omitempty"`
	FromStore           bool             `json:"fromStore,omitempty"`
}

// Progress is an opaque transport hint shown while a request is pending.
type Progress struct {
	Stage       string `json:"stage"`
	TimeElapsed int64  `json:"timeElapsed,omitempty"`
}

type Status string

const (
	StatusIdle    Status = "idle"
	StatusLoading Status = "loading"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Snapshot is what a view observes from its cache slot.
type Snapshot struct {
	ViewKey           string     `json:"viewKey"`
	Fingerprint       string     `json:"fingerprint"`
	Status            Status     `json:"status"`
	Result            *ResultSet `json:"result"`
	ResultFingerprint string     `json:"resultFingerprint,omitempty"`
	HasLoaded         bool       `json:"hasLoaded"`
	IsLoading         bool       `json:"isLoading"`
	Error             error      `json:"-"`
	Progress          *Progress  `json:"progress,omitempty"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

// IsStale reports whether the visible result belongs to an older fingerprint.
func (s Snapshot) IsStale() bool {
	return s.Result != nil && s.ResultFingerprint != s.Fingerprint
}
