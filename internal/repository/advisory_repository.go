package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"pricing-analytics/internal/model"
)

const coverageView = "mv_preagg_coverage_daily"

// Advisory is one persisted advisor report.
type Advisory struct {
	ID               uuid.UUID
	ShapeHash        string
	Suggested        string
	Matched          string
	IsAdditive       bool
	HasTimeDimension bool
	Warnings         []string
	Query            model.Query
	CatalogVersion   string
	AnalyzedAt       time.Time
}

type AdvisoryRepository struct {
	db *gorm.DB
}

func NewAdvisoryRepository(db *gorm.DB) *AdvisoryRepository {
	return &AdvisoryRepository{db: db}
}

func (r *AdvisoryRepository) Save(ctx context.Context, a Advisory) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	warnings := a.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	warningsJSON, err := json.Marshal(warnings)
	if err != nil {
		return fmt.Errorf("encode warnings: %w", err)
	}
	queryJSON, err := json.Marshal(a.Query)
	if err != nil {
		return fmt.Errorf("encode query: %w", err)
	}

	err = r.db.WithContext(ctx).Exec(`INSERT INTO preagg_advisories
		(id, shape_hash, suggested, matched, is_additive, has_time_dimension, warnings, query, catalog_version, analyzed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ShapeHash, a.Suggested, a.Matched, a.IsAdditive, a.HasTimeDimension,
		string(warningsJSON), string(queryJSON), a.CatalogVersion, a.AnalyzedAt,
	).Error
	if err != nil {
		return fmt.Errorf("insert advisory: %w", err)
	}
	return nil
}

// Coverage lists the most frequently advised shapes since the given time.
// The daily materialized view is preferred when it exists.
func (r *AdvisoryRepository) Coverage(ctx context.Context, since time.Time, limit int) ([]model.CoverageRow, error) {
	if !r.relationExists(ctx, "preagg_advisories") {
		return []model.CoverageRow{}, nil
	}
	if limit <= 0 {
		limit = 50
	}

	var rows []model.CoverageRow
	var query *gorm.DB
	if r.relationExists(ctx, coverageView) {
		query = r.db.WithContext(ctx).Raw(`SELECT
				mv.shape_hash AS shape_hash,
				MIN(mv.suggested) AS suggested,
				MAX(mv.matched) AS matched,
				SUM(mv.occurrences) AS occurrences,
				SUM(mv.non_additive) AS non_additive,
				MAX(mv.last_analyze_at) AS last_analyze_at
			FROM mv_preagg_coverage_daily mv
			WHERE mv.bucket >= DATE_TRUNC('day', ?::timestamptz)
			GROUP BY mv.shape_hash
			ORDER BY occurrences DESC, mv.shape_hash
			LIMIT ?`, since, limit)
	} else {
		query = r.db.WithContext(ctx).Raw(`SELECT
				a.shape_hash AS shape_hash,
				MIN(a.suggested) AS suggested,
				MAX(a.matched) AS matched,
				COUNT(*) AS occurrences,
				SUM(CASE WHEN a.is_additive THEN 0 ELSE 1 END) AS non_additive,
				MAX(a.analyzed_at) AS last_analyze_at
			FROM preagg_advisories a
			WHERE a.analyzed_at >= ?
			GROUP BY a.shape_hash
			ORDER BY occurrences DESC, a.shape_hash
			LIMIT ?`, since, limit)
	}

	if err := query.Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("query coverage: %w", err)
	}
	if rows == nil {
		rows = []model.CoverageRow{}
	}
	return rows, nil
}

// RefreshCoverage rebuilds the daily coverage view. It is a no-op when the
// view does not exist.
func (r *AdvisoryRepository) RefreshCoverage(ctx context.Context) error {
	if !r.relationExists(ctx, coverageView) {
		return nil
	}
	if err := r.db.WithContext(ctx).Exec(`REFRESH MATERIALIZED VIEW CONCURRENTLY ` + coverageView).Error; err != nil {
		return fmt.Errorf("refresh %s: %w", coverageView, err)
	}
	return nil
}

func (r *AdvisoryRepository) relationExists(ctx context.Context, name string) bool {
	var exists bool
	err := r.db.WithContext(ctx).
		Raw(`SELECT EXISTS (
			SELECT 1
			FROM pg_catalog.pg_class c
			JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace
			WHERE c.relname = ? AND c.relkind IN ('r','m','v') AND n.nspname = 'public'
		)`, name).
		Scan(&exists).Error
	if err != nil {
		return false
	}
	return exists
}
