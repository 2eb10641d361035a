package db

import (
	"fmt"

	"gorm.io/gorm"
)

var migrationStatements = []string{
	`CREATE TABLE IF NOT EXISTS preagg_advisories (
		id UUID PRIMARY KEY,
		shape_hash TEXT NOT NULL,
		suggested TEXT NOT NULL,
		matched TEXT NOT NULL DEFAULT '',
		is_additive BOOLEAN NOT NULL,
		has_time_dimension BOOLEAN NOT NULL,
		warnings JSONB NOT NULL DEFAULT '[]'::jsonb,
		query JSONB NOT NULL,
		catalog_version TEXT NOT NULL,
		analyzed_at TIMESTAMPTZ NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_preagg_advisories_analyzed_at ON preagg_advisories (analyzed_at);`,
	`CREATE INDEX IF NOT EXISTS idx_preagg_advisories_shape ON preagg_advisories (shape_hash, analyzed_at);`,
	`DO $$
	BEGIN
		IF NOT EXISTS (SELECT 1 FROM pg_matviews WHERE matviewname = 'mv_preagg_coverage_daily') THEN
			CREATE MATERIALIZED VIEW mv_preagg_coverage_daily AS
			SELECT
				DATE_TRUNC('day', a.analyzed_at) AS bucket,
				a.shape_hash,
				MIN(a.suggested) AS suggested,
				MAX(a.matched) AS matched,
				COUNT(*) AS occurrences,
				SUM(CASE WHEN a.is_additive THEN 0 ELSE 1 END) AS non_additive,
				MAX(a.analyzed_at) AS last_analyze_at
			FROM preagg_advisories a
			GROUP BY 1, a.shape_hash;
		END IF;
	END
	$$;`,
	`DO $$
	BEGIN
		IF EXISTS (SELECT 1 FROM pg_matviews WHERE matviewname = 'mv_preagg_coverage_daily') THEN
			CREATE UNIQUE INDEX IF NOT EXISTS idx_mv_preagg_coverage_daily_key ON mv_preagg_coverage_daily (bucket, shape_hash);
		END IF;
	END
	$$;`,
}

func runMigrations(db *gorm.DB) error {
	for i, stmt := range migrationStatements {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}
