package preagg

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"pricing-analytics/internal/model"
)

// Advisor diagnoses how well a query can be served from the catalog. It is
// advisory only: it never changes the query and never fails.
type Advisor struct {
	catalog *Catalog
	log     zerolog.Logger
	now     func() time.Time
}

func NewAdvisor(catalog *Catalog, log zerolog.Logger) *Advisor {
	return &Advisor{
		catalog: catalog,
		log:     log.With().Str("component", "preagg_advisor").Logger(),
		now:     time.Now,
	}
}

func (a *Advisor) Catalog() *Catalog {
	return a.catalog
}

func (a *Advisor) Analyze(q model.Query) (report model.AdvisorReport) {
	now := a.now()
	report = model.AdvisorReport{
		IsAdditive: true,
		Warnings:   []string{},
		AnalyzedAt: now,
	}

	defer func() {
		if r := recover(); r != nil {
			report.Warnings = append(report.Warnings, fmt.Sprintf("advisor failed: %v", r))
			a.log.Error().Interface("panic", r).Strs("measures", q.Measures).Msg("pre-aggregation analysis aborted")
		}
	}()

	if len(q.Measures) == 0 {
		report.IsAdditive = false
		report.Warnings = append(report.Warnings, "query has no measures")
	}

	suggested := model.PartialDefinition{
		Measures:   []string{},
		Dimensions: append([]string{}, q.Dimensions...),
	}

	for _, m := range q.Measures {
		kind, known := a.catalog.classify(m)
		meta, _ := a.catalog.Measure(m)
		switch {
		case !known:
			report.IsAdditive = false
			report.Warnings = append(report.Warnings,
				fmt.Sprintf("measure %q has no declared type; treating it as non-additive", m))
			suggested.Measures = appendUnique(suggested.Measures, m)
		case kind.Additive():
			suggested.Measures = appendUnique(suggested.Measures, m)
		default:
			report.IsAdditive = false
			if len(meta.Components) > 0 {
				report.Warnings = append(report.Warnings, fmt.Sprintf(
					"measure %q is non-additive (%s); roll-ups must carry %s alongside it",
					m, kind, strings.Join(meta.Components, " and ")))
				for _, comp := range meta.Components {
					suggested.Measures = appendUnique(suggested.Measures, comp)
				}
			} else {
				report.Warnings = append(report.Warnings, fmt.Sprintf(
					"measure %q is non-additive (%s) and declares no additive components; only an exact-shape pre-aggregation can serve it",
					m, kind))
			}
			suggested.Measures = appendUnique(suggested.Measures, m)
		}
	}

	td, hasTime := q.TimeDimension()
	report.HasTimeDimension = hasTime
	if hasTime {
		suggested.TimeDimension = td.Dimension
		suggested.Granularity = td.Granularity.Bucket()
	} else {
		report.Warnings = append(report.Warnings,
			"query has no time dimension; a matching pre-aggregation cannot be partitioned or refreshed incrementally")
	}
	report.SuggestedDefinition = suggested

	if def, ok := a.catalog.Match(q, now); ok {
		report.Match = def.Name
		if hasTime && td.DateRange.Absolute != nil && def.RefreshEvery != "" {
			report.Warnings = append(report.Warnings, fmt.Sprintf(
				"absolute date range %s..%s pins the query; a relative preset keeps the %s refresh of %q meaningful",
				td.DateRange.Absolute[0], td.DateRange.Absolute[1], def.RefreshEvery, def.Name))
		}
	} else if len(q.Measures) > 0 {
		report.Warnings = append(report.Warnings, fmt.Sprintf(
			"no pre-aggregation in catalog %s serves this query; it will scan the raw fact table", a.catalog.Version))
	}

	event := a.log.Debug()
	if len(report.Warnings) > 0 {
		event = a.log.Info()
	}
	event.
		Strs("measures", q.Measures).
		Strs("dimensions", q.Dimensions).
		Bool("additive", report.IsAdditive).
		Bool("time_dimension", report.HasTimeDimension).
		Str("match", report.Match).
		Strs("warnings", report.Warnings).
		Msg("pre-aggregation analysis")

	return report
}

// ShapeKey is a canonical, order-insensitive rendering of a suggested shape.
func ShapeKey(p model.PartialDefinition) string {
	measures := append([]string{}, p.Measures...)
	dimensions := append([]string{}, p.Dimensions...)
	sort.Strings(measures)
	sort.Strings(dimensions)
	key := "measures=" + strings.Join(measures, ",") + ";dimensions=" + strings.Join(dimensions, ",")
	if p.TimeDimension != "" {
		key += ";time=" + p.TimeDimension + "/" + string(p.Granularity)
	}
	return key
}

func appendUnique(list []string, value string) []string {
	for _, existing := range list {
		if existing == value {
			return list
		}
	}
	return append(list, value)
}
