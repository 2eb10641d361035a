package preagg

import "pricing-analytics/internal/model"

const DefaultCatalogVersion = "2025.10.1"

var priceMeasures = []string{
	"averageRetailPrice",
	"retailPriceSum",
	"retailPriceCount",
	"minRetailPrice",
	"maxRetailPrice",
	"productCount",
}

// DefaultCatalog mirrors the rollups declared on the analytics service for
// the retail price cube. Several shapes overlap; Overlaps reports them.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(DefaultCatalogVersion,
		[]model.MeasureMeta{
			{Name: "averageRetailPrice", Type: model.MeasureAvg, Components: []string{"retailPriceSum", "retailPriceCount"}},
			{Name: "averagePromoPrice", Type: model.MeasureAvg, Components: []string{"promoPriceSum", "promoPriceCount"}},
			{Name: "medianRetailPrice", Type: model.MeasureMedian},
			{Name: "promoShare", Type: model.MeasureNumber, Components: []string{"promoPriceCount", "retailPriceCount"}},
			{Name: "retailPriceSum", Type: model.MeasureSum},
			{Name: "retailPriceCount", Type: model.MeasureCount},
			{Name: "promoPriceSum", Type: model.MeasureSum},
			{Name: "promoPriceCount", Type: model.MeasureCount},
			{Name: "minRetailPrice", Type: model.MeasureMin},
			{Name: "maxRetailPrice", Type: model.MeasureMax},
			{Name: "productCount", Type: model.MeasureCountDistinctApprox},
		},
		[]model.Definition{
			{
				Name:                 "prices_overall_daily",
				Measures:             priceMeasures,
				Dimensions:           []string{},
				TimeDimension:        "date",
				Granularity:          model.GranularityDay,
				PartitionGranularity: model.GranularityMonth,
				RefreshEvery:         "1 hour",
				CoverageDays:         365,
			},
			{
				Name:                 "prices_by_retailer_daily",
				Measures:             priceMeasures,
				Dimensions:           []string{"retailer_name"},
				TimeDimension:        "date",
				Granularity:          model.GranularityDay,
				PartitionGranularity: model.GranularityMonth,
				RefreshEvery:         "1 hour",
				CoverageDays:         365,
			},
			{
				Name:                 "prices_by_retailer_category_daily",
				Measures:             priceMeasures,
				Dimensions:           []string{"retailer_name", "category_name"},
				TimeDimension:        "date",
				Granularity:          model.GranularityDay,
				PartitionGranularity: model.GranularityMonth,
				RefreshEvery:         "1 hour",
				CoverageDays:         365,
			},
			{
				Name:                 "prices_by_location_daily",
				Measures:             priceMeasures,
				Dimensions:           []string{"retailer_name", "settlement_name", "municipality_name"},
				TimeDimension:        "date",
				Granularity:          model.GranularityDay,
				PartitionGranularity: model.GranularityMonth,
				RefreshEvery:         "1 hour",
				CoverageDays:         180,
			},
			{
				Name:                 "prices_by_category_weekly",
				Measures:             priceMeasures,
				Dimensions:           []string{"category_name"},
				TimeDimension:        "date",
				Granularity:          model.GranularityWeek,
				PartitionGranularity: model.GranularityMonth,
				RefreshEvery:         "6 hours",
				CoverageDays:         730,
			},
			{
				Name:                 "promo_by_retailer_daily",
				Measures:             []string{"promoPriceSum", "promoPriceCount", "retailPriceCount", "averagePromoPrice"},
				Dimensions:           []string{"retailer_name", "category_name"},
				TimeDimension:        "date",
				Granularity:          model.GranularityDay,
				PartitionGranularity: model.GranularityMonth,
				RefreshEvery:         "1 hour",
				CoverageDays:         365,
			},
			{
				Name:         "assortment_by_retailer",
				Measures:     []string{"productCount"},
				Dimensions:   []string{"retailer_name", "category_name"},
				RefreshEvery: "1 day",
			},
		},
	)
	if err != nil {
		panic(err)
	}
	return c
}
