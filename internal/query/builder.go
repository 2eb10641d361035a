package query

import (
	"fmt"
	"strings"

	"pricing-analytics/internal/model"
)

// Field binds a Filter Model set to the member it filters on and the
// dimension it implies.
type Field struct {
	Member    string
	Dimension string
}

type Schema struct {
	// Prefix is prepended to every member, e.g. "prices.".
	Prefix        string
	Retailer      Field
	Settlement    Field
	Municipality  Field
	Category      Field
	TimeDimension string
	DefaultPreset model.DatePreset
}

func DefaultSchema() Schema {
	return Schema{
		Retailer:      Field{Member: "retailer", Dimension: "retailer_name"},
		Settlement:    Field{Member: "settlement", Dimension: "settlement_name"},
		Municipality:  Field{Member: "municipality", Dimension: "municipality_name"},
		Category:      Field{Member: "category", Dimension: "category_name"},
		TimeDimension: "date",
		DefaultPreset: model.PresetLast7Days,
	}
}

type Builder struct {
	schema Schema
}

func NewBuilder(schema Schema) *Builder {
	return &Builder{schema: schema}
}

type Option func(*options)

type options struct {
	order []model.OrderBy
	limit int
}

func WithOrder(member string, dir model.OrderDirection) Option {
	return func(o *options) {
		o.order = append(o.order, model.OrderBy{Member: member, Direction: dir})
	}
}

func WithLimit(limit int) Option {
	return func(o *options) {
		o.limit = limit
	}
}

// Compile turns a filter and a measure/dimension request into a Query.
// Equal inputs by value always produce deep-equal queries.
func (b *Builder) Compile(measures []string, filter model.FilterModel, extraDimensions []string, opts ...Option) (model.Query, error) {
	if err := filter.Validate(); err != nil {
		return model.Query{}, err
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.limit < 0 {
		return model.Query{}, fmt.Errorf("%w: negative limit %d", model.ErrInvalidQuery, o.limit)
	}

	q := model.Query{
		Measures:       make([]string, 0, len(measures)),
		Dimensions:     []string{},
		TimeDimensions: []model.TimeDimension{},
		Filters:        []model.FilterClause{},
		Limit:          o.limit,
	}

	for _, m := range measures {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		q.Measures = appendUnique(q.Measures, b.member(m))
	}
	if len(q.Measures) == 0 {
		return model.Query{}, fmt.Errorf("%w: at least one measure is required", model.ErrInvalidQuery)
	}

	f := filter.Normalize()
	for _, set := range []struct {
		field  Field
		values []string
	}{
		{b.schema.Retailer, f.Retailers},
		{b.schema.Settlement, f.Settlements},
		{b.schema.Municipality, f.Municipalities},
		{b.schema.Category, f.Categories},
	} {
		if len(set.values) == 0 {
			continue
		}
		q.Filters = append(q.Filters, model.FilterClause{
			Member:   b.member(set.field.Member),
			Operator: model.OperatorEquals,
			Values:   set.values,
		})
		q.Dimensions = appendUnique(q.Dimensions, b.member(set.field.Dimension))
	}

	for _, d := range extraDimensions {
		d = strings.TrimSpace(d)
		if d == "" {
			continue
		}
		q.Dimensions = appendUnique(q.Dimensions, b.member(b.resolveDimension(d)))
	}

	if td, ok := b.timeDimension(f); ok {
		q.TimeDimensions = append(q.TimeDimensions, td)
	}

	for _, ord := range o.order {
		dir := ord.Direction
		if dir == "" {
			dir = model.OrderAsc
		}
		if dir != model.OrderAsc && dir != model.OrderDesc {
			return model.Query{}, fmt.Errorf("%w: order direction %q", model.ErrInvalidQuery, ord.Direction)
		}
		q.Order = append(q.Order, model.OrderBy{Member: b.member(b.resolveDimension(ord.Member)), Direction: dir})
	}

	return q, nil
}

func (b *Builder) timeDimension(f model.FilterModel) (model.TimeDimension, bool) {
	if b.schema.TimeDimension == "" {
		return model.TimeDimension{}, false
	}
	td := model.TimeDimension{
		Dimension:   b.member(b.schema.TimeDimension),
		Granularity: f.Granularity.Bucket(),
	}
	switch {
	case f.Range != nil:
		pair := f.Range.Pair()
		td.DateRange = model.RangeSpec{Absolute: &pair}
	case f.Preset != "":
		token, _ := f.Preset.Token()
		td.DateRange = model.RangeSpec{Relative: token}
	case b.schema.DefaultPreset != "":
		token, ok := b.schema.DefaultPreset.Token()
		if !ok {
			return model.TimeDimension{}, false
		}
		td.DateRange = model.RangeSpec{Relative: token}
	default:
		return model.TimeDimension{}, false
	}
	return td, true
}

// resolveDimension maps a filter member name (e.g. "category") to the
// dimension it implies, so breakdowns coalesce with filter dimensions.
func (b *Builder) resolveDimension(name string) string {
	name = strings.TrimPrefix(name, b.schema.Prefix)
	for _, field := range []Field{b.schema.Retailer, b.schema.Settlement, b.schema.Municipality, b.schema.Category} {
		if field.Member != "" && name == field.Member {
			return field.Dimension
		}
	}
	return name
}

func (b *Builder) member(name string) string {
	if b.schema.Prefix == "" || strings.HasPrefix(name, b.schema.Prefix) {
		return name
	}
	return b.schema.Prefix + name
}

func appendUnique(list []string, value string) []string {
	for _, existing := range list {
		if existing == value {
			return list
		}
	}
	return append(list, value)
}
