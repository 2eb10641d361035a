package preagg

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/spf13/viper"

	"pricing-analytics/internal/model"
)

var ErrInvalidCatalog = errors.New("invalid pre-aggregation catalog")

var refreshPattern = regexp.MustCompile(`^\d+ (second|minute|hour|day|week)s?$`)

// Catalog is the versioned list of pre-aggregations available on the
// analytics service. It is read-only once loaded.
type Catalog struct {
	Version     string              `mapstructure:"version" json:"version"`
	Measures    []model.MeasureMeta `mapstructure:"measures" json:"measures"`
	Definitions []model.Definition  `mapstructure:"definitions" json:"definitions"`

	measures map[string]model.MeasureMeta
}

type Overlap struct {
	Definition string `json:"definition"`
	SubsumedBy string `json:"subsumedBy"`
}

func NewCatalog(version string, measures []model.MeasureMeta, definitions []model.Definition) (*Catalog, error) {
	c := &Catalog{Version: version, Measures: measures, Definitions: definitions}
	if err := c.init(); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadCatalog reads a YAML or JSON catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	var c Catalog
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode catalog %s: %w", path, err)
	}
	if err := c.init(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Catalog) init() error {
	if c.Version == "" {
		return fmt.Errorf("%w: version is required", ErrInvalidCatalog)
	}
	c.measures = make(map[string]model.MeasureMeta, len(c.Measures))
	for _, m := range c.Measures {
		if m.Name == "" {
			return fmt.Errorf("%w: measure without name", ErrInvalidCatalog)
		}
		c.measures[m.Name] = m
	}
	seen := make(map[string]struct{}, len(c.Definitions))
	for _, d := range c.Definitions {
		if d.Name == "" {
			return fmt.Errorf("%w: definition without name", ErrInvalidCatalog)
		}
		if _, ok := seen[d.Name]; ok {
			return fmt.Errorf("%w: duplicate definition %q", ErrInvalidCatalog, d.Name)
		}
		seen[d.Name] = struct{}{}
		if len(d.Measures) == 0 {
			return fmt.Errorf("%w: definition %q has no measures", ErrInvalidCatalog, d.Name)
		}
		if d.TimeDimension != "" && !d.Granularity.Valid() {
			return fmt.Errorf("%w: definition %q has invalid granularity %q", ErrInvalidCatalog, d.Name, d.Granularity)
		}
		if d.PartitionGranularity != "" && !d.PartitionGranularity.Valid() {
			return fmt.Errorf("%w: definition %q has invalid partition granularity %q", ErrInvalidCatalog, d.Name, d.PartitionGranularity)
		}
		if d.RefreshEvery != "" && !refreshPattern.MatchString(d.RefreshEvery) {
			return fmt.Errorf("%w: definition %q has invalid refresh interval %q", ErrInvalidCatalog, d.Name, d.RefreshEvery)
		}
		if d.CoverageDays < 0 {
			return fmt.Errorf("%w: definition %q has negative coverage", ErrInvalidCatalog, d.Name)
		}
	}
	return nil
}

// Measure looks a measure up by its full name, then by its unprefixed name.
func (c *Catalog) Measure(name string) (model.MeasureMeta, bool) {
	if m, ok := c.measures[name]; ok {
		return m, true
	}
	if i := strings.LastIndex(name, "."); i >= 0 {
		m, ok := c.measures[name[i+1:]]
		return m, ok
	}
	return model.MeasureMeta{}, false
}

func (c *Catalog) Definition(name string) (model.Definition, bool) {
	for _, d := range c.Definitions {
		if d.Name == name {
			return d, true
		}
	}
	return model.Definition{}, false
}

// Match returns the smallest definition that can serve q.
func (c *Catalog) Match(q model.Query, now time.Time) (model.Definition, bool) {
	var candidates []model.Definition
	for _, d := range c.Definitions {
		if c.Serves(d, q, now) {
			candidates = append(candidates, d)
		}
	}
	if len(candidates) == 0 {
		return model.Definition{}, false
	}
	sort.Slice(candidates, func(i, j int) bool {
		si := len(candidates[i].Measures) + len(candidates[i].Dimensions)
		sj := len(candidates[j].Measures) + len(candidates[j].Dimensions)
		if si != sj {
			return si < sj
		}
		wi, wj := candidates[i].Granularity.Width(), candidates[j].Granularity.Width()
		if wi != wj {
			return wi > wj
		}
		return candidates[i].Name < candidates[j].Name
	})
	return candidates[0], true
}

// Serves reports whether d can answer q without touching raw facts.
func (c *Catalog) Serves(d model.Definition, q model.Query, now time.Time) bool {
	if !subset(q.Measures, d.Measures) || !subset(q.Dimensions, d.Dimensions) {
		return false
	}

	rollup := len(q.Dimensions) < len(d.Dimensions)

	if td, ok := q.TimeDimension(); ok {
		if d.TimeDimension == "" || bare(d.TimeDimension) != bare(td.Dimension) {
			return false
		}
		want := td.Granularity.Bucket().Width()
		have := d.Granularity.Width()
		if have == 0 || have > want {
			return false
		}
		if have < want {
			rollup = true
		}
		if !covers(d, td.DateRange, now) {
			return false
		}
	} else if d.TimeDimension != "" {
		rollup = true
	}

	if rollup {
		for _, m := range q.Measures {
			if c.additive(m) {
				continue
			}
			meta, ok := c.Measure(m)
			if !ok || len(meta.Components) == 0 || !subset(meta.Components, d.Measures) {
				return false
			}
		}
	}
	return true
}

// Overlaps lists definitions whose shape is fully contained in another one.
func (c *Catalog) Overlaps() []Overlap {
	var out []Overlap
	for _, inner := range c.Definitions {
		for _, outer := range c.Definitions {
			if inner.Name == outer.Name || !subsumes(outer, inner) {
				continue
			}
			// Identical shapes subsume each other; report one direction only.
			if subsumes(inner, outer) && inner.Name < outer.Name {
				continue
			}
			out = append(out, Overlap{Definition: inner.Name, SubsumedBy: outer.Name})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Definition != out[j].Definition {
			return out[i].Definition < out[j].Definition
		}
		return out[i].SubsumedBy < out[j].SubsumedBy
	})
	return out
}

func (c *Catalog) additive(measure string) bool {
	t, ok := c.classify(measure)
	return ok && t.Additive()
}

func (c *Catalog) classify(measure string) (model.MeasureType, bool) {
	if meta, ok := c.Measure(measure); ok && meta.Type != "" {
		return meta.Type, true
	}
	return guessType(measure)
}

var percentileWord = regexp.MustCompile(`^p\d{2}$`)

// guessType classifies a measure by the words of its name when the catalog
// does not declare it. storeCount is {store, count}; price_p95 is {price, p95}.
func guessType(measure string) (model.MeasureType, bool) {
	if i := strings.LastIndex(measure, "."); i >= 0 {
		measure = measure[i+1:]
	}
	words := nameWords(measure)
	if len(words) == 0 {
		return "", false
	}
	has := func(candidates ...string) bool {
		for _, w := range words {
			for _, c := range candidates {
				if w == c {
					return true
				}
			}
		}
		return false
	}

	switch {
	case has("avg", "average", "mean"):
		return model.MeasureAvg, true
	case has("median"):
		return model.MeasureMedian, true
	case has("percentile") || anyWord(words, percentileWord.MatchString):
		return model.MeasurePercentile, true
	case has("ratio", "rate", "share", "index", "percent", "pct"):
		return model.MeasureNumber, true
	case has("count"):
		return model.MeasureCount, true
	case has("sum", "total"):
		return model.MeasureSum, true
	case words[0] == "min":
		return model.MeasureMin, true
	case words[0] == "max":
		return model.MeasureMax, true
	}
	return "", false
}

func anyWord(words []string, match func(string) bool) bool {
	for _, w := range words {
		if match(w) {
			return true
		}
	}
	return false
}

// nameWords splits camelCase, snake_case and kebab-case names into
// lowercase words. Digits stay attached to the preceding letters.
func nameWords(name string) []string {
	var words []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			words = append(words, strings.ToLower(string(cur)))
			cur = cur[:0]
		}
	}
	runes := []rune(name)
	for i, r := range runes {
		switch {
		case !unicode.IsLetter(r) && !unicode.IsDigit(r):
			flush()
			continue
		case unicode.IsUpper(r) && i > 0:
			prev := runes[i-1]
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
				flush()
			}
		}
		cur = append(cur, r)
	}
	flush()
	return words
}

func covers(d model.Definition, spec model.RangeSpec, now time.Time) bool {
	if d.CoverageDays == 0 || spec.IsZero() {
		return true
	}
	span, ok := spec.Span(now)
	if !ok {
		return false
	}
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	earliest := today.AddDate(0, 0, -(d.CoverageDays - 1))
	return !span.Days().From.Before(earliest)
}

func subsumes(outer, inner model.Definition) bool {
	if !subset(inner.Measures, outer.Measures) || !subset(inner.Dimensions, outer.Dimensions) {
		return false
	}
	if bare(inner.TimeDimension) != bare(outer.TimeDimension) {
		return false
	}
	if inner.TimeDimension != "" && outer.Granularity.Width() > inner.Granularity.Width() {
		return false
	}
	if outer.CoverageDays == 0 {
		return true
	}
	return inner.CoverageDays != 0 && outer.CoverageDays >= inner.CoverageDays
}

// subset compares members without their cube prefix.
func subset(items, of []string) bool {
	if len(items) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(of))
	for _, v := range of {
		set[bare(v)] = struct{}{}
	}
	for _, v := range items {
		if _, ok := set[bare(v)]; !ok {
			return false
		}
	}
	return true
}

func bare(member string) string {
	if i := strings.LastIndex(member, "."); i >= 0 {
		return member[i+1:]
	}
	return member
}
