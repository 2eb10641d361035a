package model

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInvalidFilter = errors.New("invalid filter")
	ErrInvalidQuery  = errors.New("invalid query")
)

const DateLayout = "2006-01-02"

type Granularity string

const (
	GranularityDay   Granularity = "day"
	GranularityWeek  Granularity = "week"
	GranularityMonth Granularity = "month"
)

// Width orders granularities from finest to coarsest. Unknown values return 0.
func (g Granularity) Width() int {
	switch g {
	case GranularityDay:
		return 1
	case GranularityWeek:
		return 2
	case GranularityMonth:
		return 3
	default:
		return 0
	}
}

func (g Granularity) Valid() bool {
	return g.Width() > 0
}

// Bucket returns g, falling back to day when unset.
func (g Granularity) Bucket() Granularity {
	if g == "" {
		return GranularityDay
	}
	return g
}

type DatePreset string

const (
	PresetToday      DatePreset = "today"
	PresetYesterday  DatePreset = "yesterday"
	PresetLast7Days  DatePreset = "last7days"
	PresetLast30Days DatePreset = "last30days"
	PresetLast90Days DatePreset = "last90days"
	PresetThisMonth  DatePreset = "thisMonth"
	PresetLastMonth  DatePreset = "lastMonth"
	PresetThisYear   DatePreset = "thisYear"
)

var presetTokens = map[DatePreset]string{
	PresetToday:      "today",
	PresetYesterday:  "yesterday",
	PresetLast7Days:  "last 7 days",
	PresetLast30Days: "last 30 days",
	PresetLast90Days: "last 90 days",
	PresetThisMonth:  "this month",
	PresetLastMonth:  "last month",
	PresetThisYear:   "this year",
}

// Token is the relative range understood by the analytics service.
func (p DatePreset) Token() (string, bool) {
	token, ok := presetTokens[p]
	return token, ok
}

// Span resolves the preset against now. It is used for coverage checks only;
// queries always carry the relative token.
func (p DatePreset) Span(now time.Time) (DateRange, bool) {
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	switch p {
	case PresetToday:
		return DateRange{From: day, To: day}, true
	case PresetYesterday:
		y := day.AddDate(0, 0, -1)
		return DateRange{From: y, To: y}, true
	case PresetLast7Days:
		return DateRange{From: day.AddDate(0, 0, -6), To: day}, true
	case PresetLast30Days:
		return DateRange{From: day.AddDate(0, 0, -29), To: day}, true
	case PresetLast90Days:
		return DateRange{From: day.AddDate(0, 0, -89), To: day}, true
	case PresetThisMonth:
		first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
		return DateRange{From: first, To: first.AddDate(0, 1, -1)}, true
	case PresetLastMonth:
		first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location()).AddDate(0, -1, 0)
		return DateRange{From: first, To: first.AddDate(0, 1, -1)}, true
	case PresetThisYear:
		first := time.Date(now.Year(), 1, 1, 0, 0, 0, 0, now.Location())
		return DateRange{From: first, To: first.AddDate(1, 0, -1)}, true
	}
	return DateRange{}, false
}

func ParseDatePreset(raw string) (DatePreset, error) {
	p := DatePreset(strings.TrimSpace(raw))
	if _, ok := presetTokens[p]; !ok {
		return "", fmt.Errorf("%w: unknown date preset %q", ErrInvalidFilter, raw)
	}
	return p, nil
}

func ParseGranularity(raw string) (Granularity, error) {
	g := Granularity(strings.ToLower(strings.TrimSpace(raw)))
	if g == "" {
		return GranularityDay, nil
	}
	if !g.Valid() {
		return "", fmt.Errorf("%w: unknown granularity %q", ErrInvalidFilter, raw)
	}
	return g, nil
}

// FilterModel is the user's intent. It never holds a compiled query.
type FilterModel struct {
	Retailers      []string    `json:"retailers,omitempty"`
	Settlements    []string    `json:"settlements,omitempty"`
	Municipalities []string    `json:"municipalities,omitempty"`
	Categories     []string    `json:"categories,omitempty"`
	Range          *DateRange  `json:"dateRange,omitempty"`
	Preset         DatePreset  `json:"datePreset,omitempty"`
	Granularity    Granularity `json:"granularity,omitempty"`
}

// Normalize returns a copy with every set trimmed, deduplicated and sorted and
// the granularity defaulted.
func (f FilterModel) Normalize() FilterModel {
	out := FilterModel{
		Retailers:      normalizeSet(f.Retailers),
		Settlements:    normalizeSet(f.Settlements),
		Municipalities: normalizeSet(f.Municipalities),
		Categories:     normalizeSet(f.Categories),
		Preset:         f.Preset,
		Granularity:    f.Granularity.Bucket(),
	}
	if f.Range != nil {
		rng := f.Range.Days()
		out.Range = &rng
	}
	return out
}

func (f FilterModel) Validate() error {
	if f.Range != nil {
		if f.Range.From.IsZero() || f.Range.To.IsZero() {
			return fmt.Errorf("%w: date range needs both start and end", ErrInvalidFilter)
		}
		if f.Range.From.After(f.Range.To) {
			return fmt.Errorf("%w: date range start %s is after end %s", ErrInvalidFilter,
				f.Range.From.Format(DateLayout), f.Range.To.Format(DateLayout))
		}
	}
	if f.Preset != "" {
		if _, ok := f.Preset.Token(); !ok {
			return fmt.Errorf("%w: unknown date preset %q", ErrInvalidFilter, f.Preset)
		}
	}
	if f.Granularity != "" && !f.Granularity.Valid() {
		return fmt.Errorf("%w: unknown granularity %q", ErrInvalidFilter, f.Granularity)
	}
	return nil
}

// DepKeys is the cheap, pre-stringified form of the filter used as cache
// dependencies. Equal filters by value give equal keys.
func (f FilterModel) DepKeys() []string {
	n := f.Normalize()
	period := string(n.Preset)
	if n.Range != nil {
		period = n.Range.String()
	}
	return []string{
		JoinKey(n.Retailers),
		JoinKey(n.Settlements),
		JoinKey(n.Municipalities),
		JoinKey(n.Categories),
		period,
		string(n.Granularity),
	}
}

// JoinKey quotes every value before joining so that distinct lists never
// share a key.
func JoinKey(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = strconv.Quote(v)
	}
	return strings.Join(quoted, ",")
}

func normalizeSet(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil
	}
	sort.Strings(out)
	return out
}
