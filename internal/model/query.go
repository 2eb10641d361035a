package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

type DateRange struct {
	From time.Time
	To   time.Time
}

// ParseDate accepts any unambiguous date layout and truncates it to a UTC day.
func ParseDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("%w: empty date", ErrInvalidFilter)
	}
	t, err := dateparse.ParseStrict(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date %q: %v", ErrInvalidFilter, raw, err)
	}
	return truncateDay(t), nil
}

func NewDateRange(from, to string) (DateRange, error) {
	start, err := ParseDate(from)
	if err != nil {
		return DateRange{}, err
	}
	end, err := ParseDate(to)
	if err != nil {
		return DateRange{}, err
	}
	return DateRange{From: start, To: end}, nil
}

// Days truncates both ends to UTC days.
func (r DateRange) Days() DateRange {
	return DateRange{From: truncateDay(r.From), To: truncateDay(r.To)}
}

func (r DateRange) Pair() [2]string {
	return [2]string{r.From.Format(DateLayout), r.To.Format(DateLayout)}
}

func (r DateRange) String() string {
	p := r.Pair()
	return p[0] + ".." + p[1]
}

func (r DateRange) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Pair())
}

func (r *DateRange) UnmarshalJSON(data []byte) error {
	var pair []string
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("%w: date range must be a [start, end] pair", ErrInvalidFilter)
	}
	if len(pair) != 2 {
		return fmt.Errorf("%w: date range must have exactly two dates, got %d", ErrInvalidFilter, len(pair))
	}
	parsed, err := NewDateRange(pair[0], pair[1])
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

func truncateDay(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// RangeSpec is either a relative token ("last 7 days") or an absolute pair.
type RangeSpec struct {
	Relative string
	Absolute *[2]string
}

func (s RangeSpec) IsZero() bool {
	return s.Relative == "" && s.Absolute == nil
}

func (s RangeSpec) MarshalJSON() ([]byte, error) {
	if s.Absolute != nil {
		return json.Marshal(s.Absolute)
	}
	return json.Marshal(s.Relative)
}

func (s *RangeSpec) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var pair [2]string
		if err := json.Unmarshal(data, &pair); err != nil {
			return fmt.Errorf("%w: dateRange: %v", ErrInvalidQuery, err)
		}
		*s = RangeSpec{Absolute: &pair}
		return nil
	}
	var token string
	if err := json.Unmarshal(data, &token); err != nil {
		return fmt.Errorf("%w: dateRange: %v", ErrInvalidQuery, err)
	}
	*s = RangeSpec{Relative: token}
	return nil
}

// Span resolves the range to concrete days. Relative tokens are resolved
// against now using the preset table.
func (s RangeSpec) Span(now time.Time) (DateRange, bool) {
	if s.Absolute != nil {
		rng, err := NewDateRange(s.Absolute[0], s.Absolute[1])
		if err != nil {
			return DateRange{}, false
		}
		return rng, true
	}
	for preset, token := range presetTokens {
		if token == s.Relative {
			return preset.Span(now)
		}
	}
	return DateRange{}, false
}

type TimeDimension struct {
	Dimension   string      `json:"dimension"`
	Granularity Granularity `json:"granularity,omitempty"`
	DateRange   RangeSpec   `json:"dateRange"`
}

const OperatorEquals = "equals"

type FilterClause struct {
	Member   string   `json:"member"`
	Operator string   `json:"operator"`
	Values   []string `json:"values"`
}

type OrderDirection string

const (
	OrderAsc  OrderDirection = "asc"
	OrderDesc OrderDirection = "desc"
)

type OrderBy struct {
	Member    string         `json:"member"`
	Direction OrderDirection `json:"direction"`
}

// Query is the request shape sent to the analytics service.
type Query struct {
	Measures       []string        `json:"measures"`
	Dimensions     []string        `json:"dimensions"`
	TimeDimensions []TimeDimension `json:"timeDimensions"`
	Filters        []FilterClause  `json:"filters"`
	Order          []OrderBy       `json:"order,omitempty"`
	Limit          int             `json:"limit,omitempty"`
}

func (q Query) TimeDimension() (TimeDimension, bool) {
	if len(q.TimeDimensions) == 0 {
		return TimeDimension{}, false
	}
	return q.TimeDimensions[0], true
}

// MarshalJSON renders order the way the analytics service expects it:
// an ordered list of [member, direction] pairs.
func (q Query) MarshalJSON() ([]byte, error) {
	type wire struct {
		Measures       []string        `json:"measures"`
		Dimensions     []string        `json:"dimensions"`
		TimeDimensions []TimeDimension `json:"timeDimensions"`
		Filters        []FilterClause  `json:"filters"`
		Order          [][2]string     `json:"order,omitempty"`
		Limit          int             `json:"limit,omitempty"`
	}
	w := wire{
		Measures:       q.Measures,
		Dimensions:     q.Dimensions,
		TimeDimensions: q.TimeDimensions,
		Filters:        q.Filters,
		Limit:          q.Limit,
	}
	for _, o := range q.Order {
		w.Order = append(w.Order, [2]string{o.Member, string(o.Direction)})
	}
	return json.Marshal(w)
}

func (q *Query) UnmarshalJSON(data []byte) error {
	type wire struct {
		Measures       []string        `json:"measures"`
		Dimensions     []string        `json:"dimensions"`
		TimeDimensions []TimeDimension `json:"timeDimensions"`
		Filters        []FilterClause  `json:"filters"`
		Order          [][2]string     `json:"order"`
		Limit          int             `json:"limit"`
	}
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}
	out := Query{
		Measures:       nonNil(w.Measures),
		Dimensions:     nonNil(w.Dimensions),
		TimeDimensions: w.TimeDimensions,
		Filters:        w.Filters,
		Limit:          w.Limit,
	}
	if out.TimeDimensions == nil {
		out.TimeDimensions = []TimeDimension{}
	}
	if out.Filters == nil {
		out.Filters = []FilterClause{}
	}
	for _, o := range w.Order {
		out.Order = append(out.Order, OrderBy{Member: o[0], Direction: OrderDirection(o[1])})
	}
	*q = out
	return nil
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
