package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"pricing-analytics/internal/cache"
	"pricing-analytics/internal/model"
	"pricing-analytics/internal/preagg"
	"pricing-analytics/internal/query"
	"pricing-analytics/internal/repository"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrStoreDisabled = errors.New("advisory store disabled")
)

const defaultDashboardWorkers = 4

// AdvisoryStore persists advisor reports. It is optional.
type AdvisoryStore interface {
	Save(ctx context.Context, a repository.Advisory) error
	Coverage(ctx context.Context, since time.Time, limit int) ([]model.CoverageRow, error)
	RefreshCoverage(ctx context.Context) error
}

// ViewRequest is one chart instance asking for data.
type ViewRequest struct {
	Key        string            `json:"key"`
	Measures   []string          `json:"measures"`
	Dimensions []string          `json:"dimensions"`
	Filter     model.FilterModel `json:"filter"`
	Order      []model.OrderBy   `json:"order"`
	Limit      int               `json:"limit"`
}

type CompileResult struct {
	Query  model.Query         `json:"query"`
	Advice model.AdvisorReport `json:"advice"`
}

type DashboardView struct {
	Key      string         `json:"key"`
	Snapshot model.Snapshot `json:"snapshot"`
	Err      error          `json:"-"`
}

type CatalogInfo struct {
	Catalog  *preagg.Catalog  `json:"catalog"`
	Overlaps []preagg.Overlap `json:"overlaps"`
}

type Option func(*PlannerService)

func WithDashboardWorkers(n int) Option {
	return func(s *PlannerService) {
		if n > 0 {
			s.dashboardWorkers = n
		}
	}
}

type PlannerService struct {
	builder          *query.Builder
	advisor          *preagg.Advisor
	views            *cache.Cache
	store            AdvisoryStore
	log              zerolog.Logger
	dashboardWorkers int
}

// NewPlannerService wires the planner. store may be nil.
func NewPlannerService(builder *query.Builder, advisor *preagg.Advisor, views *cache.Cache, store AdvisoryStore, log zerolog.Logger, opts ...Option) *PlannerService {
	s := &PlannerService{
		builder:          builder,
		advisor:          advisor,
		views:            views,
		store:            store,
		log:              log.With().Str("component", "planner").Logger(),
		dashboardWorkers: defaultDashboardWorkers,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Compile builds the query for req and runs the advisor on it.
func (s *PlannerService) Compile(ctx context.Context, req ViewRequest) (*CompileResult, error) {
	q, err := s.compile(req)
	if err != nil {
		return nil, err
	}
	return &CompileResult{Query: q, Advice: s.advise(ctx, q)}, nil
}

func (s *PlannerService) Analyze(ctx context.Context, q model.Query) model.AdvisorReport {
	return s.advise(ctx, q)
}

// View returns the current snapshot of a view, issuing a request when its
// filters changed. With wait > 0 it blocks until the request settles or the
// wait elapses; a timeout still returns the loading snapshot.
func (s *PlannerService) View(ctx context.Context, req ViewRequest, wait time.Duration) (model.Snapshot, error) {
	if strings.TrimSpace(req.Key) == "" {
		return model.Snapshot{}, fmt.Errorf("%w: view key is required", model.ErrInvalidQuery)
	}

	var compiled *model.Query
	factory := func() (model.Query, error) {
		q, err := s.compile(req)
		if err == nil {
			compiled = &q
		}
		return q, err
	}

	snap, err := s.views.Use(req.Key, factory, viewDepKeys(req)...)
	if err != nil {
		return snap, err
	}
	if isCompileError(snap.Error) {
		return snap, snap.Error
	}
	if compiled != nil {
		s.advise(ctx, *compiled)
	}

	if wait <= 0 || !snap.IsLoading {
		return snap, nil
	}
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	settled, err := s.views.Wait(waitCtx, req.Key)
	switch {
	case err == nil:
		return settled, nil
	case errors.Is(err, context.DeadlineExceeded):
		return settled, nil
	case errors.Is(err, cache.ErrUnknownView):
		return model.Snapshot{}, ErrNotFound
	default:
		return settled, err
	}
}

func (s *PlannerService) Snapshot(key string) (model.Snapshot, error) {
	snap, ok := s.views.Snapshot(key)
	if !ok {
		return model.Snapshot{}, ErrNotFound
	}
	return snap, nil
}

// Refresh explicitly re-runs a view's current query.
func (s *PlannerService) Refresh(key string) (model.Snapshot, error) {
	snap, err := s.views.Refresh(key)
	if errors.Is(err, cache.ErrUnknownView) {
		return model.Snapshot{}, ErrNotFound
	}
	return snap, err
}

// Release drops a view that is no longer displayed.
func (s *PlannerService) Release(key string) error {
	if !s.views.Release(key) {
		return ErrNotFound
	}
	return nil
}

// Dashboard loads several views concurrently. Per-view failures are
// reported on the entry, not as an error of the batch.
func (s *PlannerService) Dashboard(ctx context.Context, reqs []ViewRequest, wait time.Duration) ([]DashboardView, error) {
	seen := make(map[string]struct{}, len(reqs))
	for _, req := range reqs {
		if _, dup := seen[req.Key]; dup {
			return nil, fmt.Errorf("%w: duplicate view key %q", model.ErrInvalidQuery, req.Key)
		}
		seen[req.Key] = struct{}{}
	}

	out := make([]DashboardView, len(reqs))
	p := pool.New().WithMaxGoroutines(s.dashboardWorkers)
	for i, req := range reqs {
		p.Go(func() {
			snap, err := s.View(ctx, req, wait)
			out[i] = DashboardView{Key: req.Key, Snapshot: snap, Err: err}
		})
	}
	p.Wait()

	return out, nil
}

func (s *PlannerService) Catalog() CatalogInfo {
	c := s.advisor.Catalog()
	overlaps := c.Overlaps()
	if overlaps == nil {
		overlaps = []preagg.Overlap{}
	}
	return CatalogInfo{Catalog: c, Overlaps: overlaps}
}

func (s *PlannerService) Coverage(ctx context.Context, since time.Time, limit int) ([]model.CoverageRow, error) {
	if s.store == nil {
		return nil, ErrStoreDisabled
	}
	return s.store.Coverage(ctx, since, limit)
}

// Maintain evicts idle views and refreshes the coverage view.
func (s *PlannerService) Maintain(ctx context.Context, idle time.Duration) {
	evicted := s.views.Sweep(idle)
	if s.store != nil {
		if err := s.store.RefreshCoverage(ctx); err != nil {
			s.log.Warn().Err(err).Msg("coverage refresh failed")
		}
	}
	s.log.Debug().Int("evicted", evicted).Int("views", s.views.Len()).Msg("maintenance pass")
}

func (s *PlannerService) compile(req ViewRequest) (model.Query, error) {
	opts := make([]query.Option, 0, len(req.Order)+1)
	for _, o := range req.Order {
		opts = append(opts, query.WithOrder(o.Member, o.Direction))
	}
	if req.Limit != 0 {
		opts = append(opts, query.WithLimit(req.Limit))
	}
	return s.builder.Compile(req.Measures, req.Filter, req.Dimensions, opts...)
}

func (s *PlannerService) advise(ctx context.Context, q model.Query) model.AdvisorReport {
	report := s.advisor.Analyze(q)
	if s.store == nil {
		return report
	}

	suggested := preagg.ShapeKey(report.SuggestedDefinition)
	err := s.store.Save(ctx, repository.Advisory{
		ShapeHash:        strconv.FormatUint(xxhash.Sum64String(suggested), 16),
		Suggested:        suggested,
		Matched:          report.Match,
		IsAdditive:       report.IsAdditive,
		HasTimeDimension: report.HasTimeDimension,
		Warnings:         report.Warnings,
		Query:            q,
		CatalogVersion:   s.advisor.Catalog().Version,
		AnalyzedAt:       report.AnalyzedAt,
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to persist advisory report")
	}
	return report
}

// viewDepKeys extends the filter keys with the view's own request shape.
func viewDepKeys(req ViewRequest) []string {
	order := make([]string, 0, len(req.Order))
	for _, o := range req.Order {
		order = append(order, o.Member+" "+string(o.Direction))
	}
	keys := req.Filter.DepKeys()
	return append(keys,
		model.JoinKey(req.Measures),
		model.JoinKey(req.Dimensions),
		model.JoinKey(order),
		strconv.Itoa(req.Limit),
	)
}

func isCompileError(err error) bool {
	return errors.Is(err, model.ErrInvalidFilter) || errors.Is(err, model.ErrInvalidQuery)
}
