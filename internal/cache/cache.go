package cache

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"

	"pricing-analytics/internal/model"
)

var ErrUnknownView = errors.New("unknown view")

// Loader submits a query to the analytics service. progress may be called
// any number of times before Load returns.
type Loader interface {
	Load(ctx context.Context, q model.Query, progress func(model.Progress)) (*model.ResultSet, error)
}

// QueryFactory compiles the query for a view. It is only invoked when the
// view's fingerprint changes.
type QueryFactory func() (model.Query, error)

type Option func(*Cache)

// WithSlowThreshold logs a warning for requests still pending after d.
func WithSlowThreshold(d time.Duration) Option {
	return func(c *Cache) {
		c.slowAfter = d
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// Cache holds one slot per view key. Each slot keeps the last good result
// across refreshes and only accepts the resolution of its latest request.
type Cache struct {
	loader    Loader
	log       zerolog.Logger
	slowAfter time.Duration
	now       func() time.Time

	baseCtx context.Context
	cancel  context.CancelFunc

	mu    sync.Mutex
	slots map[string]*slot

	// onSettle, when set, observes every finished request under c.mu.
	onSettle func(viewKey string, applied bool)
}

type slot struct {
	viewKey     string
	fingerprint string
	generation  uint64
	query       *model.Query

	status            model.Status
	lastGood          *model.ResultSet
	resultFingerprint string
	hasLoaded         bool
	err               error
	progress          *model.Progress

	cancel   context.CancelFunc
	done     chan struct{}
	lastUsed time.Time
	updated  time.Time
}

func New(loader Loader, log zerolog.Logger, opts ...Option) *Cache {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Cache{
		loader:  loader,
		log:     log.With().Str("component", "query_cache").Logger(),
		now:     time.Now,
		baseCtx: ctx,
		cancel:  cancel,
		slots:   make(map[string]*slot),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fingerprint derives the slot key from the view identity and the
// pre-stringified filter fields, never from the compiled query. Every part
// is length-prefixed so key boundaries cannot shift.
func Fingerprint(viewKey string, depKeys []string) string {
	h := xxhash.New()
	writePart(h, viewKey)
	for _, k := range depKeys {
		writePart(h, k)
	}
	return strconv.FormatUint(h.Sum64(), 16)
}

func writePart(h *xxhash.Digest, part string) {
	_, _ = h.WriteString(strconv.Itoa(len(part)))
	_, _ = h.WriteString(":")
	_, _ = h.WriteString(part)
}

// Use returns the current snapshot for viewKey, issuing a new request only
// when the fingerprint differs from the previous call for the same view.
// A factory error is returned and recorded on the slot; no request is sent.
func (c *Cache) Use(viewKey string, factory QueryFactory, depKeys ...string) (model.Snapshot, error) {
	fp := Fingerprint(viewKey, depKeys)

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	s, ok := c.slots[viewKey]
	if !ok {
		s = &slot{viewKey: viewKey, status: model.StatusIdle}
		c.slots[viewKey] = s
	}
	s.lastUsed = now

	if ok && s.fingerprint == fp {
		return s.snapshot(), nil
	}

	c.supersede(s)
	s.fingerprint = fp
	s.query = nil

	q, err := factory()
	if err != nil {
		s.status = model.StatusError
		s.err = err
		s.progress = nil
		s.updated = now
		c.log.Warn().Err(err).Str("view", viewKey).Msg("query compilation failed")
		return s.snapshot(), err
	}
	s.query = &q
	c.issue(s)
	return s.snapshot(), nil
}

// Refresh re-issues the current query of a view. It is the only retry path.
// A pending request is left alone.
func (c *Cache) Refresh(viewKey string) (model.Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.slots[viewKey]
	if !ok {
		return model.Snapshot{}, ErrUnknownView
	}
	s.lastUsed = c.now()
	if s.status == model.StatusLoading || s.query == nil {
		return s.snapshot(), nil
	}
	c.supersede(s)
	c.issue(s)
	return s.snapshot(), nil
}

func (c *Cache) Snapshot(viewKey string) (model.Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.slots[viewKey]
	if !ok {
		return model.Snapshot{}, false
	}
	return s.snapshot(), true
}

// Wait blocks until the view's current request settles or ctx is done, and
// returns the latest snapshot either way.
func (c *Cache) Wait(ctx context.Context, viewKey string) (model.Snapshot, error) {
	for {
		c.mu.Lock()
		s, ok := c.slots[viewKey]
		if !ok {
			c.mu.Unlock()
			return model.Snapshot{}, ErrUnknownView
		}
		snap := s.snapshot()
		done := s.done
		c.mu.Unlock()

		if snap.Status != model.StatusLoading || done == nil {
			return snap, nil
		}
		select {
		case <-done:
		case <-ctx.Done():
			return snap, ctx.Err()
		}
	}
}

// Release drops the slot of an unmounted view. A pending request is
// cancelled and its resolution discarded.
func (c *Cache) Release(viewKey string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.slots[viewKey]
	if !ok {
		return false
	}
	c.supersede(s)
	delete(c.slots, viewKey)
	return true
}

// Sweep releases views that have not been used for idle.
func (c *Cache) Sweep(idle time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.now().Add(-idle)
	evicted := 0
	for key, s := range c.slots {
		if s.lastUsed.Before(cutoff) {
			c.supersede(s)
			delete(c.slots, key)
			evicted++
		}
	}
	if evicted > 0 {
		c.log.Debug().Int("evicted", evicted).Int("remaining", len(c.slots)).Msg("swept idle views")
	}
	return evicted
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.slots)
}

// Close cancels every pending request.
func (c *Cache) Close() {
	c.cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.slots {
		c.supersede(s)
	}
}

// supersede invalidates the slot's pending request, if any. Must hold c.mu.
func (c *Cache) supersede(s *slot) {
	s.generation++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.done != nil {
		close(s.done)
		s.done = nil
	}
	if s.status == model.StatusLoading {
		s.status = model.StatusIdle
	}
	s.progress = nil
}

// issue starts a request for the slot's current query. Must hold c.mu.
func (c *Cache) issue(s *slot) {
	gen := s.generation
	ctx, cancel := context.WithCancel(c.baseCtx)
	done := make(chan struct{})

	s.status = model.StatusLoading
	s.err = nil
	s.progress = nil
	s.cancel = cancel
	s.done = done
	s.updated = c.now()

	q := *s.query
	viewKey, fp := s.viewKey, s.fingerprint

	go c.load(ctx, viewKey, fp, gen, q)
}

func (c *Cache) load(ctx context.Context, viewKey, fp string, gen uint64, q model.Query) {
	started := c.now()
	var slow *time.Timer
	if c.slowAfter > 0 {
		slow = time.AfterFunc(c.slowAfter, func() {
			c.log.Warn().Str("view", viewKey).Str("fingerprint", fp).
				Dur("threshold", c.slowAfter).Msg("query still pending")
		})
	}

	progress := func(p model.Progress) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if s, ok := c.current(viewKey, gen); ok && s.status == model.StatusLoading {
			s.progress = &p
		}
	}

	res, err := c.loader.Load(ctx, q, progress)
	if slow != nil {
		slow.Stop()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.current(viewKey, gen)
	if c.onSettle != nil {
		defer c.onSettle(viewKey, ok)
	}
	if !ok {
		c.log.Debug().Str("view", viewKey).Str("fingerprint", fp).Msg("discarding superseded result")
		return
	}

	s.cancel = nil
	s.progress = nil
	s.updated = c.now()
	if err != nil {
		s.status = model.StatusError
		s.err = err
		c.log.Error().Err(err).Str("view", viewKey).Str("fingerprint", fp).
			Dur("elapsed", c.now().Sub(started)).Msg("query failed")
	} else {
		s.status = model.StatusSuccess
		s.lastGood = res
		s.resultFingerprint = fp
		s.hasLoaded = true
		s.err = nil
	}
	close(s.done)
	s.done = nil
}

// current returns the slot only if gen is still its latest request.
func (c *Cache) current(viewKey string, gen uint64) (*slot, bool) {
	s, ok := c.slots[viewKey]
	if !ok || s.generation != gen {
		return nil, false
	}
	return s, true
}

func (s *slot) snapshot() model.Snapshot {
	snap := model.Snapshot{
		ViewKey:           s.viewKey,
		Fingerprint:       s.fingerprint,
		Status:            s.status,
		Result:            s.lastGood,
		ResultFingerprint: s.resultFingerprint,
		HasLoaded:         s.hasLoaded,
		IsLoading:         s.status == model.StatusLoading,
		Error:             s.err,
		UpdatedAt:         s.updated,
	}
	if s.progress != nil {
		p := *s.progress
		snap.Progress = &p
	}
	return snap
}
