package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pricing-analytics/internal/model"
)

const waitTimeout = 2 * time.Second

type pendingCall struct {
	ctx      context.Context
	query    model.Query
	progress func(model.Progress)
	resolve  chan outcome
}

type outcome struct {
	res *model.ResultSet
	err error
}

func (c *pendingCall) succeed(res *model.ResultSet) { c.resolve <- outcome{res: res} }
func (c *pendingCall) fail(err error)              { c.resolve <- outcome{err: err} }

// fakeLoader hands every request to the test and ignores cancellation, like
// a transport that cannot abort an in-flight HTTP call.
type fakeLoader struct {
	issued chan *pendingCall
	calls  atomic.Int32
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{issued: make(chan *pendingCall, 16)}
}

func (f *fakeLoader) Load(ctx context.Context, q model.Query, progress func(model.Progress)) (*model.ResultSet, error) {
	f.calls.Add(1)
	call := &pendingCall{ctx: ctx, query: q, progress: progress, resolve: make(chan outcome, 1)}
	f.issued <- call
	o := <-call.resolve
	return o.res, o.err
}

func (f *fakeLoader) next(t *testing.T) *pendingCall {
	t.Helper()
	select {
	case call := <-f.issued:
		return call
	case <-time.After(waitTimeout):
		t.Fatal("no request was issued")
		return nil
	}
}

func (f *fakeLoader) assertNoCall(t *testing.T) {
	t.Helper()
	select {
	case <-f.issued:
		t.Fatal("unexpected request")
	case <-time.After(20 * time.Millisecond):
	}
}

type settleRecorder struct {
	ch chan bool
}

func newTestCache(loader Loader, opts ...Option) (*Cache, *settleRecorder) {
	c := New(loader, zerolog.Nop(), opts...)
	rec := &settleRecorder{ch: make(chan bool, 16)}
	c.onSettle = func(_ string, applied bool) { rec.ch <- applied }
	return c, rec
}

func (r *settleRecorder) wait(t *testing.T) bool {
	t.Helper()
	select {
	case applied := <-r.ch:
		return applied
	case <-time.After(waitTimeout):
		t.Fatal("request never settled")
		return false
	}
}

func resultFor(label string) *model.ResultSet {
	return &model.ResultSet{
		Columns: []model.Column{{Name: "averageRetailPrice", Kind: model.ColumnMeasure}},
		Rows:    []map[string]any{{"label": label}},
	}
}

func countingFactory(counter *int, measure string) QueryFactory {
	return func() (model.Query, error) {
		*counter++
		// A fresh but structurally equal query on every call.
		return model.Query{Measures: []string{measure}, Dimensions: []string{}, Filters: []model.FilterClause{}}, nil
	}
}

func TestFingerprint(t *testing.T) {
	base := Fingerprint("price-trend", []string{"Kaufland", "", "", "", "last7days", "day"})

	assert.Equal(t, base, Fingerprint("price-trend", []string{"Kaufland", "", "", "", "last7days", "day"}))
	assert.NotEqual(t, base, Fingerprint("price-by-category", []string{"Kaufland", "", "", "", "last7days", "day"}))
	assert.NotEqual(t, base, Fingerprint("price-trend", []string{"Lidl", "", "", "", "last7days", "day"}))
	assert.NotEqual(t, base, Fingerprint("price-trend", []string{"Kaufland", "", "", "", "last7days", "week"}))
	assert.NotEmpty(t, base)
}

func TestFingerprint_KeyBoundaries(t *testing.T) {
	assert.NotEqual(t,
		Fingerprint("trend", []string{"a,b", "c"}),
		Fingerprint("trend", []string{"a", "b,c"}))
	assert.NotEqual(t,
		Fingerprint("trend", []string{"a", ""}),
		Fingerprint("trend", []string{"a"}))
	assert.NotEqual(t,
		Fingerprint("tre", []string{"nd"}),
		Fingerprint("trend", []string{""}))
}

func TestCache_Use_FingerprintStability(t *testing.T) {
	loader := newFakeLoader()
	c, rec := newTestCache(loader)
	defer c.Close()

	compiles := 0
	factory := countingFactory(&compiles, "averageRetailPrice")

	first, err := c.Use("trend", factory, "Kaufland", "day")
	require.NoError(t, err)
	assert.True(t, first.IsLoading)
	assert.False(t, first.HasLoaded)
	assert.Nil(t, first.Result)

	call := loader.next(t)

	second, err := c.Use("trend", factory, "Kaufland", "day")
	require.NoError(t, err)
	assert.True(t, second.IsLoading)
	assert.Equal(t, first.Fingerprint, second.Fingerprint)
	loader.assertNoCall(t)

	call.succeed(resultFor("A"))
	require.True(t, rec.wait(t))

	third, err := c.Use("trend", factory, "Kaufland", "day")
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, third.Status)
	assert.Equal(t, "A", third.Result.Rows[0]["label"])
	loader.assertNoCall(t)

	assert.Equal(t, 1, compiles)
	assert.EqualValues(t, 1, loader.calls.Load())
}

func TestCache_Use_StaleWhileRevalidate(t *testing.T) {
	loader := newFakeLoader()
	c, rec := newTestCache(loader)
	defer c.Close()

	compiles := 0
	factory := countingFactory(&compiles, "averageRetailPrice")

	_, err := c.Use("trend", factory, "Kaufland")
	require.NoError(t, err)
	loader.next(t).succeed(resultFor("A"))
	require.True(t, rec.wait(t))

	snap, err := c.Use("trend", factory, "Lidl")
	require.NoError(t, err)
	assert.True(t, snap.IsLoading)
	assert.True(t, snap.HasLoaded)
	require.NotNil(t, snap.Result)
	assert.Equal(t, "A", snap.Result.Rows[0]["label"])
	assert.True(t, snap.IsStale())

	call := loader.next(t)
	during, ok := c.Snapshot("trend")
	require.True(t, ok)
	require.NotNil(t, during.Result)
	assert.Equal(t, "A", during.Result.Rows[0]["label"])

	call.succeed(resultFor("B"))
	require.True(t, rec.wait(t))

	after, ok := c.Snapshot("trend")
	require.True(t, ok)
	assert.False(t, after.IsLoading)
	assert.Equal(t, "B", after.Result.Rows[0]["label"])
	assert.False(t, after.IsStale())
	assert.Equal(t, 2, compiles)
}

func TestCache_LastFingerprintWins(t *testing.T) {
	loader := newFakeLoader()
	c, rec := newTestCache(loader)
	defer c.Close()

	compiles := 0
	factory := countingFactory(&compiles, "averageRetailPrice")

	_, err := c.Use("trend", factory, "F1")
	require.NoError(t, err)
	f1 := loader.next(t)

	snapF2, err := c.Use("trend", factory, "F2")
	require.NoError(t, err)
	f2 := loader.next(t)

	assert.Error(t, f1.ctx.Err(), "superseded request should be cancelled")
	assert.NoError(t, f2.ctx.Err())

	f2.succeed(resultFor("F2"))
	require.True(t, rec.wait(t))

	f1.succeed(resultFor("F1"))
	require.False(t, rec.wait(t), "late F1 resolution must be discarded")

	snap, ok := c.Snapshot("trend")
	require.True(t, ok)
	assert.Equal(t, snapF2.Fingerprint, snap.Fingerprint)
	assert.Equal(t, snapF2.Fingerprint, snap.ResultFingerprint)
	assert.Equal(t, "F2", snap.Result.Rows[0]["label"])
}

func TestCache_LastFingerprintWins_WhileNewRequestPending(t *testing.T) {
	loader := newFakeLoader()
	c, rec := newTestCache(loader)
	defer c.Close()

	compiles := 0
	factory := countingFactory(&compiles, "averageRetailPrice")

	_, err := c.Use("trend", factory, "F1")
	require.NoError(t, err)
	f1 := loader.next(t)

	_, err = c.Use("trend", factory, "F2")
	require.NoError(t, err)
	f2 := loader.next(t)

	f1.succeed(resultFor("F1"))
	require.False(t, rec.wait(t))

	snap, _ := c.Snapshot("trend")
	assert.True(t, snap.IsLoading)
	assert.Nil(t, snap.Result)
	assert.False(t, snap.HasLoaded)

	f2.fail(errors.New("boom"))
	require.True(t, rec.wait(t))
}

func TestCache_ErrorKeepsLastGoodResult(t *testing.T) {
	loader := newFakeLoader()
	c, rec := newTestCache(loader)
	defer c.Close()

	compiles := 0
	factory := countingFactory(&compiles, "averageRetailPrice")

	_, err := c.Use("trend", factory, "F1")
	require.NoError(t, err)
	loader.next(t).succeed(resultFor("A"))
	require.True(t, rec.wait(t))

	_, err = c.Use("trend", factory, "F2")
	require.NoError(t, err)
	loader.next(t).fail(errors.New("analytics service unavailable"))
	require.True(t, rec.wait(t))

	snap, err := c.Use("trend", factory, "F2")
	require.NoError(t, err)
	assert.Equal(t, model.StatusError, snap.Status)
	assert.EqualError(t, snap.Error, "analytics service unavailable")
	assert.True(t, snap.HasLoaded)
	require.NotNil(t, snap.Result)
	assert.Equal(t, "A", snap.Result.Rows[0]["label"])
	loader.assertNoCall(t)

	refreshed, err := c.Refresh("trend")
	require.NoError(t, err)
	assert.True(t, refreshed.IsLoading)
	assert.NoError(t, refreshed.Error)
	assert.Equal(t, "A", refreshed.Result.Rows[0]["label"])

	loader.next(t).succeed(resultFor("C"))
	require.True(t, rec.wait(t))

	final, _ := c.Snapshot("trend")
	assert.Equal(t, model.StatusSuccess, final.Status)
	assert.Equal(t, "C", final.Result.Rows[0]["label"])
	assert.Equal(t, 2, compiles)
}

func TestCache_Use_FactoryError(t *testing.T) {
	loader := newFakeLoader()
	c, _ := newTestCache(loader)
	defer c.Close()

	compileErr := errors.New("start after end")
	calls := 0
	factory := func() (model.Query, error) {
		calls++
		return model.Query{}, compileErr
	}

	snap, err := c.Use("trend", factory, "bad-range")
	assert.ErrorIs(t, err, compileErr)
	assert.Equal(t, model.StatusError, snap.Status)
	assert.False(t, snap.IsLoading)

	again, err := c.Use("trend", factory, "bad-range")
	assert.NoError(t, err)
	assert.ErrorIs(t, again.Error, compileErr)
	assert.Equal(t, 1, calls)

	_, err = c.Refresh("trend")
	assert.NoError(t, err)
	loader.assertNoCall(t)
}

func TestCache_Refresh_PendingIsDeduplicated(t *testing.T) {
	loader := newFakeLoader()
	c, rec := newTestCache(loader)
	defer c.Close()

	compiles := 0
	_, err := c.Use("trend", countingFactory(&compiles, "averageRetailPrice"), "F1")
	require.NoError(t, err)
	call := loader.next(t)

	snap, err := c.Refresh("trend")
	require.NoError(t, err)
	assert.True(t, snap.IsLoading)
	loader.assertNoCall(t)

	call.succeed(resultFor("A"))
	require.True(t, rec.wait(t))

	_, err = c.Refresh("unknown")
	assert.ErrorIs(t, err, ErrUnknownView)
}

func TestCache_ProgressPassThrough(t *testing.T) {
	loader := newFakeLoader()
	c, rec := newTestCache(loader)
	defer c.Close()

	compiles := 0
	_, err := c.Use("trend", countingFactory(&compiles, "averageRetailPrice"), "F1")
	require.NoError(t, err)
	call := loader.next(t)

	call.progress(model.Progress{Stage: "Executing query", TimeElapsed: 1200})

	snap, _ := c.Snapshot("trend")
	require.NotNil(t, snap.Progress)
	assert.Equal(t, "Executing query", snap.Progress.Stage)

	call.succeed(resultFor("A"))
	require.True(t, rec.wait(t))

	call.progress(model.Progress{Stage: "late"})
	done, _ := c.Snapshot("trend")
	assert.Nil(t, done.Progress)
}

func TestCache_Release(t *testing.T) {
	loader := newFakeLoader()
	c, rec := newTestCache(loader)
	defer c.Close()

	compiles := 0
	_, err := c.Use("trend", countingFactory(&compiles, "averageRetailPrice"), "F1")
	require.NoError(t, err)
	call := loader.next(t)

	assert.True(t, c.Release("trend"))
	assert.False(t, c.Release("trend"))
	assert.Error(t, call.ctx.Err())

	call.succeed(resultFor("A"))
	assert.False(t, rec.wait(t))

	_, ok := c.Snapshot("trend")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestCache_Wait(t *testing.T) {
	loader := newFakeLoader()
	c, _ := newTestCache(loader)
	defer c.Close()

	compiles := 0
	_, err := c.Use("trend", countingFactory(&compiles, "averageRetailPrice"), "F1")
	require.NoError(t, err)
	call := loader.next(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	snap, err := c.Wait(ctx, "trend")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, snap.IsLoading)

	var wg sync.WaitGroup
	wg.Add(1)
	var settled model.Snapshot
	go func() {
		defer wg.Done()
		settled, _ = c.Wait(context.Background(), "trend")
	}()

	// Supersede while waiting; the waiter follows the new request.
	_, err = c.Use("trend", countingFactory(&compiles, "averageRetailPrice"), "F2")
	require.NoError(t, err)
	second := loader.next(t)
	call.succeed(resultFor("F1"))
	second.succeed(resultFor("F2"))
	wg.Wait()

	assert.Equal(t, model.StatusSuccess, settled.Status)
	assert.Equal(t, "F2", settled.Result.Rows[0]["label"])

	_, err = c.Wait(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUnknownView)
}

func TestCache_Sweep(t *testing.T) {
	loader := newFakeLoader()
	now := time.Date(2025, 10, 14, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	c, rec := newTestCache(loader, WithClock(clock))
	defer c.Close()

	compiles := 0
	factory := countingFactory(&compiles, "averageRetailPrice")

	_, _ = c.Use("old", factory, "F1")
	loader.next(t).succeed(resultFor("old"))
	rec.wait(t)

	mu.Lock()
	now = now.Add(20 * time.Minute)
	mu.Unlock()

	_, _ = c.Use("fresh", factory, "F1")
	loader.next(t).succeed(resultFor("fresh"))
	rec.wait(t)

	assert.Equal(t, 1, c.Sweep(15*time.Minute))
	_, ok := c.Snapshot("old")
	assert.False(t, ok)
	_, ok = c.Snapshot("fresh")
	assert.True(t, ok)
}

func TestCache_ViewsAreIsolated(t *testing.T) {
	loader := newFakeLoader()
	c, rec := newTestCache(loader)
	defer c.Close()

	compiles := 0
	factory := countingFactory(&compiles, "averageRetailPrice")

	_, err := c.Use("trend", factory, "Kaufland")
	require.NoError(t, err)
	_, err = c.Use("by-category", factory, "Kaufland")
	require.NoError(t, err)

	first := loader.next(t)
	second := loader.next(t)
	first.succeed(resultFor("one"))
	second.succeed(resultFor("two"))
	require.True(t, rec.wait(t))
	require.True(t, rec.wait(t))

	trend, _ := c.Snapshot("trend")
	byCategory, _ := c.Snapshot("by-category")
	assert.NotEqual(t, trend.Fingerprint, byCategory.Fingerprint)
	assert.True(t, trend.HasLoaded)
	assert.True(t, byCategory.HasLoaded)
	assert.EqualValues(t, 2, loader.calls.Load())
}
