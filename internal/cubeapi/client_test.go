package cubeapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"pricing-analytics/internal/model"
)

const testSecret = "cube-secret"

const successBody = `{
	"query": {},
	"data": [
		{"prices.retailer_name": "Kaufland", "prices.date.day": "2025-10-01T00:00:00.000", "prices.averageRetailPrice": "2.49"},
		{"prices.retailer_name": "Lidl", "prices.date.day": "2025-10-01T00:00:00.000", "prices.averageRetailPrice": "2.19"}
	],
	"lastRefreshTime": "2025-10-14T09:00:00.000Z",
	"annotation": {
		"measures": {"prices.averageRetailPrice": {"title": "Prices Average Retail Price", "type": "number"}},
		"dimensions": {"prices.retailer_name": {"title": "Prices Retailer Name", "type": "string"}},
		"timeDimensions": {"prices.date.day": {"title": "Prices Date", "type": "time"}}
	},
	"usedPreAggregations": {
		"prices.prices_by_retailer_daily": {"targetTableName": "prod_pre_aggregations.prices_by_retailer_daily"},
		"prices.prices_overall_daily": {"targetTableName": "prod_pre_aggregations.prices_overall_daily"}
	}
}`

func testQuery(retailer string) model.Query {
	return model.Query{
		Measures:   []string{"prices.averageRetailPrice"},
		Dimensions: []string{"prices.retailer_name"},
		TimeDimensions: []model.TimeDimension{{
			Dimension:   "prices.date",
			Granularity: model.GranularityDay,
			DateRange:   model.RangeSpec{Relative: "last 7 days"},
		}},
		Filters: []model.FilterClause{{Member: "prices.retailer", Operator: model.OperatorEquals, Values: []string{retailer}}},
		Order:   []model.OrderBy{},
	}
}

func newTestClient(url string, opts ...Option) *Client {
	opts = append([]Option{WithPollInterval(time.Millisecond)}, opts...)
	return New(url, testSecret, zerolog.Nop(), opts...)
}

func TestClient_Load_Success(t *testing.T) {
	var gotAuth string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/cubejs-api/v1/load", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		gotAuth = r.Header.Get("Authorization")
		gotBody, _ = io.ReadAll(r.Body)
		_, _ = io.WriteString(w, successBody)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL + "/cubejs-api/v1/")
	rs, err := c.Load(context.Background(), testQuery("Kaufland"), nil)
	require.NoError(t, err)

	assert.Equal(t, "prices.averageRetailPrice", gjson.GetBytes(gotBody, "query.measures.0").String())
	assert.Equal(t, "Kaufland", gjson.GetBytes(gotBody, "query.filters.0.values.0").String())

	token, err := jwt.Parse(gotAuth, func(*jwt.Token) (any, error) { return []byte(testSecret), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	require.NoError(t, err)
	assert.True(t, token.Valid)

	assert.Equal(t, []model.Column{
		{Name: "prices.retailer_name", Title: "Prices Retailer Name", Type: "string", Kind: model.ColumnDimension},
		{Name: "prices.date.day", Title: "Prices Date", Type: "time", Kind: model.ColumnTimeDimension},
		{Name: "prices.averageRetailPrice", Title: "Prices Average Retail Price", Type: "number", Kind: model.ColumnMeasure},
	}, rs.Columns)
	require.Len(t, rs.Rows, 2)
	assert.Equal(t, "Lidl", rs.Rows[1]["prices.retailer_name"])
	assert.Equal(t, []string{"prices.prices_by_retailer_daily", "prices.prices_overall_daily"}, rs.UsedPreAggregations)
	require.NotNil(t, rs.LastRefreshTime)
	assert.Equal(t, time.Date(2025, 10, 14, 9, 0, 0, 0, time.UTC), rs.LastRefreshTime.UTC())
	assert.False(t, rs.FromStore)
}

func TestClient_Load_ContinueWait(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch hits.Add(1) {
		case 1:
			_, _ = io.WriteString(w, `{"error":"Continue wait","stage":{"stage":"Executing query","timeElapsed":1200}}`)
		case 2:
			_, _ = io.WriteString(w, `{"error":"Continue wait","stage":{"stage":"Downloading","timeElapsed":2400}}`)
		default:
			_, _ = io.WriteString(w, successBody)
		}
	}))
	defer srv.Close()

	var stages []model.Progress
	rs, err := newTestClient(srv.URL).Load(context.Background(), testQuery("Kaufland"), func(p model.Progress) {
		stages = append(stages, p)
	})
	require.NoError(t, err)
	assert.Len(t, rs.Rows, 2)
	assert.EqualValues(t, 3, hits.Load())
	assert.Equal(t, []model.Progress{
		{Stage: "Executing query", TimeElapsed: 1200},
		{Stage: "Downloading", TimeElapsed: 2400},
	}, stages)
}

func TestClient_Load_ServiceErrors(t *testing.T) {
	tests := map[string]struct {
		status     int
		body       string
		wantStatus int
		wantMsg    string
	}{
		"bad request": {
			status:     http.StatusBadRequest,
			body:       `{"error":"Cube 'prices' not found"}`,
			wantStatus: http.StatusBadRequest,
			wantMsg:    "Cube 'prices' not found",
		},
		"plain text failure": {
			status:     http.StatusBadGateway,
			body:       "upstream down",
			wantStatus: http.StatusBadGateway,
			wantMsg:    "upstream down",
		},
		"empty failure": {
			status:     http.StatusInternalServerError,
			wantStatus: http.StatusInternalServerError,
			wantMsg:    "Internal Server Error",
		},
		"error body on ok status": {
			status:     http.StatusOK,
			body:       `{"error":"Query timeout"}`,
			wantStatus: http.StatusOK,
			wantMsg:    "Query timeout",
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(test.status)
				_, _ = io.WriteString(w, test.body)
			}))
			defer srv.Close()

			_, err := newTestClient(srv.URL).Load(context.Background(), testQuery("Kaufland"), nil)
			var svcErr *ServiceError
			require.True(t, errors.As(err, &svcErr), "got %v", err)
			assert.Equal(t, test.wantStatus, svcErr.Status)
			assert.Equal(t, test.wantMsg, svcErr.Message)
		})
	}
}

func TestClient_Load_MalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"data": [`)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Load(context.Background(), testQuery("Kaufland"), nil)
	assert.Error(t, err)
}

func TestClient_Load_SharesIdenticalQueries(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	arrived := make(chan struct{}, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		arrived <- struct{}{}
		<-release
		_, _ = io.WriteString(w, successBody)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)

	var wg sync.WaitGroup
	results := make([]*model.ResultSet, 2)
	errs := make([]error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = c.Load(context.Background(), testQuery("Kaufland"), nil)
	}()
	<-arrived

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1], errs[1] = c.Load(context.Background(), testQuery("Kaufland"), nil)
	}()
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.EqualValues(t, 1, hits.Load())
	assert.Same(t, results[0], results[1])
}

func TestClient_Load_CallerCancelled(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		_, _ = io.WriteString(w, successBody)
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := newTestClient(srv.URL).Load(ctx, testQuery("Kaufland"), nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClient_Load_RequestTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"error":"Continue wait","stage":"Queued"}`)
	}))
	defer srv.Close()

	var last model.Progress
	_, err := newTestClient(srv.URL, WithRequestTimeout(50*time.Millisecond)).
		Load(context.Background(), testQuery("Kaufland"), func(p model.Progress) { last = p })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, "Queued", last.Stage)
}

type memStore struct {
	mu   sync.Mutex
	data map[string]*model.ResultSet
	puts int
}

func (m *memStore) Get(_ context.Context, key string) (*model.ResultSet, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rs, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	cp := *rs
	cp.FromStore = true
	return &cp, true, nil
}

func (m *memStore) Put(_ context.Context, key string, rs *model.ResultSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = rs
	m.puts++
	return nil
}

func TestClient_Load_ResultStore(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = io.WriteString(w, successBody)
	}))
	defer srv.Close()

	store := &memStore{data: map[string]*model.ResultSet{}}
	c := newTestClient(srv.URL, WithStore(store))

	first, err := c.Load(context.Background(), testQuery("Kaufland"), nil)
	require.NoError(t, err)
	assert.False(t, first.FromStore)
	assert.Equal(t, 1, store.puts)

	second, err := c.Load(context.Background(), testQuery("Kaufland"), nil)
	require.NoError(t, err)
	assert.True(t, second.FromStore)
	assert.Equal(t, first.Rows, second.Rows)
	assert.EqualValues(t, 1, hits.Load())

	_, err = c.Load(context.Background(), testQuery("Lidl"), nil)
	require.NoError(t, err)
	assert.EqualValues(t, 2, hits.Load())
}

func TestQueryKey(t *testing.T) {
	a, err := QueryKey(testQuery("Kaufland"))
	require.NoError(t, err)
	b, err := QueryKey(testQuery("Kaufland"))
	require.NoError(t, err)
	c, err := QueryKey(testQuery("Lidl"))
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)

	abs := testQuery("Kaufland")
	abs.TimeDimensions[0].DateRange = model.RangeSpec{Absolute: &[2]string{"2025-10-01", "2025-10-07"}}
	d, err := QueryKey(abs)
	require.NoError(t, err)
	assert.NotEqual(t, a, d)
}
