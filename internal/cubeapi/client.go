package cubeapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gohugoio/hashstructure"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"

	"pricing-analytics/internal/model"
	"pricing-analytics/internal/resultstore"
)

const (
	continueWait    = "Continue wait"
	maxResponseSize = 64 << 20
)

// ServiceError is an error reported by the analytics service itself.
type ServiceError struct {
	Status  int
	Message string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("analytics service returned %d: %s", e.Status, e.Message)
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(c *Client) {
		c.poll = d
	}
}

// WithRequestTimeout bounds one logical load including every poll.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

func WithTokenTTL(d time.Duration) Option {
	return func(c *Client) {
		c.tokenTTL = d
	}
}

// WithStore serves and records results through a shared store.
func WithStore(store resultstore.Store) Option {
	return func(c *Client) {
		c.store = store
	}
}

// Client talks to a Cube-style /load endpoint. Identical concurrent queries
// share one network call.
type Client struct {
	baseURL  string
	secret   []byte
	http     *http.Client
	poll     time.Duration
	timeout  time.Duration
	tokenTTL time.Duration
	store    resultstore.Store
	log      zerolog.Logger
	now      func() time.Time

	group singleflight.Group
}

func New(baseURL, secret string, log zerolog.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		secret:   []byte(secret),
		http:     &http.Client{},
		poll:     time.Second,
		timeout:  30 * time.Second,
		tokenTTL: 5 * time.Minute,
		log:      log.With().Str("component", "cube_client").Logger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// QueryKey is the structural hash of a query. Queries equal by value share it.
func QueryKey(q model.Query) (string, error) {
	h, err := hashstructure.Hash(q, nil)
	if err != nil {
		return "", fmt.Errorf("hash query: %w", err)
	}
	return strconv.FormatUint(h, 16), nil
}

// Load runs q on the analytics service. Progress is only reported to the
// caller that started the shared request. The shared request outlives a
// cancelled caller and is bounded by the request timeout.
func (c *Client) Load(ctx context.Context, q model.Query, progress func(model.Progress)) (*model.ResultSet, error) {
	key, err := QueryKey(q)
	if err != nil {
		return nil, err
	}

	ch := c.group.DoChan(key, func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		return c.load(loadCtx, key, q, progress)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			c.log.Debug().Str("query_key", key).Msg("shared in-flight analytics request")
		}
		return res.Val.(*model.ResultSet), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) load(ctx context.Context, key string, q model.Query, progress func(model.Progress)) (*model.ResultSet, error) {
	if c.store != nil {
		rs, ok, err := c.store.Get(ctx, key)
		if err != nil {
			c.log.Warn().Err(err).Str("query_key", key).Msg("result store lookup failed")
		} else if ok {
			return rs, nil
		}
	}

	payload, err := json.Marshal(struct {
		Query model.Query `json:"query"`
	}{Query: q})
	if err != nil {
		return nil, fmt.Errorf("encode query: %w", err)
	}

	requestID := uuid.NewString()
	started := c.now()
	for attempt := 1; ; attempt++ {
		body, err := c.post(ctx, requestID, attempt, payload)
		if err != nil {
			return nil, err
		}

		if gjson.GetBytes(body, "error").String() == continueWait {
			if progress != nil {
				progress(parseProgress(body))
			}
			select {
			case <-time.After(c.poll):
				continue
			case <-ctx.Done():
				return nil, fmt.Errorf("waiting for analytics result: %w", ctx.Err())
			}
		}

		rs, err := parseResult(body)
		if err != nil {
			return nil, err
		}
		c.log.Debug().
			Str("query_key", key).
			Str("request_id", requestID).
			Int("polls", attempt).
			Int("rows", len(rs.Rows)).
			Strs("pre_aggregations", rs.UsedPreAggregations).
			Dur("elapsed", c.now().Sub(started)).
			Msg("analytics query loaded")

		if c.store != nil {
			if err := c.store.Put(ctx, key, rs); err != nil {
				c.log.Warn().Err(err).Str("query_key", key).Msg("result store write failed")
			}
		}
		return rs, nil
	}
}

func (c *Client) post(ctx context.Context, requestID string, attempt int, payload []byte) ([]byte, error) {
	token, err := c.token()
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/load", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", token)
	req.Header.Set("X-Request-Id", requestID+"-span-"+strconv.Itoa(attempt))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post /load: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		msg := gjson.GetBytes(body, "error").String()
		if msg == "" {
			msg = strings.TrimSpace(string(body))
		}
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, &ServiceError{Status: resp.StatusCode, Message: msg}
	}
	if msg := gjson.GetBytes(body, "error").String(); msg != "" && msg != continueWait {
		return nil, &ServiceError{Status: resp.StatusCode, Message: msg}
	}
	return body, nil
}

func (c *Client) token() (string, error) {
	now := c.now()
	claims := jwt.RegisteredClaims{
		Issuer:    "pricing-analytics",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(c.tokenTTL)),
		ID:        uuid.NewString(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func parseProgress(body []byte) model.Progress {
	stage := gjson.GetBytes(body, "stage")
	p := model.Progress{Stage: stage.Get("stage").String()}
	if p.Stage == "" && stage.Type == gjson.String {
		p.Stage = stage.String()
	}
	p.TimeElapsed = stage.Get("timeElapsed").Int()
	return p
}

var annotationSections = []struct {
	path string
	kind model.ColumnKind
}{
	{"annotation.dimensions", model.ColumnDimension},
	{"annotation.timeDimensions", model.ColumnTimeDimension},
	{"annotation.measures", model.ColumnMeasure},
}

func parseResult(body []byte) (*model.ResultSet, error) {
	if !gjson.ValidBytes(body) {
		return nil, errors.New("analytics service returned malformed JSON")
	}
	doc := gjson.ParseBytes(body)

	rs := &model.ResultSet{
		Columns: []model.Column{},
		Rows:    []map[string]any{},
	}
	if data := doc.Get("data"); data.Exists() {
		if err := json.Unmarshal([]byte(data.Raw), &rs.Rows); err != nil {
			return nil, fmt.Errorf("decode data: %w", err)
		}
		if rs.Rows == nil {
			rs.Rows = []map[string]any{}
		}
	}

	for _, section := range annotationSections {
		doc.Get(section.path).ForEach(func(name, meta gjson.Result) bool {
			rs.Columns = append(rs.Columns, model.Column{
				Name:  name.String(),
				Title: meta.Get("title").String(),
				Type:  meta.Get("type").String(),
				Kind:  section.kind,
			})
			return true
		})
	}

	if raw := doc.Get("lastRefreshTime").String(); raw != "" {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			rs.LastRefreshTime = &ts
		}
	}

	doc.Get("usedPreAggregations").ForEach(func(name, _ gjson.Result) bool {
		rs.UsedPreAggregations = append(rs.UsedPreAggregations, name.String())
		return true
	})
	sort.Strings(rs.UsedPreAggregations)

	return rs, nil
}
