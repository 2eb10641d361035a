package http

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"pricing-analytics/internal/model"
	"pricing-analytics/internal/service"
)

const (
	maxWait             = 30 * time.Second
	defaultCoverageDays = 7
)

type Handler struct {
	planner *service.PlannerService
	log     zerolog.Logger
}

func NewHandler(planner *service.PlannerService, log zerolog.Logger) *Handler {
	return &Handler{planner: planner, log: log}
}

func (h *Handler) Register(r *gin.Engine) {
	r.GET("/health", h.health)

	planner := r.Group("/planner")
	planner.POST("/compile", h.compile)
	planner.POST("/analyze", h.analyze)

	r.GET("/catalog", h.getCatalog)
	r.GET("/catalog/coverage", h.getCoverage)

	views := r.Group("/views")
	views.GET("/:key", h.getView)
	views.POST("/:key/refresh", h.refreshView)
	views.DELETE("/:key", h.releaseView)

	r.POST("/dashboards", h.loadDashboard)
}

type snapshotResponse struct {
	model.Snapshot
	Stale bool   `json:"stale"`
	Error string `json:"error,omitempty"`
}

func newSnapshotResponse(s model.Snapshot) snapshotResponse {
	resp := snapshotResponse{Snapshot: s, Stale: s.IsStale()}
	if s.Error != nil {
		resp.Error = s.Error.Error()
	}
	return resp
}

type analyzeRequest struct {
	Query model.Query `json:"query"`
}

type dashboardRequest struct {
	Views []service.ViewRequest `json:"views"`
	Wait  string                `json:"wait"`
}

type dashboardEntry struct {
	Key      string           `json:"key"`
	Snapshot snapshotResponse `json:"snapshot"`
	Error    string           `json:"error,omitempty"`
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) compile(c *gin.Context) {
	var req service.ViewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.bindError(c, err)
		return
	}

	res, err := h.planner.Compile(c.Request.Context(), req)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse(res))
}

func (h *Handler) analyze(c *gin.Context) {
	var req analyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.bindError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse(h.planner.Analyze(c.Request.Context(), req.Query)))
}

func (h *Handler) getCatalog(c *gin.Context) {
	c.JSON(http.StatusOK, successResponse(h.planner.Catalog()))
}

func (h *Handler) getCoverage(c *gin.Context) {
	since := time.Now().UTC().AddDate(0, 0, -defaultCoverageDays)
	if raw := strings.TrimSpace(c.Query("since")); raw != "" {
		parsed, err := model.ParseDate(raw)
		if err != nil {
			h.handleError(c, err)
			return
		}
		since = parsed
	}
	limit := 0
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, errorResponse("invalid limit"))
			return
		}
		limit = n
	}

	rows, err := h.planner.Coverage(c.Request.Context(), since, limit)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse(rows))
}

func (h *Handler) getView(c *gin.Context) {
	req, err := h.parseViewRequest(c)
	if err != nil {
		h.handleError(c, err)
		return
	}
	wait, err := parseWait(c.Query("wait"))
	if err != nil {
		h.handleError(c, err)
		return
	}

	snap, err := h.planner.View(c.Request.Context(), req, wait)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse(newSnapshotResponse(snap)))
}

func (h *Handler) refreshView(c *gin.Context) {
	snap, err := h.planner.Refresh(c.Param("key"))
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse(newSnapshotResponse(snap)))
}

func (h *Handler) releaseView(c *gin.Context) {
	if err := h.planner.Release(c.Param("key")); err != nil {
		h.handleError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (h *Handler) loadDashboard(c *gin.Context) {
	var req dashboardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.bindError(c, err)
		return
	}
	wait, err := parseWait(req.Wait)
	if err != nil {
		h.handleError(c, err)
		return
	}

	views, err := h.planner.Dashboard(c.Request.Context(), req.Views, wait)
	if err != nil {
		h.handleError(c, err)
		return
	}

	entries := make([]dashboardEntry, 0, len(views))
	for _, v := range views {
		entry := dashboardEntry{Key: v.Key, Snapshot: newSnapshotResponse(v.Snapshot)}
		if v.Err != nil {
			entry.Error = v.Err.Error()
		}
		entries = append(entries, entry)
	}

	c.JSON(http.StatusOK, successResponse(entries))
}

func (h *Handler) parseViewRequest(c *gin.Context) (service.ViewRequest, error) {
	req := service.ViewRequest{
		Key:        strings.TrimSpace(c.Param("key")),
		Measures:   listParam(c, "measures"),
		Dimensions: listParam(c, "dimensions"),
		Filter: model.FilterModel{
			Retailers:      listParam(c, "retailers"),
			Settlements:    listParam(c, "settlements"),
			Municipalities: listParam(c, "municipalities"),
			Categories:     listParam(c, "categories"),
		},
	}

	fromStr := strings.TrimSpace(c.Query("from"))
	toStr := strings.TrimSpace(c.Query("to"))
	if fromStr != "" || toStr != "" {
		rng, err := model.NewDateRange(fromStr, toStr)
		if err != nil {
			return req, err
		}
		req.Filter.Range = &rng
	}

	if presetStr := strings.TrimSpace(c.Query("preset")); presetStr != "" {
		preset, err := model.ParseDatePreset(presetStr)
		if err != nil {
			return req, err
		}
		req.Filter.Preset = preset
	}

	granularity, err := model.ParseGranularity(c.Query("granularity"))
	if err != nil {
		return req, err
	}
	req.Filter.Granularity = granularity

	if orderStr := strings.TrimSpace(c.Query("order")); orderStr != "" {
		member, dir, _ := strings.Cut(orderStr, ":")
		if dir == "" {
			dir = string(model.OrderAsc)
		}
		req.Order = []model.OrderBy{{Member: member, Direction: model.OrderDirection(strings.ToLower(dir))}}
	}

	if limitStr := strings.TrimSpace(c.Query("limit")); limitStr != "" {
		n, err := strconv.Atoi(limitStr)
		if err != nil {
			return req, fmt.Errorf("%w: invalid limit %q", model.ErrInvalidQuery, limitStr)
		}
		req.Limit = n
	}

	return req, nil
}

// listParam accepts both repeated parameters and comma separated values.
func listParam(c *gin.Context, name string) []string {
	var out []string
	for _, raw := range c.QueryArray(name) {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func parseWait(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		secs, convErr := strconv.ParseFloat(raw, 64)
		if convErr != nil {
			return 0, fmt.Errorf("%w: invalid wait %q", model.ErrInvalidQuery, raw)
		}
		d = time.Duration(secs * float64(time.Second))
	}
	if d < 0 {
		return 0, fmt.Errorf("%w: negative wait %q", model.ErrInvalidQuery, raw)
	}
	if d > maxWait {
		d = maxWait
	}
	return d, nil
}

// bindError keeps the message of filter and query decoding errors.
func (h *Handler) bindError(c *gin.Context, err error) {
	if errors.Is(err, model.ErrInvalidFilter) || errors.Is(err, model.ErrInvalidQuery) {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusBadRequest, errorResponse("invalid request body"))
}

func (h *Handler) handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, model.ErrInvalidFilter), errors.Is(err, model.ErrInvalidQuery):
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, errorResponse(err.Error()))
	case errors.Is(err, service.ErrStoreDisabled):
		c.JSON(http.StatusServiceUnavailable, errorResponse(err.Error()))
	default:
		h.log.Error().Err(err).Msg("handler error")
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
	}
}

func successResponse(data interface{}) gin.H {
	return gin.H{"data": data}
}

func errorResponse(message string) gin.H {
	return gin.H{"error": message}
}
