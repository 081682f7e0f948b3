package apihttp

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"marketcache/internal/batch"
	"marketcache/internal/market"
	"marketcache/internal/router"
	"marketcache/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cast"
)

const defaultInterval = "1d"

type Handler struct {
	svc Service
}

func NewHandler(svc Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.GET("/ohlcv/:symbol", h.handleFetch)
	group.GET("/ohlcv/:symbol/cached", h.handleCached)
	group.GET("/ohlcv/:symbol/timeframes", h.handleTimeframes)
	group.POST("/ohlcv/batch", h.handleBatch)
	group.GET("/cache/stats", h.handleCacheStats)
	group.DELETE("/cache", h.handleInvalidate)
	group.GET("/actions/:symbol", h.handleListActions)
	group.POST("/actions/:symbol", h.handleRecordAction)
	group.POST("/actions/:symbol/adjust", h.handleAdjust)
	group.POST("/validate", h.handleValidate)
	group.POST("/gaps", h.handleGaps)
	group.GET("/health/providers", h.handleProviderHealth)
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

// parseTime accepts RFC3339 or a bare date; an empty value returns zero.
func parseTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := cast.ToTimeInDefaultLocationE(raw, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q", raw)
	}
	return t.UTC(), nil
}

type rangeQuery struct {
	venue    string
	interval string
	from     time.Time
	to       time.Time
	refresh  bool
}

func parseRange(c *gin.Context, requireBounds bool) (rangeQuery, error) {
	q := rangeQuery{
		venue:    c.Query("venue"),
		interval: c.DefaultQuery("interval", defaultInterval),
		refresh:  cast.ToBool(c.Query("refresh")),
	}
	var err error
	if q.from, err = parseTime(c.Query("from")); err != nil {
		return q, err
	}
	if q.to, err = parseTime(c.Query("to")); err != nil {
		return q, err
	}
	if requireBounds {
		if q.from.IsZero() {
			return q, fmt.Errorf("from is required")
		}
		if q.to.IsZero() {
			q.to = time.Now().UTC()
		}
	}
	return q, nil
}

func (h *Handler) handleFetch(c *gin.Context) {
	q, err := parseRange(c, true)
	if err != nil {
		badRequest(c, err)
		return
	}
	res := h.svc.Fetch(c.Request.Context(), router.Request{
		Symbol:       c.Param("symbol"),
		Venue:        q.venue,
		Interval:     q.interval,
		From:         q.from,
		To:           q.to,
		ForceRefresh: q.refresh,
	})
	c.JSON(http.StatusOK, res)
}

func (h *Handler) handleCached(c *gin.Context) {
	q, err := parseRange(c, true)
	if err != nil {
		badRequest(c, err)
		return
	}
	rows := h.svc.GetCachedRows(c.Request.Context(), c.Param("symbol"), q.venue, q.interval, q.from, q.to)
	c.JSON(http.StatusOK, gin.H{"rows": rows})
}

func (h *Handler) handleTimeframes(c *gin.Context) {
	q, err := parseRange(c, true)
	if err != nil {
		badRequest(c, err)
		return
	}
	var intervals []string
	for _, part := range strings.Split(c.Query("intervals"), ",") {
		if part = strings.TrimSpace(part); part != "" {
			intervals = append(intervals, part)
		}
	}
	if len(intervals) == 0 {
		badRequest(c, fmt.Errorf("intervals is required"))
		return
	}
	c.JSON(http.StatusOK, h.svc.FetchTimeframes(c.Request.Context(), c.Param("symbol"), q.venue, intervals, q.from, q.to, q.refresh))
}

type batchBody struct {
	Symbols      []string `json:"symbols"`
	Venue        string   `json:"venue"`
	Interval     string   `json:"interval"`
	From         string   `json:"from"`
	To           string   `json:"to"`
	ForceRefresh bool     `json:"force_refresh"`
}

func (h *Handler) handleBatch(c *gin.Context) {
	var body batchBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}
	from, err := parseTime(body.From)
	if err != nil {
		badRequest(c, err)
		return
	}
	to, err := parseTime(body.To)
	if err != nil {
		badRequest(c, err)
		return
	}
	if to.IsZero() {
		to = time.Now().UTC()
	}
	interval := body.Interval
	if interval == "" {
		interval = defaultInterval
	}
	res := h.svc.FetchBatch(c.Request.Context(), batch.Request{
		Symbols:      body.Symbols,
		Venue:        body.Venue,
		Interval:     interval,
		From:         from,
		To:           to,
		ForceRefresh: body.ForceRefresh,
	})
	c.JSON(http.StatusOK, res)
}

func (h *Handler) handleCacheStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.GetCacheStats(c.Request.Context()))
}

func (h *Handler) handleInvalidate(c *gin.Context) {
	before, err := parseTime(c.Query("before"))
	if err != nil {
		badRequest(c, err)
		return
	}
	removed := h.svc.Invalidate(c.Request.Context(), store.InvalidateFilter{
		Symbol: c.Query("symbol"),
		Venue:  c.Query("venue"),
		Before: before,
	})
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

func (h *Handler) handleListActions(c *gin.Context) {
	var from, to *time.Time
	if t, err := parseTime(c.Query("from")); err != nil {
		badRequest(c, err)
		return
	} else if !t.IsZero() {
		from = &t
	}
	if t, err := parseTime(c.Query("to")); err != nil {
		badRequest(c, err)
		return
	} else if !t.IsZero() {
		to = &t
	}
	actions, err := h.svc.GetActions(c.Request.Context(), c.Param("symbol"), from, to)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if actions == nil {
		actions = []market.CorporateAction{}
	}
	c.JSON(http.StatusOK, gin.H{"actions": actions})
}

type actionBody struct {
	Type    string         `json:"action_type"`
	Date    string         `json:"date"`
	Details map[string]any `json:"details"`
}

func (h *Handler) handleRecordAction(c *gin.Context) {
	var body actionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}
	date, err := parseTime(body.Date)
	if err != nil {
		badRequest(c, err)
		return
	}
	typ, err := market.ParseActionType(body.Type)
	if err != nil {
		badRequest(c, err)
		return
	}
	symbol := c.Param("symbol")
	action := market.CorporateAction{Symbol: symbol, Type: typ, Date: date, Details: body.Details}
	if err := h.svc.RecordAction(c.Request.Context(), symbol, action); err != nil {
		badRequest(c, err)
		return
	}
	c.JSON(http.StatusCreated, action)
}

type rowsBody struct {
	Rows     []market.Row `json:"rows"`
	Interval string       `json:"interval"`
	Fill     string       `json:"fill"`
}

func (h *Handler) handleAdjust(c *gin.Context) {
	var body rowsBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}
	rows, err := h.svc.ApplyAllAdjustments(c.Request.Context(), c.Param("symbol"), body.Rows)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rows": rows})
}

func (h *Handler) handleValidate(c *gin.Context) {
	var body rowsBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}
	c.JSON(http.StatusOK, h.svc.Validate(body.Rows))
}

func (h *Handler) handleGaps(c *gin.Context) {
	var body rowsBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}
	if body.Interval == "" {
		body.Interval = defaultInterval
	}
	found, err := h.svc.DetectGaps(body.Rows, body.Interval)
	if err != nil {
		badRequest(c, err)
		return
	}
	if found == nil {
		found = []market.Gap{}
	}
	resp := gin.H{"gaps": found, "report": h.svc.GapReport(found)}
	if body.Fill != "" {
		filled, err := h.svc.FillGaps(body.Rows, body.Interval, body.Fill)
		if err != nil {
			badRequest(c, err)
			return
		}
		resp["rows"] = filled
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) handleProviderHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"providers": h.svc.ProviderHealth(),
		"limiters":  h.svc.LimiterStats(),
	})
}
