package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"autotrader/internal/calendar"
	"autotrader/internal/pricefeed"
	"autotrader/internal/repository"
)

// MarketHandler exposes what the collector works from: the subscription
// registry, the trading calendar and the stored snapshots.
type MarketHandler struct {
	Registry  *pricefeed.Registry
	Calendar  *calendar.Calendar
	Snapshots repository.PriceSnapshotRepository
	Now       func() time.Time
}

func (h *MarketHandler) Register(r *gin.Engine) {
	g := r.Group("/api/v1")
	g.GET("/subscriptions", h.subscriptions)
	g.GET("/calendar/:instrument", h.tradingHour)
	g.GET("/prices", h.prices)
}

// @Summary Current price subscriptions
// @Tags market
// @Success 200 {object} apiResponse
// @Router /api/v1/subscriptions [get]
func (h *MarketHandler) subscriptions(c *gin.Context) {
	if h.Registry == nil {
		Error(c, http.StatusInternalServerError, "registry unavailable", nil)
		return
	}
	Ok(c, h.Registry.Subscriptions(), nil)
}

type tradingHourView struct {
	Instrument   string    `json:"instrument"`
	At           time.Time `json:"at"`
	Trading      bool      `json:"trading"`
	DataTimezone string    `json:"data_timezone"`
}

// @Summary Check whether an instrument trades at an instant
// @Tags market
// @Param instrument path string true "instrument epic"
// @Param at query string false "RFC3339 instant, default now"
// @Success 200 {object} apiResponse
// @Failure 400 {object} apiResponse
// @Failure 404 {object} apiResponse
// @Router /api/v1/calendar/{instrument} [get]
func (h *MarketHandler) tradingHour(c *gin.Context) {
	if h.Calendar == nil {
		Error(c, http.StatusInternalServerError, "calendar unavailable", nil)
		return
	}
	instrument := strings.TrimSpace(c.Param("instrument"))
	if !h.Calendar.Has(instrument) {
		Error(c, http.StatusNotFound, "unknown instrument", nil)
		return
	}
	at := h.now()
	if raw := strings.TrimSpace(c.Query("at")); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			Error(c, http.StatusBadRequest, "at must be RFC3339", nil)
			return
		}
		at = parsed
	}
	Ok(c, tradingHourView{
		Instrument:   instrument,
		At:           at,
		Trading:      h.Calendar.IsTradingHour(instrument, at),
		DataTimezone: h.Calendar.Location(instrument).String(),
	}, nil)
}

// @Summary Recent price snapshots
// @Tags market
// @Param instrument query string true "instrument epic"
// @Param resolution query string true "MINUTE..MONTH"
// @Param limit query int false "page size"
// @Success 200 {object} apiResponse
// @Failure 400 {object} apiResponse
// @Router /api/v1/prices [get]
func (h *MarketHandler) prices(c *gin.Context) {
	if h.Snapshots == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	instrument := strings.TrimSpace(c.Query("instrument"))
	if instrument == "" {
		Error(c, http.StatusBadRequest, "instrument is required", nil)
		return
	}
	res, err := pricefeed.ParseResolution(c.Query("resolution"))
	if err != nil {
		Error(c, http.StatusBadRequest, err.Error(), nil)
		return
	}
	items, err := h.Snapshots.ListPriceSnapshots(c.Request.Context(), repository.ListPriceSnapshotsParams{
		Limit:      intQuery(c, "limit", 100),
		Instrument: instrument,
		Resolution: res.String(),
	})
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, items, nil)
}

func (h *MarketHandler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}
