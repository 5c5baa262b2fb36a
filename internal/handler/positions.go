package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"autotrader/internal/models"
	"autotrader/internal/repository"
	"autotrader/internal/service"
)

type PositionHandler struct {
	Repo    repository.PositionRepository
	Service *service.PositionService
	Logger  *zap.Logger
}

func (h *PositionHandler) Register(r *gin.Engine) {
	g := r.Group("/api/v1/positions")
	g.GET("", h.list)
	g.POST("", h.open)
	g.GET("/:id", h.get)
}

// @Summary List positions
// @Tags positions
// @Param status query string false "PENDING|OPENED|CLOSED"
// @Param instrument query string false "instrument epic"
// @Param strategy query string false "strategy name"
// @Param order_by query string false "opened_at|exited_at|created_at"
// @Param order query string false "asc|desc"
// @Param limit query int false "page size"
// @Param offset query int false "offset"
// @Success 200 {object} apiResponse
// @Router /api/v1/positions [get]
func (h *PositionHandler) list(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)
	orderBy := parseOrder(strings.TrimSpace(c.Query("order_by")), map[string]string{
		"opened_at":  "opened_at",
		"exited_at":  "exited_at",
		"created_at": "created_at",
	})
	if orderBy == "" {
		orderBy = "opened_at"
	}
	asc := strings.EqualFold(strings.TrimSpace(c.Query("order")), "asc")

	status := strQueryPtr(c, "status")
	if status != nil {
		upper := strings.ToUpper(*status)
		status = &upper
	}
	params := repository.ListPositionsParams{
		Limit:      limit,
		Offset:     offset,
		Status:     status,
		Instrument: strQueryPtr(c, "instrument"),
		Strategy:   strQueryPtr(c, "strategy"),
		OrderBy:    orderBy,
		Asc:        boolPtr(asc),
	}
	items, err := h.Repo.ListPositions(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	total, err := h.Repo.CountPositions(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, items, paginationMeta(limit, offset, total))
}

// @Summary Get position
// @Tags positions
// @Param id path string true "position id"
// @Success 200 {object} apiResponse
// @Failure 404 {object} apiResponse
// @Router /api/v1/positions/{id} [get]
func (h *PositionHandler) get(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		Error(c, http.StatusBadRequest, "invalid id", nil)
		return
	}
	item, err := h.Repo.GetPositionByID(c.Request.Context(), id)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	if item == nil {
		Error(c, http.StatusNotFound, "position not found", nil)
		return
	}
	Ok(c, item, nil)
}

type openPositionRequest struct {
	Strategy   string           `json:"strategy"`
	Instrument string           `json:"instrument" binding:"required"`
	Direction  string           `json:"direction" binding:"required"`
	Size       decimal.Decimal  `json:"size"`
	EntryPrice decimal.Decimal  `json:"entry_price"`
	StopLoss   *decimal.Decimal `json:"stop_loss"`
	TakeProfit *decimal.Decimal `json:"take_profit"`
	Currency   string           `json:"currency"`
	RiskAmount decimal.Decimal  `json:"risk_amount"`
	Rationale  map[string]any   `json:"rationale"`
}

// @Summary Place an order and track it as a pending position
// @Tags positions
// @Accept json
// @Param body body openPositionRequest true "order"
// @Success 200 {object} apiResponse
// @Failure 400 {object} apiResponse
// @Failure 502 {object} apiResponse
// @Router /api/v1/positions [post]
func (h *PositionHandler) open(c *gin.Context) {
	if h.Service == nil {
		Error(c, http.StatusInternalServerError, "service unavailable", nil)
		return
	}
	var req openPositionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, err.Error(), nil)
		return
	}
	pos, err := h.Service.OpenPosition(c.Request.Context(), service.OpenRequest{
		Strategy:   req.Strategy,
		Instrument: req.Instrument,
		Direction:  models.Direction(strings.ToLower(strings.TrimSpace(req.Direction))),
		Size:       req.Size,
		EntryPrice: req.EntryPrice,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		Currency:   req.Currency,
		RiskAmount: req.RiskAmount,
		Rationale:  req.Rationale,
	})
	switch {
	case errors.Is(err, service.ErrInvalidOrder):
		Error(c, http.StatusBadRequest, err.Error(), nil)
	case err != nil && pos != nil:
		if h.Logger != nil {
			h.Logger.Warn("order placement failed", zap.String("position_id", pos.ID), zap.Error(err))
		}
		errorWithData(c, http.StatusBadGateway, err.Error(), pos)
	case err != nil:
		Error(c, http.StatusInternalServerError, err.Error(), nil)
	default:
		Ok(c, pos, nil)
	}
}
