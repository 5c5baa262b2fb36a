package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"autotrader/internal/repository"
	"autotrader/internal/service"
)

type ReportHandler struct {
	Repo        repository.ReportRepository
	Performance *service.PerformanceService
}

func (h *ReportHandler) Register(r *gin.Engine) {
	g := r.Group("/api/v1/reports")
	g.GET("/:instrument", h.get)
	g.POST("/:instrument/generate", h.generate)
}

// @Summary Latest performance report for an instrument
// @Tags reports
// @Param instrument path string true "instrument epic"
// @Success 200 {object} apiResponse
// @Failure 404 {object} apiResponse
// @Router /api/v1/reports/{instrument} [get]
func (h *ReportHandler) get(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	instrument := strings.TrimSpace(c.Param("instrument"))
	item, err := h.Repo.GetPerformanceReport(c.Request.Context(), instrument)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	if item == nil {
		Error(c, http.StatusNotFound, "report not found", nil)
		return
	}
	Ok(c, item, nil)
}

// @Summary Regenerate the performance report for an instrument
// @Tags reports
// @Param instrument path string true "instrument epic"
// @Success 200 {object} apiResponse
// @Failure 404 {object} apiResponse
// @Router /api/v1/reports/{instrument}/generate [post]
func (h *ReportHandler) generate(c *gin.Context) {
	if h.Performance == nil || h.Performance.Generator == nil {
		Error(c, http.StatusInternalServerError, "report generator unavailable", nil)
		return
	}
	instrument := strings.TrimSpace(c.Param("instrument"))
	item, err := h.Performance.GenerateReport(c.Request.Context(), instrument)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	if item == nil {
		Error(c, http.StatusNotFound, "no closed positions with entry and exit prices", nil)
		return
	}
	Ok(c, item, nil)
}
