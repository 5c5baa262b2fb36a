package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	cronrunner "autotrader/internal/cron"
)

type JobHandler struct {
	Runner *cronrunner.Runner
}

func (h *JobHandler) Register(r *gin.Engine) {
	g := r.Group("/api/v1/jobs")
	g.GET("", h.list)
	g.POST("/:name/run", h.run)
}

// @Summary List scheduled jobs
// @Tags jobs
// @Success 200 {object} apiResponse
// @Router /api/v1/jobs [get]
func (h *JobHandler) list(c *gin.Context) {
	if h.Runner == nil {
		Error(c, http.StatusInternalServerError, "runner unavailable", nil)
		return
	}
	Ok(c, h.Runner.Jobs(), nil)
}

// @Summary Trigger a job now
// @Tags jobs
// @Param name path string true "job name"
// @Success 202 {object} apiResponse
// @Failure 404 {object} apiResponse
// @Failure 409 {object} apiResponse
// @Router /api/v1/jobs/{name}/run [post]
func (h *JobHandler) run(c *gin.Context) {
	if h.Runner == nil {
		Error(c, http.StatusInternalServerError, "runner unavailable", nil)
		return
	}
	name := strings.TrimSpace(c.Param("name"))
	err := h.Runner.RunAsync(name)
	switch {
	case errors.Is(err, cronrunner.ErrUnknownJob):
		Error(c, http.StatusNotFound, err.Error(), nil)
	case errors.Is(err, cronrunner.ErrJobRunning):
		Error(c, http.StatusConflict, err.Error(), nil)
	case err != nil:
		Error(c, http.StatusInternalServerError, err.Error(), nil)
	default:
		c.JSON(http.StatusAccepted, apiResponse{Code: 0, Message: "started", Data: gin.H{"job": name}})
	}
}
