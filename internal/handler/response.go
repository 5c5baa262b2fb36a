package handler

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

type apiResponse struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    any            `json:"data,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

func Ok(c *gin.Context, data any, meta map[string]any) {
	c.JSON(http.StatusOK, apiResponse{
		Code:    0,
		Message: "ok",
		Data:    data,
		Meta:    meta,
	})
}

func Error(c *gin.Context, status int, message string, meta map[string]any) {
	c.JSON(status, apiResponse{
		Code:    status,
		Message: message,
		Meta:    meta,
	})
}

// errorWithData is used when the failed operation still produced a record the
// caller should see, e.g. a position closed after a rejected order.
func errorWithData(c *gin.Context, status int, message string, data any) {
	c.JSON(status, apiResponse{
		Code:    status,
		Message: message,
		Data:    data,
	})
}

func intQuery(c *gin.Context, key string, def int) int {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func strQueryPtr(c *gin.Context, key string) *string {
	v := strings.TrimSpace(c.Query(key))
	if v == "" {
		return nil
	}
	return &v
}

func parseOrder(value string, allow map[string]string) string {
	if value == "" {
		return ""
	}
	return allow[strings.ToLower(value)]
}

func paginationMeta(limit, offset int, total int64) map[string]any {
	meta := map[string]any{
		"total":  total,
		"limit":  limit,
		"offset": offset,
	}
	if limit > 0 {
		meta["has_more"] = int64(offset+limit) < total
	}
	return meta
}

func boolPtr(v bool) *bool { return &v }
