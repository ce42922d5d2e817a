package api

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/parley-ai/parley/pkg/serviceerr"
)

// writeError maps the service error taxonomy onto HTTP status codes.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch serviceerr.KindOf(err) {
	case serviceerr.KindValidation:
		status = http.StatusBadRequest
	case serviceerr.KindNotFound:
		status = http.StatusNotFound
	case serviceerr.KindConflict:
		status = http.StatusConflict
	case serviceerr.KindConstraintViolation:
		status = http.StatusUnprocessableEntity
	case serviceerr.KindTimeout:
		status = http.StatusGatewayTimeout
	case serviceerr.KindConnection:
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		slog.Error("Unexpected service error", "error", err)
		c.JSON(status, gin.H{"error": "internal server error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
