package api

import (
	"net/http"

	"settlement-service/internal/apperr"
	"settlement-service/internal/util"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func statusFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindAuthorization:
		return http.StatusForbidden
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindExternal:
		if apperr.IsTransient(err) {
			return http.StatusServiceUnavailable
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps a service error to its HTTP status. Internal details stay in the log.
func writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		util.GetLogger().Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
		c.JSON(status, gin.H{"error": "Internal server error"})
		return
	}

	c.JSON(status, gin.H{
		"error": err.Error(),
		"kind":  apperr.KindOf(err),
	})
}

// retryable reports whether a gateway notification may succeed if delivered again
func retryable(err error) bool {
	return apperr.IsTransient(err) || apperr.KindOf(err) == apperr.KindInternal
}
