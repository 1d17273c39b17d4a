package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/ubuygold/gopdf/internal/auth"
	"github.com/ubuygold/gopdf/internal/db"
	"github.com/ubuygold/gopdf/internal/keys"
	"github.com/ubuygold/gopdf/internal/logger"
	"github.com/ubuygold/gopdf/internal/quota"
	"github.com/ubuygold/gopdf/internal/render"
	"github.com/ubuygold/gopdf/internal/usage"

	"github.com/gin-gonic/gin"
)

// RequestError is a malformed or invalid request body.
type RequestError struct {
	Status  int
	Message string
}

func (e *RequestError) Error() string {
	return e.Message
}

func invalid(message string) error {
	return &RequestError{Status: http.StatusUnprocessableEntity, Message: message}
}

// WriteError maps err to a status code and a {"error": ...} body. Server
// side failures are logged.
func WriteError(c *gin.Context, log *slog.Logger, err error) {
	var (
		authErr     *auth.AuthError
		quotaErr    *quota.QuotaExceededError
		templateErr *render.TemplateError
		renderErr   *render.RenderError
		requestErr  *RequestError
		validation  *keys.ValidationError
		notFound    *keys.NotFoundError
		storageErr  *db.StorageError
	)

	switch {
	case errors.As(err, &authErr):
		c.AbortWithStatusJSON(authErr.StatusCode(), gin.H{"error": authErr.Error()})
	case errors.As(err, &quotaErr):
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":  "Monthly PDF quota exceeded",
			"reason": quotaErr.Reason,
			"limit":  quotaErr.Limit,
			"used":   quotaErr.Used,
		})
	case errors.As(err, &templateErr):
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"error": templateErr.Error()})
	case errors.As(err, &renderErr):
		status := http.StatusInternalServerError
		if renderErr.Timeout {
			status = http.StatusGatewayTimeout
		}
		log.Error("PDF rendering failed", "request_id", logger.RequestIDFrom(c.Request.Context()), "error", err)
		c.AbortWithStatusJSON(status, gin.H{"error": "Failed to generate PDF"})
	case errors.As(err, &requestErr):
		c.AbortWithStatusJSON(requestErr.Status, gin.H{"error": requestErr.Message})
	case errors.As(err, &validation):
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"error": validation.Error(), "field": validation.Field})
	case errors.Is(err, usage.ErrInvalidPeriod):
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"error": "month must be in YYYY-MM format"})
	case errors.As(err, &notFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "API key not found"})
	case errors.As(err, &storageErr):
		log.Error("Storage failure", "request_id", logger.RequestIDFrom(c.Request.Context()), "error", err)
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "Storage unavailable"})
	default:
		log.Error("Unhandled error", "request_id", logger.RequestIDFrom(c.Request.Context()), "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}
