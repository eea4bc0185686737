package apierr

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Service-level error kinds. Services return these (wrapped with context);
// only the handlers layer converts them to HTTP status codes.
var (
	ErrNotFound           = errors.New("not found")
	ErrAccessDenied       = errors.New("access denied")
	ErrInvalidInput       = errors.New("invalid input")
	ErrInvalidToken       = errors.New("invalid or expired join token")
	ErrClusterUnreachable = errors.New("cluster unreachable")
	ErrResourceBusy       = errors.New("resource busy")
	ErrOptimisticLock     = errors.New("concurrent modification detected")
	ErrCommandFailed      = errors.New("remote command failed")
	ErrIntegrity          = errors.New("integrity violation")
)

// Status maps a service error to an HTTP status code.
func Status(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrInvalidToken):
		return http.StatusBadRequest
	case errors.Is(err, ErrResourceBusy), errors.Is(err, ErrOptimisticLock):
		return http.StatusConflict
	case errors.Is(err, ErrClusterUnreachable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Respond writes the uniform error envelope for a service error. Conflict
// responses carry a retry hint so clients know the failure is transient.
func Respond(c *gin.Context, err error) {
	status := Status(err)
	body := gin.H{"error": err.Error()}
	if errors.Is(err, ErrResourceBusy) {
		body["hint"] = "resource is locked, retry shortly"
	}
	if errors.Is(err, ErrOptimisticLock) {
		body["hint"] = "reload and retry"
	}
	c.JSON(status, body)
}
