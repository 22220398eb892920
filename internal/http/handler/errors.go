package handler

import (
	"errors"
	"net/http"

	"github.com/edirooss/portbroker/internal/broker"
	"github.com/gin-gonic/gin"
)

// retryAfterSeconds is advertised to clients when the pool is exhausted.
const retryAfterSeconds = "5"

// respondError maps an error to a response. Only pool exhaustion is described
// to the client; everything else is an opaque 500 and the detail goes to the
// access log via c.Error.
func respondError(c *gin.Context, err error) {
	c.Error(err)

	if errors.Is(err, broker.ErrNoSlotsAvailable) {
		c.Header("Retry-After", retryAfterSeconds)
		c.JSON(http.StatusServiceUnavailable, gin.H{"message": "no slots available"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"message": "internal server error"})
}
