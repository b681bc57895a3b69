package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/adverant/nexus-core/pkg/jobs"
	"github.com/adverant/nexus-core/pkg/jobstore"
	"github.com/adverant/nexus-core/pkg/nexuserr"
	"github.com/adverant/nexus-core/pkg/taskqueue"
)

// writeError maps engine errors to HTTP responses. The error code travels in
// the body so clients can branch without parsing messages.
func writeError(c *gin.Context, err error) {
	code := nexuserr.CodeOf(err)
	status := statusFor(code, err)
	if status == http.StatusInternalServerError {
		slog.Error("unexpected API error", "path", c.Request.URL.Path, "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error(), "code": string(code)})
}

func statusFor(code nexuserr.Code, err error) int {
	switch {
	case errors.Is(err, taskqueue.ErrQueueFull), errors.Is(err, taskqueue.ErrMemoryPressure):
		return http.StatusTooManyRequests
	case errors.Is(err, jobstore.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, jobs.ErrUnknownType):
		return http.StatusBadRequest
	}

	switch code {
	case nexuserr.CodeValidation:
		return http.StatusBadRequest
	case nexuserr.CodeAuth:
		return http.StatusUnauthorized
	case nexuserr.CodeNotFound:
		return http.StatusNotFound
	case nexuserr.CodeRateLimit, nexuserr.CodeResourceExhausted:
		return http.StatusTooManyRequests
	case nexuserr.CodeGatewayUnavailable, nexuserr.CodeTransientUpstream:
		return http.StatusBadGateway
	case nexuserr.CodeTimeout, nexuserr.CodeAdaptiveHung:
		return http.StatusGatewayTimeout
	case nexuserr.CodeCancelled:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
