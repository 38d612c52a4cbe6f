package api

import (
	"errors"
	"net/http"

	"github.com/gin-contrib/requestid"
	"github.com/gin-gonic/gin"

	"github.com/openfroyo/cumulus/pkg/engine"
)

// errorResponse is the body of every failed request.
type errorResponse struct {
	Class     engine.ErrorClass      `json:"class,omitempty"`
	Code      string                 `json:"code,omitempty"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

// statusFor maps an error class to an HTTP status.
func statusFor(err error) int {
	switch engine.ErrorClassOf(err) {
	case engine.ErrorClassValidation:
		return http.StatusBadRequest
	case engine.ErrorClassNotFound:
		return http.StatusNotFound
	case engine.ErrorClassConflict:
		return http.StatusConflict
	case engine.ErrorClassAdmissionDenied:
		return http.StatusTooManyRequests
	case engine.ErrorClassRemoteFailed, engine.ErrorClassPartialBackup:
		return http.StatusBadGateway
	case engine.ErrorClassRemoteTimedOut:
		return http.StatusGatewayTimeout
	case engine.ErrorClassTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	status := statusFor(err)
	resp := errorResponse{Message: err.Error(), RequestID: requestid.Get(c)}

	var ee *engine.EngineError
	if errors.As(err, &ee) {
		resp.Class = ee.Class
		resp.Code = ee.Code
		resp.Message = ee.Message
		resp.Details = ee.Details
	}
	if status == http.StatusInternalServerError {
		// Internal failures are logged by the request logger; the body
		// stays generic.
		resp.Message = "internal error"
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(status, resp)
}

func badRequest(c *gin.Context, msg string, err error) {
	writeError(c, engine.NewValidationError(msg, err))
}
