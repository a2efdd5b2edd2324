package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/shopcart/internal/logging"
	"github.com/MarcoPoloResearchLab/shopcart/internal/serviceerror"
)

var kindStatus = map[serviceerror.Kind]int{
	serviceerror.KindInvalid:      http.StatusBadRequest,
	serviceerror.KindUnauthorized: http.StatusUnauthorized,
	serviceerror.KindForbidden:    http.StatusForbidden,
	serviceerror.KindNotFound:     http.StatusNotFound,
	serviceerror.KindConflict:     http.StatusConflict,
	serviceerror.KindUpstream:     http.StatusBadGateway,
	serviceerror.KindInternal:     http.StatusInternalServerError,
}

// errorBody maps a service error to its status and JSON body.
func errorBody(err error) (int, gin.H) {
	serviceErr, ok := serviceerror.As(err)
	if !ok {
		return http.StatusInternalServerError, gin.H{"error": "internal_error"}
	}
	status, known := kindStatus[serviceErr.Kind()]
	if !known {
		status = http.StatusInternalServerError
	}
	body := gin.H{"error": serviceErr.Reason(), "code": serviceErr.Code()}
	if message := serviceErr.Message(); message != "" {
		body["message"] = message
	}
	return status, body
}

func (h *httpHandler) respondError(c *gin.Context, err error) {
	status, body := errorBody(err)
	h.logFailure(c, status, err)
	c.JSON(status, body)
}

func (h *httpHandler) abortWithError(c *gin.Context, err error) {
	status, body := errorBody(err)
	h.logFailure(c, status, err)
	c.AbortWithStatusJSON(status, body)
}

func (h *httpHandler) logFailure(c *gin.Context, status int, err error) {
	_ = c.Error(err)
	if status >= http.StatusInternalServerError {
		logging.FromContext(c, h.logger).Error("request failed", zap.Error(err))
	}
}

func respondInvalidRequest(c *gin.Context, err error) {
	body := gin.H{"error": "invalid_request"}
	if err != nil {
		body["details"] = err.Error()
	}
	c.JSON(http.StatusBadRequest, body)
}
