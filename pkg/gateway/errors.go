package gateway

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/harun/bamboo/pkg/agent"
	"github.com/harun/bamboo/pkg/runner"
	"github.com/harun/bamboo/pkg/session"
	"github.com/harun/bamboo/pkg/toolexecutor"
)

// statusFor maps a domain error to an HTTP status and error code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound, "SESSION_NOT_FOUND"
	case errors.Is(err, toolexecutor.ErrApprovalNotFound):
		return http.StatusNotFound, "APPROVAL_NOT_FOUND"
	case errors.Is(err, session.ErrInvalidSessionID):
		return http.StatusBadRequest, "INVALID_SESSION_ID"
	case errors.Is(err, runner.ErrInvalidAnswer):
		return http.StatusBadRequest, "INVALID_ANSWER"
	case errors.Is(err, session.ErrSessionExists):
		return http.StatusConflict, "SESSION_EXISTS"
	case errors.Is(err, toolexecutor.ErrDuplicateApprovalRequest):
		return http.StatusConflict, "APPROVAL_PENDING"
	case errors.Is(err, agent.ErrSessionBusy):
		return http.StatusConflict, "SESSION_BUSY"
	case errors.Is(err, session.ErrInvalidTransition):
		return http.StatusConflict, "INVALID_STATE"
	case errors.Is(err, runner.ErrNoPendingQuestion):
		return http.StatusConflict, "NO_PENDING_QUESTION"
	case errors.Is(err, runner.ErrNoPendingApproval):
		return http.StatusConflict, "NO_PENDING_APPROVAL"
	case errors.Is(err, runner.ErrShuttingDown):
		return http.StatusServiceUnavailable, "SHUTTING_DOWN"
	}
	return http.StatusInternalServerError, "INTERNAL"
}

func (s *Server) abortWithError(c *gin.Context, err error) {
	status, code := statusFor(err)
	event := s.logger.Warn()
	if status >= http.StatusInternalServerError {
		event = s.logger.Error()
	}
	event.Err(err).
		Str("path", c.FullPath()).
		Int("status", status).
		Msg("Request failed")
	c.AbortWithStatusJSON(status, ErrorResponse{Error: err.Error(), Code: code})
}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_REQUEST"})
}
