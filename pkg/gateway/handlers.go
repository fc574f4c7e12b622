package gateway

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/harun/bamboo/pkg/agent"
	"github.com/harun/bamboo/pkg/runner"
	"github.com/harun/bamboo/pkg/session"
	"github.com/harun/bamboo/pkg/toolexecutor"
)

// bindOptionalJSON binds the body into obj, treating an empty body as {}.
func bindOptionalJSON(c *gin.Context, obj interface{}) error {
	if err := c.ShouldBindJSON(obj); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"version":        s.cfg.Version,
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
		"active_runners": s.cfg.Runner.Active(),
	})
}

// handleExecute handles POST /execute/:session_id.
func (s *Server) handleExecute(c *gin.Context) {
	var req ExecuteRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		badRequest(c, err)
		return
	}

	sessionID := c.Param("session_id")
	result, err := s.cfg.Runner.Start(c.Request.Context(), sessionID, runner.WithMessage(req.Message))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, ExecuteResponse{SessionID: sessionID, Status: result})
}

// handleStop handles POST /stop/:session_id.
func (s *Server) handleStop(c *gin.Context) {
	sessionID := c.Param("session_id")
	if _, err := s.cfg.Sessions.Get(c.Request.Context(), sessionID); err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, StopResponse{Success: s.cfg.Runner.Stop(sessionID)})
}

// handleRespond handles POST /respond/:session_id. It answers the pending
// question, or resolves the pending approval when approved is present.
func (s *Server) handleRespond(c *gin.Context) {
	var req RespondRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	ctx := c.Request.Context()
	sessionID := c.Param("session_id")

	if req.Approved != nil {
		d, err := s.cfg.Runner.DecidePending(ctx, sessionID, *req.Approved, req.Reason)
		if err != nil {
			s.abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, ApproveResponse{RequestID: d.RequestID, SessionID: d.SessionID, Approved: d.Approved})
		return
	}

	if err := s.cfg.Runner.Respond(ctx, sessionID, req.Response); err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "answered", "session_id": sessionID})
}

// handleApprove handles POST /approve/:request_id.
func (s *Server) handleApprove(c *gin.Context) {
	var req ApproveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	d, err := s.cfg.Runner.Decide(c.Request.Context(), c.Param("request_id"), *req.Approved, req.Reason)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, ApproveResponse{RequestID: d.RequestID, SessionID: d.SessionID, Approved: d.Approved})
}

func (s *Server) handleCreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		badRequest(c, err)
		return
	}

	cfg := session.Config{Model: req.Model, Role: s.cfg.DefaultRole}
	if cfg.Model == "" {
		cfg.Model = s.cfg.DefaultModel
	}
	if req.Role != "" {
		role, err := toolexecutor.ParseRole(req.Role)
		if err != nil {
			badRequest(c, err)
			return
		}
		cfg.Role = role
	}

	ctx := c.Request.Context()
	var (
		sess *session.Session
		err  error
	)
	if req.ID != "" {
		sess, err = s.cfg.Sessions.CreateWithID(ctx, req.ID, cfg)
	} else {
		sess, err = s.cfg.Sessions.Create(ctx, cfg)
	}
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newSessionResponse(sess, false))
}

func (s *Server) handleListSessions(c *gin.Context) {
	infos, err := s.cfg.Sessions.List(c.Request.Context())
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": infos})
}

func (s *Server) handleGetSession(c *gin.Context) {
	sess, err := s.cfg.Sessions.Get(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, newSessionResponse(sess, s.cfg.Runner.Running(sess.ID())))
}

func (s *Server) handleListMessages(c *gin.Context) {
	sess, err := s.cfg.Sessions.Get(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	msgs := sess.Messages()
	out := make([]MessageResponse, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, newMessageResponse(msg))
	}
	c.JSON(http.StatusOK, gin.H{"session_id": sess.ID(), "branch": sess.ActiveBranch(), "messages": out})
}

// handleAppendMessage records user input without starting a run.
func (s *Server) handleAppendMessage(c *gin.Context) {
	var req AppendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	ctx := c.Request.Context()
	sess, err := s.cfg.Sessions.Get(ctx, c.Param("session_id"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	if s.cfg.Runner.Running(sess.ID()) {
		s.abortWithError(c, agent.ErrSessionBusy)
		return
	}
	switch sess.State() {
	case session.StateAwaitingToolApproval, session.StateExecutingTool:
		s.abortWithError(c, agent.ErrSessionBusy)
		return
	}

	msg := sess.Append(session.RoleUser, req.Content)
	if err := s.cfg.Sessions.Save(ctx, sess); err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newMessageResponse(msg))
}

func (s *Server) handleGetApproval(c *gin.Context) {
	sess, err := s.cfg.Sessions.Get(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	req, ok := sess.PendingApproval()
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, ErrorResponse{Error: runner.ErrNoPendingApproval.Error(), Code: "NO_PENDING_APPROVAL"})
		return
	}
	c.JSON(http.StatusOK, req)
}
