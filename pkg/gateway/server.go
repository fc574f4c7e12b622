package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/harun/bamboo/internal/observability"
	"github.com/harun/bamboo/internal/tracing"
	"github.com/harun/bamboo/pkg/runner"
	"github.com/harun/bamboo/pkg/session"
	"github.com/harun/bamboo/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// Runner is the registry surface the gateway drives.
type Runner interface {
	Start(ctx context.Context, sessionID string, opts ...runner.StartOption) (runner.StartResult, error)
	Stop(sessionID string) bool
	Running(sessionID string) bool
	Subscribe(ctx context.Context, sessionID string) (*runner.Subscription, error)
	Decide(ctx context.Context, requestID string, approved bool, reason string) (toolexecutor.Decision, error)
	DecidePending(ctx context.Context, sessionID string, approved bool, reason string) (toolexecutor.Decision, error)
	Respond(ctx context.Context, sessionID, answer string) error
	Active() int
}

// Sessions is the session store surface the gateway uses.
type Sessions interface {
	Create(ctx context.Context, cfg session.Config) (*session.Session, error)
	CreateWithID(ctx context.Context, id string, cfg session.Config) (*session.Session, error)
	Get(ctx context.Context, id string) (*session.Session, error)
	Save(ctx context.Context, sess *session.Session) error
	List(ctx context.Context) ([]session.Info, error)
}

// Config holds server configuration.
type Config struct {
	Addr         string
	SharedSecret string
	ServiceName  string
	Version      string
	DefaultModel string
	DefaultRole  toolexecutor.Role

	RequestsPerMinute int
	MaxConcurrent     int
	HeartbeatInterval time.Duration

	Runner   Runner
	Sessions Sessions
	Logger   zerolog.Logger
}

// Server is the HTTP control surface.
type Server struct {
	cfg        Config
	engine     *gin.Engine
	server     *http.Server
	upgrader   websocket.Upgrader
	limiters   *RateLimiters
	logger     zerolog.Logger
	startedAt  time.Time
	shutdownMu sync.RWMutex
	closing    bool
}

// NewServer builds the router. It does not listen until Start.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("listen address is required")
	}
	if cfg.Runner == nil {
		return nil, fmt.Errorf("runner registry is required")
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "bamboo"
	}
	if cfg.DefaultRole == "" {
		cfg.DefaultRole = toolexecutor.RoleActor
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}

	s := &Server{
		cfg:       cfg,
		limiters:  NewRateLimiters(cfg.RequestsPerMinute, cfg.MaxConcurrent),
		logger:    cfg.Logger.With().Str("component", "gateway").Logger(),
		startedAt: time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	s.engine = s.routes()
	return s, nil
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// RateLimiters exposes the per-client limiters for periodic sweeping.
func (s *Server) RateLimiters() *RateLimiters {
	return s.limiters
}

func (s *Server) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(s.cfg.ServiceName))
	r.Use(s.requestContext())
	r.Use(s.accessLog())

	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(observability.MetricsHandler()))

	api := r.Group("/")
	if s.cfg.SharedSecret != "" {
		api.Use(bearerAuth(s.cfg.SharedSecret))
	}
	api.Use(s.limiters.Middleware())

	api.POST("/execute/:session_id", s.handleExecute)
	api.POST("/stop/:session_id", s.handleStop)
	api.GET("/events/:session_id", s.handleEvents)
	api.GET("/ws/:session_id", s.handleWebSocket)
	api.POST("/respond/:session_id", s.handleRespond)
	api.POST("/approve/:request_id", s.handleApprove)

	api.POST("/sessions", s.handleCreateSession)
	api.GET("/sessions", s.handleListSessions)
	api.GET("/sessions/:session_id", s.handleGetSession)
	api.GET("/sessions/:session_id/messages", s.handleListMessages)
	api.POST("/sessions/:session_id/messages", s.handleAppendMessage)
	api.GET("/sessions/:session_id/approval", s.handleGetApproval)

	return r
}

// requestContext tags the request context with a trace id and refuses new
// requests once shutdown has begun.
func (s *Server) requestContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.shutdownMu.RLock()
		closing := s.closing
		s.shutdownMu.RUnlock()
		if closing {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, ErrorResponse{Error: "server is shutting down", Code: "SHUTTING_DOWN"})
			return
		}

		traceID := c.GetHeader("X-Request-ID")
		if traceID == "" {
			traceID = tracing.NewTraceID()
		}
		c.Header("X-Request-ID", traceID)
		ctx := tracing.WithTraceID(c.Request.Context(), traceID)
		if id := c.Param("session_id"); id != "" {
			ctx = tracing.WithSessionID(ctx, id)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger := tracing.LoggerFromContext(c.Request.Context(), s.logger)
		logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Str("client", c.ClientIP()).
			Msg("HTTP request")
	}
}

// Start listens on the configured address and serves until Shutdown. It
// returns once the listener is bound.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ln)
}

// Serve serves on ln in the background.
func (s *Server) Serve(ln net.Listener) error {
	s.server = &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting HTTP control surface")
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones until ctx
// ends. Open event streams end when their runs do or when ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.closing = true
	s.shutdownMu.Unlock()

	if s.server == nil {
		return nil
	}
	s.logger.Info().Msg("Shutting down HTTP control surface")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	s.logger.Info().Msg("HTTP control surface stopped")
	return nil
}
