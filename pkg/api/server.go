// Package api exposes the HTTP surface: task submission, approvals,
// memory and routine management, the SSE event stream, and the WebSocket
// upgrade. Everything except health, /ws, and /mcp sits behind the PIN
// middleware.
package api

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/CherryPod/sentinel-sub001/pkg/approval"
	"github.com/CherryPod/sentinel-sub001/pkg/channels"
	"github.com/CherryPod/sentinel-sub001/pkg/memory"
	"github.com/CherryPod/sentinel-sub001/pkg/models"
	"github.com/CherryPod/sentinel-sub001/pkg/orchestrator"
	"github.com/CherryPod/sentinel-sub001/pkg/routines"
	"github.com/CherryPod/sentinel-sub001/pkg/session"
	"github.com/CherryPod/sentinel-sub001/pkg/version"
)

// TaskService is the slice of the orchestrator the HTTP layer needs.
type TaskService interface {
	HandleTask(ctx context.Context, req orchestrator.TaskRequest) *models.TaskResult
	ExecuteApprovedPlan(ctx context.Context, approvalID string) *models.TaskResult
}

// RoutineRunner triggers a routine outside its schedule.
type RoutineRunner interface {
	TriggerManual(routineID string) (string, error)
}

// Config carries the server's tunables.
type Config struct {
	PIN             string
	MaxRequestBytes int64
	TaskRateLimit   int           // requests per window per IP, default 10
	TaskRateWindow  time.Duration // default 1 minute

	// Origins allowed for CORS and WebSocket upgrades. Empty leaves CORS
	// off and restricts WebSocket to same-origin.
	AllowedOrigins []string
}

// Deps bundles everything the handlers touch. Engine, WS, SSE, and MCP may
// be nil; the corresponding routes then report unavailable.
type Deps struct {
	Orch      TaskService
	Approvals *approval.Manager
	Sessions  *session.Store
	Memory    *memory.Store
	Routines  *routines.Store
	Engine    RoutineRunner
	SSE       *channels.SSEStreamer
	WS        *channels.WSManager
	MCP       http.Handler
	DB        *sql.DB
}

// Server wires the gin router.
type Server struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger

	failures *failureTracker
	taskRate *rateLimiter
}

// NewServer creates the server. A zero TaskRateLimit means 10/min.
func NewServer(deps Deps, cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TaskRateLimit <= 0 {
		cfg.TaskRateLimit = 10
	}
	if cfg.TaskRateWindow <= 0 {
		cfg.TaskRateWindow = time.Minute
	}
	return &Server{
		deps:     deps,
		cfg:      cfg,
		logger:   logger.With("component", "api"),
		failures: newFailureTracker(),
		taskRate: newRateLimiter(cfg.TaskRateLimit, cfg.TaskRateWindow),
	}
}

// Router builds the gin engine with all routes and middleware attached.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(s.recoverJSON(), securityHeaders(), corsHeaders(s.cfg.AllowedOrigins), s.bodyLimit())

	// Unauthenticated surface.
	r.GET("/health", s.health)
	r.GET("/api/health", s.health)
	r.GET("/ws", s.handleWS) // PIN is checked in-band on the first frame
	if s.deps.MCP != nil {
		r.Any("/mcp", gin.WrapH(s.deps.MCP))
	}

	api := r.Group("/api", s.pinAuth())
	api.POST("/task", s.rateLimited(), s.submitTask)
	api.GET("/approval/:id", s.getApproval)
	api.POST("/approve/:id", s.approve)
	api.GET("/session/:id", s.getSession)

	api.POST("/memory", s.storeMemory)
	api.GET("/memory/search", s.searchMemory)
	api.GET("/memory/:id", s.getMemory)
	api.DELETE("/memory/:id", s.deleteMemory)

	api.POST("/routine", s.createRoutine)
	api.GET("/routine", s.listRoutines)
	api.GET("/routine/:id", s.getRoutine)
	api.PATCH("/routine/:id", s.updateRoutine)
	api.DELETE("/routine/:id", s.deleteRoutine)
	api.POST("/routine/:id/run", s.runRoutine)
	api.GET("/routine/:id/executions", s.listExecutions)

	api.GET("/events", s.streamEvents)
	return r
}

// Run serves until ctx is cancelled, then drains connections.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info("http server listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) health(c *gin.Context) {
	components := gin.H{}
	status := http.StatusOK

	if s.deps.DB != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if err := s.deps.DB.PingContext(ctx); err != nil {
			components["database"] = "unhealthy: " + err.Error()
			status = http.StatusServiceUnavailable
		} else {
			components["database"] = "healthy"
		}
	}
	if s.deps.Sessions != nil {
		components["sessions"] = s.deps.Sessions.Count()
	}
	if s.deps.Memory != nil {
		components["memory_chunks"] = s.deps.Memory.Count()
	}
	if s.deps.WS != nil {
		components["websocket_connections"] = s.deps.WS.ActiveConnections()
	}

	overall := "healthy"
	if status != http.StatusOK {
		overall = "unhealthy"
	}
	c.JSON(status, gin.H{"status": overall, "version": version.Full(), "components": components})
}

// handleWS upgrades the connection and hands it to the WS manager, which
// performs the first-frame PIN handshake itself.
func (s *Server) handleWS(c *gin.Context) {
	if s.deps.WS == nil {
		jsonError(c, http.StatusServiceUnavailable, "websocket channel is not enabled")
		return
	}
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowedOrigins,
	})
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	s.deps.WS.HandleConnection(c.Request.Context(), conn)
}
