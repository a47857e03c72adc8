// Package api serves the REST fallback for clients whose socket is down.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"pairchat/internal/dispatch"
	"pairchat/pkg/interfaces"
	"pairchat/pkg/types"
)

// Reader is the read side of the dispatcher the REST surface exposes.
type Reader interface {
	CurrentState(ctx context.Context, userID string) (*types.UserConnection, error)
	History(ctx context.Context, userID, chatID string, limit int, cursor string) (*types.HistoryPage, error)
}

// HealthChecker reports store health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Registry interface to avoid tight coupling to websocket.Registry implementation
type Registry interface {
	GetStats() map[string]int
}

// Options configure optional middleware.
type Options struct {
	// TracingService enables otelgin spans under this service name.
	TracingService string
}

const principalKey = "pairchat.principal"

// ARCHITECTURAL DISCOVERY: HTTP API layer serves as pure interface between external clients and internal components
// Clean separation - no business logic, only HTTP handling and JSON serialization
type Server struct {
	reader   Reader
	health   HealthChecker
	registry Registry
	verifier interfaces.Verifier
	router   *gin.Engine
}

// NewServer builds the gin engine and its routes.
func NewServer(reader Reader, health HealthChecker, registry Registry, verifier interfaces.Verifier, opts Options) *Server {
	s := &Server{
		reader:   reader,
		health:   health,
		registry: registry,
		verifier: verifier,
		router:   gin.New(),
	}

	// Order matters: span first so recovery and logs see the trace context
	if opts.TracingService != "" {
		s.router.Use(otelgin.Middleware(opts.TracingService))
	}
	s.router.Use(gin.Recovery(), requestLogger(), corsMiddleware())
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthCheck)

	api := s.router.Group("/api", s.requireAuth())
	{
		api.GET("/users/me/state", s.currentState)
		api.GET("/chats/:chatId/messages", s.chatMessages)
	}
}

// Handler returns the engine for mounting on an http.ServeMux.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Engine exposes the gin engine so the socket route can share it.
func (s *Server) Engine() *gin.Engine {
	return s.router
}

type HealthResponse struct {
	Status      string         `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
	Database    string         `json:"database"`
	Connections map[string]int `json:"connections,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

type HistoryResponse struct {
	ChatID           string               `json:"chatId"`
	Messages         []types.MessageEvent `json:"messages"`
	LastEvaluatedKey string               `json:"lastEvaluatedKey,omitempty"`
}

func (s *Server) healthCheck(c *gin.Context) {
	resp := HealthResponse{Status: "healthy", Timestamp: time.Now().UTC(), Database: "healthy"}
	status := http.StatusOK

	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := s.health.HealthCheck(ctx); err != nil {
		slog.WarnContext(ctx, "health check failed", "error", err)
		resp.Status = "unhealthy"
		resp.Database = "unhealthy"
		status = http.StatusServiceUnavailable
	}
	if s.registry != nil {
		resp.Connections = s.registry.GetStats()
	}
	c.JSON(status, resp)
}

func (s *Server) currentState(c *gin.Context) {
	user, err := s.reader.CurrentState(c.Request.Context(), principal(c))
	if err != nil {
		s.sendError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

func (s *Server) chatMessages(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			s.sendError(c, types.ErrInvalidLimit)
			return
		}
		limit = n
	}

	chatID := c.Param("chatId")
	page, err := s.reader.History(c.Request.Context(), principal(c), chatID, limit, c.Query("cursor"))
	if err != nil {
		s.sendError(c, err)
		return
	}

	resp := HistoryResponse{
		ChatID:           chatID,
		Messages:         make([]types.MessageEvent, 0, len(page.Messages)),
		LastEvaluatedKey: page.LastEvaluatedKey,
	}
	for _, m := range page.Messages {
		resp.Messages = append(resp.Messages, types.NewMessageEvent(m))
	}
	c.JSON(http.StatusOK, resp)
}

// requireAuth resolves the bearer token to a principal or aborts with 401.
func (s *Server) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: "missing bearer token", Code: http.StatusUnauthorized})
			return
		}

		userID, err := s.verifier.Verify(c.Request.Context(), strings.TrimSpace(token))
		if err != nil {
			if !errors.Is(err, interfaces.ErrAuthInvalid) {
				slog.ErrorContext(c.Request.Context(), "token verification failed", "error", err)
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: "invalid token", Code: http.StatusUnauthorized})
			return
		}
		c.Set(principalKey, userID)
		c.Next()
	}
}

func principal(c *gin.Context) string {
	return c.GetString(principalKey)
}

// sendError maps err through the dispatcher taxonomy so REST and socket
// clients see the same codes.
func (s *Server) sendError(c *gin.Context, err error) {
	kind := dispatch.Classify(err)
	if kind == dispatch.KindInternal {
		slog.ErrorContext(c.Request.Context(), "request failed", "error", err, "path", c.FullPath())
	}
	c.JSON(kind.Code(), ErrorResponse{Error: dispatch.PublicMessage(err), Code: kind.Code()})
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.InfoContext(c.Request.Context(), "http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

// FUNCTIONAL DISCOVERY: CORS headers for web client compatibility
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
