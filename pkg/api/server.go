// Package api exposes the HTTP surface: the channel webhook ingress, the
// token-guarded internal worker triggers and the health endpoint.
package api

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/waveline-ai/waveline/pkg/config"
	"github.com/waveline-ai/waveline/pkg/database"
	"github.com/waveline-ai/waveline/pkg/debounce"
	"github.com/waveline-ai/waveline/pkg/engine"
	"github.com/waveline-ai/waveline/pkg/models"
	"github.com/waveline-ai/waveline/pkg/version"
)

// TenantResolver maps a provider channel identifier to its tenant.
type TenantResolver interface {
	ResolveChannel(ctx context.Context, kind models.ChannelKind, channelID string) (*models.Tenant, error)
}

// Buffer is the debounce ingest side.
type Buffer interface {
	Ingest(ctx context.Context, tenant *models.Tenant, key models.SessionKey, msg models.NormalizedMessage) (*debounce.IngestResult, error)
}

// TurnProcessor runs one engine turn for messages that bypass the buffer.
type TurnProcessor interface {
	ProcessMessage(ctx context.Context, tenant *models.Tenant, key models.SessionKey, msg *models.NormalizedMessage) (*engine.TurnResult, error)
}

// ResponseDeliverer sends a turn's responses out on the channel.
type ResponseDeliverer interface {
	Deliver(ctx context.Context, tenant *models.Tenant, key models.SessionKey, result *engine.TurnResult) error
}

// WorkerTrigger runs one pass of a background worker.
type WorkerTrigger interface {
	RunDebounce(ctx context.Context) error
	RunFollowup(ctx context.Context) error
}

// Server is the HTTP API server.
type Server struct {
	cfg       *config.Config
	db        *database.Client
	tenants   TenantResolver
	buffer    Buffer
	engine    TurnProcessor
	deliverer ResponseDeliverer
	workers   WorkerTrigger
	logger    *slog.Logger

	httpServer *http.Server
	httpClient *http.Client
}

// NewServer builds the API server.
func NewServer(cfg *config.Config, db *database.Client, tenants TenantResolver, buffer Buffer,
	eng TurnProcessor, deliverer ResponseDeliverer, workers WorkerTrigger, logger *slog.Logger) *Server {
	return &Server{
		cfg:        cfg,
		db:         db,
		tenants:    tenants,
		buffer:     buffer,
		engine:     eng,
		deliverer:  deliverer,
		workers:    workers,
		logger:     logger,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.healthHandler)

	r.GET("/webhook/whatsapp", s.verifyWebhookHandler)
	r.POST("/webhook/whatsapp", s.webhookHandler)

	internal := r.Group("/internal", s.requireInternalToken())
	internal.POST("/workers/debounce/run", s.runDebounceHandler)
	internal.POST("/workers/followup/run", s.runFollowupHandler)

	return r
}

// Start begins serving. Blocks until the server stops.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// healthHandler handles GET /health. Only the platform's own database is
// checked; external dependencies (channel provider, LLM) are excluded so an
// upstream outage does not restart the service.
func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	dbHealth, err := database.Health(ctx, s.db.DB())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "unhealthy",
			"version":  version.Full(),
			"database": dbHealth,
			"error":    err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   "healthy",
		"version":  version.Full(),
		"database": dbHealth,
	})
}

// requireInternalToken guards the internal worker endpoints with the
// deployment's shared bearer token.
func (s *Server) requireInternalToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if s.cfg.InternalToken == "" || !ok ||
			subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.InternalToken)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// runDebounceHandler triggers one debounce worker pass. The pass runs in the
// background so the trigger (cron tick or self-reinvocation) returns fast.
func (s *Server) runDebounceHandler(c *gin.Context) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := s.workers.RunDebounce(ctx); err != nil {
			s.logger.Error("Debounce worker pass failed", "error", err)
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "worker": "debounce"})
}

// runFollowupHandler triggers one follow-up worker pass.
func (s *Server) runFollowupHandler(c *gin.Context) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := s.workers.RunFollowup(ctx); err != nil {
			s.logger.Error("Follow-up worker pass failed", "error", err)
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "worker": "followup"})
}
