package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/keymint/internal/audit"
	auditdomain "github.com/smallbiznis/keymint/internal/audit/domain"
	"github.com/smallbiznis/keymint/internal/clock"
	"github.com/smallbiznis/keymint/internal/config"
	"github.com/smallbiznis/keymint/internal/distlock"
	"github.com/smallbiznis/keymint/internal/fulfillment"
	fulfillmentdomain "github.com/smallbiznis/keymint/internal/fulfillment/domain"
	"github.com/smallbiznis/keymint/internal/migration"
	"github.com/smallbiznis/keymint/internal/observability"
	obslogger "github.com/smallbiznis/keymint/internal/observability/logger"
	obstracing "github.com/smallbiznis/keymint/internal/observability/tracing"
	"github.com/smallbiznis/keymint/internal/vault"
	vaultdomain "github.com/smallbiznis/keymint/internal/vault/domain"
	vaultstore "github.com/smallbiznis/keymint/internal/vault/store"
	"github.com/smallbiznis/keymint/internal/webhook"
	webhookdomain "github.com/smallbiznis/keymint/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	config.Module,
	clock.Module,
	observability.Module,
	migration.Module,
	distlock.Module,
	audit.Module,
	vault.Module,
	fulfillment.Module,
	webhook.Module,
	fx.Provide(NewEngine),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(log.Named("http")))
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func run(lc fx.Lifecycle, r *gin.Engine) {
	srv := &http.Server{
		Addr:    ":8080",
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine         *gin.Engine
	cfg            config.Config
	db             *gorm.DB
	clk            clock.Clock
	genID          *snowflake.Node
	policy         *config.FulfillmentPolicyHolder
	auditSvc       auditdomain.Service
	fulfillmentSvc fulfillmentdomain.Service
	vaultSvc       vaultdomain.Service
	keyStore       *vaultstore.DBStore
	webhookSvc     webhookdomain.Service
}

type ServerParams struct {
	fx.In

	Gin            *gin.Engine
	Cfg            config.Config
	DB             *gorm.DB
	Clock          clock.Clock
	GenID          *snowflake.Node
	Policy         *config.FulfillmentPolicyHolder
	AuditSvc       auditdomain.Service
	FulfillmentSvc fulfillmentdomain.Service
	VaultSvc       vaultdomain.Service
	KeyStore       *vaultstore.DBStore
	WebhookSvc     webhookdomain.Service
}

func NewServer(p ServerParams) *Server {
	s := &Server{
		engine:         p.Gin,
		cfg:            p.Cfg,
		db:             p.DB,
		clk:            p.Clock,
		genID:          p.GenID,
		policy:         p.Policy,
		auditSvc:       p.AuditSvc,
		fulfillmentSvc: p.FulfillmentSvc,
		vaultSvc:       p.VaultSvc,
		keyStore:       p.KeyStore,
		webhookSvc:     p.WebhookSvc,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.engine.GET("/health", s.handleHealth)

	v1 := s.engine.Group("/v1")

	v1.POST("/webhooks/gateway", s.handleGatewayWebhook)
	v1.GET("/keys/:order_id/download", s.handleKeyDownload)

	admin := v1.Group("/admin")
	admin.POST("/orders", s.handleCreateOrder)
	admin.GET("/orders/:order_id", s.handleGetOrder)
	admin.POST("/orders/:order_id/status", s.handleOverrideOrderStatus)
	admin.POST("/orders/:order_id/retry-fulfillment", s.handleRetryFulfillment)
	admin.GET("/orders/:order_id/key", s.handleRevealKey)
	admin.DELETE("/orders/:order_id/key", s.handleRevokeKey)
	admin.GET("/orders/:order_id/key/access", s.handleKeyAccessTrail)
	admin.POST("/payments/:external_id/status", s.handleOverridePaymentStatus)
	admin.GET("/webhooks", s.handleListWebhookLogs)
	admin.POST("/webhooks/:id/replay", s.handleReplayWebhook)
	admin.POST("/webhooks/replay", s.handleReplayWebhooksBulk)
	admin.GET("/audit-logs", s.handleListAuditLogs)
}

// handleHealth reports liveness plus key-store reachability, so load
// balancers stop routing buyers at a deployment that cannot serve
// downloads.
func (s *Server) handleHealth(c *gin.Context) {
	if !s.keyStore.HealthCheck(c.Request.Context()) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "key_store": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "key_store": true})
}
