package api

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/medapply/replyrelay/internal/metrics"
	"github.com/medapply/replyrelay/internal/middleware"
)

// HealthChecker reports whether a dependency is reachable.
type HealthChecker func(ctx context.Context) error

// RouterConfig wires the HTTP surface.
type RouterConfig struct {
	WebhookPath string
	MetricsPath string
	Inbound     *InboundHandler
	Metrics     *metrics.Metrics
	Health      map[string]HealthChecker
	Logger      *log.Logger
}

// NewRouter returns the gin engine serving the webhook, health and metrics endpoints.
func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestID(), middleware.AccessLog(cfg.Logger))

	path := cfg.WebhookPath
	if path == "" {
		path = "/webhooks/inbound"
	}
	if cfg.Inbound != nil {
		r.POST(path, cfg.Inbound.Handle)
	}

	r.GET("/healthz", healthHandler(cfg.Health))

	if cfg.Metrics != nil {
		metricsPath := cfg.MetricsPath
		if metricsPath == "" {
			metricsPath = "/metrics"
		}
		r.GET(metricsPath, gin.WrapH(cfg.Metrics.Handler()))
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "Not found"})
	})
	return r
}

func healthHandler(checks map[string]HealthChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		components := gin.H{}
		for name, check := range checks {
			if check == nil {
				continue
			}
			if err := check(ctx); err != nil {
				status = http.StatusServiceUnavailable
				components[name] = err.Error()
				continue
			}
			components[name] = "ok"
		}

		overall := "ok"
		if status != http.StatusOK {
			overall = "degraded"
		}
		c.JSON(status, gin.H{"status": overall, "components": components})
	}
}
