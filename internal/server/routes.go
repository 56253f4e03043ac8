package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/reelforge/backend/internal/metrics"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// NewRouter assembles the gin engine: CORS, gzip, tracing, request metrics,
// and the job API routes.
func NewRouter(h *Handler, otelEnabled bool) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
		MaxAge:           12 * time.Hour,
		AllowCredentials: false,
	}))
	router.Use(gzip.Gzip(gzip.DefaultCompression))
	if otelEnabled {
		router.Use(otelgin.Middleware("reelforge-backend"))
	}
	router.Use(requestMetrics())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api/v1")
	{
		api.POST("/jobs", h.CreateJob)
		api.GET("/jobs/:id", h.GetJob)
		api.POST("/jobs/:id/cancel", h.CancelJob)
		api.GET("/jobs/:id/output", h.GetOutput)
	}

	return router
}

// requestMetrics records per-request counters and latency
func requestMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.Get().HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		metrics.Get().HTTPRequestDuration.WithLabelValues(c.Request.Method, path, status).
			Observe(time.Since(start).Seconds())
	}
}
