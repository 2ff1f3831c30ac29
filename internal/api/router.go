package api

import (
	"time"

	"github.com/apk-analysis/app-compat-harness/internal/api/handlers"
	"github.com/apk-analysis/app-compat-harness/internal/config"
	"github.com/apk-analysis/app-compat-harness/internal/device"
	"github.com/apk-analysis/app-compat-harness/internal/middleware"
	"github.com/apk-analysis/app-compat-harness/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Version 构建时通过 -ldflags 注入
var Version = "dev"

// Deps 路由依赖，Metrics、Memory 和 Device 可为 nil
type Deps struct {
	RunService service.RunService
	Events     *handlers.RunEventHub
	Metrics    *middleware.PrometheusMetrics
	Memory     *middleware.MemoryMonitor
	Device     *device.Device
	Serial     string
}

func SetupRouter(cfg *config.ServerConfig, logger *logrus.Logger, deps Deps) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(logger))
	r.Use(CORSMiddleware())
	if deps.Metrics != nil {
		r.Use(deps.Metrics.HTTPMiddleware())
		r.GET("/metrics", deps.Metrics.Handler())
	}

	runHandler := handlers.NewRunHandler(deps.RunService, logger)

	v1 := r.Group("/api")
	{
		v1.GET("/health", func(c *gin.Context) {
			body := gin.H{
				"status":  "ok",
				"version": Version,
				"device":  deps.Serial,
			}
			if deps.Device != nil {
				body["device_stats"] = deps.Device.Stats()
			}
			c.JSON(200, body)
		})
		if deps.Memory != nil {
			v1.GET("/stats/memory", deps.Memory.StatsEndpoint())
		}

		v1.GET("/runs", runHandler.ListRuns)
		v1.POST("/runs", middleware.TokenAuth(cfg.APIToken), runHandler.CreateRun)
		v1.GET("/runs/:id", runHandler.GetRun)
		v1.GET("/runs/:id/artifacts", runHandler.ListArtifacts)
		v1.GET("/runs/:id/artifacts/:artifact_id", runHandler.DownloadArtifact)
	}

	if deps.Events != nil {
		r.GET("/ws/runs", deps.Events.HandleWebSocket)
	}

	return r
}

// LoggerMiddleware 日志中间件
func LoggerMiddleware(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		c.Next()

		logger.WithFields(logrus.Fields{
			"status":  c.Writer.Status(),
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"latency": time.Since(startTime).Milliseconds(),
		}).Info("HTTP Request")
	}
}

// CORSMiddleware CORS 中间件
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
