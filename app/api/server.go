// Package api exposes the HTTP control surface: model and schedule CRUD,
// session history and statistics, scheduler control, and reconciliation.
package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// NewServer creates the HTTP server with all routes configured.
func NewServer(handler *Handler, apiAccessKey string) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		Formatter: func(param gin.LogFormatterParams) string {
			return fmt.Sprintf("%s - [%s] \"%s %s %s %d %s \"%s\" %s\"\n",
				param.ClientIP,
				param.TimeStamp.Format(time.RFC3339),
				param.Method,
				param.Path,
				param.Request.Proto,
				param.StatusCode,
				param.Latency,
				param.Request.UserAgent(),
				param.ErrorMessage,
			)
		},
	}))

	r.Use(gin.Recovery())

	r.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, X-API-Key")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	setupRoutes(r, handler, apiAccessKey)

	return r
}

func setupRoutes(r *gin.Engine, handler *Handler, apiAccessKey string) {
	r.GET("/health", handler.GetHealth)
	r.GET("/status", handler.GetSchedulerStatus)

	if apiAccessKey != "" {
		api := r.Group("/api")
		api.Use(authMiddleware(apiAccessKey))
		{
			api.GET("/models", handler.ListModels)
			api.POST("/models", handler.CreateModel)
			api.GET("/models/:id", handler.GetModel)
			api.DELETE("/models/:id", handler.DeleteModel)
			api.GET("/models/:id/sessions", handler.GetModelSessions)

			api.GET("/schedules", handler.ListSchedules)
			api.POST("/schedules", handler.CreateSchedule)
			api.PATCH("/schedules/:id", handler.UpdateSchedule)
			api.POST("/schedules/:id/enable", handler.EnableSchedule)
			api.POST("/schedules/:id/disable", handler.DisableSchedule)
			api.DELETE("/schedules/:id", handler.DeleteSchedule)
			api.GET("/schedules/:id/window", handler.GetScheduleWindow)

			api.GET("/sessions/active", handler.GetActiveSessions)
			api.POST("/sessions/cleanup", handler.CleanupSessions)
			api.GET("/stats", handler.GetStatistics)

			api.GET("/scheduler/status", handler.GetSchedulerStatus)
			api.POST("/scheduler/start", handler.StartScheduler)
			api.POST("/scheduler/stop", handler.StopScheduler)
			api.POST("/scheduler/run", handler.TriggerRun)
			api.GET("/scheduler/pending", handler.GetPendingSelection)
			api.POST("/scheduler/downloads/:ref/cancel", handler.CancelDownload)

			api.POST("/sync", handler.Sync)
			api.GET("/sync/diff", handler.GetSyncDiff)

			api.GET("/window", handler.GetWindowStatus)
			api.GET("/logs", handler.GetRecentLogs)
		}
		slog.Info("API endpoints enabled with authentication")
	} else {
		slog.Warn("API endpoints disabled (API_ACCESS_KEY not set)")
	}

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"service": "HF Download Scheduler",
			"version": handler.version,
			"api_status": map[string]interface{}{
				"enabled":       apiAccessKey != "",
				"auth_required": apiAccessKey != "",
				"header":        "X-API-Key",
			},
		})
	})

	r.GET("/favicon.ico", func(c *gin.Context) {
		c.Status(204)
	})
}

func authMiddleware(apiAccessKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		providedKey := c.GetHeader("X-API-Key")

		if providedKey == "" {
			authHeader := c.GetHeader("Authorization")
			if strings.HasPrefix(authHeader, "Bearer ") {
				providedKey = strings.TrimPrefix(authHeader, "Bearer ")
			}
		}

		if providedKey == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "API key required",
				"message": "Provide API key in X-API-Key header or Authorization: Bearer <key>",
			})
			c.Abort()
			return
		}

		if providedKey != apiAccessKey {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "Invalid API key",
				"message": "The provided API key is not valid",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
