package api

import (
	"github.com/gin-gonic/gin"

	"github.com/kandev/orbital/internal/common/logger"
)

// NewRouter builds the Intake API's gin engine: ambient middleware plus
// every job, task-reply, audit, and streaming route. eventBus may be nil,
// in which case the live job stream endpoint is not mounted; jwtSecret
// may be empty, in which case Bearer auth is not enforced.
func NewRouter(service *Service, log *logger.Logger, rateLimitPerSecond int, eventBus EventSubscriber, jwtSecret string) *gin.Engine {
	router := gin.New()
	router.Use(Recovery(log), RequestLogger(log), ErrorHandler(log), CORS())
	if rateLimitPerSecond > 0 {
		router.Use(RateLimit(rateLimitPerSecond))
	}

	handler := NewHandler(service, log)

	router.GET("/health", handler.Health)
	router.GET("/evidence/:ref", handler.GetEvidence)

	jobs := router.Group("/jobs")
	jobs.Use(Auth(jwtSecret))
	{
		jobs.POST("", handler.SubmitJob)
		jobs.GET("", handler.ListJobs)
		jobs.GET("/:jobId", handler.GetJob)
		jobs.DELETE("/:jobId", handler.CancelJob)
		jobs.POST("/:jobId/retry", handler.RetryJob)
		jobs.GET("/:jobId/audit", handler.AuditHistory)
		jobs.POST("/:jobId/evidence", handler.SubmitEvidence)
		jobs.POST("/:jobId/tasks/:taskId/reply", handler.SubmitReply)

		if eventBus != nil {
			streamHandler := NewStreamHandler(eventBus, log)
			jobs.GET("/:jobId/stream", streamHandler.Stream)
		}
	}

	return router
}
