package routes

import (
	"example.com/backstage/services/onboarding/api/handlers"
	"example.com/backstage/services/onboarding/api/middleware"
	"example.com/backstage/services/onboarding/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// SetupRoutes sets up all the routes for the server
func SetupRoutes(r *gin.Engine, svc service.Service, log *logrus.Logger, maxFileSize int64) {
	r.GET("/health", handlers.HealthCheck)

	api := r.Group("/api/v1")

	onboardingHandler := handlers.NewOnboardingHandler(svc, log, maxFileSize)
	onboardings := api.Group("/onboarding")
	{
		onboardings.POST("", middleware.RequireUser(), onboardingHandler.SubmitOnboarding)
		onboardings.GET("/:id", onboardingHandler.GetOnboardingJob)
		onboardings.GET("/:id/progress", onboardingHandler.StreamProgress)
		onboardings.GET("/stats/processor", onboardingHandler.GetProcessorStats)
	}

	deviceHandler := handlers.NewDeviceHandler(svc, log)
	api.GET("/devices/:id", deviceHandler.GetDevice)
	api.POST("/maintenance/overdue-sweep", deviceHandler.SweepOverdueMaintenance)
}
