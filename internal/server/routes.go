package server

import (
	"net/http"
	"projectsync/internal/telemetry"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

func (s *Server) RegisterRoutes() http.Handler {
	r := gin.Default()

	r.Use(cors.New(cors.Config{
		AllowOrigins:     s.config.CORS.AllowedOrigins,
		AllowMethods:     s.config.CORS.AllowedMethods,
		AllowHeaders:     s.config.CORS.AllowedHeaders,
		AllowCredentials: s.config.CORS.AllowCredentials,
		ExposeHeaders:    []string{RequestIDHeader},
		MaxAge:           time.Duration(s.config.CORS.MaxAge) * time.Second,
	}))
	r.Use(RequestID())

	r.GET("/health", s.healthHandler)
	r.GET("/online", s.onlineHandler)
	r.GET("/metrics", gin.WrapH(telemetry.Handler()))

	r.GET("/sources", s.sourcesHandler)
	r.GET("/runs", s.activeRunsHandler)

	jobs := r.Group("/jobs")
	{
		jobs.POST("", s.CreateJobHandler)
		jobs.GET("", s.ListJobsHandler)
		jobs.GET("/:id", s.GetJobHandler)
		jobs.POST("/:id/resume", s.ResumeJobHandler)
		jobs.POST("/:id/stop", s.StopJobHandler)
		jobs.POST("/:id/cancel", s.CancelJobHandler)
	}

	return r
}
