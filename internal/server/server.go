package server

import (
	"fmt"
	"net/http"
	"projectsync/internal/config"
	"projectsync/internal/controller"
	"time"
)

type Server struct {
	sc     controller.ServerController
	jc     controller.JobController
	config config.Config
}

// New builds the HTTP server for the job control API. Starting the queue consumer is left to the caller.
func New(config config.Config, sc controller.ServerController, jc controller.JobController) *http.Server {
	server := Server{
		sc:     sc,
		jc:     jc,
		config: config,
	}

	return &http.Server{
		Addr:         fmt.Sprintf(":%v", config.Port),
		Handler:      server.RegisterRoutes(),
		IdleTimeout:  time.Minute,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}
