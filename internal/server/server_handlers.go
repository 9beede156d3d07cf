package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) healthHandler(c *gin.Context) {
	report := s.sc.Health(c.Request.Context())

	if !report.Healthy {
		c.JSON(http.StatusServiceUnavailable, report)
		return
	}

	c.JSON(http.StatusOK, report)
}

func (s *Server) onlineHandler(c *gin.Context) {
	online := s.sc.Online()

	c.String(http.StatusOK, online)
}

// SourceResponse is the public view of a configured source
type SourceResponse struct {
	Code      string  `json:"code"`
	Name      string  `json:"name"`
	Strategy  string  `json:"strategy"`
	Mode      string  `json:"mode"`
	ChunkSize int     `json:"chunk_size"`
	RateLimit float64 `json:"rate_limit"`
}

func (s *Server) sourcesHandler(c *gin.Context) {
	sources := s.jc.Sources()

	response := make([]SourceResponse, 0, len(sources))
	for _, src := range sources {
		mode := "list"
		if src.ItemMode() {
			mode = "item"
		}
		response = append(response, SourceResponse{
			Code:      src.Code,
			Name:      src.Name,
			Strategy:  src.Strategy,
			Mode:      mode,
			ChunkSize: src.ChunkSize,
			RateLimit: src.RateLimit,
		})
	}

	c.JSON(http.StatusOK, response)
}

func (s *Server) activeRunsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"runs": s.jc.ActiveRuns()})
}
