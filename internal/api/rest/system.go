package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// GET /api/v1/system/status
func (s *Server) getSystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.lm.GetCurrentStatus())
}

// POST /api/v1/system/reload
func (s *Server) reloadDefinitions(c *gin.Context) {
	if err := s.lm.Reload(c.Request.Context()); err != nil {
		respondError(c, err)
		return
	}

	status := s.lm.GetCurrentStatus()
	c.JSON(http.StatusOK, gin.H{
		"message":      "Device definitions reloaded",
		"device_count": status.DeviceCount,
		"loaded_at":    status.DefinitionsLoaded,
	})
}
