package rest

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// GET /api/v1/system/status
func (s *Server) getSystemStatus(c *gin.Context) {
	m := s.lm.Marlin()

	c.JSON(http.StatusOK, gin.H{
		"state":             s.lm.SystemState(),
		"uptime_seconds":    int64(s.lm.Uptime().Seconds()),
		"startup_complete":  s.lm.StartupComplete(),
		"serial_connected":  m.IsConnected(),
		"connected_clients": s.wsHub.GetClientCount(),
		"timestamp":         time.Now().Unix(),
	})
}
