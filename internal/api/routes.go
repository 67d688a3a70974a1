package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ridenet-project/ridenet/internal/util"
)

// handleHealth returns a simple liveness response.
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "ridenet",
	})
}

// handleStatus returns an overview of the host and the game server.
func (s *Server) handleStatus(c *gin.Context) {
	sysInfo := util.GetSystemInfo()

	resp := gin.H{
		"hostname":   sysInfo.Hostname,
		"os":         sysInfo.OS,
		"cpu_cores":  sysInfo.CPUCores,
		"clients":    s.srv.ClientCount(),
		"uptime_sec": int(time.Since(s.started).Seconds()),
	}
	if cpu, err := util.GetCPUUsage(); err == nil {
		resp["cpu_percent"] = cpu
	}
	if mem, err := util.GetMemoryUsage(); err == nil {
		resp["memory"] = mem
	}

	c.JSON(http.StatusOK, resp)
}

// handleClients returns the connected client roster.
func (s *Server) handleClients(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"clients": s.srv.Clients(),
	})
}

// handleStats returns cumulative transport statistics, including
// traffic from clients that have already disconnected.
func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.srv.Stats())
}
