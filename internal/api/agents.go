package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/opm-sh/opm/internal/agent"
	"github.com/opm-sh/opm/internal/remote"
)

type agentRegisterBody struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Hostname    string `json:"hostname"`
	APIEndpoint string `json:"api_endpoint"`
}

type agentHeartbeatBody struct {
	ID string `json:"id"`
}

// handleAgentRegister is the HTTP fallback of the websocket registration,
// used by agents that poll instead of holding a channel open.
func (s *Server) handleAgentRegister(c *gin.Context) {
	var body agentRegisterBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if body.ID == "" || body.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id and name are required"})
		return
	}
	s.agents.Register(agent.NewInfo(body.ID, body.Name, body.Hostname, body.APIEndpoint))
	c.JSON(http.StatusOK, gin.H{"registered": true})
}

func (s *Server) handleAgentHeartbeat(c *gin.Context) {
	var body agentHeartbeatBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !s.agents.UpdateHeartbeat(body.ID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleAgentList(c *gin.Context) {
	c.JSON(http.StatusOK, s.agents.List())
}

func (s *Server) handleAgentDelete(c *gin.Context) {
	id := c.Param("id")
	if _, ok := s.agents.Get(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}
	s.agents.Unregister(id)
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// handleAgentProcesses proxies a list request to the agent's own control
// surface at its reported api_endpoint.
func (s *Server) handleAgentProcesses(c *gin.Context) {
	info, ok := s.agents.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}
	if info.APIEndpoint == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "agent did not report an api endpoint"})
		return
	}

	items, err := remote.NewClient(info.APIEndpoint).List()
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, items)
}
