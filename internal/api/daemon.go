package api

import (
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"github.com/opm-sh/opm/internal/config"
	"github.com/opm-sh/opm/internal/supervisor"
)

type addServerBody struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	Token   string `json:"token"`
}

func (s *Server) handleMetrics(c *gin.Context) {
	info, err := supervisor.Health(s.base)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) handleDump(c *gin.Context) {
	reg, _, err := s.openRegistry()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	raw, err := reg.Raw()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/json", raw)
}

// handleConfig returns the runner section so peers can render this daemon's
// commands and log paths verbatim.
func (s *Server) handleConfig(c *gin.Context) {
	cfg, err := config.ReadFrom(s.base)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, cfg.Runner)
}

func (s *Server) handleSave(c *gin.Context) {
	reg, _, err := s.openRegistry()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := reg.Save(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, actionResponse{Done: true, Action: "save"})
}

func (s *Server) handleRestore(c *gin.Context) {
	reg, _, err := s.openRegistry()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := reg.Restore(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, actionResponse{Done: true, Action: "restore"})
}

func (s *Server) handleServers(c *gin.Context) {
	servers, err := config.ReadServersFrom(s.base)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	names := make([]string, 0, len(servers.Servers))
	for name := range servers.Servers {
		names = append(names, name)
	}
	sort.Strings(names)
	c.JSON(http.StatusOK, names)
}

func (s *Server) handleServerAdd(c *gin.Context) {
	var body addServerBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if body.Name == "" || body.Address == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name and address are required"})
		return
	}

	servers, err := config.ReadServersFrom(s.base)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	servers.Servers[body.Name] = config.Server{Address: body.Address, Token: body.Token}
	if err := servers.SaveTo(s.base); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, actionResponse{Done: true, Action: "add_server"})
}

func (s *Server) handleServerRemove(c *gin.Context) {
	name := c.Param("name")
	servers, err := config.ReadServersFrom(s.base)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if _, ok := servers.Servers[name]; !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "server not found"})
		return
	}
	delete(servers.Servers, name)
	if err := servers.SaveTo(s.base); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, actionResponse{Done: true, Action: "remove_server"})
}

func (s *Server) handleNotificationsGet(c *gin.Context) {
	cfg, err := config.ReadFrom(s.base)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, cfg.Daemon.Notifications)
}

func (s *Server) handleNotificationsSet(c *gin.Context) {
	var body config.Notifications
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cfg, err := config.ReadFrom(s.base)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	cfg.Daemon.Notifications = body
	if err := cfg.SaveTo(s.base); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"saved": true})
}

func (s *Server) handleTestNotification(c *gin.Context) {
	var body struct {
		Title   string `json:"title"`
		Message string `json:"message"`
	}
	_ = c.ShouldBindJSON(&body)
	if body.Title == "" {
		body.Title = "Test notification"
	}
	if body.Message == "" {
		body.Message = "opm notification delivery works"
	}
	if err := s.notifier.Test(body.Title, body.Message); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sent": true})
}
