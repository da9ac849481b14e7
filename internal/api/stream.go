package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/opm-sh/opm/internal/config"
	"github.com/opm-sh/opm/internal/remote"
	"github.com/opm-sh/opm/internal/supervisor"
)

// streamInterval is the snapshot period of the live endpoints.
const streamInterval = time.Second

// isLocalTarget reports whether the :server segment addresses this daemon.
func isLocalTarget(name string) bool {
	return name == "local" || name == "internal"
}

// handleLiveMetrics emits a daemon metrics snapshot every second until the
// client goes away or a relayed peer request fails.
func (s *Server) handleLiveMetrics(c *gin.Context) {
	server := c.Param("server")

	var client *remote.Client
	if !isLocalTarget(server) {
		servers, err := config.ReadServersFrom(s.base)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		srv, ok := servers.Get(server)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "server '" + server + "' does not exist"})
			return
		}
		client = remote.Connect(srv)
	}

	s.stream(c, func() (any, error) {
		if client != nil {
			return client.Metrics()
		}
		return supervisor.Health(s.base)
	})
}

// handleLiveProcess emits a process info snapshot every second.
func (s *Server) handleLiveProcess(c *gin.Context) {
	server := c.Param("server")
	id, ok := pathID(c)
	if !ok {
		return
	}

	var client *remote.Client
	if !isLocalTarget(server) {
		servers, err := config.ReadServersFrom(s.base)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		srv, found := servers.Get(server)
		if !found {
			c.JSON(http.StatusNotFound, gin.H{"error": "server '" + server + "' does not exist"})
			return
		}
		client = remote.Connect(srv)
	}

	s.stream(c, func() (any, error) {
		if client != nil {
			return client.Info(id)
		}
		reg, _, err := s.openRegistry()
		if err != nil {
			return nil, err
		}
		return reg.FetchItem(id)
	})
}

// stream writes one server-sent event per interval until the client closes
// the connection or snapshot fails.
func (s *Server) stream(c *gin.Context, snapshot func() (any, error)) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	ticker := time.NewTicker(streamInterval)
	defer ticker.Stop()

	emit := func() bool {
		data, err := snapshot()
		if err != nil {
			s.logger.Printf("[api] live stream ended: %v", err)
			return false
		}
		payload, err := json.Marshal(data)
		if err != nil {
			return false
		}
		if _, err := c.Writer.WriteString("data: " + string(payload) + "\n\n"); err != nil {
			return false
		}
		c.Writer.Flush()
		return true
	}

	if !emit() {
		return
	}
	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-ticker.C:
			if !emit() {
				return
			}
		}
	}
}
