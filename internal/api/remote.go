package api

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/opm-sh/opm/internal/config"
	"github.com/opm-sh/opm/internal/remote"
)

// peer resolves a named peer from servers.toml into a client carrying that
// peer's token. Remote failures surface to the caller verbatim; nothing
// local is mutated on those paths.
func (s *Server) peer(c *gin.Context) (*remote.Client, bool) {
	name := c.Param("name")
	servers, err := config.ReadServersFrom(s.base)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, false
	}
	srv, ok := servers.Get(name)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "server '" + name + "' does not exist"})
		return nil, false
	}
	return remote.Connect(srv), true
}

func (s *Server) handleRemoteList(c *gin.Context) {
	client, ok := s.peer(c)
	if !ok {
		return
	}
	items, err := client.List()
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, items)
}

func (s *Server) handleRemoteInfo(c *gin.Context) {
	client, ok := s.peer(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	item, err := client.Info(id)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, item)
}

func (s *Server) handleRemoteLogs(c *gin.Context) {
	client, ok := s.peer(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	logs, err := client.Logs(id, c.Param("kind"))
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, logs)
}

func (s *Server) handleRemoteMetrics(c *gin.Context) {
	client, ok := s.peer(c)
	if !ok {
		return
	}
	raw, err := client.Metrics()
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/json", raw)
}

func (s *Server) handleRemoteAction(c *gin.Context) {
	client, ok := s.peer(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	var body actionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	resp, err := client.Action(id, body.Method)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleRemoteRename(c *gin.Context) {
	client, ok := s.peer(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := client.Rename(id, string(raw)); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, actionResponse{Done: true, Action: "rename"})
}
