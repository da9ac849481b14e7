// Package api exposes the control surface over HTTP: every lifecycle
// operation and registry read, daemon management, the agent registry, remote
// peer proxying, live snapshot streams, and the /ws/agent federation
// channel.
package api

import (
	"fmt"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/opm-sh/opm/internal/agent"
	"github.com/opm-sh/opm/internal/config"
	"github.com/opm-sh/opm/internal/notify"
	"github.com/opm-sh/opm/internal/probe"
	"github.com/opm-sh/opm/internal/registry"
)

// Server is one API instance, embedded in the daemon process.
type Server struct {
	base     string
	logger   *log.Logger
	probe    probe.Probe
	notifier *notify.Manager
	agents   *agent.Registry
}

// NewServer wires the API against the daemon's collaborators.
func NewServer(base string, pr probe.Probe, notifier *notify.Manager, logger *log.Logger) *Server {
	return &Server{
		base:     base,
		logger:   logger,
		probe:    pr,
		notifier: notifier,
		agents:   agent.NewRegistry(notifier),
	}
}

// Agents exposes the server-side agent registry.
func (s *Server) Agents() *agent.Registry { return s.agents }

// Engine builds the router with every endpoint mounted under basePath.
func (s *Server) Engine(basePath string) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), s.instrument())
	s.routes(engine.Group(basePath))
	return engine
}

// Run serves the API until the listener fails. The listen address, base
// path, and token come from the daemon web config.
func (s *Server) Run() error {
	cfg, err := config.ReadFrom(s.base)
	if err != nil {
		return err
	}

	engine := s.Engine(cfg.Daemon.Web.Path)

	addr := cfg.Daemon.Web.Address
	port := cfg.Daemon.Web.Port
	if port == 0 {
		port = config.DefaultWebPort
	}

	listen := fmt.Sprintf("%s:%d", addr, port)
	s.logger.Printf("[api] listening on %s", listen)
	return engine.Run(listen)
}

// routes registers every endpoint under the configured base path.
func (s *Server) routes(r *gin.RouterGroup) {
	authed := r.Group("", s.auth())

	authed.GET("/list", s.handleList)
	authed.GET("/process/:id/info", s.handleInfo)
	authed.GET("/process/:id/env", s.handleEnv)
	authed.GET("/process/:id/logs/:kind", s.handleLogs)
	authed.GET("/process/:id/logs/:kind/raw", s.handleLogsRaw)
	authed.POST("/process/:id/action", s.handleAction)
	authed.POST("/process/:id/rename", s.handleRename)
	authed.POST("/process/create", s.handleCreate)
	authed.POST("/process/bulk-action", s.handleBulkAction)

	authed.GET("/daemon/metrics", s.handleMetrics)
	authed.GET("/daemon/dump", s.handleDump)
	authed.GET("/daemon/config", s.handleConfig)
	authed.POST("/daemon/save", s.handleSave)
	authed.POST("/daemon/restore", s.handleRestore)
	authed.GET("/daemon/servers", s.handleServers)
	authed.POST("/daemon/servers/add", s.handleServerAdd)
	authed.DELETE("/daemon/servers/:name", s.handleServerRemove)
	authed.GET("/daemon/config/notifications", s.handleNotificationsGet)
	authed.POST("/daemon/config/notifications", s.handleNotificationsSet)
	authed.POST("/daemon/test-notification", s.handleTestNotification)
	authed.GET("/daemon/prometheus", s.handlePrometheus)

	authed.POST("/daemon/agents/register", s.handleAgentRegister)
	authed.POST("/daemon/agents/heartbeat", s.handleAgentHeartbeat)
	authed.GET("/daemon/agents/list", s.handleAgentList)
	authed.DELETE("/daemon/agents/:id", s.handleAgentDelete)
	authed.GET("/daemon/agents/:id/processes", s.handleAgentProcesses)

	authed.GET("/remote/:name/list", s.handleRemoteList)
	authed.GET("/remote/:name/info/:id", s.handleRemoteInfo)
	authed.GET("/remote/:name/logs/:id/:kind", s.handleRemoteLogs)
	authed.GET("/remote/:name/metrics", s.handleRemoteMetrics)
	authed.POST("/remote/:name/action/:id", s.handleRemoteAction)
	authed.POST("/remote/:name/rename/:id", s.handleRemoteRename)

	authed.GET("/live/daemon/:server/metrics", s.handleLiveMetrics)
	authed.GET("/live/process/:server/:id", s.handleLiveProcess)

	// The federation channel does its own lifecycle; a bad token fails the
	// upgrade like any other request.
	authed.GET("/ws/agent", s.handleAgentChannel)
}

// openRegistry loads a fresh registry snapshot for one request. Handlers
// never share snapshots; the dump file is the point of convergence.
func (s *Server) openRegistry() (*registry.Registry, config.Config, error) {
	cfg, err := config.ReadFrom(s.base)
	if err != nil {
		return nil, config.Config{}, err
	}
	reg, err := registry.Open(registry.Deps{
		Base:   s.base,
		Config: cfg,
		Probe:  s.probe,
		Logger: s.logger,
	})
	return reg, cfg, err
}

// auth enforces the configured token. Without a configured token the
// surface is open, matching the local-daemon default.
func (s *Server) auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		cfg, err := config.ReadFrom(s.base)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		secure := cfg.Daemon.Web.Secure
		if secure == nil || !secure.Enabled {
			c.Next()
			return
		}
		if c.GetHeader("token") != secure.Token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Next()
	}
}
