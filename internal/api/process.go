package api

import (
	"bufio"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/opm-sh/opm/internal/registry"
)

// actionResponse acknowledges a process action.
type actionResponse struct {
	Done   bool   `json:"done"`
	Action string `json:"action"`
}

type createBody struct {
	Name   string `json:"name"`
	Script string `json:"script"`
	Path   string `json:"path"`
	Watch  string `json:"watch"`
}

type actionBody struct {
	Method string `json:"method"`
}

type bulkActionBody struct {
	IDs    []int  `json:"ids"`
	Method string `json:"method"`
}

type bulkActionResponse struct {
	Success []int  `json:"success"`
	Failed  []int  `json:"failed"`
	Action  string `json:"action"`
}

// logResponse carries the tail of one log file.
type logResponse struct {
	Path  string   `json:"path"`
	Lines []string `json:"lines"`
}

func (s *Server) handleList(c *gin.Context) {
	reg, _, err := s.openRegistry()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, reg.Fetch())
}

func (s *Server) handleInfo(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	reg, _, err := s.openRegistry()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	item, err := reg.FetchItem(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, item)
}

func (s *Server) handleEnv(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	reg, _, err := s.openRegistry()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	p, err := reg.Get(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, p.Env)
}

func (s *Server) handleLogs(c *gin.Context) {
	s.serveLogs(c, false)
}

func (s *Server) handleLogsRaw(c *gin.Context) {
	s.serveLogs(c, true)
}

// logTailLines bounds the structured log endpoint; the raw variant streams
// the whole file.
const logTailLines = 200

func (s *Server) serveLogs(c *gin.Context, raw bool) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	kind := c.Param("kind")
	if kind != "out" && kind != "error" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "log kind must be out or error"})
		return
	}

	reg, cfg, err := s.openRegistry()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	p, err := reg.Get(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	logs := p.Logs(cfg.Runner.LogPath)
	path := logs.Out
	if kind == "error" {
		path = logs.Error
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			if raw {
				c.String(http.StatusOK, "")
			} else {
				c.JSON(http.StatusOK, logResponse{Path: path})
			}
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	defer f.Close()

	if raw {
		c.Status(http.StatusOK)
		c.Header("Content-Type", "text/plain; charset=utf-8")
		io.Copy(c.Writer, f)
		return
	}

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if len(lines) > logTailLines {
			lines = lines[1:]
		}
	}
	c.JSON(http.StatusOK, logResponse{Path: path, Lines: lines})
}

func (s *Server) handleAction(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var body actionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	reg, _, err := s.openRegistry()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !reg.Exists(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "process not found"})
		return
	}
	if err := applyAction(reg, id, body.Method); err != nil {
		status := http.StatusInternalServerError
		if err == errUnknownAction {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, actionResponse{Done: true, Action: body.Method})
}

func (s *Server) handleRename(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	name := strings.TrimSpace(string(raw))
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name must not be empty"})
		return
	}

	reg, _, err := s.openRegistry()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := reg.Rename(id, name); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, actionResponse{Done: true, Action: "rename"})
}

func (s *Server) handleCreate(c *gin.Context) {
	var body createBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if body.Script == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "script must not be empty"})
		return
	}

	reg, _, err := s.openRegistry()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if _, err := reg.Start(registry.CreateSpec{
		Name:   body.Name,
		Script: body.Script,
		Dir:    body.Path,
		Watch:  body.Watch,
	}); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, actionResponse{Done: true, Action: "create"})
}

func (s *Server) handleBulkAction(c *gin.Context) {
	var body bulkActionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	reg, _, err := s.openRegistry()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := bulkActionResponse{Action: body.Method, Success: []int{}, Failed: []int{}}
	for _, id := range body.IDs {
		if !reg.Exists(id) {
			resp.Failed = append(resp.Failed, id)
			continue
		}
		if err := applyAction(reg, id, body.Method); err != nil {
			resp.Failed = append(resp.Failed, id)
			continue
		}
		resp.Success = append(resp.Success, id)
	}
	c.JSON(http.StatusOK, resp)
}

var errUnknownAction = &apiError{"unknown action method"}

type apiError struct{ msg string }

func (e *apiError) Error() string { return e.msg }

// applyAction maps the wire method names onto lifecycle operations.
// "start" of an existing process respawns it without counting a restart;
// restart and reload count.
func applyAction(reg *registry.Registry, id int, method string) error {
	switch method {
	case "start":
		return reg.Restart(id, registry.RestartOpts{})
	case "restart":
		return reg.Restart(id, registry.RestartOpts{CountAttempt: true})
	case "reload":
		return reg.Reload(id, registry.RestartOpts{CountAttempt: true})
	case "stop", "kill":
		return reg.Stop(id)
	case "remove", "delete":
		return reg.Remove(id)
	case "flush", "clean":
		return reg.Flush(id)
	case "reset_env", "clear_env":
		return reg.ClearEnv(id)
	default:
		return errUnknownAction
	}
}

func pathID(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid process id"})
		return 0, false
	}
	return id, true
}
