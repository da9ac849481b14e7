package registry

import (
	"fmt"
	"strings"
	"time"

	"github.com/opm-sh/opm/internal/probe"
	"github.com/opm-sh/opm/internal/util"
)

// ProcessItem is one row of the list view, metrics included.
type ProcessItem struct {
	ID        int       `json:"id"`
	Pid       int       `json:"pid"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Uptime    string    `json:"uptime"`
	Restarts  uint64    `json:"restarts"`
	CPU       string    `json:"cpu"`
	Mem       string    `json:"mem"`
	WatchPath string    `json:"watch_path"`
	StartTime time.Time `json:"start_time"`
}

// ItemSingle is the full info view of one process.
type ItemSingle struct {
	Info  Info     `json:"info"`
	Stats Stats    `json:"stats"`
	Watch Watch    `json:"watch"`
	Log   LogPaths `json:"log"`
	Raw   Raw      `json:"raw"`
}

type Info struct {
	ID       int    `json:"id"`
	Pid      int    `json:"pid"`
	Name     string `json:"name"`
	Status   string `json:"status"`
	Path     string `json:"path"`
	Uptime   string `json:"uptime"`
	Command  string `json:"command"`
	Children []int  `json:"children"`
}

type Stats struct {
	Restarts    uint64         `json:"restarts"`
	StartTime   int64          `json:"start_time"`
	CPUPercent  *float64       `json:"cpu_percent"`
	MemoryUsage *probe.MemInfo `json:"memory_usage"`
}

type Raw struct {
	Running bool   `json:"running"`
	Crashed bool   `json:"crashed"`
	Crashes uint64 `json:"crashes"`
}

// Fetch builds the list view. It uses fast CPU measurement throughout so a
// long process table does not stall the caller.
func (r *Registry) Fetch() []ProcessItem {
	items := make([]ProcessItem, 0, len(r.procs))

	for _, p := range r.Processes() {
		cpu, mem := r.treeStats(p, true)

		alive := p.Pid > 0 && r.deps.Probe.IsAlive(p.Pid)
		status := p.Status(alive)
		uptime := "0s"
		if status == StatusOnline {
			uptime = util.FormatDuration(p.Started)
		}

		items = append(items, ProcessItem{
			ID:        p.ID,
			Pid:       p.Pid,
			Name:      p.Name,
			Status:    status,
			Uptime:    uptime,
			Restarts:  p.Restarts,
			CPU:       cpu,
			Mem:       mem,
			WatchPath: p.Watch.Path,
			StartTime: p.Started,
		})
	}
	return items
}

// FetchItem builds the full info view. The root measurement is timed (the
// ~100ms window) for an accurate instantaneous reading.
func (r *Registry) FetchItem(id int) (ItemSingle, error) {
	p, err := r.Get(id)
	if err != nil {
		return ItemSingle{}, err
	}

	runner := r.deps.Config.Runner
	alive := p.Pid > 0 && r.deps.Probe.IsAlive(p.Pid)
	status := p.Status(alive)
	uptime := "0s"
	if status == StatusOnline {
		uptime = util.FormatDuration(p.Started)
	}

	var cpuPercent *float64
	var memUsage *probe.MemInfo
	root := probe.MonitorRoot(r.deps.Probe, p.Pid, p.ShellPid)
	if root > 0 && r.deps.Probe.IsAlive(root) {
		cpu := probe.TreeCPU(r.deps.Probe, root)
		cpuPercent = &cpu
		if mem, err := probe.TreeMemory(r.deps.Probe, root); err == nil {
			memUsage = &mem
		}
	}

	return ItemSingle{
		Info: Info{
			ID:       p.ID,
			Pid:      p.Pid,
			Name:     p.Name,
			Status:   status,
			Path:     p.Path,
			Uptime:   uptime,
			Command:  fmt.Sprintf("%s %s '%s'", runner.Shell, strings.Join(runner.Args, " "), p.Script),
			Children: p.Children,
		},
		Stats: Stats{
			Restarts:    p.Restarts,
			StartTime:   p.Started.UnixMilli(),
			CPUPercent:  cpuPercent,
			MemoryUsage: memUsage,
		},
		Watch: p.Watch,
		Log:   p.Logs(runner.LogPath),
		Raw: Raw{
			Running: p.Running,
			Crashed: p.Crash.Crashed,
			Crashes: p.Crash.Value,
		},
	}, nil
}

// treeStats renders the aggregate CPU/memory of a process tree. fast selects
// the no-delay CPU path for list views.
func (r *Registry) treeStats(p *Process, fast bool) (cpu, mem string) {
	cpu, mem = "0.00%", "0b"

	root := probe.MonitorRoot(r.deps.Probe, p.Pid, p.ShellPid)
	if root <= 0 || !r.deps.Probe.IsAlive(root) {
		return cpu, mem
	}

	var percent float64
	if fast {
		percent = probe.TreeCPUFast(r.deps.Probe, root)
	} else {
		percent = probe.TreeCPU(r.deps.Probe, root)
	}
	cpu = fmt.Sprintf("%.2f%%", percent)

	if m, err := probe.TreeMemory(r.deps.Probe, root); err == nil {
		mem = util.FormatMemory(m.RSS)
	}
	return cpu, mem
}
