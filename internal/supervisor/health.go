package supervisor

import (
	"fmt"
	"time"

	gops "github.com/shirou/gopsutil/v4/process"

	"github.com/opm-sh/opm/internal/config"
	"github.com/opm-sh/opm/internal/probe"
	"github.com/opm-sh/opm/internal/registry"
	"github.com/opm-sh/opm/internal/util"
)

// HealthInfo describes the daemon itself, for `opm daemon health` and the
// /daemon/metrics endpoint.
type HealthInfo struct {
	PidFile      string `json:"pid_file"`
	Path         string `json:"path"`
	CPU          string `json:"cpu"`
	Mem          string `json:"mem"`
	Kind         string `json:"kind"`
	ProcessCount int    `json:"process_count"`
	Uptime       string `json:"uptime"`
	Pid          int    `json:"pid,omitempty"`
	Status       string `json:"status"`
}

// Health inspects the running daemon (if any) and the persisted registry.
func Health(base string) (HealthInfo, error) {
	cfg, err := config.ReadFrom(base)
	if err != nil {
		return HealthInfo{}, err
	}

	pr := probe.New()
	reg, err := registry.Open(registry.Deps{Base: base, Config: cfg, Probe: pr})
	if err != nil {
		return HealthInfo{}, err
	}

	info := HealthInfo{
		PidFile:      config.PidPath(base),
		Path:         base,
		Kind:         cfg.Daemon.Kind,
		ProcessCount: reg.Count(),
		CPU:          "0.00%",
		Mem:          "0b",
		Uptime:       "none",
		Status:       "stopped",
	}

	pid, running := ReadPid(base)
	if !running {
		return info, nil
	}

	info.Pid = pid
	info.Status = "online"
	info.CPU = fmt.Sprintf("%.2f%%", probe.TreeCPU(pr, pid))
	if mem, err := probe.TreeMemory(pr, pid); err == nil {
		info.Mem = util.FormatMemory(mem.RSS)
	}
	if p, err := gops.NewProcess(int32(pid)); err == nil {
		if createdMs, err := p.CreateTime(); err == nil {
			info.Uptime = util.FormatDuration(time.UnixMilli(createdMs))
		}
	}
	return info, nil
}

// Reset re-seats the registry id allocator (see registry.Reset).
func Reset(base string) error {
	cfg, err := config.ReadFrom(base)
	if err != nil {
		return err
	}
	reg, err := registry.Open(registry.Deps{Base: base, Config: cfg, Probe: probe.New()})
	if err != nil {
		return err
	}
	return reg.Reset()
}
