// Package probe is the OS abstraction used by the registry and supervisor:
// spawning payloads under the configured shell, liveness checks, child
// enumeration and resource sampling.
package probe

import (
	"time"
)

// RunResult identifies a spawned process. Pid is the payload pid; ShellPid is
// the wrapping shell when it is still distinct from the payload, 0 otherwise.
type RunResult struct {
	Pid      int
	ShellPid int
}

// MemInfo is the resident and virtual size of a process in bytes.
type MemInfo struct {
	RSS uint64 `json:"rss"`
	VMS uint64 `json:"vms"`
}

// SpawnSpec describes one payload launch.
type SpawnSpec struct {
	Name    string
	Shell   string
	Args    []string
	Command string
	// Env is the full environment for the child, KEY=VALUE entries.
	Env []string
	Dir  string
	// StdoutPath and StderrPath are opened in append mode, created if missing.
	StdoutPath string
	StderrPath string
}

// Probe is the capability set the lifecycle layer and supervisor need from
// the operating system. The production implementation is returned by New;
// tests substitute fakes.
type Probe interface {
	// Spawn launches the command under the configured shell and resolves the
	// real payload pid when the shell wraps a single child.
	Spawn(spec SpawnSpec) (RunResult, error)

	// IsAlive reports whether pid refers to a live process. Zombies and
	// non-positive pids are dead.
	IsAlive(pid int) bool

	// FindChildren returns all descendant pids of pid, depth-first.
	FindChildren(pid int) []int

	// Memory returns the RSS/VMS of pid.
	Memory(pid int) (MemInfo, error)

	// CPUPercent samples pid's CPU usage over ~100ms, normalized to the
	// effective core count (cgroup-aware).
	CPUPercent(pid int) float64

	// CPUPercentFast returns the average CPU usage since process start
	// without a sampling delay. Used when aggregating over many processes.
	CPUPercentFast(pid int) float64

	// Terminate sends SIGTERM to pid. A process that is already gone is not
	// an error.
	Terminate(pid int) error

	// WaitTerminated polls IsAlive until pid is gone or timeout elapses.
	// Returns whether the process terminated.
	WaitTerminated(pid int, timeout time.Duration) bool
}

// TreeMemory sums the memory of root and every descendant. Descendants that
// disappear mid-walk are skipped.
func TreeMemory(p Probe, root int) (MemInfo, error) {
	total, err := p.Memory(root)
	if err != nil {
		return MemInfo{}, err
	}
	for _, child := range p.FindChildren(root) {
		if m, err := p.Memory(child); err == nil {
			total.RSS += m.RSS
			total.VMS += m.VMS
		}
	}
	return total, nil
}

// TreeCPU sums a timed measurement of root with fast measurements of its
// children, avoiding an N x 100ms stall on deep trees.
func TreeCPU(p Probe, root int) float64 {
	total := p.CPUPercent(root)
	for _, child := range p.FindChildren(root) {
		total += p.CPUPercentFast(child)
	}
	return total
}

// TreeCPUFast is TreeCPU with a fast measurement for the root as well, for
// list views that aggregate many processes.
func TreeCPUFast(p Probe, root int) float64 {
	total := p.CPUPercentFast(root)
	for _, child := range p.FindChildren(root) {
		total += p.CPUPercentFast(child)
	}
	return total
}

// MonitorRoot picks the pid to aggregate a process tree from: the shell pid
// when it is recorded and still alive (so the whole tree is counted), the
// payload pid otherwise.
func MonitorRoot(p Probe, payloadPid, shellPid int) int {
	if shellPid > 0 && p.IsAlive(shellPid) {
		return shellPid
	}
	return payloadPid
}
