package probe

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	gops "github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sys/unix"
)

// payloadResolveWindow bounds how long Spawn polls for the shell's single
// child before settling on the shell pid as the payload.
const (
	payloadResolveWindow = 500 * time.Millisecond
	payloadResolvePoll   = 50 * time.Millisecond

	terminationPoll = 100 * time.Millisecond
)

// DefaultTerminationWait matches the lifecycle layer's stop/restart budget:
// 50 polls of 100ms.
const DefaultTerminationWait = 5 * time.Second

type osProbe struct{}

// New returns the production Probe backed by /proc and gopsutil.
func New() Probe {
	return osProbe{}
}

func (osProbe) Spawn(spec SpawnSpec) (RunResult, error) {
	stdout, err := os.OpenFile(spec.StdoutPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return RunResult{}, fmt.Errorf("opening stdout log %s: %w", spec.StdoutPath, err)
	}
	stderr, err := os.OpenFile(spec.StderrPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		stdout.Close()
		return RunResult{}, fmt.Errorf("opening stderr log %s: %w", spec.StderrPath, err)
	}
	defer stdout.Close()
	defer stderr.Close()

	args := append(append([]string{}, spec.Args...), spec.Command)
	cmd := exec.Command(spec.Shell, args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.Stdin = nil
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return RunResult{}, fmt.Errorf("shell %q not found: %w", spec.Shell, err)
		}
		return RunResult{}, fmt.Errorf("spawning %q via %s: %w", spec.Command, spec.Shell, err)
	}

	shellPid := cmd.Process.Pid

	// Reap the shell when it exits so it never lingers as a zombie.
	go func() { _ = cmd.Wait() }()

	payload := resolvePayloadPid(shellPid)
	if payload == shellPid {
		return RunResult{Pid: shellPid}, nil
	}
	return RunResult{Pid: payload, ShellPid: shellPid}, nil
}

// resolvePayloadPid polls briefly for the shell's children. When the shell
// has exactly one child inside the window, that child is the payload;
// otherwise the shell itself is.
func resolvePayloadPid(shellPid int) int {
	deadline := time.Now().Add(payloadResolveWindow)
	for {
		children := directChildren(shellPid)
		if len(children) == 1 {
			return children[0]
		}
		if len(children) > 1 || time.Now().After(deadline) {
			return shellPid
		}
		time.Sleep(payloadResolvePoll)
	}
}

func (osProbe) IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if err := unix.Kill(pid, 0); err != nil {
		return false
	}
	return !isZombie(pid)
}

// isZombie reports whether pid is a zombie. Zombies pass the signal-0 probe
// but are dead for supervision purposes.
func isZombie(pid int) bool {
	p, err := gops.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	statuses, err := p.Status()
	if err != nil {
		return false
	}
	for _, s := range statuses {
		if s == gops.Zombie {
			return true
		}
	}
	return false
}

func (osProbe) FindChildren(pid int) []int {
	return findChildren(pid)
}

func findChildren(parent int) []int {
	var children []int
	seen := map[int]bool{}
	queue := []int{parent}

	for len(queue) > 0 {
		pid := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		if seen[pid] {
			continue
		}
		seen[pid] = true

		direct := directChildren(pid)
		if direct == nil && pid == parent {
			// /proc unavailable for the root: fall back to one full scan.
			return scanChildren(parent)
		}
		for _, child := range direct {
			children = append(children, child)
			queue = append(queue, child)
		}
	}
	return children
}

// directChildren reads /proc/<pid>/task/<pid>/children.
func directChildren(pid int) []int {
	path := fmt.Sprintf("/proc/%d/task/%d/children", pid, pid)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var pids []int
	for _, field := range strings.Fields(string(data)) {
		if child, err := strconv.Atoi(field); err == nil {
			pids = append(pids, child)
		}
	}
	return pids
}

// scanChildren enumerates every process once and walks the parent->children
// map. Used where the /proc children file is unavailable.
func scanChildren(parent int) []int {
	procs, err := gops.Processes()
	if err != nil {
		return nil
	}

	byParent := map[int][]int{}
	for _, p := range procs {
		ppid, err := p.Ppid()
		if err != nil {
			continue
		}
		byParent[int(ppid)] = append(byParent[int(ppid)], int(p.Pid))
	}

	var children []int
	seen := map[int]bool{}
	queue := []int{parent}
	for len(queue) > 0 {
		pid := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		for _, child := range byParent[pid] {
			if seen[child] {
				continue
			}
			seen[child] = true
			children = append(children, child)
			queue = append(queue, child)
		}
	}
	return children
}

func (osProbe) Memory(pid int) (MemInfo, error) {
	p, err := gops.NewProcess(int32(pid))
	if err != nil {
		return MemInfo{}, fmt.Errorf("process %d: %w", pid, err)
	}
	info, err := p.MemoryInfo()
	if err != nil {
		return MemInfo{}, fmt.Errorf("memory info for %d: %w", pid, err)
	}
	return MemInfo{RSS: info.RSS, VMS: info.VMS}, nil
}

func (osProbe) CPUPercent(pid int) float64 {
	p, err := gops.NewProcess(int32(pid))
	if err != nil {
		return 0
	}
	before, err := p.Times()
	if err != nil {
		return 0
	}
	start := time.Now()
	time.Sleep(cpuSampleWindow)
	after, err := p.Times()
	if err != nil {
		return 0
	}

	busy := (after.User + after.System) - (before.User + before.System)
	elapsed := time.Since(start).Seconds()
	if elapsed <= 0 || busy < 0 {
		return 0
	}
	return busy / elapsed / effectiveCPUCount() * 100
}

func (osProbe) CPUPercentFast(pid int) float64 {
	p, err := gops.NewProcess(int32(pid))
	if err != nil {
		return 0
	}
	times, err := p.Times()
	if err != nil {
		return 0
	}
	createdMs, err := p.CreateTime()
	if err != nil {
		return 0
	}

	elapsed := time.Since(time.UnixMilli(createdMs)).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return (times.User + times.System) / elapsed / effectiveCPUCount() * 100
}

func (osProbe) Terminate(pid int) error {
	if pid <= 0 {
		return nil
	}
	err := unix.Kill(pid, unix.SIGTERM)
	if err == nil || errors.Is(err, unix.ESRCH) {
		return nil
	}
	return fmt.Errorf("terminating %d: %w", pid, err)
}

func (osProbe) WaitTerminated(pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if err := unix.Kill(pid, 0); err != nil {
			return true
		}
		if isZombie(pid) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(terminationPoll)
	}
}

// cpuSampleWindow is the timed-measurement window for CPUPercent.
const cpuSampleWindow = 100 * time.Millisecond
