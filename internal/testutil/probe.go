// Package testutil holds shared test doubles.
package testutil

import (
	"sync"
	"time"

	"github.com/opm-sh/opm/internal/probe"
)

// FakeProbe is a scripted probe. Spawn hands out increasing pids that start
// alive; tests flip Alive entries to simulate crashes.
type FakeProbe struct {
	mu sync.Mutex

	NextPid  int
	Alive    map[int]bool
	Children map[int][]int
	Mem      map[int]probe.MemInfo
	CPU      map[int]float64

	// SpawnErr, when set, fails every Spawn.
	SpawnErr error
	// PanicOnFindChildren simulates a probe bug for panic-containment tests.
	PanicOnFindChildren bool

	Spawned    []probe.SpawnSpec
	Terminated []int
}

// NewFakeProbe returns an empty probe starting pids at 1000.
func NewFakeProbe() *FakeProbe {
	return &FakeProbe{
		NextPid:  1000,
		Alive:    map[int]bool{},
		Children: map[int][]int{},
		Mem:      map[int]probe.MemInfo{},
		CPU:      map[int]float64{},
	}
}

func (f *FakeProbe) Spawn(spec probe.SpawnSpec) (probe.RunResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SpawnErr != nil {
		return probe.RunResult{}, f.SpawnErr
	}
	f.Spawned = append(f.Spawned, spec)
	pid := f.NextPid
	f.NextPid++
	f.Alive[pid] = true
	return probe.RunResult{Pid: pid}, nil
}

func (f *FakeProbe) IsAlive(pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return pid > 0 && f.Alive[pid]
}

func (f *FakeProbe) FindChildren(pid int) []int {
	if f.PanicOnFindChildren {
		panic("scripted probe failure")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Children[pid]
}

func (f *FakeProbe) Memory(pid int) (probe.MemInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Mem[pid], nil
}

func (f *FakeProbe) CPUPercent(pid int) float64     { return f.cpu(pid) }
func (f *FakeProbe) CPUPercentFast(pid int) float64 { return f.cpu(pid) }

func (f *FakeProbe) cpu(pid int) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.CPU[pid]
}

func (f *FakeProbe) Terminate(pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Terminated = append(f.Terminated, pid)
	f.Alive[pid] = false
	return nil
}

func (f *FakeProbe) WaitTerminated(pid int, timeout time.Duration) bool {
	return !f.IsAlive(pid)
}

// LastSpawn returns the most recent spawn spec.
func (f *FakeProbe) LastSpawn() probe.SpawnSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Spawned[len(f.Spawned)-1]
}

// Kill marks a pid dead without recording a termination, simulating a crash.
func (f *FakeProbe) Kill(pid int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Alive[pid] = false
}
