package supervisor

import (
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opm-sh/opm/internal/config"
	"github.com/opm-sh/opm/internal/notify"
	"github.com/opm-sh/opm/internal/probe"
	"github.com/opm-sh/opm/internal/registry"
	"github.com/opm-sh/opm/internal/testutil"
)

type loopFixture struct {
	reg      *registry.Registry
	fake     *testutil.FakeProbe
	logger   *log.Logger
	notifier *notify.Manager
}

func newLoopFixture(t *testing.T) *loopFixture {
	t.Helper()
	fake := testutil.NewFakeProbe()
	base := t.TempDir()
	if err := os.MkdirAll(filepath.Join(base, "logs"), 0755); err != nil {
		t.Fatal(err)
	}
	logger := log.New(os.Stderr, "", 0)
	reg, err := registry.Open(registry.Deps{
		Base: base,
		Config: config.Config{
			Runner: config.Runner{Shell: "/bin/sh", Args: []string{"-c"}, LogPath: filepath.Join(base, "logs")},
			Daemon: config.Daemon{Restarts: 10, Interval: 1000},
		},
		Probe:  fake,
		Logger: logger,
	})
	if err != nil {
		t.Fatal(err)
	}
	return &loopFixture{
		reg:      reg,
		fake:     fake,
		logger:   logger,
		notifier: notify.NewManager(config.Notifications{}, logger),
	}
}

func (f *loopFixture) tickOne(id int, maxRestarts uint64) {
	superviseOne(f.reg, id, maxRestarts, f.fake, f.logger, f.notifier)
}

func TestCrashRestartUnderLimit(t *testing.T) {
	f := newLoopFixture(t)
	p, err := f.reg.Start(registry.CreateSpec{Script: "false", Dir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}

	// Three ticks; the payload dies after each respawn.
	for i := 0; i < 3; i++ {
		f.fake.Kill(p.Pid)
		f.tickOne(p.ID, 10)
	}

	if p.Crash.Value != 3 {
		t.Errorf("crash value = %d, want 3 (one per detected crash)", p.Crash.Value)
	}
	if p.Restarts != 3 {
		t.Errorf("restarts = %d, want 3", p.Restarts)
	}
	if !p.Running {
		t.Error("supervisor should still be retrying under the limit")
	}
}

func TestGiveUpAfterLimit(t *testing.T) {
	f := newLoopFixture(t)
	p, err := f.reg.Start(registry.CreateSpec{Script: "exit 1", Dir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}

	const maxRestarts = 2
	for i := 0; i < 3; i++ {
		f.fake.Kill(p.Pid)
		f.tickOne(p.ID, maxRestarts)
	}

	if p.Crash.Value != 3 {
		t.Errorf("crash value = %d, want 3", p.Crash.Value)
	}
	if p.Running {
		t.Error("supervisor must give up past the limit")
	}
	if !p.Crash.Crashed {
		t.Error("give-up keeps the crashed latch")
	}

	// Further ticks change nothing but the diagnostic pid.
	restarts, value := p.Restarts, p.Crash.Value
	f.tickOne(p.ID, maxRestarts)
	f.tickOne(p.ID, maxRestarts)
	if p.Restarts != restarts || p.Crash.Value != value {
		t.Errorf("counters moved after give-up: restarts=%d crash=%d", p.Restarts, p.Crash.Value)
	}
	if p.Pid != 0 {
		t.Errorf("pid not cleared after give-up, got %d", p.Pid)
	}
}

func TestMemoryLimitKill(t *testing.T) {
	f := newLoopFixture(t)
	p, err := f.reg.Start(registry.CreateSpec{Script: "tail -f /dev/null", Dir: t.TempDir(), MaxMemory: 1})
	if err != nil {
		t.Fatal(err)
	}
	f.fake.Mem[p.Pid] = probe.MemInfo{RSS: 10 << 20}

	f.tickOne(p.ID, 10)

	if p.Running {
		t.Error("over-limit process must be stopped")
	}
	// Intentional enforcement, not a crash.
	if p.Crash.Crashed || p.Crash.Value != 0 {
		t.Errorf("memory kill polluted crash state: %+v", p.Crash)
	}
}

func TestWatchReload(t *testing.T) {
	f := newLoopFixture(t)
	dir := t.TempDir()
	marker := filepath.Join(dir, "marker")
	if err := os.WriteFile(marker, []byte("v1"), 0644); err != nil {
		t.Fatal(err)
	}

	p, err := f.reg.Start(registry.CreateSpec{Script: "sleep 300", Dir: dir, Watch: "marker"})
	if err != nil {
		t.Fatal(err)
	}
	oldPid := p.Pid

	// Unchanged content: no reload.
	f.tickOne(p.ID, 10)
	if p.Restarts != 0 {
		t.Fatalf("spurious reload on unchanged content")
	}

	if err := os.WriteFile(marker, []byte("v2"), 0644); err != nil {
		t.Fatal(err)
	}
	f.tickOne(p.ID, 10)

	if p.Restarts != 1 {
		t.Errorf("restarts = %d, want 1 after watch change", p.Restarts)
	}
	if p.Pid == oldPid {
		t.Error("watch reload should produce a fresh pid")
	}
	if !p.Running {
		t.Error("reloaded process must be running")
	}

	// The fingerprint was re-stamped: the next tick must not reload again.
	f.tickOne(p.ID, 10)
	if p.Restarts != 1 {
		t.Errorf("watch reload repeated without a change: restarts=%d", p.Restarts)
	}
}

func TestStabilityClearsCrashLatch(t *testing.T) {
	f := newLoopFixture(t)
	p, err := f.reg.Start(registry.CreateSpec{Script: "sleep 60", Dir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	p.Crash = registry.Crash{Crashed: true, Value: 2}
	p.Started = time.Now().Add(-2 * time.Second)

	f.tickOne(p.ID, 10)

	if p.Crash.Crashed {
		t.Error("stable process should shed the crashed latch")
	}
	if p.Crash.Value != 2 {
		t.Errorf("stability must preserve the crash count, got %d", p.Crash.Value)
	}
}

func TestStabilityRespectsGrace(t *testing.T) {
	f := newLoopFixture(t)
	p, err := f.reg.Start(registry.CreateSpec{Script: "sleep 60", Dir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	p.Crash = registry.Crash{Crashed: true, Value: 1}
	p.Started = time.Now() // inside the grace window

	f.tickOne(p.ID, 10)

	if !p.Crash.Crashed {
		t.Error("latch cleared before the grace window elapsed")
	}
}

func TestStatusFixUp(t *testing.T) {
	f := newLoopFixture(t)
	p, err := f.reg.Start(registry.CreateSpec{Script: "sleep 60", Dir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	p.Running = false // marked stopped, but the pid is alive

	f.tickOne(p.ID, 10)

	if !p.Running {
		t.Error("alive process marked stopped should be fixed to running")
	}
}

func TestChildrenReconciled(t *testing.T) {
	f := newLoopFixture(t)
	p, err := f.reg.Start(registry.CreateSpec{Script: "make -j", Dir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	f.fake.Children[p.Pid] = []int{p.Pid + 1, p.Pid + 2}

	f.tickOne(p.ID, 10)

	if len(p.Children) != 2 {
		t.Errorf("children = %v, want 2 entries", p.Children)
	}
}

func TestStoppedProcessIsLeftAlone(t *testing.T) {
	f := newLoopFixture(t)
	p, err := f.reg.Start(registry.CreateSpec{Script: "sleep 60", Dir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	if err := f.reg.Stop(p.ID); err != nil {
		t.Fatal(err)
	}

	f.tickOne(p.ID, 10)

	if p.Running || p.Crash.Value != 0 || p.Restarts != 0 {
		t.Errorf("stopped process touched by supervisor: %+v", p)
	}
	if p.Pid != 0 {
		t.Errorf("pid should be zeroed on a dead stopped process, got %d", p.Pid)
	}
}

func TestPanicInProbeIsContained(t *testing.T) {
	f := newLoopFixture(t)
	p, err := f.reg.Start(registry.CreateSpec{Script: "sleep 60", Dir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	f.fake.PanicOnFindChildren = true

	// Must not propagate.
	f.tickOne(p.ID, 10)
}
