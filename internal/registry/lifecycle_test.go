package registry

import (
	"errors"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/opm-sh/opm/internal/config"
	"github.com/opm-sh/opm/internal/testutil"
)

func testDeps(t *testing.T, fake *testutil.FakeProbe) Deps {
	t.Helper()
	base := t.TempDir()
	if err := os.MkdirAll(filepath.Join(base, "logs"), 0755); err != nil {
		t.Fatal(err)
	}
	cfg := config.Config{
		Runner: config.Runner{
			Shell:   "/bin/sh",
			Args:    []string{"-c"},
			Node:    "node",
			LogPath: filepath.Join(base, "logs"),
		},
		Daemon: config.Daemon{Restarts: 10, Interval: 1000},
	}
	return Deps{
		Base:   base,
		Config: cfg,
		Probe:  fake,
		Logger: log.New(os.Stderr, "", 0),
	}
}

func openTest(t *testing.T, fake *testutil.FakeProbe) *Registry {
	t.Helper()
	reg, err := Open(testDeps(t, fake))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return reg
}

func TestStartAssignsIdZeroAndRuns(t *testing.T) {
	fake := testutil.NewFakeProbe()
	reg := openTest(t, fake)

	p, err := reg.Start(CreateSpec{Script: "sleep 60", Name: "echo", Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if p.ID != 0 {
		t.Errorf("first process id = %d, want 0", p.ID)
	}
	if !p.Running {
		t.Error("new process should be running")
	}
	if p.Pid <= 0 {
		t.Errorf("pid = %d, want positive", p.Pid)
	}
	if p.Restarts != 0 || p.Crash.Value != 0 || p.Crash.Crashed {
		t.Errorf("fresh process has dirty counters: %+v", p)
	}

	spec := fake.LastSpawn()
	if spec.Shell != "/bin/sh" || spec.Command != "sleep 60" {
		t.Errorf("spawned %q via %q", spec.Command, spec.Shell)
	}
}

func TestStartDefaultsNameToFirstToken(t *testing.T) {
	reg := openTest(t, testutil.NewFakeProbe())

	p, err := reg.Start(CreateSpec{Script: "sleep 60", Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if p.Name != "sleep" {
		t.Errorf("name = %q, want sleep", p.Name)
	}
}

func TestStartEmptyScript(t *testing.T) {
	reg := openTest(t, testutil.NewFakeProbe())
	if _, err := reg.Start(CreateSpec{Script: "   ", Dir: t.TempDir()}); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestStopSemantics(t *testing.T) {
	fake := testutil.NewFakeProbe()
	reg := openTest(t, fake)

	p, err := reg.Start(CreateSpec{Script: "sleep 60", Dir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	pid := p.Pid
	p.Children = []int{pid + 500}
	p.Crash = Crash{Crashed: true, Value: 4}

	if err := reg.Stop(p.ID); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if p.Running {
		t.Error("stopped process still marked running")
	}
	if p.Crash.Crashed || p.Crash.Value != 0 {
		t.Errorf("stop must clear crash state, got %+v", p.Crash)
	}
	if len(p.Children) != 0 {
		t.Errorf("stop must clear children, got %v", p.Children)
	}
	if p.Pid != pid {
		t.Errorf("stop must leave pid for diagnostics, got %d", p.Pid)
	}

	var sawChild, sawPayload bool
	for _, killed := range fake.Terminated {
		if killed == pid+500 {
			sawChild = true
		}
		if killed == pid {
			sawPayload = true
		}
	}
	if !sawChild || !sawPayload {
		t.Errorf("terminated %v, want child %d and payload %d", fake.Terminated, pid+500, pid)
	}
}

func TestRestartCountsAttemptUpFront(t *testing.T) {
	fake := testutil.NewFakeProbe()
	reg := openTest(t, fake)

	p, err := reg.Start(CreateSpec{Script: "sleep 60", Dir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	oldPid := p.Pid
	p.Crash.Value = 3

	if err := reg.Restart(p.ID, RestartOpts{CountAttempt: true}); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if p.Restarts != 1 {
		t.Errorf("restarts = %d, want 1", p.Restarts)
	}
	if p.Pid == oldPid {
		t.Error("restart should produce a fresh pid")
	}
	if !p.Running || p.Crash.Crashed {
		t.Errorf("restarted process state: %+v", p)
	}
	// A manual restart wipes the crash history.
	if p.Crash.Value != 0 {
		t.Errorf("manual restart kept crash value %d", p.Crash.Value)
	}
}

func TestCrashRestartPreservesCrashValue(t *testing.T) {
	fake := testutil.NewFakeProbe()
	reg := openTest(t, fake)

	p, err := reg.Start(CreateSpec{Script: "false", Dir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	p.Crash.Value = 2

	if err := reg.Restart(p.ID, RestartOpts{Dead: true, CountAttempt: true}); err != nil {
		t.Fatal(err)
	}
	if p.Crash.Value != 2 {
		t.Errorf("crash restart changed crash value to %d", p.Crash.Value)
	}
	if p.Restarts != 1 {
		t.Errorf("restarts = %d, want 1", p.Restarts)
	}
}

func TestRestartSpawnFailure(t *testing.T) {
	fake := testutil.NewFakeProbe()
	reg := openTest(t, fake)

	p, err := reg.Start(CreateSpec{Script: "sleep 60", Dir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}

	fake.SpawnErr = errors.New("shell not found")
	err = reg.Restart(p.ID, RestartOpts{Dead: true, CountAttempt: true})
	if err == nil {
		t.Fatal("expected spawn failure")
	}
	if p.Running {
		t.Error("failed restart left process running")
	}
	if !p.Crash.Crashed {
		t.Error("failed restart must latch crashed")
	}
	if p.Crash.Value != 1 {
		t.Errorf("dead spawn failure should bump crash value, got %d", p.Crash.Value)
	}
	// The attempt still counted.
	if p.Restarts != 1 {
		t.Errorf("restarts = %d, want 1", p.Restarts)
	}
}

func TestReloadSpawnsBeforeKilling(t *testing.T) {
	fake := testutil.NewFakeProbe()
	reg := openTest(t, fake)

	p, err := reg.Start(CreateSpec{Script: "sleep 300", Dir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	oldPid := p.Pid

	if err := reg.Reload(p.ID, RestartOpts{CountAttempt: true}); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if p.Pid == oldPid {
		t.Error("reload should produce a fresh pid")
	}
	if len(fake.Spawned) != 2 {
		t.Fatalf("spawn count = %d, want 2", len(fake.Spawned))
	}
	// The old payload was terminated only after the new spawn.
	found := false
	for _, killed := range fake.Terminated {
		if killed == oldPid {
			found = true
		}
	}
	if !found {
		t.Errorf("old pid %d never terminated (terminated: %v)", oldPid, fake.Terminated)
	}
	if p.Restarts != 1 {
		t.Errorf("restarts = %d, want 1", p.Restarts)
	}
}

func TestRemoveDoesNotReuseIds(t *testing.T) {
	reg := openTest(t, testutil.NewFakeProbe())
	dir := t.TempDir()

	a, _ := reg.Start(CreateSpec{Script: "sleep 1", Name: "a", Dir: dir})
	b, _ := reg.Start(CreateSpec{Script: "sleep 1", Name: "b", Dir: dir})
	if a.ID != 0 || b.ID != 1 {
		t.Fatalf("ids = %d,%d want 0,1", a.ID, b.ID)
	}

	if err := reg.Remove(b.ID); err != nil {
		t.Fatal(err)
	}
	c, err := reg.Start(CreateSpec{Script: "sleep 1", Name: "c", Dir: dir})
	if err != nil {
		t.Fatal(err)
	}
	if c.ID <= b.ID {
		t.Errorf("removed id %d was reused as %d", b.ID, c.ID)
	}
}

func TestResetCounters(t *testing.T) {
	reg := openTest(t, testutil.NewFakeProbe())

	p, _ := reg.Start(CreateSpec{Script: "sleep 1", Dir: t.TempDir()})
	p.Restarts = 5
	p.Crash = Crash{Crashed: true, Value: 3}

	if err := reg.ResetCounters(p.ID); err != nil {
		t.Fatal(err)
	}
	if p.Restarts != 0 || p.Crash.Value != 0 || p.Crash.Crashed {
		t.Errorf("counters not reset: restarts=%d crash=%+v", p.Restarts, p.Crash)
	}
}

func TestSetAndClearEnv(t *testing.T) {
	reg := openTest(t, testutil.NewFakeProbe())

	p, _ := reg.Start(CreateSpec{Script: "sleep 1", Dir: t.TempDir()})
	if err := reg.SetEnv(p.ID, Env{"A": "1", "B": "2"}); err != nil {
		t.Fatal(err)
	}
	if p.Env["A"] != "1" || p.Env["B"] != "2" {
		t.Errorf("env = %v", p.Env)
	}
	if err := reg.ClearEnv(p.ID); err != nil {
		t.Fatal(err)
	}
	if len(p.Env) != 0 {
		t.Errorf("env not cleared: %v", p.Env)
	}
}

func TestDotenvOverridesStoredAndSystem(t *testing.T) {
	fake := testutil.NewFakeProbe()
	reg := openTest(t, fake)

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("FROM_DOTENV=yes\nPATH=/dotenv\n"), 0644); err != nil {
		t.Fatal(err)
	}

	p, err := reg.Start(CreateSpec{Script: "sleep 60", Dir: dir})
	if err != nil {
		t.Fatal(err)
	}
	if p.Env["FROM_DOTENV"] != "yes" {
		t.Errorf("dotenv not stored in overlay: %v", p.Env)
	}

	var sawDotenvPath bool
	for _, entry := range fake.LastSpawn().Env {
		if entry == "PATH=/dotenv" {
			sawDotenvPath = true
		}
	}
	if !sawDotenvPath {
		t.Error(".env must win over the system environment at spawn")
	}
}

func TestOperationsOnMissingId(t *testing.T) {
	reg := openTest(t, testutil.NewFakeProbe())

	for name, op := range map[string]func() error{
		"stop":    func() error { return reg.Stop(99) },
		"restart": func() error { return reg.Restart(99, RestartOpts{}) },
		"remove":  func() error { return reg.Remove(99) },
		"rename":  func() error { return reg.Rename(99, "x") },
		"flush":   func() error { return reg.Flush(99) },
	} {
		if err := op(); !errors.Is(err, ErrNotFound) {
			t.Errorf("%s on missing id: err = %v, want ErrNotFound", name, err)
		}
	}
}

func TestRestoreRelaunchesAndResetsCounters(t *testing.T) {
	fake := testutil.NewFakeProbe()
	reg := openTest(t, fake)
	dir := t.TempDir()

	running, _ := reg.Start(CreateSpec{Script: "sleep 60", Name: "up", Dir: dir})
	crashed, _ := reg.Start(CreateSpec{Script: "sleep 60", Name: "mid-crash", Dir: dir})
	stopped, _ := reg.Start(CreateSpec{Script: "sleep 60", Name: "halted", Dir: dir})

	crashed.Crash = Crash{Crashed: true, Value: 4}
	crashed.Running = false
	running.Restarts = 7
	if err := reg.Stop(stopped.ID); err != nil {
		t.Fatal(err)
	}
	stoppedPid := stopped.Pid

	spawnsBefore := len(fake.Spawned)
	if err := reg.Restore(); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	// The running and mid-crash processes were relaunched; the stopped one
	// was left alone.
	if got := len(fake.Spawned) - spawnsBefore; got != 2 {
		t.Errorf("restore spawned %d processes, want 2", got)
	}
	if !running.Running || !crashed.Running {
		t.Error("restored processes not running")
	}
	if stopped.Running || stopped.Pid != stoppedPid {
		t.Errorf("stopped process touched by restore: %+v", stopped)
	}

	// Counters reset across the board.
	for _, p := range []*Process{running, crashed, stopped} {
		if p.Restarts != 0 || p.Crash.Value != 0 || p.Crash.Crashed {
			t.Errorf("%s counters not reset: restarts=%d crash=%+v", p.Name, p.Restarts, p.Crash)
		}
	}
}

func TestFlushTruncatesLogs(t *testing.T) {
	fake := testutil.NewFakeProbe()
	deps := testDeps(t, fake)
	reg, err := Open(deps)
	if err != nil {
		t.Fatal(err)
	}

	p, _ := reg.Start(CreateSpec{Script: "sleep 1", Name: "web", Dir: t.TempDir()})
	logs := p.Logs(deps.Config.Runner.LogPath)
	if err := os.WriteFile(logs.Out, []byte("old output\n"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := reg.Flush(p.ID); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(logs.Out)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 0 {
		t.Errorf("log not truncated: %q", data)
	}
}
