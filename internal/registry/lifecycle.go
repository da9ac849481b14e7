package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/opm-sh/opm/internal/probe"
)

// CreateSpec describes a new managed process.
type CreateSpec struct {
	// Name defaults to the first whitespace token of Script.
	Name   string
	Script string
	Dir    string
	// Watch, when non-empty, enables watch-reload on that path (relative to
	// Dir).
	Watch     string
	MaxMemory uint64
	// Env is an extra overlay stored on the process (worker PORT and
	// friends).
	Env Env
}

// RestartOpts control the counter semantics of a restart or reload.
type RestartOpts struct {
	// Dead marks an automatic crash-restart: the crash counter is preserved
	// on success and bumped on spawn failure.
	Dead bool
	// CountAttempt increments the restarts counter before any side effect.
	// Operator restarts and reloads count; re-issuing "start" on an existing
	// process does not.
	CountAttempt bool
}

// Start spawns a new process and registers it. The stored environment
// overlay starts as the .env content at Dir plus spec.Env; the merged system
// environment is only applied at spawn time.
func (r *Registry) Start(spec CreateSpec) (*Process, error) {
	fields := strings.Fields(spec.Script)
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	name := spec.Name
	if name == "" {
		name = fields[0]
	}

	watch := Watch{}
	if spec.Watch != "" {
		watch = Watch{
			Enabled: true,
			Path:    spec.Watch,
			Hash:    HashPath(resolveWatchPath(spec.Dir, spec.Watch)),
		}
	}

	dotenv := loadDotenv(spec.Dir, r)
	stored := merged(dotenv, spec.Env)

	result, err := r.spawn(name, spec.Script, spec.Dir, merged(systemEnv(os.Environ()), stored, dotenv))
	if err != nil {
		return nil, err
	}

	p := &Process{
		ID:        r.allocID(),
		Pid:       result.Pid,
		ShellPid:  result.ShellPid,
		Name:      name,
		Path:      spec.Dir,
		Script:    spec.Script,
		Env:       stored,
		Running:   true,
		Watch:     watch,
		Started:   time.Now(),
		MaxMemory: spec.MaxMemory,
	}
	r.procs[p.ID] = p
	if err := r.Save(); err != nil {
		return nil, err
	}
	return p, nil
}

// Restart stops the process tree, waits for termination, and spawns a fresh
// instance in the recorded cwd with a re-read .env overlay.
func (r *Registry) Restart(id int, opts RestartOpts) error {
	p, err := r.Get(id)
	if err != nil {
		return err
	}

	// The counter reflects the attempt even if the restart fails partway.
	if opts.CountAttempt {
		p.Restarts++
	}

	r.killTree(p)
	if p.Pid > 0 && !r.deps.Probe.WaitTerminated(p.Pid, probe.DefaultTerminationWait) {
		r.deps.Logger.Printf("[lifecycle] process %d did not terminate within timeout during restart", p.Pid)
	}

	return r.respawn(p, opts)
}

// Reload is the zero-downtime restart: the new instance is spawned first and
// the old tree is terminated only once the new one is up.
func (r *Registry) Reload(id int, opts RestartOpts) error {
	p, err := r.Get(id)
	if err != nil {
		return err
	}

	if opts.CountAttempt {
		p.Restarts++
	}

	oldPid := p.Pid
	oldChildren := append([]int(nil), p.Children...)

	if err := r.respawn(p, opts); err != nil {
		return err
	}

	for _, child := range oldChildren {
		if err := r.deps.Probe.Terminate(child); err != nil {
			r.deps.Logger.Printf("[lifecycle] failed to stop child %d: %v", child, err)
		}
	}
	if oldPid > 0 {
		if err := r.deps.Probe.Terminate(oldPid); err != nil {
			r.deps.Logger.Printf("[lifecycle] failed to stop old process %d during reload: %v", oldPid, err)
		}
		if !r.deps.Probe.WaitTerminated(oldPid, probe.DefaultTerminationWait) {
			r.deps.Logger.Printf("[lifecycle] old process %d did not terminate within timeout during reload", oldPid)
		}
	}
	return nil
}

// respawn re-reads .env, spawns, and applies the shared success/failure
// bookkeeping of restart and reload.
func (r *Registry) respawn(p *Process, opts RestartOpts) error {
	dotenv := loadDotenv(p.Path, r)

	result, err := r.spawn(p.Name, p.Script, p.Path, merged(systemEnv(os.Environ()), p.Env, dotenv))
	if err != nil {
		p.Running = false
		p.Children = nil
		p.Crash.Crashed = true
		if opts.Dead {
			p.Crash.Value++
		}
		if saveErr := r.Save(); saveErr != nil {
			r.deps.Logger.Printf("[lifecycle] failed to persist spawn failure: %v", saveErr)
		}
		return fmt.Errorf("respawning %s (id=%d): %w", p.Name, p.ID, err)
	}

	p.Pid = result.Pid
	p.ShellPid = result.ShellPid
	p.Running = true
	p.Children = nil
	p.Started = time.Now()
	p.Crash.Crashed = false
	p.Env = merged(p.Env, dotenv)

	// Manual restarts wipe the crash history; crash restarts leave the
	// counter to the supervisor, which clears it only after a stable run.
	if !opts.Dead {
		p.Crash.Value = 0
	}
	return r.Save()
}

// Stop terminates the process tree and marks the process intentionally
// stopped. The payload pid is left recorded for diagnostics until the next
// start.
func (r *Registry) Stop(id int) error {
	p, err := r.Get(id)
	if err != nil {
		return err
	}

	r.killTree(p)
	if p.Pid > 0 && !r.deps.Probe.WaitTerminated(p.Pid, probe.DefaultTerminationWait) {
		r.deps.Logger.Printf("[lifecycle] process %d did not terminate within timeout during stop", p.Pid)
	}

	p.Running = false
	p.Crash = Crash{}
	p.Children = nil
	return r.Save()
}

// Remove stops the process and deletes it from the registry. The id is never
// reused while other processes remain.
func (r *Registry) Remove(id int) error {
	if err := r.Stop(id); err != nil {
		return err
	}
	delete(r.procs, id)
	return r.Save()
}

// Flush truncates both log files to zero bytes.
func (r *Registry) Flush(id int) error {
	p, err := r.Get(id)
	if err != nil {
		return err
	}
	logs := p.Logs(r.deps.Config.Runner.LogPath)
	for _, path := range []string{logs.Out, logs.Error} {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("flushing log %s: %w", path, err)
		}
		f.Close()
	}
	return nil
}

// Restore relaunches every process that was running or mid-crash in the
// last persisted dump, then resets counters across the board so the restored
// daemon starts with a clean history.
func (r *Registry) Restore() error {
	for _, id := range r.IDs() {
		p := r.procs[id]
		if !p.Running && !p.Crash.Crashed {
			continue
		}
		if err := r.Restart(id, RestartOpts{}); err != nil {
			r.deps.Logger.Printf("[lifecycle] restore of %s (id=%d) failed: %v", p.Name, id, err)
		}
	}
	for _, id := range r.IDs() {
		if err := r.ResetCounters(id); err != nil {
			return err
		}
	}
	return r.Save()
}

// killTree SIGTERMs the recorded children, then anything currently under the
// payload, then the payload itself.
func (r *Registry) killTree(p *Process) {
	for _, child := range p.Children {
		if err := r.deps.Probe.Terminate(child); err != nil {
			r.deps.Logger.Printf("[lifecycle] failed to stop child %d: %v", child, err)
		}
	}
	if p.Pid <= 0 {
		return
	}
	for _, child := range r.deps.Probe.FindChildren(p.Pid) {
		if err := r.deps.Probe.Terminate(child); err != nil {
			r.deps.Logger.Printf("[lifecycle] failed to stop child %d: %v", child, err)
		}
	}
	if err := r.deps.Probe.Terminate(p.Pid); err != nil {
		r.deps.Logger.Printf("[lifecycle] failed to stop process %d: %v", p.Pid, err)
	}
}

// spawn launches script under the configured shell with the process logs
// attached, creating the log directory on first use.
func (r *Registry) spawn(name, script, dir string, env Env) (probe.RunResult, error) {
	runner := r.deps.Config.Runner
	if err := os.MkdirAll(runner.LogPath, 0755); err != nil {
		return probe.RunResult{}, fmt.Errorf("creating log directory: %w", err)
	}

	flat := strings.ReplaceAll(name, " ", "_")
	return r.deps.Probe.Spawn(probe.SpawnSpec{
		Name:       name,
		Shell:      runner.Shell,
		Args:       runner.Args,
		Command:    script,
		Env:        envSlice(env),
		Dir:        dir,
		StdoutPath: filepath.Join(runner.LogPath, flat+"-out.log"),
		StderrPath: filepath.Join(runner.LogPath, flat+"-error.log"),
	})
}

// loadDotenv reads dir/.env. Parse problems are logged, not fatal: a broken
// .env should not keep a process down.
func loadDotenv(dir string, r *Registry) Env {
	path := filepath.Join(dir, ".env")
	if _, err := os.Stat(path); err != nil {
		return Env{}
	}
	vars, err := godotenv.Read(path)
	if err != nil {
		r.deps.Logger.Printf("[lifecycle] failed to parse %s: %v", path, err)
		return Env{}
	}
	return Env(vars)
}
