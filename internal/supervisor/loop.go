package supervisor

import (
	"log"
	"slices"
	"time"

	"github.com/opm-sh/opm/internal/config"
	"github.com/opm-sh/opm/internal/notify"
	"github.com/opm-sh/opm/internal/probe"
	"github.com/opm-sh/opm/internal/registry"
)

// stabilityGrace is how long a process must run after a spawn before its
// crashed latch is cleared. The consecutive-crash counter is preserved.
const stabilityGrace = time.Second

// tick runs one supervision pass over a fresh registry snapshot. Processes
// are visited in ascending id order; a panic while handling one process is
// contained so the rest of the pass and the daemon survive.
func (d *Daemon) tick(cfg config.Config) {
	reg, err := registry.Open(d.registryDeps(cfg))
	if err != nil {
		d.logger.Printf("[daemon] cannot open registry: %v", err)
		return
	}
	if reg.Count() == 0 {
		return
	}

	for _, id := range reg.IDs() {
		superviseOne(reg, id, cfg.Daemon.Restarts, d.probe, d.logger, d.notifier)
	}
}

// superviseOne applies the per-process supervision policy: reconcile
// children, enforce the memory ceiling, reload on watch changes, then detect
// and handle crashes.
func superviseOne(reg *registry.Registry, id int, maxRestarts uint64, pr probe.Probe, logger *log.Logger, notifier *notify.Manager) {
	defer func() {
		if r := recover(); r != nil {
			logger.Printf("[daemon] panic while supervising process %d: %v", id, r)
		}
	}()

	p, err := reg.Get(id)
	if err != nil {
		return
	}

	// 1. Reconcile the observed child tree.
	if p.Pid > 0 {
		children := pr.FindChildren(p.Pid)
		if len(children) > 0 && !slices.Equal(children, p.Children) {
			logger.Printf("[daemon] process %d children now %v", id, children)
			if err := reg.SetChildren(id, children); err != nil {
				logger.Printf("[daemon] failed to persist children for %d: %v", id, err)
			}
		}
	}

	// 2. Memory ceiling. An over-limit tree is stopped deliberately: not a
	// crash, no crash counting this tick.
	if p.Running && p.MaxMemory > 0 && p.Pid > 0 {
		root := probe.MonitorRoot(pr, p.Pid, p.ShellPid)
		if mem, err := probe.TreeMemory(pr, root); err == nil && mem.RSS > p.MaxMemory {
			logger.Printf("[daemon] process %s (id=%d) memory limit exceeded: rss=%d limit=%d, stopping",
				p.Name, id, mem.RSS, p.MaxMemory)
			notifier.Dispatch(notify.Eventf(notify.EventMemoryLimitExceeded,
				"Memory limit exceeded", "%s (id=%d) used %d bytes, limit %d", p.Name, id, mem.RSS, p.MaxMemory))
			if err := reg.Stop(id); err != nil {
				logger.Printf("[daemon] failed to stop %d after memory limit: %v", id, err)
			}
			return
		}
	}

	// 3. Watch reload. The fingerprint is re-stamped before the restart so
	// one edit triggers exactly one reload.
	if p.Running && p.Watch.Enabled {
		hash := registry.HashPath(watchTarget(p))
		if hash != p.Watch.Hash {
			logger.Printf("[daemon] watch reload for %s (id=%d)", p.Name, id)
			p.Watch.Hash = hash
			if err := reg.Restart(id, registry.RestartOpts{CountAttempt: true}); err != nil {
				logger.Printf("[daemon] watch reload of %d failed: %v", id, err)
			}
			return
		}
	}

	// 4. Liveness. Zombies are dead.
	alive := p.Pid > 0 && pr.IsAlive(p.Pid)

	// Fix-up: stopped on paper but alive on the box means the operator
	// brought it back by hand.
	if alive && !p.Running {
		logger.Printf("[daemon] process %s (id=%d) is alive but marked stopped, fixing status", p.Name, id)
		p.Running = true
		if err := reg.Save(); err != nil {
			logger.Printf("[daemon] failed to persist status fix for %d: %v", id, err)
		}
		return
	}

	// 5. Stability relaxation: a process that survived the grace window
	// sheds its crashed latch but keeps the count.
	if alive && p.Running {
		if p.Crash.Value > 0 && p.Crash.Crashed && time.Since(p.Started) >= stabilityGrace {
			p.Crash.Crashed = false
			if err := reg.Save(); err != nil {
				logger.Printf("[daemon] failed to persist stability for %d: %v", id, err)
			}
		}
		return
	}

	if alive {
		return
	}

	// 6. Crash handling.
	if !p.Running {
		// Stopped by the operator or already given up; just forget the pid.
		if p.Pid != 0 {
			p.Pid = 0
			if err := reg.Save(); err != nil {
				logger.Printf("[daemon] failed to persist pid clear for %d: %v", id, err)
			}
		}
		return
	}

	// One increment per detected crash event, before the restart attempt.
	p.Crash.Value++
	p.Crash.Crashed = true

	if p.Crash.Value > maxRestarts {
		p.Running = false
		if err := reg.Save(); err != nil {
			logger.Printf("[daemon] failed to persist give-up for %d: %v", id, err)
		}
		logger.Printf("[daemon] process %s (id=%d) exceeded max crashes (%d), giving up",
			p.Name, id, p.Crash.Value)
		notifier.Dispatch(notify.Eventf(notify.EventProcessGaveUp,
			"Process gave up", "%s (id=%d) crashed %d times, no longer restarting", p.Name, id, p.Crash.Value))
		return
	}

	if err := reg.Save(); err != nil {
		logger.Printf("[daemon] failed to persist crash count for %d: %v", id, err)
	}
	logger.Printf("[daemon] process %s (id=%d) crashed (count=%d), restarting", p.Name, id, p.Crash.Value)
	notifier.Dispatch(notify.Eventf(notify.EventProcessCrashed,
		"Process crashed", "%s (id=%d) crashed, restart attempt %d", p.Name, id, p.Crash.Value))

	if err := reg.Restart(id, registry.RestartOpts{Dead: true, CountAttempt: true}); err != nil {
		logger.Printf("[daemon] crash restart of %d failed: %v", id, err)
	}
}

// watchTarget resolves the watched path against the process cwd.
func watchTarget(p *registry.Process) string {
	if len(p.Watch.Path) > 0 && p.Watch.Path[0] == '/' {
		return p.Watch.Path
	}
	return p.Path + "/" + p.Watch.Path
}
