// Package supervisor runs the daemon: the periodic control loop that keeps
// managed processes alive, plus daemon lifecycle management (start, stop,
// pid file, singleton lock).
package supervisor

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"

	"github.com/opm-sh/opm/internal/config"
	"github.com/opm-sh/opm/internal/notify"
	"github.com/opm-sh/opm/internal/probe"
	"github.com/opm-sh/opm/internal/registry"
)

// RunOpts select the optional surfaces the daemon brings up.
type RunOpts struct {
	API   bool
	WebUI bool
}

// Daemon is one running supervisor instance.
type Daemon struct {
	base     string
	logger   *log.Logger
	probe    probe.Probe
	notifier *notify.Manager
	opts     RunOpts

	// startAPI is installed by the caller to avoid an import cycle with the
	// api package; it blocks serving the HTTP surface.
	startAPI func(d *Daemon) error
}

// New prepares a daemon rooted at base, logging to daemon.log.
func New(base string, opts RunOpts, startAPI func(d *Daemon) error) (*Daemon, error) {
	logFile, err := os.OpenFile(config.DaemonLogPath(base), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening daemon log: %w", err)
	}
	logger := log.New(logFile, "", log.LstdFlags)

	cfg, err := config.ReadFrom(base)
	if err != nil {
		return nil, err
	}

	return &Daemon{
		base:     base,
		logger:   logger,
		probe:    probe.New(),
		notifier: notify.NewManager(cfg.Daemon.Notifications, logger),
		opts:     opts,
		startAPI: startAPI,
	}, nil
}

// Base returns the daemon's state directory.
func (d *Daemon) Base() string { return d.base }

// Logger returns the daemon log.
func (d *Daemon) Logger() *log.Logger { return d.logger }

// Notifier returns the daemon's notification manager.
func (d *Daemon) Notifier() *notify.Manager { return d.notifier }

// Probe returns the daemon's platform probe.
func (d *Daemon) Probe() probe.Probe { return d.probe }

// Run is the foreground daemon entrypoint (reached via the hidden
// `opm daemon run` command after detaching). It holds the singleton lock,
// owns the pid file, and loops supervisor ticks until SIGTERM.
func (d *Daemon) Run() error {
	d.logger.Printf("[daemon] starting (pid %d)", os.Getpid())

	// The flock prevents the race where two concurrent starts both pass the
	// pid-file check before either writes it.
	fileLock := flock.New(config.LockPath(d.base))
	locked, err := fileLock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring daemon lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("daemon already running (lock held by another process)")
	}
	defer func() { _ = fileLock.Unlock() }()

	pidPath := config.PidPath(d.base)
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		return fmt.Errorf("writing pid file: %w", err)
	}
	defer func() { _ = os.Remove(pidPath) }()

	signal.Ignore(syscall.SIGPIPE)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if d.opts.API && d.startAPI != nil {
		go func() {
			if err := d.startAPI(d); err != nil {
				d.logger.Printf("[daemon] api server stopped: %v", err)
			}
		}()
	}

	d.logger.Printf("[daemon] running")
	for {
		cfg, err := config.ReadFrom(d.base)
		if err != nil {
			// A broken config must not kill supervision; fall back to
			// defaults until it parses again.
			d.logger.Printf("[daemon] config unreadable, using defaults: %v", err)
			cfg = config.Config{Daemon: config.Daemon{Restarts: 10, Interval: 1000}}
		}

		d.tick(cfg)

		interval := time.Duration(cfg.Daemon.Interval) * time.Millisecond
		if interval <= 0 {
			interval = time.Second
		}
		select {
		case sig := <-sigChan:
			d.logger.Printf("[daemon] received %v, shutting down", sig)
			return nil
		case <-time.After(interval):
		}
	}
}

// Start detaches a new daemon: the CLI re-execs itself as `opm daemon run`
// in its own session with output on daemon.log. A stale pid file (dead
// daemon) is cleared first.
func Start(base string, opts RunOpts) error {
	if pid, running := ReadPid(base); running {
		return fmt.Errorf("daemon already running (pid %d)", pid)
	}
	_ = os.Remove(config.PidPath(base))

	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving own executable: %w", err)
	}

	args := []string{"daemon", "run"}
	if opts.API {
		args = append(args, "--api")
	}
	if opts.WebUI {
		args = append(args, "--webui")
	}

	logFile, err := os.OpenFile(config.DaemonLogPath(base), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("opening daemon log: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(self, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Stdin = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawning daemon: %w", err)
	}
	// The detached child is its own session leader; release it.
	return cmd.Process.Release()
}

// Stop terminates the running daemon and removes its pid file.
func Stop(base string) error {
	pid, running := ReadPid(base)
	if !running {
		return fmt.Errorf("the daemon is not running")
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("stopping daemon (pid %d): %w", pid, err)
	}
	_ = os.Remove(config.PidPath(base))
	return nil
}

// ReadPid reads the pid file and reports whether that process is alive. A
// pid file pointing at a dead process reads as not running; callers clear it
// before starting anew.
func ReadPid(base string) (int, bool) {
	data, err := os.ReadFile(config.PidPath(base))
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	if err := syscall.Kill(pid, 0); err != nil {
		return pid, false
	}
	return pid, true
}

// registryDeps builds the registry collaborators for one snapshot.
func (d *Daemon) registryDeps(cfg config.Config) registry.Deps {
	return registry.Deps{
		Base:   d.base,
		Config: cfg,
		Probe:  d.probe,
		Logger: d.logger,
	}
}
