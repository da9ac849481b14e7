package cmd

import (
	"fmt"
	"log"
	"os"

	"github.com/opm-sh/opm/internal/config"
	"github.com/opm-sh/opm/internal/probe"
	"github.com/opm-sh/opm/internal/registry"
	"github.com/opm-sh/opm/internal/remote"
)

// target is the surface an operation acts on. Commands resolve their target
// once — local registry or named peer — and never branch on it again.
type target interface {
	List() ([]registry.ProcessItem, error)
	Info(id int) (registry.ItemSingle, error)
	Env(id int) (registry.Env, error)
	FindByName(name string) (int, bool, error)

	StartNew(spec registry.CreateSpec) error
	StartExisting(id int) error
	Restart(id int) error
	Reload(id int) error
	Stop(id int) error
	Remove(id int) error
	Flush(id int) error
	ClearEnv(id int) error
	Rename(id int, name string) error

	Save() error
	Restore() error
}

// resolveTarget maps a --server value onto a target. An empty value falls
// back to the configured default; "local" and "internal" address this host.
func resolveTarget(serverName string) (target, error) {
	if serverName == "" {
		if cfg, err := config.Read(); err == nil && cfg.Default != "" {
			serverName = cfg.Default
		} else {
			serverName = "local"
		}
	}
	if serverName == "local" || serverName == "internal" {
		return openLocal()
	}

	servers, err := config.ReadServers()
	if err != nil {
		return nil, err
	}
	srv, ok := servers.Get(serverName)
	if !ok {
		return nil, fmt.Errorf("server '%s' does not exist", serverName)
	}
	return remoteTarget{client: remote.Connect(srv)}, nil
}

// openLocal builds a local target over a fresh registry snapshot.
func openLocal() (target, error) {
	base, err := config.Base()
	if err != nil {
		return nil, err
	}
	cfg, err := config.ReadFrom(base)
	if err != nil {
		return nil, err
	}

	logFile, err := os.OpenFile(config.LogPath(base), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening opm log: %w", err)
	}
	logger := log.New(logFile, "", log.LstdFlags)

	reg, err := registry.Open(registry.Deps{
		Base:   base,
		Config: cfg,
		Probe:  probe.New(),
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	return localTarget{reg: reg, cfg: cfg}, nil
}

// localTarget runs operations against the registry in this process.
type localTarget struct {
	reg *registry.Registry
	cfg config.Config
}

func (t localTarget) List() ([]registry.ProcessItem, error) { return t.reg.Fetch(), nil }
func (t localTarget) Info(id int) (registry.ItemSingle, error) {
	return t.reg.FetchItem(id)
}
func (t localTarget) Env(id int) (registry.Env, error) {
	p, err := t.reg.Get(id)
	if err != nil {
		return nil, err
	}
	return p.Env, nil
}
func (t localTarget) FindByName(name string) (int, bool, error) {
	p, ok := t.reg.FindByName(name)
	if !ok {
		return 0, false, nil
	}
	return p.ID, true, nil
}

func (t localTarget) StartNew(spec registry.CreateSpec) error {
	spec.Script = registry.ResolveCommand(t.cfg.Runner, spec.Script)
	_, err := t.reg.Start(spec)
	return err
}
func (t localTarget) StartExisting(id int) error {
	return t.reg.Restart(id, registry.RestartOpts{})
}
func (t localTarget) Restart(id int) error {
	return t.reg.Restart(id, registry.RestartOpts{CountAttempt: true})
}
func (t localTarget) Reload(id int) error {
	return t.reg.Reload(id, registry.RestartOpts{CountAttempt: true})
}
func (t localTarget) Stop(id int) error            { return t.reg.Stop(id) }
func (t localTarget) Remove(id int) error          { return t.reg.Remove(id) }
func (t localTarget) Flush(id int) error           { return t.reg.Flush(id) }
func (t localTarget) ClearEnv(id int) error        { return t.reg.ClearEnv(id) }
func (t localTarget) Rename(id int, n string) error { return t.reg.Rename(id, n) }
func (t localTarget) Save() error                  { return t.reg.Save() }
func (t localTarget) Restore() error               { return t.reg.Restore() }

// remoteTarget forwards operations to a peer daemon; local state is never
// touched.
type remoteTarget struct {
	client *remote.Client
}

func (t remoteTarget) List() ([]registry.ProcessItem, error) { return t.client.List() }
func (t remoteTarget) Info(id int) (registry.ItemSingle, error) {
	return t.client.Info(id)
}
func (t remoteTarget) Env(id int) (registry.Env, error) { return t.client.Env(id) }
func (t remoteTarget) FindByName(name string) (int, bool, error) {
	items, err := t.client.List()
	if err != nil {
		return 0, false, err
	}
	for _, item := range items {
		if item.Name == name {
			return item.ID, true, nil
		}
	}
	return 0, false, nil
}

func (t remoteTarget) StartNew(spec registry.CreateSpec) error {
	return t.client.Create(spec.Name, spec.Script, spec.Dir, spec.Watch)
}
func (t remoteTarget) StartExisting(id int) error { return actionErr(t.client.Action(id, "start")) }
func (t remoteTarget) Restart(id int) error       { return actionErr(t.client.Action(id, "restart")) }
func (t remoteTarget) Reload(id int) error        { return actionErr(t.client.Action(id, "reload")) }
func (t remoteTarget) Stop(id int) error          { return actionErr(t.client.Action(id, "stop")) }
func (t remoteTarget) Remove(id int) error        { return actionErr(t.client.Action(id, "remove")) }
func (t remoteTarget) Flush(id int) error         { return actionErr(t.client.Action(id, "flush")) }
func (t remoteTarget) ClearEnv(id int) error      { return actionErr(t.client.Action(id, "clear_env")) }
func (t remoteTarget) Rename(id int, n string) error { return t.client.Rename(id, n) }
func (t remoteTarget) Save() error                { return t.client.Save() }
func (t remoteTarget) Restore() error             { return t.client.Restore() }

func actionErr(resp remote.ActionResponse, err error) error {
	if err != nil {
		return err
	}
	if !resp.Done {
		return fmt.Errorf("peer rejected action %s", resp.Action)
	}
	return nil
}
