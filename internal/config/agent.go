package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

// Agent is the root of agent.toml, written when this host is connected to a
// server as an agent.
type Agent struct {
	ID        string `toml:"id"`
	Name      string `toml:"name"`
	ServerURL string `toml:"server_url"`
	Token     string `toml:"token,omitempty"`
	// ReconnectInterval is the cap on reconnect backoff, in seconds.
	ReconnectInterval uint64 `toml:"reconnect_interval"`
	// HeartbeatInterval is the heartbeat period, in seconds.
	HeartbeatInterval uint64 `toml:"heartbeat_interval"`
	APIAddress        string `toml:"api_address"`
	APIPort           int    `toml:"api_port"`
}

// NewAgent builds an agent identity for this host. The id is minted once and
// persisted; it survives reconnects so the server sees a stable agent.
func NewAgent(serverURL, name, token string) Agent {
	id := uuid.NewString()
	if name == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			name = host
		} else {
			name = "agent-" + id[:8]
		}
	}
	return Agent{
		ID:                id,
		Name:              name,
		ServerURL:         trimTrailingSlash(serverURL),
		Token:             token,
		ReconnectInterval: 5,
		HeartbeatInterval: 30,
		APIAddress:        "0.0.0.0",
		APIPort:           AgentDefaultAPIPort,
	}
}

// ReadAgent loads agent.toml. ok is false when this host has no agent
// identity yet.
func ReadAgent() (Agent, bool, error) {
	base, err := Base()
	if err != nil {
		return Agent{}, false, err
	}
	path := agentPath(base)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Agent{}, false, nil
	}

	var a Agent
	if _, err := toml.DecodeFile(path, &a); err != nil {
		return Agent{}, false, fmt.Errorf("parsing %s: %w", path, err)
	}
	return a, true, nil
}

// Save persists the agent identity to agent.toml.
func (a Agent) Save() error {
	base, err := Base()
	if err != nil {
		return err
	}
	return writeToml(agentPath(base), a)
}

// RemoveAgent deletes agent.toml, disconnecting this host from its server.
func RemoveAgent() error {
	base, err := Base()
	if err != nil {
		return err
	}
	if err := os.Remove(agentPath(base)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing agent config: %w", err)
	}
	return nil
}
