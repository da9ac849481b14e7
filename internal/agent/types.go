package agent

import "time"

// Status of an agent as seen by the server.
type Status string

const (
	StatusOnline       Status = "Online"
	StatusOffline      Status = "Offline"
	StatusConnecting   Status = "Connecting"
	StatusReconnecting Status = "Reconnecting"
)

// ConnectionType records which side opened the channel.
type ConnectionType string

const (
	// ConnectionIn is an inbound connection: the agent dialed the server.
	ConnectionIn ConnectionType = "In"
	// ConnectionOut is an outbound connection: the server dialed the agent.
	ConnectionOut ConnectionType = "Out"
)

// Info is the server-side record of one connected agent.
type Info struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Hostname       string         `json:"hostname,omitempty"`
	Status         Status         `json:"status"`
	ConnectionType ConnectionType `json:"connection_type"`
	LastSeen       int64          `json:"last_seen"`
	ConnectedAt    int64          `json:"connected_at"`
	// APIEndpoint is where the agent's own control surface can be reached,
	// as reported at registration (e.g. "http://10.0.0.7:9877").
	APIEndpoint string `json:"api_endpoint,omitempty"`
}

// NewInfo builds an Online record stamped now.
func NewInfo(id, name, hostname, apiEndpoint string) Info {
	now := time.Now().Unix()
	return Info{
		ID:             id,
		Name:           name,
		Hostname:       hostname,
		Status:         StatusOnline,
		ConnectionType: ConnectionIn,
		LastSeen:       now,
		ConnectedAt:    now,
		APIEndpoint:    apiEndpoint,
	}
}
