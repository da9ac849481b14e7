package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opm-sh/opm/internal/config"
)

// ErrRevoked is returned when the server answers a heartbeat with "not
// found": this agent has been deleted server-side and must exit rather than
// resurrect itself under a stale identity.
var ErrRevoked = errors.New("agent revoked by server")

// Link is the client side of the federation channel: a long-lived websocket
// to the server carrying registration and heartbeats.
type Link struct {
	cfg    config.Agent
	logger *log.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn
}

// NewLink builds a link from the persisted agent identity.
func NewLink(cfg config.Agent, logger *log.Logger) *Link {
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	return &Link{cfg: cfg, logger: logger}
}

// ChannelURL derives the websocket address from the configured server URL:
// http becomes ws, https becomes wss, path /ws/agent.
func ChannelURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parsing server url %q: %w", serverURL, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = "/ws/agent"
	return u.String(), nil
}

// Run keeps the channel alive until ctx is canceled or the server revokes
// this agent. Reconnects back off exponentially up to the configured
// reconnect interval; a session that survived past the first heartbeat
// resets the backoff.
func (l *Link) Run(ctx context.Context) error {
	maxDelay := time.Duration(l.cfg.ReconnectInterval) * time.Second
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	delay := time.Second

	for {
		started := time.Now()
		err := l.session(ctx)
		switch {
		case errors.Is(err, ErrRevoked):
			return ErrRevoked
		case ctx.Err() != nil:
			return ctx.Err()
		}
		l.logger.Printf("[agent] connection lost: %v", err)

		if time.Since(started) > time.Duration(l.cfg.HeartbeatInterval)*time.Second {
			delay = time.Second
		}
		l.logger.Printf("[agent] reconnecting in %s", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

// session opens the channel, registers, then heartbeats until the channel
// dies or the server revokes the agent.
func (l *Link) session(ctx context.Context) error {
	addr, err := ChannelURL(l.cfg.ServerURL)
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, addr, nil)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", addr, err)
	}
	defer conn.Close()
	l.conn = conn

	hostname, _ := os.Hostname()
	endpoint := fmt.Sprintf("http://%s:%d", l.cfg.APIAddress, l.cfg.APIPort)
	if err := l.write(Register(l.cfg.ID, l.cfg.Name, hostname, endpoint)); err != nil {
		return fmt.Errorf("sending registration: %w", err)
	}

	var resp Message
	if err := conn.ReadJSON(&resp); err != nil {
		return fmt.Errorf("reading registration response: %w", err)
	}
	if !resp.Succeeded() {
		return fmt.Errorf("registration rejected: %s", resp.Message)
	}
	l.logger.Printf("[agent] registered with %s as %s (%s)", l.cfg.ServerURL, l.cfg.Name, l.cfg.ID)

	// Reader goroutine feeds frames; the select loop below interleaves them
	// with the heartbeat ticker. The channel closing is how read errors
	// surface.
	frames := make(chan Message)
	readErr := make(chan error, 1)
	go func() {
		defer close(frames)
		for {
			var msg Message
			if err := conn.ReadJSON(&msg); err != nil {
				readErr <- err
				return
			}
			frames <- msg
		}
	}()

	interval := time.Duration(l.cfg.HeartbeatInterval) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.C:
			if err := l.write(Heartbeat(l.cfg.ID)); err != nil {
				return fmt.Errorf("sending heartbeat: %w", err)
			}

		case msg, ok := <-frames:
			if !ok {
				return <-readErr
			}
			switch msg.Type {
			case TypePing:
				if err := l.write(Message{Type: TypePong}); err != nil {
					return fmt.Errorf("sending pong: %w", err)
				}
			case TypeResponse:
				if !msg.Succeeded() && strings.Contains(strings.ToLower(msg.Message), "not found") {
					l.logger.Printf("[agent] server no longer knows this agent, shutting down")
					return ErrRevoked
				}
			}
		}
	}
}

func (l *Link) write(msg Message) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.conn.WriteJSON(msg)
}
