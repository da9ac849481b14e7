package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/opm-sh/opm/internal/agent"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Agents are authenticated by the token middleware, not by origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleAgentChannel is the server side of the federation protocol: accept
// Register, answer Heartbeats while the agent is known, and unregister on
// channel close. An unknown heartbeat is answered "not found" and the
// channel is closed — the agent treats that as a revocation.
func (s *Server) handleAgentChannel(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Printf("[ws] upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	var agentID string
	defer func() {
		if agentID != "" {
			s.logger.Printf("[ws] agent %s disconnected", agentID)
			s.agents.Unregister(agentID)
		}
	}()

	for {
		var msg agent.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Printf("[ws] read error: %v", err)
			}
			return
		}

		switch msg.Type {
		case agent.TypeRegister:
			s.logger.Printf("[ws] agent registration: %s (%s)", msg.Name, msg.ID)
			s.agents.Register(agent.NewInfo(msg.ID, msg.Name, msg.Hostname, msg.APIEndpoint))
			agentID = msg.ID
			if err := conn.WriteJSON(agent.Response(true, "Agent registered successfully")); err != nil {
				return
			}

		case agent.TypeHeartbeat:
			if s.agents.UpdateHeartbeat(msg.ID) {
				if err := conn.WriteJSON(agent.Response(true, "Heartbeat received")); err != nil {
					return
				}
			} else {
				_ = conn.WriteJSON(agent.Response(false, "Agent not found"))
				return
			}

		case agent.TypePing:
			if err := conn.WriteJSON(agent.Message{Type: agent.TypePong}); err != nil {
				return
			}

		case agent.TypePong:
			if agentID != "" {
				s.agents.UpdateHeartbeat(agentID)
			}

		default:
			s.logger.Printf("[ws] unexpected message type %q", msg.Type)
		}
	}
}
