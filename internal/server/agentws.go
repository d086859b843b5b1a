package server

import (
	"net/http"

	"nhooyr.io/websocket"
)

// handleAgentConnect is the endpoint in-container agents dial on boot. The
// WebSocket is wrapped into a net.Conn and handed to the registry, which
// performs the registration handshake and keeps the connection for the
// sandbox's lifetime.
func (s *Server) handleAgentConnect(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Agents run on trusted container networks; origin checks do not
		// apply to non-browser clients.
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Warn().Err(err).Msg("agent websocket accept failed")
		return
	}
	conn.SetReadLimit(-1)
	defer conn.CloseNow()

	nc := websocket.NetConn(r.Context(), conn, websocket.MessageBinary)
	if err := s.registry.HandleConn(r.Context(), nc); err != nil {
		s.logger.Debug().Err(err).Msg("agent connection closed")
	}
}
