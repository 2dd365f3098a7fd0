package server

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"

	"pharmachat/internal/chat"
	"pharmachat/internal/util"
	"pharmachat/pkg/domain"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin is enforced by the CORS policy on the rest of the API; the
	// handshake itself is authenticated by bearer token, so cross-origin
	// upgrades carry no ambient credentials worth protecting.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleWebsocket upgrades an authenticated request and runs the connection
// until it drops. Identity is fixed at upgrade time.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request, p domain.Pharmacist) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.log.Warn("websocket upgrade", "pharmacist_id", p.ID, "error", err)
		return
	}
	sess := chat.Session{
		Conn:       domain.ConnID(util.NewID()),
		Pharmacist: p,
	}
	// The request context dies when this handler returns; the session
	// outlives it.
	ctx := context.WithoutCancel(r.Context())
	go func() {
		if err := chat.NewConn(sess, ws, s.dispatcher, s.log).Run(ctx); err != nil {
			s.log.Error("websocket session", "conn_id", sess.Conn, "error", err)
		}
	}()
}
