package api

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/orchestra/internal/observe"
)

// events streams registry events to a WebSocket client, one JSON text frame
// per event. Messages from the client are ignored. A client that cannot
// keep up loses events rather than slowing the registry down.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	log := observe.Logger(r.Context())

	// Subscribe before the handshake completes so a client sees every event
	// that follows its successful dial.
	evs, unsubscribe := s.reg.Subscribe(s.eventBuffer)
	defer unsubscribe()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Warn("api: events upgrade failed", "err", err)
		return
	}
	defer conn.CloseNow()

	// CloseRead drains control frames and cancels ctx once the peer goes away.
	ctx := conn.CloseRead(r.Context())
	log.Debug("api: events client connected")

	for {
		select {
		case <-ctx.Done():
			log.Debug("api: events client gone", "err", context.Cause(ctx))
			return
		case ev, ok := <-evs:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "subscription ended")
				return
			}
			wctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
			err := wsjson.Write(wctx, conn, ev)
			cancel()
			if err != nil {
				log.Debug("api: events write failed", "err", err)
				return
			}
		}
	}
}
