package server

import (
	"time"

	"golang.org/x/net/websocket"
)

// handleWebSocket streams ledger snapshots: one on connect and one after
// every change. Change signals coalesce, so a slow client skips
// intermediate states instead of queueing them. The feed ends when the
// client goes away or the server drains.
func (s *HTTPServer) handleWebSocket(ws *websocket.Conn) {
	defer ws.Close()

	// The http.Server read and write timeouts outlive the hijack and
	// would cut the feed.
	ws.SetDeadline(time.Time{})

	ctx := ws.Request().Context()
	remote := ws.Request().RemoteAddr

	// Subscribe before the first snapshot so no change slips between
	// the two.
	updates, unsubscribe := s.ledger.Subscribe()
	defer unsubscribe()

	if err := websocket.JSON.Send(ws, s.ledger.Snapshot()); err != nil {
		s.logger.Debug("websocket send failed", "remote", remote, "error", err)
		return
	}

	// Incoming frames carry nothing; reading only detects a close.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		var discard string
		for {
			if err := websocket.Message.Receive(ws, &discard); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-clientGone:
			return
		case <-updates:
			if err := websocket.JSON.Send(ws, s.ledger.Snapshot()); err != nil {
				s.logger.Debug("websocket send failed", "remote", remote, "error", err)
				return
			}
		}
	}
}
