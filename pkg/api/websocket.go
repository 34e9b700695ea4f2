package api

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/dd0wney/cluso-meshtopo/pkg/logging"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// The dashboard is served from a different origin than the API.
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 65536,
}

// handleTopologyStream upgrades the connection and pushes every completed
// build to the client as JSON. The latest snapshot is sent immediately on
// connect so clients never start blind.
func (s *Server) handleTopologyStream(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", logging.Error(err))
		return
	}
	defer ws.Close()

	if s.registry != nil {
		s.registry.StreamClients.Inc()
		defer s.registry.StreamClients.Dec()
	}
	s.logger.Info("stream client connected", logging.String("remote", r.RemoteAddr))

	ctx := r.Context()
	sub := s.engine.Subscribe(ctx)
	if sub == nil {
		s.logger.Warn("stream rejected, engine stopped")
		return
	}
	defer sub.Unsubscribe()

	if latest := s.engine.Latest(); latest != nil && latest.Snapshot != nil {
		if err := ws.WriteJSON(latest.Snapshot); err != nil {
			s.logger.Debug("stream client gone on initial send", logging.Error(err))
			return
		}
	}

	// Reads are discarded; they only surface client disconnects.
	go func() {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				ws.Close()
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case result, ok := <-sub.Channel():
			if !ok {
				return
			}
			if result.Snapshot == nil {
				continue
			}
			if err := ws.WriteJSON(result.Snapshot); err != nil {
				s.logger.Info("stream client disconnected", logging.String("remote", r.RemoteAddr))
				return
			}
		}
	}
}
