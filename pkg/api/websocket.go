package api

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/cloudvibe/agentd/pkg/registry"
)

const maxObserverMessage = 512

// handleObserve handles GET /deploy/{id}/ws. The connection becomes the
// deployment's observer until either side closes it. Client messages are
// read and discarded.
func (s *Server) handleObserve(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.registry.Get(id); err != nil {
		writeError(w, http.StatusNotFound, "Deployment not found")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		s.logger.Warn().Err(err).Str("deployment_id", id).Msg("Websocket upgrade failed")
		return
	}

	sink := registry.NewWebSocketSink(conn, s.opts.ObserverWriteTimeout)
	if err := s.registry.AttachObserver(id, sink); err != nil {
		_ = sink.Close()
		return
	}

	logger := s.logger.With().Str("deployment_id", id).Logger()
	logger.Info().Msg("Observer connected")

	conn.SetReadLimit(maxObserverMessage)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug().Err(err).Msg("Observer connection closed unexpectedly")
			}
			break
		}
	}

	s.registry.DetachObserver(id, sink)
	_ = sink.Close()
	logger.Info().Msg("Observer disconnected")
}
