package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/soyeahso/tokengate/internal/session"
)

const wsRequestTimeout = 30 * time.Second

// wsSink streams session events over a WebSocket connection.
type wsSink struct {
	conn *websocket.Conn
}

func (s *wsSink) Send(evt session.OutEvent) error {
	if err := s.conn.WriteJSON(evt); err != nil {
		return session.ErrClientGone
	}
	return nil
}

// handleGenerateWS upgrades the connection, reads one generation request
// and streams its events back. The socket closes after the terminal event;
// clients open a new connection per generation.
func (s *Server) handleGenerateWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	conn.SetReadLimit(1 << 20)
	conn.SetReadDeadline(time.Now().Add(wsRequestTimeout))

	_, msg, err := conn.ReadMessage()
	if err != nil {
		s.log.Warn().Err(err).Msg("reading generation request failed")
		return
	}
	conn.SetReadDeadline(time.Time{})

	var params generateParams
	if err := json.Unmarshal(msg, &params); err != nil {
		_ = conn.WriteJSON(session.OutEvent{
			Type:    session.OutError,
			Code:    "invalid_request",
			Message: "malformed generation request",
		})
		return
	}

	sink := &wsSink{conn: conn}
	req := params.toRequest()

	// Cancel the session when the client drops the socket mid-stream. The
	// read loop exists only to observe the close; clients send nothing
	// after the request.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	if _, err := s.router.Dispatch(ctx, req, sink); err != nil {
		s.log.Debug().Err(err).Str("request", req.ID).Msg("websocket generation ended with error")
	}

	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
