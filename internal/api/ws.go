package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The server binds to loopback for a local GUI; browser origin
	// checks do not apply to that trust model.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleChatSocket streams a generation over a WebSocket. The client
// sends one chatRequest frame; the server answers with chatEvent frames
// and closes after the terminal frame. Closing the socket mid-stream
// cancels the generation.
func (s *Server) handleChatSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	var req chatRequest
	if err := conn.ReadJSON(&req); err != nil {
		s.logger.Debug("websocket read failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Watch for the client closing the socket so the generation is
	// cancelled instead of streaming into the void.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	msg, err := s.engine.SendMessage(ctx, req.SessionID, req.Message, func(text string) {
		if err := conn.WriteJSON(chatEvent{Content: text}); err != nil {
			cancel()
		}
	})
	if err != nil {
		_ = conn.WriteJSON(chatEvent{Done: true, Error: err.Error()})
		return
	}

	_ = conn.WriteJSON(chatEvent{
		Done:      true,
		MessageID: msg.ID,
		Status:    msg.Status,
		Error:     msg.Error,
	})

	deadline := time.Now().Add(2 * time.Second)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
}
