package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/pavelanni/entrevue/internal/i18n"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are enforced by the CORS configuration of the API.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// socketMessage is one client frame on the turn socket.
type socketMessage struct {
	Text string `json:"text"`
}

type socketError struct {
	Error string `json:"error"`
}

// handleTurnSocket upgrades to a WebSocket that carries text turns for one
// conversation. Each {"text": ...} frame gets the same JSON the turn
// endpoint returns, or {"error": ...}.
func (h *Handler) handleTurnSocket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.convs.GetConversation(r.Context(), id); err != nil {
		fail(w, r, err, "ConversationNotFound")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "conversation_id", id, "error", err)
		return
	}
	slog.Info("turn socket connected", "conversation_id", id)

	// Keep the localizer but not the request lifetime.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	send := make(chan any, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		writePump(conn, send)
	}()

	h.readPump(ctx, conn, id, send, done)
	close(send)
	<-done
	slog.Info("turn socket closed", "conversation_id", id)
}

// readPump answers frames until the peer goes away. Replies are dropped once
// the writer has stopped.
func (h *Handler) readPump(ctx context.Context, conn *websocket.Conn, id string, send chan<- any, done <-chan struct{}) {
	push := func(v any) bool {
		select {
		case send <- v:
			return true
		case <-done:
			return false
		}
	}

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Warn("turn socket read failed", "conversation_id", id, "error", err)
			}
			return
		}

		var msg socketMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			if !push(socketError{Error: i18n.T(ctx, "InvalidRequest")}) {
				return
			}
			continue
		}
		text := strings.TrimSpace(msg.Text)
		if text == "" {
			if !push(socketError{Error: i18n.T(ctx, "TextRequired")}) {
				return
			}
			continue
		}

		turnCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		resp, err := h.respond(turnCtx, id, text, false)
		cancel()
		var reply any = resp
		if err != nil {
			slog.Warn("socket turn failed", "conversation_id", id, "error", err)
			_, msgID := turnError(err)
			reply = socketError{Error: i18n.T(ctx, msgID)}
		}
		if !push(reply) {
			return
		}
	}
}

func writePump(conn *websocket.Conn, send <-chan any) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case msg, ok := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
