package telegram

import (
	"context"
	"net/http"
	"time"

	"github.com/domosclub/clubauth/internal/httputil"
	"github.com/domosclub/clubauth/pkg/domain"
	"github.com/gorilla/websocket"
)

const watchWriteWait = 5 * time.Second

// Watch pushes token status changes over a WebSocket. It re-reads the status
// every poll interval, sends {status} whenever it changes, and closes on a
// final status or once the token's window has passed.
// GET /v1/auth/telegram/watch?token=
func (h *Handler) Watch(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("token")
	if raw == "" {
		httputil.Error(w, http.StatusBadRequest, "token is required")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// The request context is not cancelled when a hijacked client goes away,
	// so the read loop does it.
	ctx, cancel := context.WithTimeout(context.Background(), h.tokenService.TTL()+h.tokenService.PollInterval())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.tokenService.PollInterval())
	defer ticker.Stop()

	var last domain.TokenStatus
	for {
		status, err := h.tokenService.Status(ctx, raw)
		if err != nil && ctx.Err() != nil {
			break
		}
		if err != nil {
			h.logger.Error("failed to read login token status", "error", err)
		}
		if status != last {
			last = status
			conn.SetWriteDeadline(time.Now().Add(watchWriteWait))
			if err := conn.WriteJSON(StatusResponse{Status: status}); err != nil {
				h.logger.Debug("watch send failed", "error", err)
				return
			}
		}
		if watchDone(status) {
			break
		}

		select {
		case <-ctx.Done():
			h.closeWatch(conn, websocket.CloseNormalClosure, "timeout")
			return
		case <-ticker.C:
		}
	}
	h.closeWatch(conn, websocket.CloseNormalClosure, string(last))
}

func (h *Handler) closeWatch(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(watchWriteWait))
}

func watchDone(status domain.TokenStatus) bool {
	switch status {
	case domain.TokenStatusUsed, domain.TokenStatusExpired, domain.TokenStatusInvalid:
		return true
	}
	return false
}
