package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mariozechner/coding-agent/remoteexec/pkg/store"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// pollInterval is the backup resync period for missed notifications.
const pollInterval = 500 * time.Millisecond

// handleEventsWebSocket streams the journal events of a session: every event
// recorded so far on connect, then new events as they are recorded. The
// optional "after" query parameter skips events up to and including that ID.
func (s *Server) handleEventsWebSocket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.journal == nil {
		s.jsonResponse(w, http.StatusNotFound, ErrorBody{Error: "journal disabled", Kind: KindNotFound})
		return
	}
	if _, err := s.journal.Events(r.Context(), id); err != nil {
		s.failure(w, err, "")
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Failed to upgrade websocket", "error", err)
		return
	}
	defer ws.Close()

	updates := s.journal.Subscribe()
	done := make(chan struct{})

	// Reader loop: the stream is one-way, reads only detect the close.
	go func() {
		defer close(done)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					slog.Debug("WebSocket read error", "session", id, "error", err)
				}
				return
			}
		}
	}()

	lastID := r.URL.Query().Get("after")
	if lastID, err = s.syncEvents(r.Context(), ws, id, lastID); err != nil {
		slog.Error("Failed initial sync", "session", id, "error", err)
		return
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case sessionID, ok := <-updates:
			if !ok {
				return
			}
			if sessionID != id {
				continue
			}
		case <-ticker.C:
		}
		if lastID, err = s.syncEvents(r.Context(), ws, id, lastID); err != nil {
			slog.Error("Failed (re)sync", "session", id, "error", err)
			return
		}
	}
}

// syncEvents sends the events recorded after lastID and returns the ID of
// the last event sent.
func (s *Server) syncEvents(ctx context.Context, ws *websocket.Conn, sessionID, lastID string) (string, error) {
	var (
		events []store.Event
		err    error
	)
	if lastID == "" {
		events, err = s.journal.Events(ctx, sessionID)
	} else {
		events, err = s.journal.EventsAfter(ctx, sessionID, lastID)
	}
	if err != nil {
		return lastID, err
	}
	for _, e := range events {
		if err := ws.WriteJSON(e); err != nil {
			return lastID, err
		}
		lastID = e.ID
	}
	return lastID, nil
}
