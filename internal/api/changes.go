package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/servicedesk/jobsync/internal/queue"
)

// ChangeMessage is what /ws/changes sends. The first message for a filtered
// stream is a snapshot; every later one carries a single change.
type ChangeMessage struct {
	Type     string          `json:"type"`
	Snapshot *queue.Snapshot `json:"snapshot,omitempty"`
	Change   *queue.Change   `json:"change,omitempty"`
}

const writeTimeout = 5 * time.Second

// StreamChanges pushes store changes to a presentation client, optionally
// filtered by ?service=.
func (h *Handlers) StreamChanges(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Warn("websocket accept", slog.String("error", err.Error()))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "goodbye")

	service := r.URL.Query().Get("service")
	sub := h.store.Subscribe(queue.DefaultBuffer)
	defer sub.Close()

	// Only writes happen from here on; CloseRead handles pings and close
	// frames and cancels ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())

	if service != "" {
		snap := h.store.Snapshot(service)
		if err := h.send(ctx, conn, ChangeMessage{Type: "snapshot", Snapshot: &snap}); err != nil {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-sub.C():
			if !ok {
				return
			}
			if service != "" && c.Service != service {
				continue
			}
			if err := h.send(ctx, conn, ChangeMessage{Type: "change", Change: &c}); err != nil {
				h.logger.Debug("change stream closed", slog.String("error", err.Error()))
				return
			}
		}
	}
}

func (h *Handlers) send(ctx context.Context, conn *websocket.Conn, msg ChangeMessage) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, msg)
}
