package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mit-bodhiq/bodhiq/internal/model"
)

// keepaliveInterval spaces SSE comments and WebSocket pings on idle streams.
var keepaliveInterval = 15 * time.Second

const wsWriteTimeout = 10 * time.Second

// upgrader accepts any origin: callers authenticate with a bearer token,
// never an ambient cookie.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// doneEvent is the payload of the final SSE event and WebSocket close.
type doneEvent struct {
	QueryID int64             `json:"query_id"`
	Status  model.QueryStatus `json:"status"`
}

// HandleProgressSSE handles GET /v1/queries/{id}/progress.
// Each update is an "agent_update" event; a "done" event carries the final
// query status once the run ends.
func (h *Handlers) HandleProgressSSE(w http.ResponseWriter, r *http.Request) {
	q, ok := h.ownedQuery(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	sub, err := h.queries.GetAgentProgress(r.Context(), q.ID)
	if err != nil {
		h.writeServiceError(w, r, "failed to subscribe to progress", err)
		return
	}
	defer sub.Unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Disable the server's WriteTimeout for this long-lived connection.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case u, ok := <-sub.C():
			if !ok {
				data, _ := json.Marshal(h.finalStatus(ctx, q.ID))
				_, _ = w.Write(formatSSE("done", string(data)))
				flusher.Flush()
				return
			}
			data, err := json.Marshal(u)
			if err != nil {
				h.logger.Error("encode agent update", "query_id", q.ID, "error", err)
				continue
			}
			if _, err := w.Write(formatSSE("agent_update", string(data))); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// HandleProgressWS handles GET /v1/queries/{id}/progress/ws.
// Every update is sent as one JSON text message. The server closes the
// socket with a normal closure carrying the final status.
func (h *Handlers) HandleProgressWS(w http.ResponseWriter, r *http.Request) {
	q, ok := h.ownedQuery(w, r)
	if !ok {
		return
	}

	sub, err := h.queries.GetAgentProgress(r.Context(), q.ID)
	if err != nil {
		h.writeServiceError(w, r, "failed to subscribe to progress", err)
		return
	}
	defer sub.Unsubscribe()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.logger.Warn("websocket upgrade failed", "query_id", q.ID, "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	// The read loop only exists to notice the client going away.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(keepaliveInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		case u, ok := <-sub.C():
			if !ok {
				data, _ := json.Marshal(h.finalStatus(ctx, q.ID))
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(data))
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteTimeout))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(u); err != nil {
				h.logger.Debug("websocket write failed", "query_id", q.ID, "error", err)
				return
			}
		}
	}
}

func (h *Handlers) finalStatus(ctx context.Context, queryID int64) doneEvent {
	ev := doneEvent{QueryID: queryID}
	if q, err := h.queries.GetQuery(context.WithoutCancel(ctx), queryID); err == nil {
		ev.Status = q.Status
	}
	return ev
}

// formatSSE formats one Server-Sent Events message.
func formatSSE(eventType, data string) []byte {
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", eventType, data))
}
