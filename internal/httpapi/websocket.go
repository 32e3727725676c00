package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"yamanaka/syncd/internal/events"
	"yamanaka/syncd/internal/logging"
)

// wsFrame mirrors an SSE frame as a single JSON text message.
type wsFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// WebSocketHandler mirrors the event stream over a WebSocket connection for
// clients that cannot hold an SSE response open. Registration, catch-up and
// threshold semantics are identical; heartbeats become protocol pings.
func (h *HandlerSet) WebSocketHandler() http.HandlerFunc {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || h.allowedOrigin == "" || origin == h.allowedOrigin
		},
	}
	return func(w http.ResponseWriter, r *http.Request) {
		deviceID := r.URL.Query().Get("device_id")
		if deviceID == "" {
			http.Error(w, "device_id is required", http.StatusBadRequest)
			return
		}
		streamLogger := logging.LoggerFromContext(r.Context()).With(
			logging.String("device_id", deviceID), logging.String("transport", "websocket"))

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			streamLogger.Warn("websocket upgrade failed", logging.Error(err))
			return
		}
		defer conn.Close()

		ch := h.registry.NewChannel()
		h.registry.Register(deviceID, ch)
		defer h.registry.Deregister(deviceID, ch)

		streamLogger.Info("event stream connected")

		if err := h.replayBacklogWS(conn, deviceID, streamLogger); err != nil {
			streamLogger.Info("websocket backlog replay failed, closing", logging.Error(err))
			return
		}

		// The read pump only detects disconnects; inbound frames carry no meaning.
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(h.heartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case event, open := <-ch:
				if !open {
					streamLogger.Info("event stream superseded")
					_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				if err := writeEventWS(conn, event); err != nil {
					streamLogger.Info("websocket write failed, closing", logging.Error(err))
					return
				}
			case <-ticker.C:
				if err := conn.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
					streamLogger.Info("websocket ping failed, closing", logging.Error(err))
					return
				}
			case <-done:
				streamLogger.Info("event stream disconnected")
				return
			}
		}
	}
}

func (h *HandlerSet) replayBacklogWS(conn *websocket.Conn, deviceID string, logger *logging.Logger) error {
	backlog, err := h.spool.Drain(deviceID)
	if err != nil {
		logger.Error("could not drain spool", logging.Error(err))
		return nil
	}
	if len(backlog) == 0 {
		return nil
	}
	if len(backlog) > h.resyncThreshold {
		logger.Info("backlog over threshold, requesting full sync", logging.Int("missed", len(backlog)))
		signal := events.FullSyncRequired("", fmt.Sprintf("%d missed updates; please perform a full sync", len(backlog)))
		return writeEventWS(conn, signal)
	}
	logger.Info("replaying spooled backlog", logging.Int("missed", len(backlog)))
	for _, event := range backlog {
		if err := writeEventWS(conn, event); err != nil {
			return err
		}
	}
	return nil
}

func writeEventWS(conn *websocket.Conn, event events.Event) error {
	body, err := event.Body()
	if err != nil {
		return err
	}
	return conn.WriteJSON(wsFrame{Event: string(event.Kind), Data: body})
}
