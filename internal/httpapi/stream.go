package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"yamanaka/syncd/internal/events"
	"yamanaka/syncd/internal/logging"
)

// EventsHandler serves the long-lived text/event-stream connection: spooled
// backlog first (or a single full-sync signal when it is too large), then
// live relay with periodic heartbeat comments.
func (h *HandlerSet) EventsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deviceID := r.URL.Query().Get("device_id")
		if deviceID == "" {
			http.Error(w, "device_id is required", http.StatusBadRequest)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}
		streamLogger := logging.LoggerFromContext(r.Context()).With(logging.String("device_id", deviceID))

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		ch := h.registry.NewChannel()
		h.registry.Register(deviceID, ch)
		defer h.registry.Deregister(deviceID, ch)

		streamLogger.Info("event stream connected")

		if !h.replayBacklog(w, deviceID, streamLogger) {
			return
		}
		flusher.Flush()

		ticker := time.NewTicker(h.heartbeatInterval)
		defer ticker.Stop()
		ctx := r.Context()

		for {
			select {
			case event, open := <-ch:
				if !open {
					// Superseded by a newer connection for the same device.
					streamLogger.Info("event stream superseded")
					return
				}
				frame, err := event.Frame()
				if err != nil {
					streamLogger.Warn("could not encode event frame", logging.Error(err))
					continue
				}
				if _, err := w.Write(frame); err != nil {
					streamLogger.Info("event stream write failed, closing", logging.Error(err))
					return
				}
				flusher.Flush()
			case <-ticker.C:
				if _, err := fmt.Fprint(w, ":heartbeat\n\n"); err != nil {
					streamLogger.Info("heartbeat write failed, closing", logging.Error(err))
					return
				}
				flusher.Flush()
			case <-ctx.Done():
				streamLogger.Info("event stream disconnected")
				return
			}
		}
	}
}

// replayBacklog drains the device's spool and writes it to the stream. Above
// the resync threshold the backlog is discarded in favour of one full-sync
// signal. Returns false when the response writer failed.
func (h *HandlerSet) replayBacklog(w http.ResponseWriter, deviceID string, logger *logging.Logger) bool {
	backlog, err := h.spool.Drain(deviceID)
	if err != nil {
		logger.Error("could not drain spool", logging.Error(err))
		return true
	}
	if len(backlog) == 0 {
		return true
	}
	if len(backlog) > h.resyncThreshold {
		logger.Info("backlog over threshold, requesting full sync", logging.Int("missed", len(backlog)))
		signal := events.FullSyncRequired("", fmt.Sprintf("%d missed updates; please perform a full sync", len(backlog)))
		frame, err := signal.Frame()
		if err != nil {
			logger.Warn("could not encode full-sync frame", logging.Error(err))
			return true
		}
		_, writeErr := w.Write(frame)
		return writeErr == nil
	}
	logger.Info("replaying spooled backlog", logging.Int("missed", len(backlog)))
	for _, event := range backlog {
		frame, err := event.Frame()
		if err != nil {
			logger.Warn("could not encode spooled event", logging.Error(err))
			continue
		}
		if _, err := w.Write(frame); err != nil {
			return false
		}
	}
	return true
}
