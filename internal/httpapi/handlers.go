package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"yamanaka/syncd/internal/broker"
	"yamanaka/syncd/internal/events"
	"yamanaka/syncd/internal/history"
	"yamanaka/syncd/internal/logging"
	"yamanaka/syncd/internal/registry"
	"yamanaka/syncd/internal/spool"
	"yamanaka/syncd/internal/vault"
)

// Options configures the HandlerSet.
type Options struct {
	Logger            *logging.Logger
	Vault             *vault.Store
	History           *history.Store
	Registry          *registry.Registry
	Spool             *spool.Spool
	Broadcaster       *broker.Broadcaster
	ResyncThreshold   int
	HeartbeatInterval time.Duration
	AllowedOrigin     string
}

// HandlerSet bundles the sync API handlers.
type HandlerSet struct {
	logger            *logging.Logger
	vault             *vault.Store
	history           *history.Store
	registry          *registry.Registry
	spool             *spool.Spool
	broadcaster       *broker.Broadcaster
	resyncThreshold   int
	heartbeatInterval time.Duration
	allowedOrigin     string
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	threshold := opts.ResyncThreshold
	if threshold <= 0 {
		threshold = 10
	}
	heartbeat := opts.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = 2 * time.Minute
	}
	return &HandlerSet{
		logger:            logger,
		vault:             opts.Vault,
		history:           opts.History,
		registry:          opts.Registry,
		spool:             opts.Spool,
		broadcaster:       opts.Broadcaster,
		resyncThreshold:   threshold,
		heartbeatInterval: heartbeat,
		allowedOrigin:     opts.AllowedOrigin,
	}
}

// Register attaches all handlers to the provided mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/api/check", h.cors(h.CheckHandler()))
	mux.HandleFunc("/api/sync/pull", h.cors(h.PullHandler()))
	mux.HandleFunc("/api/sync/push", h.cors(h.PushHandler()))
	mux.HandleFunc("/api/sync/initial", h.cors(h.InitialSyncHandler()))
	mux.HandleFunc("/api/events", h.cors(h.EventsHandler()))
	mux.HandleFunc("/api/events/ws", h.WebSocketHandler())
	mux.HandleFunc("/", h.RootHandler())
}

// cors applies the single-origin CORS policy and answers preflights.
func (h *HandlerSet) cors(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", h.allowedOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next(w, r)
	}
}

// RootHandler serves a plain banner for manual health probes.
func (h *HandlerSet) RootHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("Yamanaka Sync Server is running."))
	}
}

// CheckHandler reports server health. No filesystem activity.
func (h *HandlerSet) CheckHandler() http.HandlerFunc {
	type response struct {
		Status string `json:"status"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{Status: "ok"})
	}
}

// PullHandler returns the entire current vault state.
func (h *HandlerSet) PullHandler() http.HandlerFunc {
	type response struct {
		Files []vault.File `json:"files"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		files, err := h.vault.ListAll()
		if err != nil {
			logging.LoggerFromContext(r.Context()).Error("vault walk failed", logging.Error(err))
			http.Error(w, "could not read vault files", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, response{Files: files})
	}
}

// PushRequest carries a batch of incremental mutations from one device.
type PushRequest struct {
	FilesToUpdate []vault.File `json:"files_to_update"`
	FilesToDelete []string     `json:"files_to_delete"`
}

// PushHandler applies incremental changes and broadcasts one event per file.
func (h *HandlerSet) PushHandler() http.HandlerFunc {
	type response struct {
		Status string `json:"status"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		deviceID := r.URL.Query().Get("device_id")
		reqLogger := logging.LoggerFromContext(r.Context()).With(logging.String("device_id", deviceID))

		var req PushRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
			return
		}

		for _, path := range req.FilesToDelete {
			if err := h.vault.Delete(path); err != nil {
				reqLogger.Warn("could not delete file", logging.String("path", path), logging.Error(err))
				continue
			}
			h.broadcaster.Broadcast(events.FileDeleted(deviceID, path))
		}

		for _, file := range req.FilesToUpdate {
			content, err := base64.StdEncoding.DecodeString(file.Content)
			if err != nil {
				reqLogger.Warn("could not decode file content", logging.String("path", file.Path), logging.Error(err))
				continue
			}
			if err := h.vault.Write(file.Path, content); err != nil {
				reqLogger.Warn("could not write file", logging.String("path", file.Path), logging.Error(err))
				continue
			}
			h.broadcaster.Broadcast(events.FileUpdated(deviceID, file.Path, file.Content))
		}

		h.snapshot(reqLogger, fmt.Sprintf("client push from %s", deviceID))

		writeJSON(w, http.StatusOK, response{Status: "success, push processed and changes broadcasted"})
	}
}

// InitialSyncHandler replaces the vault wholesale from a tar.gz body and
// tells every other device to perform a full pull.
func (h *HandlerSet) InitialSyncHandler() http.HandlerFunc {
	type response struct {
		Status string `json:"status"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		deviceID := r.URL.Query().Get("device_id")
		reqLogger := logging.LoggerFromContext(r.Context()).With(logging.String("device_id", deviceID))

		if err := h.vault.CleanExceptHistory(); err != nil {
			reqLogger.Error("could not clean vault", logging.Error(err))
			http.Error(w, "failed to clean vault", http.StatusInternalServerError)
			return
		}
		if err := h.vault.ExtractTarGz(r.Body); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, vault.ErrArchive) {
				status = http.StatusBadRequest
			}
			reqLogger.Error("could not extract archive", logging.Error(err))
			http.Error(w, fmt.Sprintf("failed to extract archive: %v", err), status)
			return
		}

		h.broadcaster.Broadcast(events.FullSyncRequired(deviceID,
			"another device completed an initial sync; pull the full vault"))
		h.snapshot(reqLogger, fmt.Sprintf("initial sync from device %s", deviceID))

		writeJSON(w, http.StatusOK, response{Status: "success, initial sync processed. Other clients notified."})
	}
}

// snapshot commits to history and only logs failures; the mutation already
// succeeded and the next periodic tick will catch up.
func (h *HandlerSet) snapshot(logger *logging.Logger, message string) {
	if h.history == nil {
		return
	}
	ref, created, err := h.history.Commit(message)
	if err != nil {
		logger.Error("snapshot after mutation failed", logging.Error(err))
		return
	}
	if created {
		logger.Info("vault snapshot committed", logging.String("ref", ref))
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
