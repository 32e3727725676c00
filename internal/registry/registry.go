package registry

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"yamanaka/syncd/internal/events"
	"yamanaka/syncd/internal/logging"
)

// channelCapacity bounds the per-device live queue. Kept rendezvous-small so
// a stalled subscriber overflows to the spool instead of buffering silently.
const channelCapacity = 1

// Registry tracks every device that has ever connected and the subset with a
// live event stream. Tracked membership is persisted; active channels are
// in-memory only.
type Registry struct {
	mu      sync.RWMutex
	active  map[string]chan events.Event
	tracked map[string]bool

	persistMu sync.Mutex
	path      string
	log       *logging.Logger
}

// Load restores tracked membership from the clients file at path. A missing
// file starts an empty registry; a corrupt one is logged and ignored.
func Load(path string, logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.L()
	}
	r := &Registry{
		active:  make(map[string]chan events.Event),
		tracked: make(map[string]bool),
		path:    path,
		log:     logger,
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			logger.Warn("could not read tracked clients file", logging.String("path", path), logging.Error(err))
		}
		return r
	}
	if err := json.Unmarshal(data, &r.tracked); err != nil {
		logger.Warn("could not parse tracked clients file", logging.String("path", path), logging.Error(err))
		r.tracked = make(map[string]bool)
	}
	return r
}

// NewChannel allocates a live delivery channel with the registry's capacity.
func (r *Registry) NewChannel() chan events.Event {
	return make(chan events.Event, channelCapacity)
}

// Register makes the device active with the given channel and records it as
// tracked. A live connection under the same id is superseded: its channel is
// closed so the stale stream tears down.
func (r *Registry) Register(deviceID string, ch chan events.Event) {
	var supersede chan events.Event
	persist := false

	r.mu.Lock()
	if old, ok := r.active[deviceID]; ok && old != ch {
		supersede = old
	}
	r.active[deviceID] = ch
	if !r.tracked[deviceID] {
		r.tracked[deviceID] = true
		persist = true
	}
	r.mu.Unlock()

	if supersede != nil {
		close(supersede)
		r.log.Warn("superseded a live event stream", logging.String("device_id", deviceID))
	}
	if persist {
		go r.persistTracked()
	}
}

// Deregister removes the device's live channel and closes it. The channel
// identity check keeps a stale connection's teardown from evicting a
// replacement registered under the same id.
func (r *Registry) Deregister(deviceID string, ch chan events.Event) {
	r.mu.Lock()
	current, ok := r.active[deviceID]
	if ok && current == ch {
		delete(r.active, deviceID)
	} else {
		ch = nil
	}
	r.mu.Unlock()

	if ch != nil {
		close(ch)
	}
}

// IsActive reports whether the device currently holds a live event stream.
func (r *Registry) IsActive(deviceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.active[deviceID]
	return ok
}

// AllTracked returns every device id the server has ever seen, sorted for
// deterministic iteration.
func (r *Registry) AllTracked() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.tracked))
	for id := range r.tracked {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Counts reports tracked and active device totals.
func (r *Registry) Counts() (tracked, active int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tracked), len(r.active)
}

// Deliver attempts a non-blocking send to the device's live channel. The
// second result reports whether the device was active at all. The send
// happens under the read lock so a concurrent Deregister cannot close the
// channel mid-send.
func (r *Registry) Deliver(deviceID string, event events.Event) (sent, active bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.active[deviceID]
	if !ok {
		return false, false
	}
	select {
	case ch <- event:
		return true, true
	default:
		return false, true
	}
}

// persistTracked writes the tracked set to disk. Runs outside the membership
// lock so slow disks never stall registration.
func (r *Registry) persistTracked() {
	r.mu.RLock()
	snapshot := make(map[string]bool, len(r.tracked))
	for id := range r.tracked {
		snapshot[id] = true
	}
	r.mu.RUnlock()

	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		r.log.Error("could not marshal tracked clients", logging.Error(err))
		return
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		r.log.Error("could not create clients file directory", logging.Error(err))
		return
	}
	if err := os.WriteFile(r.path, data, 0o644); err != nil {
		r.log.Error("could not persist tracked clients", logging.String("path", r.path), logging.Error(err))
	}
}

// PersistNow flushes the tracked set synchronously. Tests and shutdown hooks
// use it to avoid racing the fire-and-forget writer.
func (r *Registry) PersistNow() {
	r.persistTracked()
}
