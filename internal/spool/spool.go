package spool

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"yamanaka/syncd/internal/events"
	"yamanaka/syncd/internal/logging"
)

var deviceIDCleaner = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// Spool persists per-device event backlogs under <dir>/<device_id>/.
// Each file holds one JSON-encoded event named by its append timestamp, so a
// lexicographic-by-number sort recovers the append order.
type Spool struct {
	dir string
	log *logging.Logger
	now func() time.Time

	mu     sync.Mutex
	lastNS int64
	seq    int
}

// New returns a spool rooted at dir. The directory is created lazily on the
// first append.
func New(dir string, logger *logging.Logger, clock func() time.Time) *Spool {
	if logger == nil {
		logger = logging.L()
	}
	if clock == nil {
		clock = time.Now
	}
	return &Spool{dir: dir, log: logger, now: clock}
}

func cleanDeviceID(deviceID string) string {
	cleaned := deviceIDCleaner.ReplaceAllString(deviceID, "")
	if cleaned == "" {
		cleaned = "device"
	}
	return cleaned
}

// Append persists one event for a device that could not receive it live.
func (s *Spool) Append(deviceID string, event events.Event) error {
	if s == nil {
		return errors.New("spool not configured")
	}
	data, err := event.MarshalSpool()
	if err != nil {
		return err
	}
	deviceDir := filepath.Join(s.dir, cleanDeviceID(deviceID))
	if err := os.MkdirAll(deviceDir, 0o755); err != nil {
		return err
	}

	s.mu.Lock()
	ns := s.now().UnixNano()
	if ns == s.lastNS {
		// Same-nanosecond appends keep their order via the sequence suffix.
		s.seq++
	} else {
		s.lastNS = ns
		s.seq = 0
	}
	name := fmt.Sprintf("%d-%06d.json", ns, s.seq)
	s.mu.Unlock()

	return os.WriteFile(filepath.Join(deviceDir, name), data, 0o644)
}

// entryKey orders spool files by timestamp then sequence suffix.
type entryKey struct {
	name string
	ns   int64
	seq  int64
}

func parseEntryName(name string) (entryKey, bool) {
	base := strings.TrimSuffix(name, ".json")
	if base == name {
		return entryKey{}, false
	}
	key := entryKey{name: name}
	if idx := strings.IndexByte(base, '-'); idx >= 0 {
		seq, err := strconv.ParseInt(base[idx+1:], 10, 64)
		if err != nil {
			return entryKey{}, false
		}
		key.seq = seq
		base = base[:idx]
	}
	ns, err := strconv.ParseInt(base, 10, 64)
	if err != nil {
		return entryKey{}, false
	}
	key.ns = ns
	return key, true
}

// Drain returns every spooled event for the device in append order and clears
// the backlog. A missing directory is an empty backlog, not an error. Files
// that fail to decode are logged, discarded and skipped.
func (s *Spool) Drain(deviceID string) ([]events.Event, error) {
	if s == nil {
		return nil, errors.New("spool not configured")
	}
	deviceDir := filepath.Join(s.dir, cleanDeviceID(deviceID))
	entries, err := os.ReadDir(deviceDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	keys := make([]entryKey, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		key, ok := parseEntryName(entry.Name())
		if !ok {
			s.log.Warn("ignoring unrecognized spool entry",
				logging.String("device_id", deviceID), logging.String("file", entry.Name()))
			continue
		}
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].ns != keys[j].ns {
			return keys[i].ns < keys[j].ns
		}
		return keys[i].seq < keys[j].seq
	})

	drained := make([]events.Event, 0, len(keys))
	for _, key := range keys {
		path := filepath.Join(deviceDir, key.name)
		data, err := os.ReadFile(path)
		if err != nil {
			s.log.Warn("could not read spooled event",
				logging.String("device_id", deviceID), logging.String("file", key.name), logging.Error(err))
			continue
		}
		event, err := events.UnmarshalSpool(data)
		if err != nil {
			s.log.Warn("skipping undecodable spooled event",
				logging.String("device_id", deviceID), logging.String("file", key.name), logging.Error(err))
			_ = os.Remove(path)
			continue
		}
		drained = append(drained, event)
		// Remove each file individually; an event appended while this drain
		// runs stays on disk for the next reconnect instead of being lost.
		_ = os.Remove(path)
	}
	if err := os.Remove(deviceDir); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.log.Debug("spool directory not removed", logging.String("device_id", deviceID), logging.Error(err))
	}
	return drained, nil
}
