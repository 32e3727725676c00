package history

import (
	"context"
	"time"

	"yamanaka/syncd/internal/logging"
)

// tickerFactory constructs cancellable tick channels so tests can drive the
// loop without real time.
type tickerFactory func(time.Duration) (<-chan time.Time, func())

func defaultTickerFactory(interval time.Duration) (<-chan time.Time, func()) {
	ticker := time.NewTicker(interval)
	return ticker.C, ticker.Stop
}

// Snapshotter periodically commits the vault into the history store.
type Snapshotter struct {
	store     *Store
	interval  time.Duration
	log       *logging.Logger
	newTicker tickerFactory
}

// SnapshotterOption customises the snapshotter.
type SnapshotterOption func(*Snapshotter)

// WithTickerFactory overrides the ticker construction (used in tests).
func WithTickerFactory(factory tickerFactory) SnapshotterOption {
	return func(s *Snapshotter) {
		if factory != nil {
			s.newTicker = factory
		}
	}
}

// NewSnapshotter builds a snapshotter committing on the given interval.
func NewSnapshotter(store *Store, interval time.Duration, logger *logging.Logger, opts ...SnapshotterOption) *Snapshotter {
	if logger == nil {
		logger = logging.L()
	}
	if interval <= 0 {
		interval = time.Hour
	}
	s := &Snapshotter{store: store, interval: interval, log: logger, newTicker: defaultTickerFactory}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Run commits on every tick until the context is cancelled. An in-flight
// commit is allowed to finish; failures are logged and the loop continues.
func (s *Snapshotter) Run(ctx context.Context) {
	if s == nil || ctx == nil {
		return
	}
	ticks, stop := s.newTicker(s.interval)
	defer stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticks:
			s.commitOnce()
		}
	}
}

func (s *Snapshotter) commitOnce() {
	ref, created, err := s.store.Commit("periodic snapshot")
	if err != nil {
		s.log.Error("periodic snapshot failed", logging.Error(err))
		return
	}
	if created {
		s.log.Info("periodic snapshot committed", logging.String("ref", ref))
		return
	}
	s.log.Debug("periodic snapshot skipped, vault unchanged", logging.String("ref", ref))
}
