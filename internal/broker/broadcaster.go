package broker

import (
	"yamanaka/syncd/internal/events"
	"yamanaka/syncd/internal/logging"
	"yamanaka/syncd/internal/registry"
	"yamanaka/syncd/internal/spool"
)

// Journal records broadcast events for offline inspection.
type Journal interface {
	Append(kind, sender string, payload []byte) error
}

// Broadcaster fans one event out to every tracked device except the sender.
// Live devices get a non-blocking channel send; everyone else, and any live
// device whose channel is full, gets a durable spool entry. Mutators are
// never blocked by a slow subscriber.
type Broadcaster struct {
	registry *registry.Registry
	spool    *spool.Spool
	journal  Journal
	log      *logging.Logger
}

// New wires a broadcaster to the registry and spool. journal may be nil.
func New(reg *registry.Registry, sp *spool.Spool, journal Journal, logger *logging.Logger) *Broadcaster {
	if logger == nil {
		logger = logging.L()
	}
	return &Broadcaster{registry: reg, spool: sp, journal: journal, log: logger}
}

// Broadcast delivers the event to all tracked devices except its sender.
func (b *Broadcaster) Broadcast(event events.Event) {
	if b == nil {
		return
	}
	if b.journal != nil {
		body, err := event.Body()
		if err == nil {
			err = b.journal.Append(string(event.Kind), event.Sender, body)
		}
		if err != nil {
			b.log.Warn("could not journal broadcast event", logging.Error(err))
		}
	}

	for _, id := range b.registry.AllTracked() {
		if id == event.Sender {
			continue
		}
		sent, active := b.registry.Deliver(id, event)
		if sent {
			continue
		}
		if active {
			b.log.Warn("live channel full, spooling event",
				logging.String("device_id", id), logging.String("kind", string(event.Kind)))
		}
		if err := b.spool.Append(id, event); err != nil {
			// Dropped: the device may miss this event until its backlog
			// crosses the resync threshold on a later reconnect.
			b.log.Error("could not spool event, dropping",
				logging.String("device_id", id), logging.String("kind", string(event.Kind)), logging.Error(err))
		}
	}
}
