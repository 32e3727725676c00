package events

import (
	"encoding/json"
	"fmt"
)

// Kind names an event as it appears on the wire.
type Kind string

const (
	// KindFileCreated is reserved for future use; writes always emit KindFileUpdated.
	KindFileCreated Kind = "file_created"
	// KindFileUpdated signals that a file was created or modified.
	KindFileUpdated Kind = "file_updated"
	// KindFileDeleted signals that a file was removed.
	KindFileDeleted Kind = "file_deleted"
	// KindFullSyncRequired tells a subscriber to discard local state and pull.
	KindFullSyncRequired Kind = "full_sync_required"
)

// Event is a single change notification fanned out to subscribers.
//
// Sender carries the originating device id for echo suppression and is never
// serialized; the wire body contains only the variant fields.
type Event struct {
	Kind    Kind
	Path    string
	Content string // base64, empty for deletes and full-sync signals
	Message string // only for full-sync signals
	Sender  string
}

// FileUpdated builds an update event for the given path and base64 content.
func FileUpdated(sender, path, content string) Event {
	return Event{Kind: KindFileUpdated, Path: path, Content: content, Sender: sender}
}

// FileDeleted builds a delete event for the given path.
func FileDeleted(sender, path string) Event {
	return Event{Kind: KindFileDeleted, Path: path, Sender: sender}
}

// FullSyncRequired builds a resync signal carrying a human-readable reason.
func FullSyncRequired(sender, message string) Event {
	return Event{Kind: KindFullSyncRequired, Message: message, Sender: sender}
}

type fileBody struct {
	Path    string `json:"path"`
	Content string `json:"content,omitempty"`
}

type messageBody struct {
	Message string `json:"message"`
}

// Body serializes the variant payload exactly as subscribers receive it.
func (e Event) Body() ([]byte, error) {
	switch e.Kind {
	case KindFileCreated, KindFileUpdated, KindFileDeleted:
		return json.Marshal(fileBody{Path: e.Path, Content: e.Content})
	case KindFullSyncRequired:
		return json.Marshal(messageBody{Message: e.Message})
	default:
		return nil, fmt.Errorf("unknown event kind %q", e.Kind)
	}
}

// Frame renders the event as a text/event-stream frame terminated by a blank line.
func (e Event) Frame() ([]byte, error) {
	body, err := e.Body()
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", e.Kind, body)), nil
}

// record is the durable spool representation; unlike the wire body it keeps
// the kind so drained events can be replayed under the right event name.
type record struct {
	Kind    Kind   `json:"kind"`
	Path    string `json:"path,omitempty"`
	Content string `json:"content,omitempty"`
	Message string `json:"message,omitempty"`
}

// MarshalSpool serializes the event for the on-disk spool.
func (e Event) MarshalSpool() ([]byte, error) {
	if e.Kind == "" {
		return nil, fmt.Errorf("event kind must be set")
	}
	return json.Marshal(record{Kind: e.Kind, Path: e.Path, Content: e.Content, Message: e.Message})
}

// UnmarshalSpool restores an event previously written with MarshalSpool.
func UnmarshalSpool(data []byte) (Event, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Event{}, err
	}
	if rec.Kind == "" {
		return Event{}, fmt.Errorf("spooled event is missing its kind")
	}
	return Event{Kind: rec.Kind, Path: rec.Path, Content: rec.Content, Message: rec.Message}, nil
}
