package outbox

import "encoding/json"

// ChangeNotification is the structured payload emitted by the database when
// an outbox row becomes eligible for dispatch: the operation that fired the
// trigger, the table it fired on, and a compact identifying object (the
// trigger keeps the payload small because pg_notify bounds it).
//
// Notifications are hints, not a queue: they can be dropped when no listener
// is connected or coalesced under pressure. The dispatcher never publishes
// from a notification; it always re-reads eligibility from the store.
type ChangeNotification struct {
	Operation string          `json:"operation"`
	Table     string          `json:"table"`
	Data      json.RawMessage `json:"data"`
}

// Notifier exposes a stream of change notifications used to wake the
// dispatcher ahead of its polling interval. It is an explicit resource:
// acquired at startup, injected into the dispatcher, and released by the
// owner on shutdown.
type Notifier interface {
	// Notifications returns the channel the dispatcher selects on. The
	// channel is closed when the notifier shuts down; the dispatcher then
	// falls back to polling alone.
	Notifications() <-chan ChangeNotification
}
