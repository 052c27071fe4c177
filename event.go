package graphpool

import "github.com/graphpool/graphpool/internal/session"

// EventKind identifies the kind of lifecycle event a pool reports.
type EventKind = session.EventKind

// Lifecycle event kinds a Pool's event handler may observe.
const (
	EventConnected    = session.EventConnected
	EventAuthorized   = session.EventAuthorized
	EventReady        = session.EventReady
	EventFree         = session.EventFree
	EventClosed       = session.EventClosed
	EventReconnecting = session.EventReconnecting
	EventError        = session.EventError
)

// Event reports a single connection's lifecycle transition.
type Event struct {
	Kind         EventKind
	ConnectionID string
	Err          error
}

// EventHandler receives lifecycle events from every connection in a Pool.
// Handlers must not block; the pool delivers events synchronously from the
// connection's own goroutine.
type EventHandler func(Event)

func fromSessionEvent(e session.Event) Event {
	return Event{Kind: e.Kind, ConnectionID: e.ConnectionID, Err: e.Err}
}
