package broker

import "encoding/json"

// Event names delivered to connected peers. The transport adapter maps these
// to wire messages verbatim.
const (
	EventSessionCreated       = "session-created"
	EventSessionNotFound      = "session-not-found"
	EventMobileConnected      = "mobile-connected"
	EventConnectionSuccessful = "connection-successful"
	EventSignal               = "signal"
	EventPeerDisconnected     = "peer-disconnected"
	EventSessionTimeout       = "session-timeout"
)

// Message is an outbound notification addressed to a single connection
// handle.
type Message struct {
	Event string

	// SessionID is set for session-created.
	SessionID string

	// Signal carries the opaque payload for signal events. The registry never
	// inspects it.
	Signal json.RawMessage
}

// Messenger delivers messages to live connections.
//
// Delivery is fire-and-forget: there is no acknowledgment or backpressure,
// and sends to unknown or dead handles are silently dropped. The Registry
// calls Send while holding its mutex so that hand-off order matches
// state-transition order; Send must therefore return without blocking
// (enqueue, don't write) and must not call back into the Registry.
type Messenger interface {
	Send(handle string, msg Message)
}
