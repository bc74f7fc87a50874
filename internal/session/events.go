package session

import "time"

// EventType identifies a session lifecycle event.
type EventType string

const (
	EventCreated       EventType = "created"
	EventStatusChanged EventType = "statusChanged"
	EventPTYBound      EventType = "ptyBound"
	EventPTYUnbound    EventType = "ptyUnbound"
	EventTerminated    EventType = "terminated"
)

// Event describes a change to a session. From and To are set for
// statusChanged events, PTYID for ptyBound and ptyUnbound.
type Event struct {
	Type      EventType
	SessionID string
	From      Status
	To        Status
	PTYID     string
	Time      time.Time
}

// Listener receives session events. Listeners run synchronously on the
// goroutine that triggered the event; a panicking listener is logged
// and the remaining listeners still run.
type Listener func(Event)
