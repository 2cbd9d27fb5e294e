package dbpool

import (
	"time"

	"github.com/forgebench/forgebench/pkg/errors"
)

// EventKind identifies a pool lifecycle transition.
type EventKind string

const (
	// EventConnect fires when a new connection is established
	EventConnect EventKind = "connect"
	// EventAcquire fires when a caller checks out a connection
	EventAcquire EventKind = "acquire"
	// EventRelease fires when a connection returns to the idle set
	EventRelease EventKind = "release"
	// EventRemove fires when a connection is torn down
	EventRemove EventKind = "remove"
	// EventError fires on a pool fault; ErrClass carries the error class
	EventError EventKind = "error"
)

// Event is published on the pool's event channel for every state transition.
// Consumers must drain promptly; the pool never blocks on publication and
// drops events when the subscriber falls behind.
type Event struct {
	Kind     EventKind
	ErrClass errors.ErrorType
	Wait     time.Duration // acquire events: time the caller waited
	At       time.Time
}
