package station

import (
	"context"
	"fmt"
	"net/netip"
)

// EventKind identifies an interface lifecycle notification.
type EventKind int

const (
	// EventStarted is emitted once when the interface driver is up.
	EventStarted EventKind = iota + 1
	// EventDisconnected is emitted when an association attempt fails
	// or an established link drops.
	EventDisconnected
	// EventGotAddress is emitted when the interface has a routable
	// address.
	EventGotAddress
)

func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "started"
	case EventDisconnected:
		return "disconnected"
	case EventGotAddress:
		return "got_address"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is a notification from a [Driver].
type Event struct {
	Kind EventKind
	// Addr is set for EventGotAddress.
	Addr netip.Addr
	// Reason is a driver-specific disconnect reason, if known.
	Reason string
}

// Driver is the network interface collaborator. Implementations
// deliver events by calling the handler passed to Start, from any
// goroutine; the handler never blocks for long.
type Driver interface {
	// Configure sets the join parameters. Called once before Start.
	Configure(creds Credentials) error
	// Start brings the interface up and eventually emits EventStarted.
	Start(ctx context.Context, handler func(Event)) error
	// Connect issues one asynchronous association attempt. Its result
	// arrives later as EventDisconnected or EventGotAddress.
	Connect() error
	// Close releases the interface.
	Close() error
}
