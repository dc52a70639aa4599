package mqtt

import (
	"fmt"
	"log/slog"
)

// EventKind identifies a session lifecycle notification.
type EventKind int

const (
	// EventConnected fires each time the broker accepts the connection.
	EventConnected EventKind = iota + 1
	// EventDisconnected fires when the connection is lost or the broker
	// disconnects the client.
	EventDisconnected
	// EventPublished fires when the broker acknowledges a publish.
	EventPublished
	// EventError reports a failed connect or publish.
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventPublished:
		return "published"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is a session notification.
type Event struct {
	Kind EventKind
	// MsgID is the ID returned by [Session.Publish], for EventPublished
	// and publish errors. Zero otherwise.
	MsgID int
	// ReasonCode is the broker's MQTT v5 reason code, when one was sent.
	ReasonCode byte
	// Err is set for EventError and for disconnects caused by a client
	// side failure.
	Err error
}

// EventHandler receives session events. It is called from autopaho
// and per-publish goroutines and must be safe for concurrent use.
type EventHandler func(Event)

// LogEvents returns an [EventHandler] that only logs. This is the
// whole of the application's reaction to session events.
func LogEvents(logger *slog.Logger) EventHandler {
	return func(ev Event) {
		switch ev.Kind {
		case EventConnected:
			logger.Info("mqtt connected to broker")
		case EventDisconnected:
			logger.Warn("mqtt disconnected from broker", "reason_code", ev.ReasonCode, "error", ev.Err)
		case EventPublished:
			logger.Info("mqtt publish acknowledged", "msg_id", ev.MsgID, "reason_code", ev.ReasonCode)
		case EventError:
			logger.Error("mqtt error", "msg_id", ev.MsgID, "error", ev.Err)
		default:
			logger.Debug("mqtt event", "kind", ev.Kind.String())
		}
	}
}
