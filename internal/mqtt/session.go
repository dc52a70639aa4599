package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/asgard/internal/events"
)

var (
	// ErrSessionStarted is returned by a second call to [Session.Start].
	ErrSessionStarted = errors.New("mqtt: session already started")
	// ErrNotConnected is returned when an operation needs a live
	// broker connection.
	ErrNotConnected = errors.New("mqtt: not connected")
)

// SessionConfig configures a [Session].
type SessionConfig struct {
	// BrokerURL is mqtt:// or tcp:// with host and port.
	BrokerURL string
	// ClientID identifies this device to the broker.
	ClientID string
	// KeepAlive in seconds (default 120).
	KeepAlive uint16
	// Handler receives session events. Optional.
	Handler EventHandler
	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
	// Bus mirrors session events. Optional.
	Bus *events.Bus
}

// Session is the process's single broker connection.
type Session struct {
	cfg    SessionConfig
	logger *slog.Logger

	mu      sync.Mutex
	started bool
	cm      *autopaho.ConnectionManager

	connected atomic.Bool
	nextID    atomic.Int64
}

// NewSession creates a session but does not connect. Call
// [Session.Start] to begin connecting.
func NewSession(cfg SessionConfig) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = 120
	}
	return &Session{cfg: cfg, logger: cfg.Logger}
}

// SetClientID sets the client ID used by [Session.Start]. It has no
// effect once the session has started.
func (s *Session) SetClientID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		s.cfg.ClientID = id
	}
}

// Start begins connecting to the broker and returns without waiting
// for the connection. Reconnects are automatic until ctx is cancelled
// or [Session.Stop] is called. A session can be started once.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrSessionStarted
	}

	brokerURL, err := url.Parse(s.cfg.BrokerURL)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}
	switch brokerURL.Scheme {
	case "mqtt", "tcp":
	default:
		return fmt.Errorf("unsupported mqtt broker scheme %q (want mqtt:// or tcp://)", brokerURL.Scheme)
	}
	if brokerURL.Port() == "" {
		brokerURL.Host += ":1883"
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{brokerURL},
		KeepAlive:                     s.cfg.KeepAlive,
		CleanStartOnInitialConnection: true,
		OnConnectionUp: func(_ *autopaho.ConnectionManager, connack *paho.Connack) {
			s.connected.Store(true)
			s.emit(Event{Kind: EventConnected, ReasonCode: connack.ReasonCode})
		},
		OnConnectError: func(err error) {
			s.connected.Store(false)
			s.emit(Event{Kind: EventError, Err: fmt.Errorf("connect: %w", err)})
		},
		ClientConfig: paho.ClientConfig{
			ClientID: s.cfg.ClientID,
			OnClientError: func(err error) {
				s.connected.Store(false)
				s.emit(Event{Kind: EventDisconnected, Err: err})
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				s.connected.Store(false)
				s.emit(Event{Kind: EventDisconnected, ReasonCode: d.ReasonCode})
			},
		},
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	s.cm = cm
	s.started = true

	s.logger.Info("mqtt session started", "broker", brokerURL.String(), "client_id", s.cfg.ClientID)
	return nil
}

// Connected reports whether the broker connection is currently up.
func (s *Session) Connected() bool {
	return s.connected.Load()
}

// Publish submits a message without waiting for delivery. It returns
// a positive message ID, or -1 if the session is not connected. The
// broker's acknowledgment (or the failure) arrives later as an event
// carrying the same ID.
func (s *Session) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) int {
	s.mu.Lock()
	cm := s.cm
	s.mu.Unlock()
	if cm == nil || !s.connected.Load() {
		return -1
	}

	id := int(s.nextID.Add(1))
	msg := &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
		Retain:  retain,
	}

	go func() {
		resp, err := cm.Publish(ctx, msg)
		if err != nil {
			s.emit(Event{Kind: EventError, MsgID: id, Err: fmt.Errorf("publish to %s: %w", topic, err)})
			return
		}
		ev := Event{Kind: EventPublished, MsgID: id}
		if resp != nil {
			ev.ReasonCode = resp.ReasonCode
		}
		s.emit(ev)
	}()
	return id
}

// AwaitConnection blocks until the broker connection is established
// or ctx expires.
func (s *Session) AwaitConnection(ctx context.Context) error {
	s.mu.Lock()
	cm := s.cm
	s.mu.Unlock()
	if cm == nil {
		return ErrNotConnected
	}
	return cm.AwaitConnection(ctx)
}

// Stop disconnects from the broker. The provided context controls how
// long to wait for the disconnect to complete.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	cm := s.cm
	s.mu.Unlock()
	if cm == nil {
		return nil
	}
	s.connected.Store(false)
	if err := cm.Disconnect(ctx); err != nil {
		return fmt.Errorf("mqtt disconnect: %w", err)
	}
	return nil
}

// emit delivers ev to the handler and the bus.
func (s *Session) emit(ev Event) {
	if s.cfg.Handler != nil {
		s.cfg.Handler(ev)
	}

	var kind string
	data := map[string]any{}
	switch ev.Kind {
	case EventConnected:
		kind = events.KindConnected
	case EventDisconnected:
		kind = events.KindDisconnected
		data["reason_code"] = ev.ReasonCode
	case EventPublished:
		kind = events.KindPublishAcked
		data["msg_id"] = ev.MsgID
	case EventError:
		kind = events.KindError
		data["msg_id"] = ev.MsgID
	default:
		return
	}
	if ev.Err != nil {
		data["error"] = ev.Err.Error()
	}
	s.cfg.Bus.Emit(events.SourceSession, kind, data)
}
