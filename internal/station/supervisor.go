// Package station supervises a Wi-Fi station interface: it configures
// and starts a [Driver], turns its lifecycle events into connect
// attempts under a bounded [RetryPolicy], and resolves exactly once to
// success (an address was acquired) or failure (the retry budget ran
// out).
//
// Events are handled by a single dispatcher goroutine. [Supervisor.HandleEvent]
// is the pure state transition and returns an [Outcome]; the
// dispatcher executes it. Startup code blocks on [Supervisor.Wait].
package station

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/nugget/asgard/internal/events"
)

// ErrNotInitialized is returned by Wait before Initialize was called.
var ErrNotInitialized = errors.New("station: supervisor not initialized")

// State is the station connection state.
type State int

// Connection states.
const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Result is the one-shot startup outcome.
type Result int

// Possible outcomes. ResultUnknown is only returned alongside an error.
const (
	ResultUnknown Result = iota
	ResultSuccess
	ResultFailure
)

func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// Action is what the dispatcher must do after an event.
type Action int

// Dispatcher actions.
const (
	ActionNone Action = iota
	ActionConnect
	ActionResolve
)

// Outcome is the result of handling one event.
type Outcome struct {
	Action Action
	// Delay precedes a connect attempt.
	Delay time.Duration
	// Result is set for ActionResolve.
	Result Result
}

// Status is a point-in-time snapshot of the supervisor, suitable for
// JSON serialization in health endpoints.
type Status struct {
	SSID     string `json:"ssid"`
	State    string `json:"state"`
	Retries  int    `json:"retries"`
	Attempts int    `json:"attempts"`
	Address  string `json:"address,omitempty"`
	Result   string `json:"result,omitempty"`
}

// Options configures a [Supervisor]. The zero value is usable.
type Options struct {
	// Policy paces and bounds reconnects. Defaults to FixedBudget{Max: 10}.
	Policy RetryPolicy
	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
	// Bus receives lifecycle events. Optional.
	Bus *events.Bus
}

// Supervisor brings a station interface up and signals the outcome.
type Supervisor struct {
	driver Driver
	creds  Credentials
	policy RetryPolicy
	logger *slog.Logger
	bus    *events.Bus

	queue chan Event

	once   sync.Once
	done   chan struct{}
	result Result

	mu          sync.Mutex
	initialized bool
	starting    bool
	state       State
	retries     int
	attempts    int
	addr        netip.Addr
}

// NewSupervisor creates a supervisor for driver. Nothing happens until
// [Supervisor.Initialize] is called.
func NewSupervisor(driver Driver, creds Credentials, opts Options) *Supervisor {
	if opts.Policy == nil {
		opts.Policy = FixedBudget{Max: 10}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Supervisor{
		driver: driver,
		creds:  creds,
		policy: opts.Policy,
		logger: opts.Logger,
		bus:    opts.Bus,
		queue:  make(chan Event, 16),
		done:   make(chan struct{}),
	}
}

// Initialize configures the driver with the join parameters, starts
// the event dispatcher and starts the interface. Connection attempts
// proceed asynchronously; use [Supervisor.Wait] for the outcome. If
// Initialize fails the supervisor stays uninitialized and may be
// initialized again.
func (s *Supervisor) Initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.initialized || s.starting {
		s.mu.Unlock()
		return fmt.Errorf("station: already initialized")
	}
	s.starting = true
	s.mu.Unlock()

	if err := s.start(ctx); err != nil {
		s.mu.Lock()
		s.starting = false
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.starting = false
	s.initialized = true
	s.mu.Unlock()
	s.logger.Info("station initialized", "ssid", s.creds.SSID, "min_auth", s.creds.MinAuth.String())
	return nil
}

// start brings the driver up. The dispatcher runs on a child of ctx
// that is cancelled again if the driver fails to start.
func (s *Supervisor) start(ctx context.Context) error {
	if err := s.creds.Validate(); err != nil {
		return fmt.Errorf("station credentials: %w", err)
	}
	if err := s.driver.Configure(s.creds); err != nil {
		return fmt.Errorf("configure interface: %w", err)
	}

	dctx, cancel := context.WithCancel(ctx)
	started := false
	defer func() {
		if !started {
			cancel()
		}
	}()

	go s.dispatch(dctx)

	enqueue := func(ev Event) {
		select {
		case s.queue <- ev:
		case <-dctx.Done():
		}
	}
	if err := s.driver.Start(dctx, enqueue); err != nil {
		return fmt.Errorf("start interface: %w", err)
	}
	started = true
	return nil
}

// Wait blocks until the supervisor resolves or ctx ends. A context
// without deadline waits forever.
func (s *Supervisor) Wait(ctx context.Context) (Result, error) {
	s.mu.Lock()
	initialized := s.initialized
	s.mu.Unlock()
	if !initialized {
		return ResultUnknown, ErrNotInitialized
	}

	select {
	case <-s.done:
		return s.result, nil
	case <-ctx.Done():
		return ResultUnknown, ctx.Err()
	}
}

// Status returns the current snapshot.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		SSID:     s.creds.SSID,
		State:    s.state.String(),
		Retries:  s.retries,
		Attempts: s.attempts,
	}
	if s.addr.IsValid() {
		st.Address = s.addr.String()
	}
	select {
	case <-s.done:
		st.Result = s.result.String()
	default:
	}
	return st
}

// HandleEvent applies one driver event to the connection state and
// returns what the dispatcher must do next. It never blocks and never
// calls the driver.
func (s *Supervisor) HandleEvent(ev Event) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev.Kind {
	case EventStarted:
		s.state = StateConnecting
		s.bus.Emit(events.SourceStation, events.KindInterfaceStarted, nil)
		return Outcome{Action: ActionConnect}

	case EventDisconnected:
		s.bus.Emit(events.SourceStation, events.KindLinkDown, map[string]any{
			"retries": s.retries,
			"reason":  ev.Reason,
		})
		delay, ok := s.policy.Next(s.retries)
		if !ok {
			s.state = StateFailed
			s.logger.Info("wifi connection failed, retry budget exhausted",
				"ssid", s.creds.SSID,
				"retries", s.retries,
				"reason", ev.Reason,
			)
			return Outcome{Action: ActionResolve, Result: ResultFailure}
		}
		s.retries++
		s.state = StateConnecting
		s.logger.Info("wifi disconnected, retrying",
			"ssid", s.creds.SSID,
			"retry", s.retries,
			"delay", delay.String(),
			"reason", ev.Reason,
		)
		return Outcome{Action: ActionConnect, Delay: delay}

	case EventGotAddress:
		s.retries = 0
		s.state = StateConnected
		s.addr = ev.Addr
		s.logger.Info("address acquired", "ssid", s.creds.SSID, "addr", ev.Addr.String())
		s.bus.Emit(events.SourceStation, events.KindAddressAcquired, map[string]any{
			"addr": ev.Addr.String(),
		})
		return Outcome{Action: ActionResolve, Result: ResultSuccess}

	default:
		s.logger.Debug("ignoring unknown station event", "kind", ev.Kind.String())
		return Outcome{}
	}
}

// dispatch is the only goroutine that mutates connection state.
func (s *Supervisor) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.queue:
			s.apply(ctx, s.HandleEvent(ev))
		}
	}
}

// apply executes an outcome. A connect request the driver rejects
// counts as a disconnection, so the retry budget still bounds it.
func (s *Supervisor) apply(ctx context.Context, out Outcome) {
	for {
		switch out.Action {
		case ActionNone:
			return

		case ActionResolve:
			s.resolve(out.Result)
			return

		case ActionConnect:
			if !sleepCtx(ctx, out.Delay) {
				return
			}
			s.mu.Lock()
			s.attempts++
			attempt, retries := s.attempts, s.retries
			s.mu.Unlock()

			s.bus.Emit(events.SourceStation, events.KindConnectAttempt, map[string]any{
				"attempt":  attempt,
				"retries":  retries,
				"delay_ms": out.Delay.Milliseconds(),
			})
			s.logger.Debug("connect attempt", "attempt", attempt)

			err := s.driver.Connect()
			if err == nil {
				return
			}
			s.logger.Warn("connect request rejected", "attempt", attempt, "error", err)
			out = s.HandleEvent(Event{Kind: EventDisconnected, Reason: err.Error()})
		}
	}
}

// resolve fires the one-shot outcome. Later calls are no-ops.
func (s *Supervisor) resolve(r Result) {
	fired := false
	s.once.Do(func() {
		s.result = r
		s.bus.Emit(events.SourceStation, events.KindResolved, map[string]any{"result": r.String()})
		close(s.done)
		fired = true
	})
	if !fired {
		s.logger.Debug("station already resolved", "ignored", r.String())
	}
}
