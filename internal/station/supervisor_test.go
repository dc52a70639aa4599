package station

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/nugget/asgard/internal/events"
)

func testCreds() Credentials {
	return Credentials{SSID: "redeteste", Passphrase: "teste@#2571", MinAuth: AuthWPA2PSK}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSupervisor(d Driver, policy RetryPolicy, bus *events.Bus) *Supervisor {
	return NewSupervisor(d, testCreds(), Options{Policy: policy, Logger: quietLogger(), Bus: bus})
}

// waitResult initializes s and waits up to two seconds for the outcome.
func waitResult(t *testing.T, s *Supervisor) Result {
	t.Helper()
	ctx, cancel := context.WithCancel(t.Context())
	t.Cleanup(cancel)

	if err := s.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}
	wctx, wcancel := context.WithTimeout(ctx, 2*time.Second)
	defer wcancel()
	r, err := s.Wait(wctx)
	if err != nil {
		t.Fatalf("Wait() error: %v", err)
	}
	return r
}

func TestHandleEvent_StartedRequestsConnect(t *testing.T) {
	t.Parallel()
	s := newTestSupervisor(nil, nil, nil)

	out := s.HandleEvent(Event{Kind: EventStarted})
	if out.Action != ActionConnect || out.Delay != 0 {
		t.Errorf("Outcome = %+v, want immediate connect", out)
	}
	if got := s.Status().State; got != "connecting" {
		t.Errorf("State = %q, want connecting", got)
	}
}

func TestHandleEvent_RetryIncrementsByOne(t *testing.T) {
	t.Parallel()
	s := newTestSupervisor(nil, FixedBudget{Max: 10}, nil)
	s.HandleEvent(Event{Kind: EventStarted})

	for want := 1; want <= 10; want++ {
		out := s.HandleEvent(Event{Kind: EventDisconnected})
		if out.Action != ActionConnect {
			t.Fatalf("disconnect %d: Action = %v, want connect", want, out.Action)
		}
		if got := s.Status().Retries; got != want {
			t.Fatalf("disconnect %d: Retries = %d, want %d", want, got, want)
		}
	}

	out := s.HandleEvent(Event{Kind: EventDisconnected})
	if out.Action != ActionResolve || out.Result != ResultFailure {
		t.Errorf("11th disconnect Outcome = %+v, want resolve failure", out)
	}
	if got := s.Status().Retries; got != 10 {
		t.Errorf("Retries after exhaustion = %d, want 10", got)
	}
	if got := s.Status().State; got != "failed" {
		t.Errorf("State = %q, want failed", got)
	}
}

func TestHandleEvent_AddressResetsRetries(t *testing.T) {
	t.Parallel()
	s := newTestSupervisor(nil, nil, nil)
	s.HandleEvent(Event{Kind: EventStarted})
	s.HandleEvent(Event{Kind: EventDisconnected})
	s.HandleEvent(Event{Kind: EventDisconnected})

	addr := netip.MustParseAddr("10.0.0.7")
	out := s.HandleEvent(Event{Kind: EventGotAddress, Addr: addr})
	if out.Action != ActionResolve || out.Result != ResultSuccess {
		t.Errorf("Outcome = %+v, want resolve success", out)
	}
	st := s.Status()
	if st.Retries != 0 {
		t.Errorf("Retries = %d, want 0", st.Retries)
	}
	if st.Address != "10.0.0.7" || st.State != "connected" {
		t.Errorf("Status = %+v", st)
	}
}

func TestHandleEvent_ZeroBudgetFailsOnFirstDisconnect(t *testing.T) {
	t.Parallel()
	s := newTestSupervisor(nil, FixedBudget{Max: 0}, nil)
	s.HandleEvent(Event{Kind: EventStarted})

	out := s.HandleEvent(Event{Kind: EventDisconnected})
	if out.Action != ActionResolve || out.Result != ResultFailure {
		t.Errorf("Outcome = %+v, want resolve failure", out)
	}
}

func TestHandleEvent_UnknownIgnored(t *testing.T) {
	t.Parallel()
	s := newTestSupervisor(nil, nil, nil)
	if out := s.HandleEvent(Event{Kind: EventKind(99)}); out.Action != ActionNone {
		t.Errorf("Outcome = %+v, want none", out)
	}
}

func TestSupervisor_ImmediateSuccess(t *testing.T) {
	t.Parallel()
	d := NewSimDriver(0)
	s := newTestSupervisor(d, nil, nil)

	if r := waitResult(t, s); r != ResultSuccess {
		t.Fatalf("Result = %v, want success", r)
	}
	d.Close()

	st := s.Status()
	if st.Attempts != 1 || st.Retries != 0 {
		t.Errorf("Status = %+v, want 1 attempt and 0 retries", st)
	}
	if st.Address != "192.168.4.2" {
		t.Errorf("Address = %q", st.Address)
	}
	if st.Result != "success" {
		t.Errorf("Status.Result = %q, want success", st.Result)
	}
}

func TestSupervisor_SuccessAfterFailures(t *testing.T) {
	t.Parallel()
	d := NewSimDriver(3)
	s := newTestSupervisor(d, nil, nil)

	if r := waitResult(t, s); r != ResultSuccess {
		t.Fatalf("Result = %v, want success", r)
	}
	d.Close()

	if got := d.Attempts(); got != 4 {
		t.Errorf("driver attempts = %d, want 4", got)
	}
	if got := s.Status().Retries; got != 0 {
		t.Errorf("Retries = %d, want 0 after success", got)
	}
}

func TestSupervisor_ExhaustsBudget(t *testing.T) {
	t.Parallel()
	d := NewSimDriver(-1)
	bus := events.New()
	ch := bus.Subscribe(64)
	s := newTestSupervisor(d, FixedBudget{Max: 10}, bus)

	if r := waitResult(t, s); r != ResultFailure {
		t.Fatalf("Result = %v, want failure", r)
	}
	d.Close()

	// One initial attempt plus ten retries; nothing after the failure.
	if got := d.Attempts(); got != 11 {
		t.Errorf("driver attempts = %d, want 11", got)
	}
	st := s.Status()
	if st.Attempts != 11 || st.Retries != 10 {
		t.Errorf("Status = %+v, want 11 attempts and 10 retries", st)
	}

	bus.Unsubscribe(ch)
	var attempts, resolved int
	for e := range ch {
		switch e.Kind {
		case events.KindConnectAttempt:
			attempts++
		case events.KindResolved:
			resolved++
			if e.Data["result"] != "failure" {
				t.Errorf("resolved result = %v, want failure", e.Data["result"])
			}
		}
	}
	if attempts != 11 {
		t.Errorf("connect_attempt events = %d, want 11", attempts)
	}
	if resolved != 1 {
		t.Errorf("resolved events = %d, want 1", resolved)
	}
}

func TestSupervisor_ResolvesOnce(t *testing.T) {
	t.Parallel()
	s := newTestSupervisor(nil, nil, nil)
	s.mu.Lock()
	s.initialized = true
	s.mu.Unlock()

	s.resolve(ResultFailure)
	s.resolve(ResultSuccess)

	r, err := s.Wait(t.Context())
	if err != nil {
		t.Fatalf("Wait() error: %v", err)
	}
	if r != ResultFailure {
		t.Errorf("Result = %v, want first resolution (failure)", r)
	}

	// A second waiter sees the same result.
	r2, _ := s.Wait(t.Context())
	if r2 != r {
		t.Errorf("second Wait = %v, want %v", r2, r)
	}
}

func TestSupervisor_LateAddressKeepsFailure(t *testing.T) {
	t.Parallel()
	s := newTestSupervisor(nil, FixedBudget{Max: 0}, nil)
	s.mu.Lock()
	s.initialized = true
	s.mu.Unlock()

	s.HandleEvent(Event{Kind: EventStarted})
	s.apply(t.Context(), s.HandleEvent(Event{Kind: EventDisconnected}))
	s.apply(t.Context(), s.HandleEvent(Event{Kind: EventGotAddress, Addr: netip.MustParseAddr("10.0.0.9")}))

	r, _ := s.Wait(t.Context())
	if r != ResultFailure {
		t.Errorf("Result = %v, want failure", r)
	}
	if st := s.Status(); st.State != "connected" || st.Address != "10.0.0.9" {
		t.Errorf("Status = %+v, want connected with late address", st)
	}
}

func TestSupervisor_WaitTimeout(t *testing.T) {
	t.Parallel()
	d := NewSimDriver(0)
	d.Latency = time.Hour
	s := newTestSupervisor(d, nil, nil)

	ctx, cancel := context.WithCancel(t.Context())
	if err := s.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}

	wctx, wcancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer wcancel()
	r, err := s.Wait(wctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() error = %v, want DeadlineExceeded", err)
	}
	if r != ResultUnknown {
		t.Errorf("Result = %v, want unknown", r)
	}

	cancel()
	d.Close()
}

func TestSupervisor_WaitBeforeInitialize(t *testing.T) {
	t.Parallel()
	s := newTestSupervisor(NewSimDriver(0), nil, nil)
	if _, err := s.Wait(t.Context()); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Wait() error = %v, want ErrNotInitialized", err)
	}
}

func TestSupervisor_InitializeTwice(t *testing.T) {
	t.Parallel()
	d := NewSimDriver(0)
	s := newTestSupervisor(d, nil, nil)
	waitResult(t, s)
	defer d.Close()

	if err := s.Initialize(t.Context()); err == nil {
		t.Error("second Initialize() should fail")
	}
}

func TestSupervisor_InvalidCredentials(t *testing.T) {
	t.Parallel()
	s := NewSupervisor(NewSimDriver(0), Credentials{SSID: "x", Passphrase: "short", MinAuth: AuthWPA2PSK},
		Options{Logger: quietLogger()})
	if err := s.Initialize(t.Context()); err == nil {
		t.Error("Initialize() should reject a 5-character WPA2 passphrase")
	}
}

func TestSupervisor_FailedInitializeStaysUninitialized(t *testing.T) {
	t.Parallel()
	s := NewSupervisor(NewSimDriver(0), Credentials{MinAuth: AuthWPA2PSK, Passphrase: "teste@#2571"},
		Options{Logger: quietLogger()})
	if err := s.Initialize(t.Context()); err == nil {
		t.Fatal("Initialize() should reject an empty SSID")
	}

	ctx, cancel := context.WithTimeout(t.Context(), 300*time.Millisecond)
	defer cancel()
	if _, err := s.Wait(ctx); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Wait() error = %v, want ErrNotInitialized", err)
	}
}

// startFailDriver refuses to start the first failStarts times.
type startFailDriver struct {
	*SimDriver
	mu         sync.Mutex
	failStarts int
}

func (d *startFailDriver) Start(ctx context.Context, handler func(Event)) error {
	d.mu.Lock()
	if d.failStarts > 0 {
		d.failStarts--
		d.mu.Unlock()
		return errors.New("interface down")
	}
	d.mu.Unlock()
	return d.SimDriver.Start(ctx, handler)
}

func TestSupervisor_InitializeRetriesAfterStartFailure(t *testing.T) {
	t.Parallel()
	d := &startFailDriver{SimDriver: NewSimDriver(0), failStarts: 1}
	defer d.Close()
	s := newTestSupervisor(d, nil, nil)

	if err := s.Initialize(t.Context()); err == nil {
		t.Fatal("first Initialize() should fail")
	}
	if _, err := s.Wait(t.Context()); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("Wait() error = %v, want ErrNotInitialized", err)
	}

	if r := waitResult(t, s); r != ResultSuccess {
		t.Errorf("Result = %v, want success after retried Initialize", r)
	}
}

// countingDriver accepts every connect request and reports nothing.
type countingDriver struct {
	mu       sync.Mutex
	connects int
}

func (d *countingDriver) Configure(Credentials) error { return nil }

func (d *countingDriver) Start(context.Context, func(Event)) error { return nil }

func (d *countingDriver) Close() error { return nil }

func (d *countingDriver) Connect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connects++
	return nil
}

func (d *countingDriver) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connects
}

func TestSupervisor_DisconnectAfterFailureIsInert(t *testing.T) {
	t.Parallel()
	d := &countingDriver{}
	bus := events.New()
	ch := bus.Subscribe(64)
	s := newTestSupervisor(d, FixedBudget{Max: 2}, bus)
	s.mu.Lock()
	s.initialized = true
	s.mu.Unlock()

	ctx := t.Context()
	s.apply(ctx, s.HandleEvent(Event{Kind: EventStarted}))
	for range 3 {
		s.apply(ctx, s.HandleEvent(Event{Kind: EventDisconnected}))
	}
	if r, _ := s.Wait(ctx); r != ResultFailure {
		t.Fatalf("Result = %v, want failure", r)
	}
	if got := d.count(); got != 3 {
		t.Fatalf("connects = %d, want 3 before failure", got)
	}

	for range 3 {
		s.apply(ctx, s.HandleEvent(Event{Kind: EventDisconnected, Reason: "late"}))
	}
	if got := d.count(); got != 3 {
		t.Errorf("connects = %d after failure, want still 3", got)
	}
	if st := s.Status(); st.Retries != 2 || st.Result != "failure" {
		t.Errorf("Status = %+v, want 2 retries and failure", st)
	}

	bus.Unsubscribe(ch)
	resolved := 0
	for e := range ch {
		if e.Kind == events.KindResolved {
			resolved++
		}
	}
	if resolved != 1 {
		t.Errorf("resolved events = %d, want 1", resolved)
	}
}

// rejectingDriver refuses every connect request.
type rejectingDriver struct {
	mu       sync.Mutex
	connects int
}

func (d *rejectingDriver) Configure(Credentials) error { return nil }

func (d *rejectingDriver) Start(_ context.Context, handler func(Event)) error {
	go handler(Event{Kind: EventStarted})
	return nil
}

func (d *rejectingDriver) Connect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connects++
	return errors.New("radio busy")
}

func (d *rejectingDriver) Close() error { return nil }

func TestSupervisor_ConnectErrorCountsAsRetry(t *testing.T) {
	t.Parallel()
	d := &rejectingDriver{}
	s := newTestSupervisor(d, FixedBudget{Max: 3}, nil)

	if r := waitResult(t, s); r != ResultFailure {
		t.Fatalf("Result = %v, want failure", r)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.connects != 4 {
		t.Errorf("connects = %d, want 4", d.connects)
	}
}

func TestSupervisor_BackoffDelaysRetries(t *testing.T) {
	t.Parallel()
	d := NewSimDriver(2)
	policy := Backoff{InitialDelay: 10 * time.Millisecond, MaxDelay: 20 * time.Millisecond, Multiplier: 2, MaxRetries: 5}
	s := newTestSupervisor(d, policy, nil)

	start := time.Now()
	if r := waitResult(t, s); r != ResultSuccess {
		t.Fatalf("Result = %v, want success", r)
	}
	d.Close()

	// Two retries: 10ms then 20ms.
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("elapsed = %v, want at least 30ms of backoff", elapsed)
	}
}
