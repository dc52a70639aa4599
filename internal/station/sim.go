package station

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"
)

// SimDriver is an in-process interface that needs no radio. Each
// Connect produces exactly one event after Latency: a disconnection
// for the first Failures attempts, an address afterwards.
type SimDriver struct {
	// Failures is the number of connect attempts that fail before one
	// succeeds. Negative fails every attempt.
	Failures int
	// Addr is reported on success (default 192.168.4.2).
	Addr netip.Addr
	// Latency delays each event to mimic association time.
	Latency time.Duration

	mu         sync.Mutex
	creds      Credentials
	configured bool
	ctx        context.Context
	handler    func(Event)
	attempts   int
	wg         sync.WaitGroup
}

// NewSimDriver returns a simulated driver that fails the first
// failures attempts.
func NewSimDriver(failures int) *SimDriver {
	return &SimDriver{
		Failures: failures,
		Addr:     netip.AddrFrom4([4]byte{192, 168, 4, 2}),
	}
}

// Configure implements [Driver].
func (d *SimDriver) Configure(creds Credentials) error {
	if err := creds.Validate(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.creds = creds
	d.configured = true
	return nil
}

// Start implements [Driver].
func (d *SimDriver) Start(ctx context.Context, handler func(Event)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.configured {
		return fmt.Errorf("sim: start before configure")
	}
	if d.handler != nil {
		return fmt.Errorf("sim: already started")
	}
	d.ctx = ctx
	d.handler = handler
	d.emit(Event{Kind: EventStarted})
	return nil
}

// Connect implements [Driver].
func (d *SimDriver) Connect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handler == nil {
		return fmt.Errorf("sim: connect before start")
	}
	d.attempts++
	if d.Failures < 0 || d.attempts <= d.Failures {
		d.emit(Event{Kind: EventDisconnected, Reason: "no ap found"})
		return nil
	}
	d.emit(Event{Kind: EventGotAddress, Addr: d.Addr})
	return nil
}

// Attempts returns the number of Connect calls so far.
func (d *SimDriver) Attempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

// Close implements [Driver]. It waits for pending events to be delivered.
func (d *SimDriver) Close() error {
	d.wg.Wait()
	return nil
}

// emit delivers ev on its own goroutine, like a radio callback. Must
// be called with d.mu held.
func (d *SimDriver) emit(ev Event) {
	ctx, handler, latency := d.ctx, d.handler, d.Latency
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if !sleepCtx(ctx, latency) {
			return
		}
		handler(ev)
	}()
}
