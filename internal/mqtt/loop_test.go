package mqtt

import (
	"context"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/nugget/asgard/internal/events"
)

type published struct {
	topic   string
	payload string
	qos     byte
	retain  bool
	at      time.Time
}

// fakePublisher records submissions and returns sequential IDs, or
// -1 while offline is set.
type fakePublisher struct {
	mu      sync.Mutex
	msgs    []published
	offline bool
}

func (f *fakePublisher) Publish(_ context.Context, topic string, payload []byte, qos byte, retain bool) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, published{topic, string(payload), qos, retain, time.Now()})
	if f.offline {
		return -1
	}
	return len(f.msgs)
}

func (f *fakePublisher) snapshot() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.msgs...)
}

func testLoopConfig(interval time.Duration) LoopConfig {
	return LoopConfig{
		Topic:    "asgard/",
		Greeting: "Ola do ESP32",
		QoS:      1,
		Interval: interval,
	}
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPayload(t *testing.T) {
	t.Parallel()
	if got := Payload("Ola do ESP32", 7); got != "Ola do ESP32! Contagem: 7" {
		t.Errorf("Payload() = %q", got)
	}
}

func TestLoop_StepCountsFromZero(t *testing.T) {
	t.Parallel()
	pub := &fakePublisher{}
	l := NewLoop(pub, testLoopConfig(time.Second), discard(), nil)

	for i := 0; i < 3; i++ {
		if id := l.Step(t.Context()); id != i+1 {
			t.Errorf("Step() id = %d, want %d", id, i+1)
		}
	}

	msgs := pub.snapshot()
	want := []string{"Ola do ESP32! Contagem: 0", "Ola do ESP32! Contagem: 1", "Ola do ESP32! Contagem: 2"}
	for i, w := range want {
		if msgs[i].payload != w {
			t.Errorf("payload[%d] = %q, want %q", i, msgs[i].payload, w)
		}
		if msgs[i].topic != "asgard/" || msgs[i].qos != 1 || msgs[i].retain {
			t.Errorf("msg[%d] = %+v, want topic asgard/ qos 1 not retained", i, msgs[i])
		}
	}
	if l.Count() != 3 {
		t.Errorf("Count() = %d, want 3", l.Count())
	}
}

func TestLoop_FailedSubmitStillCounts(t *testing.T) {
	t.Parallel()
	pub := &fakePublisher{offline: true}
	bus := events.New()
	ch := bus.Subscribe(4)
	l := NewLoop(pub, testLoopConfig(time.Second), discard(), bus)

	if id := l.Step(t.Context()); id != -1 {
		t.Errorf("Step() id = %d, want -1", id)
	}
	pub.mu.Lock()
	pub.offline = false
	pub.mu.Unlock()
	l.Step(t.Context())

	msgs := pub.snapshot()
	if msgs[1].payload != "Ola do ESP32! Contagem: 1" {
		t.Errorf("second payload = %q, want counter 1 after a failed submit", msgs[1].payload)
	}

	e := <-ch
	if e.Source != events.SourcePublisher || e.Kind != events.KindPublishSubmitted || e.Data["msg_id"] != -1 {
		t.Errorf("first event = %+v", e)
	}
}

func TestLoop_CounterWraps(t *testing.T) {
	t.Parallel()
	pub := &fakePublisher{}
	l := NewLoop(pub, testLoopConfig(time.Second), discard(), nil)
	l.count = math.MaxInt32

	l.Step(t.Context())
	l.Step(t.Context())

	msgs := pub.snapshot()
	if msgs[0].payload != "Ola do ESP32! Contagem: 2147483647" {
		t.Errorf("payload = %q", msgs[0].payload)
	}
	if msgs[1].payload != "Ola do ESP32! Contagem: -2147483648" {
		t.Errorf("payload after wrap = %q", msgs[1].payload)
	}
}

func TestLoop_RunSpacesIterations(t *testing.T) {
	t.Parallel()
	pub := &fakePublisher{}
	interval := 30 * time.Millisecond
	l := NewLoop(pub, testLoopConfig(interval), discard(), nil)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for len(pub.snapshot()) < 3 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for 3 iterations")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != context.Canceled {
		t.Errorf("Run() = %v, want context.Canceled", err)
	}

	msgs := pub.snapshot()
	for i := 0; i < 3; i++ {
		if want := Payload("Ola do ESP32", int32(i)); msgs[i].payload != want {
			t.Errorf("payload[%d] = %q, want %q", i, msgs[i].payload, want)
		}
	}
	for i := 1; i < 3; i++ {
		if gap := msgs[i].at.Sub(msgs[i-1].at); gap < interval {
			t.Errorf("gap between %d and %d = %v, want >= %v", i-1, i, gap, interval)
		}
	}
}

func TestLoop_RunStopsOnCancelledContext(t *testing.T) {
	t.Parallel()
	pub := &fakePublisher{}
	l := NewLoop(pub, testLoopConfig(time.Hour), discard(), nil)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	if err := l.Run(ctx); err != context.Canceled {
		t.Errorf("Run() = %v, want context.Canceled", err)
	}
	if n := len(pub.snapshot()); n != 1 {
		t.Errorf("iterations = %d, want 1", n)
	}
}
