package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/asgard/internal/events"
)

// Publisher submits messages. [Session] implements it.
type Publisher interface {
	// Publish returns a message ID, negative on immediate failure.
	Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) int
}

// LoopConfig holds the fixed publish parameters.
type LoopConfig struct {
	Topic    string
	Greeting string
	QoS      byte
	Retain   bool
	Interval time.Duration
}

// Loop publishes a counter message on a fixed interval.
type Loop struct {
	pub    Publisher
	cfg    LoopConfig
	logger *slog.Logger
	bus    *events.Bus

	mu    sync.Mutex
	count int32
}

// NewLoop creates a publish loop. The counter starts at 0.
func NewLoop(pub Publisher, cfg LoopConfig, logger *slog.Logger, bus *events.Bus) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{pub: pub, cfg: cfg, logger: logger, bus: bus}
}

// Payload formats the message for counter value n.
func Payload(greeting string, n int32) string {
	return fmt.Sprintf("%s! Contagem: %d", greeting, n)
}

// Step runs one iteration without sleeping: format with the current
// counter, increment, submit, log. It returns the message ID. The
// counter wraps at the int32 bound.
func (l *Loop) Step(ctx context.Context) int {
	l.mu.Lock()
	n := l.count
	l.count++
	l.mu.Unlock()

	payload := Payload(l.cfg.Greeting, n)
	id := l.pub.Publish(ctx, l.cfg.Topic, []byte(payload), l.cfg.QoS, l.cfg.Retain)

	if id < 0 {
		l.logger.Warn("mqtt publish not submitted", "topic", l.cfg.Topic, "count", n, "msg_id", id)
	} else {
		l.logger.Info("mqtt publish submitted", "topic", l.cfg.Topic, "count", n, "msg_id", id)
	}
	l.bus.Emit(events.SourcePublisher, events.KindPublishSubmitted, map[string]any{
		"msg_id": id,
		"count":  n,
		"topic":  l.cfg.Topic,
	})
	return id
}

// Run calls Step, then sleeps the interval, until ctx is cancelled.
// Publish failures never stop it.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("publish loop started",
		"topic", l.cfg.Topic,
		"interval", l.cfg.Interval.String(),
		"qos", l.cfg.QoS,
	)
	for {
		l.Step(ctx)
		if !sleepCtx(ctx, l.cfg.Interval) {
			l.logger.Info("publish loop stopped", "published", l.Count())
			return ctx.Err()
		}
	}
}

// Count returns the current counter value, the number of iterations
// so far modulo 2^32.
func (l *Loop) Count() int32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
