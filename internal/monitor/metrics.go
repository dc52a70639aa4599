package monitor

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/nugget/asgard/internal/buildinfo"
	"github.com/nugget/asgard/internal/events"
)

// Metrics turns bus events into Prometheus series. It owns a private
// registry so tests and multiple instances never collide on the
// global one.
type Metrics struct {
	registry *prometheus.Registry

	connectAttempts prometheus.Counter
	linkDowns       prometheus.Counter
	stationUp       prometheus.Gauge
	resolved        *prometheus.CounterVec

	submitted    prometheus.Counter
	notSubmitted prometheus.Counter
	acked        prometheus.Counter
	failed       prometheus.Counter
	sessionUp    prometheus.Gauge
	sessionDrops prometheus.Counter
}

// NewMetrics creates and registers the collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "asgard_station_connect_attempts_total",
			Help: "Wi-Fi connect requests issued to the interface driver.",
		}),
		linkDowns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "asgard_station_disconnects_total",
			Help: "Wi-Fi disconnection events.",
		}),
		stationUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "asgard_station_connected",
			Help: "1 while the station holds an address.",
		}),
		resolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "asgard_station_resolved_total",
			Help: "Startup connection outcomes by result.",
		}, []string{"result"}),
		submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "asgard_mqtt_publishes_submitted_total",
			Help: "Messages handed to the broker session.",
		}),
		notSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "asgard_mqtt_publishes_rejected_total",
			Help: "Messages the session refused because it was not connected.",
		}),
		acked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "asgard_mqtt_publishes_acked_total",
			Help: "Messages acknowledged by the broker.",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "asgard_mqtt_errors_total",
			Help: "Connect and publish errors reported by the session.",
		}),
		sessionUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "asgard_mqtt_connected",
			Help: "1 while the broker session is connected.",
		}),
		sessionDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "asgard_mqtt_disconnects_total",
			Help: "Broker connection losses.",
		}),
	}

	buildInfo := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "asgard_build_info",
		Help:        "Build metadata; always 1.",
		ConstLabels: prometheus.Labels{"version": buildinfo.Version, "commit": buildinfo.GitCommit},
	})
	buildInfo.Set(1)

	m.registry.MustRegister(
		m.connectAttempts,
		m.linkDowns,
		m.stationUp,
		m.resolved,
		m.submitted,
		m.notSubmitted,
		m.acked,
		m.failed,
		m.sessionUp,
		m.sessionDrops,
		buildInfo,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry backing /metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Observe updates the series for one event.
func (m *Metrics) Observe(e events.Event) {
	switch e.Source {
	case events.SourceStation:
		switch e.Kind {
		case events.KindConnectAttempt:
			m.connectAttempts.Inc()
		case events.KindLinkDown:
			m.linkDowns.Inc()
			m.stationUp.Set(0)
		case events.KindAddressAcquired:
			m.stationUp.Set(1)
		case events.KindResolved:
			if r, ok := e.Data["result"].(string); ok {
				m.resolved.WithLabelValues(r).Inc()
			}
		}

	case events.SourcePublisher:
		if e.Kind != events.KindPublishSubmitted {
			return
		}
		if id, ok := e.Data["msg_id"].(int); ok && id < 0 {
			m.notSubmitted.Inc()
		} else {
			m.submitted.Inc()
		}

	case events.SourceSession:
		switch e.Kind {
		case events.KindConnected:
			m.sessionUp.Set(1)
		case events.KindDisconnected:
			m.sessionUp.Set(0)
			m.sessionDrops.Inc()
		case events.KindPublishAcked:
			m.acked.Inc()
		case events.KindError:
			m.failed.Inc()
		}
	}
}

// Follow subscribes to bus and feeds its events into Observe until ctx
// is cancelled. The subscription exists when Follow returns, so no
// event published afterwards is missed. The returned channel closes
// once the subscription has been released.
func (m *Metrics) Follow(ctx context.Context, bus *events.Bus) <-chan struct{} {
	ch := bus.Subscribe(256)
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer bus.Unsubscribe(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-ch:
				if !ok {
					return
				}
				m.Observe(e)
			}
		}
	}()
	return done
}
