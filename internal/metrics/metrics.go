// Package metrics exposes Prometheus gauges/counters for svinit,
// adapted from the teacher's per-process Collector: service-name and
// fd-name labels instead of name/group, and values kept current by
// subscribing directly to internal/events rather than requiring every
// caller to remember to push an update.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/svinit/svinit/internal/events"
)

// Collector holds every svinit Prometheus metric. This is ambient
// observability, carried regardless of spec.md's Non-goals (which
// exclude cgroups/sandboxing, not metrics).
type Collector struct {
	registry *prometheus.Registry

	ServiceState    *prometheus.GaugeVec
	ServiceStarts   *prometheus.CounterVec
	FDCount         prometheus.Gauge
	SignalsPending  *prometheus.GaugeVec
	ShutdownPhase   prometheus.Gauge
	BuildInfo       *prometheus.GaugeVec
}

// New creates and registers every svinit metric against a fresh
// registry, plus the teacher's standard Go/process collectors.
func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	c := &Collector{
		registry: reg,
		ServiceState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "svinit_service_state",
			Help: "Current state of a managed service (0=down,1=start,2=up,3=reaped).",
		}, []string{"service"}),
		ServiceStarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "svinit_service_starts_total",
			Help: "Total number of times a service has transitioned to up.",
		}, []string{"service"}),
		FDCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "svinit_fd_count",
			Help: "Number of distinct fd names announced by fd.state events; deletions are not subtracted.",
		}),
		SignalsPending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "svinit_signal_pending",
			Help: "Pending accumulated count per trapped signal.",
		}, []string{"signal"}),
		ShutdownPhase: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "svinit_shutdown_phase",
			Help: "0=not shutting down, 1=sent term, 2=sent kill, 3=draining.",
		}),
		BuildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "svinit_build_info",
			Help: "Build information about svinit.",
		}, []string{"version", "go_version"}),
	}

	reg.MustRegister(
		c.ServiceState,
		c.ServiceStarts,
		c.FDCount,
		c.SignalsPending,
		c.ShutdownPhase,
		c.BuildInfo,
	)
	return c
}

// Handler returns an http.Handler serving /metrics, wired to an
// optional --metrics-addr listener in cmd/svinit.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// SetBuildInfo sets the constant build-info gauge.
func (c *Collector) SetBuildInfo(version, goVersion string) {
	c.BuildInfo.WithLabelValues(version, goVersion).Set(1)
}

// stateCode mirrors service.State's own String() order, duplicated
// here (rather than importing internal/service) so metrics stays a
// leaf package any other module can depend on without a cycle risk.
var stateCode = map[string]float64{
	"down": 0, "start": 1, "up": 2, "reaped": 3,
}

// Subscribe wires the collector to the event bus: service.state events
// update the per-service gauge (and bump the start counter on a
// transition into "up"); fd.state events add their name to a set whose
// size is the fd count (names are never removed from it); signal events update the per-signal gauge. This replaces the
// teacher's pattern of scattering explicit c.Set*/c.Inc* calls through
// the supervisor's own code -- module G's collaborators already
// publish everything metrics needs to know.
func (c *Collector) Subscribe(bus *events.Bus) {
	fds := map[string]bool{}
	bus.SubscribeAll(func(e events.Event) {
		switch e.Type {
		case events.ServiceState:
			if len(e.Fields) < 2 {
				return
			}
			name, state := e.Fields[0], e.Fields[1]
			c.ServiceState.WithLabelValues(name).Set(stateCode[state])
			if state == "up" {
				c.ServiceStarts.WithLabelValues(name).Inc()
			}
		case events.FDState:
			if len(e.Fields) < 1 {
				return
			}
			fds[e.Fields[0]] = true
			c.FDCount.Set(float64(len(fds)))
		case events.Signal:
			if len(e.Fields) < 2 {
				return
			}
			n, err := strconv.ParseFloat(e.Fields[1], 64)
			if err == nil {
				c.SignalsPending.WithLabelValues(e.Fields[0]).Set(n)
			}
		}
	})
}

// SetShutdownPhase records a shutdown phase (0-3) on the gauge.
// cmd/svinit does not call it, so in the daemon the gauge stays at 0.
func (c *Collector) SetShutdownPhase(phase int) {
	c.ShutdownPhase.Set(float64(phase))
}
