package metric

import "github.com/prometheus/client_golang/prometheus"

// Core holds platform-level transport metrics shared across components.
// Component-specific collectors are registered separately through the
// Registry.
type Core struct {
	// Gateway and socket metrics
	SocketsActive     prometheus.Gauge
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	UpgradesRejected  *prometheus.CounterVec

	// Distribution metrics
	DispatchTotal      *prometheus.CounterVec
	DispatchRecipients prometheus.Counter
	DispatchDuration   *prometheus.HistogramVec
	PrunedRecipients   prometheus.Counter

	// Broker metrics
	BrokerConnected prometheus.Gauge
	BrokerErrors    *prometheus.CounterVec

	ErrorsTotal *prometheus.CounterVec
}

// NewCore creates the core transport metrics.
func NewCore() *Core {
	return &Core{
		SocketsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sockmux",
			Subsystem: "gateway",
			Name:      "sockets_active",
			Help:      "Number of physical sockets currently open",
		}),
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sockmux",
			Subsystem: "transmitter",
			Name:      "connections_active",
			Help:      "Number of virtual connections currently registered",
		}),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sockmux",
			Subsystem: "transmitter",
			Name:      "connections_total",
			Help:      "Total virtual connections registered since startup",
		}),
		UpgradesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sockmux",
			Subsystem: "gateway",
			Name:      "upgrades_rejected_total",
			Help:      "HTTP upgrade requests refused before a socket was created",
		}, []string{"reason"}),

		DispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sockmux",
			Subsystem: "transmitter",
			Name:      "dispatch_total",
			Help:      "Dispatch operations by target kind",
		}, []string{"target"}),
		DispatchRecipients: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sockmux",
			Subsystem: "transmitter",
			Name:      "dispatch_recipients_total",
			Help:      "Connections reached by local dispatch",
		}),
		DispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sockmux",
			Subsystem: "transmitter",
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent dispatching a job",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}, []string{"target"}),
		PrunedRecipients: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sockmux",
			Subsystem: "transmitter",
			Name:      "pruned_recipients_total",
			Help:      "Recipients dropped from indices after transport write failures",
		}),

		BrokerConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sockmux",
			Subsystem: "broker",
			Name:      "connected",
			Help:      "Whether the cluster broker transport is connected (0/1)",
		}),
		BrokerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sockmux",
			Subsystem: "broker",
			Name:      "errors_total",
			Help:      "Cluster broker errors by operation",
		}, []string{"operation"}),

		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sockmux",
			Subsystem: "platform",
			Name:      "errors_total",
			Help:      "Errors by component and class",
		}, []string{"component", "class"}),
	}
}

// register adds all core metrics to the given Prometheus registry.
func (c *Core) register(reg *prometheus.Registry) {
	reg.MustRegister(
		c.SocketsActive,
		c.ConnectionsActive,
		c.ConnectionsTotal,
		c.UpgradesRejected,
		c.DispatchTotal,
		c.DispatchRecipients,
		c.DispatchDuration,
		c.PrunedRecipients,
		c.BrokerConnected,
		c.BrokerErrors,
		c.ErrorsTotal,
	)
}
