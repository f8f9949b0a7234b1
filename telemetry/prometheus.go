package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsConfig configures the Prometheus event logger.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "castchannel").
	Namespace string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// MetricsOption configures the Prometheus event logger.
type MetricsOption func(*MetricsConfig)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Namespace = namespace
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) {
		c.ConstLabels = labels
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) MetricsOption {
	return func(c *MetricsConfig) {
		c.Registry = registry
	}
}

// Prometheus counts channel events.
type Prometheus struct {
	eventsTotal       *prometheus.CounterVec
	bytesRead         prometheus.Counter
	bytesWritten      prometheus.Counter
	channelErrors     *prometheus.CounterVec
	openChannels      prometheus.Gauge
	connectTimeouts   prometheus.Counter
	heartbeatTimeouts prometheus.Counter
}

// NewPrometheus registers the channel metrics and returns a Logger that
// updates them.
func NewPrometheus(opts ...MetricsOption) *Prometheus {
	config := MetricsConfig{
		Namespace: "castchannel",
		Registry:  prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(&config)
	}
	factory := promauto.With(config.Registry)

	return &Prometheus{
		eventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "events_total",
			Help:        "Total number of channel events by type",
			ConstLabels: config.ConstLabels,
		}, []string{"event"}),

		bytesRead: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "read_bytes_total",
			Help:        "Wire bytes of messages read from receivers",
			ConstLabels: config.ConstLabels,
		}),

		bytesWritten: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "written_bytes_total",
			Help:        "Wire bytes of messages written to receivers",
			ConstLabels: config.ConstLabels,
		}),

		channelErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "channel_errors_total",
			Help:        "Terminal channel errors by error code",
			ConstLabels: config.ConstLabels,
		}, []string{"error"}),

		openChannels: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Name:        "open_channels",
			Help:        "Number of channels currently in the OPEN ready state",
			ConstLabels: config.ConstLabels,
		}),

		connectTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "connect_timeouts_total",
			Help:        "Connect attempts that hit the connect timer",
			ConstLabels: config.ConstLabels,
		}),

		heartbeatTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "ping_timeouts_total",
			Help:        "Channels closed because the receiver stopped answering heartbeats",
			ConstLabels: config.ConstLabels,
		}),
	}
}

func (p *Prometheus) LogEvent(_ int, ev Event) {
	p.eventsTotal.WithLabelValues(ev.Type.String()).Inc()

	switch ev.Type {
	case EventMessageRead:
		p.bytesRead.Add(float64(ev.Bytes))
	case EventMessageWritten:
		p.bytesWritten.Add(float64(ev.Bytes))
	case EventErrorStateChanged:
		p.channelErrors.WithLabelValues(ev.State).Inc()
	case EventConnectTimeout:
		p.connectTimeouts.Inc()
	case EventPingTimeout:
		p.heartbeatTimeouts.Inc()
	case EventReadyStateChanged:
		if ev.State == "OPEN" {
			p.openChannels.Inc()
		}
		if ev.Previous == "OPEN" {
			p.openChannels.Dec()
		}
	}
}
