package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "stormgate"

// Collectors gateway metrics, registered on their own registry
type Collectors struct {
	registry *prometheus.Registry

	// Published messages accepted, by ingress
	Published *prometheus.CounterVec
	// Deliveries enqueued to subscribers
	Delivered prometheus.Counter
	// Publishes refused, by reason
	Rejected *prometheus.CounterVec
	// Deliveries discarded under the drop_oldest policy
	Dropped prometheus.Counter
	// Live subscriber connections, by transport
	ActiveConnections *prometheus.GaugeVec
	// Closed subscriber connections, by reason
	ClosedConnections *prometheus.CounterVec
	// Messages exchanged with other gateway instances, by direction
	Relayed *prometheus.CounterVec
}

// GetCollectors define and register the gateway metrics
func GetCollectors() *Collectors {
	c := &Collectors{
		registry: prometheus.NewRegistry(),
		Published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "published_total",
			Help:      "Number of messages accepted for fan-out.",
		}, []string{"ingress"}),
		Delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "delivered_total",
			Help:      "Number of deliveries enqueued to subscribers.",
		}),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "rejected_total",
			Help:      "Number of publishes refused.",
		}, []string{"reason"}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "dropped_total",
			Help:      "Number of queued deliveries discarded to make room.",
		}),
		ActiveConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connections",
			Name:      "active",
			Help:      "Number of live subscriber connections.",
		}, []string{"transport"}),
		ClosedConnections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connections",
			Name:      "closed_total",
			Help:      "Number of subscriber connections closed.",
		}, []string{"reason"}),
		Relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "messages_total",
			Help:      "Number of messages exchanged with other gateway instances.",
		}, []string{"direction"}),
	}
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.Published,
		c.Delivered,
		c.Rejected,
		c.Dropped,
		c.ActiveConnections,
		c.ClosedConnections,
		c.Relayed,
	)
	return c
}

// Handler HTTP handler exposing the metrics
func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
