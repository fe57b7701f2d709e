// Registers:
//
//	#bidflow_bids_accepted_total{source}
//	#bidflow_bids_rejected_total{source,reason}
//	#bidflow_autobid_configs_dropped_total{reason}
//	#bidflow_announce_failures_total
//	#bidflow_rooms, #bidflow_connections
//	#go_* and process_* system metrics
//
// The HTTP server mounts Handler on /metrics.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once            sync.Once
	bidsAccepted    *prometheus.CounterVec
	bidsRejected    *prometheus.CounterVec
	configsDropped  *prometheus.CounterVec
	announceFailure prometheus.Counter
	rooms           prometheus.Gauge
	connections     prometheus.Gauge
)

func Init() {
	once.Do(func() {
		bidsAccepted = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bidflow_bids_accepted_total",
				Help: "Number of bids accepted by the validation service",
			},
			[]string{"source"},
		)

		bidsRejected = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bidflow_bids_rejected_total",
				Help: "Number of bids rejected, by reason",
			},
			[]string{"source", "reason"},
		)

		configsDropped = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bidflow_autobid_configs_dropped_total",
				Help: "Number of proxy configurations removed by the auto-bid engine",
			},
			[]string{"reason"},
		)

		announceFailure = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bidflow_announce_failures_total",
			Help: "Number of accepted bids that could not be announced",
		})

		rooms = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bidflow_rooms",
			Help: "Number of open bidding rooms",
		})

		connections = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bidflow_connections",
			Help: "Number of open bidder connections",
		})

		_ = prometheus.Register(bidsAccepted)
		_ = prometheus.Register(bidsRejected)
		_ = prometheus.Register(configsDropped)
		_ = prometheus.Register(announceFailure)
		_ = prometheus.Register(rooms)
		_ = prometheus.Register(connections)
		_ = prometheus.Register(collectors.NewGoCollector())
		_ = prometheus.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func IncrementAccepted(source string) {
	if bidsAccepted != nil {
		bidsAccepted.WithLabelValues(source).Inc()
	}
}

func IncrementRejected(source, reason string) {
	if bidsRejected != nil {
		bidsRejected.WithLabelValues(source, reason).Inc()
	}
}

func IncrementConfigDropped(reason string) {
	if configsDropped != nil {
		configsDropped.WithLabelValues(reason).Inc()
	}
}

func IncrementAnnounceFailure() {
	if announceFailure != nil {
		announceFailure.Inc()
	}
}

// SetRooms records the current room and connection counts.
func SetRooms(roomCount, connCount int) {
	if rooms != nil {
		rooms.Set(float64(roomCount))
	}
	if connections != nil {
		connections.Set(float64(connCount))
	}
}
