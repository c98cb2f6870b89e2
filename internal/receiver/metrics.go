package receiver

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	receiverRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_harvester_receiver_requests_total",
		Help: "Total number of ingestion requests by protocol and route",
	}, []string{"protocol", "route"})

	receiverErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_harvester_receiver_errors_total",
		Help: "Total number of rejected ingestion requests by reason",
	}, []string{"type"})

	receiverEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_harvester_receiver_events_total",
		Help: "Total number of events handed to features",
	}, []string{"feature", "kind"})

	receiverDatapointsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_harvester_receiver_otlp_datapoints_total",
		Help: "Total number of OTLP data points mapped onto aggregates",
	})
)

func init() {
	prometheus.MustRegister(receiverRequestsTotal)
	prometheus.MustRegister(receiverErrorsTotal)
	prometheus.MustRegister(receiverEventsTotal)
	prometheus.MustRegister(receiverDatapointsTotal)

	for _, t := range []string{"decode", "auth", "decompress", "read", "too_large", "invalid"} {
		receiverErrorsTotal.WithLabelValues(t).Add(0)
	}
	receiverDatapointsTotal.Add(0)
}
