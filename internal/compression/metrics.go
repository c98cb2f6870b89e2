package compression

import "github.com/prometheus/client_golang/prometheus"

var (
	compressBytesIn = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_harvester_compression_bytes_in_total",
		Help: "Uncompressed bytes passed to the compressor, by algorithm",
	}, []string{"type"})

	compressBytesOut = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_harvester_compression_bytes_out_total",
		Help: "Compressed bytes produced, by algorithm",
	}, []string{"type"})
)

func init() {
	prometheus.MustRegister(compressBytesIn)
	prometheus.MustRegister(compressBytesOut)
}

func recordCompress(t Type, in, out int) {
	compressBytesIn.WithLabelValues(string(t)).Add(float64(in))
	compressBytesOut.WithLabelValues(string(t)).Add(float64(out))
}
