package intern

import "github.com/prometheus/client_golang/prometheus"

func init() {
	for name, p := range map[string]*Pool{"keys": Keys, "names": Names} {
		labels := prometheus.Labels{"pool": name}
		prometheus.MustRegister(
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Name:        "telemetry_harvester_intern_hits_total",
				Help:        "Intern pool lookups that found the string",
				ConstLabels: labels,
			}, func() float64 { h, _ := p.Stats(); return float64(h) }),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Name:        "telemetry_harvester_intern_misses_total",
				Help:        "Intern pool lookups that did not find the string",
				ConstLabels: labels,
			}, func() float64 { _, m := p.Stats(); return float64(m) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name:        "telemetry_harvester_intern_pool_size",
				Help:        "Number of strings in the intern pool",
				ConstLabels: labels,
			}, func() float64 { return float64(p.Size()) }),
		)
	}
}
