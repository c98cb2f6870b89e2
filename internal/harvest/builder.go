package harvest

import (
	"fmt"
	"maps"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/szibis/telemetry-harvester/internal/logging"
)

var producerPanicsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "telemetry_harvester_producer_panics_total",
	Help: "Total number of payload producers that panicked, by endpoint",
}, []string{"endpoint"})

func init() {
	prometheus.MustRegister(producerPanicsTotal)
}

// Options describe the harvest a payload is built for.
type Options struct {
	// Retry is true when the payload can be retried, so producers should
	// keep a backup of what they hand over.
	Retry bool
	// Unload marks the end-of-life harvest.
	Unload bool
	// ForceNoRetry disables retry regardless of mechanism.
	ForceNoRetry bool
	// ID identifies one harvest run. The scheduler assigns it so producers
	// can key what they hand over to the result that settles it.
	ID uint64
	// Chunk is the index of the payload within a chunked run.
	Chunk int
}

// Payload is one request's worth of data. Raw, when set, is sent as the
// body verbatim and Body is ignored.
type Payload struct {
	Body map[string]any
	Raw  []byte
	QS   map[string]any
}

// Empty reports a payload with nothing to send.
func (p *Payload) Empty() bool {
	return p == nil || (len(p.Body) == 0 && len(p.Raw) == 0 && len(p.QS) == 0)
}

// Producer contributes to an endpoint's payload. A nil return contributes
// nothing.
type Producer func(opts Options) *Payload

// Builder holds the producers registered per endpoint.
type Builder struct {
	mu        sync.RWMutex
	producers map[string][]Producer
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{producers: make(map[string][]Producer)}
}

// On registers p for endpoint. Producers run in registration order.
func (b *Builder) On(endpoint string, p Producer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.producers[endpoint] = append(b.producers[endpoint], p)
}

// CreatePayload runs every producer for endpoint and shallow-merges their
// contributions, later keys winning, then cleans the result. A panicking
// producer is skipped.
func (b *Builder) CreatePayload(endpoint string, opts Options) Payload {
	b.mu.RLock()
	producers := append([]Producer(nil), b.producers[endpoint]...)
	b.mu.RUnlock()

	body := make(map[string]any)
	qs := make(map[string]any)
	var raw []byte
	for _, p := range producers {
		part := runProducer(endpoint, p, opts)
		if part == nil {
			continue
		}
		maps.Copy(body, part.Body)
		maps.Copy(qs, part.QS)
		if len(part.Raw) > 0 {
			raw = part.Raw
		}
	}
	return Payload{Body: Clean(body), Raw: raw, QS: Clean(qs)}
}

func runProducer(endpoint string, p Producer, opts Options) (out *Payload) {
	defer func() {
		if r := recover(); r != nil {
			producerPanicsTotal.WithLabelValues(endpoint).Inc()
			logging.Error("payload producer panicked", logging.F(
				"endpoint", endpoint,
				"panic", fmt.Sprint(r),
			))
			out = nil
		}
	}()
	return p(opts)
}
