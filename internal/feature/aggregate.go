package feature

import (
	"sync"

	"github.com/szibis/telemetry-harvester/internal/aggregator"
	"github.com/szibis/telemetry-harvester/internal/clock"
	"github.com/szibis/telemetry-harvester/internal/events"
	"github.com/szibis/telemetry-harvester/internal/harvest"
	"github.com/szibis/telemetry-harvester/internal/logging"
	"github.com/szibis/telemetry-harvester/internal/transport"
)

// Aggregate event kinds.
const (
	KindStore  = "store"
	KindMetric = "metric"
	KindMerge  = "merge"
)

// StoreCall is the argument of a "store" event.
type StoreCall struct {
	Type    string
	Name    string
	Params  map[string]any
	Metrics map[string]aggregator.Observation
	Custom  map[string]any
}

// MetricCall is the argument of a "metric" event.
type MetricCall struct {
	Type   string
	Name   string
	Params map[string]any
	Value  aggregator.Observation
}

// MergeCall is the argument of a "merge" event.
type MergeCall struct {
	Type      string
	Name      string
	Metrics   *aggregator.Metrics
	Params    map[string]any
	Overwrite bool
}

// Aggregate harvests an aggregator: each payload carries every bucket of
// the configured types, keyed by type.
type Aggregate struct {
	*base
	agg   *aggregator.Aggregator
	types []string

	mu      sync.Mutex
	backups map[uint64]map[string][]*aggregator.Bucket
}

// NewAggregate wires an aggregator-backed feature. It registers its
// producer on h and subscribes to its events on emitter.
func NewAggregate(cfg Config, types []string, h *harvest.Harvest, clk clock.Clock, emitter *events.Emitter) *Aggregate {
	a := &Aggregate{
		agg:     aggregator.New(),
		types:   types,
		backups: make(map[uint64]map[string][]*aggregator.Bucket),
	}
	a.base = newBase(cfg, h, clk, emitter, a.finished, nil)
	h.Builder().On(a.cfg.Endpoint, a.payload)

	a.on(KindStore, func(args ...any) {
		c, ok := firstArg[StoreCall](args)
		if !ok {
			a.invalid()
			return
		}
		a.agg.Store(c.Type, c.Name, c.Params, c.Metrics, c.Custom)
	})
	a.on(KindMetric, func(args ...any) {
		c, ok := firstArg[MetricCall](args)
		if !ok {
			a.invalid()
			return
		}
		a.agg.StoreMetric(c.Type, c.Name, c.Params, c.Value)
	})
	a.on(KindMerge, func(args ...any) {
		c, ok := firstArg[MergeCall](args)
		if !ok {
			a.invalid()
			return
		}
		a.agg.Merge(c.Type, c.Name, c.Metrics, c.Params, c.Overwrite)
	})
	return a
}

// Aggregator returns the backing aggregator.
func (a *Aggregate) Aggregator() *aggregator.Aggregator { return a.agg }

func (a *Aggregate) payload(opts harvest.Options) *harvest.Payload {
	taken := a.agg.Take(a.types, true)
	if taken == nil {
		return nil
	}
	if opts.Retry {
		a.mu.Lock()
		a.backups[opts.ID] = taken
		a.mu.Unlock()
	}
	body := make(map[string]any, len(taken))
	for typ, buckets := range taken {
		body[typ] = buckets
	}
	return &harvest.Payload{Body: body}
}

// finished settles the backup of the harvest that produced r only; other
// harvests may still be in flight.
func (a *Aggregate) finished(opts harvest.Options, r transport.Result) {
	a.mu.Lock()
	backup := a.backups[opts.ID]
	delete(a.backups, opts.ID)
	a.mu.Unlock()

	if backup == nil || !r.Sent || !r.Retry {
		return
	}
	for typ, buckets := range backup {
		a.agg.Restore(typ, buckets)
	}
	featureRestoredTotal.WithLabelValues(a.cfg.Name).Inc()
	logging.Debug("aggregate restored for retry", logging.F("feature", a.cfg.Name, "types", len(backup)))
}

// Block stops the feature for good and drops its data.
func (a *Aggregate) Block() {
	a.sched.StopTimer(true)
	a.unsubscribe()
	a.agg.Take(a.types, true)
}

func firstArg[T any](args []any) (T, bool) {
	var zero T
	if len(args) == 0 {
		return zero, false
	}
	switch v := args[0].(type) {
	case T:
		return v, true
	case *T:
		if v != nil {
			return *v, true
		}
	}
	return zero, false
}
