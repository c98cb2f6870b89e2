// Package feature binds a data store to a harvest endpoint: it consumes
// instrumentation events, produces payloads and restores data when a
// harvest asks to be retried.
package feature

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/szibis/telemetry-harvester/internal/clock"
	"github.com/szibis/telemetry-harvester/internal/events"
	"github.com/szibis/telemetry-harvester/internal/harvest"
	"github.com/szibis/telemetry-harvester/internal/scheduler"
	"github.com/szibis/telemetry-harvester/internal/transport"
)

var (
	featureEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_harvester_feature_events_total",
		Help: "Total number of instrumentation events consumed, by feature and event",
	}, []string{"feature", "event"})

	featureInvalidTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_harvester_feature_invalid_events_total",
		Help: "Total number of events dropped because of unexpected arguments",
	}, []string{"feature"})

	featureRestoredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_harvester_feature_restored_total",
		Help: "Total number of harvests whose data was restored for retry",
	}, []string{"feature"})
)

func init() {
	prometheus.MustRegister(featureEventsTotal)
	prometheus.MustRegister(featureInvalidTotal)
	prometheus.MustRegister(featureRestoredTotal)
}

// EventName returns the emitter event a feature consumes for kind, e.g.
// "jserrors.store".
func EventName(feature, kind string) string {
	return feature + "." + kind
}

// Config is shared by every feature.
type Config struct {
	// Name is the feature flag, the backlog group and the event prefix.
	Name string
	// Endpoint is the collector endpoint; Name when empty.
	Endpoint string
	Interval time.Duration
	// InitialDelay before the first harvest; Interval when negative.
	InitialDelay time.Duration
	RetryDelay   time.Duration
	// MaxPayloadBytes splits a harvest into several requests whose bodies
	// stay under this size, where the feature supports it. Zero sends one.
	MaxPayloadBytes int
}

type subscription struct {
	name string
	id   events.Subscription
}

// base owns the scheduler and event subscriptions of a feature.
type base struct {
	cfg     Config
	sched   *scheduler.Scheduler
	emitter *events.Emitter

	mu   sync.Mutex
	subs []subscription
}

func newBase(cfg Config, h *harvest.Harvest, clk clock.Clock, emitter *events.Emitter,
	onFinished func(harvest.Options, transport.Result), chunks func(harvest.Options) []harvest.Payload) *base {
	if cfg.Endpoint == "" {
		cfg.Endpoint = cfg.Name
	}
	b := &base{cfg: cfg, emitter: emitter}
	b.sched = scheduler.New(scheduler.Config{
		Endpoint:   cfg.Endpoint,
		RetryDelay: cfg.RetryDelay,
		GetPayload: chunks,
		OnFinished: onFinished,
	}, h, clk, emitter)
	return b
}

func (b *base) on(kind string, fn events.Handler) {
	if b.emitter == nil {
		return
	}
	name := EventName(b.cfg.Name, kind)
	wrapped := func(args ...any) {
		featureEventsTotal.WithLabelValues(b.cfg.Name, kind).Inc()
		fn(args...)
	}
	id := b.emitter.On(name, wrapped)
	b.mu.Lock()
	b.subs = append(b.subs, subscription{name: name, id: id})
	b.mu.Unlock()
}

func (b *base) unsubscribe() {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()
	for _, s := range subs {
		b.emitter.Off(s.name, s.id)
	}
}

func (b *base) invalid() {
	featureInvalidTotal.WithLabelValues(b.cfg.Name).Inc()
}

// Name returns the feature name.
func (b *base) Name() string { return b.cfg.Name }

// Start arms the recurring harvest.
func (b *base) Start() {
	b.sched.StartTimer(b.cfg.Interval, b.cfg.InitialDelay)
}

// Harvest runs a harvest now.
func (b *base) Harvest(opts harvest.Options) {
	b.sched.RunHarvest(opts)
}

// Scheduler exposes the feature's scheduler.
func (b *base) Scheduler() *scheduler.Scheduler { return b.sched }
