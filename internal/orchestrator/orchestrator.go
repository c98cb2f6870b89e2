// Package orchestrator coordinates every feature of an agent: flag gating,
// start ordering, fan-out harvests and end-of-life.
package orchestrator

import (
	"context"
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/szibis/telemetry-harvester/internal/events"
	"github.com/szibis/telemetry-harvester/internal/harvest"
	"github.com/szibis/telemetry-harvester/internal/logging"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrStarted is returned when registering after Start.
	ErrStarted = errors.New("orchestrator already started")
	// ErrEnded is returned by operations after End.
	ErrEnded = errors.New("orchestrator ended")
	// ErrDuplicate is returned when a feature name is registered twice.
	ErrDuplicate = errors.New("feature already registered")
)

var (
	featuresGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "telemetry_harvester_features",
		Help: "Number of registered features by state",
	}, []string{"state"})

	forcedHarvestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_harvester_forced_harvests_total",
		Help: "Total number of harvest-all passes by reason",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(featuresGauge)
	prometheus.MustRegister(forcedHarvestsTotal)
}

// Feature is one harvestable data source.
type Feature interface {
	Name() string
	// Start arms the feature's recurring harvest.
	Start()
	// Block permanently disables the feature and drops its data.
	Block()
	// Harvest runs one harvest now.
	Harvest(opts harvest.Options)
}

// Orchestrator owns the feature registry. Features register during
// startup; the registry is only read once started.
type Orchestrator struct {
	emitter *events.Emitter
	resetID events.Subscription

	mu       sync.Mutex
	features []Feature
	names    map[string]bool
	flags    map[string]bool
	resolved chan struct{}
	started  bool
	ended    bool
	enabled  []Feature
}

// New returns an empty Orchestrator. It listens for session resets on
// emitter.
func New(emitter *events.Emitter) *Orchestrator {
	if emitter == nil {
		emitter = events.NewEmitter(0)
	}
	o := &Orchestrator{
		emitter:  emitter,
		names:    make(map[string]bool),
		resolved: make(chan struct{}),
	}
	o.resetID = emitter.On(events.SessionReset, func(...any) {
		if err := o.SessionReset(context.Background()); err != nil && !errors.Is(err, ErrEnded) {
			logging.Warn("session reset harvest failed", logging.F("error", err.Error()))
		}
	})
	return o
}

// Emitter returns the emitter features and instrumentation share.
func (o *Orchestrator) Emitter() *events.Emitter { return o.emitter }

// Register adds f. Events buffered for f's group before Start are replayed
// when it starts.
func (o *Orchestrator) Register(f Feature) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch {
	case o.ended:
		return ErrEnded
	case o.started:
		return ErrStarted
	case o.names[f.Name()]:
		return ErrDuplicate
	}
	o.names[f.Name()] = true
	o.features = append(o.features, f)
	featuresGauge.WithLabelValues("registered").Set(float64(len(o.features)))
	return nil
}

// ResolveFlags records which features may run. A feature whose flag is
// false is blocked and its backlog discarded; features without a flag are
// enabled. Only the first call has effect.
func (o *Orchestrator) ResolveFlags(flags map[string]bool) {
	o.mu.Lock()
	select {
	case <-o.resolved:
		o.mu.Unlock()
		return
	default:
	}
	o.flags = make(map[string]bool, len(flags))
	for k, v := range flags {
		o.flags[k] = v
	}
	close(o.resolved)
	o.mu.Unlock()
}

func (o *Orchestrator) allowed(name string) bool {
	on, ok := o.flags[name]
	return !ok || on
}

// Start waits for flags, then drains each enabled feature's backlog and
// arms its harvest. Blocked features are stopped for good. Start returns
// ctx.Err() if flags never arrive.
func (o *Orchestrator) Start(ctx context.Context) error {
	select {
	case <-o.resolved:
	case <-ctx.Done():
		return ctx.Err()
	}

	o.mu.Lock()
	switch {
	case o.ended:
		o.mu.Unlock()
		return ErrEnded
	case o.started:
		o.mu.Unlock()
		return ErrStarted
	}
	o.started = true
	var enabled, blocked []Feature
	for _, f := range o.features {
		if o.allowed(f.Name()) {
			enabled = append(enabled, f)
		} else {
			blocked = append(blocked, f)
		}
	}
	o.enabled = enabled
	o.mu.Unlock()

	for _, f := range blocked {
		o.emitter.Discard(f.Name())
		f.Block()
		logging.Info("feature disabled by flag", logging.F("feature", f.Name()))
	}
	for _, f := range enabled {
		replayed := o.emitter.Drain(f.Name())
		f.Start()
		logging.Debug("feature started", logging.F("feature", f.Name(), "replayed", replayed))
	}
	featuresGauge.WithLabelValues("enabled").Set(float64(len(enabled)))
	featuresGauge.WithLabelValues("blocked").Set(float64(len(blocked)))
	logging.Info("harvester started", logging.F("enabled", len(enabled), "blocked", len(blocked)))
	return nil
}

// HarvestAll runs a harvest on every enabled feature concurrently and
// waits until each has handed off its payload.
func (o *Orchestrator) HarvestAll(ctx context.Context, opts harvest.Options) error {
	o.mu.Lock()
	if o.ended {
		o.mu.Unlock()
		return ErrEnded
	}
	features := o.enabled
	o.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, f := range features {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			f.Harvest(opts)
			return nil
		})
	}
	return g.Wait()
}

// SessionReset forces an immediate harvest without retries.
func (o *Orchestrator) SessionReset(ctx context.Context) error {
	forcedHarvestsTotal.WithLabelValues("session_reset").Inc()
	return o.HarvestAll(ctx, harvest.Options{ForceNoRetry: true})
}

// End signals end-of-life once: every scheduler runs its final harvest and
// stops.
func (o *Orchestrator) End() {
	o.mu.Lock()
	if o.ended {
		o.mu.Unlock()
		return
	}
	o.ended = true
	o.mu.Unlock()

	o.emitter.Off(events.SessionReset, o.resetID)
	forcedHarvestsTotal.WithLabelValues("end_of_life").Inc()
	n := o.emitter.Emit(events.EndOfLife)
	logging.Info("end of life harvest triggered", logging.F("schedulers", n))
}

// Started reports whether Start completed.
func (o *Orchestrator) Started() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.started
}

// Ended reports whether End was called.
func (o *Orchestrator) Ended() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ended
}

// Features returns the registered feature names in registration order.
func (o *Orchestrator) Features() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, len(o.features))
	for i, f := range o.features {
		out[i] = f.Name()
	}
	return out
}
