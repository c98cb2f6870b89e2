// Package scheduler drives periodic harvests for one endpoint: one pending
// timer at most, retry on request, and a final send at end-of-life.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/szibis/telemetry-harvester/internal/clock"
	"github.com/szibis/telemetry-harvester/internal/events"
	"github.com/szibis/telemetry-harvester/internal/harvest"
	"github.com/szibis/telemetry-harvester/internal/logging"
	"github.com/szibis/telemetry-harvester/internal/transport"
)

var (
	harvestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_harvester_scheduler_harvests_total",
		Help: "Total number of harvest runs by endpoint and trigger",
	}, []string{"endpoint", "trigger"})

	retriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_harvester_scheduler_retries_total",
		Help: "Total number of retries scheduled after a retryable result",
	}, []string{"endpoint"})

	resultsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_harvester_scheduler_results_total",
		Help: "Total number of harvest results by outcome",
	}, []string{"endpoint", "outcome"})
)

func init() {
	prometheus.MustRegister(harvestsTotal)
	prometheus.MustRegister(retriesTotal)
	prometheus.MustRegister(resultsTotal)
}

var runSeq atomic.Uint64

// DefaultRetryDelay applies to retryable results without a server delay.
const DefaultRetryDelay = 5 * time.Second

// Sender is the part of harvest.Harvest the scheduler drives.
type Sender interface {
	Send(ctx context.Context, endpoint string, opts harvest.Options, done func(transport.Result)) bool
	SendX(ctx context.Context, endpoint string, payload harvest.Payload, opts harvest.Options, done func(transport.Result)) bool
	CanRetry(opts harvest.Options) bool
}

// Config configures a Scheduler.
type Config struct {
	Endpoint   string
	RetryDelay time.Duration
	// GetPayload, when set, replaces the endpoint's registered producers and
	// may return several chunks, each sent separately. No chunks means
	// nothing to send.
	GetPayload func(opts harvest.Options) []harvest.Payload
	// OnFinished sees every reported result before retry handling.
	OnFinished func(opts harvest.Options, result transport.Result)
	// OnUnload runs before the end-of-life harvest.
	OnUnload func()
}

type handle struct {
	timer *clock.Timer
}

// Scheduler runs harvests for one endpoint.
type Scheduler struct {
	cfg    Config
	sender Sender
	clock  clock.Clock

	ctx    context.Context
	cancel context.CancelFunc

	emitter *events.Emitter
	eolSub  events.Subscription

	mu       sync.Mutex
	pending  *handle
	interval time.Duration
	started  bool
	aborted  bool
}

// New returns an idle Scheduler. When emitter is non-nil the scheduler
// subscribes to end-of-life once, here.
func New(cfg Config, sender Sender, clk clock.Clock, emitter *events.Emitter) *Scheduler {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if clk == nil {
		clk = clock.Real()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:     cfg,
		sender:  sender,
		clock:   clk,
		ctx:     ctx,
		cancel:  cancel,
		emitter: emitter,
	}
	if emitter != nil {
		s.eolSub = emitter.On(events.EndOfLife, func(...any) { s.Unload() })
	}
	return s
}

// Endpoint returns the endpoint this scheduler harvests.
func (s *Scheduler) Endpoint() string { return s.cfg.Endpoint }

// StartTimer switches to recurring mode and schedules the first harvest
// after initialDelay, or interval when initialDelay is negative.
func (s *Scheduler) StartTimer(interval, initialDelay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interval = interval
	s.started = true
	if initialDelay < 0 {
		initialDelay = interval
	}
	s.scheduleLocked(initialDelay, harvest.Options{}, "interval")
}

// StopTimer clears the pending harvest. Stopping permanently also
// suppresses every later harvest, including the end-of-life one.
func (s *Scheduler) StopTimer(permanently bool) {
	s.mu.Lock()
	if permanently {
		s.aborted = true
	}
	s.started = false
	s.clearLocked()
	s.mu.Unlock()

	if permanently {
		s.detach()
	}
}

// ScheduleHarvest arms a harvest after delay (the interval when delay is
// negative). It does nothing while a harvest is already pending.
func (s *Scheduler) ScheduleHarvest(delay time.Duration, opts harvest.Options) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if delay < 0 {
		delay = s.interval
	}
	s.scheduleLocked(delay, opts, "scheduled")
}

func (s *Scheduler) scheduleLocked(delay time.Duration, opts harvest.Options, trigger string) {
	if s.pending != nil || s.aborted {
		return
	}
	h := &handle{}
	h.timer = s.clock.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.pending != h {
			s.mu.Unlock()
			return
		}
		s.pending = nil
		s.mu.Unlock()
		s.run(opts, trigger)
	})
	s.pending = h
}

func (s *Scheduler) clearLocked() {
	if s.pending != nil {
		s.pending.timer.Stop()
		s.pending = nil
	}
}

// RunHarvest harvests now. Sends happen outside the scheduler's lock; in
// recurring mode the next interval is armed without waiting for results.
func (s *Scheduler) RunHarvest(opts harvest.Options) {
	s.run(opts, "manual")
}

func (s *Scheduler) run(opts harvest.Options, trigger string) {
	s.mu.Lock()
	if s.aborted {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if opts.Unload {
		trigger = "unload"
	}
	harvestsTotal.WithLabelValues(s.cfg.Endpoint, trigger).Inc()
	opts.Retry = s.sender.CanRetry(opts)
	opts.ID = runSeq.Add(1)
	opts.Chunk = 0

	if s.cfg.GetPayload != nil {
		chunks := s.cfg.GetPayload(opts)
		if len(chunks) == 0 {
			s.rearm()
			return
		}
		for i, p := range chunks {
			chunkOpts := opts
			chunkOpts.Chunk = i
			s.sender.SendX(s.ctx, s.cfg.Endpoint, p, chunkOpts, func(r transport.Result) { s.finished(chunkOpts, r) })
		}
	} else {
		s.sender.Send(s.ctx, s.cfg.Endpoint, opts, func(r transport.Result) { s.finished(opts, r) })
	}
	s.rearm()
}

func (s *Scheduler) rearm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		s.scheduleLocked(s.interval, harvest.Options{}, "interval")
	}
}

// finished handles one reported result.
func (s *Scheduler) finished(opts harvest.Options, r transport.Result) {
	if opts.ForceNoRetry {
		r.Retry = false
	}
	if s.cfg.OnFinished != nil {
		s.cfg.OnFinished(opts, r)
	}

	switch {
	case r.OK():
		resultsTotal.WithLabelValues(s.cfg.Endpoint, "ok").Inc()
	case r.Sent && r.Retry:
		resultsTotal.WithLabelValues(s.cfg.Endpoint, "retry").Inc()
	case !r.Sent && r.Err == nil:
		resultsTotal.WithLabelValues(s.cfg.Endpoint, "empty").Inc()
	default:
		resultsTotal.WithLabelValues(s.cfg.Endpoint, "dropped").Inc()
	}

	if !r.Sent || !r.Retry {
		return
	}
	delay := r.Delay
	if delay <= 0 {
		delay = s.cfg.RetryDelay
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aborted {
		return
	}
	if s.started {
		s.clearLocked()
	}
	if s.pending == nil {
		retriesTotal.WithLabelValues(s.cfg.Endpoint).Inc()
		logging.Debug("harvest retry scheduled", logging.F(
			"endpoint", s.cfg.Endpoint,
			"status", r.Status,
			"delay", delay.String(),
		))
	}
	s.scheduleLocked(delay, opts, "retry")
}

// Unload runs the final end-of-life harvest and stops permanently.
func (s *Scheduler) Unload() {
	s.mu.Lock()
	aborted := s.aborted
	s.mu.Unlock()
	if aborted {
		return
	}
	if s.cfg.OnUnload != nil {
		s.cfg.OnUnload()
	}
	s.run(harvest.Options{Unload: true}, "unload")
	s.StopTimer(true)
}

func (s *Scheduler) detach() {
	if s.emitter != nil {
		s.emitter.Off(events.EndOfLife, s.eolSub)
	}
	s.cancel()
}

// Pending reports whether a harvest is armed.
func (s *Scheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != nil
}

// Started reports recurring mode.
func (s *Scheduler) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Aborted reports a permanent stop.
func (s *Scheduler) Aborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}
