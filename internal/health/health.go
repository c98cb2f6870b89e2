// Package health serves liveness and readiness probes.
package health

import (
	"encoding/json"
	"errors"
	"maps"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "telemetry_harvester_ready",
	Help: "1 when every readiness check passes, 0 otherwise",
})

func init() {
	prometheus.MustRegister(readyGauge)
}

// Status of a probe or one of its checks.
type Status string

const (
	StatusUp   Status = "up"
	StatusDown Status = "down"
)

var (
	// ErrNotStarted is reported until a watched component has started.
	ErrNotStarted = errors.New("not started")
	// ErrStopped is reported once a watched component has ended.
	ErrStopped = errors.New("stopped")
)

// Check is the result of one named check.
type Check struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response is the probe body.
type Response struct {
	Status    Status           `json:"status"`
	Checks    map[string]Check `json:"checks,omitempty"`
	Timestamp string           `json:"timestamp"`
}

// CheckFunc returns nil when healthy.
type CheckFunc func() error

// Lifecycle is anything with a start and an end, such as the orchestrator.
type Lifecycle interface {
	Started() bool
	Ended() bool
}

// Checker aggregates readiness checks.
type Checker struct {
	mu       sync.RWMutex
	checks   map[string]CheckFunc
	stopping atomic.Bool
	now      func() time.Time
}

// New returns a Checker with no checks; it is ready until told otherwise.
func New() *Checker {
	return &Checker{checks: make(map[string]CheckFunc), now: time.Now}
}

// Add registers a named readiness check, replacing one with the same name.
func (c *Checker) Add(name string, fn CheckFunc) {
	c.mu.Lock()
	c.checks[name] = fn
	c.mu.Unlock()
}

// Watch is ready while l has started and not yet ended.
func (c *Checker) Watch(name string, l Lifecycle) {
	c.Add(name, func() error {
		switch {
		case l.Ended():
			return ErrStopped
		case !l.Started():
			return ErrNotStarted
		}
		return nil
	})
}

// Stopping fails both probes from now on.
func (c *Checker) Stopping() {
	c.stopping.Store(true)
	readyGauge.Set(0)
}

// Ready runs every check.
func (c *Checker) Ready() Response {
	resp := Response{Status: StatusUp, Timestamp: c.timestamp()}
	if c.stopping.Load() {
		resp.Status = StatusDown
		resp.Checks = map[string]Check{"process": {Status: StatusDown, Message: "shutting down"}}
		readyGauge.Set(0)
		return resp
	}

	c.mu.RLock()
	checks := maps.Clone(c.checks)
	c.mu.RUnlock()

	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	resp.Checks = make(map[string]Check, len(names))
	for _, name := range names {
		if err := checks[name](); err != nil {
			resp.Status = StatusDown
			resp.Checks[name] = Check{Status: StatusDown, Message: err.Error()}
			continue
		}
		resp.Checks[name] = Check{Status: StatusUp}
	}
	if resp.Status == StatusUp {
		readyGauge.Set(1)
	} else {
		readyGauge.Set(0)
	}
	return resp
}

// Live fails only while shutting down.
func (c *Checker) Live() Response {
	if c.stopping.Load() {
		return Response{Status: StatusDown, Timestamp: c.timestamp()}
	}
	return Response{Status: StatusUp, Timestamp: c.timestamp()}
}

// Register mounts /live and /ready on mux.
func (c *Checker) Register(mux *http.ServeMux) {
	mux.HandleFunc("/live", c.LiveHandler())
	mux.HandleFunc("/ready", c.ReadyHandler())
}

// LiveHandler serves Live.
func (c *Checker) LiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, c.Live())
	}
}

// ReadyHandler serves Ready.
func (c *Checker) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, c.Ready())
	}
}

func (c *Checker) timestamp() string {
	return c.now().UTC().Format(time.RFC3339)
}

func writeJSON(w http.ResponseWriter, resp Response) {
	code := http.StatusOK
	if resp.Status != StatusUp {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}
