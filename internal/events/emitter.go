// Package events provides the in-process event emitter shared by the
// harvest components, with an explicit backlog for groups whose consumer
// has not registered yet.
package events

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/szibis/telemetry-harvester/internal/logging"
)

// Lifecycle events.
const (
	// EndOfLife fires once when the process is about to exit.
	EndOfLife = "end-of-life"
	// SessionReset asks every producer for an immediate, no-retry harvest.
	SessionReset = "session-reset"
)

// DefaultBacklogLimit caps the buffered events per group.
const DefaultBacklogLimit = 1000

var (
	backlogBufferedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_harvester_events_backlog_buffered_total",
		Help: "Total number of events buffered for groups not yet registered",
	})

	backlogDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_harvester_events_backlog_dropped_total",
		Help: "Total number of backlog events dropped",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(backlogBufferedTotal)
	prometheus.MustRegister(backlogDroppedTotal)
}

// Handler receives the arguments passed to Emit.
type Handler func(args ...any)

// Subscription identifies a registered handler for Off.
type Subscription uint64

type listener struct {
	id Subscription
	fn Handler
}

// Event is one buffered emission.
type Event struct {
	Name string
	Args []any
}

type groupState uint8

const (
	groupBuffering groupState = iota
	// groupDraining queues Buffer calls behind the replaying backlog.
	groupDraining
	groupLive
	groupDiscarded
)

type backlog struct {
	state  groupState
	events []Event
}

// Emitter dispatches named events to ordered handler lists. Handlers run
// on the emitting goroutine, outside the emitter's lock.
type Emitter struct {
	mu        sync.Mutex
	listeners map[string][]listener
	nextID    Subscription

	groups map[string]*backlog
	limit  int
}

// NewEmitter returns an emitter whose per-group backlog holds at most limit
// events (DefaultBacklogLimit when limit <= 0).
func NewEmitter(limit int) *Emitter {
	if limit <= 0 {
		limit = DefaultBacklogLimit
	}
	return &Emitter{
		listeners: make(map[string][]listener),
		groups:    make(map[string]*backlog),
		limit:     limit,
	}
}

// On appends fn to the handlers of name.
func (e *Emitter) On(name string, fn Handler) Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	e.listeners[name] = append(e.listeners[name], listener{id: e.nextID, fn: fn})
	return e.nextID
}

// Off removes a handler. It reports whether one was removed.
func (e *Emitter) Off(name string, sub Subscription) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	ls := e.listeners[name]
	for i, l := range ls {
		if l.id == sub {
			e.listeners[name] = append(ls[:i:i], ls[i+1:]...)
			if len(e.listeners[name]) == 0 {
				delete(e.listeners, name)
			}
			return true
		}
	}
	return false
}

// Emit calls every handler of name in registration order and returns how
// many ran.
func (e *Emitter) Emit(name string, args ...any) int {
	e.mu.Lock()
	ls := append([]listener(nil), e.listeners[name]...)
	e.mu.Unlock()

	for _, l := range ls {
		l.fn(args...)
	}
	return len(ls)
}

func (e *Emitter) group(id string) *backlog {
	g, ok := e.groups[id]
	if !ok {
		g = &backlog{}
		e.groups[id] = g
	}
	return g
}

// Buffer emits name for group. Until the group is drained the event is
// held in the group's backlog; after Discard it is dropped.
func (e *Emitter) Buffer(group, name string, args ...any) {
	e.mu.Lock()
	g := e.group(group)
	switch g.state {
	case groupLive:
		e.mu.Unlock()
		e.Emit(name, args...)
		return
	case groupDiscarded:
		e.mu.Unlock()
		backlogDroppedTotal.WithLabelValues("discarded").Inc()
		return
	}
	if len(g.events) >= e.limit {
		e.mu.Unlock()
		backlogDroppedTotal.WithLabelValues("full").Inc()
		return
	}
	g.events = append(g.events, Event{Name: name, Args: args})
	e.mu.Unlock()
	backlogBufferedTotal.Inc()
}

// Drain replays the group's backlog, in order, through Emit and then marks
// the group live. Buffer calls made during the replay are queued behind it;
// later ones emit directly. Draining twice replays nothing.
func (e *Emitter) Drain(group string) int {
	e.mu.Lock()
	g := e.group(group)
	if g.state != groupBuffering {
		e.mu.Unlock()
		return 0
	}
	g.state = groupDraining

	replayed := 0
	for {
		pending := g.events
		g.events = nil
		if len(pending) == 0 || g.state != groupDraining {
			if g.state == groupDraining {
				g.state = groupLive
			}
			e.mu.Unlock()
			break
		}
		e.mu.Unlock()

		for _, ev := range pending {
			e.Emit(ev.Name, ev.Args...)
		}
		replayed += len(pending)
		e.mu.Lock()
	}
	if replayed > 0 {
		logging.Debug("event backlog drained", logging.F("group", group, "events", replayed))
	}
	return replayed
}

// Discard drops the backlog of a group that will never register.
func (e *Emitter) Discard(group string) {
	e.mu.Lock()
	g := e.group(group)
	n := len(g.events)
	g.events = nil
	g.state = groupDiscarded
	e.mu.Unlock()

	if n > 0 {
		backlogDroppedTotal.WithLabelValues("discarded").Add(float64(n))
	}
}

// Pending returns the number of buffered events for group.
func (e *Emitter) Pending(group string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if g, ok := e.groups[group]; ok {
		return len(g.events)
	}
	return 0
}
