// Package nodestore holds discrete timed event nodes between harvests. It
// bounds the number of held nodes, coalesces chatty interaction streams on
// drain and can trim by age when running degraded.
package nodestore

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/szibis/telemetry-harvester/internal/cardinality"
	"github.com/szibis/telemetry-harvester/internal/clock"
)

// DefaultMaxNodes is the node ceiling per harvest.
const DefaultMaxNodes = 1000

// DefaultDegradedWindow is how far back degraded-mode trimming keeps nodes.
const DefaultDegradedWindow = 30 * time.Second

// UnknownOrigin tags nodes whose origin could not be resolved.
const UnknownOrigin = "unknown"

var (
	// ErrAtCapacity is returned when a node is rejected because the store is full.
	ErrAtCapacity = errors.New("nodestore: at capacity")
	// ErrIgnored is returned for nodes filtered before storage.
	ErrIgnored = errors.New("nodestore: ignored")
)

var (
	nodesHeld = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "telemetry_harvester_nodestore_nodes",
		Help: "Number of nodes currently held",
	}, []string{"store"})

	nodesStoredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_harvester_nodestore_stored_total",
		Help: "Total number of nodes accepted",
	}, []string{"store"})

	nodesDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_harvester_nodestore_dropped_total",
		Help: "Total number of nodes dropped, by reason",
	}, []string{"store", "reason"})

	nodesTrimmedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_harvester_nodestore_trimmed_total",
		Help: "Total number of nodes evicted by age",
	}, []string{"store"})

	nodesCoalescedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_harvester_nodestore_coalesced_total",
		Help: "Total number of nodes folded into a neighbour on drain",
	}, []string{"store"})
)

func init() {
	prometheus.MustRegister(nodesHeld)
	prometheus.MustRegister(nodesStoredTotal)
	prometheus.MustRegister(nodesDroppedTotal)
	prometheus.MustRegister(nodesTrimmedTotal)
	prometheus.MustRegister(nodesCoalescedTotal)
}

// Node is one timed event. Times are milliseconds since the store's origin.
type Node struct {
	Name   string  `json:"n"`
	Start  float64 `json:"s"`
	End    float64 `json:"e"`
	Origin string  `json:"o"`
	Kind   string  `json:"t"`
}

// Snapshot is the result of a drain.
type Snapshot struct {
	Nodes    []Node  `json:"nodes"`
	Earliest float64 `json:"earliest"`
	Latest   float64 `json:"latest"`
}

// Threshold bounds coalescing for one noisy category, in milliseconds.
type Threshold struct {
	MaxGap float64 `yaml:"max_gap"`
	MaxLen float64 `yaml:"max_len"`
}

// DefaultCoalesce returns the built-in thresholds for noisy categories.
func DefaultCoalesce() map[string]Threshold {
	return map[string]Threshold{
		"typing":    {MaxGap: 1000, MaxLen: 2000},
		"scrolling": {MaxGap: 100, MaxLen: 1000},
		"mousing":   {MaxGap: 1000, MaxLen: 2000},
		"touching":  {MaxGap: 1000, MaxLen: 2000},
	}
}

// Config sizes a Store.
type Config struct {
	// Name labels the store's self-metrics.
	Name string
	// MaxNodes is the capacity ceiling.
	MaxNodes int
	// DegradedWindow is the lookback kept when trimming to make room.
	DegradedWindow time.Duration
	// Degraded starts the store in degraded mode.
	Degraded bool
	// Coalesce holds thresholds for categories merged on drain.
	Coalesce map[string]Threshold
	// TrivialScroll is the duration below which scrolling stays coalescable.
	TrivialScroll float64
	// Ignore filters events at store time.
	Ignore IgnoreRules
}

func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = "trace"
	}
	if c.MaxNodes <= 0 {
		c.MaxNodes = DefaultMaxNodes
	}
	if c.DegradedWindow <= 0 {
		c.DegradedWindow = DefaultDegradedWindow
	}
	if c.Coalesce == nil {
		c.Coalesce = DefaultCoalesce()
	}
	if c.TrivialScroll <= 0 {
		c.TrivialScroll = 4
	}
	if c.Ignore.Global == nil && c.Ignore.ByOrigin == nil {
		c.Ignore = DefaultIgnoreRules()
	}
}

type group struct {
	nodes []Node
}

// Store is a bounded, name-grouped node collection. It is safe for
// concurrent use.
type Store struct {
	cfg    Config
	clk    clock.Clock
	origin time.Time

	mu       sync.Mutex
	groups   map[string]*group
	order    []string
	count    int
	earliest float64
	latest   float64
	degraded bool
	hasTimes bool

	seenEvents   map[string]struct{}
	lastResource float64
	origins      cardinality.Tracker

	storedNodes  prometheus.Counter
	droppedNodes prometheus.Counter
	ignoredNodes prometheus.Counter
	restoreDrops prometheus.Counter
	trimmedNodes prometheus.Counter
	coalesced    prometheus.Counter
	heldNodes    prometheus.Gauge
}

// New creates a store whose time origin is clk.Now(). A nil clock uses
// wall time.
func New(cfg Config, clk clock.Clock) *Store {
	cfg.applyDefaults()
	if clk == nil {
		clk = clock.Real()
	}
	s := &Store{
		cfg:          cfg,
		clk:          clk,
		origin:       clk.Now(),
		groups:       make(map[string]*group),
		degraded:     cfg.Degraded,
		seenEvents:   make(map[string]struct{}),
		lastResource: -1,
		origins: cardinality.New(cardinality.Config{
			Mode:          cardinality.ModeBloom,
			ExpectedItems: uint(cfg.MaxNodes) * 4,
		}),
		droppedNodes: nodesDroppedTotal.WithLabelValues(cfg.Name, "capacity"),
		ignoredNodes: nodesDroppedTotal.WithLabelValues(cfg.Name, "ignored"),
		restoreDrops: nodesDroppedTotal.WithLabelValues(cfg.Name, "restore_overflow"),
		storedNodes:  nodesStoredTotal.WithLabelValues(cfg.Name),
		trimmedNodes: nodesTrimmedTotal.WithLabelValues(cfg.Name),
		coalesced:    nodesCoalescedTotal.WithLabelValues(cfg.Name),
		heldNodes:    nodesHeld.WithLabelValues(cfg.Name),
	}
	s.resetLocked()
	return s
}

// Now returns milliseconds elapsed since the store's origin.
func (s *Store) Now() float64 {
	return float64(s.clk.Now().Sub(s.origin)) / float64(time.Millisecond)
}

// Origin returns the wall time node timestamps are relative to.
func (s *Store) Origin() time.Time {
	return s.origin
}

func (s *Store) resetLocked() {
	s.groups = make(map[string]*group)
	s.order = s.order[:0]
	s.count = 0
	s.earliest = 0
	s.latest = 0
	s.hasTimes = false
	s.seenEvents = make(map[string]struct{})
	s.origins.Reset()
	s.heldNodes.Set(0)
}

// SetDegraded switches degraded mode, in which a full store evicts nodes
// older than the degraded window to make room.
func (s *Store) SetDegraded(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.degraded = on
}

// Degraded reports whether degraded mode is on.
func (s *Store) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// Len returns the number of held nodes.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// StoreNode appends n to its name group. A full store rejects the node
// unless degraded mode trims at least one stale node first.
func (s *Store) StoreNode(n Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.storeLocked(n)
}

func (s *Store) storeLocked(n Node) error {
	if s.count >= s.cfg.MaxNodes {
		if !s.degraded || s.trimLocked(s.cfg.DegradedWindow) == 0 {
			s.droppedNodes.Inc()
			return ErrAtCapacity
		}
	}
	if n.Origin == "" {
		n.Origin = UnknownOrigin
	}
	s.track(n)

	g, ok := s.groups[n.Name]
	if !ok {
		g = &group{}
		s.groups[n.Name] = g
		s.order = append(s.order, n.Name)
	}
	g.nodes = append(g.nodes, n)
	s.count++
	s.origins.Add(n.Origin)
	s.storedNodes.Inc()
	s.heldNodes.Set(float64(s.count))
	return nil
}

func (s *Store) track(n Node) {
	if !s.hasTimes || n.Start < s.earliest {
		s.earliest = n.Start
	}
	if !s.hasTimes || n.End > s.latest {
		s.latest = n.End
	}
	s.hasTimes = true
}

// Trim evicts, per name group, every node before the first one that ended
// within the lookback window. Groups are appended in completion order, so
// that node is the oldest survivor. It returns the number of evicted nodes.
func (s *Store) Trim(lookback time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trimLocked(lookback)
}

func (s *Store) trimLocked(lookback time.Duration) int {
	cutoff := s.Now() - float64(lookback)/float64(time.Millisecond)
	if cutoff < 0 {
		cutoff = 0
	}

	pruned := 0
	for _, name := range append([]string(nil), s.order...) {
		g := s.groups[name]
		idx := len(g.nodes)
		for i, n := range g.nodes {
			if n.End >= cutoff {
				idx = i
				break
			}
		}
		if idx == 0 {
			continue
		}
		if idx == len(g.nodes) {
			s.removeGroupLocked(name)
		} else {
			g.nodes = append([]Node(nil), g.nodes[idx:]...)
		}
		s.count -= idx
		pruned += idx
	}
	if pruned > 0 {
		s.trimmedNodes.Add(float64(pruned))
		s.heldNodes.Set(float64(s.count))
	}
	return pruned
}

func (s *Store) removeGroupLocked(name string) {
	delete(s.groups, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

// Take drains the store. Groups come out in first-insertion order; noisy
// categories are coalesced by origin first.
func (s *Store) Take() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{Nodes: make([]Node, 0, s.count), Earliest: s.earliest, Latest: s.latest}
	for _, name := range s.order {
		nodes := s.groups[name].nodes
		if th, ok := s.cfg.Coalesce[name]; ok {
			merged := s.coalesce(name, th, nodes)
			s.coalesced.Add(float64(len(nodes) - len(merged)))
			nodes = merged
		}
		snap.Nodes = append(snap.Nodes, nodes...)
	}
	s.resetLocked()
	return snap
}

// coalesce sorts nodes by start, partitions them by origin and folds each
// node into the origin's open node when the gap and the combined span stay
// within th. Output is grouped by origin in first-seen order.
func (s *Store) coalesce(name string, th Threshold, nodes []Node) []Node {
	sorted := append([]Node(nil), nodes...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	byOrigin := make(map[string][]Node)
	var origins []string
	open := make(map[string]int)

	for _, n := range sorted {
		list, seen := byOrigin[n.Origin]
		if !seen {
			origins = append(origins, n.Origin)
		}
		if name == "scrolling" && n.End-n.Start >= s.cfg.TrivialScroll {
			n.Name = "scroll"
			delete(open, n.Origin)
			byOrigin[n.Origin] = append(list, n)
			continue
		}
		if i, ok := open[n.Origin]; ok {
			last := &list[i]
			if n.Start-last.End < th.MaxGap && n.End-last.Start < th.MaxLen {
				if n.End > last.End {
					last.End = n.End
				}
				continue
			}
		}
		open[n.Origin] = len(list)
		byOrigin[n.Origin] = append(list, n)
	}

	out := make([]Node, 0, len(nodes))
	for _, o := range origins {
		out = append(out, byOrigin[o]...)
	}
	return out
}

// Restore puts previously taken nodes of one name back in front of any
// newer ones. Restoration is dropped entirely when it would exceed the
// capacity; it reports whether the nodes were restored.
func (s *Store) Restore(name string, nodes []Node) bool {
	if len(nodes) == 0 {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.count+len(nodes) > s.cfg.MaxNodes {
		s.restoreDrops.Add(float64(len(nodes)))
		return false
	}
	for _, n := range nodes {
		s.track(n)
		s.origins.Add(n.Origin)
	}

	g, ok := s.groups[name]
	if !ok {
		g = &group{}
		s.groups[name] = g
		s.order = append(s.order, name)
	}
	g.nodes = append(append([]Node(nil), nodes...), g.nodes...)
	s.count += len(nodes)
	s.heldNodes.Set(float64(s.count))
	return true
}

// RestoreSnapshot restores every node of a taken snapshot, grouped by name.
// Names that no longer fit are dropped; it returns how many nodes came back.
func (s *Store) RestoreSnapshot(snap Snapshot) int {
	byName := make(map[string][]Node)
	var names []string
	for _, n := range snap.Nodes {
		if _, ok := byName[n.Name]; !ok {
			names = append(names, n.Name)
		}
		byName[n.Name] = append(byName[n.Name], n)
	}
	restored := 0
	for _, name := range names {
		if s.Restore(name, byName[name]) {
			restored += len(byName[name])
		}
	}
	return restored
}

// Clear drops everything, as on session abort.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}

// DistinctOrigins estimates how many origins contributed since the last drain.
func (s *Store) DistinctOrigins() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.origins.Count()
}
