package aggregator

import (
	"encoding/json"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/szibis/telemetry-harvester/internal/cardinality"
)

var (
	aggregatorStoresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_harvester_aggregator_stores_total",
		Help: "Total number of observations stored into aggregator buckets",
	}, []string{"type"})

	aggregatorMergesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_harvester_aggregator_merges_total",
		Help: "Total number of pre-aggregated metric sets merged into buckets",
	}, []string{"type"})

	aggregatorTakenBucketsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_harvester_aggregator_taken_buckets_total",
		Help: "Total number of buckets retrieved by take",
	}, []string{"type"})
)

func init() {
	prometheus.MustRegister(aggregatorStoresTotal)
	prometheus.MustRegister(aggregatorMergesTotal)
	prometheus.MustRegister(aggregatorTakenBucketsTotal)
}

// Metrics is a bucket's named metric slots plus a bucket-level count of
// stored observations.
type Metrics struct {
	Count  int64
	Values map[string]*Metric
}

// NewMetrics returns an empty slot set.
func NewMetrics() *Metrics {
	return &Metrics{Values: make(map[string]*Metric)}
}

// Clone deep-copies m.
func (m *Metrics) Clone() *Metrics {
	if m == nil {
		return nil
	}
	out := &Metrics{Count: m.Count, Values: make(map[string]*Metric, len(m.Values))}
	for k, v := range m.Values {
		out.Values[k] = v.Clone()
	}
	return out
}

// MarshalJSON flattens the slots next to "count".
func (m Metrics) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Values)+1)
	for k, v := range m.Values {
		out[k] = v
	}
	out["count"] = m.Count
	return json.Marshal(out)
}

// UnmarshalJSON reads "count" and treats every other key as a metric slot.
func (m *Metrics) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = Metrics{Values: make(map[string]*Metric, len(raw))}
	for k, v := range raw {
		if k == "count" {
			n, err := strconv.ParseInt(string(v), 10, 64)
			if err != nil {
				var f float64
				if ferr := json.Unmarshal(v, &f); ferr != nil {
					return err
				}
				n = int64(f)
			}
			m.Count = n
			continue
		}
		var metric Metric
		if err := json.Unmarshal(v, &metric); err != nil {
			return err
		}
		m.Values[k] = &metric
	}
	return nil
}

// Bucket is the aggregate for one (type, name) pair.
type Bucket struct {
	Name    string         `json:"-"`
	Params  map[string]any `json:"params"`
	Custom  map[string]any `json:"custom,omitempty"`
	Metrics *Metrics       `json:"metrics,omitempty"`
	Stats   *Metric        `json:"stats,omitempty"`
}

// Clone copies the bucket's metric state. Params and custom maps are
// shared; they are never mutated after creation except by an overwriting
// merge, which replaces the map.
func (b *Bucket) Clone() *Bucket {
	if b == nil {
		return nil
	}
	return &Bucket{
		Name:    b.Name,
		Params:  b.Params,
		Custom:  b.Custom,
		Metrics: b.Metrics.Clone(),
		Stats:   b.Stats.Clone(),
	}
}

type typeBuckets struct {
	order  []string
	byName map[string]*Bucket
}

// Aggregator holds buckets grouped by type and name. Bucket order within
// a type follows first insertion. It is safe for concurrent use.
type Aggregator struct {
	mu    sync.Mutex
	types map[string]*typeBuckets
	order []string

	keys cardinality.Tracker
}

// New returns an empty aggregator. Distinct (type, name) keys are estimated
// with a HyperLogLog sketch.
func New() *Aggregator {
	return &Aggregator{
		types: make(map[string]*typeBuckets),
		keys:  cardinality.New(cardinality.Config{Mode: cardinality.ModeHLL}),
	}
}

func (a *Aggregator) bucket(typ, name string, params, custom map[string]any) *Bucket {
	tb, ok := a.types[typ]
	if !ok {
		tb = &typeBuckets{byName: make(map[string]*Bucket)}
		a.types[typ] = tb
		a.order = append(a.order, typ)
	}
	b, ok := tb.byName[name]
	if !ok {
		if params == nil {
			params = map[string]any{}
		}
		b = &Bucket{Name: name, Params: params}
		if custom != nil {
			b.Custom = custom
		}
		tb.byName[name] = b
		tb.order = append(tb.order, name)
		a.keys.Add(typ + "\x00" + name)
	}
	return b
}

// Store records one observation set into bucket (typ, name): the bucket
// count is incremented and every named observation updates its slot. A nil
// map only counts. Params and custom apply only when the bucket is created.
// The returned bucket is a snapshot.
func (a *Aggregator) Store(typ, name string, params map[string]any, obs map[string]Observation, custom map[string]any) *Bucket {
	a.mu.Lock()
	defer a.mu.Unlock()

	b := a.bucket(typ, name, params, custom)
	if b.Metrics == nil {
		b.Metrics = NewMetrics()
	}
	b.Metrics.Count++
	for k, o := range obs {
		b.Metrics.Values[k] = Update(b.Metrics.Values[k], o)
	}
	aggregatorStoresTotal.WithLabelValues(typ).Inc()
	return b.Clone()
}

// StoreMetric updates the single bucket-level statistic of (typ, name).
func (a *Aggregator) StoreMetric(typ, name string, params map[string]any, obs Observation) *Bucket {
	a.mu.Lock()
	defer a.mu.Unlock()

	b := a.bucket(typ, name, params, nil)
	b.Stats = Update(b.Stats, obs)
	aggregatorStoresTotal.WithLabelValues(typ).Inc()
	return b.Clone()
}

// Merge folds a pre-aggregated metric set into bucket (typ, name). Counts
// add; single values are applied as a new observation, expanded values are
// merged. Params replace the bucket's when overwriteParams is set.
func (a *Aggregator) Merge(typ, name string, metrics *Metrics, params map[string]any, overwriteParams bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	b := a.bucket(typ, name, params, nil)
	if overwriteParams && params != nil {
		b.Params = params
	}
	mergeMetrics(b, metrics)
	aggregatorMergesTotal.WithLabelValues(typ).Inc()
}

func mergeMetrics(b *Bucket, metrics *Metrics) {
	if metrics == nil {
		return
	}
	if b.Metrics == nil {
		b.Metrics = metrics.Clone()
		return
	}
	b.Metrics.Count += metrics.Count
	for k, m := range metrics.Values {
		if m == nil {
			continue
		}
		if m.Kind == KindSingle {
			b.Metrics.Values[k] = Update(b.Metrics.Values[k], Measure(m.T))
			continue
		}
		b.Metrics.Values[k] = Merge(b.Metrics.Values[k], m)
	}
}

// Restore merges previously taken buckets back, including their Stats
// slots. Used when a harvest carrying them must be retried.
func (a *Aggregator) Restore(typ string, buckets []*Bucket) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, in := range buckets {
		if in == nil {
			continue
		}
		b := a.bucket(typ, in.Name, in.Params, in.Custom)
		mergeMetrics(b, in.Metrics)
		if in.Stats != nil {
			b.Stats = Merge(b.Stats, in.Stats)
		}
	}
	aggregatorMergesTotal.WithLabelValues(typ).Add(float64(len(buckets)))
}

// Take returns the buckets of the requested types in insertion order,
// removing them when deleteWhenRetrieved is set. It returns nil when none
// of the types hold data.
func (a *Aggregator) Take(types []string, deleteWhenRetrieved bool) map[string][]*Bucket {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out map[string][]*Bucket
	for _, typ := range types {
		tb, ok := a.types[typ]
		if !ok || len(tb.order) == 0 {
			continue
		}
		if out == nil {
			out = make(map[string][]*Bucket)
		}
		list := make([]*Bucket, 0, len(tb.order))
		for _, name := range tb.order {
			b := tb.byName[name]
			if !deleteWhenRetrieved {
				b = b.Clone()
			}
			list = append(list, b)
		}
		out[typ] = list
		aggregatorTakenBucketsTotal.WithLabelValues(typ).Add(float64(len(list)))

		if deleteWhenRetrieved {
			delete(a.types, typ)
			a.removeType(typ)
		}
	}
	if deleteWhenRetrieved && len(a.types) == 0 {
		a.keys.Reset()
	}
	return out
}

func (a *Aggregator) removeType(typ string) {
	for i, t := range a.order {
		if t == typ {
			a.order = append(a.order[:i], a.order[i+1:]...)
			return
		}
	}
}

// Get returns a snapshot of bucket (typ, name), or nil.
func (a *Aggregator) Get(typ, name string) *Bucket {
	a.mu.Lock()
	defer a.mu.Unlock()

	tb, ok := a.types[typ]
	if !ok {
		return nil
	}
	return tb.byName[name].Clone()
}

// Types returns the types currently holding buckets, in insertion order.
func (a *Aggregator) Types() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.order...)
}

// DistinctKeys estimates how many (type, name) keys were created since
// the aggregator was last fully drained.
func (a *Aggregator) DistinctKeys() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.keys.Count()
}
