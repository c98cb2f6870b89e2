package aggregator

import (
	"encoding/json"
	"fmt"
	"math"
)

// Kind tags the shape a Metric currently has.
type Kind uint8

const (
	// KindCount records occurrences without a measured value: {"c":n}.
	KindCount Kind = iota + 1
	// KindSingle holds exactly one measured value: {"t":v}.
	KindSingle
	// KindStat holds running statistics: {"t","min","max","sos","c"}.
	KindStat
)

func (k Kind) String() string {
	switch k {
	case KindCount:
		return "count"
	case KindSingle:
		return "single"
	case KindStat:
		return "stat"
	default:
		return "unknown"
	}
}

// Observation is one data point fed into a metric slot. The zero value
// means "it happened" with nothing measured.
type Observation struct {
	Value    float64
	Measured bool
}

// Measure returns an Observation carrying v.
func Measure(v float64) Observation {
	return Observation{Value: v, Measured: true}
}

// Occurred returns an Observation with no measured value.
func Occurred() Observation {
	return Observation{}
}

// Metric is the condensed-or-expanded statistic for one metric name.
// Only the fields meaningful for Kind are populated.
type Metric struct {
	Kind Kind
	T    float64
	Min  float64
	Max  float64
	SOS  float64
	C    int64
}

// Single returns a condensed single-value metric.
func Single(v float64) *Metric {
	return &Metric{Kind: KindSingle, T: v}
}

// Counter returns a count-only metric.
func Counter(c int64) *Metric {
	return &Metric{Kind: KindCount, C: c}
}

// Stat returns an expanded metric seeded from the given running values.
func Stat(t, min, max, sos float64, c int64) *Metric {
	return &Metric{Kind: KindStat, T: t, Min: min, Max: max, SOS: sos, C: c}
}

// Clone returns a copy of m, or nil.
func (m *Metric) Clone() *Metric {
	if m == nil {
		return nil
	}
	c := *m
	return &c
}

// Promote expands a single value into running statistics with c=1.
// Count-only and already expanded metrics are returned unchanged.
func (m *Metric) Promote() *Metric {
	if m == nil || m.Kind != KindSingle {
		return m
	}
	return Stat(m.T, m.T, m.T, m.T*m.T, 1)
}

func (m *Metric) fold(v float64) {
	m.C++
	m.T += v
	m.SOS += v * v
	m.Min = math.Min(m.Min, v)
	m.Max = math.Max(m.Max, v)
}

// Update folds obs into slot m and returns the resulting slot. m may be
// nil. The slot is modified in place when it already exists.
func Update(m *Metric, obs Observation) *Metric {
	if !obs.Measured {
		switch {
		case m == nil:
			return Counter(1)
		case m.Kind == KindSingle:
			m = m.Promote()
		}
		m.C++
		return m
	}

	v := obs.Value
	switch {
	case m == nil:
		return Single(v)
	case m.Kind == KindSingle:
		m = m.Promote()
		m.fold(v)
		return m
	case m.Kind == KindCount:
		// earlier occurrences carried no value; the first measured one seeds the range
		return Stat(v, v, v, v*v, m.C+1)
	default:
		m.fold(v)
		return m
	}
}

// Merge combines two metrics without modifying either. The operation is
// associative and commutative.
func Merge(a, b *Metric) *Metric {
	if a == nil {
		return b.Clone()
	}
	if b == nil {
		return a.Clone()
	}
	a, b = a.Promote(), b.Promote()

	if a.Kind == KindCount && b.Kind == KindCount {
		return Counter(a.C + b.C)
	}
	if a.Kind == KindCount {
		a, b = b, a
	}
	if b.Kind == KindCount {
		out := a.Clone()
		out.C += b.C
		return out
	}
	return Stat(a.T+b.T, math.Min(a.Min, b.Min), math.Max(a.Max, b.Max), a.SOS+b.SOS, a.C+b.C)
}

// Count returns the number of observations the metric represents.
func (m *Metric) Count() int64 {
	if m == nil {
		return 0
	}
	if m.Kind == KindSingle {
		return 1
	}
	return m.C
}

// Mean returns t/c, or 0 when nothing was measured.
func (m *Metric) Mean() float64 {
	switch {
	case m == nil, m.Kind == KindCount:
		return 0
	case m.Kind == KindSingle:
		return m.T
	case m.C == 0:
		return 0
	default:
		return m.T / float64(m.C)
	}
}

// Variance returns the population variance reconstructed from sos, t and c.
func (m *Metric) Variance() float64 {
	if m == nil || m.Kind != KindStat || m.C == 0 {
		return 0
	}
	mean := m.T / float64(m.C)
	v := m.SOS/float64(m.C) - mean*mean
	if v < 0 {
		return 0
	}
	return v
}

type wireMetric struct {
	T   *float64 `json:"t,omitempty"`
	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`
	SOS *float64 `json:"sos,omitempty"`
	C   *int64   `json:"c,omitempty"`
}

// MarshalJSON writes the condensed or expanded wire shape.
func (m Metric) MarshalJSON() ([]byte, error) {
	switch m.Kind {
	case KindCount:
		return json.Marshal(struct {
			C int64 `json:"c"`
		}{m.C})
	case KindSingle:
		return json.Marshal(struct {
			T float64 `json:"t"`
		}{m.T})
	case KindStat:
		return json.Marshal(struct {
			T   float64 `json:"t"`
			Min float64 `json:"min"`
			Max float64 `json:"max"`
			SOS float64 `json:"sos"`
			C   int64   `json:"c"`
		}{m.T, m.Min, m.Max, m.SOS, m.C})
	default:
		return nil, fmt.Errorf("aggregator: cannot marshal metric of kind %d", m.Kind)
	}
}

// UnmarshalJSON infers the Kind from which fields are present.
func (m *Metric) UnmarshalJSON(data []byte) error {
	var w wireMetric
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch {
	case w.T != nil && w.C != nil:
		*m = Metric{Kind: KindStat, T: *w.T, C: *w.C}
		if w.Min != nil {
			m.Min = *w.Min
		}
		if w.Max != nil {
			m.Max = *w.Max
		}
		if w.SOS != nil {
			m.SOS = *w.SOS
		}
	case w.T != nil:
		*m = Metric{Kind: KindSingle, T: *w.T}
	case w.C != nil:
		*m = Metric{Kind: KindCount, C: *w.C}
	default:
		return fmt.Errorf("aggregator: metric has neither t nor c: %s", data)
	}
	return nil
}
