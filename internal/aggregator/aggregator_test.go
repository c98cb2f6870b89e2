package aggregator

import (
	"encoding/json"
	"math"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestStoreCountOnly(t *testing.T) {
	a := New()
	for i := 0; i < 3; i++ {
		a.Store("jserrors", "TypeError", map[string]any{}, nil, nil)
	}

	got := a.Take([]string{"jserrors"}, true)
	if got == nil {
		t.Fatal("expected data")
	}
	b := got["jserrors"][0]
	if b.Metrics.Count != 3 {
		t.Errorf("count = %d, want 3", b.Metrics.Count)
	}
	if len(b.Metrics.Values) != 0 {
		t.Errorf("unexpected metric keys: %v", b.Metrics.Values)
	}

	data, err := json.Marshal(b.Metrics)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"count":3}` {
		t.Errorf("metrics JSON = %s", data)
	}
}

func TestStoreRunningStat(t *testing.T) {
	values := []float64{4, -2, 10, 3.5, 0}
	a := New()
	for _, v := range values {
		a.Store("xhr", "GET /api", nil, map[string]Observation{"duration": Measure(v)}, nil)
	}

	m := a.Get("xhr", "GET /api").Metrics.Values["duration"]
	var sum, sos float64
	min, max := math.Inf(1), math.Inf(-1)
	for _, v := range values {
		sum += v
		sos += v * v
		min = math.Min(min, v)
		max = math.Max(max, v)
	}
	if m.Kind != KindStat {
		t.Fatalf("kind = %v, want stat", m.Kind)
	}
	if !approx(m.T, sum) || !approx(m.SOS, sos) || m.Min != min || m.Max != max || m.C != int64(len(values)) {
		t.Errorf("got %+v", m)
	}
}

func TestSingleObservationStaysCondensed(t *testing.T) {
	a := New()
	b := a.Store("xhr", "GET /", nil, map[string]Observation{"duration": Measure(42)}, nil)

	m := b.Metrics.Values["duration"]
	if m.Kind != KindSingle || m.T != 42 {
		t.Fatalf("got %+v", m)
	}
	data, _ := json.Marshal(m)
	if string(data) != `{"t":42}` {
		t.Errorf("JSON = %s", data)
	}
}

func TestUpdateRules(t *testing.T) {
	tests := []struct {
		name string
		obs  []Observation
		want Metric
	}{
		{"occurrence", []Observation{Occurred()}, Metric{Kind: KindCount, C: 1}},
		{"occurrences", []Observation{Occurred(), Occurred()}, Metric{Kind: KindCount, C: 2}},
		{"single", []Observation{Measure(5)}, Metric{Kind: KindSingle, T: 5}},
		{"expand", []Observation{Measure(2), Measure(3)}, Metric{Kind: KindStat, T: 5, Min: 2, Max: 3, SOS: 13, C: 2}},
		{"occurrence after single", []Observation{Measure(2), Occurred()}, Metric{Kind: KindStat, T: 2, Min: 2, Max: 2, SOS: 4, C: 2}},
		{"value after occurrences", []Observation{Occurred(), Occurred(), Measure(3)}, Metric{Kind: KindStat, T: 3, Min: 3, Max: 3, SOS: 9, C: 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var m *Metric
			for _, o := range tt.obs {
				m = Update(m, o)
			}
			if *m != tt.want {
				t.Errorf("got %+v, want %+v", *m, tt.want)
			}
		})
	}
}

func TestMergeAssociative(t *testing.T) {
	a := Stat(10, 1, 6, 50, 3)
	b := Single(7)
	c := Stat(-4, -4, 0, 16, 2)

	left := Merge(Merge(a, b), c)
	right := Merge(a, Merge(b, c))
	if *left != *right {
		t.Errorf("merge not associative: %+v vs %+v", *left, *right)
	}
	if left.C != 6 || left.T != 13 || left.Min != -4 || left.Max != 7 || left.SOS != 115 {
		t.Errorf("unexpected merge result %+v", *left)
	}
	if a.C != 3 || b.Kind != KindSingle {
		t.Error("merge modified its inputs")
	}
}

func TestMergeCountOnly(t *testing.T) {
	got := Merge(Counter(2), Single(4))
	want := Metric{Kind: KindStat, T: 4, Min: 4, Max: 4, SOS: 16, C: 3}
	if *got != want {
		t.Errorf("got %+v, want %+v", *got, want)
	}
	if got := Merge(Counter(2), Counter(5)); *got != *Counter(7) {
		t.Errorf("got %+v", *got)
	}
}

func TestAggregatorMerge(t *testing.T) {
	a := New()
	a.Store("pvt", "fcp", map[string]any{"first": true}, map[string]Observation{"v": Measure(100)}, nil)

	incoming := &Metrics{Count: 2, Values: map[string]*Metric{
		"v":     Stat(300, 100, 200, 50000, 2),
		"other": Single(9),
	}}
	a.Merge("pvt", "fcp", incoming, map[string]any{"first": false}, false)

	b := a.Get("pvt", "fcp")
	if b.Params["first"] != true {
		t.Error("params overwritten without overwriteParams")
	}
	if b.Metrics.Count != 3 {
		t.Errorf("count = %d, want 3", b.Metrics.Count)
	}
	v := b.Metrics.Values["v"]
	if v.C != 3 || v.T != 400 || v.Min != 100 || v.Max != 200 {
		t.Errorf("merged v = %+v", v)
	}
	if o := b.Metrics.Values["other"]; o.Kind != KindSingle || o.T != 9 {
		t.Errorf("other = %+v", o)
	}

	a.Merge("pvt", "fcp", nil, map[string]any{"first": false}, true)
	if a.Get("pvt", "fcp").Params["first"] != false {
		t.Error("params not overwritten")
	}
}

func TestParamsKeptFromFirstStore(t *testing.T) {
	a := New()
	a.Store("err", "x", map[string]any{"stack": "first"}, nil, map[string]any{"k": 1})
	a.Store("err", "x", map[string]any{"stack": "second"}, nil, map[string]any{"k": 2})

	b := a.Get("err", "x")
	if b.Params["stack"] != "first" || b.Custom["k"] != 1 {
		t.Errorf("bucket = %+v", b)
	}
}

func TestTakeDestructive(t *testing.T) {
	a := New()
	a.Store("a", "1", nil, nil, nil)
	a.Store("a", "2", nil, nil, nil)
	a.StoreMetric("b", "1", nil, Measure(3))

	peek := a.Take([]string{"a"}, false)
	if len(peek["a"]) != 2 {
		t.Fatalf("peek = %v", peek)
	}
	if again := a.Take([]string{"a"}, false); len(again["a"]) != 2 {
		t.Error("non-destructive take removed data")
	}

	got := a.Take([]string{"a", "b", "missing"}, true)
	if len(got) != 2 {
		t.Errorf("types = %d, want 2", len(got))
	}
	if got["a"][0].Name != "1" || got["a"][1].Name != "2" {
		t.Error("buckets not in insertion order")
	}
	if got["b"][0].Stats.T != 3 {
		t.Errorf("stats = %+v", got["b"][0].Stats)
	}

	if again := a.Take([]string{"a", "b"}, true); again != nil {
		t.Errorf("second take = %v, want nil", again)
	}
	if a.DistinctKeys() != 0 {
		t.Errorf("distinct keys = %d after drain", a.DistinctKeys())
	}
}

func TestRestore(t *testing.T) {
	a := New()
	a.Store("err", "x", nil, map[string]Observation{"d": Measure(1)}, nil)
	a.StoreMetric("err", "x", nil, Measure(5))
	taken := a.Take([]string{"err"}, true)

	a.Store("err", "x", nil, map[string]Observation{"d": Measure(2)}, nil)
	a.Restore("err", taken["err"])

	b := a.Get("err", "x")
	if b.Metrics.Count != 2 {
		t.Errorf("count = %d, want 2", b.Metrics.Count)
	}
	if d := b.Metrics.Values["d"]; d.C != 2 || d.T != 3 {
		t.Errorf("d = %+v", d)
	}
	if b.Stats.T != 5 {
		t.Errorf("stats = %+v", b.Stats)
	}
}

func TestBucketJSONRoundTrip(t *testing.T) {
	a := New()
	a.Store("t", "n", map[string]any{"p": "v"}, map[string]Observation{"x": Measure(1), "y": Occurred()}, nil)
	a.Store("t", "n", nil, map[string]Observation{"x": Measure(3)}, nil)

	data, err := json.Marshal(a.Get("t", "n"))
	if err != nil {
		t.Fatal(err)
	}
	var back Bucket
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if back.Metrics.Count != 2 {
		t.Errorf("count = %d", back.Metrics.Count)
	}
	if x := back.Metrics.Values["x"]; x.Kind != KindStat || x.T != 4 || x.C != 2 {
		t.Errorf("x = %+v", x)
	}
	if y := back.Metrics.Values["y"]; y.Kind != KindCount || y.C != 1 {
		t.Errorf("y = %+v", y)
	}
}

func TestMeanVariance(t *testing.T) {
	var m *Metric
	for _, v := range []float64{2, 4, 4, 4, 5, 5, 7, 9} {
		m = Update(m, Measure(v))
	}
	if !approx(m.Mean(), 5) {
		t.Errorf("mean = %v", m.Mean())
	}
	if !approx(m.Variance(), 4) {
		t.Errorf("variance = %v", m.Variance())
	}
}

func TestConcurrentStore(t *testing.T) {
	a := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				a.Store("c", "n", nil, map[string]Observation{"v": Measure(1)}, nil)
			}
		}()
	}
	wg.Wait()

	b := a.Get("c", "n")
	if b.Metrics.Count != 800 || b.Metrics.Values["v"].C != 800 {
		t.Errorf("count = %d, c = %d", b.Metrics.Count, b.Metrics.Values["v"].C)
	}
}

func TestStoreCounterMetric(t *testing.T) {
	before := counterValue(t, "telemetry_harvester_aggregator_stores_total", "metric-test")

	a := New()
	a.Store("metric-test", "n", nil, nil, nil)
	a.StoreMetric("metric-test", "n", nil, Measure(1))

	after := counterValue(t, "telemetry_harvester_aggregator_stores_total", "metric-test")
	if after-before != 2 {
		t.Errorf("stores_total delta = %v, want 2", after-before)
	}
}

func counterValue(t *testing.T, name, typ string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if labelValue(m, "type") == typ {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}
