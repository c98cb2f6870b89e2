package receiver

import (
	"bytes"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/szibis/telemetry-harvester/internal/aggregator"
	"github.com/szibis/telemetry-harvester/internal/clock"
	"github.com/szibis/telemetry-harvester/internal/events"
	"github.com/szibis/telemetry-harvester/internal/feature"
	"github.com/szibis/telemetry-harvester/internal/harvest"
	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

func strAttr(k, v string) *commonpb.KeyValue {
	return &commonpb.KeyValue{Key: k, Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: v}}}
}

func ptr(v float64) *float64 { return &v }

func exportRequest(metrics ...*metricspb.Metric) *colmetricspb.ExportMetricsServiceRequest {
	return &colmetricspb.ExportMetricsServiceRequest{
		ResourceMetrics: []*metricspb.ResourceMetrics{{
			Resource:     &resourcepb.Resource{Attributes: []*commonpb.KeyValue{strAttr("service.name", "shop")}},
			ScopeMetrics: []*metricspb.ScopeMetrics{{Metrics: metrics}},
		}},
	}
}

func gauge(name string, values ...float64) *metricspb.Metric {
	dps := make([]*metricspb.NumberDataPoint, 0, len(values))
	for _, v := range values {
		dps = append(dps, &metricspb.NumberDataPoint{
			Attributes: []*commonpb.KeyValue{strAttr("route", "/cart")},
			Value:      &metricspb.NumberDataPoint_AsDouble{AsDouble: v},
		})
	}
	return &metricspb.Metric{Name: name, Data: &metricspb.Metric_Gauge{Gauge: &metricspb.Gauge{DataPoints: dps}}}
}

func counter(name string, v int64) *metricspb.Metric {
	return &metricspb.Metric{Name: name, Data: &metricspb.Metric_Sum{Sum: &metricspb.Sum{
		DataPoints: []*metricspb.NumberDataPoint{{Value: &metricspb.NumberDataPoint_AsInt{AsInt: v}}},
	}}}
}

func histogram(name string) *metricspb.Metric {
	return &metricspb.Metric{Name: name, Data: &metricspb.Metric_Histogram{Histogram: &metricspb.Histogram{
		DataPoints: []*metricspb.HistogramDataPoint{{
			Count:          4,
			Sum:            ptr(100),
			Min:            ptr(10),
			Max:            ptr(40),
			ExplicitBounds: []float64{20, 30},
			BucketCounts:   []uint64{1, 2, 1},
		}},
	}}}
}

// newAggregateSink wires a real aggregate feature behind the emitter.
func newAggregateSink(t *testing.T) (*sink, *feature.Aggregate) {
	t.Helper()
	clk := clock.NewFake(time.Unix(0, 0))
	em := events.NewEmitter(0)
	h := harvest.New(harvest.Config{Host: "collector.invalid"}, nil, nil, clk)
	agg := feature.NewAggregate(feature.Config{Name: DefaultOTLPFeature, Interval: time.Minute}, []string{DefaultOTLPType}, h, clk, em)
	em.Drain(DefaultOTLPFeature)
	return newSink(em, Target{}, ""), agg
}

func TestIngestGaugeAndSum(t *testing.T) {
	s, agg := newAggregateSink(t)

	n := s.ingest(exportRequest(
		gauge("cart.size", 3, 5, math.NaN()),
		counter("checkout.count", 7),
	).GetResourceMetrics())
	if n != 3 {
		t.Fatalf("mapped %d points, want 3 (NaN skipped)", n)
	}

	b := agg.Aggregator().Get(DefaultOTLPType, "cart.size{route=/cart}")
	if b == nil {
		t.Fatal("expected a bucket keyed by name and attributes")
	}
	if b.Params["service.name"] != "shop" || b.Params["route"] != "/cart" {
		t.Errorf("params = %v", b.Params)
	}
	v := b.Metrics.Values[valueSlot]
	if b.Metrics.Count != 2 || v.Kind != aggregator.KindStat || v.T != 8 || v.Min != 3 || v.Max != 5 || v.SOS != 34 {
		t.Errorf("unexpected gauge aggregate count=%d %+v", b.Metrics.Count, v)
	}

	c := agg.Aggregator().Get(DefaultOTLPType, "checkout.count")
	if c == nil || c.Metrics.Values[valueSlot].Kind != aggregator.KindSingle || c.Metrics.Values[valueSlot].T != 7 {
		t.Errorf("unexpected sum aggregate %+v", c)
	}
}

func TestIngestHistogramMerges(t *testing.T) {
	s, agg := newAggregateSink(t)

	s.ingest(exportRequest(histogram("latency")).GetResourceMetrics())
	s.ingest(exportRequest(histogram("latency")).GetResourceMetrics())

	b := agg.Aggregator().Get(DefaultOTLPType, "latency")
	if b == nil {
		t.Fatal("missing bucket")
	}
	v := b.Metrics.Values[valueSlot]
	if b.Metrics.Count != 8 || v.C != 8 || v.T != 200 || v.Min != 10 || v.Max != 40 {
		t.Errorf("unexpected merged histogram count=%d %+v", b.Metrics.Count, v)
	}
	// midpoints 15, 25, 35 weighted 1, 2, 1
	if want := 2 * (15*15 + 2*25*25 + 35*35.0); v.SOS != want {
		t.Errorf("sos = %v, want %v", v.SOS, want)
	}
}

func TestPointConversions(t *testing.T) {
	if histogramStat(&metricspb.HistogramDataPoint{}) != nil {
		t.Error("empty histogram should map to nothing")
	}

	h := histogramStat(&metricspb.HistogramDataPoint{Count: 2, Sum: ptr(10)})
	if h.Min != 5 || h.Max != 5 || h.SOS != 50 {
		t.Errorf("histogram without buckets or bounds: %+v", h)
	}

	sm := summaryStat(&metricspb.SummaryDataPoint{
		Count: 3, Sum: 30,
		QuantileValues: []*metricspb.SummaryDataPoint_ValueAtQuantile{
			{Quantile: 0, Value: 2}, {Quantile: 0.5, Value: 9}, {Quantile: 1, Value: 20},
		},
	})
	if sm.Kind != aggregator.KindStat || sm.Min != 2 || sm.Max != 20 || sm.C != 3 || sm.T != 30 {
		t.Errorf("summary: %+v", sm)
	}

	eh := expHistogramStat(&metricspb.ExponentialHistogramDataPoint{Count: 4, Sum: ptr(8), Max: ptr(5)})
	if eh.Min != 2 || eh.Max != 5 || eh.SOS != 16 {
		t.Errorf("exponential histogram: %+v", eh)
	}
}

func TestSeriesName(t *testing.T) {
	attrs := []*commonpb.KeyValue{
		strAttr("status", "200"),
		{Key: "code", Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: 2}}},
	}
	if got := seriesName("http", attrs); got != "http{code=2,status=200}" {
		t.Errorf("seriesName = %q", got)
	}
	if got := seriesName("http", nil); got != "http" {
		t.Errorf("seriesName without attributes = %q", got)
	}
}

func TestOTLPHTTP(t *testing.T) {
	em := events.NewEmitter(0)
	r, err := NewHTTP(HTTPConfig{OTLP: Target{Feature: "web", Type: "vitals"}}, em)
	if err != nil {
		t.Fatal(err)
	}
	rec := newRecorder(em, "web")
	req := exportRequest(gauge("lcp", 1200))

	pb, _ := proto.Marshal(req)
	js, _ := protojson.Marshal(req)
	for _, tc := range []struct {
		ct   string
		body []byte
	}{
		{contentTypeProtobuf, pb},
		{contentTypeJSON + "; charset=utf-8", js},
	} {
		t.Run(tc.ct, func(t *testing.T) {
			hr := httptest.NewRequest(http.MethodPost, "/v1/metrics", bytes.NewReader(tc.body))
			hr.Header.Set("Content-Type", tc.ct)
			resp := httptest.NewRecorder()
			r.Handler().ServeHTTP(resp, hr)
			if resp.Code != http.StatusOK {
				t.Fatalf("status = %d: %s", resp.Code, resp.Body.String())
			}
		})
	}

	calls := rec.get("web.store")
	if len(calls) != 2 {
		t.Fatalf("store calls = %d, want 2", len(calls))
	}
	if c := calls[0].(feature.StoreCall); c.Type != "vitals" || c.Name != "lcp{route=/cart}" {
		t.Errorf("unexpected call %+v", c)
	}

	hr := httptest.NewRequest(http.MethodPost, "/v1/metrics", bytes.NewReader(pb))
	hr.Header.Set("Content-Type", "text/plain")
	resp := httptest.NewRecorder()
	r.Handler().ServeHTTP(resp, hr)
	if resp.Code != http.StatusUnsupportedMediaType {
		t.Errorf("text/plain status = %d, want 415", resp.Code)
	}

	hr = httptest.NewRequest(http.MethodPost, "/v1/metrics", bytes.NewReader([]byte{0xff, 0x01}))
	hr.Header.Set("Content-Type", contentTypeProtobuf)
	resp = httptest.NewRecorder()
	r.Handler().ServeHTTP(resp, hr)
	if resp.Code != http.StatusBadRequest {
		t.Errorf("garbage status = %d, want 400", resp.Code)
	}
}
