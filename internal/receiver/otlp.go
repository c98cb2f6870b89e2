package receiver

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/szibis/telemetry-harvester/internal/aggregator"
	"github.com/szibis/telemetry-harvester/internal/feature"
	"github.com/szibis/telemetry-harvester/internal/intern"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"
)

// valueSlot names the metric slot OTLP values are folded into.
const valueSlot = "value"

// ingest maps every data point onto the OTLP target: gauge and sum points
// are stored as observations, histogram and summary points are merged as
// pre-aggregated stats. Returns the number of points mapped.
func (s *sink) ingest(rms []*metricspb.ResourceMetrics) int {
	n := 0
	for _, rm := range rms {
		res := attributes(rm.GetResource().GetAttributes())
		for _, sm := range rm.GetScopeMetrics() {
			for _, m := range sm.GetMetrics() {
				n += s.ingestMetric(res, m)
			}
		}
	}
	receiverDatapointsTotal.Add(float64(n))
	return n
}

func (s *sink) ingestMetric(res map[string]any, m *metricspb.Metric) int {
	n := 0
	switch d := m.GetData().(type) {
	case *metricspb.Metric_Gauge:
		for _, dp := range d.Gauge.GetDataPoints() {
			n += s.store(m.GetName(), res, dp)
		}
	case *metricspb.Metric_Sum:
		for _, dp := range d.Sum.GetDataPoints() {
			n += s.store(m.GetName(), res, dp)
		}
	case *metricspb.Metric_Histogram:
		for _, dp := range d.Histogram.GetDataPoints() {
			n += s.merge(m.GetName(), res, dp.GetAttributes(), histogramStat(dp))
		}
	case *metricspb.Metric_ExponentialHistogram:
		for _, dp := range d.ExponentialHistogram.GetDataPoints() {
			n += s.merge(m.GetName(), res, dp.GetAttributes(), expHistogramStat(dp))
		}
	case *metricspb.Metric_Summary:
		for _, dp := range d.Summary.GetDataPoints() {
			n += s.merge(m.GetName(), res, dp.GetAttributes(), summaryStat(dp))
		}
	}
	return n
}

func (s *sink) store(name string, res map[string]any, dp *metricspb.NumberDataPoint) int {
	var v float64
	switch val := dp.GetValue().(type) {
	case *metricspb.NumberDataPoint_AsDouble:
		v = val.AsDouble
	case *metricspb.NumberDataPoint_AsInt:
		v = float64(val.AsInt)
	default:
		return 0
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	attrs := dp.GetAttributes()
	s.emit(s.otlp.Feature, feature.KindStore, feature.StoreCall{
		Type:    s.otlp.Type,
		Name:    seriesName(name, attrs),
		Params:  params(res, attrs),
		Metrics: map[string]aggregator.Observation{valueSlot: aggregator.Measure(v)},
	})
	return 1
}

func (s *sink) merge(name string, res map[string]any, attrs []*commonpb.KeyValue, stat *aggregator.Metric) int {
	if stat == nil {
		return 0
	}
	s.emit(s.otlp.Feature, feature.KindMerge, feature.MergeCall{
		Type: s.otlp.Type,
		Name: seriesName(name, attrs),
		Metrics: &aggregator.Metrics{
			Count:  stat.C,
			Values: map[string]*aggregator.Metric{valueSlot: stat},
		},
		Params: params(res, attrs),
	})
	return 1
}

// histogramStat converts a histogram point. The sum of squares is estimated
// from bucket midpoints; min and max fall back to the mean when absent.
func histogramStat(dp *metricspb.HistogramDataPoint) *aggregator.Metric {
	count := dp.GetCount()
	if count == 0 {
		return nil
	}
	sum := dp.GetSum()
	mean := sum / float64(count)
	lo, hi := mean, mean
	if dp.Min != nil {
		lo = dp.GetMin()
	}
	if dp.Max != nil {
		hi = dp.GetMax()
	}

	bounds, counts := dp.GetExplicitBounds(), dp.GetBucketCounts()
	if len(counts) == 0 || len(counts) != len(bounds)+1 {
		return aggregator.Stat(sum, lo, hi, float64(count)*mean*mean, int64(count))
	}
	var sos float64
	for i, c := range counts {
		if c == 0 {
			continue
		}
		lower, upper := lo, hi
		if i > 0 {
			lower = math.Max(bounds[i-1], lo)
		}
		if i < len(bounds) {
			upper = math.Min(bounds[i], hi)
		}
		mid := (lower + upper) / 2
		sos += float64(c) * mid * mid
	}
	return aggregator.Stat(sum, lo, hi, sos, int64(count))
}

func expHistogramStat(dp *metricspb.ExponentialHistogramDataPoint) *aggregator.Metric {
	count := dp.GetCount()
	if count == 0 {
		return nil
	}
	sum := dp.GetSum()
	mean := sum / float64(count)
	lo, hi := mean, mean
	if dp.Min != nil {
		lo = dp.GetMin()
	}
	if dp.Max != nil {
		hi = dp.GetMax()
	}
	return aggregator.Stat(sum, lo, hi, float64(count)*mean*mean, int64(count))
}

// summaryStat takes min and max from the 0 and 1 quantiles when present.
func summaryStat(dp *metricspb.SummaryDataPoint) *aggregator.Metric {
	count := dp.GetCount()
	if count == 0 {
		return nil
	}
	sum := dp.GetSum()
	mean := sum / float64(count)
	lo, hi := mean, mean
	for _, q := range dp.GetQuantileValues() {
		switch q.GetQuantile() {
		case 0:
			lo = q.GetValue()
		case 1:
			hi = q.GetValue()
		}
	}
	return aggregator.Stat(sum, lo, hi, float64(count)*mean*mean, int64(count))
}

// seriesName keys a bucket by metric name and point attributes so distinct
// series do not share a bucket.
func seriesName(name string, attrs []*commonpb.KeyValue) string {
	name = intern.Names.Intern(name)
	if len(attrs) == 0 {
		return name
	}
	pairs := make([]string, 0, len(attrs))
	for _, kv := range attrs {
		pairs = append(pairs, kv.GetKey()+"="+fmt.Sprint(anyValue(kv.GetValue())))
	}
	sort.Strings(pairs)
	return name + "{" + strings.Join(pairs, ",") + "}"
}

func params(res map[string]any, attrs []*commonpb.KeyValue) map[string]any {
	out := make(map[string]any, len(res)+len(attrs))
	for k, v := range res {
		out[k] = v
	}
	for _, kv := range attrs {
		out[intern.Keys.Intern(kv.GetKey())] = anyValue(kv.GetValue())
	}
	return out
}

func attributes(kvs []*commonpb.KeyValue) map[string]any {
	out := make(map[string]any, len(kvs))
	for _, kv := range kvs {
		out[intern.Keys.Intern(kv.GetKey())] = anyValue(kv.GetValue())
	}
	return out
}

func anyValue(v *commonpb.AnyValue) any {
	switch val := v.GetValue().(type) {
	case *commonpb.AnyValue_StringValue:
		return val.StringValue
	case *commonpb.AnyValue_BoolValue:
		return val.BoolValue
	case *commonpb.AnyValue_IntValue:
		return val.IntValue
	case *commonpb.AnyValue_DoubleValue:
		return val.DoubleValue
	case *commonpb.AnyValue_BytesValue:
		return fmt.Sprintf("%x", val.BytesValue)
	case *commonpb.AnyValue_ArrayValue:
		out := make([]any, 0, len(val.ArrayValue.GetValues()))
		for _, e := range val.ArrayValue.GetValues() {
			out = append(out, anyValue(e))
		}
		return out
	case *commonpb.AnyValue_KvlistValue:
		return attributes(val.KvlistValue.GetValues())
	default:
		return nil
	}
}
