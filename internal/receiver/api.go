package receiver

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/szibis/telemetry-harvester/internal/aggregator"
	"github.com/szibis/telemetry-harvester/internal/feature"
	"github.com/szibis/telemetry-harvester/internal/nodestore"
)

var errEmptyBody = errors.New("empty body")

// storeRecord is one POST /v1/store item. A null metric value records an
// occurrence without a measurement.
type storeRecord struct {
	Feature string              `json:"feature"`
	Type    string              `json:"type"`
	Name    string              `json:"name"`
	Params  map[string]any      `json:"params,omitempty"`
	Metrics map[string]*float64 `json:"metrics,omitempty"`
	Custom  map[string]any      `json:"custom,omitempty"`
}

type metricRecord struct {
	Feature string         `json:"feature"`
	Type    string         `json:"type"`
	Name    string         `json:"name"`
	Params  map[string]any `json:"params,omitempty"`
	Value   *float64       `json:"value"`
}

type mergeRecord struct {
	Feature   string              `json:"feature"`
	Type      string              `json:"type"`
	Name      string              `json:"name"`
	Params    map[string]any      `json:"params,omitempty"`
	Metrics   *aggregator.Metrics `json:"metrics"`
	Overwrite bool                `json:"overwrite_params,omitempty"`
}

type nodeRecord struct {
	Feature string `json:"feature,omitempty"`
	nodestore.Node
}

type eventRecord struct {
	Feature string `json:"feature,omitempty"`
	nodestore.Event
}

type timingRecord struct {
	Feature string             `json:"feature,omitempty"`
	Marks   map[string]float64 `json:"marks"`
}

type historyRecord struct {
	Feature string  `json:"feature,omitempty"`
	Path    string  `json:"path"`
	Old     string  `json:"old"`
	T       float64 `json:"t"`
}

type resourceRecord struct {
	Feature string `json:"feature,omitempty"`
	nodestore.Resource
}

func observation(v *float64) aggregator.Observation {
	if v == nil {
		return aggregator.Occurred()
	}
	return aggregator.Measure(*v)
}

func requireKey(feat, typ, name string) error {
	switch {
	case feat == "":
		return errors.New("feature is required")
	case typ == "":
		return errors.New("type is required")
	case name == "":
		return errors.New("name is required")
	}
	return nil
}

// decodeBatch accepts either one JSON object or an array of them.
func decodeBatch[T any](data []byte) ([]T, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errEmptyBody
	}
	if data[0] == '[' {
		var out []T
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, err
		}
		return out, nil
	}
	var one T
	if err := json.Unmarshal(data, &one); err != nil {
		return nil, err
	}
	return []T{one}, nil
}

// route decodes a batch, validates every record, and emits them only when
// the whole batch is valid.
func route[T any](data []byte, check func(*T) error, send func(*T)) (int, error) {
	recs, err := decodeBatch[T](data)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", errDecode, err)
	}
	for i := range recs {
		if err := check(&recs[i]); err != nil {
			return 0, fmt.Errorf("%w: record %d: %w", errInvalid, i, err)
		}
	}
	for i := range recs {
		send(&recs[i])
	}
	return len(recs), nil
}

func (s *sink) traceFeature(name string) string {
	if name == "" {
		return s.trace
	}
	return name
}

func (s *sink) storeRoute(data []byte) (int, error) {
	return route(data,
		func(r *storeRecord) error { return requireKey(r.Feature, r.Type, r.Name) },
		func(r *storeRecord) {
			var obs map[string]aggregator.Observation
			if r.Metrics != nil {
				obs = make(map[string]aggregator.Observation, len(r.Metrics))
				for k, v := range r.Metrics {
					obs[k] = observation(v)
				}
			}
			s.emit(r.Feature, feature.KindStore, feature.StoreCall{
				Type: r.Type, Name: r.Name, Params: r.Params, Metrics: obs, Custom: r.Custom,
			})
		})
}

func (s *sink) metricRoute(data []byte) (int, error) {
	return route(data,
		func(r *metricRecord) error { return requireKey(r.Feature, r.Type, r.Name) },
		func(r *metricRecord) {
			s.emit(r.Feature, feature.KindMetric, feature.MetricCall{
				Type: r.Type, Name: r.Name, Params: r.Params, Value: observation(r.Value),
			})
		})
}

func (s *sink) mergeRoute(data []byte) (int, error) {
	return route(data,
		func(r *mergeRecord) error {
			if r.Metrics == nil {
				return errors.New("metrics are required")
			}
			return requireKey(r.Feature, r.Type, r.Name)
		},
		func(r *mergeRecord) {
			s.emit(r.Feature, feature.KindMerge, feature.MergeCall{
				Type: r.Type, Name: r.Name, Metrics: r.Metrics, Params: r.Params, Overwrite: r.Overwrite,
			})
		})
}

func (s *sink) nodeRoute(data []byte) (int, error) {
	return route(data,
		func(r *nodeRecord) error {
			if r.Name == "" {
				return errors.New("n is required")
			}
			if r.End < r.Start {
				return errors.New("e before s")
			}
			return nil
		},
		func(r *nodeRecord) { s.emit(s.traceFeature(r.Feature), feature.KindNode, r.Node) })
}

func (s *sink) eventRoute(data []byte) (int, error) {
	return route(data,
		func(r *eventRecord) error {
			if r.Type == "" {
				return errors.New("type is required")
			}
			return nil
		},
		func(r *eventRecord) { s.emit(s.traceFeature(r.Feature), feature.KindEvent, r.Event) })
}

func (s *sink) timingRoute(data []byte) (int, error) {
	return route(data,
		func(r *timingRecord) error {
			if len(r.Marks) == 0 {
				return errors.New("marks are required")
			}
			return nil
		},
		func(r *timingRecord) { s.emit(s.traceFeature(r.Feature), feature.KindTiming, r.Marks) })
}

func (s *sink) historyRoute(data []byte) (int, error) {
	return route(data,
		func(r *historyRecord) error {
			if r.Path == "" {
				return errors.New("path is required")
			}
			return nil
		},
		func(r *historyRecord) {
			s.emit(s.traceFeature(r.Feature), feature.KindHistory, feature.HistoryCall{Path: r.Path, Old: r.Old, T: r.T})
		})
}

func (s *sink) resourceRoute(data []byte) (int, error) {
	return route(data,
		func(r *resourceRecord) error {
			if r.URL == "" {
				return errors.New("url is required")
			}
			return nil
		},
		func(r *resourceRecord) { s.emit(s.traceFeature(r.Feature), feature.KindResource, r.Resource) })
}
