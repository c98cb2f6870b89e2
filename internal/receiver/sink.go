// Package receiver accepts instrumentation events over HTTP and OTLP metrics
// over gRPC or HTTP and hands them to features through the event emitter.
package receiver

import (
	"github.com/szibis/telemetry-harvester/internal/events"
	"github.com/szibis/telemetry-harvester/internal/feature"
)

// Defaults for Target and the trace feature name.
const (
	DefaultOTLPFeature = "metrics"
	DefaultOTLPType    = "otlp"
	DefaultTrace       = "trace"
)

// Target is the aggregate feature and bucket type OTLP data points land in.
type Target struct {
	Feature string
	Type    string
}

func (t Target) withDefaults() Target {
	if t.Feature == "" {
		t.Feature = DefaultOTLPFeature
	}
	if t.Type == "" {
		t.Type = DefaultOTLPType
	}
	return t
}

// sink routes decoded records to features. Events for a feature that has not
// started yet wait in the emitter backlog.
type sink struct {
	emitter *events.Emitter
	otlp    Target
	trace   string
}

func newSink(emitter *events.Emitter, otlp Target, trace string) *sink {
	if trace == "" {
		trace = DefaultTrace
	}
	return &sink{emitter: emitter, otlp: otlp.withDefaults(), trace: trace}
}

func (s *sink) emit(group, kind string, call any) {
	s.emitter.Buffer(group, feature.EventName(group, kind), call)
	receiverEventsTotal.WithLabelValues(group, kind).Inc()
}

func (s *sink) sessionReset() {
	s.emitter.Emit(events.SessionReset)
}
