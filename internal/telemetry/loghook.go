package telemetry

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/szibis/telemetry-harvester/internal/logging"
	otellog "go.opentelemetry.io/otel/log"
)

var severities = map[logging.Level]otellog.Severity{
	logging.LevelDebug: otellog.SeverityDebug,
	logging.LevelInfo:  otellog.SeverityInfo,
	logging.LevelWarn:  otellog.SeverityWarn,
	logging.LevelError: otellog.SeverityError,
	logging.LevelFatal: otellog.SeverityFatal,
}

// Hook forwards log entries to the OTEL logger. It returns nil when export
// is disabled.
func (t *Telemetry) Hook() logging.LogHook {
	if !t.Enabled() {
		return nil
	}
	logger := t.logger
	return func(level logging.Level, msg string, attrs map[string]interface{}) {
		logger.Emit(context.Background(), record(time.Now(), level, msg, attrs))
	}
}

// Attach installs Hook on the process logger. Detach with logging.SetHook(nil).
func (t *Telemetry) Attach() {
	if hook := t.Hook(); hook != nil {
		logging.SetHook(hook)
	}
}

func record(ts time.Time, level logging.Level, msg string, attrs map[string]interface{}) otellog.Record {
	var r otellog.Record
	r.SetTimestamp(ts)
	r.SetBody(otellog.StringValue(msg))
	r.SetSeverityText(string(level))
	if sev, ok := severities[level]; ok {
		r.SetSeverity(sev)
	} else {
		r.SetSeverity(otellog.SeverityInfo)
	}

	if len(attrs) > 0 {
		keys := make([]string, 0, len(attrs))
		for k := range attrs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		kvs := make([]otellog.KeyValue, 0, len(keys))
		for _, k := range keys {
			kvs = append(kvs, otellog.KeyValue{Key: k, Value: value(attrs[k])})
		}
		r.AddAttributes(kvs...)
	}
	return r
}

func value(v interface{}) otellog.Value {
	switch val := v.(type) {
	case nil:
		return otellog.StringValue("<nil>")
	case string:
		return otellog.StringValue(val)
	case bool:
		return otellog.BoolValue(val)
	case int:
		return otellog.IntValue(val)
	case int64:
		return otellog.Int64Value(val)
	case uint64:
		return otellog.Int64Value(int64(val))
	case float64:
		return otellog.Float64Value(val)
	case time.Duration:
		return otellog.StringValue(val.String())
	case error:
		return otellog.StringValue(val.Error())
	default:
		return otellog.StringValue(fmt.Sprint(val))
	}
}
