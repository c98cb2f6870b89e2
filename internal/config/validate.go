package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/szibis/telemetry-harvester/internal/compression"
	"github.com/szibis/telemetry-harvester/internal/harvest"
	"github.com/szibis/telemetry-harvester/internal/logging"
)

// Severity grades a validation issue.
type Severity string

const (
	// SeverityError prevents startup.
	SeverityError Severity = "error"
	// SeverityWarning is reported but does not prevent startup.
	SeverityWarning Severity = "warning"
)

// Issue is one validation finding.
type Issue struct {
	Severity Severity `json:"severity"`
	Field    string   `json:"field"`
	Message  string   `json:"message"`
}

// ValidationResult collects every issue found.
type ValidationResult struct {
	Valid  bool    `json:"valid"`
	Issues []Issue `json:"issues,omitempty"`
}

// JSON renders the result for --validate.
func (r *ValidationResult) JSON() string {
	data, _ := json.MarshalIndent(r, "", "  ")
	return string(data)
}

// Err joins every error-severity issue, or returns nil.
func (r *ValidationResult) Err() error {
	var errs []error
	for _, i := range r.Issues {
		if i.Severity == SeverityError {
			errs = append(errs, fmt.Errorf("%s: %s", i.Field, i.Message))
		}
	}
	return errors.Join(errs...)
}

func (r *ValidationResult) fail(field, format string, args ...any) {
	r.Valid = false
	r.Issues = append(r.Issues, Issue{Severity: SeverityError, Field: field, Message: fmt.Sprintf(format, args...)})
}

func (r *ValidationResult) warn(field, format string, args ...any) {
	r.Issues = append(r.Issues, Issue{Severity: SeverityWarning, Field: field, Message: fmt.Sprintf(format, args...)})
}

// Validate checks the whole configuration and reports all issues at once.
func (c *Config) Validate() *ValidationResult {
	r := &ValidationResult{Valid: true}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		r.fail("log_level", "unknown level %q", c.LogLevel)
	}
	if logging.ParseLevel(c.LogLevel) == logging.LevelDebug {
		r.warn("log_level", "debug logging is verbose on busy agents")
	}

	col := c.Collector
	if col.Host == "" {
		r.fail("collector.host", "must be set")
	}
	if col.LicenseKey == "" {
		r.fail("collector.license_key", "must be set")
	}
	if col.ApplicationID == "" {
		r.fail("collector.application_id", "must be set")
	}
	if col.Scheme != "http" && col.Scheme != "https" {
		r.fail("collector.scheme", "must be http or https, got %q", col.Scheme)
	}
	if col.MaxBytes <= 0 {
		r.fail("collector.max_bytes", "must be positive")
	}
	if _, err := compression.ParseType(string(col.Compression.Type)); err != nil {
		r.fail("collector.compression.type", "%v", err)
	}
	if col.Beacon.MaxBytes <= 0 || col.Beacon.MaxInFlight <= 0 {
		r.fail("collector.beacon", "max_bytes and max_in_flight must be positive")
	}
	if (col.Insecure || col.Scheme == "http") && col.Host != "" && !isLocalhost(col.Host) {
		r.warn("collector.insecure", "plain http to non-local collector %q", col.Host)
	}
	if col.TLS.Enabled {
		checkFile(r, col.TLS.CertFile, "collector.tls.cert_file")
		checkFile(r, col.TLS.KeyFile, "collector.tls.key_file")
		checkFile(r, col.TLS.CAFile, "collector.tls.ca_file")
	}

	if _, err := harvest.NewObfuscator(c.Agent.Obfuscate); err != nil {
		r.fail("agent.obfuscate", "%v", err)
	}

	h := c.Harvest
	if h.Interval <= 0 {
		r.fail("harvest.interval", "must be positive")
	} else if h.Interval.D() < time.Second {
		r.warn("harvest.interval", "intervals under 1s flood the collector")
	}
	if h.InitialDelay < 0 {
		r.fail("harvest.initial_delay", "must not be negative")
	}
	if h.RetryDelay <= 0 {
		r.fail("harvest.retry_delay", "must be positive")
	}

	seen := make(map[string]bool)
	for i, a := range c.Aggregates {
		field := fmt.Sprintf("aggregates[%d]", i)
		if a.Name == "" {
			r.fail(field+".name", "must be set")
		} else if seen[a.Name] {
			r.fail(field+".name", "duplicate feature %q", a.Name)
		}
		seen[a.Name] = true
		if len(a.Types) == 0 {
			r.fail(field+".types", "must list at least one type")
		}
		if a.Interval < 0 {
			r.fail(field+".interval", "must not be negative")
		}
	}

	if c.Trace.Enabled {
		if seen[c.Trace.Name] {
			r.fail("trace.name", "duplicate feature %q", c.Trace.Name)
		}
		if c.Trace.MaxNodes <= 0 {
			r.fail("trace.max_nodes", "must be positive")
		}
		if c.Trace.DegradedWindow <= 0 {
			r.fail("trace.degraded_window", "must be positive")
		}
		for name, th := range c.Trace.Coalesce {
			if th.MaxGap <= 0 || th.MaxLen <= 0 {
				r.fail("trace.coalesce."+name, "max_gap and max_len must be positive")
			}
		}
	}
	for name := range c.Flags {
		if !seen[name] && name != c.Trace.Name {
			r.warn("flags."+name, "no feature named %q", name)
		}
	}

	if types, ok := aggregateTypes(c.Aggregates, c.Receiver.OTLP.Feature); !ok {
		r.warn("receiver.otlp.feature", "no aggregate named %q; OTLP metrics will wait in the backlog", c.Receiver.OTLP.Feature)
	} else if !slices.Contains(types, c.Receiver.OTLP.Type) {
		r.fail("receiver.otlp.type", "aggregate %q does not harvest type %q", c.Receiver.OTLP.Feature, c.Receiver.OTLP.Type)
	}
	if c.Receiver.TLS.Enabled {
		checkFile(r, c.Receiver.TLS.CertFile, "receiver.tls.cert_file")
		checkFile(r, c.Receiver.TLS.KeyFile, "receiver.tls.key_file")
	}
	if c.Receiver.Auth.Enabled && c.Receiver.Auth.BearerToken == "" && c.Receiver.Auth.BasicAuthUsername == "" {
		r.fail("receiver.auth", "enabled without bearer_token or basic_auth_username")
	}

	switch c.Telemetry.Protocol {
	case "grpc", "http":
	default:
		r.fail("telemetry.protocol", "must be grpc or http, got %q", c.Telemetry.Protocol)
	}

	if c.Memory.LimitRatio < 0 || c.Memory.LimitRatio > 1 {
		r.fail("memory.limit_ratio", "must be between 0.0 and 1.0, got %v", c.Memory.LimitRatio)
	}
	return r
}

func aggregateTypes(aggs []AggregateConfig, name string) ([]string, bool) {
	for _, a := range aggs {
		if a.Name == name {
			return a.Types, true
		}
	}
	return nil, false
}

func checkFile(r *ValidationResult, path, field string) {
	if path == "" {
		return
	}
	if _, err := os.Stat(path); err != nil {
		r.warn(field, "file not found: %s", path)
	}
}

func isLocalhost(host string) bool {
	return strings.HasPrefix(host, "localhost") ||
		strings.HasPrefix(host, "127.0.0.1") ||
		strings.HasPrefix(host, "[::1]")
}
