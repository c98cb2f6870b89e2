package config

import (
	"fmt"

	"github.com/szibis/telemetry-harvester/internal/feature"
	"github.com/szibis/telemetry-harvester/internal/harvest"
	"github.com/szibis/telemetry-harvester/internal/nodestore"
	"github.com/szibis/telemetry-harvester/internal/receiver"
	"github.com/szibis/telemetry-harvester/internal/telemetry"
	"github.com/szibis/telemetry-harvester/internal/transport"
)

// TransportConfig returns the collector HTTP client settings.
func (c *Config) TransportConfig() transport.ClientConfig {
	col := c.Collector
	return transport.ClientConfig{
		Timeout:              col.Timeout.D(),
		Insecure:             col.Insecure,
		TLS:                  col.TLS,
		Auth:                 col.Auth,
		Compression:          col.Compression,
		TooManyRequestsDelay: col.TooManyRequestsDelay.D(),
		MaxIdleConns:         col.HTTPClient.MaxIdleConns,
		MaxIdleConnsPerHost:  col.HTTPClient.MaxIdleConnsPerHost,
		IdleConnTimeout:      col.HTTPClient.IdleConnTimeout.D(),
		HTTP2ReadIdleTimeout: col.HTTPClient.HTTP2ReadIdleTimeout.D(),
		HTTP2PingTimeout:     col.HTTPClient.HTTP2PingTimeout.D(),
	}
}

// Selector wires every send mechanism to client with the configured beacon
// limits.
func (c *Config) Selector(client *transport.Client) *transport.Selector {
	sel := transport.NewSelector(client, c.Collector.WorkerMode)
	sel.Beacon = transport.NewBeacon(client, int(c.Collector.Beacon.MaxBytes), c.Collector.Beacon.MaxInFlight)
	return sel
}

// HarvestConfig returns the request-building settings. It fails only on an
// invalid obfuscation rule.
func (c *Config) HarvestConfig() (harvest.Config, error) {
	obf, err := harvest.NewObfuscator(c.Agent.Obfuscate)
	if err != nil {
		return harvest.Config{}, fmt.Errorf("agent.obfuscate: %w", err)
	}
	scheme := c.Collector.Scheme
	if c.Collector.Insecure {
		scheme = "http"
	}
	return harvest.Config{
		Scheme:          scheme,
		Host:            c.Collector.Host,
		ProtocolVersion: c.Collector.ProtocolVersion,
		MaxBytes:        int(c.Collector.MaxBytes),
		Info: harvest.Info{
			ApplicationID:        c.Collector.ApplicationID,
			LicenseKey:           c.Collector.LicenseKey,
			AgentVersion:         c.Agent.Version,
			TransactionName:      c.Agent.TransactionName,
			TransactionNamePlain: c.Agent.TransactionNamePlain,
			CustomTransaction:    c.Agent.CustomTransaction,
			Referrer:             c.Agent.Referrer,
			PageID:               c.Agent.PageID,
		},
		Headers:    c.Collector.Headers,
		Obfuscator: obf,
	}, nil
}

// featureConfig applies the harvest defaults. A zero initial delay means
// "one interval".
func (c *Config) featureConfig(name, endpoint string, interval Duration) feature.Config {
	if interval <= 0 {
		interval = c.Harvest.Interval
	}
	initial := c.Harvest.InitialDelay.D()
	if initial == 0 {
		initial = -1
	}
	return feature.Config{
		Name:         name,
		Endpoint:     endpoint,
		Interval:     interval.D(),
		InitialDelay: initial,
		RetryDelay:   c.Harvest.RetryDelay.D(),
	}
}

// AggregateFeature returns the feature settings of one aggregate.
func (c *Config) AggregateFeature(a AggregateConfig) feature.Config {
	return c.featureConfig(a.Name, a.Endpoint, a.Interval)
}

// TraceFeature returns the trace feature settings. Trace payloads are split
// to fit a beacon so end-of-life harvests are not refused.
func (c *Config) TraceFeature() feature.Config {
	cfg := c.featureConfig(c.Trace.Name, c.Trace.Endpoint, c.Trace.Interval)
	cfg.MaxPayloadBytes = int(c.Collector.Beacon.MaxBytes)
	return cfg
}

// NodeStoreConfig returns the trace store sizing. Unset coalescing and
// ignore rules fall back to the store's built-ins.
func (c *Config) NodeStoreConfig() nodestore.Config {
	t := c.Trace
	cfg := nodestore.Config{
		Name:           t.Name,
		MaxNodes:       t.MaxNodes,
		DegradedWindow: t.DegradedWindow.D(),
		Degraded:       t.Degraded,
		Coalesce:       t.Coalesce,
		TrivialScroll:  t.TrivialScroll,
	}
	if t.Ignore != nil {
		cfg.Ignore = *t.Ignore
	}
	return cfg
}

func (c *Config) otlpTarget() receiver.Target {
	return receiver.Target{Feature: c.Receiver.OTLP.Feature, Type: c.Receiver.OTLP.Type}
}

// HTTPReceiverConfig returns the JSON and OTLP/HTTP listener settings.
func (c *Config) HTTPReceiverConfig() receiver.HTTPConfig {
	h := c.Receiver.HTTP
	return receiver.HTTPConfig{
		Addr:               h.Address,
		MaxRequestBodySize: int64(h.MaxRequestBodySize),
		MaxDecodedBodySize: int64(h.MaxDecodedBodySize),
		ReadTimeout:        h.ReadTimeout.D(),
		ReadHeaderTimeout:  h.ReadHeaderTimeout.D(),
		WriteTimeout:       h.WriteTimeout.D(),
		IdleTimeout:        h.IdleTimeout.D(),
		TLS:                c.Receiver.TLS,
		Auth:               c.Receiver.Auth,
		OTLP:               c.otlpTarget(),
		Trace:              c.Trace.Name,
	}
}

// GRPCReceiverConfig returns the OTLP gRPC listener settings.
func (c *Config) GRPCReceiverConfig() receiver.GRPCConfig {
	return receiver.GRPCConfig{
		Addr:           c.Receiver.GRPC.Address,
		MaxRecvMsgSize: int(c.Receiver.GRPC.MaxRecvMsgSize),
		TLS:            c.Receiver.TLS,
		Auth:           c.Receiver.Auth,
		OTLP:           c.otlpTarget(),
	}
}

// TelemetryConfig returns the self-monitoring export settings.
func (c *Config) TelemetryConfig(instanceID string) telemetry.Config {
	t := c.Telemetry
	insecure := t.Insecure == nil || *t.Insecure
	return telemetry.Config{
		Endpoint:        t.Endpoint,
		Protocol:        t.Protocol,
		Insecure:        insecure,
		Timeout:         t.Timeout.D(),
		PushInterval:    t.PushInterval.D(),
		Compression:     t.Compression,
		Headers:         t.Headers,
		ShutdownTimeout: t.ShutdownTimeout.D(),
		ServiceVersion:  c.Agent.Version,
		InstanceID:      instanceID,
	}
}
