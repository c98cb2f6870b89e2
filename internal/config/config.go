// Package config loads the harvester configuration from YAML and command
// line flags.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/szibis/telemetry-harvester/internal/auth"
	"github.com/szibis/telemetry-harvester/internal/compression"
	"github.com/szibis/telemetry-harvester/internal/harvest"
	"github.com/szibis/telemetry-harvester/internal/nodestore"
	"github.com/szibis/telemetry-harvester/internal/receiver"
	tlspkg "github.com/szibis/telemetry-harvester/internal/tls"
	"gopkg.in/yaml.v3"
)

// Config is the root of the configuration file.
type Config struct {
	LogLevel string `yaml:"log_level"`

	Collector  CollectorConfig   `yaml:"collector"`
	Agent      AgentConfig       `yaml:"agent"`
	Harvest    HarvestConfig     `yaml:"harvest"`
	Aggregates []AggregateConfig `yaml:"aggregates"`
	Trace      TraceConfig       `yaml:"trace"`
	// Flags enable or disable features by name; unlisted features run.
	Flags map[string]bool `yaml:"flags"`

	Receiver  ReceiverConfig  `yaml:"receiver"`
	Server    ServerConfig    `yaml:"server"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Memory    MemoryConfig    `yaml:"memory"`
}

// CollectorConfig describes the upstream collector.
type CollectorConfig struct {
	Scheme          string `yaml:"scheme"`
	Host            string `yaml:"host"`
	LicenseKey      string `yaml:"license_key"`
	ApplicationID   string `yaml:"application_id"`
	ProtocolVersion int    `yaml:"protocol_version"`

	// MaxBytes bounds the encoded query params of one request.
	MaxBytes             ByteSize          `yaml:"max_bytes"`
	Timeout              Duration          `yaml:"timeout"`
	TooManyRequestsDelay Duration          `yaml:"too_many_requests_delay"`
	Headers              map[string]string `yaml:"headers"`

	Compression compression.Config  `yaml:"compression"`
	TLS         tlspkg.ClientConfig `yaml:"tls"`
	Auth        auth.ClientConfig   `yaml:"auth"`
	// Insecure talks plain http to the collector.
	Insecure bool `yaml:"insecure"`
	// WorkerMode forbids beacons; end-of-life sends block instead.
	WorkerMode bool             `yaml:"worker_mode"`
	Beacon     BeaconConfig     `yaml:"beacon"`
	HTTPClient HTTPClientConfig `yaml:"http_client"`
}

// BeaconConfig limits fire-and-forget sends.
type BeaconConfig struct {
	MaxBytes    ByteSize `yaml:"max_bytes"`
	MaxInFlight int      `yaml:"max_in_flight"`
}

// HTTPClientConfig tunes the collector connection pool.
type HTTPClientConfig struct {
	MaxIdleConns         int      `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost  int      `yaml:"max_idle_conns_per_host"`
	IdleConnTimeout      Duration `yaml:"idle_conn_timeout"`
	HTTP2ReadIdleTimeout Duration `yaml:"http2_read_idle_timeout"`
	HTTP2PingTimeout     Duration `yaml:"http2_ping_timeout"`
}

// AgentConfig identifies this agent to the collector.
type AgentConfig struct {
	Version              string         `yaml:"version"`
	TransactionName      string         `yaml:"transaction_name"`
	TransactionNamePlain string         `yaml:"transaction_name_plain"`
	CustomTransaction    string         `yaml:"custom_transaction"`
	Referrer             string         `yaml:"referrer"`
	PageID               string         `yaml:"page_id"`
	Obfuscate            []harvest.Rule `yaml:"obfuscate"`
}

// HarvestConfig holds the defaults every feature's scheduler uses.
type HarvestConfig struct {
	Interval     Duration `yaml:"interval"`
	InitialDelay Duration `yaml:"initial_delay"`
	RetryDelay   Duration `yaml:"retry_delay"`
}

// AggregateConfig declares one aggregator-backed feature.
type AggregateConfig struct {
	Name     string   `yaml:"name"`
	Endpoint string   `yaml:"endpoint"`
	Types    []string `yaml:"types"`
	Interval Duration `yaml:"interval"`
}

// TraceConfig declares the node-store-backed feature.
type TraceConfig struct {
	Enabled        bool                           `yaml:"enabled"`
	Name           string                         `yaml:"name"`
	Endpoint       string                         `yaml:"endpoint"`
	Interval       Duration                       `yaml:"interval"`
	MaxNodes       int                            `yaml:"max_nodes"`
	DegradedWindow Duration                       `yaml:"degraded_window"`
	Degraded       bool                           `yaml:"degraded"`
	TrivialScroll  float64                        `yaml:"trivial_scroll_ms"`
	Coalesce       map[string]nodestore.Threshold `yaml:"coalesce"`
	Ignore         *nodestore.IgnoreRules         `yaml:"ignore"`
}

// ReceiverConfig configures upstream ingestion.
type ReceiverConfig struct {
	HTTP HTTPReceiverConfig  `yaml:"http"`
	GRPC GRPCReceiverConfig  `yaml:"grpc"`
	TLS  tlspkg.ServerConfig `yaml:"tls"`
	Auth auth.ServerConfig   `yaml:"auth"`
	// OTLP names the aggregate feature and type OTLP data points land in.
	OTLP OTLPTargetConfig `yaml:"otlp"`
}

// OTLPTargetConfig routes ingested OTLP metrics.
type OTLPTargetConfig struct {
	Feature string `yaml:"feature"`
	Type    string `yaml:"type"`
}

// HTTPReceiverConfig configures the JSON and OTLP/HTTP listener.
type HTTPReceiverConfig struct {
	Address            string   `yaml:"address"`
	MaxRequestBodySize ByteSize `yaml:"max_request_body_size"`
	MaxDecodedBodySize ByteSize `yaml:"max_decoded_body_size"`
	ReadTimeout        Duration `yaml:"read_timeout"`
	ReadHeaderTimeout  Duration `yaml:"read_header_timeout"`
	WriteTimeout       Duration `yaml:"write_timeout"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
}

// GRPCReceiverConfig configures the OTLP gRPC listener. An empty address
// disables it.
type GRPCReceiverConfig struct {
	Address        string   `yaml:"address"`
	MaxRecvMsgSize ByteSize `yaml:"max_recv_msg_size"`
}

// ServerConfig configures the self-observability listener.
type ServerConfig struct {
	Address string `yaml:"address"`
}

// TelemetryConfig configures OTLP self-monitoring.
type TelemetryConfig struct {
	Endpoint        string            `yaml:"endpoint"`
	Protocol        string            `yaml:"protocol"`
	Insecure        *bool             `yaml:"insecure"`
	Timeout         Duration          `yaml:"timeout"`
	PushInterval    Duration          `yaml:"push_interval"`
	Compression     string            `yaml:"compression"`
	ShutdownTimeout Duration          `yaml:"shutdown_timeout"`
	Headers         map[string]string `yaml:"headers"`
}

// MemoryConfig sizes GOMEMLIMIT from the container limit.
type MemoryConfig struct {
	LimitRatio float64 `yaml:"limit_ratio"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	col := &c.Collector
	if col.Scheme == "" {
		col.Scheme = harvest.DefaultScheme
	}
	if col.ProtocolVersion == 0 {
		col.ProtocolVersion = harvest.DefaultProtocolVersion
	}
	if col.MaxBytes == 0 {
		col.MaxBytes = harvest.DefaultMaxBytes
	}
	if col.Timeout == 0 {
		col.Timeout = Duration(30 * time.Second)
	}
	if col.TooManyRequestsDelay == 0 {
		col.TooManyRequestsDelay = Duration(60 * time.Second)
	}
	if col.Compression.Type == "" {
		col.Compression.Type = compression.TypeNone
	}
	if col.Beacon.MaxBytes == 0 {
		col.Beacon.MaxBytes = 64 << 10
	}
	if col.Beacon.MaxInFlight == 0 {
		col.Beacon.MaxInFlight = 8
	}

	if c.Agent.Version == "" {
		c.Agent.Version = "dev"
	}

	h := &c.Harvest
	if h.Interval == 0 {
		h.Interval = Duration(60 * time.Second)
	}
	if h.RetryDelay == 0 {
		h.RetryDelay = Duration(5 * time.Second)
	}

	if len(c.Aggregates) == 0 {
		c.Aggregates = []AggregateConfig{
			{Name: "jserrors", Types: []string{"err", "ierr", "xhr"}},
			{Name: "ins", Types: []string{"ins"}},
			{Name: receiver.DefaultOTLPFeature, Types: []string{receiver.DefaultOTLPType}},
		}
	}
	for i := range c.Aggregates {
		if c.Aggregates[i].Endpoint == "" {
			c.Aggregates[i].Endpoint = c.Aggregates[i].Name
		}
	}

	t := &c.Trace
	if t.Name == "" {
		t.Name = "trace"
	}
	if t.Endpoint == "" {
		t.Endpoint = "resources"
	}
	if t.Interval == 0 {
		t.Interval = Duration(10 * time.Second)
	}
	if t.MaxNodes == 0 {
		t.MaxNodes = nodestore.DefaultMaxNodes
	}
	if t.DegradedWindow == 0 {
		t.DegradedWindow = Duration(nodestore.DefaultDegradedWindow)
	}
	if t.TrivialScroll == 0 {
		t.TrivialScroll = 4
	}

	r := &c.Receiver.HTTP
	if r.Address == "" {
		r.Address = ":4318"
	}
	if r.MaxRequestBodySize == 0 {
		r.MaxRequestBodySize = 4 << 20
	}
	if r.MaxDecodedBodySize == 0 {
		r.MaxDecodedBodySize = 16 << 20
	}
	if r.ReadHeaderTimeout == 0 {
		r.ReadHeaderTimeout = Duration(10 * time.Second)
	}
	if r.ReadTimeout == 0 {
		r.ReadTimeout = Duration(30 * time.Second)
	}
	if r.WriteTimeout == 0 {
		r.WriteTimeout = Duration(30 * time.Second)
	}
	if r.IdleTimeout == 0 {
		r.IdleTimeout = Duration(2 * time.Minute)
	}
	if c.Receiver.OTLP.Feature == "" {
		c.Receiver.OTLP.Feature = receiver.DefaultOTLPFeature
	}
	if c.Receiver.OTLP.Type == "" {
		c.Receiver.OTLP.Type = receiver.DefaultOTLPType
	}
	if c.Receiver.GRPC.MaxRecvMsgSize == 0 {
		c.Receiver.GRPC.MaxRecvMsgSize = 4 << 20
	}

	if c.Server.Address == "" {
		c.Server.Address = ":9090"
	}

	tel := &c.Telemetry
	if tel.Protocol == "" {
		tel.Protocol = "grpc"
	}
	if tel.Insecure == nil {
		v := true
		tel.Insecure = &v
	}
	if tel.PushInterval == 0 {
		tel.PushInterval = Duration(30 * time.Second)
	}
	if tel.ShutdownTimeout == 0 {
		tel.ShutdownTimeout = Duration(5 * time.Second)
	}

	if c.Memory.LimitRatio == 0 {
		c.Memory.LimitRatio = 0.9
	}
}

// Parse decodes YAML and applies defaults. Unknown keys are errors.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if len(data) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// Load reads and parses a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}
