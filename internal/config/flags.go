package config

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/pflag"
)

// CLI holds the flags that control the process rather than the pipeline.
type CLI struct {
	ConfigFile  string
	Validate    bool
	ShowHelp    bool
	ShowVersion bool
}

// ParseArgs loads the YAML file named by --config, if any, and then applies
// every flag given explicitly on the command line on top of it.
func ParseArgs(name string, args []string, stderr io.Writer) (*Config, *CLI, error) {
	cli := &CLI{}
	probe := newFlagSet(name, Default(), cli, stderr)
	if err := probe.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			cli.ShowHelp = true
			return nil, cli, nil
		}
		return nil, nil, err
	}
	if cli.ShowHelp || cli.ShowVersion {
		return nil, cli, nil
	}

	cfg := Default()
	if cli.ConfigFile != "" {
		loaded, err := Load(cli.ConfigFile)
		if err != nil {
			return nil, nil, err
		}
		cfg = loaded
	}

	fs := newFlagSet(name, cfg, cli, stderr)
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	if rest := fs.Args(); len(rest) > 0 {
		return nil, nil, fmt.Errorf("unexpected argument: %s", rest[0])
	}
	return cfg, cli, nil
}

// Usage prints the flag help.
func Usage(name string, w io.Writer) {
	fs := newFlagSet(name, Default(), &CLI{}, w)
	fmt.Fprintf(w, "Usage: %s [flags]\n\n", name)
	fs.PrintDefaults()
}

// newFlagSet binds flags to cfg. Each flag's default is the field's current
// value, so parsing only changes fields named on the command line.
func newFlagSet(name string, cfg *Config, cli *CLI, out io.Writer) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(out)
	fs.SortFlags = false

	fs.StringVarP(&cli.ConfigFile, "config", "c", cli.ConfigFile, "path to YAML configuration file")
	fs.BoolVar(&cli.Validate, "validate", false, "validate the configuration and exit")
	fs.BoolVarP(&cli.ShowHelp, "help", "h", false, "show help")
	fs.BoolVar(&cli.ShowVersion, "version", false, "show version")

	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "minimum log level: debug, info, warn, error")

	col := &cfg.Collector
	fs.StringVar(&col.Scheme, "collector-scheme", col.Scheme, "collector URL scheme")
	fs.StringVar(&col.Host, "collector-host", col.Host, "collector host[:port]")
	fs.StringVar(&col.LicenseKey, "license-key", col.LicenseKey, "license key sent in the collector path")
	fs.StringVar(&col.ApplicationID, "application-id", col.ApplicationID, "application id sent with every harvest")
	fs.IntVar(&col.ProtocolVersion, "protocol-version", col.ProtocolVersion, "collector protocol version")
	fs.Var(&col.MaxBytes, "max-bytes", "byte budget for payload query params")
	fs.Var(&col.Timeout, "collector-timeout", "per-request timeout")
	fs.Var(&col.TooManyRequestsDelay, "too-many-requests-delay", "cool-down after 429 without Retry-After")
	fs.BoolVar(&col.Insecure, "collector-insecure", col.Insecure, "use plain http for the collector")
	fs.BoolVar(&col.WorkerMode, "worker-mode", col.WorkerMode, "block on the final harvest instead of using beacons")
	fs.StringVar((*string)(&col.Compression.Type), "compression", string(col.Compression.Type), "body compression: none, gzip, zstd, snappy, zlib, deflate, lz4")
	fs.StringVar(&col.Auth.BearerToken, "collector-bearer-token", col.Auth.BearerToken, "bearer token for the collector")

	fs.StringVar(&cfg.Agent.Version, "agent-version", cfg.Agent.Version, "agent version reported to the collector")
	fs.StringVar(&cfg.Agent.TransactionName, "transaction-name", cfg.Agent.TransactionName, "encoded transaction name")
	fs.StringVar(&cfg.Agent.Referrer, "referrer", cfg.Agent.Referrer, "referrer reported to the collector")

	fs.Var(&cfg.Harvest.Interval, "harvest-interval", "default harvest interval")
	fs.Var(&cfg.Harvest.InitialDelay, "harvest-initial-delay", "delay before the first harvest (0 = interval)")
	fs.Var(&cfg.Harvest.RetryDelay, "harvest-retry-delay", "delay before retrying a failed harvest")

	fs.BoolVar(&cfg.Trace.Enabled, "trace-enabled", cfg.Trace.Enabled, "enable the trace feature")
	fs.IntVar(&cfg.Trace.MaxNodes, "trace-max-nodes", cfg.Trace.MaxNodes, "trace node capacity")
	fs.BoolVar(&cfg.Trace.Degraded, "trace-degraded", cfg.Trace.Degraded, "trim old nodes instead of dropping new ones when full")

	fs.StringVar(&cfg.Receiver.HTTP.Address, "http-listen", cfg.Receiver.HTTP.Address, "JSON and OTLP/HTTP receiver listen address")
	fs.StringVar(&cfg.Receiver.GRPC.Address, "grpc-listen", cfg.Receiver.GRPC.Address, "OTLP gRPC receiver listen address (empty disables)")
	fs.StringVar(&cfg.Server.Address, "server-listen", cfg.Server.Address, "metrics and health listen address")

	fs.StringVar(&cfg.Telemetry.Endpoint, "telemetry-endpoint", cfg.Telemetry.Endpoint, "OTLP endpoint for self-monitoring (empty disables)")
	fs.StringVar(&cfg.Telemetry.Protocol, "telemetry-protocol", cfg.Telemetry.Protocol, "self-monitoring protocol: grpc or http")

	fs.Float64Var(&cfg.Memory.LimitRatio, "memory-limit-ratio", cfg.Memory.LimitRatio, "share of the container memory limit used for GOMEMLIMIT")
	return fs
}
