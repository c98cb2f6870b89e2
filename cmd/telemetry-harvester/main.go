package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/szibis/telemetry-harvester/internal/clock"
	"github.com/szibis/telemetry-harvester/internal/config"
	"github.com/szibis/telemetry-harvester/internal/events"
	"github.com/szibis/telemetry-harvester/internal/feature"
	"github.com/szibis/telemetry-harvester/internal/harvest"
	"github.com/szibis/telemetry-harvester/internal/health"
	"github.com/szibis/telemetry-harvester/internal/logging"
	"github.com/szibis/telemetry-harvester/internal/orchestrator"
	"github.com/szibis/telemetry-harvester/internal/receiver"
	"github.com/szibis/telemetry-harvester/internal/telemetry"
	"github.com/szibis/telemetry-harvester/internal/transport"
)

const name = "telemetry-harvester"

// Set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg, cli, err := config.ParseArgs(name, os.Args[1:], os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if cli.ShowHelp {
		config.Usage(name, os.Stdout)
		os.Exit(0)
	}
	if cli.ShowVersion {
		fmt.Printf("%s %s\n", name, version)
		os.Exit(0)
	}

	result := cfg.Validate()
	if cli.Validate {
		fmt.Println(result.JSON())
		if !result.Valid {
			os.Exit(1)
		}
		os.Exit(0)
	}

	logging.SetLevel(logging.ParseLevel(cfg.LogLevel))
	for _, issue := range result.Issues {
		if issue.Severity == config.SeverityWarning {
			logging.Warn("config warning", logging.F("field", issue.Field, "message", issue.Message))
		}
	}
	if err := result.Err(); err != nil {
		logging.Fatal("invalid configuration", logging.F("error", err.Error()))
	}

	if limit, err := memlimit.SetGoMemLimitWithOpts(
		memlimit.WithRatio(cfg.Memory.LimitRatio),
		memlimit.WithProvider(memlimit.ApplyFallback(memlimit.FromCgroup, memlimit.FromSystem)),
	); err != nil {
		logging.Warn("failed to set memory limit", logging.F("error", err.Error()))
	} else if limit > 0 {
		logging.Info("memory limit set", logging.F("gomemlimit", limit, "ratio", cfg.Memory.LimitRatio))
	}

	if err := run(cfg); err != nil {
		logging.Fatal("harvester failed", logging.F("error", err.Error()))
	}
}

func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := transport.NewClient(cfg.TransportConfig())
	if err != nil {
		return fmt.Errorf("collector client: %w", err)
	}
	defer client.Close()

	hcfg, err := cfg.HarvestConfig()
	if err != nil {
		return err
	}
	clk := clock.Real()
	h := harvest.New(hcfg, nil, cfg.Selector(client), clk)

	logging.SetResource(map[string]string{
		"service.name":        name,
		"service.version":     version,
		"service.instance.id": h.PageID(),
	})
	tel, err := telemetry.Init(ctx, cfg.TelemetryConfig(h.PageID()))
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	tel.Attach()

	emitter := events.NewEmitter(events.DefaultBacklogLimit)
	orch := orchestrator.New(emitter)
	for _, a := range cfg.Aggregates {
		if err := orch.Register(feature.NewAggregate(cfg.AggregateFeature(a), a.Types, h, clk, emitter)); err != nil {
			return fmt.Errorf("feature %s: %w", a.Name, err)
		}
	}
	if cfg.Trace.Enabled {
		if err := orch.Register(feature.NewTrace(cfg.TraceFeature(), cfg.NodeStoreConfig(), h, clk, emitter)); err != nil {
			return fmt.Errorf("feature %s: %w", cfg.Trace.Name, err)
		}
	}

	checker := health.New()
	checker.Watch("orchestrator", orch)

	httpRecv, err := receiver.NewHTTP(cfg.HTTPReceiverConfig(), emitter)
	if err != nil {
		return fmt.Errorf("http receiver: %w", err)
	}
	if err := httpRecv.Start(); err != nil {
		return fmt.Errorf("http receiver: %w", err)
	}
	checker.Add("http_receiver", httpRecv.Ready)

	var grpcRecv *receiver.GRPCReceiver
	if cfg.Receiver.GRPC.Address != "" {
		grpcRecv, err = receiver.NewGRPC(cfg.GRPCReceiverConfig(), emitter)
		if err != nil {
			return fmt.Errorf("grpc receiver: %w", err)
		}
		if err := grpcRecv.Start(); err != nil {
			return fmt.Errorf("grpc receiver: %w", err)
		}
		checker.Add("grpc_receiver", grpcRecv.Ready)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	checker.Register(mux)
	server := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logging.Info("metrics endpoint started", logging.F("addr", cfg.Server.Address, "path", "/metrics"))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("metrics server error", logging.F("error", err.Error()))
		}
	}()

	orch.ResolveFlags(cfg.Flags)
	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	logging.Info("telemetry-harvester started", logging.F(
		"collector", cfg.Collector.Host,
		"page_id", h.PageID(),
		"features", len(orch.Features()),
		"http_addr", httpRecv.Addr(),
		"grpc_addr", cfg.Receiver.GRPC.Address,
		"trace_enabled", cfg.Trace.Enabled,
	))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logging.Info("shutting down")
	checker.Stopping()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Collector.Timeout.D()+5*time.Second)
	defer shutdownCancel()

	// No new input once the final harvest starts.
	if grpcRecv != nil {
		grpcRecv.Stop(shutdownCtx)
	}
	if err := httpRecv.Stop(shutdownCtx); err != nil {
		logging.Warn("http receiver shutdown", logging.F("error", err.Error()))
	}

	orch.End()
	client.Wait()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logging.Warn("metrics server shutdown", logging.F("error", err.Error()))
	}
	logging.SetHook(nil)
	telCtx, telCancel := context.WithTimeout(context.Background(), tel.ShutdownTimeout())
	defer telCancel()
	if err := tel.Shutdown(telCtx); err != nil {
		logging.Warn("telemetry shutdown", logging.F("error", err.Error()))
	}

	logging.Info("shutdown complete")
	return nil
}
