package receiver

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/szibis/telemetry-harvester/internal/auth"
	"github.com/szibis/telemetry-harvester/internal/compression"
	"github.com/szibis/telemetry-harvester/internal/events"
	"github.com/szibis/telemetry-harvester/internal/logging"
	tlspkg "github.com/szibis/telemetry-harvester/internal/tls"
	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/encoding"
	_ "google.golang.org/grpc/encoding/gzip" // registers the gzip compressor
)

func init() {
	encoding.RegisterCompressor(zstdCompressor{})
}

// zstdCompressor lets OTLP exporters send zstd-compressed messages.
type zstdCompressor struct{}

func (zstdCompressor) Name() string { return string(compression.TypeZstd) }

func (zstdCompressor) Compress(w io.Writer) (io.WriteCloser, error) {
	return &zstdWriter{w: w}, nil
}

func (zstdCompressor) Decompress(r io.Reader) (io.Reader, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	out, err := compression.Decompress(data, compression.TypeZstd)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(out), nil
}

// zstdWriter buffers a message and compresses it in one shot on Close.
type zstdWriter struct {
	w   io.Writer
	buf bytes.Buffer
}

func (z *zstdWriter) Write(p []byte) (int, error) { return z.buf.Write(p) }

func (z *zstdWriter) Close() error {
	out, err := compression.Compress(z.buf.Bytes(), compression.Config{Type: compression.TypeZstd})
	if err != nil {
		return err
	}
	_, err = z.w.Write(out)
	return err
}

// GRPCConfig configures the OTLP gRPC receiver.
type GRPCConfig struct {
	Addr string
	// MaxRecvMsgSize bounds one decompressed message; 4 MiB when zero.
	MaxRecvMsgSize int
	TLS            tlspkg.ServerConfig
	Auth           auth.ServerConfig
	OTLP           Target
}

// GRPCReceiver implements the OTLP MetricsService.
type GRPCReceiver struct {
	colmetricspb.UnimplementedMetricsServiceServer
	sink   *sink
	server *grpc.Server

	mu      sync.Mutex
	addr    string
	done    chan struct{}
	running atomic.Bool
}

// NewGRPC builds the receiver; nothing listens until Start.
func NewGRPC(cfg GRPCConfig, emitter *events.Emitter) (*GRPCReceiver, error) {
	maxMsg := cfg.MaxRecvMsgSize
	if maxMsg <= 0 {
		maxMsg = 4 << 20
	}
	opts := []grpc.ServerOption{grpc.MaxRecvMsgSize(maxMsg)}

	if cfg.TLS.Enabled {
		tlsConfig, err := tlspkg.NewServerTLSConfig(cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("grpc receiver tls: %w", err)
		}
		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsConfig)))
	}
	if cfg.Auth.Enabled {
		opts = append(opts, grpc.UnaryInterceptor(auth.GRPCServerInterceptor(cfg.Auth)))
	}

	r := &GRPCReceiver{
		sink:   newSink(emitter, cfg.OTLP, ""),
		server: grpc.NewServer(opts...),
		addr:   cfg.Addr,
	}
	colmetricspb.RegisterMetricsServiceServer(r.server, r)
	return r, nil
}

// Export maps the request onto the OTLP target feature.
func (r *GRPCReceiver) Export(_ context.Context, req *colmetricspb.ExportMetricsServiceRequest) (*colmetricspb.ExportMetricsServiceResponse, error) {
	receiverRequestsTotal.WithLabelValues("grpc", "otlp").Inc()
	r.sink.ingest(req.GetResourceMetrics())
	return &colmetricspb.ExportMetricsServiceResponse{}, nil
}

// Addr returns the bound address once started, the configured one before.
func (r *GRPCReceiver) Addr() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addr
}

// Start binds the listener and serves in the background.
func (r *GRPCReceiver) Start() error {
	ln, err := net.Listen("tcp", r.Addr())
	if err != nil {
		return fmt.Errorf("grpc receiver listen: %w", err)
	}
	done := make(chan struct{})
	r.mu.Lock()
	r.addr = ln.Addr().String()
	r.done = done
	r.mu.Unlock()
	r.running.Store(true)

	logging.Info("gRPC receiver started", logging.F("addr", ln.Addr().String()))
	go func() {
		defer close(done)
		err := r.server.Serve(ln)
		r.running.Store(false)
		if err != nil {
			logging.Error("gRPC receiver stopped", logging.F("error", err.Error()))
		}
	}()
	return nil
}

// Stop drains in-flight calls, falling back to a hard stop when ctx ends.
func (r *GRPCReceiver) Stop(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		r.server.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		r.server.Stop()
		<-stopped
	}

	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Ready reports whether the serve loop is running.
func (r *GRPCReceiver) Ready() error {
	if !r.running.Load() {
		return ErrNotRunning
	}
	return nil
}
