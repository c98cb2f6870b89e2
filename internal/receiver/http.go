package receiver

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/szibis/telemetry-harvester/internal/auth"
	"github.com/szibis/telemetry-harvester/internal/compression"
	"github.com/szibis/telemetry-harvester/internal/events"
	"github.com/szibis/telemetry-harvester/internal/logging"
	tlspkg "github.com/szibis/telemetry-harvester/internal/tls"
	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

var (
	errDecode  = errors.New("malformed body")
	errInvalid = errors.New("invalid record")
	// ErrNotRunning is reported by Ready before Start and after Stop.
	ErrNotRunning = errors.New("receiver not running")
)

const (
	contentTypeProtobuf = "application/x-protobuf"
	contentTypeJSON     = "application/json"
)

// HTTPConfig configures the HTTP receiver.
type HTTPConfig struct {
	Addr string
	// MaxRequestBodySize bounds the body before decompression. Zero means
	// no limit.
	MaxRequestBodySize int64
	// MaxDecodedBodySize bounds the body after decompression;
	// MaxRequestBodySize when zero.
	MaxDecodedBodySize int64
	ReadTimeout        time.Duration
	ReadHeaderTimeout  time.Duration
	WriteTimeout       time.Duration
	IdleTimeout        time.Duration
	TLS                tlspkg.ServerConfig
	Auth               auth.ServerConfig
	// OTLP is where /v1/metrics data points land.
	OTLP Target
	// Trace is the feature node, event, timing, history and resource records
	// go to when they name none.
	Trace string
}

// HTTPReceiver serves the JSON instrumentation API and OTLP/HTTP metrics.
type HTTPReceiver struct {
	sink       *sink
	server     *http.Server
	handler    http.Handler
	maxBody    int64
	maxDecoded int64

	mu      sync.Mutex
	addr    string
	done    chan struct{}
	running atomic.Bool
}

// NewHTTP builds the receiver; nothing listens until Start.
func NewHTTP(cfg HTTPConfig, emitter *events.Emitter) (*HTTPReceiver, error) {
	r := &HTTPReceiver{
		sink:       newSink(emitter, cfg.OTLP, cfg.Trace),
		maxBody:    cfg.MaxRequestBodySize,
		maxDecoded: cfg.MaxDecodedBodySize,
		addr:       cfg.Addr,
	}
	if r.maxDecoded <= 0 {
		r.maxDecoded = r.maxBody
	}

	var tlsConfig *tls.Config
	if cfg.TLS.Enabled {
		c, err := tlspkg.NewServerTLSConfig(cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("http receiver tls: %w", err)
		}
		tlsConfig = c
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/metrics", r.handleOTLP)
	mux.HandleFunc("POST /v1/store", r.records("store", r.sink.storeRoute))
	mux.HandleFunc("POST /v1/metric", r.records("metric", r.sink.metricRoute))
	mux.HandleFunc("POST /v1/merge", r.records("merge", r.sink.mergeRoute))
	mux.HandleFunc("POST /v1/node", r.records("node", r.sink.nodeRoute))
	mux.HandleFunc("POST /v1/event", r.records("event", r.sink.eventRoute))
	mux.HandleFunc("POST /v1/timing", r.records("timing", r.sink.timingRoute))
	mux.HandleFunc("POST /v1/history", r.records("history", r.sink.historyRoute))
	mux.HandleFunc("POST /v1/resource", r.records("resource", r.sink.resourceRoute))
	mux.HandleFunc("POST /v1/session/reset", r.handleSessionReset)

	r.handler = mux
	if cfg.Auth.Enabled {
		r.handler = auth.HTTPMiddleware(cfg.Auth, mux)
	}

	readHeader := cfg.ReadHeaderTimeout
	if readHeader == 0 {
		readHeader = 10 * time.Second
	}
	r.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r.handler,
		TLSConfig:         tlsConfig,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: readHeader,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
	return r, nil
}

// Handler returns the routed handler, auth included.
func (r *HTTPReceiver) Handler() http.Handler { return r.handler }

// Addr returns the bound address once started, the configured one before.
func (r *HTTPReceiver) Addr() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addr
}

// Start binds the listener and serves in the background.
func (r *HTTPReceiver) Start() error {
	ln, err := net.Listen("tcp", r.server.Addr)
	if err != nil {
		return fmt.Errorf("http receiver listen: %w", err)
	}
	done := make(chan struct{})
	r.mu.Lock()
	r.addr = ln.Addr().String()
	r.done = done
	r.mu.Unlock()
	r.running.Store(true)

	logging.Info("HTTP receiver started", logging.F("addr", ln.Addr().String(), "tls", r.server.TLSConfig != nil))
	go func() {
		defer close(done)
		var err error
		if r.server.TLSConfig != nil {
			err = r.server.ServeTLS(ln, "", "")
		} else {
			err = r.server.Serve(ln)
		}
		r.running.Store(false)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("HTTP receiver stopped", logging.F("error", err.Error()))
		}
	}()
	return nil
}

// Stop drains in-flight requests and waits for the serve loop to exit.
func (r *HTTPReceiver) Stop(ctx context.Context) error {
	err := r.server.Shutdown(ctx)
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// Ready reports whether the serve loop is running.
func (r *HTTPReceiver) Ready() error {
	if !r.running.Load() {
		return ErrNotRunning
	}
	return nil
}

// body reads and decompresses the request body, writing the error response
// itself when it fails.
func (r *HTTPReceiver) body(w http.ResponseWriter, req *http.Request) ([]byte, bool) {
	var reader io.Reader = req.Body
	if r.maxBody > 0 {
		reader = http.MaxBytesReader(w, req.Body, r.maxBody)
	}
	data, err := io.ReadAll(reader)
	_ = req.Body.Close()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			receiverErrorsTotal.WithLabelValues("too_large").Inc()
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return nil, false
		}
		receiverErrorsTotal.WithLabelValues("read").Inc()
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return nil, false
	}

	if enc := req.Header.Get("Content-Encoding"); enc != "" && enc != "identity" {
		t := compression.ParseContentEncoding(enc)
		if t == compression.TypeNone {
			receiverErrorsTotal.WithLabelValues("decompress").Inc()
			http.Error(w, "unsupported content encoding: "+enc, http.StatusUnsupportedMediaType)
			return nil, false
		}
		data, err = compression.DecompressLimit(data, t, r.maxDecoded)
		if errors.Is(err, compression.ErrTooLarge) {
			receiverErrorsTotal.WithLabelValues("too_large").Inc()
			http.Error(w, "decompressed body too large", http.StatusRequestEntityTooLarge)
			return nil, false
		}
		if err != nil {
			receiverErrorsTotal.WithLabelValues("decompress").Inc()
			http.Error(w, "failed to decompress body", http.StatusBadRequest)
			return nil, false
		}
	}
	return data, true
}

func (r *HTTPReceiver) records(name string, handle func([]byte) (int, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		receiverRequestsTotal.WithLabelValues("http", name).Inc()
		data, ok := r.body(w, req)
		if !ok {
			return
		}
		n, err := handle(data)
		if err != nil {
			kind := "invalid"
			if errors.Is(err, errDecode) {
				kind = "decode"
			}
			receiverErrorsTotal.WithLabelValues(kind).Inc()
			logging.Debug("rejected instrumentation records", logging.F("route", name, "error", err.Error()))
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", contentTypeJSON)
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]int{"accepted": n})
	}
}

func (r *HTTPReceiver) handleSessionReset(w http.ResponseWriter, _ *http.Request) {
	receiverRequestsTotal.WithLabelValues("http", "session_reset").Inc()
	r.sink.sessionReset()
	w.WriteHeader(http.StatusAccepted)
}

func (r *HTTPReceiver) handleOTLP(w http.ResponseWriter, req *http.Request) {
	receiverRequestsTotal.WithLabelValues("http", "otlp").Inc()

	ct, _, _ := mime.ParseMediaType(req.Header.Get("Content-Type"))
	if ct != contentTypeProtobuf && ct != contentTypeJSON {
		receiverErrorsTotal.WithLabelValues("decode").Inc()
		http.Error(w, "unsupported content type", http.StatusUnsupportedMediaType)
		return
	}
	data, ok := r.body(w, req)
	if !ok {
		return
	}

	var exportReq colmetricspb.ExportMetricsServiceRequest
	var err error
	if ct == contentTypeJSON {
		err = protojson.Unmarshal(data, &exportReq)
	} else {
		err = proto.Unmarshal(data, &exportReq)
	}
	if err != nil {
		receiverErrorsTotal.WithLabelValues("decode").Inc()
		http.Error(w, "failed to decode OTLP request", http.StatusBadRequest)
		return
	}
	r.sink.ingest(exportReq.GetResourceMetrics())

	resp := &colmetricspb.ExportMetricsServiceResponse{}
	var out []byte
	if ct == contentTypeJSON {
		out, err = protojson.Marshal(resp)
	} else {
		out, err = proto.Marshal(resp)
	}
	if err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", ct)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}
