// Package transport delivers harvest payloads to the collector over one of
// several mechanisms and normalizes what comes back.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/szibis/telemetry-harvester/internal/auth"
	"github.com/szibis/telemetry-harvester/internal/compression"
	"github.com/szibis/telemetry-harvester/internal/logging"
	tlspkg "github.com/szibis/telemetry-harvester/internal/tls"
	"golang.org/x/net/http2"
)

var (
	sendRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_harvester_transport_requests_total",
		Help: "Total number of requests put on the wire, by mechanism",
	}, []string{"method"})

	sendErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_harvester_transport_errors_total",
		Help: "Total number of failed deliveries by error type",
	}, []string{"error_type"})

	sendBytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_harvester_transport_bytes_total",
		Help: "Total body bytes sent to the collector",
	}, []string{"compression"})

	sendRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_harvester_transport_rejected_total",
		Help: "Total number of requests a mechanism refused before sending",
	}, []string{"method", "reason"})

	sendInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "telemetry_harvester_transport_in_flight",
		Help: "Number of asynchronous sends not yet completed",
	})
)

func init() {
	prometheus.MustRegister(sendRequestsTotal)
	prometheus.MustRegister(sendErrorsTotal)
	prometheus.MustRegister(sendBytesTotal)
	prometheus.MustRegister(sendRejectedTotal)
	prometheus.MustRegister(sendInFlight)
}

// ClientConfig configures the shared HTTP client.
type ClientConfig struct {
	// Timeout bounds one request, including reading the response.
	Timeout time.Duration
	// Insecure disables TLS entirely (plain http collectors).
	Insecure    bool
	TLS         tlspkg.ClientConfig
	Auth        auth.ClientConfig
	Compression compression.Config
	// TooManyRequestsDelay is the 429 cool-down when no Retry-After is sent.
	TooManyRequestsDelay time.Duration

	MaxIdleConns         int
	MaxIdleConnsPerHost  int
	IdleConnTimeout      time.Duration
	HTTP2ReadIdleTimeout time.Duration
	HTTP2PingTimeout     time.Duration
}

// Request is one fully formed delivery.
type Request struct {
	URL     string
	Body    []byte
	Headers http.Header
}

// Client performs requests for every mechanism and tracks asynchronous
// sends so shutdown can wait for them.
type Client struct {
	http        *http.Client
	compression compression.Config
	tooMany     time.Duration
	inflight    sync.WaitGroup
}

// NewClient builds the HTTP client. HTTP/2 is negotiated on TLS
// connections.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.TooManyRequestsDelay <= 0 {
		cfg.TooManyRequestsDelay = DefaultTooManyRequestsDelay
	}

	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	if tr.MaxIdleConns == 0 {
		tr.MaxIdleConns = 16
	}
	if tr.MaxIdleConnsPerHost == 0 {
		tr.MaxIdleConnsPerHost = 4
	}
	if tr.IdleConnTimeout == 0 {
		tr.IdleConnTimeout = 90 * time.Second
	}

	if !cfg.Insecure {
		tlsConfig, err := tlspkg.NewClientTLSConfig(cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		if tlsConfig == nil {
			tlsConfig = tlspkg.DefaultClientConfig()
		}
		tr.TLSClientConfig = tlsConfig

		h2, err := http2.ConfigureTransports(tr)
		if err != nil {
			return nil, fmt.Errorf("failed to configure http2: %w", err)
		}
		if cfg.HTTP2ReadIdleTimeout > 0 {
			h2.ReadIdleTimeout = cfg.HTTP2ReadIdleTimeout
		}
		if cfg.HTTP2PingTimeout > 0 {
			h2.PingTimeout = cfg.HTTP2PingTimeout
		}
	}

	return &Client{
		http: &http.Client{
			Transport: auth.HTTPTransport(cfg.Auth, tr),
			Timeout:   cfg.Timeout,
		},
		compression: cfg.Compression,
		tooMany:     cfg.TooManyRequestsDelay,
	}, nil
}

// do performs req synchronously and classifies the outcome.
func (c *Client) do(ctx context.Context, method Method, req *Request) Result {
	body := req.Body
	label := "none"
	if len(body) > 0 && c.compression.Type != "" && c.compression.Type != compression.TypeNone {
		compressed, err := compression.Compress(body, c.compression)
		if err != nil {
			sendErrorsTotal.WithLabelValues(string(ErrorTypeUnknown)).Inc()
			return Result{Err: &SendError{Err: fmt.Errorf("failed to compress body: %w", err), Type: ErrorTypeUnknown}}
		}
		body = compressed
		label = string(c.compression.Type)
	}

	verb := http.MethodPost
	if len(body) == 0 {
		verb = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, verb, req.URL, bytes.NewReader(body))
	if err != nil {
		return Result{Err: &SendError{Err: fmt.Errorf("failed to create request: %w", err), Type: ErrorTypeUnknown}}
	}
	for k, vs := range req.Headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if len(body) > 0 && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "text/plain")
	}
	if enc := c.compression.Type.ContentEncoding(); enc != "" && len(body) > 0 {
		httpReq.Header.Set("Content-Encoding", enc)
	}

	sendRequestsTotal.WithLabelValues(string(method)).Inc()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		errType := classifyError(err)
		sendErrorsTotal.WithLabelValues(string(errType)).Inc()
		logging.Debug("harvest request failed", logging.F("method", string(method), "error", err.Error(), "error_type", string(errType)))
		return Result{Err: &SendError{Err: fmt.Errorf("failed to send request: %w", err), Type: errType}}
	}
	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	_, _ = io.Copy(io.Discard, resp.Body)

	sendBytesTotal.WithLabelValues(label).Add(float64(len(body)))
	result := Classify(resp.StatusCode, resp.Header, c.tooMany)
	if !result.OK() {
		errType := classifyStatus(resp.StatusCode)
		sendErrorsTotal.WithLabelValues(string(errType)).Inc()
		result.Err = &SendError{
			Err:        fmt.Errorf("unexpected status code: %d", resp.StatusCode),
			Type:       errType,
			StatusCode: resp.StatusCode,
			Message:    string(msg),
		}
	}
	return result
}

// async runs fn on its own goroutine, tracked by Wait.
func (c *Client) async(fn func()) {
	c.inflight.Add(1)
	sendInFlight.Inc()
	go func() {
		defer func() {
			sendInFlight.Dec()
			c.inflight.Done()
		}()
		fn()
	}()
}

// Wait blocks until every asynchronous send has completed.
func (c *Client) Wait() {
	c.inflight.Wait()
}

// Close waits for outstanding sends and releases idle connections.
func (c *Client) Close() {
	c.Wait()
	c.http.CloseIdleConnections()
}
