// Package auth attaches credentials to collector requests and checks them on
// the ingestion receiver.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

var authFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "telemetry_harvester_receiver_auth_failures_total",
	Help: "Total number of ingestion requests rejected by authentication",
}, []string{"transport"})

func init() {
	prometheus.MustRegister(authFailuresTotal)
}

// Errors returned by Check.
var (
	ErrMissing   = errors.New("missing authorization header")
	ErrBadScheme = errors.New("invalid authorization header format")
	ErrBadCreds  = errors.New("invalid credentials")
)

// ServerConfig describes the credentials the receiver accepts.
type ServerConfig struct {
	Enabled           bool   `yaml:"enabled"`
	BearerToken       string `yaml:"bearer_token"`
	BasicAuthUsername string `yaml:"basic_auth_username"`
	BasicAuthPassword string `yaml:"basic_auth_password"`
}

// ClientConfig describes the credentials sent to the collector.
type ClientConfig struct {
	BearerToken       string            `yaml:"bearer_token"`
	BasicAuthUsername string            `yaml:"basic_auth_username"`
	BasicAuthPassword string            `yaml:"basic_auth_password"`
	Headers           map[string]string `yaml:"headers"`
}

// Empty reports whether the client config adds nothing to requests.
func (c ClientConfig) Empty() bool {
	return c.BearerToken == "" && c.BasicAuthUsername == "" && len(c.Headers) == 0
}

// Check validates an Authorization header value against cfg. A disabled
// config accepts everything.
func Check(cfg ServerConfig, header string) error {
	if !cfg.Enabled {
		return nil
	}
	if header == "" {
		return ErrMissing
	}

	var want string
	switch {
	case cfg.BearerToken != "":
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			return ErrBadScheme
		}
		header, want = token, cfg.BearerToken
	case cfg.BasicAuthUsername != "":
		want = "Basic " + basicAuthEncoded(cfg.BasicAuthUsername, cfg.BasicAuthPassword)
	default:
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(header), []byte(want)) != 1 {
		return ErrBadCreds
	}
	return nil
}

// HTTPMiddleware rejects requests whose Authorization header fails Check.
func HTTPMiddleware(cfg ServerConfig, next http.Handler) http.Handler {
	if !cfg.Enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := Check(cfg, r.Header.Get("Authorization")); err != nil {
			authFailuresTotal.WithLabelValues("http").Inc()
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GRPCServerInterceptor applies Check to the "authorization" metadata.
func GRPCServerInterceptor(cfg ServerConfig) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if !cfg.Enabled {
			return handler(ctx, req)
		}
		var header string
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if v := md.Get("authorization"); len(v) > 0 {
				header = v[0]
			}
		}
		if err := Check(cfg, header); err != nil {
			authFailuresTotal.WithLabelValues("grpc").Inc()
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}
		return handler(ctx, req)
	}
}

// HTTPTransport wraps base so every request carries cfg's credentials and
// headers. The original request is not modified.
func HTTPTransport(cfg ClientConfig, base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	if cfg.Empty() {
		return base
	}
	return &authTransport{base: base, cfg: cfg}
}

type authTransport struct {
	base http.RoundTripper
	cfg  ClientConfig
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	out := req.Clone(req.Context())
	for k, v := range t.cfg.Headers {
		out.Header.Set(k, v)
	}
	switch {
	case t.cfg.BearerToken != "":
		out.Header.Set("Authorization", "Bearer "+t.cfg.BearerToken)
	case t.cfg.BasicAuthUsername != "":
		out.SetBasicAuth(t.cfg.BasicAuthUsername, t.cfg.BasicAuthPassword)
	}
	return t.base.RoundTrip(out)
}

func basicAuthEncoded(username, password string) string {
	return base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
}
