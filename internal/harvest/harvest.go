// Package harvest assembles payloads from registered producers and sends
// them to the collector.
package harvest

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/szibis/telemetry-harvester/internal/clock"
	"github.com/szibis/telemetry-harvester/internal/logging"
	"github.com/szibis/telemetry-harvester/internal/transport"
)

var (
	harvestSendsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_harvester_harvest_sends_total",
		Help: "Total number of payloads handed to a transport mechanism",
	}, []string{"endpoint", "method"})

	harvestEmptyTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_harvester_harvest_empty_total",
		Help: "Total number of harvests skipped because there was nothing to send",
	}, []string{"endpoint"})

	harvestRefusedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_harvester_harvest_refused_total",
		Help: "Total number of payloads no mechanism accepted",
	}, []string{"endpoint"})

	harvestBodyBytes = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "telemetry_harvester_harvest_body_bytes",
		Help:    "Uncompressed body size per harvest",
		Buckets: prometheus.ExponentialBuckets(256, 4, 8),
	}, []string{"endpoint"})
)

func init() {
	prometheus.MustRegister(harvestSendsTotal)
	prometheus.MustRegister(harvestEmptyTotal)
	prometheus.MustRegister(harvestRefusedTotal)
	prometheus.MustRegister(harvestBodyBytes)
}

const (
	// DefaultScheme is used when Config.Scheme is empty.
	DefaultScheme = "https"
	// DefaultProtocolVersion is the collector protocol path segment.
	DefaultProtocolVersion = 1
	// RumEndpoint is addressed without an endpoint path segment.
	RumEndpoint = "rum"
	// UnnamedTransaction is sent when no transaction name is known.
	UnnamedTransaction = "Unnamed Transaction"
)

// Info identifies the application and page to the collector.
type Info struct {
	ApplicationID string
	LicenseKey    string
	AgentVersion  string
	// TransactionName is the collector-obfuscated name, sent as "to".
	TransactionName string
	// TransactionNamePlain is sent as "t" when TransactionName is empty.
	TransactionNamePlain string
	CustomTransaction    string
	Referrer             string
	// PageID is sent as "ptid"; a random one is generated when empty.
	PageID string
}

// Config configures a Harvest.
type Config struct {
	Scheme          string
	Host            string
	ProtocolVersion int
	// MaxBytes bounds the encoded payload query params.
	MaxBytes int
	Info     Info
	Headers  map[string]string
	// Obfuscator, when set, rewrites the referrer, the query params and the
	// serialized body.
	Obfuscator *Obfuscator
	// SessionState reports the session indicator sent as "s"; "0" when nil.
	SessionState func() string
}

// Harvest sends payloads for every endpoint of one agent.
type Harvest struct {
	cfg      Config
	builder  *Builder
	selector *transport.Selector
	clock    clock.Clock
	origin   time.Time
}

// New returns a Harvest. builder may be shared with the producers that
// register on it.
func New(cfg Config, builder *Builder, selector *transport.Selector, clk clock.Clock) *Harvest {
	if cfg.Scheme == "" {
		cfg.Scheme = DefaultScheme
	}
	if cfg.ProtocolVersion == 0 {
		cfg.ProtocolVersion = DefaultProtocolVersion
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if cfg.Info.PageID == "" {
		cfg.Info.PageID = uuid.NewString()
	}
	if builder == nil {
		builder = NewBuilder()
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Harvest{
		cfg:      cfg,
		builder:  builder,
		selector: selector,
		clock:    clk,
		origin:   clk.Now(),
	}
}

// Builder returns the producer registry.
func (h *Harvest) Builder() *Builder { return h.builder }

// PageID returns the id sent as "ptid".
func (h *Harvest) PageID() string { return h.cfg.Info.PageID }

// Mechanism returns the mechanism a harvest with opts would use.
func (h *Harvest) Mechanism(opts Options) transport.Mechanism {
	return h.selector.Method(opts.Unload)
}

// CanRetry reports whether a harvest with opts could be retried. Only the
// default mechanism reports results, and never at end-of-life.
func (h *Harvest) CanRetry(opts Options) bool {
	if opts.Unload || opts.ForceNoRetry {
		return false
	}
	return h.Mechanism(opts).Method() == transport.MethodXHR
}

// URL returns the collector URL for endpoint, without query string.
func (h *Harvest) URL(endpoint string) string {
	var b strings.Builder
	b.WriteString(h.cfg.Scheme)
	b.WriteString("://")
	b.WriteString(h.cfg.Host)
	if endpoint != RumEndpoint {
		b.WriteString("/")
		b.WriteString(endpoint)
	}
	b.WriteString("/")
	b.WriteString(strconv.Itoa(h.cfg.ProtocolVersion))
	b.WriteString("/")
	b.WriteString(h.cfg.Info.LicenseKey)
	return b.String()
}

// BaseQueryString returns the params sent with every request, without the
// leading "?".
func (h *Harvest) BaseQueryString() string {
	info := h.cfg.Info
	ref := CleanURL(info.Referrer)
	if h.cfg.Obfuscator != nil {
		ref = h.cfg.Obfuscator.Obfuscate(ref)
	}
	session := "0"
	if h.cfg.SessionState != nil {
		if s := h.cfg.SessionState(); s != "" {
			session = s
		}
	}

	var b strings.Builder
	b.WriteString("a=" + info.ApplicationID)
	b.WriteString(EncodeParam("v", info.AgentVersion))
	b.WriteString(transactionParam(info))
	b.WriteString(EncodeParam("ct", info.CustomTransaction))
	b.WriteString("&rst=" + strconv.FormatInt(h.clock.Now().Sub(h.origin).Milliseconds(), 10))
	b.WriteString("&ck=0")
	b.WriteString("&s=" + EncodeComponent(session))
	b.WriteString(EncodeParam("ref", ref))
	b.WriteString(EncodeParam("ptid", info.PageID))
	return b.String()
}

func transactionParam(info Info) string {
	if info.TransactionName != "" {
		return EncodeParam("to", info.TransactionName)
	}
	name := info.TransactionNamePlain
	if name == "" {
		name = UnnamedTransaction
	}
	return EncodeParam("t", name)
}

// Send builds the endpoint's payload from its producers and sends it.
func (h *Harvest) Send(ctx context.Context, endpoint string, opts Options, done func(transport.Result)) bool {
	return h.SendX(ctx, endpoint, h.builder.CreatePayload(endpoint, opts), opts, done)
}

// SendX sends a payload built by the caller. It returns false, after
// reporting an unsent Result to done, when there is nothing to send or no
// mechanism accepted the request. End-of-life sends never call done.
func (h *Harvest) SendX(ctx context.Context, endpoint string, payload Payload, opts Options, done func(transport.Result)) bool {
	if opts.Unload {
		done = nil
	}
	if payload.Empty() {
		harvestEmptyTotal.WithLabelValues(endpoint).Inc()
		if done != nil {
			done(transport.Result{})
		}
		return false
	}

	body := h.body(payload)
	if o := h.cfg.Obfuscator; o != nil {
		if body != nil {
			body = []byte(o.Obfuscate(string(body)))
		}
		if payload.QS != nil {
			payload.QS = o.ObfuscateValue(payload.QS).(map[string]any)
		}
	}
	harvestBodyBytes.WithLabelValues(endpoint).Observe(float64(len(body)))

	query := h.BaseQueryString() + EncodeObject(payload.QS, h.cfg.MaxBytes)
	req := &transport.Request{
		URL:     h.URL(endpoint) + "?" + strings.TrimPrefix(query, "&"),
		Body:    body,
		Headers: h.headers(),
	}

	mech := h.selector.Method(opts.Unload)
	ok := mech.Send(ctx, req, done)
	if !ok && mech.Method() == transport.MethodBeacon {
		logging.Debug("beacon refused, falling back to keep-alive", logging.F(
			"endpoint", endpoint,
			"bytes", len(body),
		))
		mech = h.selector.Fallback()
		ok = mech.Send(ctx, req, done)
	}
	if !ok {
		harvestRefusedTotal.WithLabelValues(endpoint).Inc()
		if done != nil {
			done(transport.Result{})
		}
		return false
	}
	harvestSendsTotal.WithLabelValues(endpoint, string(mech.Method())).Inc()
	return true
}

// body serializes the payload; "{}", "[]" and empty bodies become empty.
func (h *Harvest) body(p Payload) []byte {
	data := p.Raw
	if len(data) == 0 && len(p.Body) > 0 {
		var err error
		data, err = json.Marshal(p.Body)
		if err != nil {
			logging.Warn("failed to encode payload body", logging.F("error", err.Error()))
			return nil
		}
	}
	switch string(data) {
	case "", "{}", "[]", `""`:
		return nil
	}
	return data
}

func (h *Harvest) headers() http.Header {
	hdr := make(http.Header, len(h.cfg.Headers)+1)
	hdr.Set("Content-Type", "text/plain")
	for k, v := range h.cfg.Headers {
		hdr.Set(k, v)
	}
	return hdr
}
