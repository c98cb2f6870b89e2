package e2e

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/szibis/telemetry-harvester/internal/clock"
	"github.com/szibis/telemetry-harvester/internal/config"
	"github.com/szibis/telemetry-harvester/internal/events"
	"github.com/szibis/telemetry-harvester/internal/feature"
	"github.com/szibis/telemetry-harvester/internal/harvest"
	"github.com/szibis/telemetry-harvester/internal/orchestrator"
	"github.com/szibis/telemetry-harvester/internal/receiver"
	"github.com/szibis/telemetry-harvester/internal/transport"
)

type request struct {
	path  string
	query string
	body  string
}

// collector records every harvest it receives.
type collector struct {
	*httptest.Server
	mu   sync.Mutex
	reqs []request
	got  chan struct{}
}

func newCollector(t *testing.T) *collector {
	c := &collector{got: make(chan struct{}, 64)}
	c.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.reqs = append(c.reqs, request{path: r.URL.Path, query: r.URL.RawQuery, body: string(body)})
		c.mu.Unlock()
		c.got <- struct{}{}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(c.Close)
	return c
}

func (c *collector) wait(t *testing.T, n int) []request {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for i := 0; i < n; i++ {
		select {
		case <-c.got:
		case <-timeout:
			t.Fatalf("collector received %d of %d requests", i, n)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]request(nil), c.reqs...)
}

func (c *collector) find(path string) []request {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []request
	for _, r := range c.reqs {
		if r.path == path {
			out = append(out, r)
		}
	}
	return out
}

type harvester struct {
	orch   *orchestrator.Orchestrator
	client *transport.Client
	api    *httptest.Server
}

// newHarvester wires the process the way main does, with the collector at
// col and an hour-long interval so only explicit harvests run.
func newHarvester(t *testing.T, col *collector) *harvester {
	t.Helper()
	cfg := config.Default()
	cfg.Collector.Host = strings.TrimPrefix(col.URL, "http://")
	cfg.Collector.Insecure = true
	cfg.Collector.LicenseKey = "key"
	cfg.Collector.ApplicationID = "7"
	cfg.Agent.Referrer = "https://shop.example.com/cart?session=secret"
	cfg.Harvest.Interval = config.Duration(time.Hour)
	cfg.Aggregates = []config.AggregateConfig{
		{Name: "jserrors", Types: []string{"err"}},
		{Name: receiver.DefaultOTLPFeature, Types: []string{receiver.DefaultOTLPType}},
	}
	cfg.Trace.Enabled = true
	if err := cfg.Validate().Err(); err != nil {
		t.Fatalf("config: %v", err)
	}

	client, err := transport.NewClient(cfg.TransportConfig())
	if err != nil {
		t.Fatal(err)
	}
	hcfg, err := cfg.HarvestConfig()
	if err != nil {
		t.Fatal(err)
	}
	clk := clock.Real()
	h := harvest.New(hcfg, nil, cfg.Selector(client), clk)
	em := events.NewEmitter(events.DefaultBacklogLimit)
	orch := orchestrator.New(em)
	for _, a := range cfg.Aggregates {
		if err := orch.Register(feature.NewAggregate(cfg.AggregateFeature(a), a.Types, h, clk, em)); err != nil {
			t.Fatal(err)
		}
	}
	if err := orch.Register(feature.NewTrace(cfg.TraceFeature(), cfg.NodeStoreConfig(), h, clk, em)); err != nil {
		t.Fatal(err)
	}

	recv, err := receiver.NewHTTP(cfg.HTTPReceiverConfig(), em)
	if err != nil {
		t.Fatal(err)
	}
	api := httptest.NewServer(recv.Handler())
	t.Cleanup(func() {
		api.Close()
		orch.End()
		client.Close()
	})
	return &harvester{orch: orch, client: client, api: api}
}

func (h *harvester) post(t *testing.T, route, body string) {
	t.Helper()
	resp, err := http.Post(h.api.URL+route, "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST %s: %v", route, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("POST %s: status %d: %s", route, resp.StatusCode, b)
	}
}

// TestE2E_BacklogToCollector: records posted before start are replayed and
// reach the collector on the next harvest.
func TestE2E_BacklogToCollector(t *testing.T) {
	col := newCollector(t)
	h := newHarvester(t, col)

	h.post(t, "/v1/store", `[
		{"feature":"jserrors","type":"err","name":"TypeError","params":{"message":"x is undefined"},"metrics":{"time":12}},
		{"feature":"jserrors","type":"err","name":"TypeError","params":{"message":"x is undefined"},"metrics":{"time":20}}
	]`)
	h.post(t, "/v1/node", `{"n":"load","s":0,"e":120,"o":"document","t":"timing"}`)

	h.orch.ResolveFlags(nil)
	if err := h.orch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.orch.HarvestAll(context.Background(), harvest.Options{}); err != nil {
		t.Fatalf("HarvestAll: %v", err)
	}
	col.wait(t, 2)

	errs := col.find("/jserrors/1/key")
	if len(errs) != 1 {
		t.Fatalf("jserrors requests = %d, want 1", len(errs))
	}
	if !strings.Contains(errs[0].body, `"message":"x is undefined"`) {
		t.Errorf("unexpected body %s", errs[0].body)
	}
	if !strings.Contains(errs[0].body, `"count":2`) {
		t.Errorf("observations were not aggregated: %s", errs[0].body)
	}
	if !strings.Contains(errs[0].query, "a=7") || strings.Contains(errs[0].query, "secret") {
		t.Errorf("unexpected base params %q", errs[0].query)
	}

	traces := col.find("/resources/1/key")
	if len(traces) != 1 || !strings.Contains(traces[0].body, `"n":"load"`) || !strings.Contains(traces[0].query, "st=") {
		t.Errorf("unexpected trace requests %+v", traces)
	}
	if len(col.find("/metrics/1/key")) != 0 {
		t.Error("empty features must not send")
	}
}

// TestE2E_EndOfLifeFlush: data stored after the last harvest leaves with
// the final harvest on End.
func TestE2E_EndOfLifeFlush(t *testing.T) {
	col := newCollector(t)
	h := newHarvester(t, col)

	h.orch.ResolveFlags(map[string]bool{"trace": false})
	if err := h.orch.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	h.post(t, "/v1/metric", `{"feature":"metrics","type":"otlp","name":"cls","params":{"metric":"cls"},"value":0.12}`)
	h.post(t, "/v1/node", `{"n":"load","s":0,"e":120,"o":"document","t":"timing"}`)

	h.orch.End()
	h.client.Wait()
	col.wait(t, 1)

	if got := col.find("/metrics/1/key"); len(got) != 1 || !strings.Contains(got[0].body, `"metric":"cls"`) {
		t.Errorf("unexpected final harvest %+v", got)
	}
	if len(col.find("/resources/1/key")) != 0 {
		t.Error("a feature disabled by flag must not send")
	}
	if err := h.orch.HarvestAll(context.Background(), harvest.Options{}); err == nil {
		t.Error("harvests after end of life should fail")
	}
}

// TestE2E_SessionReset: a reset posted to the receiver forces an immediate
// harvest.
func TestE2E_SessionReset(t *testing.T) {
	col := newCollector(t)
	h := newHarvester(t, col)
	h.orch.ResolveFlags(nil)
	if err := h.orch.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	h.post(t, "/v1/store", `{"feature":"jserrors","type":"err","name":"RangeError","params":{"message":"RangeError"},"metrics":{"time":3}}`)
	h.post(t, "/v1/session/reset", ``)
	col.wait(t, 1)

	if got := col.find("/jserrors/1/key"); len(got) != 1 || !strings.Contains(got[0].body, "RangeError") {
		t.Errorf("unexpected reset harvest %+v", got)
	}
}
