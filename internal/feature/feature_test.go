package feature

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/szibis/telemetry-harvester/internal/aggregator"
	"github.com/szibis/telemetry-harvester/internal/clock"
	"github.com/szibis/telemetry-harvester/internal/events"
	"github.com/szibis/telemetry-harvester/internal/harvest"
	"github.com/szibis/telemetry-harvester/internal/nodestore"
	"github.com/szibis/telemetry-harvester/internal/transport"
)

type sink struct {
	status atomic.Int32
	mu     sync.Mutex
	bodies []string
	paths  []string
	// gate, when set, holds responses until it is closed.
	gate chan struct{}
}

func (s *sink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	s.mu.Lock()
	s.bodies = append(s.bodies, string(body))
	s.paths = append(s.paths, r.URL.Path)
	gate := s.gate
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}
	w.WriteHeader(int(s.status.Load()))
}

func (s *sink) hold() chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gate = make(chan struct{})
	return s.gate
}

func (s *sink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bodies)
}

func (s *sink) received() ([]string, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.paths...), append([]string(nil), s.bodies...)
}

type env struct {
	sink    *sink
	client  *transport.Client
	harvest *harvest.Harvest
	clock   *clock.FakeClock
	emitter *events.Emitter
}

func newEnv(t *testing.T) *env {
	t.Helper()
	return newEnvWith(t, nil)
}

func newEnvWith(t *testing.T, configure func(*harvest.Config)) *env {
	t.Helper()
	s := &sink{}
	s.status.Store(http.StatusOK)
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)

	client, err := transport.NewClient(transport.ClientConfig{Insecure: true, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(client.Close)

	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	hc := harvest.Config{
		Scheme: "http",
		Host:   strings.TrimPrefix(srv.URL, "http://"),
		Info:   harvest.Info{ApplicationID: "1", LicenseKey: "key"},
	}
	if configure != nil {
		configure(&hc)
	}
	h := harvest.New(hc, harvest.NewBuilder(), transport.NewSelector(client, false), clk)

	return &env{sink: s, client: client, harvest: h, clock: clk, emitter: events.NewEmitter(0)}
}

func TestAggregateHarvest(t *testing.T) {
	e := newEnv(t)
	f := NewAggregate(Config{Name: "jserrors", Interval: time.Minute}, []string{"err"}, e.harvest, e.clock, e.emitter)

	for i := 0; i < 2; i++ {
		e.emitter.Emit(EventName("jserrors", KindStore), StoreCall{
			Type:   "err",
			Name:   "TypeError",
			Params: map[string]any{"message": "boom"},
		})
	}
	f.Harvest(harvest.Options{})
	e.client.Wait()

	paths, bodies := e.sink.received()
	if len(bodies) != 1 || paths[0] != "/jserrors/1/key" {
		t.Fatalf("expected one jserrors request, got %v", paths)
	}
	var got map[string][]struct {
		Params  map[string]any `json:"params"`
		Metrics map[string]any `json:"metrics"`
	}
	if err := json.Unmarshal([]byte(bodies[0]), &got); err != nil {
		t.Fatalf("bad body %q: %v", bodies[0], err)
	}
	if len(got["err"]) != 1 || got["err"][0].Metrics["count"] != float64(2) {
		t.Errorf("unexpected body %s", bodies[0])
	}
	if f.Aggregator().Get("err", "TypeError") != nil {
		t.Error("harvest should drain the aggregator")
	}
}

func TestAggregateRestoresOnRetry(t *testing.T) {
	e := newEnv(t)
	e.sink.status.Store(http.StatusServiceUnavailable)
	f := NewAggregate(Config{Name: "ins"}, []string{"pa"}, e.harvest, e.clock, e.emitter)

	e.emitter.Emit(EventName("ins", KindMetric), MetricCall{
		Type: "pa", Name: "load", Value: aggregator.Measure(10),
	})
	f.Harvest(harvest.Options{})
	e.client.Wait()

	b := f.Aggregator().Get("pa", "load")
	if b == nil || b.Stats == nil || b.Stats.T != 10 {
		t.Fatalf("expected the bucket to be restored, got %+v", b)
	}
	if !f.Scheduler().Pending() {
		t.Error("expected a retry to be scheduled")
	}
}

func TestAggregateRetryOutlivesEmptyHarvest(t *testing.T) {
	e := newEnv(t)
	e.sink.status.Store(http.StatusServiceUnavailable)
	release := e.sink.hold()
	f := NewAggregate(Config{Name: "jserrors"}, []string{"err"}, e.harvest, e.clock, e.emitter)

	e.emitter.Emit(EventName("jserrors", KindStore), StoreCall{Type: "err", Name: "TypeError"})
	f.Harvest(harvest.Options{})
	waitFor(t, func() bool { return e.sink.count() == 1 })

	// Nothing left to send: this harvest settles at once while the first
	// one is still in flight.
	f.Harvest(harvest.Options{ForceNoRetry: true})
	close(release)
	e.client.Wait()

	if f.Aggregator().Get("err", "TypeError") == nil {
		t.Fatal("the retryable harvest should restore its bucket")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.backups) != 0 {
		t.Errorf("settled harvests should leave no backups, got %d", len(f.backups))
	}
}

func TestAggregateBodyIsObfuscated(t *testing.T) {
	obf, err := harvest.NewObfuscator([]harvest.Rule{{Regex: "secret", Replacement: "XXX"}})
	if err != nil {
		t.Fatal(err)
	}
	e := newEnvWith(t, func(c *harvest.Config) { c.Obfuscator = obf })
	f := NewAggregate(Config{Name: "jserrors"}, []string{"err"}, e.harvest, e.clock, e.emitter)

	e.emitter.Emit(EventName("jserrors", KindStore), StoreCall{
		Type:   "err",
		Name:   "TypeError",
		Params: map[string]any{"url": "https://x/secret"},
	})
	f.Harvest(harvest.Options{})
	e.client.Wait()

	_, bodies := e.sink.received()
	if len(bodies) != 1 {
		t.Fatalf("expected one request, got %d", len(bodies))
	}
	if strings.Contains(bodies[0], "secret") || !strings.Contains(bodies[0], "https://x/XXX") {
		t.Errorf("body was not obfuscated: %s", bodies[0])
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAggregateDropsOnFinalFailure(t *testing.T) {
	e := newEnv(t)
	e.sink.status.Store(http.StatusBadRequest)
	f := NewAggregate(Config{Name: "ins"}, []string{"pa"}, e.harvest, e.clock, e.emitter)

	e.emitter.Emit(EventName("ins", KindMetric), &MetricCall{Type: "pa", Name: "load", Value: aggregator.Measure(1)})
	f.Harvest(harvest.Options{})
	e.client.Wait()

	if f.Aggregator().Get("pa", "load") != nil {
		t.Error("non-retryable failure should drop the data")
	}
}

func TestAggregateIgnoresBadArguments(t *testing.T) {
	e := newEnv(t)
	f := NewAggregate(Config{Name: "ins"}, []string{"pa"}, e.harvest, e.clock, e.emitter)

	e.emitter.Emit(EventName("ins", KindStore), "not a call")
	e.emitter.Emit(EventName("ins", KindStore))
	if len(f.Aggregator().Types()) != 0 {
		t.Error("invalid events should not store anything")
	}
}

func TestAggregateBlock(t *testing.T) {
	e := newEnv(t)
	f := NewAggregate(Config{Name: "ins", Interval: time.Second}, []string{"pa"}, e.harvest, e.clock, e.emitter)
	e.emitter.Emit(EventName("ins", KindStore), StoreCall{Type: "pa", Name: "x"})

	f.Start()
	f.Block()
	e.emitter.Emit(EventName("ins", KindStore), StoreCall{Type: "pa", Name: "y"})
	e.clock.Advance(5 * time.Second)
	e.client.Wait()

	if _, bodies := e.sink.received(); len(bodies) != 0 {
		t.Errorf("blocked feature sent %d requests", len(bodies))
	}
	if len(f.Aggregator().Types()) != 0 {
		t.Error("blocked feature should hold no data")
	}
}

func TestTraceHarvest(t *testing.T) {
	e := newEnv(t)
	f := NewTrace(Config{Name: "resources"}, nodestore.Config{}, e.harvest, e.clock, e.emitter)

	e.emitter.Emit(EventName("resources", KindNode), nodestore.Node{Name: "load", Start: 1, End: 5, Origin: "document", Kind: "timing"})
	e.emitter.Emit(EventName("resources", KindEvent), nodestore.Event{Type: "click", Origin: "button", Start: 10, End: 12})
	e.emitter.Emit(EventName("resources", KindTiming), map[string]float64{"domInteractive": 20})
	e.emitter.Emit(EventName("resources", KindHistory), HistoryCall{Path: "/next", Old: "/", T: 30})

	f.Harvest(harvest.Options{})
	e.client.Wait()

	_, bodies := e.sink.received()
	if len(bodies) != 1 {
		t.Fatalf("expected one request, got %d", len(bodies))
	}
	var got struct {
		Res      []nodestore.Node `json:"res"`
		Earliest float64          `json:"earliest"`
		Latest   float64          `json:"latest"`
	}
	if err := json.Unmarshal([]byte(bodies[0]), &got); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if len(got.Res) != 4 {
		t.Errorf("expected 4 nodes, got %d", len(got.Res))
	}
	if got.Earliest != 1 || got.Latest != 30 {
		t.Errorf("unexpected bounds %v..%v", got.Earliest, got.Latest)
	}
	if f.Store().Len() != 0 {
		t.Error("harvest should drain the store")
	}
}

func TestTraceRestoresOnRetry(t *testing.T) {
	e := newEnv(t)
	e.sink.status.Store(http.StatusTooManyRequests)
	f := NewTrace(Config{Name: "trace"}, nodestore.Config{}, e.harvest, e.clock, e.emitter)

	e.emitter.Emit(EventName("trace", KindNode), nodestore.Node{Name: "a", Start: 1, End: 2, Origin: "x"})
	e.emitter.Emit(EventName("trace", KindNode), nodestore.Node{Name: "b", Start: 3, End: 4, Origin: "x"})
	f.Harvest(harvest.Options{})
	e.client.Wait()

	if f.Store().Len() != 2 {
		t.Errorf("expected both nodes restored, got %d", f.Store().Len())
	}
}

func traceNodes(n int) []nodestore.Node {
	nodes := make([]nodestore.Node, n)
	for i := range nodes {
		nodes[i] = nodestore.Node{
			Name:   "n" + strconv.Itoa(i),
			Start:  float64(10 * i),
			End:    float64(10*i + 5),
			Origin: "https://x.test/asset/" + strconv.Itoa(i),
		}
	}
	return nodes
}

func TestTraceSplitsLargeHarvest(t *testing.T) {
	e := newEnv(t)
	const budget = 400
	f := NewTrace(Config{Name: "trace", MaxPayloadBytes: budget}, nodestore.Config{}, e.harvest, e.clock, e.emitter)
	for _, n := range traceNodes(12) {
		e.emitter.Emit(EventName("trace", KindNode), n)
	}

	f.Harvest(harvest.Options{})
	e.client.Wait()

	_, bodies := e.sink.received()
	if len(bodies) < 2 {
		t.Fatalf("expected the harvest to be split, got %d request(s)", len(bodies))
	}
	total := 0
	for _, b := range bodies {
		if len(b) > budget {
			t.Errorf("chunk of %d bytes exceeds %d", len(b), budget)
		}
		var got struct {
			Res      []nodestore.Node `json:"res"`
			Earliest float64          `json:"earliest"`
			Latest   float64          `json:"latest"`
		}
		if err := json.Unmarshal([]byte(b), &got); err != nil {
			t.Fatalf("bad body %q: %v", b, err)
		}
		for _, n := range got.Res {
			if n.Start < got.Earliest || n.End > got.Latest {
				t.Errorf("node %s outside chunk bounds %v..%v", n.Name, got.Earliest, got.Latest)
			}
		}
		total += len(got.Res)
	}
	if total != 12 {
		t.Errorf("expected every node once, got %d", total)
	}
}

func TestTraceRestoresEveryChunkOnRetry(t *testing.T) {
	e := newEnv(t)
	e.sink.status.Store(http.StatusServiceUnavailable)
	f := NewTrace(Config{Name: "trace", MaxPayloadBytes: 400}, nodestore.Config{}, e.harvest, e.clock, e.emitter)
	for _, n := range traceNodes(12) {
		e.emitter.Emit(EventName("trace", KindNode), n)
	}

	f.Harvest(harvest.Options{})
	e.client.Wait()

	if e.sink.count() < 2 {
		t.Fatalf("expected several chunks, got %d", e.sink.count())
	}
	if f.Store().Len() != 12 {
		t.Errorf("expected all 12 nodes restored, got %d", f.Store().Len())
	}
}

func TestSplitNodes(t *testing.T) {
	nodes := traceNodes(5)
	if got := splitNodes(nodes, 0); len(got) != 1 || len(got[0]) != 5 {
		t.Errorf("no budget should keep one chunk, got %d", len(got))
	}
	got := splitNodes(nodes, 1)
	if len(got) != 5 {
		t.Errorf("oversized nodes should travel alone, got %d chunks", len(got))
	}
}

func TestUnloadSkipsBackup(t *testing.T) {
	e := newEnv(t)
	f := NewTrace(Config{Name: "trace"}, nodestore.Config{}, e.harvest, e.clock, e.emitter)
	e.emitter.Emit(EventName("trace", KindNode), nodestore.Node{Name: "a", Start: 1, End: 2})

	e.emitter.Emit(events.EndOfLife)
	e.client.Wait()

	if _, bodies := e.sink.received(); len(bodies) != 1 {
		t.Fatalf("expected the final harvest to be delivered, got %d", len(bodies))
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.backups) != 0 {
		t.Error("end-of-life harvest should not keep a backup")
	}
	if !f.Scheduler().Aborted() {
		t.Error("scheduler should stop after end-of-life")
	}
}
