package feature

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/szibis/telemetry-harvester/internal/clock"
	"github.com/szibis/telemetry-harvester/internal/events"
	"github.com/szibis/telemetry-harvester/internal/harvest"
	"github.com/szibis/telemetry-harvester/internal/logging"
	"github.com/szibis/telemetry-harvester/internal/nodestore"
	"github.com/szibis/telemetry-harvester/internal/transport"
)

// Trace event kinds.
const (
	KindNode     = "node"
	KindEvent    = "event"
	KindTiming   = "timing"
	KindHistory  = "history"
	KindResource = "resource"
)

// HistoryCall is the argument of a "history" event.
type HistoryCall struct {
	Path string
	Old  string
	T    float64
}

// envelopeBytes covers the body keys and bounds around the nodes of a chunk.
const envelopeBytes = 96

// Trace harvests a node store as a timeline, split into chunks when the
// nodes would not fit MaxPayloadBytes.
type Trace struct {
	*base
	store *nodestore.Store

	mu      sync.Mutex
	backups map[chunkKey]nodestore.Snapshot
}

type chunkKey struct {
	id    uint64
	chunk int
}

// NewTrace wires a node-store-backed feature.
func NewTrace(cfg Config, storeCfg nodestore.Config, h *harvest.Harvest, clk clock.Clock, emitter *events.Emitter) *Trace {
	if storeCfg.Name == "" {
		storeCfg.Name = cfg.Name
	}
	t := &Trace{store: nodestore.New(storeCfg, clk), backups: make(map[chunkKey]nodestore.Snapshot)}
	t.base = newBase(cfg, h, clk, emitter, t.finished, t.chunks)

	t.on(KindNode, func(args ...any) {
		n, ok := firstArg[nodestore.Node](args)
		if !ok {
			t.invalid()
			return
		}
		t.stored(t.store.StoreNode(n))
	})
	t.on(KindEvent, func(args ...any) {
		ev, ok := firstArg[nodestore.Event](args)
		if !ok {
			t.invalid()
			return
		}
		t.stored(t.store.StoreEvent(ev))
	})
	t.on(KindTiming, func(args ...any) {
		marks, ok := firstArg[map[string]float64](args)
		if !ok {
			t.invalid()
			return
		}
		t.store.StoreTiming(marks)
	})
	t.on(KindHistory, func(args ...any) {
		c, ok := firstArg[HistoryCall](args)
		if !ok {
			t.invalid()
			return
		}
		t.stored(t.store.StoreHistory(c.Path, c.Old, c.T))
	})
	t.on(KindResource, func(args ...any) {
		r, ok := firstArg[nodestore.Resource](args)
		if !ok {
			t.invalid()
			return
		}
		t.stored(t.store.StoreResource(r))
	})
	return t
}

// Store returns the backing node store.
func (t *Trace) Store() *nodestore.Store { return t.store }

func (t *Trace) stored(err error) {
	if err == nil || errors.Is(err, nodestore.ErrIgnored) {
		return
	}
	logging.Debug("trace node dropped", logging.F("feature", t.cfg.Name, "error", err.Error()))
}

func (t *Trace) chunks(opts harvest.Options) []harvest.Payload {
	snap := t.store.Take()
	if len(snap.Nodes) == 0 {
		return nil
	}
	parts := splitNodes(snap.Nodes, t.cfg.MaxPayloadBytes)
	st := t.store.Origin().UnixMilli()

	out := make([]harvest.Payload, 0, len(parts))
	for i, nodes := range parts {
		part := snap
		if len(parts) > 1 {
			part = bounds(nodes)
		}
		if opts.Retry {
			t.mu.Lock()
			t.backups[chunkKey{id: opts.ID, chunk: i}] = part
			t.mu.Unlock()
		}
		out = append(out, harvest.Payload{
			Body: map[string]any{
				"res":      part.Nodes,
				"earliest": part.Earliest,
				"latest":   part.Latest,
			},
			QS: map[string]any{"st": st},
		})
	}
	if len(parts) > 1 {
		logging.Debug("trace harvest split", logging.F(
			"feature", t.cfg.Name,
			"nodes", len(snap.Nodes),
			"chunks", len(parts),
		))
	}
	return out
}

// splitNodes groups nodes so the encoded nodes of each group plus the
// envelope fit budget bytes. A node larger than the budget travels alone.
func splitNodes(nodes []nodestore.Node, budget int) [][]nodestore.Node {
	if budget <= 0 {
		return [][]nodestore.Node{nodes}
	}
	var (
		out   [][]nodestore.Node
		start int
		size  = envelopeBytes
	)
	for i, n := range nodes {
		b, err := json.Marshal(n)
		if err != nil {
			continue
		}
		cost := len(b) + 1
		if i > start && size+cost > budget {
			out = append(out, nodes[start:i])
			start, size = i, envelopeBytes
		}
		size += cost
	}
	return append(out, nodes[start:])
}

func bounds(nodes []nodestore.Node) nodestore.Snapshot {
	snap := nodestore.Snapshot{Nodes: nodes, Earliest: nodes[0].Start, Latest: nodes[0].End}
	for _, n := range nodes[1:] {
		snap.Earliest = min(snap.Earliest, n.Start)
		snap.Latest = max(snap.Latest, n.End)
	}
	return snap
}

// finished restores the chunk that produced r, keyed by harvest and chunk.
func (t *Trace) finished(opts harvest.Options, r transport.Result) {
	key := chunkKey{id: opts.ID, chunk: opts.Chunk}
	t.mu.Lock()
	backup, ok := t.backups[key]
	delete(t.backups, key)
	t.mu.Unlock()

	if !ok || !r.Sent || !r.Retry {
		return
	}
	n := t.store.RestoreSnapshot(backup)
	featureRestoredTotal.WithLabelValues(t.cfg.Name).Inc()
	logging.Debug("trace restored for retry", logging.F(
		"feature", t.cfg.Name,
		"chunk", opts.Chunk,
		"restored", n,
		"taken", len(backup.Nodes),
	))
}

// Block stops the feature for good and drops its data.
func (t *Trace) Block() {
	t.sched.StopTimer(true)
	t.unsubscribe()
	t.store.Clear()
}
