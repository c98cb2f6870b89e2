package cardinality

import (
	"sync"

	"github.com/axiomhq/hyperloglog"
)

// DefaultPrecision uses 2^14 registers, about 16KB once dense.
const DefaultPrecision = 14

// HLLTracker estimates distinct keys per drain window in fixed memory and
// folds every finished window into a lifetime sketch. A sketch cannot test
// membership, so Add always reports true.
type HLLTracker struct {
	mu        sync.Mutex
	precision uint8
	window    *hyperloglog.Sketch
	lifetime  *hyperloglog.Sketch
}

// NewHLLTracker returns a tracker with 2^precision registers. Precisions
// outside 4..18 fall back to DefaultPrecision.
func NewHLLTracker(precision uint8) *HLLTracker {
	if precision < 4 || precision > 18 {
		precision = DefaultPrecision
	}
	return &HLLTracker{
		precision: precision,
		window:    newSketch(precision),
		lifetime:  newSketch(precision),
	}
}

func newSketch(p uint8) *hyperloglog.Sketch {
	sk, err := hyperloglog.NewSketch(p, true)
	if err != nil {
		return hyperloglog.New()
	}
	return sk
}

func (t *HLLTracker) Add(key string) bool {
	t.mu.Lock()
	t.window.Insert([]byte(key))
	t.mu.Unlock()
	return true
}

// Count estimates the current window. Estimate may convert the sparse
// representation, so it needs the lock.
func (t *HLLTracker) Count() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return int64(t.window.Estimate())
}

// Lifetime estimates distinct keys across every window, current included.
func (t *HLLTracker) Lifetime() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	all := t.lifetime.Clone()
	if err := all.Merge(t.window); err != nil {
		return int64(t.lifetime.Estimate())
	}
	return int64(all.Estimate())
}

// Reset closes the window into the lifetime sketch.
func (t *HLLTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.lifetime.Merge(t.window)
	t.window = newSketch(t.precision)
}
