// Package cardinality estimates how many distinct keys a store has seen
// since its last drain. The estimates feed self-metrics only; they never
// influence what is stored or sent.
package cardinality

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

// Mode selects the tracking implementation.
type Mode string

const (
	// ModeExact keeps every key in a map.
	ModeExact Mode = "exact"
	// ModeBloom counts first sightings through a Bloom filter. May
	// undercount slightly because of false positives.
	ModeBloom Mode = "bloom"
	// ModeHLL estimates with a HyperLogLog sketch in fixed memory.
	ModeHLL Mode = "hll"
)

// Tracker counts distinct keys.
type Tracker interface {
	// Add records key and reports whether it was (probably) new.
	Add(key string) bool
	// Count returns the number of distinct keys seen.
	Count() int64
	// Reset starts a new window.
	Reset()
}

// Config sizes a tracker.
type Config struct {
	Mode Mode
	// ExpectedItems sizes the Bloom filter.
	ExpectedItems uint
	// FalsePositiveRate is the Bloom filter target rate.
	FalsePositiveRate float64
	// Precision is the HyperLogLog register exponent.
	Precision uint8
}

// New builds a tracker for cfg. Unknown modes fall back to exact tracking.
func New(cfg Config) Tracker {
	switch cfg.Mode {
	case ModeBloom:
		if cfg.ExpectedItems == 0 {
			cfg.ExpectedItems = 10000
		}
		if cfg.FalsePositiveRate <= 0 {
			cfg.FalsePositiveRate = 0.01
		}
		return NewBloomTracker(cfg.ExpectedItems, cfg.FalsePositiveRate)
	case ModeHLL:
		return NewHLLTracker(cfg.Precision)
	default:
		return NewExactTracker()
	}
}

// BloomTracker keeps a manual counter next to a Bloom filter, since Bloom
// filters cannot estimate cardinality themselves.
type BloomTracker struct {
	mu     sync.Mutex
	filter *bloom.BloomFilter
	count  int64
}

// NewBloomTracker creates a Bloom-backed tracker.
func NewBloomTracker(expected uint, fpRate float64) *BloomTracker {
	return &BloomTracker{filter: bloom.NewWithEstimates(expected, fpRate)}
}

func (t *BloomTracker) Add(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.filter.TestOrAddString(key) {
		return false
	}
	t.count++
	return true
}

func (t *BloomTracker) Count() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

func (t *BloomTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.filter.ClearAll()
	t.count = 0
}

// ExactTracker uses a map for exact counts.
type ExactTracker struct {
	mu    sync.Mutex
	items map[string]struct{}
}

// NewExactTracker creates a map-backed tracker.
func NewExactTracker() *ExactTracker {
	return &ExactTracker{items: make(map[string]struct{})}
}

func (t *ExactTracker) Add(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.items[key]; ok {
		return false
	}
	t.items[key] = struct{}{}
	return true
}

func (t *ExactTracker) Count() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return int64(len(t.items))
}

func (t *ExactTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.items = make(map[string]struct{})
}
