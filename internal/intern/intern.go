// Package intern deduplicates the short strings that ingested telemetry
// repeats on every request, such as attribute keys and metric names.
package intern

import (
	"strings"
	"sync"
	"sync/atomic"
)

// Pool is a concurrent string set. Lookups of known strings do not lock.
type Pool struct {
	strings sync.Map
	size    atomic.Int64
	limit   int64
	hits    atomic.Uint64
	misses  atomic.Uint64
}

// NewPool returns a pool holding at most limit strings; 0 means unbounded.
// Once full, unknown strings are returned as-is.
func NewPool(limit int, seed ...string) *Pool {
	p := &Pool{limit: int64(limit)}
	for _, s := range seed {
		p.Intern(s)
	}
	return p
}

// Intern returns the pooled copy of s.
func (p *Pool) Intern(s string) string {
	if v, ok := p.strings.Load(s); ok {
		p.hits.Add(1)
		return v.(string)
	}
	p.misses.Add(1)
	if p.limit > 0 && p.size.Load() >= p.limit {
		return s
	}
	// Clone so the pool never pins a decode buffer.
	clone := strings.Clone(s)
	v, loaded := p.strings.LoadOrStore(clone, clone)
	if !loaded {
		p.size.Add(1)
	}
	return v.(string)
}

// Stats returns lookup hits and misses.
func (p *Pool) Stats() (hits, misses uint64) {
	return p.hits.Load(), p.misses.Load()
}

// Size returns the number of pooled strings.
func (p *Pool) Size() int { return int(p.size.Load()) }

// Reset empties the pool and its statistics.
func (p *Pool) Reset() {
	p.strings.Range(func(k, _ any) bool {
		p.strings.Delete(k)
		return true
	})
	p.size.Store(0)
	p.hits.Store(0)
	p.misses.Store(0)
}

// Shared pools used by the receivers.
var (
	// Keys holds attribute keys, seeded with the resource and browser
	// attributes instrumentation sends most.
	Keys = NewPool(4096,
		"service.name", "service.version", "service.instance.id", "deployment.environment",
		"telemetry.sdk.name", "telemetry.sdk.version", "telemetry.sdk.language",
		"browser.brands", "browser.platform", "browser.mobile", "browser.language",
		"user_agent.original", "url.full", "url.path", "url.scheme", "server.address",
		"http.request.method", "http.response.status_code", "http.route",
		"error.type", "exception.type", "exception.message",
		"route", "page", "status", "method", "name",
	)
	// Names holds metric names.
	Names = NewPool(16384)
)
