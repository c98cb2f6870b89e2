package transport

import (
	"context"
)

// Method names a delivery mechanism.
type Method string

const (
	// MethodXHR is the default asynchronous request that reports a result.
	MethodXHR Method = "xhr"
	// MethodSync blocks the caller until the response arrives.
	MethodSync Method = "sync"
	// MethodBeacon is fire-and-forget: queued, never reports back.
	MethodBeacon Method = "beacon"
	// MethodKeepAlive is an asynchronous request detached from the caller's
	// cancellation, used when a beacon is refused.
	MethodKeepAlive Method = "keepalive"
)

// DefaultBeaconMaxBytes is the largest body a beacon accepts.
const DefaultBeaconMaxBytes = 64 * 1024

// DefaultBeaconMaxInFlight bounds queued beacons.
const DefaultBeaconMaxInFlight = 8

// Mechanism sends one request. Send returns false when the request was
// refused outright; otherwise done, if non-nil and the mechanism can report,
// eventually receives the result.
type Mechanism interface {
	Method() Method
	Send(ctx context.Context, req *Request, done func(Result)) bool
}

type xhr struct{ c *Client }

// NewXHR returns the default mechanism: asynchronous, reports its result.
func NewXHR(c *Client) Mechanism { return xhr{c: c} }

func (xhr) Method() Method { return MethodXHR }

func (m xhr) Send(ctx context.Context, req *Request, done func(Result)) bool {
	m.c.async(func() {
		r := m.c.do(ctx, MethodXHR, req)
		if done != nil {
			done(r)
		}
	})
	return true
}

type syncSend struct{ c *Client }

// NewSync returns the blocking mechanism. done runs before Send returns.
func NewSync(c *Client) Mechanism { return syncSend{c: c} }

func (syncSend) Method() Method { return MethodSync }

func (m syncSend) Send(ctx context.Context, req *Request, done func(Result)) bool {
	r := m.c.do(ctx, MethodSync, req)
	if done != nil {
		done(r)
	}
	return true
}

type beacon struct {
	c        *Client
	maxBytes int
	slots    chan struct{}
}

// NewBeacon returns the fire-and-forget mechanism. It refuses bodies over
// maxBytes and requests beyond maxInFlight queued beacons; it never calls
// done. Beacons outlive the caller's context.
func NewBeacon(c *Client, maxBytes, maxInFlight int) Mechanism {
	if maxBytes <= 0 {
		maxBytes = DefaultBeaconMaxBytes
	}
	if maxInFlight <= 0 {
		maxInFlight = DefaultBeaconMaxInFlight
	}
	return &beacon{c: c, maxBytes: maxBytes, slots: make(chan struct{}, maxInFlight)}
}

func (*beacon) Method() Method { return MethodBeacon }

func (m *beacon) Send(ctx context.Context, req *Request, _ func(Result)) bool {
	if len(req.Body) > m.maxBytes {
		sendRejectedTotal.WithLabelValues(string(MethodBeacon), "size").Inc()
		return false
	}
	select {
	case m.slots <- struct{}{}:
	default:
		sendRejectedTotal.WithLabelValues(string(MethodBeacon), "queue_full").Inc()
		return false
	}
	ctx = context.WithoutCancel(ctx)
	m.c.async(func() {
		defer func() { <-m.slots }()
		m.c.do(ctx, MethodBeacon, req)
	})
	return true
}

type keepAlive struct{ c *Client }

// NewKeepAlive returns the asynchronous mechanism that keeps running after
// the caller's context is cancelled.
func NewKeepAlive(c *Client) Mechanism { return keepAlive{c: c} }

func (keepAlive) Method() Method { return MethodKeepAlive }

func (m keepAlive) Send(ctx context.Context, req *Request, done func(Result)) bool {
	ctx = context.WithoutCancel(ctx)
	m.c.async(func() {
		r := m.c.do(ctx, MethodKeepAlive, req)
		if done != nil {
			done(r)
		}
	})
	return true
}

// Selector picks the mechanism for a send.
type Selector struct {
	XHR       Mechanism
	Sync      Mechanism
	Beacon    Mechanism
	KeepAlive Mechanism
	// Worker contexts cannot use beacons; they block at end-of-life instead.
	Worker bool
}

// NewSelector wires every mechanism to c with default beacon limits.
func NewSelector(c *Client, worker bool) *Selector {
	return &Selector{
		XHR:       NewXHR(c),
		Sync:      NewSync(c),
		Beacon:    NewBeacon(c, 0, 0),
		KeepAlive: NewKeepAlive(c),
		Worker:    worker,
	}
}

// Method returns the mechanism for a send. End-of-life sends use the
// beacon, or the blocking mechanism in a worker; all others use XHR.
func (s *Selector) Method(unload bool) Mechanism {
	switch {
	case unload && s.Worker:
		return s.Sync
	case unload:
		return s.Beacon
	default:
		return s.XHR
	}
}

// Fallback is tried when the selected mechanism refuses a request.
func (s *Selector) Fallback() Mechanism {
	return s.KeepAlive
}
