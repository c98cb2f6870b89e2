package nodestore

import (
	"fmt"
	"math"
	"net/url"
	"sort"
)

// IgnoreAll in an origin's ignore list drops every event from that origin.
const IgnoreAll = "*"

// IgnoreRules lists event types that are never stored.
type IgnoreRules struct {
	// Global event types are ignored from every origin.
	Global []string `yaml:"global"`
	// ByOrigin event types are ignored only from the given origin.
	ByOrigin map[string][]string `yaml:"by_origin"`
}

// DefaultIgnoreRules returns the built-in ignore list.
func DefaultIgnoreRules() IgnoreRules {
	return IgnoreRules{
		Global: []string{"mouseup", "mousedown"},
		ByOrigin: map[string][]string{
			"window":           {"load", "pagehide"},
			"xhrOriginMissing": {IgnoreAll},
		},
	}
}

// Ignored reports whether an event of evtType from origin is filtered.
func (r IgnoreRules) Ignored(evtType, origin string) bool {
	for _, t := range r.Global {
		if t == evtType {
			return true
		}
	}
	for _, t := range r.ByOrigin[origin] {
		if t == IgnoreAll || t == evtType {
			return true
		}
	}
	return false
}

// CategoryName maps a raw interaction type onto its noisy category.
// Other types keep their own name.
func CategoryName(evtType string) string {
	switch evtType {
	case "keydown", "keyup", "keypress":
		return "typing"
	case "mousemove", "mouseenter", "mouseleave", "mouseover", "mouseout":
		return "mousing"
	case "touchstart", "touchmove", "touchend", "touchcancel", "touchenter", "touchleave":
		return "touching"
	case "scroll":
		return "scrolling"
	default:
		return evtType
	}
}

// Event is a raw user-interaction or DOM event.
type Event struct {
	// ID deduplicates an event seen by several listeners. Optional.
	ID     string  `json:"id,omitempty"`
	Type   string  `json:"type"`
	Origin string  `json:"origin"`
	Start  float64 `json:"start"`
	End    float64 `json:"end"`
}

// StoreEvent stores an interaction event as an "event" node named after its
// category. Ignored types and repeated IDs return ErrIgnored.
func (s *Store) StoreEvent(ev Event) error {
	origin := ev.Origin
	if origin == "" {
		origin = UnknownOrigin
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.Ignore.Ignored(ev.Type, origin) {
		s.ignoredNodes.Inc()
		return ErrIgnored
	}
	if ev.ID != "" {
		if _, dup := s.seenEvents[ev.ID]; dup {
			return ErrIgnored
		}
		s.seenEvents[ev.ID] = struct{}{}
	}
	return s.storeLocked(Node{
		Name:   CategoryName(ev.Type),
		Start:  ev.Start,
		End:    ev.End,
		Origin: origin,
		Kind:   "event",
	})
}

// StoreTiming stores each non-negative timing mark as a zero-duration
// "timing" node from the document, in key order.
func (s *Store) StoreTiming(marks map[string]float64) int {
	keys := make([]string, 0, len(marks))
	for k, v := range marks {
		if v >= 0 && !math.IsNaN(v) && !math.IsInf(v, 0) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := 0
	for _, k := range keys {
		v := math.Round(marks[k])
		if s.storeLocked(Node{Name: k, Start: v, End: v, Origin: "document", Kind: "timing"}) == nil {
			stored++
		}
	}
	return stored
}

// StoreHistory records a same-document navigation from old to path at t.
func (s *Store) StoreHistory(path, old string, t float64) error {
	return s.StoreNode(Node{Name: "history.pushState", Start: t, End: t, Origin: path, Kind: old})
}

// Resource is a completed resource fetch.
type Resource struct {
	URL           string  `json:"url"`
	InitiatorType string  `json:"initiator_type"`
	EntryType     string  `json:"entry_type,omitempty"`
	Start         float64 `json:"start"`
	End           float64 `json:"end"`
}

// StoreResource records a resource fetch keyed by initiator, with origin
// scheme://host:port/path. Resources starting no later than the last one
// stored are assumed seen and return ErrIgnored.
func (s *Store) StoreResource(r Resource) error {
	origin, err := resourceOrigin(r.URL)
	if err != nil {
		return fmt.Errorf("resource origin: %w", err)
	}
	kind := r.EntryType
	if kind == "" {
		kind = "resource"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if r.Start <= s.lastResource {
		return ErrIgnored
	}
	s.lastResource = r.Start
	return s.storeLocked(Node{
		Name:   r.InitiatorType,
		Start:  math.Floor(r.Start),
		End:    math.Floor(r.End),
		Origin: origin,
		Kind:   kind,
	})
}

func resourceOrigin(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "https":
			port = "443"
		case "http":
			port = "80"
		}
	}
	return fmt.Sprintf("%s://%s:%s%s", u.Scheme, u.Hostname(), port, u.EscapedPath()), nil
}
