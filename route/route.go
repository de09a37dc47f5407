// Package route holds the router's route table: the set of known
// physical peer routers plus the logical-route index that the
// dispatcher consults to find handlers for a target endpoint.
//
// This is grounded on the teacher's contact manager
// (core/contact/manager.go): both are thread-safe, mutation-notifying
// stores of "things we know about a peer/endpoint" guarded by a single
// RWMutex, with add/remove driving owner callbacks rather than the
// store reaching into its owner directly.
package route

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lilltek/router/endpoint"
)

// DefaultTargetGroup is the targetGroup value used for routes that were
// not given an explicit group: each such route is its own group.
const DefaultTargetGroup = ""

// DefaultHandlerKey is the sentinel key used for a logical route's
// catch-all handler.
const DefaultHandlerKey = "*default*"

// PhysicalRoute records a known peer router.
type PhysicalRoute struct {
	RouterEP             *endpoint.EP
	LogicalEndpointSetID uuid.UUID
	LastSeen             time.Time
}

// Handler is an opaque per-message-type callback reference. The route
// table only tracks handler identity and key; dispatch semantics for
// invoking it live in the dispatch package.
type Handler any

// LogicalRoute is one entry in the logical-route index: an endpoint,
// its per-message-type handler map, and the optional targetGroup that
// lets several target objects share the same (endpoint, key) slot.
type LogicalRoute struct {
	Endpoint    *endpoint.EP
	TargetGroup string
	Handlers    map[string]Handler
}

// Table is the router's route table: physical peer routes keyed by
// router endpoint, and the logical-route index. A single RWMutex
// guards both. It is not shared with the dispatcher or the receipt
// tracker: each of those holds its own separate mutex.
type Table struct {
	mu        sync.RWMutex
	physical  map[string]*PhysicalRoute
	logical   []*LogicalRoute
	onChanged func()
}

// NewTable creates an empty route table.
func NewTable() *Table {
	return &Table{
		physical: make(map[string]*PhysicalRoute),
	}
}

// SetOnChanged installs the callback fired after any mutation that
// must regenerate the dispatcher's logicalEndpointSetID (§4.3's
// invariant). The callback runs synchronously but the caller should
// keep it cheap — e.g. flip a dirty flag picked up by a background
// advertiser — since it executes while the route table lock is held.
func (t *Table) SetOnChanged(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onChanged = fn
}

func (t *Table) notifyChanged() {
	if t.onChanged != nil {
		t.onChanged()
	}
}

// UpsertPhysical adds or refreshes a known peer router.
func (t *Table) UpsertPhysical(ep *endpoint.EP, setID uuid.UUID, lastSeen time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.physical[ep.String()] = &PhysicalRoute{RouterEP: ep, LogicalEndpointSetID: setID, LastSeen: lastSeen}
}

// RemovePhysical drops a peer router, returning true iff it was present.
func (t *Table) RemovePhysical(ep *endpoint.EP) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := ep.String()
	if _, ok := t.physical[key]; !ok {
		return false
	}
	delete(t.physical, key)
	return true
}

// Physical returns the known peer route for ep, or nil.
func (t *Table) Physical(ep *endpoint.EP) *PhysicalRoute {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.physical[ep.String()]
}

// Physicals returns a snapshot of all known peer routes.
func (t *Table) Physicals() []*PhysicalRoute {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*PhysicalRoute, 0, len(t.physical))
	for _, p := range t.physical {
		out = append(out, p)
	}
	return out
}

// AddLogical registers handler under key at ep. Per §4.3, a duplicate
// (endpoint, key) pair is rejected unless targetGroup matches an
// existing route at that same (endpoint, key), in which case handler
// is appended to that route's handler map instead of creating a new
// route. Returns false if rejected as a duplicate.
func (t *Table) AddLogical(ep *endpoint.EP, key string, handler Handler, targetGroup string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, r := range t.logical {
		if !r.Endpoint.Equals(ep) {
			continue
		}
		if _, exists := r.Handlers[key]; !exists {
			continue
		}
		if targetGroup == "" || r.TargetGroup != targetGroup {
			return false
		}
		r.Handlers[key] = handler
		t.notifyChanged()
		return true
	}

	// No existing route at this (endpoint, key). Reuse a same-group
	// route at this endpoint if one exists, otherwise start a new one.
	for _, r := range t.logical {
		if r.Endpoint.Equals(ep) && targetGroup != "" && r.TargetGroup == targetGroup {
			r.Handlers[key] = handler
			t.notifyChanged()
			return true
		}
	}

	t.logical = append(t.logical, &LogicalRoute{
		Endpoint:    ep,
		TargetGroup: targetGroup,
		Handlers:    map[string]Handler{key: handler},
	})
	t.notifyChanged()
	return true
}

// RemoveTarget removes every occurrence of handler from every logical
// route's handler map, dropping any route left with no handlers.
// Returns true iff anything changed.
func (t *Table) RemoveTarget(handler Handler) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	changed := false
	kept := t.logical[:0]
	for _, r := range t.logical {
		for k, h := range r.Handlers {
			if h == handler {
				delete(r.Handlers, k)
				changed = true
			}
		}
		if len(r.Handlers) > 0 {
			kept = append(kept, r)
		} else {
			changed = true
		}
	}
	t.logical = kept
	if changed {
		t.notifyChanged()
	}
	return changed
}

// GetRoutes returns every logical route whose endpoint logicalMatches
// targetEP (§4.1).
func (t *Table) GetRoutes(targetEP *endpoint.EP) []*LogicalRoute {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []*LogicalRoute
	for _, r := range t.logical {
		if r.Endpoint.LogicalMatch(targetEP) {
			out = append(out, r)
		}
	}
	return out
}

// Logicals returns a snapshot of every registered logical route,
// regardless of endpoint, for introspection.
func (t *Table) Logicals() []*LogicalRoute {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*LogicalRoute, len(t.logical))
	copy(out, t.logical)
	return out
}

// Clear removes every physical and logical route.
func (t *Table) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.physical = make(map[string]*PhysicalRoute)
	t.logical = nil
	t.notifyChanged()
}
