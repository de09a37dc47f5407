// Package dispatch implements the router's dispatcher: the subsystem
// that maps a message's type and target endpoint to the in-process
// handler(s) that should run it, and decides whether that means one
// physical handler, one randomly chosen logical handler, or a fan-out
// to every matching logical route.
//
// The teacher's packet dispatch (device/room/dispatch.go) is a
// switch-on-payload-type function with no handler registry at all;
// this package keeps its "cheap lookup, heavy lifting happens outside
// the lock, bad matches are logged and dropped" shape but replaces the
// fixed switch with an open, per-type handler map, since the switch's
// payload-type space was closed and this one is open-ended.
//
// Handler discovery is explicit registration rather than reflection:
// the source material's "reflect over tagged methods" approach has no
// equivalent in Go, and an explicit registration API is the idiomatic
// systems-language replacement.
package dispatch

import (
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lilltek/router/endpoint"
	"github.com/lilltek/router/message"
	"github.com/lilltek/router/route"
)

// Priority selects which of the router's two worker-pool queues a
// dispatch task is enqueued on.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
)

// Handler processes one message delivered to it by the dispatcher.
// Returning an error causes the worker to log and drop rather than
// propagate (§9's "exceptions become logged drops" design note).
type Handler func(msg *message.Message) error

// Task is one unit of dispatch work: a handler paired with the message
// it should run against, plus the priority band it was enqueued under.
// The router core's worker pool consumes Tasks; this package only
// produces them.
type Task struct {
	Handler  Handler
	Message  *message.Message
	Priority Priority
}

var (
	// ErrDuplicateHandler is returned by AddPhysical when a handler is
	// already registered for msgType (§4.4: "duplicates error out").
	ErrDuplicateHandler = errors.New("dispatch: duplicate handler for message type")
)

// physicalEntry pairs a registered handler with its owning target, so
// re-registering the exact same (target, handler) is idempotent rather
// than an error, per §4.4.
type physicalEntry struct {
	owner   any
	handler Handler
}

// Dispatcher implements §4.4. It owns the physical (type-keyed)
// handler map and a route.Table for logical routes; the route table's
// onChanged hook is wired to regenerate the dispatcher's
// logicalEndpointSetID.
type Dispatcher struct {
	log *slog.Logger

	mu        sync.RWMutex
	physical  map[string]physicalEntry // msgType -> handler
	defaultPh *physicalEntry

	routes *route.Table

	onSetChanged func()
}

// Config configures a Dispatcher.
type Config struct {
	Logger *slog.Logger
}

// New creates an empty Dispatcher.
func New(cfg Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		log:      logger.WithGroup("dispatch"),
		physical: make(map[string]physicalEntry),
		routes:   route.NewTable(),
	}
	d.routes.SetOnChanged(func() {
		d.mu.RLock()
		cb := d.onSetChanged
		d.mu.RUnlock()
		if cb != nil {
			cb()
		}
	})
	return d
}

// SetOnLogicalEndpointSetChanged installs the callback fired whenever
// the logical-route set changes, so the router core can regenerate
// its logicalEndpointSetID and re-advertise (§4.3).
func (d *Dispatcher) SetOnLogicalEndpointSetChanged(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onSetChanged = fn
}

// AddPhysical registers handler for msgType. msgType == "" registers
// the default physical handler used when no exact-type handler
// matches. Re-registering the same owner for the same msgType is
// idempotent; any other attempt to register a second handler for an
// already-registered msgType returns ErrDuplicateHandler.
func (d *Dispatcher) AddPhysical(owner any, msgType string, handler Handler) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if msgType == "" {
		if d.defaultPh != nil && d.defaultPh.owner != owner {
			return ErrDuplicateHandler
		}
		d.defaultPh = &physicalEntry{owner: owner, handler: handler}
		return nil
	}

	if existing, ok := d.physical[msgType]; ok {
		if existing.owner != owner {
			return ErrDuplicateHandler
		}
		d.physical[msgType] = physicalEntry{owner: owner, handler: handler}
		return nil
	}
	d.physical[msgType] = physicalEntry{owner: owner, handler: handler}
	return nil
}

// AddLogical registers handler as a logical route at ep, keyed by
// msgType (or route.DefaultHandlerKey for a per-endpoint default).
// See route.Table.AddLogical for the duplicate-rejection rule.
func (d *Dispatcher) AddLogical(owner any, ep *endpoint.EP, msgType string, isDefault bool, targetGroup string) bool {
	key := msgType
	if isDefault {
		key = route.DefaultHandlerKey
	}
	return d.routes.AddLogical(ep, key, owner, targetGroup)
}

// RemoveTarget removes owner from every physical and logical
// registration.
func (d *Dispatcher) RemoveTarget(owner any) bool {
	d.mu.Lock()
	changed := false
	if d.defaultPh != nil && d.defaultPh.owner == owner {
		d.defaultPh = nil
		changed = true
	}
	for t, e := range d.physical {
		if e.owner == owner {
			delete(d.physical, t)
			changed = true
		}
	}
	d.mu.Unlock()

	if d.routes.RemoveTarget(owner) {
		changed = true
	}
	return changed
}

// Clear removes every physical and logical registration.
func (d *Dispatcher) Clear() {
	d.mu.Lock()
	d.physical = make(map[string]physicalEntry)
	d.defaultPh = nil
	d.mu.Unlock()
	d.routes.Clear()
}

// UpsertPeer records or refreshes a known peer router in the route
// table (§4.3's physical route), as tracked by peer-discovery
// advertisements.
func (d *Dispatcher) UpsertPeer(ep *endpoint.EP, logicalEndpointSetID uuid.UUID, lastSeen time.Time) {
	d.routes.UpsertPhysical(ep, logicalEndpointSetID, lastSeen)
}

// RemovePeer drops a peer router, e.g. after dead-router detection
// prunes it. Returns true iff it was present.
func (d *Dispatcher) RemovePeer(ep *endpoint.EP) bool {
	return d.routes.RemovePhysical(ep)
}

// Peers returns a snapshot of every known peer router.
func (d *Dispatcher) Peers() []*route.PhysicalRoute {
	return d.routes.Physicals()
}

// LogicalRoutes returns a snapshot of every registered logical route,
// for introspection (e.g. the routerd CLI).
func (d *Dispatcher) LogicalRoutes() []*route.LogicalRoute {
	return d.routes.Logicals()
}

// HandlerResolver resolves a logical route's stored owner back to a
// callable Handler for msgType. The dispatcher only stores opaque
// owners in its route.Table; the router core is the layer that knows
// how to turn an owner into a Handler, so it supplies the resolver at
// dispatch time.
type HandlerResolver func(owner any, msgType string) (Handler, bool)

// Dispatch implements §4.4's dispatch algorithm, producing the set of
// Tasks the caller's worker pool should run. Returns nil if the
// message should be dropped (with the reason logged).
func (d *Dispatcher) Dispatch(msg *message.Message, target *endpoint.EP, resolve HandlerResolver) []Task {
	if target != nil && target.IsNull() {
		d.log.Debug("dropping message addressed to the null endpoint", "type", msg.TypeID)
		return nil
	}
	if target == nil || target.IsPhysical() {
		return d.dispatchPhysical(msg)
	}
	if msg.Flags.Has(message.FlagBroadcast) {
		return d.dispatchBroadcast(msg, target, resolve)
	}
	return d.dispatchUnicast(msg, target, resolve)
}

func (d *Dispatcher) dispatchPhysical(msg *message.Message) []Task {
	if msg.IsEnvelope() {
		d.log.Debug("dropping envelope addressed to a physical endpoint", "type", msg.TypeID)
		return nil
	}

	d.mu.RLock()
	entry, ok := d.physical[msg.TypeID]
	if !ok && d.defaultPh != nil {
		entry = *d.defaultPh
		ok = true
	}
	d.mu.RUnlock()

	if !ok {
		if msg.SessionID == nil {
			d.log.Debug("dropping physical message: no handler and no session", "type", msg.TypeID)
			return nil
		}
		// Routed to the session by ID: the router core owns session
		// lookup, so it is up to the caller to recognize a nil Task
		// slice alongside a non-nil msg.SessionID as "route to session".
		return nil
	}
	return []Task{{Handler: entry.handler, Message: msg, Priority: priorityOf(msg)}}
}

func (d *Dispatcher) dispatchBroadcast(msg *message.Message, target *endpoint.EP, resolve HandlerResolver) []Task {
	routes := d.routes.GetRoutes(target)
	var tasks []Task
	for _, r := range routes {
		_, h, ok := pickHandler(r, msg.TypeID, resolve)
		if !ok {
			continue
		}
		tasks = append(tasks, Task{Handler: h, Message: msg, Priority: priorityOf(msg)})
	}
	return tasks
}

func (d *Dispatcher) dispatchUnicast(msg *message.Message, target *endpoint.EP, resolve HandlerResolver) []Task {
	routes := d.routes.GetRoutes(target)
	if len(routes) == 0 {
		d.log.Debug("dropping logical unicast: no matching route", "target", target.String())
		return nil
	}
	r := routes[rand.Intn(len(routes))]
	_, h, ok := pickHandler(r, msg.TypeID, resolve)
	if !ok {
		if msg.SessionID == nil {
			d.log.Debug("dropping logical unicast: no handler and no session", "target", target.String())
			return nil
		}
		return nil
	}
	return []Task{{Handler: h, Message: msg, Priority: priorityOf(msg)}}
}

func pickHandler(r *route.LogicalRoute, msgType string, resolve HandlerResolver) (any, Handler, bool) {
	owner, ok := r.Handlers[msgType]
	if !ok {
		owner, ok = r.Handlers[route.DefaultHandlerKey]
	}
	if !ok {
		return nil, nil, false
	}
	h, ok := resolve(owner, msgType)
	if !ok {
		return nil, nil, false
	}
	return owner, h, true
}

func priorityOf(msg *message.Message) Priority {
	if msg.Flags.Has(message.FlagPriority) {
		return PriorityHigh
	}
	return PriorityNormal
}

// String implements fmt.Stringer for Priority, used in log lines.
func (p Priority) String() string {
	if p == PriorityHigh {
		return "high"
	}
	return "normal"
}
