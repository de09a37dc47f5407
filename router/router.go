// Package router implements §4.6's router core: the single entry
// point applications use to send, broadcast, and query messages, and
// the place where inbound frames from channels re-enter dispatch.
//
// The worker pool and its two-queue (normal/priority) scheduling is
// adapted from the teacher's Router/SendQueue pair
// (device/router/router.go, device/router/queue.go): there, a single
// background goroutine drains a priority-ordered slice of outbound
// packets on a timer. Here, because dispatch work is CPU/handler-bound
// rather than I/O-bound, the "queue" becomes two buffered Go channels
// drained by a fixed pool of worker goroutines instead of a polled
// slice — an idiomatic Go replacement for the same "normal vs.
// priority lane, drained outside the caller's goroutine" shape.
package router

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lilltek/router/channel"
	"github.com/lilltek/router/dispatch"
	"github.com/lilltek/router/endpoint"
	"github.com/lilltek/router/message"
	"github.com/lilltek/router/metrics"
	"github.com/lilltek/router/receipt"
	"github.com/lilltek/router/route"
	"github.com/lilltek/router/routerid"
	"github.com/lilltek/router/session"
)

const (
	// DefaultWorkers is the default worker-pool size.
	DefaultWorkers = 4

	// DefaultQueueDepth is the default buffer depth of each of the two
	// task queues.
	DefaultQueueDepth = 256

	// DefaultQueryTimeout is used by Query when the caller passes 0.
	DefaultQueryTimeout = 30 * time.Second
)

var (
	// ErrUnknownChannel is returned when forwarding to a channel name
	// with no registered Channel.
	ErrUnknownChannel = errors.New("router: unknown channel")

	// ErrQueryTimeout surfaces §7's SessionTimeout/Cancelled error kind
	// to Query's caller.
	ErrQueryTimeout = errors.New("router: query timed out")

	// ErrQueryCancelled is returned by Query when the pending request
	// is completed with a cancellation rather than a reply.
	ErrQueryCancelled = errors.New("router: query cancelled")

	// ErrBadAdvertisement is returned by HandleAdvertisement when the
	// peer's signature does not verify. Per §7, this is advisory: the
	// caller logs and drops rather than treating it as fatal.
	ErrBadAdvertisement = errors.New("router: advertisement signature invalid")
)

// cancellationTypeID marks a synthetic reply delivered in place of a
// real one when a server-side RequestContext completes via Cancel
// (§4.6's "cancel() delivers a synthetic cancellation message").
const cancellationTypeID = "_session.cancelled"

// NewCancellationMessage builds the synthetic message a RequestContext's
// onCancel callback should send back to the querying caller.
func NewCancellationMessage() *message.Message {
	return &message.Message{TypeID: cancellationTypeID}
}

// Config configures a Router.
type Config struct {
	// SelfEP is this router's own physical endpoint, used as the
	// fromEP stamped on outbound messages that don't already carry one.
	SelfEP *endpoint.EP

	// Identity signs this router's advertisements. Optional — a
	// router with a nil Identity still routes, it just never
	// advertises.
	Identity *routerid.Identity

	// DeadRouterTTL is the receipt tracker's timeout; zero disables
	// dead-router detection entirely (§6's `dead-router-ttl`).
	DeadRouterTTL time.Duration

	// DeadRouterDetectionEnabled gates whether Send arms the receipt
	// tracker for outbound messages carrying ReceiptRequest (§6's
	// `deadRouterDetection`).
	DeadRouterDetectionEnabled bool

	// Workers is the worker-pool size. Default: DefaultWorkers.
	Workers int

	// QueueDepth is the buffer depth of each priority lane. Default:
	// DefaultQueueDepth.
	QueueDepth int

	// RoutingScopeMask holds closest-route preference bits of
	// message.FlagRoutingScopeMask. The router stores it but does not
	// consult it when forwarding, so it places no restriction on routing.
	RoutingScopeMask message.Flags

	Registry *message.Registry
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Router is the router core of §4.6.
type Router struct {
	cfg Config
	log *slog.Logger

	dispatcher *dispatch.Dispatcher
	sessions   *session.Manager
	receipts   *receipt.Tracker
	registry   *message.Registry
	metrics    *metrics.Metrics

	mu                   sync.RWMutex
	channels             map[string]channel.Channel
	logicalEndpointSetID uuid.UUID
	pendingAdvertise     bool
	pendingQueries       map[uuid.UUID]chan *message.Message

	onLogicalEndpointSetChange func(newSetID uuid.UUID)
	onDeadRouterDetected       func(routerEP *endpoint.EP, logicalEndpointSetID uuid.UUID)

	normalQ chan dispatch.Task
	priorQ  chan dispatch.Task
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	started bool
}

// New creates a Router. Call Start to begin its worker pool and
// background sweeps.
func New(cfg Config) *Router {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultQueueDepth
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Registry == nil {
		cfg.Registry = message.NewRegistry()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}

	r := &Router{
		cfg:            cfg,
		log:            logger.WithGroup("router"),
		registry:       cfg.Registry,
		metrics:        cfg.Metrics,
		channels:       make(map[string]channel.Channel),
		pendingQueries: make(map[uuid.UUID]chan *message.Message),
		normalQ:        make(chan dispatch.Task, cfg.QueueDepth),
		priorQ:         make(chan dispatch.Task, cfg.QueueDepth),
	}
	r.dispatcher = dispatch.New(dispatch.Config{Logger: logger})
	r.sessions = session.NewManager(session.ManagerConfig{Logger: logger})
	r.receipts = receipt.NewTracker(receipt.Config{ReceiptTimeout: cfg.DeadRouterTTL, Logger: logger})

	r.dispatcher.SetOnLogicalEndpointSetChanged(r.regenerateLogicalEndpointSetID)
	r.receipts.SetOnDeadRouterDetected(r.handleDeadRouter)
	r.sessions.SetOnTimeout(r.handleSessionTimeout)

	r.logicalEndpointSetID = uuid.New()
	return r
}

// Dispatcher exposes the router's dispatcher for handler registration
// (AddPhysical/AddLogical/RemoveTarget).
func (r *Router) Dispatcher() *dispatch.Dispatcher { return r.dispatcher }

// Sessions exposes the router's session manager.
func (r *Router) Sessions() *session.Manager { return r.sessions }

// Registry exposes the router's message-type registry.
func (r *Router) Registry() *message.Registry { return r.registry }

// Metrics exposes the router's metric counters.
func (r *Router) Metrics() *metrics.Metrics { return r.metrics }

// SetOnLogicalEndpointSetChange installs the peer-discovery hook fired
// whenever the dispatcher's logical-handler set changes (§4.6).
func (r *Router) SetOnLogicalEndpointSetChange(fn func(newSetID uuid.UUID)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onLogicalEndpointSetChange = fn
}

// SetOnDeadRouterDetected installs the callback fired when the receipt
// tracker gives up on a peer.
func (r *Router) SetOnDeadRouterDetected(fn func(routerEP *endpoint.EP, logicalEndpointSetID uuid.UUID)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDeadRouterDetected = fn
}

// AddChannel registers a channel the router may forward frames over,
// and wires the channel's inbound frames back into the router's
// dispatch pipeline.
func (r *Router) AddChannel(ch channel.Channel) {
	r.mu.Lock()
	r.channels[ch.Name()] = ch
	r.mu.Unlock()
	ch.SetFrameHandler(func(frame []byte, fromChannel string) {
		r.receiveFrame(frame, fromChannel)
	})
}

// Start launches the worker pool and the receipt tracker's and
// session manager's background sweeps.
func (r *Router) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.started = true
	r.mu.Unlock()

	for i := 0; i < r.cfg.Workers; i++ {
		r.wg.Add(1)
		go r.worker(ctx)
	}
	go r.receipts.Start(ctx)
	go r.sessions.Start(ctx)
}

// Stop cancels the worker pool and background sweeps, waiting for
// workers to drain in-flight tasks.
func (r *Router) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.started = false
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.receipts.Stop()
	r.sessions.Stop()
	r.wg.Wait()
}

func (r *Router) worker(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-r.priorQ:
			r.runTask(t)
		default:
			select {
			case <-ctx.Done():
				return
			case t := <-r.priorQ:
				r.runTask(t)
			case t := <-r.normalQ:
				r.runTask(t)
			}
		}
	}
}

// runTask invokes a dispatch.Task's handler, routing through the
// session manager per §4.4's "session integration on the worker" and
// converting handler errors into a logged drop rather than a crashed
// worker (§9).
func (r *Router) runTask(t dispatch.Task) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("handler panicked", "panic", p)
		}
	}()

	msg := t.Message
	if msg.SessionID == nil {
		if err := t.Handler(msg); err != nil {
			r.log.Warn("handler returned an error", "type", msg.TypeID, "error", err)
		}
		return
	}

	sessionID := *msg.SessionID
	if msg.Flags.Has(message.FlagOpenSession) {
		// Idempotent by default: a retransmitted request carries the
		// same msgID, letting IdempotentReplay below recognize it
		// without re-running the handler (§4.6's "reply|cancel|abort"
		// contract assumes at-most-once handler execution per msgID).
		r.sessions.Open(sessionID, session.SessionHandlerInfo{KeepAlive: 30 * time.Second, Idempotent: true})
	} else if !r.sessions.IsOpen(sessionID) {
		r.log.Debug("dropping message for unknown session", "sessionID", sessionID)
		r.metrics.DispatchDroppedTotal.WithLabelValues("unknown-session").Inc()
		return
	} else {
		r.sessions.Touch(sessionID)
		if msg.MsgID != nil {
			if _, replay := r.sessions.IdempotentReplay(sessionID, *msg.MsgID); replay {
				r.log.Debug("suppressing re-invocation for a retried request", "type", msg.TypeID, "sessionID", sessionID)
				r.metrics.SessionRetriesTotal.WithLabelValues(msg.TypeID).Inc()
				return
			}
		}
	}

	if err := t.Handler(msg); err != nil {
		r.log.Warn("session handler returned an error", "type", msg.TypeID, "sessionID", sessionID, "error", err)
	}
	if msg.MsgID != nil {
		r.sessions.CacheIdempotentReply(sessionID, *msg.MsgID, msg)
	}
}

func (r *Router) enqueue(tasks []dispatch.Task) {
	for _, t := range tasks {
		q := r.normalQ
		if t.Priority == dispatch.PriorityHigh {
			q = r.priorQ
		}
		select {
		case q <- t:
		default:
			r.log.Warn("dropping task: queue full", "priority", t.Priority)
			r.metrics.DispatchDroppedTotal.WithLabelValues("queue-full").Inc()
		}
	}
}

func (r *Router) regenerateLogicalEndpointSetID() {
	r.mu.Lock()
	r.logicalEndpointSetID = uuid.New()
	newID := r.logicalEndpointSetID
	r.pendingAdvertise = true
	cb := r.onLogicalEndpointSetChange
	r.mu.Unlock()

	if cb != nil {
		cb(newID)
	}
}

// RefreshAdvertise forces peer re-advertisement without a route
// change, per §4.3.
func (r *Router) RefreshAdvertise() {
	r.mu.Lock()
	newID := r.logicalEndpointSetID
	r.pendingAdvertise = true
	cb := r.onLogicalEndpointSetChange
	r.mu.Unlock()
	if cb != nil {
		cb(newID)
	}
}

// LogicalEndpointSetID returns the current set ID.
func (r *Router) LogicalEndpointSetID() uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.logicalEndpointSetID
}

// handleDeadRouter is the receipt tracker's onDeadRouterDetected
// callback. Per §4.5, expiry is advisory: the router is free to prune
// peer routes, and this one does — a peer that never receipted is
// removed from the peer table (Peers) until it re-advertises. Send's
// forwarding picks a channel by the target's channelHint and does not
// consult the peer table.
func (r *Router) handleDeadRouter(routerEP *endpoint.EP, setID uuid.UUID) {
	r.metrics.DeadRouterEventsTotal.WithLabelValues(routerEP.String()).Inc()
	r.dispatcher.RemovePeer(routerEP)
	r.mu.RLock()
	cb := r.onDeadRouterDetected
	r.mu.RUnlock()
	if cb != nil {
		cb(routerEP, setID)
	}
}

// Peers returns a snapshot of every peer router known via a verified
// advertisement.
func (r *Router) Peers() []*route.PhysicalRoute {
	return r.dispatcher.Peers()
}

// Routes returns a snapshot of every registered logical route.
func (r *Router) Routes() []*route.LogicalRoute {
	return r.dispatcher.LogicalRoutes()
}

// BuildAdvertisement assembles and signs this router's peer-
// advertisement payload (§6): attrs plus the current
// logicalEndpointSetID, signed with cfg.Identity. The second return
// value is false if the router has no Identity configured, in which
// case the router should not advertise at all.
func (r *Router) BuildAdvertisement(attrs map[string]string, timestamp uint32) (routerid.Advertisement, [64]byte, bool) {
	adv := routerid.Advertisement{
		Attrs:                attrs,
		LogicalEndpointSetID: r.LogicalEndpointSetID(),
		Timestamp:            timestamp,
	}
	if r.cfg.Identity == nil {
		return adv, [64]byte{}, false
	}
	return adv, r.cfg.Identity.Sign(adv), true
}

// HandleAdvertisement verifies a peer's signed advertisement and, on
// success, upserts it into the route table's physical routes, where it
// is listed by Peers and can later be pruned by dead-router detection. A
// verification failure is logged and reported as an error for the
// caller's own logging, but never crashes the router (§7).
func (r *Router) HandleAdvertisement(routerEP *endpoint.EP, pub ed25519.PublicKey, adv routerid.Advertisement, sig [64]byte) error {
	if !routerid.Verify(pub, adv, sig) {
		r.log.Warn("dropping advertisement with invalid signature", "routerEP", routerEP.String())
		return ErrBadAdvertisement
	}
	r.dispatcher.UpsertPeer(routerEP, adv.LogicalEndpointSetID, time.Now())
	return nil
}

func (r *Router) handleSessionTimeout(sessionID uuid.UUID) {
	r.log.Debug("session timeout", "sessionID", sessionID)
	r.metrics.SessionTimeoutsTotal.WithLabelValues("unspecified").Inc()
}

// Send stamps msg's header and either forwards it over the channel
// matching the target's channelHint (a physical target other than this
// router; the TTL is decremented on this path only) or dispatches it
// locally (nil, logical, or this router's own physical endpoint).
func (r *Router) Send(ctx context.Context, msg *message.Message, target *endpoint.EP) error {
	msg.Normalize()
	if msg.FromEP == nil && r.cfg.SelfEP != nil {
		fromEP := r.cfg.SelfEP.String()
		msg.FromEP = &fromEP
	}

	if target != nil && target.IsPhysical() && !target.IsNull() && r.cfg.SelfEP != nil && !target.IsPhysicalMatch(r.cfg.SelfEP) {
		return r.forward(ctx, msg, target)
	}

	resolver := r.handlerResolver()
	tasks := r.dispatcher.Dispatch(msg, target, resolver)
	if tasks == nil {
		if msg.SessionID != nil && r.deliverToPendingQuery(*msg.SessionID, msg) {
			return nil
		}
		r.metrics.DispatchDroppedTotal.WithLabelValues("no-handler").Inc()
		return nil
	}
	r.enqueue(tasks)
	return nil
}

// deliverToPendingQuery hands msg to a local Query call awaiting a
// reply on sessionID, if one is registered. This is the router core's
// side of the session-routing case dispatch.Dispatch documents but
// deliberately leaves unhandled, since only the router knows about
// in-flight Query calls.
func (r *Router) deliverToPendingQuery(sessionID uuid.UUID, msg *message.Message) bool {
	r.mu.RLock()
	ch, ok := r.pendingQueries[sessionID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	select {
	case ch <- msg:
	default:
	}
	return true
}

// Broadcast is Send with the Broadcast flag forced on.
func (r *Router) Broadcast(ctx context.Context, msg *message.Message, target *endpoint.EP) error {
	msg.Flags |= message.FlagBroadcast
	return r.Send(ctx, msg, target)
}

// forward serializes msg and hands it to the channel matching
// target's channelHint, arming the receipt tracker first if the
// message requests a receipt, dead-router detection is enabled and
// DeadRouterTTL is non-zero.
func (r *Router) forward(ctx context.Context, msg *message.Message, target *endpoint.EP) error {
	if r.cfg.DeadRouterDetectionEnabled && r.cfg.DeadRouterTTL > 0 && msg.Flags.Has(message.FlagReceiptRequest) && msg.MsgID != nil {
		r.receipts.Track(target, r.LogicalEndpointSetID(), *msg.MsgID)
	}

	if !msg.DecrementTTL() {
		r.log.Debug("dropping message: TTL expired", "type", msg.TypeID)
		r.metrics.DispatchDroppedTotal.WithLabelValues("ttl-expired").Inc()
		return nil
	}

	frame, err := message.Encode(msg)
	if err != nil {
		return fmt.Errorf("router: encode outbound message: %w", err)
	}

	chName := target.ChannelHint()
	r.mu.RLock()
	ch, ok := r.channels[chName]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownChannel, chName)
	}
	return ch.Send(ctx, frame, target)
}

// receiveFrame parses an inbound frame and re-enters dispatch — §2's
// "inbound frames are parsed back into messages and entered at the
// same dispatch pipeline."
func (r *Router) receiveFrame(frame []byte, fromChannel string) {
	msg, err := message.Decode(frame, r.registry)
	if err != nil {
		r.log.Debug("dropping unparseable frame", "channel", fromChannel, "error", err)
		return
	}
	msg.ReceiveChannel = fromChannel

	var toEP *endpoint.EP
	if msg.ToEP != nil {
		toEP, err = endpoint.Parse(*msg.ToEP)
		if err != nil {
			r.log.Debug("dropping frame with unparseable toEP", "toEP", *msg.ToEP, "error", err)
			return
		}
	}

	if err := r.Send(context.Background(), msg, toEP); err != nil {
		r.log.Warn("failed to route inbound frame", "error", err)
	}
}

// handlerResolver adapts the dispatcher's HandlerResolver contract:
// logical routes in this router store dispatch.Handler values
// directly as their owner, so resolution is the identity function.
func (r *Router) handlerResolver() dispatch.HandlerResolver {
	return func(owner any, msgType string) (dispatch.Handler, bool) {
		h, ok := owner.(dispatch.Handler)
		return h, ok
	}
}

// Query sends msg and blocks until a reply arrives, timeout elapses,
// or the request is cancelled — §4.6's query contract.
func (r *Router) Query(ctx context.Context, msg *message.Message, target *endpoint.EP, timeout time.Duration) (*message.Message, error) {
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}
	sessionID := uuid.New()
	msg.SessionID = &sessionID
	msg.Flags |= message.FlagOpenSession

	replyCh := make(chan *message.Message, 1)
	r.mu.Lock()
	r.pendingQueries[sessionID] = replyCh
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pendingQueries, sessionID)
		r.mu.Unlock()
	}()

	if err := r.Send(ctx, msg, target); err != nil {
		return nil, err
	}

	select {
	case reply := <-replyCh:
		if reply.TypeID == cancellationTypeID {
			return nil, ErrQueryCancelled
		}
		return reply, nil
	case <-time.After(timeout):
		r.metrics.SessionTimeoutsTotal.WithLabelValues("query").Inc()
		return nil, ErrQueryTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ReplyTo completes a server-side RequestContext by sending reply back
// to the original caller's session (§4.6's replyTo).
func (r *Router) ReplyTo(ctx context.Context, rc *session.RequestContext, reply *message.Message) error {
	if err := rc.Reply(reply); err != nil {
		return err
	}
	sid := rc.SessionID
	reply.SessionID = &sid
	return r.Send(ctx, reply, rc.FromEP)
}
