// Package session implements the router's session contract: request/
// reply RequestContexts and the server-side Manager that tracks open
// sessions, times them out, and caches idempotent replies. Delivering
// follow-up messages to a handler is done by the router, not here.
//
// The keep-alive/timeout half of this package is adapted directly from
// the teacher's connection Manager (device/connection/manager.go): a
// mutex-guarded map of "things with a last-seen time," swept by a
// background ticker that removes expired entries and fires a callback
// outside the lock. Here the tracked entries are server-side sessions
// rather than connected peers, and the callback is a session timeout
// rather than a peer disconnect.
package session

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lilltek/router/endpoint"
	"github.com/lilltek/router/message"
)

// checkInterval is the resolution of the manager's timeout sweep.
const checkInterval = time.Second

var (
	// ErrAlreadyCompleted is returned by reply/cancel/abort if the
	// RequestContext's transaction was already completed.
	ErrAlreadyCompleted = errors.New("session: request context already completed")

	// ErrUnknownSession is returned by Touch for a sessionID the
	// manager does not recognize.
	ErrUnknownSession = errors.New("session: unknown session id")
)

// SessionHandlerInfo is the per-handler session contract of §3.
type SessionHandlerInfo struct {
	// Idempotent, when true, lets the manager cache and replay a
	// session's last reply for a repeated request rather than
	// re-invoking the handler.
	Idempotent bool

	// KeepAlive is the interval at which keep-alive traffic is expected.
	// Must be > 0. The Manager sends no keep-alive traffic itself; it
	// uses KeepAlive only to default SessionTimeout.
	KeepAlive time.Duration

	// SessionTimeout is how long a session may go without activity
	// before it is torn down. Defaults to 2×KeepAlive.
	SessionTimeout time.Duration

	// IsAsync marks a session whose handler result is suspended until
	// the application later calls Reply/Cancel/Abort on the
	// RequestContext, rather than returning synchronously.
	IsAsync bool

	// MaxAsyncKeepAlive is the number of keep-alive cycles an async
	// session may survive, 0 = unbounded. The Manager stores it but does
	// not enforce it: sessions close only by SessionTimeout or Close.
	MaxAsyncKeepAlive int

	// SessionType is an application-defined discriminator (e.g.
	// "query", "duplex", "reliable-transfer") recorded for diagnostics;
	// concrete session behaviors beyond request/reply and keep-alive
	// are out of scope for this package.
	SessionType string

	// CustomParams carries application-defined session parameters.
	CustomParams map[string]any
}

// Normalize fills in defaults: SessionTimeout defaults to 2×KeepAlive.
func (i *SessionHandlerInfo) Normalize() {
	if i.SessionTimeout <= 0 {
		i.SessionTimeout = 2 * i.KeepAlive
	}
}

// Outcome tags how a RequestContext's transaction completed — the
// "reply | cancel | abort | timeout" tagged result that the design
// notes call for in place of exceptions-as-control-flow.
type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeReplied
	OutcomeCancelled
	OutcomeAborted
	OutcomeTimedOut
)

func (o Outcome) String() string {
	switch o {
	case OutcomeReplied:
		return "replied"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeAborted:
		return "aborted"
	case OutcomeTimedOut:
		return "timed-out"
	default:
		return "pending"
	}
}

// RequestContext lets a server-side handler complete a request
// asynchronously. Exactly one of Reply, Cancel, or Abort must complete
// the transaction (§4.6); calling more than one, or calling after
// completion, returns ErrAlreadyCompleted.
//
// If the context is dropped without completion, a finalizer-driven
// safety net logs a warning and cancels it (firing the OnCancel
// callback) — this mirrors the
// GC-language finalizer the design notes describe, and is not load
// bearing: callers must still complete explicitly via defer.
type RequestContext struct {
	RouterRef       any
	SessionRef      any
	FromEP          *endpoint.EP
	SessionID       uuid.UUID
	ExtensionHeader *message.ExtensionHeader

	log *slog.Logger

	mu       sync.Mutex
	outcome  Outcome
	onReply  func(reply *message.Message)
	onCancel func()
	onAbort  func()
}

// NewRequestContext constructs a RequestContext and attaches its
// finalizer safety net.
func NewRequestContext(routerRef, sessionRef any, fromEP *endpoint.EP, sessionID uuid.UUID, ext *message.ExtensionHeader, log *slog.Logger) *RequestContext {
	if log == nil {
		log = slog.Default()
	}
	rc := &RequestContext{
		RouterRef:       routerRef,
		SessionRef:      sessionRef,
		FromEP:          fromEP,
		SessionID:       sessionID,
		ExtensionHeader: ext,
		log:             log.WithGroup("session"),
	}
	runtime.SetFinalizer(rc, func(rc *RequestContext) {
		rc.mu.Lock()
		pending := rc.outcome == OutcomePending
		rc.mu.Unlock()
		if pending {
			rc.log.Warn("request context garbage collected without completion", "sessionID", rc.SessionID)
			_ = rc.Cancel()
		}
	})
	return rc
}

// OnReply, OnCancel, and OnAbort install the callbacks invoked when
// the corresponding completion method is called. Whoever constructs the
// RequestContext wires them (the Manager does not create
// RequestContexts); applications normally only call Reply/Cancel/Abort.
func (rc *RequestContext) OnReply(fn func(reply *message.Message)) { rc.onReply = fn }
func (rc *RequestContext) OnCancel(fn func())                      { rc.onCancel = fn }
func (rc *RequestContext) OnAbort(fn func())                       { rc.onAbort = fn }

// Outcome reports how the transaction completed, or OutcomePending.
func (rc *RequestContext) Outcome() Outcome {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.outcome
}

func (rc *RequestContext) complete(o Outcome) error {
	rc.mu.Lock()
	if rc.outcome != OutcomePending {
		rc.mu.Unlock()
		return ErrAlreadyCompleted
	}
	rc.outcome = o
	rc.mu.Unlock()
	runtime.SetFinalizer(rc, nil)
	return nil
}

// Reply completes the transaction by delivering reply to the waiting
// caller.
func (rc *RequestContext) Reply(reply *message.Message) error {
	if err := rc.complete(OutcomeReplied); err != nil {
		return err
	}
	if rc.onReply != nil {
		rc.onReply(reply)
	}
	return nil
}

// Cancel completes the transaction by delivering a synthetic
// cancellation message to the caller.
func (rc *RequestContext) Cancel() error {
	if err := rc.complete(OutcomeCancelled); err != nil {
		return err
	}
	if rc.onCancel != nil {
		rc.onCancel()
	}
	return nil
}

// Abort completes the transaction by terminating the server session
// silently — the caller receives no reply and no cancellation.
func (rc *RequestContext) Abort() error {
	if err := rc.complete(OutcomeAborted); err != nil {
		return err
	}
	if rc.onAbort != nil {
		rc.onAbort()
	}
	return nil
}

// state is the manager's bookkeeping for one open server-side session.
type state struct {
	info       SessionHandlerInfo
	lastSeen   time.Time
	cachedGood bool
	cachedMsgID uuid.UUID
	cachedReply *message.Message
}

// Manager implements the server-side half of §4.6's session contract:
// it tracks open sessions, sweeps timed-out ones, and caches the last
// idempotent reply per session. It does not deliver messages itself.
type Manager struct {
	cfg ManagerConfig
	log *slog.Logger

	mu       sync.Mutex
	sessions map[uuid.UUID]*state
	cancel   context.CancelFunc

	onTimeout func(sessionID uuid.UUID)
	nowFn     func() time.Time
}

// ManagerConfig configures a session Manager.
type ManagerConfig struct {
	Logger *slog.Logger
}

// NewManager creates an empty session Manager.
func NewManager(cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		log:      logger.WithGroup("session"),
		sessions: make(map[uuid.UUID]*state),
		nowFn:    time.Now,
	}
}

// SetOnTimeout installs the callback fired when a session's
// SessionTimeout elapses without activity.
func (m *Manager) SetOnTimeout(fn func(sessionID uuid.UUID)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTimeout = fn
}

// Open registers a newly opened server session. info is normalized
// (SessionTimeout defaulted) before storage.
func (m *Manager) Open(sessionID uuid.UUID, info SessionHandlerInfo) {
	info.Normalize()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sessionID] = &state{info: info, lastSeen: m.nowFn()}
}

// Touch refreshes a session's keep-alive clock. Returns
// ErrUnknownSession if sessionID is not open.
func (m *Manager) Touch(sessionID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrUnknownSession
	}
	s.lastSeen = m.nowFn()
	return nil
}

// Close removes a session without firing the timeout callback (use
// this for a graceful reply/cancel/abort completion).
func (m *Manager) Close(sessionID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
}

// IsOpen reports whether sessionID currently has an open session.
func (m *Manager) IsOpen(sessionID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[sessionID]
	return ok
}

// CacheIdempotentReply records reply as the cached response for
// msgID on an idempotent session, so a retransmitted request can be
// answered without re-invoking the handler. No-op for a non-idempotent
// or unknown session.
func (m *Manager) CacheIdempotentReply(sessionID, msgID uuid.UUID, reply *message.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || !s.info.Idempotent {
		return
	}
	s.cachedGood = true
	s.cachedMsgID = msgID
	s.cachedReply = reply
}

// IdempotentReplay returns the cached reply for msgID on sessionID, if
// this is an idempotent session and msgID matches the last cached
// request.
func (m *Manager) IdempotentReplay(sessionID, msgID uuid.UUID) (*message.Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || !s.cachedGood || s.cachedMsgID != msgID {
		return nil, false
	}
	return s.cachedReply, true
}

// CheckTimeouts sweeps every open session and closes those whose
// SessionTimeout has elapsed since their last activity.
func (m *Manager) CheckTimeouts() {
	m.mu.Lock()
	now := m.nowFn()
	var expired []uuid.UUID
	for id, s := range m.sessions {
		if now.Sub(s.lastSeen) > s.info.SessionTimeout {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		delete(m.sessions, id)
	}
	onTimeout := m.onTimeout
	m.mu.Unlock()

	if onTimeout != nil {
		for _, id := range expired {
			m.log.Debug("session timed out", "sessionID", id)
			onTimeout(id)
		}
	}
}

// Start runs CheckTimeouts on a periodic tick until ctx is cancelled.
// It only sweeps for timeouts; it sends no keep-alive messages.
func (m *Manager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckTimeouts()
		}
	}
}

// Stop cancels the manager's background sweep, if running.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
}
