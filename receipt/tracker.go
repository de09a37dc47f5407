// Package receipt tracks outbound messages forwarded to a peer router
// that requested a delivery receipt, and raises dead-router events for
// peers that never send one back in time.
//
// This is adapted almost directly from the teacher's ACK tracker
// (device/ack/tracker.go): both are a mutex-guarded map keyed by a
// correlation id, with a background ticker periodically scanning for
// expired entries and firing callbacks outside the lock. The receipt
// tracker drops the ACK tracker's retry/resend logic (§4.5 says the
// tracker itself never resends) and replaces per-entry OnTimeout
// callbacks with one router-wide onDeadRouterDetected callback, since a
// single expired receipt is evidence about the route, not the message.
package receipt

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lilltek/router/endpoint"
)

// DefaultReceiptTimeout is the default time-to-die for a tracked
// message awaiting a receipt.
const DefaultReceiptTimeout = 30 * time.Second

// checkInterval is the longest period of the tracker's expiry scan
// loop; Start scans at half the receipt timeout when that is shorter.
const checkInterval = time.Second

// Entry is one outstanding forwarded message awaiting a receipt —
// the MsgTrack record of §3.
type Entry struct {
	RouterEP             *endpoint.EP
	LogicalEndpointSetID uuid.UUID
	MsgID                uuid.UUID
	ttd                  time.Time
}

// Config configures a Tracker.
type Config struct {
	// ReceiptTimeout is how long a tracked message may go without a
	// receipt before its route is reported dead. Default:
	// DefaultReceiptTimeout.
	ReceiptTimeout time.Duration

	// Logger for tracker events. Falls back to slog.Default() if nil.
	Logger *slog.Logger

	// nowFn allows overriding time.Now() for testing.
	nowFn func() time.Time
}

// Tracker implements §4.5's receipt tracker.
type Tracker struct {
	cfg     Config
	log     *slog.Logger
	mu      sync.Mutex
	entries map[uuid.UUID]*Entry
	cancel  context.CancelFunc

	onDeadRouterDetected func(routerEP *endpoint.EP, logicalEndpointSetID uuid.UUID)
}

// NewTracker creates a Tracker with the given configuration.
func NewTracker(cfg Config) *Tracker {
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = DefaultReceiptTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.nowFn == nil {
		cfg.nowFn = time.Now
	}
	return &Tracker{
		cfg:     cfg,
		log:     logger.WithGroup("receipt"),
		entries: make(map[uuid.UUID]*Entry),
	}
}

// SetOnDeadRouterDetected installs the callback fired once per entry
// that expires before its receipt arrives.
func (t *Tracker) SetOnDeadRouterDetected(fn func(routerEP *endpoint.EP, logicalEndpointSetID uuid.UUID)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onDeadRouterDetected = fn
}

// Track arms receipt tracking for msgID, forwarded to routerEP which
// last advertised logicalEndpointSetID. Per §4.5, the caller is
// responsible for only calling Track when dead-router detection is
// enabled and the message carries ReceiptRequest with a non-empty
// msgID; Track itself does not re-check those preconditions.
func (t *Tracker) Track(routerEP *endpoint.EP, logicalEndpointSetID uuid.UUID, msgID uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[msgID] = &Entry{
		RouterEP:             routerEP,
		LogicalEndpointSetID: logicalEndpointSetID,
		MsgID:                msgID,
		ttd:                  t.cfg.nowFn().Add(t.cfg.ReceiptTimeout),
	}
}

// OnReceipt clears the tracked entry for a received receipt message's
// msgID. Returns true iff an entry was pending.
func (t *Tracker) OnReceipt(msgID uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[msgID]; !ok {
		return false
	}
	delete(t.entries, msgID)
	return true
}

// Cancel removes a tracked entry without treating it as dead.
func (t *Tracker) Cancel(msgID uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, msgID)
}

// PendingCount returns the number of outstanding tracked entries.
func (t *Tracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Clear drops every tracked entry without firing any callback.
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = make(map[uuid.UUID]*Entry)
}

// DetectDead scans for entries whose ttd has passed, removes them, and
// invokes onDeadRouterDetected for each — §4.5's detectDead, exposed
// directly so it can be driven by a test or by Start's background loop.
func (t *Tracker) DetectDead() {
	t.mu.Lock()
	now := t.cfg.nowFn()
	var dead []*Entry
	for msgID, e := range t.entries {
		if now.Before(e.ttd) {
			continue
		}
		dead = append(dead, e)
		delete(t.entries, msgID)
	}
	cb := t.onDeadRouterDetected
	t.mu.Unlock()

	for _, e := range dead {
		t.log.Debug("receipt expired", "routerEP", e.RouterEP.String(), "msgID", e.MsgID)
		if cb != nil {
			cb(e.RouterEP, e.LogicalEndpointSetID)
		}
	}
}

// Start runs DetectDead on a periodic tick until ctx is cancelled.
func (t *Tracker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()

	interval := checkInterval
	if half := t.cfg.ReceiptTimeout / 2; half > 0 && half < interval {
		interval = half
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.DetectDead()
		}
	}
}

// Stop cancels the tracker's background loop, if running.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
}
