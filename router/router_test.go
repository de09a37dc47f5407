package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/lilltek/router/channel"
	"github.com/lilltek/router/dispatch"
	"github.com/lilltek/router/endpoint"
	"github.com/lilltek/router/message"
	"github.com/lilltek/router/routerid"
	"github.com/lilltek/router/session"
)

func testRequestContext(r *Router, fromEP *endpoint.EP, sessionID uuid.UUID) *session.RequestContext {
	return session.NewRequestContext(r, nil, fromEP, sessionID, nil, nil)
}

type testPayload struct {
	id   string
	body string
}

func (p *testPayload) TypeID() string { return p.id }
func (p *testPayload) Marshal() ([]byte, error) {
	return []byte(p.body), nil
}
func (p *testPayload) Unmarshal(b []byte) error {
	p.body = string(b)
	return nil
}

func mustParseEP(t *testing.T, raw string) *endpoint.EP {
	t.Helper()
	ep, err := endpoint.Parse(raw)
	if err != nil {
		t.Fatalf("Parse(%q): %v", raw, err)
	}
	return ep
}

// loopbackChannel records every frame handed to Send and lets the test
// drive inbound frames back through the handler it captures.
type loopbackChannel struct {
	name string

	mu     sync.Mutex
	sent   [][]byte
	handle channel.FrameHandler
}

func (c *loopbackChannel) Name() string { return c.name }

func (c *loopbackChannel) Send(_ context.Context, frame []byte, _ *endpoint.EP) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, frame)
	return nil
}

func (c *loopbackChannel) SetFrameHandler(fn channel.FrameHandler) { c.handle = fn }
func (c *loopbackChannel) Close() error                            { return nil }

func (c *loopbackChannel) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func newTestRouter(t *testing.T, selfEP *endpoint.EP) *Router {
	t.Helper()
	r := New(Config{SelfEP: selfEP, Workers: 2})
	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)
	t.Cleanup(func() {
		cancel()
		r.Stop()
	})
	return r
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestRouter_SendDispatchesToPhysicalHandler(t *testing.T) {
	self := mustParseEP(t, "physical://routera")
	r := newTestRouter(t, self)

	var got *message.Message
	var mu sync.Mutex
	handler := dispatch.Handler(func(msg *message.Message) error {
		mu.Lock()
		got = msg
		mu.Unlock()
		return nil
	})
	if err := r.Dispatcher().AddPhysical("owner-a", "greeting", handler); err != nil {
		t.Fatalf("AddPhysical: %v", err)
	}

	msg := &message.Message{TypeID: "greeting", Body: &testPayload{id: "greeting", body: "hi"}}
	if err := r.Send(context.Background(), msg, self); err != nil {
		t.Fatalf("Send: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got != nil
	})
	mu.Lock()
	defer mu.Unlock()
	if got.TypeID != "greeting" {
		t.Errorf("handler received TypeID %q, want %q", got.TypeID, "greeting")
	}
}

func TestRouter_BroadcastFansOutToEveryLogicalMatch(t *testing.T) {
	self := mustParseEP(t, "physical://routera")
	r := newTestRouter(t, self)
	target := mustParseEP(t, "logical://rooms/kitchen")

	var count int32
	var mu sync.Mutex
	makeHandler := func() dispatch.Handler {
		return func(msg *message.Message) error {
			mu.Lock()
			count++
			mu.Unlock()
			return nil
		}
	}
	h1 := makeHandler()
	h2 := makeHandler()
	r.Dispatcher().AddLogical(h1, mustParseEP(t, "logical://rooms/kitchen"), "notify", false, "")
	r.Dispatcher().AddLogical(h2, mustParseEP(t, "logical://rooms/*"), "notify", false, "")

	msg := &message.Message{TypeID: "notify", Body: &testPayload{id: "notify"}}
	if err := r.Broadcast(context.Background(), msg, target); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 2
	})
}

func TestRouter_SendToRemotePhysicalForwardsOverChannel(t *testing.T) {
	self := mustParseEP(t, "physical://routera")
	r := newTestRouter(t, self)

	ch := &loopbackChannel{name: "mqtt"}
	r.AddChannel(ch)

	remote := mustParseEP(t, "physical://routerb?c=mqtt")
	msg := &message.Message{TypeID: "greeting", TTL: 4, Body: &testPayload{id: "greeting", body: "hi"}}
	if err := r.Send(context.Background(), msg, remote); err != nil {
		t.Fatalf("Send: %v", err)
	}

	waitFor(t, time.Second, func() bool { return ch.sentCount() == 1 })
}

func TestRouter_ForwardDropsTTLExpiredMessage(t *testing.T) {
	self := mustParseEP(t, "physical://routera")
	r := newTestRouter(t, self)
	ch := &loopbackChannel{name: "mqtt"}
	r.AddChannel(ch)

	remote := mustParseEP(t, "physical://routerb?c=mqtt")
	msg := &message.Message{TypeID: "greeting", TTL: 0, Body: &testPayload{id: "greeting"}}
	if err := r.Send(context.Background(), msg, remote); err != nil {
		t.Fatalf("Send: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if got := ch.sentCount(); got != 0 {
		t.Errorf("sentCount = %d, want 0 (TTL-expired message must be dropped)", got)
	}
}

func TestRouter_ForwardToUnknownChannelErrors(t *testing.T) {
	self := mustParseEP(t, "physical://routera")
	r := newTestRouter(t, self)

	remote := mustParseEP(t, "physical://routerb?c=serial")
	msg := &message.Message{TypeID: "greeting", TTL: 4, Body: &testPayload{id: "greeting"}}
	err := r.Send(context.Background(), msg, remote)
	if !errors.Is(err, ErrUnknownChannel) {
		t.Errorf("Send error = %v, want ErrUnknownChannel", err)
	}
}

func TestRouter_QueryReceivesReply(t *testing.T) {
	self := mustParseEP(t, "physical://routera")
	r := newTestRouter(t, self)

	r.Dispatcher().AddPhysical("echo", "ping", dispatch.Handler(func(msg *message.Message) error {
		reply := &message.Message{TypeID: "pong", SessionID: msg.SessionID, Body: &testPayload{id: "pong"}}
		return r.Send(context.Background(), reply, self)
	}))

	msg := &message.Message{TypeID: "ping", Body: &testPayload{id: "ping"}}
	reply, err := r.Query(context.Background(), msg, self, time.Second)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if reply.TypeID != "pong" {
		t.Errorf("reply.TypeID = %q, want %q", reply.TypeID, "pong")
	}
}

func TestRouter_QueryTimesOutWithoutReply(t *testing.T) {
	self := mustParseEP(t, "physical://routera")
	r := newTestRouter(t, self)

	msg := &message.Message{TypeID: "ping", Body: &testPayload{id: "ping"}}
	_, err := r.Query(context.Background(), msg, self, 20*time.Millisecond)
	if !errors.Is(err, ErrQueryTimeout) {
		t.Errorf("Query error = %v, want ErrQueryTimeout", err)
	}
}

func TestRouter_QueryReceivesCancellation(t *testing.T) {
	self := mustParseEP(t, "physical://routera")
	r := newTestRouter(t, self)

	r.Dispatcher().AddPhysical("echo", "ping", dispatch.Handler(func(msg *message.Message) error {
		cancel := NewCancellationMessage()
		cancel.SessionID = msg.SessionID
		return r.Send(context.Background(), cancel, self)
	}))

	msg := &message.Message{TypeID: "ping", Body: &testPayload{id: "ping"}}
	_, err := r.Query(context.Background(), msg, self, time.Second)
	if !errors.Is(err, ErrQueryCancelled) {
		t.Errorf("Query error = %v, want ErrQueryCancelled", err)
	}
}

func TestRouter_LogicalEndpointSetChangeFiresOnMutation(t *testing.T) {
	self := mustParseEP(t, "physical://routera")
	r := newTestRouter(t, self)

	var calls int32
	var mu sync.Mutex
	r.SetOnLogicalEndpointSetChange(func(uuid.UUID) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	r.Dispatcher().AddLogical("owner", mustParseEP(t, "logical://rooms/kitchen"), "notify", false, "")

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 1
	})
}

func TestRouter_ReplyToSendsBackToCaller(t *testing.T) {
	self := mustParseEP(t, "physical://routera")
	r := newTestRouter(t, self)

	var got *message.Message
	var mu sync.Mutex
	r.Dispatcher().AddPhysical("owner-b", "pong", dispatch.Handler(func(msg *message.Message) error {
		mu.Lock()
		got = msg
		mu.Unlock()
		return nil
	}))

	sessionID := uuid.New()
	r.Sessions().Open(sessionID, session.SessionHandlerInfo{KeepAlive: time.Second})
	rc := testRequestContext(r, self, sessionID)
	reply := &message.Message{TypeID: "pong", Body: &testPayload{id: "pong"}}
	if err := r.ReplyTo(context.Background(), rc, reply); err != nil {
		t.Fatalf("ReplyTo: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got != nil
	})
}

func TestRouter_RetriedRequestSuppressesReinvocationAndCountsMetric(t *testing.T) {
	self := mustParseEP(t, "physical://routera")
	r := newTestRouter(t, self)

	var calls int32
	var mu sync.Mutex
	r.Dispatcher().AddPhysical("owner-a", "greeting", dispatch.Handler(func(msg *message.Message) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	}))

	sessionID := uuid.New()
	msgID := uuid.New()
	msg := &message.Message{
		TypeID:    "greeting",
		SessionID: &sessionID,
		MsgID:     &msgID,
		Flags:     message.FlagOpenSession,
		Body:      &testPayload{id: "greeting"},
	}
	if err := r.Send(context.Background(), msg, self); err != nil {
		t.Fatalf("Send (open): %v", err)
	}
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 1
	})

	retry := &message.Message{
		TypeID:    "greeting",
		SessionID: &sessionID,
		MsgID:     &msgID,
		Body:      &testPayload{id: "greeting"},
	}
	if err := r.Send(context.Background(), retry, self); err != nil {
		t.Fatalf("Send (retry): %v", err)
	}

	waitFor(t, time.Second, func() bool {
		v := testutil.ToFloat64(r.Metrics().SessionRetriesTotal.WithLabelValues("greeting"))
		return v == 1
	})

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("handler invocation count = %d, want 1 (retry must not re-invoke)", calls)
	}
}

func TestRouter_HandleAdvertisementUpsertsPeer(t *testing.T) {
	self := mustParseEP(t, "physical://routera")
	r := newTestRouter(t, self)

	id, err := routerid.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	r.cfg.Identity = id

	peerEP := mustParseEP(t, "physical://routerb")
	adv, sig, ok := r.BuildAdvertisement(routerid.StandardAttrs("1", "test", true, true, true, "host-b"), 1)
	if !ok {
		t.Fatalf("BuildAdvertisement: no identity")
	}

	if err := r.HandleAdvertisement(peerEP, id.PublicKey, adv, sig); err != nil {
		t.Fatalf("HandleAdvertisement: %v", err)
	}

	peers := r.Peers()
	if len(peers) != 1 || !peers[0].RouterEP.Equals(peerEP) {
		t.Fatalf("Peers() = %+v, want one entry for %s", peers, peerEP)
	}
}

func TestRouter_HandleAdvertisementRejectsBadSignature(t *testing.T) {
	self := mustParseEP(t, "physical://routera")
	r := newTestRouter(t, self)

	id, err := routerid.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	other, err := routerid.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	peerEP := mustParseEP(t, "physical://routerb")
	adv := routerid.Advertisement{LogicalEndpointSetID: uuid.New(), Timestamp: 1}
	sig := other.Sign(adv)

	if err := r.HandleAdvertisement(peerEP, id.PublicKey, adv, sig); !errors.Is(err, ErrBadAdvertisement) {
		t.Fatalf("HandleAdvertisement: got %v, want ErrBadAdvertisement", err)
	}
	if len(r.Peers()) != 0 {
		t.Fatalf("Peers() should remain empty after a rejected advertisement")
	}
}

func TestRouter_DeadRouterPrunesPeer(t *testing.T) {
	self := mustParseEP(t, "physical://routera")
	r := New(Config{SelfEP: self, Workers: 1, DeadRouterTTL: 20 * time.Millisecond, DeadRouterDetectionEnabled: true})
	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)
	t.Cleanup(func() {
		cancel()
		r.Stop()
	})

	peerEP := mustParseEP(t, "physical://routerb")
	r.dispatcher.UpsertPeer(peerEP, uuid.New(), time.Now())

	msgID := uuid.New()
	r.receipts.Track(peerEP, r.LogicalEndpointSetID(), msgID)

	waitFor(t, time.Second, func() bool {
		return len(r.Peers()) == 0
	})
}
