package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/antoniostano/chatbridge/internal/adminchannel"
	"github.com/antoniostano/chatbridge/internal/archive"
	"github.com/antoniostano/chatbridge/internal/message"
	"github.com/antoniostano/chatbridge/internal/observability"
	"github.com/antoniostano/chatbridge/internal/registry"
	"github.com/antoniostano/chatbridge/internal/replymap"
	"github.com/antoniostano/chatbridge/internal/session"
)

type fakeConn struct {
	mu      sync.Mutex
	sent    []message.Message
	failing bool
}

func (c *fakeConn) Send(m message.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failing {
		return errors.New("broken pipe")
	}
	c.sent = append(c.sent, m)
	return nil
}

func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) received(t message.Type) []message.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []message.Message
	for _, m := range c.sent {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

var metricsSeq atomic.Int64

type testBridge struct {
	router   *Router
	sessions *session.Store
	conns    *registry.Registry
	replies  *replymap.Map
	admin    *adminchannel.MockChannel
}

func newTestBridge(t *testing.T, sessionTimeout time.Duration) *testBridge {
	t.Helper()
	sessions := session.NewStore(sessionTimeout, 0)
	conns := registry.New()
	replies := replymap.New(sessionTimeout, 1000)
	admin := adminchannel.NewMockChannel()
	metrics := observability.NewMetrics(fmt.Sprintf("test_router_%d", metricsSeq.Add(1)))

	r := New(Config{AdminSendTimeout: time.Second}, sessions, conns, replies, admin, nil, archive.NewInMemoryStore(), metrics, nil)
	return &testBridge{router: r, sessions: sessions, conns: conns, replies: replies, admin: admin}
}

func TestVisitorMessageToAdminReplyRoundTrip(t *testing.T) {
	b := newTestBridge(t, time.Minute)
	ctx := context.Background()
	conn := &fakeConn{}

	if _, err := b.router.HandleVisitorConnect(ctx, "v1", session.VisitorInfo{}, conn); err != nil {
		t.Fatalf("HandleVisitorConnect() error = %v", err)
	}
	if got := conn.received(message.TypeSystem); len(got) != 1 {
		t.Fatalf("welcome messages = %d, want 1", len(got))
	}

	if err := b.router.HandleVisitorMessage(ctx, "v1", "hi", nil); err != nil {
		t.Fatalf("HandleVisitorMessage() error = %v", err)
	}

	last, ok := b.admin.LastSend()
	if !ok || !strings.Contains(last.Content, "hi") {
		t.Fatalf("admin channel send = %+v, want content containing %q", last, "hi")
	}

	// The mock mints t100 for the first send.
	target, err := b.replies.Resolve("t100")
	if err != nil {
		t.Fatalf("Resolve(t100) error = %v", err)
	}
	if id, _ := target.SessionID(); id != "v1" {
		t.Fatalf("Resolve(t100) = %v, want direct v1", target)
	}

	b.router.HandleAdminEvent(ctx, adminchannel.Event{
		Kind:                 adminchannel.EventReply,
		MessageID:            "a1",
		ReferencedOutboundID: "t100",
		Text:                 "hello",
		From:                 "ops",
	})

	adminMsgs := conn.received(message.TypeAdmin)
	if len(adminMsgs) != 1 {
		t.Fatalf("admin messages delivered = %d, want exactly 1", len(adminMsgs))
	}
	if adminMsgs[0].Content != "hello" {
		t.Fatalf("delivered content = %q, want %q", adminMsgs[0].Content, "hello")
	}

	// The admin's own reply continues the thread.
	target, err = b.replies.Resolve("a1")
	if err != nil {
		t.Fatalf("Resolve(a1) error = %v", err)
	}
	if id, _ := target.SessionID(); id != "v1" {
		t.Fatalf("Resolve(a1) = %v, want direct v1", target)
	}
}

func TestVisitorMessageWithoutSessionIsRejected(t *testing.T) {
	b := newTestBridge(t, time.Minute)
	err := b.router.HandleVisitorMessage(context.Background(), "ghost", "hi", nil)
	if !errors.Is(err, ErrSessionInvalid) {
		t.Fatalf("HandleVisitorMessage() error = %v, want ErrSessionInvalid", err)
	}
	if sends := b.admin.Sends(); len(sends) != 0 {
		t.Fatalf("admin channel received %d sends, want 0", len(sends))
	}
}

func TestAdapterFailureNotifiesVisitorAndIsContained(t *testing.T) {
	b := newTestBridge(t, time.Minute)
	ctx := context.Background()
	conn := &fakeConn{}

	if _, err := b.router.HandleVisitorConnect(ctx, "v1", session.VisitorInfo{}, conn); err != nil {
		t.Fatalf("HandleVisitorConnect() error = %v", err)
	}

	b.admin.FailNextSend()
	if err := b.router.HandleVisitorMessage(ctx, "v1", "hi", nil); err != nil {
		t.Fatalf("HandleVisitorMessage() error = %v, adapter failures must be contained", err)
	}

	errMsgs := conn.received(message.TypeError)
	if len(errMsgs) != 1 {
		t.Fatalf("error messages to visitor = %d, want 1", len(errMsgs))
	}
	if b.replies.Len() != 0 {
		t.Fatalf("reply map has %d entries after failed send, want 0", b.replies.Len())
	}

	// The session stays usable: a retry goes through.
	if err := b.router.HandleVisitorMessage(ctx, "v1", "hi again", nil); err != nil {
		t.Fatalf("retry HandleVisitorMessage() error = %v", err)
	}
	if b.replies.Len() != 1 {
		t.Fatalf("reply map entries = %d, want 1", b.replies.Len())
	}
}

func TestAdminReplyToUnknownThread(t *testing.T) {
	b := newTestBridge(t, time.Minute)
	ctx := context.Background()
	conn := &fakeConn{}
	if _, err := b.router.HandleVisitorConnect(ctx, "v1", session.VisitorInfo{}, conn); err != nil {
		t.Fatalf("HandleVisitorConnect() error = %v", err)
	}

	b.router.HandleAdminEvent(ctx, adminchannel.Event{
		Kind:                 adminchannel.EventReply,
		MessageID:            "a1",
		ReferencedOutboundID: "no-such-id",
		Text:                 "who is this for?",
	})

	last, ok := b.admin.LastSend()
	if !ok || !strings.Contains(last.Content, "Cannot identify") {
		t.Fatalf("admin notice = %+v, want clarifying notice", last)
	}
	if got := conn.received(message.TypeAdmin); len(got) != 0 {
		t.Fatalf("visitor received %d admin messages, want 0", len(got))
	}
}

func TestAdminReplyToDisconnectedVisitor(t *testing.T) {
	b := newTestBridge(t, time.Minute)
	ctx := context.Background()
	conn := &fakeConn{}
	if _, err := b.router.HandleVisitorConnect(ctx, "v1", session.VisitorInfo{}, conn); err != nil {
		t.Fatalf("HandleVisitorConnect() error = %v", err)
	}
	if err := b.router.HandleVisitorMessage(ctx, "v1", "hi", nil); err != nil {
		t.Fatalf("HandleVisitorMessage() error = %v", err)
	}
	b.router.HandleVisitorDisconnect("v1")

	b.router.HandleAdminEvent(ctx, adminchannel.Event{
		Kind:                 adminchannel.EventReply,
		MessageID:            "a1",
		ReferencedOutboundID: "t100",
		Text:                 "too late",
	})

	last, ok := b.admin.LastSend()
	if !ok || !strings.Contains(last.Content, "no longer connected") {
		t.Fatalf("admin notice = %+v, want visitor-gone notice", last)
	}
}

func TestBroadcastCommandDeliversAndCleansUp(t *testing.T) {
	b := newTestBridge(t, time.Minute)
	ctx := context.Background()

	conns := map[string]*fakeConn{"v1": {}, "v2": {}, "v3": {failing: true}}
	for id, c := range conns {
		if _, err := b.router.HandleVisitorConnect(ctx, id, session.VisitorInfo{}, c); err != nil {
			t.Fatalf("HandleVisitorConnect(%q) error = %v", id, err)
		}
	}

	b.router.HandleAdminEvent(ctx, adminchannel.Event{
		Kind:      adminchannel.EventBroadcast,
		MessageID: "a1",
		Text:      "sale today",
		From:      "ops",
	})

	for _, id := range []string{"v1", "v2"} {
		got := conns[id].received(message.TypeAdmin)
		if len(got) != 1 || !strings.Contains(got[0].Content, "sale today") {
			t.Fatalf("visitor %s broadcast messages = %+v", id, got)
		}
	}

	if st := b.conns.Stats(); st.Count != 2 {
		t.Fatalf("registry count after broadcast = %d, want 2", st.Count)
	}

	last, ok := b.admin.LastSend()
	if !ok || !strings.Contains(last.Content, "Broadcast sent to 2") {
		t.Fatalf("broadcast ack = %+v, want delivered count 2", last)
	}

	// Replying to the broadcast command reaches everyone still connected.
	target, err := b.replies.Resolve("a1")
	if err != nil {
		t.Fatalf("Resolve(a1) error = %v", err)
	}
	if !target.IsBroadcast() {
		t.Fatalf("Resolve(a1) = %v, want broadcast", target)
	}
}

func TestEmptyBroadcastCommandGetsUsageNotice(t *testing.T) {
	b := newTestBridge(t, time.Minute)
	b.router.HandleAdminEvent(context.Background(), adminchannel.Event{
		Kind:      adminchannel.EventBroadcast,
		MessageID: "a1",
	})
	last, ok := b.admin.LastSend()
	if !ok || !strings.Contains(last.Content, "Usage:") {
		t.Fatalf("usage notice = %+v", last)
	}
}

func TestPlainAdminMessageBroadcasts(t *testing.T) {
	b := newTestBridge(t, time.Minute)
	ctx := context.Background()
	conn := &fakeConn{}
	if _, err := b.router.HandleVisitorConnect(ctx, "v1", session.VisitorInfo{}, conn); err != nil {
		t.Fatalf("HandleVisitorConnect() error = %v", err)
	}

	b.router.HandleAdminEvent(ctx, adminchannel.Event{
		Kind:      adminchannel.EventPlain,
		MessageID: "a1",
		Text:      "we are online",
		From:      "ops",
	})

	got := conn.received(message.TypeAdmin)
	if len(got) != 1 || !strings.Contains(got[0].Content, "we are online") {
		t.Fatalf("visitor messages = %+v", got)
	}
	target, err := b.replies.Resolve("a1")
	if err != nil || !target.IsBroadcast() {
		t.Fatalf("Resolve(a1) = %v, %v; want broadcast", target, err)
	}
}

func TestSweepRemovesTimedOutSessionEverywhere(t *testing.T) {
	b := newTestBridge(t, 30*time.Millisecond)
	ctx := context.Background()
	conn := &fakeConn{}
	if _, err := b.router.HandleVisitorConnect(ctx, "v2", session.VisitorInfo{}, conn); err != nil {
		t.Fatalf("HandleVisitorConnect() error = %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	if b.sessions.Validate("v2") {
		t.Fatalf("Validate(v2) = true after timeout, want false")
	}
	if removed := b.router.Sweep(); removed != 1 {
		t.Fatalf("Sweep() = %d, want 1", removed)
	}
	if _, err := b.sessions.Get("v2"); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("Get(v2) error = %v, want ErrNotFound", err)
	}
	if st := b.conns.Stats(); st.Count != 0 {
		t.Fatalf("registry count after sweep = %d, want 0", st.Count)
	}
}

func TestReconnectSupersedesSession(t *testing.T) {
	b := newTestBridge(t, time.Minute)
	ctx := context.Background()
	first := &fakeConn{}
	second := &fakeConn{}

	gen1, err := b.router.HandleVisitorConnect(ctx, "v1", session.VisitorInfo{}, first)
	if err != nil {
		t.Fatalf("HandleVisitorConnect() error = %v", err)
	}
	gen2, err := b.router.HandleVisitorConnect(ctx, "v1", session.VisitorInfo{}, second)
	if err != nil {
		t.Fatalf("second HandleVisitorConnect() error = %v", err)
	}

	if b.conns.IsCurrent("v1", gen1) {
		t.Fatalf("old generation still current after reconnect")
	}
	if !b.conns.IsCurrent("v1", gen2) {
		t.Fatalf("new generation not current")
	}

	got, err := b.sessions.Get("v1")
	if err != nil {
		t.Fatalf("Get(v1) error = %v", err)
	}
	if got.Status != session.StatusActive || got.MessageCount != 0 {
		t.Fatalf("reconnected session = %+v, want fresh active record", got)
	}
}

func TestSessionsAndStatsCommands(t *testing.T) {
	b := newTestBridge(t, time.Minute)
	ctx := context.Background()
	conn := &fakeConn{}
	if _, err := b.router.HandleVisitorConnect(ctx, "v1", session.VisitorInfo{UserAgent: "Mozilla/5.0"}, conn); err != nil {
		t.Fatalf("HandleVisitorConnect() error = %v", err)
	}
	if err := b.router.HandleVisitorMessage(ctx, "v1", "hi", nil); err != nil {
		t.Fatalf("HandleVisitorMessage() error = %v", err)
	}

	b.router.HandleAdminEvent(ctx, adminchannel.Event{Kind: adminchannel.EventSessions, MessageID: "a1"})
	last, ok := b.admin.LastSend()
	if !ok || !strings.Contains(last.Content, "v1") || !strings.Contains(last.Content, "messages 1") {
		t.Fatalf("sessions listing = %+v", last)
	}

	b.router.HandleAdminEvent(ctx, adminchannel.Event{Kind: adminchannel.EventStats, MessageID: "a2"})
	last, ok = b.admin.LastSend()
	if !ok || !strings.Contains(last.Content, "active sessions: 1") {
		t.Fatalf("stats = %+v", last)
	}
}
