// Package router orchestrates the bridge: it owns visitor session
// lifecycle, consults the reply-thread map for inbound admin traffic, and
// drives connection registry sends. Per-message failures are contained in
// that message's handling path and never stop the router.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/antoniostano/chatbridge/internal/adminchannel"
	"github.com/antoniostano/chatbridge/internal/archive"
	"github.com/antoniostano/chatbridge/internal/content"
	"github.com/antoniostano/chatbridge/internal/message"
	"github.com/antoniostano/chatbridge/internal/observability"
	"github.com/antoniostano/chatbridge/internal/registry"
	"github.com/antoniostano/chatbridge/internal/replymap"
	"github.com/antoniostano/chatbridge/internal/session"
)

var ErrSessionInvalid = errors.New("session invalid")

const (
	welcomeText        = "Connected to chat. An admin will respond shortly."
	sessionInvalidText = "Your session has expired. Please refresh the page."
	adapterErrorText   = "Your message could not be delivered. Please try again."
	uploadOKText       = "File uploaded successfully."
	uploadFailedText   = "Failed to upload file."

	replyNotFoundNotice    = "Cannot identify which visitor this reply is for. Reply directly to a visitor's message."
	visitorGoneNotice      = "That visitor is no longer connected."
	broadcastUsageNotice   = "Usage: /broadcast your message here. Sends the text to every connected visitor."
	helpNotice             = "Chat bridge commands:\n/sessions - list active visitor sessions\n/stats - show bridge statistics\n/broadcast <text> - message every visitor\n/help - this message\n\nReply to a visitor's message to answer that visitor."
	noActiveSessionsNotice = "No active visitor sessions."
)

type Config struct {
	AdminSendTimeout time.Duration
	SweepInterval    time.Duration
}

// Router wires the three in-memory stores to the admin channel and the
// visitor transports. The stores serialize their own mutation; the router
// keeps every state change entirely on one side of any awaited send.
type Router struct {
	cfg      Config
	sessions *session.Store
	conns    *registry.Registry
	replies  *replymap.Map
	admin    adminchannel.Channel
	content  content.Service
	archives archive.Store
	metrics  *observability.Metrics
	logger   *slog.Logger
}

func New(
	cfg Config,
	sessions *session.Store,
	conns *registry.Registry,
	replies *replymap.Map,
	admin adminchannel.Channel,
	contentSvc content.Service,
	archives archive.Store,
	metrics *observability.Metrics,
	logger *slog.Logger,
) *Router {
	if cfg.AdminSendTimeout <= 0 {
		cfg.AdminSendTimeout = 10 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		cfg:      cfg,
		sessions: sessions,
		conns:    conns,
		replies:  replies,
		admin:    admin,
		content:  contentSvc,
		archives: archives,
		metrics:  metrics,
		logger:   logger,
	}
	// Transport failures evict connections inside the registry; the hook
	// keeps the session store in step.
	conns.SetEndHook(func(id string) {
		sessions.End(id)
		r.metrics.SessionEvents.WithLabelValues("transport_failed").Inc()
		r.syncGauges()
	})
	return r
}

// HandleVisitorConnect establishes (or re-establishes) a session for id
// and registers conn as its one live handle. Returns the connection
// generation the transport must check before dispatching inbound reads.
func (r *Router) HandleVisitorConnect(ctx context.Context, id string, visitor session.VisitorInfo, conn registry.Conn) (uint64, error) {
	// A reconnect for a live id supersedes: the old record is ended first
	// and a fresh session starts in its place.
	if r.sessions.Validate(id) {
		r.sessions.End(id)
		r.metrics.SessionEvents.WithLabelValues("superseded").Inc()
	}

	if _, err := r.sessions.Create(id, visitor); err != nil {
		if errors.Is(err, session.ErrStoreFull) {
			r.metrics.SessionEvents.WithLabelValues("rejected_full").Inc()
		}
		return 0, err
	}
	gen := r.conns.Register(id, conn, visitor)

	r.metrics.SessionEvents.WithLabelValues("created").Inc()
	r.syncGauges()
	r.logger.Info("visitor connected", "session_id", id, "remote", visitor.RemoteAddr)

	// Welcome is best effort; a dead handle surfaces on the first real send.
	_ = conn.Send(message.System(id, welcomeText))
	return gen, nil
}

// HandleVisitorDisconnect ends the session and discards the connection.
func (r *Router) HandleVisitorDisconnect(id string) {
	r.sessions.End(id)
	r.conns.Remove(id)
	r.metrics.SessionEvents.WithLabelValues("ended").Inc()
	r.syncGauges()
	r.logger.Info("visitor disconnected", "session_id", id)
}

// HandleVisitorMessage validates the session, forwards the text to the
// admin channel, and records the returned outbound id in the reply-thread
// map. Adapter failures are reported to the visitor as a system error and
// not retried here.
func (r *Router) HandleVisitorMessage(ctx context.Context, id, text string, meta map[string]string) error {
	if !r.sessions.Validate(id) {
		// Notify, don't disconnect; the transport may still be healthy.
		_ = r.conns.SendTo(id, message.Error(id, sessionInvalidText))
		r.metrics.BridgeSends.WithLabelValues("visitor_to_admin", "session_invalid").Inc()
		return ErrSessionInvalid
	}

	_ = r.sessions.Touch(id)
	_ = r.sessions.IncrementMessageCount(id)

	msg := message.New(id, text, message.TypeText, message.DirectionVisitorToAdmin)
	msg.Metadata = meta
	r.archiveMessage(ctx, msg)

	outboundID, err := r.sendTextToAdmin(ctx, formatVisitorText(id, text), "")
	if err != nil {
		r.logger.Warn("admin channel send failed", "session_id", id, "error", err)
		r.metrics.BridgeSends.WithLabelValues("visitor_to_admin", "adapter_error").Inc()
		_ = r.conns.SendTo(id, message.Error(id, adapterErrorText))
		return nil
	}

	r.recordReply(outboundID, message.Direct(id))
	r.metrics.BridgeSends.WithLabelValues("visitor_to_admin", "ok").Inc()
	return nil
}

// HandleVisitorBinary classifies and stages a binary payload, then
// forwards a media notice to the admin channel. Classification or storage
// failures degrade to the generic file kind; they never abort the flow.
func (r *Router) HandleVisitorBinary(ctx context.Context, id string, data []byte) error {
	if !r.sessions.Validate(id) {
		_ = r.conns.SendTo(id, message.Error(id, sessionInvalidText))
		r.metrics.BridgeSends.WithLabelValues("visitor_to_admin", "session_invalid").Inc()
		return ErrSessionInvalid
	}

	_ = r.sessions.Touch(id)
	_ = r.sessions.IncrementMessageCount(id)

	kind := message.TypeFile
	if r.content != nil {
		kind = r.content.Classify(data)
	}

	blobRef := ""
	if r.content != nil {
		ref, err := r.content.Store(data, kind, id)
		if err != nil {
			r.logger.Warn("content store failed", "session_id", id, "error", err)
			kind = message.TypeFile
		} else {
			blobRef = ref
		}
	}

	var (
		outboundID string
		err        error
	)
	if blobRef != "" {
		outboundID, err = r.sendMediaToAdmin(ctx, kind, blobRef, "")
	} else {
		outboundID, err = r.sendTextToAdmin(ctx, formatVisitorText(id, fmt.Sprintf("(%s upload, %d bytes)", kind, len(data))), "")
	}
	if err != nil {
		r.logger.Warn("admin channel media send failed", "session_id", id, "error", err)
		r.metrics.BridgeSends.WithLabelValues("visitor_to_admin", "adapter_error").Inc()
		_ = r.conns.SendTo(id, message.Error(id, uploadFailedText))
		return nil
	}

	r.recordReply(outboundID, message.Direct(id))
	r.metrics.BridgeSends.WithLabelValues("visitor_to_admin", "ok").Inc()
	r.archiveMessage(ctx, message.New(id, fmt.Sprintf("%s upload (%d bytes)", kind, len(data)), kind, message.DirectionVisitorToAdmin))
	_ = r.conns.SendTo(id, message.System(id, uploadOKText))
	return nil
}

// HandleAdminEvent dispatches one inbound admin-channel event. All
// failure handling stays inside; the admin poller never sees an error.
func (r *Router) HandleAdminEvent(ctx context.Context, ev adminchannel.Event) {
	switch ev.Kind {
	case adminchannel.EventReply:
		r.handleAdminReply(ctx, ev)
	case adminchannel.EventBroadcast:
		r.handleAdminBroadcast(ctx, ev)
	case adminchannel.EventPlain:
		// A bare admin message outside any thread goes to everyone, and
		// replies to it continue as broadcast.
		r.broadcastFromAdmin(ctx, ev, fmt.Sprintf("Admin %s: %s", ev.From, ev.Text), false)
	case adminchannel.EventSessions:
		r.notifyAdmin(ctx, r.formatSessionList(), ev.MessageID, nil)
	case adminchannel.EventStats:
		r.notifyAdmin(ctx, r.formatStats(), ev.MessageID, nil)
	case adminchannel.EventHelp:
		r.notifyAdmin(ctx, helpNotice, ev.MessageID, nil)
	default:
		r.logger.Warn("unknown admin event kind", "kind", ev.Kind)
	}
}

func (r *Router) handleAdminReply(ctx context.Context, ev adminchannel.Event) {
	target, err := r.replies.Resolve(ev.ReferencedOutboundID)
	if err != nil {
		// A miss is expected; tell the admin and move on.
		r.metrics.BridgeSends.WithLabelValues("admin_to_visitor", "thread_not_found").Inc()
		r.notifyAdmin(ctx, replyNotFoundNotice, ev.MessageID, nil)
		return
	}

	// The admin's own message continues the thread: a reply to it later
	// resolves to the same target.
	r.recordReply(ev.MessageID, target)

	if target.IsBroadcast() {
		r.broadcastFromAdmin(ctx, ev, fmt.Sprintf("Admin %s: %s", ev.From, ev.Text), true)
		return
	}

	sid, _ := target.SessionID()
	msg := message.New(sid, ev.Text, message.TypeAdmin, message.DirectionAdminToVisitor)
	msg.Metadata = map[string]string{"from_admin": ev.From}

	switch err := r.conns.SendTo(sid, msg); {
	case errors.Is(err, registry.ErrNotFound):
		r.metrics.BridgeSends.WithLabelValues("admin_to_visitor", "not_found").Inc()
		r.notifyAdmin(ctx, visitorGoneNotice, ev.MessageID, &target)
	case err != nil:
		r.metrics.BridgeSends.WithLabelValues("admin_to_visitor", "transport_error").Inc()
		r.notifyAdmin(ctx, visitorGoneNotice, ev.MessageID, &target)
	default:
		_ = r.sessions.Touch(sid)
		r.metrics.BridgeSends.WithLabelValues("admin_to_visitor", "ok").Inc()
		r.archiveMessage(ctx, msg)
	}
	r.syncGauges()
}

func (r *Router) handleAdminBroadcast(ctx context.Context, ev adminchannel.Event) {
	if strings.TrimSpace(ev.Text) == "" {
		r.notifyAdmin(ctx, broadcastUsageNotice, ev.MessageID, nil)
		return
	}
	r.broadcastFromAdmin(ctx, ev, "Admin Broadcast: "+ev.Text, true)
}

// broadcastFromAdmin fans text out to every registered visitor and
// threads the admin's message (and the delivery ack, when requested)
// under the broadcast target.
func (r *Router) broadcastFromAdmin(ctx context.Context, ev adminchannel.Event, text string, ack bool) {
	target := message.Broadcast()
	r.recordReply(ev.MessageID, target)

	msg := message.New("", text, message.TypeAdmin, message.DirectionAdminToVisitor)
	msg.Metadata = map[string]string{"from_admin": ev.From}

	delivered, failed := r.conns.Broadcast(msg, "")
	r.metrics.BroadcastSize.Observe(float64(delivered))
	r.metrics.BridgeSends.WithLabelValues("broadcast", "ok").Add(float64(delivered))
	if len(failed) > 0 {
		r.metrics.BridgeSends.WithLabelValues("broadcast", "transport_error").Add(float64(len(failed)))
		r.logger.Warn("broadcast had failed deliveries", "failed", failed)
	}
	r.archiveMessage(ctx, msg)
	r.syncGauges()

	if ack {
		r.notifyAdmin(ctx, fmt.Sprintf("Broadcast sent to %d visitor(s).", delivered), ev.MessageID, &target)
	}
}

// notifyAdmin sends an operational notice to the admin channel. When
// target is non-nil the notice's outbound id joins the thread, so a reply
// to the notice routes to the same place.
func (r *Router) notifyAdmin(ctx context.Context, text, replyToID string, target *message.Target) {
	outboundID, err := r.sendTextToAdmin(ctx, text, replyToID)
	if err != nil {
		r.logger.Warn("admin notice send failed", "error", err)
		return
	}
	if target != nil {
		r.recordReply(outboundID, *target)
	}
}

func (r *Router) sendTextToAdmin(ctx context.Context, text, replyToID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.AdminSendTimeout)
	defer cancel()
	start := time.Now()
	outboundID, err := r.admin.SendText(ctx, text, replyToID)
	r.metrics.ObserveAdminSendLatency(time.Since(start))
	return outboundID, err
}

func (r *Router) sendMediaToAdmin(ctx context.Context, kind message.Type, blobRef, replyToID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.AdminSendTimeout)
	defer cancel()
	start := time.Now()
	outboundID, err := r.admin.SendMedia(ctx, kind, blobRef, replyToID)
	r.metrics.ObserveAdminSendLatency(time.Since(start))
	return outboundID, err
}

// recordReply inserts a reply-thread entry. A duplicate key means the
// admin channel reused an outbound id; logged as an anomaly, not fatal.
func (r *Router) recordReply(outboundID string, target message.Target) {
	if outboundID == "" {
		return
	}
	if err := r.replies.Record(outboundID, target); err != nil {
		if errors.Is(err, replymap.ErrDuplicateKey) {
			r.logger.Warn("duplicate outbound message id", "outbound_id", outboundID, "target", target.String())
			return
		}
		r.logger.Warn("reply-thread record failed", "outbound_id", outboundID, "error", err)
	}
}

// Sweep runs one eviction pass: expired sessions are removed and their
// connections discarded together, then stale reply-thread entries go.
// Each session's removal is atomic; cancellation between sessions leaves
// no half-applied state.
func (r *Router) Sweep() int {
	removed := r.sessions.SweepExpired()
	for _, id := range removed {
		r.conns.Remove(id)
	}
	if n := r.replies.Sweep(); n > 0 {
		r.logger.Debug("reply-thread entries expired", "count", n)
	}
	if len(removed) > 0 {
		r.metrics.SweepRemoved.Add(float64(len(removed)))
		r.logger.Info("sweep removed sessions", "count", len(removed))
	}
	r.syncGauges()
	return len(removed)
}

// StartSweep runs the periodic eviction sweep until ctx is cancelled.
func (r *Router) StartSweep(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Sweep()
			}
		}
	}()
}

func (r *Router) syncGauges() {
	r.metrics.ActiveSessions.Set(float64(r.sessions.ActiveCount()))
	r.metrics.ActiveConns.Set(float64(r.conns.Stats().Count))
}

func (r *Router) formatSessionList() string {
	active := r.sessions.ListActive()
	if len(active) == 0 {
		return noActiveSessionsNotice
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Active visitor sessions (%d):\n", len(active))
	shown := 0
	for _, s := range active {
		if shown == 10 {
			fmt.Fprintf(&b, "... and %d more", len(active)-shown)
			break
		}
		d, err := r.sessions.Duration(s.ID)
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, "- %s  up %s  messages %d", shortID(s.ID), session.FormatDuration(d), s.MessageCount)
		if s.Visitor.UserAgent != "" {
			fmt.Fprintf(&b, "  (%s)", truncate(s.Visitor.UserAgent, 30))
		}
		b.WriteString("\n")
		shown++
	}
	return strings.TrimRight(b.String(), "\n")
}

func (r *Router) formatStats() string {
	st := r.sessions.Stats()
	cs := r.conns.Stats()
	return fmt.Sprintf(
		"Bridge statistics:\n- active sessions: %d\n- open connections: %d\n- sessions today: %d\n- messages today: %d\n- uptime: %s",
		st.ActiveSessions,
		cs.Count,
		st.CreatedToday,
		st.MessagesToday,
		session.FormatDuration(st.Uptime),
	)
}

func formatVisitorText(sessionID, text string) string {
	return fmt.Sprintf("Visitor %s:\n%s", shortID(sessionID), text)
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func (r *Router) archiveMessage(ctx context.Context, m message.Message) {
	if r.archives == nil {
		return
	}
	if err := r.archives.SaveMessage(ctx, archive.FromMessage(m)); err != nil {
		r.logger.Warn("archive save failed", "message_id", m.ID, "error", err)
	}
}
