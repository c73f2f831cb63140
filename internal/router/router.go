// Package router implements the message routing and presence core. Each
// connection moves through a small state machine — pending on connect,
// identified after a successful identify envelope, closed on disconnect —
// and identified connections may submit chat envelopes that the router
// persists, fans out, and optionally schedules for ephemeral expiry.
package router

import (
	"context"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/neurochat/backend/internal/expiry"
	"github.com/neurochat/backend/internal/message"
	"github.com/neurochat/backend/internal/metrics"
	"github.com/neurochat/backend/internal/presence"
	"github.com/neurochat/backend/internal/protocol"
	"github.com/neurochat/backend/internal/ratelimit"
)

// Route labels used for metrics and logging.
const (
	RoutePrivate = "private"
	RouteGroup   = "group"
	RoutePublic  = "public"
)

// storageTimeout bounds each best-effort persistence call so a stalled
// database cannot back up the routing path.
const storageTimeout = 3 * time.Second

// MessageStore is the durable message log the router writes to. Insert
// failures are logged and never block delivery; DeleteByID must be a no-op
// for missing ids.
type MessageStore interface {
	Insert(ctx context.Context, m *message.Message) error
	DeleteByID(ctx context.Context, id string) error
}

// PresenceStore mirrors online/offline state out of process. All methods
// are best-effort from the router's point of view.
type PresenceStore interface {
	SetOnline(ctx context.Context, userID string) error
	SetOffline(ctx context.Context, userID string) error
	Touch(ctx context.Context, userID string) error
}

// RateLimiter throttles chat envelopes per identity.
type RateLimiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Bus republishes delivered envelopes for peer instances.
type Bus interface {
	PublishBroadcast(origin string, payload []byte) error
	PublishDirect(origin, userID string, payload []byte) error
	PublishDelete(origin string, payload []byte) error
}

// GroupMembership answers whether an identity belongs to a group. It is the
// external group collaborator; only strict group fanout consults it.
type GroupMembership interface {
	IsMember(ctx context.Context, groupID, userID string) (bool, error)
}

// Config holds routing behavior switches.
type Config struct {
	// ServerName identifies this instance on the bus so it can skip its own
	// republished events.
	ServerName string

	// GroupFanoutStrict filters group messages by membership on the server.
	// Off by default: the wire-compatible behavior broadcasts group messages
	// to everyone and relies on clients to filter by groupId.
	GroupFanoutStrict bool
}

// Options carries the optional collaborators. Any of them may be nil: a nil
// PresenceStore skips Redis mirroring, a nil RateLimiter disables
// throttling, a nil Bus runs single-instance, and a nil GroupMembership
// forces broadcast group fanout.
type Options struct {
	Presence PresenceStore
	Limiter  RateLimiter
	Bus      Bus
	Groups   GroupMembership
}

// Router is the orchestrator: it owns the connection state machine and wires
// the registry, store, and scheduler together.
type Router struct {
	cfg      Config
	registry *presence.Registry
	store    MessageStore
	sched    *expiry.Scheduler
	opts     Options

	// Server-assigned timestamps are strictly monotonic across all
	// connections, so two messages never share one.
	tsMu   sync.Mutex
	lastTS int64
}

// New creates a Router over the given registry, store, and scheduler.
func New(cfg Config, registry *presence.Registry, store MessageStore, sched *expiry.Scheduler, opts Options) *Router {
	return &Router{
		cfg:      cfg,
		registry: registry,
		store:    store,
		sched:    sched,
		opts:     opts,
	}
}

// HandleConnect registers a freshly upgraded connection as pending.
func (r *Router) HandleConnect(p presence.Peer) {
	r.registry.Add(p)
}

// HandleMessage processes one inbound envelope from a connection. Malformed
// and unknown envelopes are dropped silently: no error frame is sent and the
// connection stays open.
func (r *Router) HandleMessage(p presence.Peer, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		metrics.MessagesDropped.WithLabelValues("parse").Inc()
		return
	}

	switch msgType {
	case protocol.TypeIdentify:
		r.handleIdentify(p, msg.(protocol.IdentifyMsg))
	case protocol.TypeChat:
		r.handleChat(p, msg.(protocol.ChatMsg))
	}
}

// HandleDisconnect transitions a connection to closed: it unbinds the
// identity (if any) and clears the mirrored presence record. In-flight
// expiry timers are untouched; they outlive the connection that created
// them.
func (r *Router) HandleDisconnect(sessionID string) {
	identity, wasBound := r.registry.Remove(sessionID)
	if !wasBound {
		return
	}

	metrics.IdentifiedUsers.Set(float64(r.registry.IdentifiedCount()))

	if r.opts.Presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storageTimeout)
		defer cancel()
		if err := r.opts.Presence.SetOffline(ctx, identity); err != nil {
			log.Printf("router: presence offline %s: %v", identity, err)
		}
	}
}

// handleIdentify binds the connection to an identity and acknowledges with
// init_ok. Rebinding displaces any previous connection for the identity,
// which is then closed (single-device baseline).
func (r *Router) handleIdentify(p presence.Peer, m protocol.IdentifyMsg) {
	if m.UserID == "" {
		metrics.MessagesDropped.WithLabelValues("invalid").Inc()
		return
	}

	displaced := r.registry.Bind(m.UserID, p)
	if displaced != nil {
		log.Printf("router: identity %s rebound, closing displaced session=%s",
			m.UserID, displaced.SessionID())
		if closer, ok := displaced.(io.Closer); ok {
			_ = closer.Close()
		}
	}

	metrics.IdentifiedUsers.Set(float64(r.registry.IdentifiedCount()))

	if r.opts.Presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storageTimeout)
		defer cancel()
		if err := r.opts.Presence.SetOnline(ctx, m.UserID); err != nil {
			log.Printf("router: presence online %s: %v", m.UserID, err)
		}
	}

	ack, err := protocol.NewServerMessage(protocol.TypeInitOK, protocol.InitOKMsg{UserID: m.UserID})
	if err != nil {
		log.Printf("router: build init_ok for %s: %v", m.UserID, err)
		return
	}
	if err := p.Send(ack); err != nil {
		log.Printf("router: send init_ok to session=%s: %v", p.SessionID(), err)
	}
}

// handleChat runs the chat algorithm: assign id and timestamp, resolve the
// content kind and routing target, persist best-effort, fan out, and
// schedule expiry for disappearing messages.
func (r *Router) handleChat(p presence.Peer, m protocol.ChatMsg) {
	started := time.Now()

	// No chat processing before identify; the envelope is dropped without
	// an error frame.
	identity, identified := r.registry.Identity(p.SessionID())
	if !identified {
		metrics.MessagesDropped.WithLabelValues("pending").Inc()
		return
	}

	sender := m.Sender
	if sender == "" {
		sender = identity
	}

	if r.opts.Limiter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storageTimeout)
		allowed, _ := r.opts.Limiter.Allow(ctx, identity, ratelimit.RuleMessage)
		cancel()
		if !allowed {
			metrics.MessagesDropped.WithLabelValues("rate_limited").Inc()
			return
		}
	}

	if err := message.ValidateContent(m.Content); err != nil {
		metrics.MessagesDropped.WithLabelValues("invalid").Inc()
		return
	}

	// Target priority: private beats group beats public. The stored row
	// carries exactly one target.
	groupID := m.GroupID
	if m.To != "" {
		groupID = ""
	}

	msg := &message.Message{
		ID:            uuid.New().String(),
		Sender:        sender,
		Recipient:     m.To,
		GroupID:       groupID,
		Content:       m.Content,
		Kind:          message.InferKind(m.MsgType, m.Content),
		Timestamp:     r.nextTimestamp(),
		DisappearTime: m.DisappearTime,
	}

	// Persistence is best-effort: a storage failure is logged and counted,
	// and delivery proceeds regardless.
	ctx, cancel := context.WithTimeout(context.Background(), storageTimeout)
	if err := r.store.Insert(ctx, msg); err != nil {
		metrics.StorageErrors.Inc()
		log.Printf("router: persist message %s: %v", msg.ID, err)
	}
	cancel()

	payload, err := protocol.NewServerMessage(protocol.TypeChat, protocol.DeliveredMsg{
		ID:            msg.ID,
		Sender:        msg.Sender,
		To:            msg.Recipient,
		GroupID:       msg.GroupID,
		Content:       msg.Content,
		MsgType:       msg.Kind,
		Timestamp:     msg.Timestamp,
		DisappearTime: msg.DisappearTime,
	})
	if err != nil {
		log.Printf("router: build chat envelope %s: %v", msg.ID, err)
		return
	}

	switch {
	case msg.Recipient != "":
		r.deliverPrivate(p, msg.Recipient, payload)
		metrics.MessagesRouted.WithLabelValues(RoutePrivate).Inc()
	case msg.GroupID != "":
		r.deliverGroup(p, msg.GroupID, payload)
		metrics.MessagesRouted.WithLabelValues(RouteGroup).Inc()
	default:
		r.deliverBroadcast(payload)
		metrics.MessagesRouted.WithLabelValues(RoutePublic).Inc()
	}

	if r.opts.Presence != nil {
		touchCtx, touchCancel := context.WithTimeout(context.Background(), storageTimeout)
		_ = r.opts.Presence.Touch(touchCtx, identity)
		touchCancel()
	}

	if msg.DisappearTime > 0 {
		r.sched.Schedule(msg.ID, time.Duration(msg.DisappearTime)*time.Second, r.expire)
	}

	metrics.RoutingLatency.Observe(time.Since(started).Seconds())
}

// deliverPrivate sends the envelope to the recipient's connection (when
// online) and echoes it to the sender's own connection so every tab of the
// sender stays consistent. An offline recipient is not an error: the message
// is already persisted for history and no live delivery happens.
func (r *Router) deliverPrivate(sender presence.Peer, recipient string, payload []byte) {
	if err := sender.Send(payload); err != nil {
		log.Printf("router: echo to sender session=%s: %v", sender.SessionID(), err)
	}

	if rc := r.registry.Lookup(recipient); rc != nil && rc.SessionID() != sender.SessionID() {
		if err := rc.Send(payload); err != nil {
			log.Printf("router: deliver to %s: %v", recipient, err)
		}
	}

	if r.opts.Bus != nil {
		if err := r.opts.Bus.PublishDirect(r.cfg.ServerName, recipient, payload); err != nil {
			log.Printf("router: bus direct publish: %v", err)
		}
	}
}

// deliverGroup fans a group message out. The wire-compatible default
// broadcasts to every connection and leaves groupId filtering to clients;
// strict mode consults the membership collaborator and delivers only to
// members (the sender always receives its echo).
func (r *Router) deliverGroup(sender presence.Peer, groupID string, payload []byte) {
	if !r.cfg.GroupFanoutStrict || r.opts.Groups == nil {
		r.deliverBroadcast(payload)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storageTimeout)
	defer cancel()

	for _, peer := range r.registry.All() {
		if peer.SessionID() == sender.SessionID() {
			_ = peer.Send(payload)
			continue
		}

		identity, ok := r.registry.Identity(peer.SessionID())
		if !ok {
			continue
		}
		member, err := r.opts.Groups.IsMember(ctx, groupID, identity)
		if err != nil {
			// Membership lookup failure falls back to delivering, matching
			// the permissive broadcast default.
			member = true
		}
		if member {
			_ = peer.Send(payload)
		}
	}

	if r.opts.Bus != nil {
		if err := r.opts.Bus.PublishBroadcast(r.cfg.ServerName, payload); err != nil {
			log.Printf("router: bus broadcast publish: %v", err)
		}
	}
}

// deliverBroadcast sends the envelope to every live connection, pending ones
// included. Each write is independent; one slow or dead connection never
// blocks the rest.
func (r *Router) deliverBroadcast(payload []byte) {
	for _, peer := range r.registry.All() {
		if err := peer.Send(payload); err != nil {
			log.Printf("router: broadcast to session=%s: %v", peer.SessionID(), err)
		}
	}

	if r.opts.Bus != nil {
		if err := r.opts.Bus.PublishBroadcast(r.cfg.ServerName, payload); err != nil {
			log.Printf("router: bus broadcast publish: %v", err)
		}
	}
}

// expire is the scheduler callback for disappearing messages: delete the
// row (tombstone-safe), then notify every live connection globally. The
// deletion notice is not retried on failure.
func (r *Router) expire(messageID string) {
	ctx, cancel := context.WithTimeout(context.Background(), storageTimeout)
	if err := r.store.DeleteByID(ctx, messageID); err != nil {
		log.Printf("router: expire delete %s: %v", messageID, err)
	}
	cancel()

	payload, err := protocol.NewServerMessage(protocol.TypeDelete, protocol.DeleteMsg{ID: messageID})
	if err != nil {
		log.Printf("router: build delete envelope %s: %v", messageID, err)
		return
	}

	for _, peer := range r.registry.All() {
		_ = peer.Send(payload)
	}

	if r.opts.Bus != nil {
		if err := r.opts.Bus.PublishDelete(r.cfg.ServerName, payload); err != nil {
			log.Printf("router: bus delete publish: %v", err)
		}
	}

	metrics.ExpiredMessages.Inc()
	log.Printf("router: expired message id=%s", messageID)
}

// DeliverDirect pushes a bus-received private envelope to the target
// identity's local connection, if bound here.
func (r *Router) DeliverDirect(userID string, payload []byte) {
	if peer := r.registry.Lookup(userID); peer != nil {
		if err := peer.Send(payload); err != nil {
			log.Printf("router: bus deliver to %s: %v", userID, err)
		}
	}
}

// DeliverBroadcast pushes a bus-received broadcast envelope to every local
// connection.
func (r *Router) DeliverBroadcast(payload []byte) {
	for _, peer := range r.registry.All() {
		_ = peer.Send(payload)
	}
}

// nextTimestamp returns the next server timestamp in unix milliseconds,
// bumped by one when the clock has not advanced since the last message.
func (r *Router) nextTimestamp() int64 {
	r.tsMu.Lock()
	defer r.tsMu.Unlock()

	ts := time.Now().UnixMilli()
	if ts <= r.lastTS {
		ts = r.lastTS + 1
	}
	r.lastTS = ts
	return ts
}
