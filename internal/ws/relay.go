package ws

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"chat-relay/internal/models"
	"chat-relay/internal/observability"
)

// MessageStore is the append-only side of the message store.
type MessageStore interface {
	Append(ctx context.Context, msg models.NewMessage) (models.Message, error)
}

// Auditor records security relevant relay decisions.
type Auditor interface {
	Emit(ctx context.Context, level, text, requestID, userID string, fields map[string]string)
}

// durableEvent is an inbound chat event before it is stored.
type durableEvent struct {
	Event   string
	Kind    models.ScopeKind `validate:"required,oneof=global group peer"`
	Target  string           `validate:"required_unless=Kind global,max=128"`
	Content string           `validate:"required_without=FileURL,max=4000"`
	FileURL string           `validate:"required_without=Content,max=2048"`
}

// RelayOption customizes a Relay.
type RelayOption func(*Relay)

// WithStoreTimeout bounds each message store call.
func WithStoreTimeout(d time.Duration) RelayOption {
	return func(r *Relay) {
		if d > 0 {
			r.storeTimeout = d
		}
	}
}

func WithAuditor(a Auditor) RelayOption {
	return func(r *Relay) { r.audit = a }
}

func WithClock(now func() time.Time) RelayOption {
	return func(r *Relay) { r.now = now }
}

// Relay is the single validate, authorize, persist, fan-out path for chat traffic.
type Relay struct {
	hub          *Hub
	resolver     *Resolver
	messages     MessageStore
	users        UserStore
	presence     *Presence
	audit        Auditor
	validate     *validator.Validate
	storeTimeout time.Duration
	now          func() time.Time
	tracer       trace.Tracer
	logger       *zap.Logger
}

func NewRelay(hub *Hub, resolver *Resolver, messages MessageStore, users UserStore, presence *Presence, logger *zap.Logger, opts ...RelayOption) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Relay{
		hub:          hub,
		resolver:     resolver,
		messages:     messages,
		users:        users,
		presence:     presence,
		validate:     validator.New(),
		storeTimeout: 5 * time.Second,
		now:          time.Now,
		tracer:       otel.Tracer("chat-relay/ws"),
		logger:       logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handle processes one inbound frame from c.
func (r *Relay) Handle(ctx context.Context, c Connection, raw []byte) {
	if !gjson.ValidBytes(raw) {
		r.reject(c, "", CodeInvalidEvent, "malformed frame")
		return
	}
	event := gjson.GetBytes(raw, "event").String()
	data := gjson.GetBytes(raw, "data")

	switch event {
	case EventChatMessage:
		r.relayDurable(ctx, c, durableEvent{
			Event:   event,
			Kind:    models.ScopeGlobal,
			Content: data.Get("content").String(),
			FileURL: data.Get("fileUrl").String(),
		})
	case EventGroupMessage:
		content := data.Get("message")
		if !content.Exists() {
			content = data.Get("content")
		}
		r.relayDurable(ctx, c, durableEvent{
			Event:   event,
			Kind:    models.ScopeGroup,
			Target:  data.Get("groupId").String(),
			Content: content.String(),
			FileURL: data.Get("fileUrl").String(),
		})
	case EventPrivateMessage:
		r.relayDurable(ctx, c, durableEvent{
			Event:   event,
			Kind:    models.ScopePeer,
			Target:  data.Get("to").String(),
			Content: data.Get("content").String(),
			FileURL: data.Get("fileUrl").String(),
		})
	case EventTyping, EventStopTyping:
		r.relayTyping(c, event, data)
	case EventJoinGroups:
		r.JoinAllGroups(ctx, c)
	case EventJoinGroup:
		r.joinGroup(ctx, c, groupIDOf(data))
	case EventLeaveGroup:
		if id := groupIDOf(data); id != "" {
			r.hub.Unsubscribe(c.Info().ConnID, GroupScope(id))
		}
	case EventRequestOnlineUsers:
		r.presence.SendTo(ctx, c)
	default:
		observability.IncRelayEvent("unknown", "invalid")
		r.reject(c, event, CodeUnknownEvent, "unknown event")
	}
}

// groupIDOf accepts either a bare string or {"groupId": ...}.
func groupIDOf(data gjson.Result) string {
	if data.Type == gjson.String {
		return strings.TrimSpace(data.String())
	}
	return strings.TrimSpace(data.Get("groupId").String())
}

func (r *Relay) relayDurable(ctx context.Context, c Connection, ev durableEvent) {
	info := c.Info()
	ctx, span := r.tracer.Start(ctx, "relay."+ev.Event, trace.WithAttributes(
		attribute.String("scope.kind", string(ev.Kind)),
		attribute.String("scope.id", ev.Target),
		attribute.String("user.id", info.UserID),
	))
	defer span.End()

	ev.Content = strings.TrimSpace(ev.Content)
	ev.FileURL = strings.TrimSpace(ev.FileURL)
	ev.Target = strings.TrimSpace(ev.Target)
	if err := r.validate.Struct(ev); err != nil {
		observability.IncRelayEvent(ev.Event, "invalid")
		span.SetStatus(codes.Error, "invalid event")
		r.reject(c, ev.Event, CodeInvalidEvent, validationMessage(err))
		return
	}

	if ev.Kind == models.ScopeGroup && !r.resolver.CanJoinGroup(ctx, info.UserID, ev.Target) {
		observability.IncRelayEvent(ev.Event, "unauthorized")
		span.SetStatus(codes.Error, "not a group member")
		r.logger.Warn("dropping group event from non-member",
			zap.String("user_id", info.UserID),
			zap.String("group_id", ev.Target),
			zap.String("conn_id", info.ConnID),
		)
		r.emitAudit(ctx, "WARN", "not a group member", info, map[string]string{"group_id": ev.Target})
		return
	}

	storeCtx, cancel := context.WithTimeout(ctx, r.storeTimeout)
	msg, err := r.messages.Append(storeCtx, models.NewMessage{
		ScopeKind: ev.Kind,
		ScopeID:   ev.Target,
		SenderID:  info.UserID,
		Content:   ev.Content,
		FileURL:   ev.FileURL,
		CreatedAt: r.now().UTC(),
	})
	cancel()
	if err != nil {
		observability.IncRelayEvent(ev.Event, "persist_failed")
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist failed")
		r.logger.Error("persist chat event failed",
			zap.String("event", ev.Event),
			zap.String("user_id", info.UserID),
			zap.String("scope", string(ev.Kind)),
			zap.Bool("timeout", errors.Is(err, context.DeadlineExceeded)),
			zap.Error(err),
		)
		r.reject(c, ev.Event, CodePersistFailed, "message could not be stored")
		r.emitAudit(ctx, "ERROR", "persist failed", info, map[string]string{"scope": string(ev.Kind), "target": ev.Target})
		return
	}

	frame, err := encodeFrame(ev.Event, r.payloadFor(ctx, info, msg))
	if err != nil {
		r.logger.Error("encode chat event", zap.Error(err))
		return
	}
	recipients := r.recipients(ctx, ev.Kind, info.UserID, ev.Target)
	delivered := r.hub.Deliver(recipients, frame)

	observability.IncRelayEvent(ev.Event, "delivered")
	observability.ObserveFanout(string(ev.Kind), delivered)
	span.SetAttributes(attribute.Int("fanout.delivered", delivered), attribute.Int64("message.id", msg.ID))
	r.emitAudit(ctx, "INFO", "message stored", info, map[string]string{"scope": string(ev.Kind), "target": ev.Target})
}

// recipients resolves the connections a stored event is delivered to.
func (r *Relay) recipients(ctx context.Context, kind models.ScopeKind, senderID, target string) []Connection {
	switch kind {
	case models.ScopeGlobal:
		return r.hub.Subscribers(GlobalScope)
	case models.ScopeGroup:
		scope := GroupScope(target)
		members, err := r.resolver.MembersOf(ctx, target)
		if err != nil {
			r.logger.Error("group member lookup failed, skipping fan-out", zap.String("group_id", target), zap.Error(err))
			return nil
		}
		subs := r.hub.Subscribers(scope)
		out := subs[:0]
		for _, c := range subs {
			info := c.Info()
			if _, ok := members[info.UserID]; ok {
				out = append(out, c)
				continue
			}
			r.hub.Unsubscribe(info.ConnID, scope)
		}
		return out
	case models.ScopePeer:
		seen := map[string]struct{}{}
		var out []Connection
		for _, scope := range []Scope{r.resolver.PeerScopeOf(target), r.resolver.PeerScopeOf(senderID)} {
			for _, c := range r.hub.Subscribers(scope) {
				id := c.Info().ConnID
				if _, dup := seen[id]; dup {
					continue
				}
				seen[id] = struct{}{}
				out = append(out, c)
			}
		}
		return out
	}
	return nil
}

func (r *Relay) payloadFor(ctx context.Context, sender ConnInfo, msg models.Message) MessagePayload {
	payload := MessagePayload{
		ID:        msg.ID,
		Scope:     msg.ScopeKind,
		From:      msg.SenderID,
		Username:  sender.Username,
		Content:   msg.Content,
		FileURL:   msg.FileURL,
		CreatedAt: msg.CreatedAt,
	}
	switch msg.ScopeKind {
	case models.ScopeGroup:
		payload.GroupID = msg.ScopeID
	case models.ScopePeer:
		payload.To = msg.ScopeID
	}

	if r.users != nil {
		u, err := r.users.FindByID(ctx, msg.SenderID)
		if err == nil {
			payload.Username = u.Username
			payload.AvatarURL = u.AvatarURL
		} else {
			r.logger.Debug("sender lookup failed", zap.String("user_id", msg.SenderID), zap.Error(err))
		}
	}
	if payload.Username == "" {
		payload.Username = msg.SenderID
	}
	return payload
}

// relayTyping forwards a typing indicator to every connection not owned by the sender.
func (r *Relay) relayTyping(c Connection, event string, data gjson.Result) {
	info := c.Info()
	frame, err := encodeFrame(event, TypingPayload{
		From:     info.UserID,
		Username: info.Username,
		To:       data.Get("to").String(),
		GroupID:  data.Get("groupId").String(),
	})
	if err != nil {
		return
	}
	var targets []Connection
	for _, other := range r.hub.Clients() {
		if other.Info().UserID != info.UserID {
			targets = append(targets, other)
		}
	}
	r.hub.Deliver(targets, frame)
	observability.IncRelayEvent(event, "delivered")
}

// JoinAllGroups subscribes c to every group its identity currently belongs to.
func (r *Relay) JoinAllGroups(ctx context.Context, c Connection) {
	info := c.Info()
	ids, err := r.resolver.ResolveGroupsFor(ctx, info.UserID)
	if err != nil {
		r.logger.Warn("resolve groups failed", zap.String("user_id", info.UserID), zap.Error(err))
		return
	}
	for _, id := range ids {
		r.hub.Subscribe(c, GroupScope(id))
	}
}

func (r *Relay) joinGroup(ctx context.Context, c Connection, groupID string) {
	info := c.Info()
	if !r.resolver.CanJoinGroup(ctx, info.UserID, groupID) {
		r.logger.Debug("join refused", zap.String("user_id", info.UserID), zap.String("group_id", groupID))
		return
	}
	r.hub.Subscribe(c, GroupScope(groupID))
}

func (r *Relay) reject(c Connection, event, code, message string) {
	frame, err := encodeFrame(EventError, ErrorPayload{Code: code, Message: message, Event: event})
	if err != nil {
		return
	}
	r.hub.Deliver([]Connection{c}, frame)
}

func (r *Relay) emitAudit(ctx context.Context, level, text string, info ConnInfo, fields map[string]string) {
	if r.audit == nil {
		return
	}
	r.audit.Emit(ctx, level, text, info.RequestID, info.UserID, fields)
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid event"
	}
	switch verrs[0].Field() {
	case "Content", "FileURL":
		if verrs[0].Tag() == "max" {
			return "message too long"
		}
		return "content or fileUrl is required"
	case "Target":
		if verrs[0].Tag() == "max" {
			return "target too long"
		}
		return "target is required"
	}
	return "invalid event"
}
