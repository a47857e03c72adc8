// Package dispatch holds the stateless handlers for every inbound action. All
// state that survives between invocations lives in the injected Store.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pairchat/internal/logging"
	"pairchat/internal/telemetry"
	"pairchat/pkg/interfaces"
	"pairchat/pkg/types"
)

const component = "pairchat.dispatch"

// DefaultEndReason is recorded when endConversation carries no reason.
const DefaultEndReason = "user_ended"

// Options tune the dispatcher. Zero values take defaults.
type Options struct {
	MaxQuestionIndex  int
	MessagesPerMinute int
	Now               func() time.Time
	NewChatID         func() string
}

// Caller identifies the authenticated socket an invocation arrived on.
type Caller struct {
	UserID       string
	ConnectionID string
}

// Dispatcher routes typed requests to handlers
// ARCHITECTURAL DISCOVERY: The dispatcher keeps no per-user state of its own beyond
// the rate limiter, so any node behind the same Store can serve any request
type Dispatcher struct {
	store   interfaces.Store
	push    interfaces.PushChannel
	limiter *RateLimiter
	tracer  trace.Tracer
	opts    Options
}

// New creates a dispatcher over store and push.
func New(store interfaces.Store, push interfaces.PushChannel, opts Options) *Dispatcher {
	if opts.MaxQuestionIndex <= 0 {
		opts.MaxQuestionIndex = types.DefaultMaxQuestionIndex
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewChatID == nil {
		opts.NewChatID = func() string { return fmt.Sprintf("chat_%d", time.Now().UnixNano()) }
	}
	return &Dispatcher{
		store:   store,
		push:    push,
		limiter: NewRateLimiter(opts.MessagesPerMinute),
		tracer:  telemetry.Tracer(),
		opts:    opts,
	}
}

// RateLimiter exposes the limiter so the owner can sweep idle users.
func (d *Dispatcher) RateLimiter() *RateLimiter {
	return d.limiter
}

// Dispatch runs one request for caller. Any failure is pushed to the caller as
// an error event and also returned.
func (d *Dispatcher) Dispatch(ctx context.Context, caller Caller, req types.Request) error {
	action := req.Action()
	ctx, span := d.start(ctx, caller, action)
	defer span.End()

	var err error
	switch r := req.(type) {
	case types.ConnectRequest:
		err = d.connect(ctx, caller)
	case *types.SendMessageRequest:
		err = d.sendMessage(ctx, caller, r)
	case *types.SetReadyRequest:
		err = d.setReady(ctx, caller, r)
	case *types.StartConversationRequest:
		err = d.startConversation(ctx, caller, r)
	case *types.EndConversationRequest:
		err = d.endConversation(ctx, caller, r)
	case *types.GetCurrentStateRequest:
		err = d.getCurrentState(ctx, caller, r)
	case *types.FetchChatHistoryRequest:
		err = d.fetchChatHistory(ctx, caller, r)
	default:
		err = fmt.Errorf("%w: %q", types.ErrUnknownAction, action)
	}

	if err != nil {
		messageID := ""
		if r, ok := req.(*types.SendMessageRequest); ok {
			messageID = r.MessageID
		}
		d.fail(ctx, span, caller, action, messageID, err)
	}
	return err
}

// Reject reports a request that failed before it could be decoded.
func (d *Dispatcher) Reject(ctx context.Context, caller Caller, action string, err error) {
	ctx, span := d.start(ctx, caller, action)
	defer span.End()
	d.fail(ctx, span, caller, action, "", err)
}

// Connect registers a new live socket for caller.
func (d *Dispatcher) Connect(ctx context.Context, caller Caller) error {
	ctx, span := d.start(ctx, caller, types.ActionConnect)
	defer span.End()

	if err := d.connect(ctx, caller); err != nil {
		d.fail(ctx, span, caller, types.ActionConnect, "", err)
		return err
	}
	return nil
}

// Disconnect detaches connectionID from its owner, if it still owns one.
func (d *Dispatcher) Disconnect(ctx context.Context, connectionID string) error {
	ctx, span := d.tracer.Start(ctx, "pairchat.disconnect",
		trace.WithAttributes(attribute.String("pairchat.connection_id", connectionID)))
	defer span.End()
	ctx = logging.WithFields(ctx, logging.Fields{ConnectionID: connectionID, Action: "disconnect", Component: component})

	if err := d.disconnect(ctx, connectionID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.ErrorContext(ctx, "disconnect failed", "error", err)
		return err
	}
	return nil
}

func (d *Dispatcher) start(ctx context.Context, caller Caller, action string) (context.Context, trace.Span) {
	ctx, span := d.tracer.Start(ctx, "pairchat."+action,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("pairchat.action", action),
			attribute.String("pairchat.user_id", caller.UserID),
			attribute.String("pairchat.connection_id", caller.ConnectionID),
		))
	ctx = logging.WithFields(ctx, logging.Fields{
		UserID:       caller.UserID,
		ConnectionID: caller.ConnectionID,
		Action:       action,
		Component:    component,
	})
	return ctx, span
}

func (d *Dispatcher) fail(ctx context.Context, span trace.Span, caller Caller, action, messageID string, err error) {
	kind := Classify(err)
	span.RecordError(err)
	span.SetStatus(codes.Error, kind.String())

	switch kind {
	case KindInternal:
		slog.ErrorContext(ctx, "request failed", "error", err, "kind", kind.String())
	case KindIntegrity, KindAuth:
		slog.WarnContext(ctx, "request rejected", "error", err, "kind", kind.String())
	default:
		slog.DebugContext(ctx, "request rejected", "error", err, "kind", kind.String())
	}

	d.pushTo(ctx, caller.ConnectionID, types.EventError, types.ErrorEvent{
		Error:     PublicMessage(err),
		Code:      kind.Code(),
		Action:    action,
		MessageID: messageID,
	})
}

// pushTo sends to a connection the handler already knows is live, normally the
// caller's own. Failures are logged; the request outcome does not depend on them.
func (d *Dispatcher) pushTo(ctx context.Context, connectionID, action string, data any) types.DeliveryStatus {
	if connectionID == "" {
		return types.DeliveryQueued
	}
	err := d.push.Push(ctx, connectionID, types.Event{Action: action, Data: data})
	return d.outcome(ctx, connectionID, action, err)
}

// deliver pushes to user's current connection, if any.
func (d *Dispatcher) deliver(ctx context.Context, user *types.UserConnection, action string, data any) types.DeliveryStatus {
	if !user.Connected() {
		return types.DeliveryQueued
	}
	return d.pushTo(ctx, *user.ConnectionID, action, data)
}

// outcome turns a push error into a delivery status
// FUNCTIONAL DISCOVERY: A gone connection means the store still names a socket that
// no longer exists; clearing it keeps later sends on the queued path
func (d *Dispatcher) outcome(ctx context.Context, connectionID, action string, err error) types.DeliveryStatus {
	switch {
	case err == nil:
		return types.DeliveryDelivered
	case errors.Is(err, interfaces.ErrConnectionGone):
		slog.DebugContext(ctx, "push target gone", "target_connection", connectionID, "event", action)
		if _, derr := d.store.Disconnect(ctx, connectionID, d.opts.Now()); derr != nil && !errors.Is(derr, interfaces.ErrUserNotFound) {
			slog.WarnContext(ctx, "failed to clear stale connection", "target_connection", connectionID, "error", derr)
		}
		return types.DeliveryQueued
	default:
		slog.WarnContext(ctx, "push failed", "target_connection", connectionID, "event", action, "error", err)
		return types.DeliveryFailed
	}
}

// peerOf loads the other participant's record; a participant who never
// connected yields nil.
func (d *Dispatcher) peerOf(ctx context.Context, conv *types.Conversation, userID string) (*types.UserConnection, error) {
	peer, err := d.store.GetUser(ctx, conv.Peer(userID))
	if errors.Is(err, interfaces.ErrUserNotFound) {
		return nil, nil
	}
	return peer, err
}

func requirePrincipal(caller Caller, userID string) error {
	if userID != caller.UserID {
		return ErrPrincipalMismatch
	}
	return nil
}
