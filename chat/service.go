// Package chat is the direct-message pipeline shared by the websocket loop
// and the HTTP API: validation, authorization, idempotency, persistence and
// live delivery.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/kasuganosora/dmchat/apperr"
	"github.com/kasuganosora/dmchat/cache"
	"github.com/kasuganosora/dmchat/config"
	"github.com/kasuganosora/dmchat/directory"
	"github.com/kasuganosora/dmchat/events"
	"github.com/kasuganosora/dmchat/metrics"
	mw "github.com/kasuganosora/dmchat/middleware"
	"github.com/kasuganosora/dmchat/model"
	"github.com/kasuganosora/dmchat/plugin/hook"
	"github.com/kasuganosora/dmchat/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// idemPending marks a client_msg_id whose message is still being written.
const idemPending = "0"

// Store is the subset of message.Store the pipeline needs.
type Store interface {
	Create(ctx context.Context, senderID, receiverID int64, content string) (*model.Message, error)
	GetByID(ctx context.Context, id int64) (*model.Message, error)
	Between(ctx context.Context, a, b int64, offset, limit int) ([]model.Message, error)
	MarkRead(ctx context.Context, msg *model.Message) error
	MarkAllReadBetween(ctx context.Context, receiverID, senderID int64) (int64, error)
}

// Gate decides whether one user may message another.
type Gate interface {
	CanMessage(ctx context.Context, a, b int64) (bool, error)
}

// Pusher delivers a payload to a user's live connection if there is one.
type Pusher interface {
	PushIfOnline(userID int64, payload []byte) bool
}

// Deps wires a Service. Events, Hooks and Metrics are optional.
type Deps struct {
	Store     Store
	Gate      Gate
	Directory directory.Directory
	Pusher    Pusher
	Cache     cache.Cache
	Events    events.Publisher
	Hooks     *hook.HookCenter
	Metrics   *metrics.Metrics
	Config    config.ChatConfig
	Logger    *zap.Logger
}

type Service struct {
	store   Store
	gate    Gate
	users   directory.Directory
	pusher  Pusher
	cache   cache.Cache
	events  events.Publisher
	hooks   *hook.HookCenter
	metrics *metrics.Metrics
	cfg     config.ChatConfig
	logger  *zap.Logger
	tracer  trace.Tracer
}

func NewService(d Deps) *Service {
	if d.Events == nil {
		d.Events = events.Nop{}
	}
	if d.Hooks == nil {
		d.Hooks = hook.NewHookCenter(d.Logger)
	}
	if d.Config.MaxMessageLen <= 0 {
		d.Config.MaxMessageLen = config.Default().Chat.MaxMessageLen
	}
	return &Service{
		store:   d.Store,
		gate:    d.Gate,
		users:   d.Directory,
		pusher:  d.Pusher,
		cache:   d.Cache,
		events:  d.Events,
		hooks:   d.Hooks,
		metrics: d.Metrics,
		cfg:     d.Config,
		logger:  d.Logger,
		tracer:  telemetry.Tracer(),
	}
}

// RequireFriendship reports whether the live path enforces the gate.
func (s *Service) RequireFriendship() bool { return s.cfg.RequireFriendship }

// SendRequest is one send attempt from an authenticated sender.
type SendRequest struct {
	SenderID    int64
	ReceiverID  int64
	Content     string
	ClientMsgID string
	// RequireFriendship applies the CanMessage gate. The HTTP API always
	// sets it; the websocket loop follows chat.require_friendship.
	RequireFriendship bool
}

// Outcome describes a successful send.
type Outcome struct {
	Message   *model.Message
	Delivered bool
	// Duplicate is set when ClientMsgID was seen before; Message is the
	// original and nothing was stored or pushed.
	Duplicate bool
}

// IdempotencyKey is the cache key remembering a sender's client_msg_id.
func IdempotencyKey(senderID int64, clientMsgID string) string {
	return "idem:msg:" + strconv.FormatInt(senderID, 10) + ":" + clientMsgID
}

// Send runs the full pipeline. Returned errors are *apperr.Error; only
// KindInternal is fatal to a websocket connection.
func (s *Service) Send(ctx context.Context, req SendRequest) (out *Outcome, err error) {
	ctx, span := s.tracer.Start(ctx, "chat.send", trace.WithAttributes(
		attribute.Int64("dm.sender_id", req.SenderID),
		attribute.Int64("dm.receiver_id", req.ReceiverID),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, apperr.KindOf(err).String())
		}
		span.End()
	}()

	exists, err := s.users.Exists(ctx, req.ReceiverID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if !exists {
		return nil, apperr.NotFound("receiver not found")
	}

	if req.RequireFriendship {
		ok, err := s.gate.CanMessage(ctx, req.SenderID, req.ReceiverID)
		if err != nil {
			return nil, apperr.Internal(err)
		}
		if !ok {
			return nil, apperr.Forbidden("you can only message accepted friends")
		}
	}

	if err := s.validate(req.Content); err != nil {
		return nil, err
	}

	var idemKey string
	if req.ClientMsgID != "" {
		idemKey = IdempotencyKey(req.SenderID, req.ClientMsgID)
		dup, err := s.claim(ctx, idemKey)
		if err != nil {
			return nil, err
		}
		if dup != nil {
			s.metrics.Duplicate()
			span.SetAttributes(attribute.Bool("dm.duplicate", true))
			return &Outcome{Message: dup, Duplicate: true}, nil
		}
	}
	release := func() {
		if idemKey != "" {
			if err := s.cache.Del(context.WithoutCancel(ctx), idemKey); err != nil {
				s.logger.Warn("release idempotency key", zap.String("key", idemKey), zap.Error(err))
			}
		}
	}

	draft := &hook.MessageDraft{SenderID: req.SenderID, ReceiverID: req.ReceiverID, Content: req.Content}
	if _, err := s.hooks.Trigger(ctx, hook.BeforeMessageSend, draft); errors.Is(err, hook.ErrInterrupt) {
		release()
		return nil, apperr.Forbidden("message rejected")
	}
	if err := s.validate(draft.Content); err != nil {
		release()
		return nil, err
	}

	msg, err := s.store.Create(ctx, req.SenderID, req.ReceiverID, draft.Content)
	if err != nil {
		release()
		return nil, apperr.Internal(err)
	}
	s.metrics.MessagePersisted()
	span.SetAttributes(attribute.Int64("dm.message_id", msg.ID))

	if idemKey != "" {
		if err := s.cache.Set(ctx, idemKey, strconv.FormatInt(msg.ID, 10), s.cfg.IdempotencyTTL); err != nil {
			s.logger.Warn("record idempotency key", zap.String("key", idemKey), zap.Error(err))
		}
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	delivered := s.pusher.PushIfOnline(req.ReceiverID, payload)
	s.metrics.LivePush(delivered)
	span.SetAttributes(attribute.Bool("dm.delivered", delivered))

	if err := s.events.MessageCreated(ctx, msg); err != nil {
		s.logger.Warn("publish message event",
			zap.Int64("message_id", msg.ID),
			zap.String("trace_id", mw.TraceIDFromContext(ctx)),
			zap.Error(err))
	}
	_, _ = s.hooks.Trigger(ctx, hook.AfterMessageSend, msg)

	s.logger.Debug("message sent",
		zap.Int64("message_id", msg.ID),
		zap.Int64("sender_id", msg.SenderID),
		zap.Int64("receiver_id", msg.ReceiverID),
		zap.Bool("delivered", delivered),
		zap.String("trace_id", mw.TraceIDFromContext(ctx)))
	return &Outcome{Message: msg, Delivered: delivered}, nil
}

func (s *Service) validate(content string) error {
	if strings.TrimSpace(content) == "" {
		return apperr.InvalidArgument("content must not be empty")
	}
	if utf8.RuneCountInString(content) > s.cfg.MaxMessageLen {
		return apperr.InvalidArgument("content too long")
	}
	return nil
}

// claim reserves key for this send. It returns the original message when
// the key already names one. A cache outage disables deduplication rather
// than blocking sends.
func (s *Service) claim(ctx context.Context, key string) (*model.Message, error) {
	ok, err := s.cache.SetNX(ctx, key, idemPending, s.cfg.IdempotencyTTL)
	if err != nil {
		s.logger.Warn("idempotency check skipped", zap.String("key", key), zap.Error(err))
		return nil, nil
	}
	if ok {
		return nil, nil
	}
	val, err := s.cache.Get(ctx, key)
	if cache.IsNotFound(err) {
		// Expired between SetNX and Get; treat as new.
		return nil, nil
	}
	if err != nil {
		s.logger.Warn("idempotency lookup failed", zap.String("key", key), zap.Error(err))
		return nil, nil
	}
	if val == idemPending {
		return nil, apperr.Conflict("duplicate message still in flight")
	}
	id, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	msg, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return msg, nil
}

// MarkRead marks messageID read on behalf of userID, who must be its
// receiver.
func (s *Service) MarkRead(ctx context.Context, userID, messageID int64) (*model.Message, error) {
	msg, err := s.store.GetByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.ReceiverID != userID {
		return nil, apperr.Forbidden("only the receiver can mark a message read")
	}
	if err := s.store.MarkRead(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Conversation returns a page of the thread between userID and peerID,
// newest first, and marks everything the peer sent to userID as read.
func (s *Service) Conversation(ctx context.Context, userID, peerID int64, offset, limit int) ([]model.Message, error) {
	exists, err := s.users.Exists(ctx, peerID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if !exists {
		return nil, apperr.NotFound("user not found")
	}
	msgs, err := s.store.Between(ctx, userID, peerID, offset, limit)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.MarkAllReadBetween(ctx, userID, peerID); err != nil {
		s.logger.Warn("mark thread read",
			zap.Int64("user_id", userID),
			zap.Int64("peer_id", peerID),
			zap.Error(err))
	}
	return msgs, nil
}
