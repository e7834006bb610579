package ws

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/kasuganosora/dmchat/apperr"
	"github.com/kasuganosora/dmchat/metrics"
	mw "github.com/kasuganosora/dmchat/middleware"
	"github.com/kasuganosora/dmchat/session"
	"go.uber.org/zap"
)

// DefaultType handles frames that carry no "type".
const DefaultType = "message"

// HandlerFunc processes one decoded frame. payload is the whole frame.
type HandlerFunc func(ctx context.Context, h session.Handle, payload json.RawMessage) error

// ErrorEnvelope is written back for every non-fatal frame error.
type ErrorEnvelope struct {
	Error string `json:"error"`
}

// Router dispatches incoming frames to registered handlers.
type Router struct {
	handlers map[string]HandlerFunc
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewRouter creates a new Router. m may be nil.
func NewRouter(m *metrics.Metrics, logger *zap.Logger) *Router {
	return &Router{
		handlers: make(map[string]HandlerFunc),
		metrics:  m,
		logger:   logger,
	}
}

// On registers a HandlerFunc for the given frame type.
func (r *Router) On(frameType string, fn HandlerFunc) {
	r.handlers[frameType] = fn
}

type frameHeader struct {
	Type string `json:"type"`
}

// Dispatch decodes raw, runs its handler and answers client errors with an
// ErrorEnvelope on h. It returns an error only when the connection must be
// closed.
func (r *Router) Dispatch(ctx context.Context, h session.Handle, raw []byte) error {
	traceID := uuid.NewString()
	ctx = mw.ContextWithTraceID(ctx, traceID)

	err := r.route(ctx, h, raw)
	if err == nil {
		return nil
	}
	if apperr.IsFatal(err) {
		r.logger.Error("frame handler failed",
			zap.Int64("user_id", h.UserID()),
			zap.String("trace_id", traceID),
			zap.Error(err))
		return err
	}
	r.logger.Debug("frame rejected",
		zap.Int64("user_id", h.UserID()),
		zap.String("trace_id", traceID),
		zap.Error(err))
	r.metrics.FrameError(apperr.KindOf(err).String())
	r.reject(h, apperr.Public(err))
	return nil
}

func (r *Router) route(ctx context.Context, h session.Handle, raw []byte) error {
	var hdr frameHeader
	if err := json.Unmarshal(raw, &hdr); err != nil {
		return apperr.InvalidArgument("malformed frame")
	}
	if hdr.Type == "" {
		hdr.Type = DefaultType
	}
	fn, ok := r.handlers[hdr.Type]
	if !ok {
		return apperr.InvalidArgument("unknown frame type")
	}
	return fn(ctx, h, raw)
}

func (r *Router) reject(h session.Handle, msg string) {
	b, _ := json.Marshal(&ErrorEnvelope{Error: msg})
	_ = h.Send(b)
}
