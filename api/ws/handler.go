package ws

import (
	"context"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/kasuganosora/dmchat/auth"
	"github.com/kasuganosora/dmchat/config"
	"github.com/kasuganosora/dmchat/metrics"
	mw "github.com/kasuganosora/dmchat/middleware"
	"github.com/kasuganosora/dmchat/plugin/hook"
	"github.com/kasuganosora/dmchat/session"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const authTimeout = 2 * time.Second

// Handler is the Gin handler for GET /ws.
type Handler struct {
	auth     auth.Authenticator
	registry *session.Registry
	router   *Router
	hooks    *hook.HookCenter
	metrics  *metrics.Metrics
	chat     config.ChatConfig
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates a new WebSocket Handler.
// sec.AllowedOrigins controls which WebSocket origins are accepted.
// An empty slice permits all origins (development only).
func NewHandler(
	a auth.Authenticator,
	registry *session.Registry,
	router *Router,
	hooks *hook.HookCenter,
	m *metrics.Metrics,
	sec config.SecurityConfig,
	chat config.ChatConfig,
	logger *zap.Logger,
) *Handler {
	if hooks == nil {
		hooks = hook.NewHookCenter(logger)
	}
	h := &Handler{
		auth:     a,
		registry: registry,
		router:   router,
		hooks:    hooks,
		metrics:  m,
		chat:     chat,
		logger:   logger,
	}
	allowed := sec.AllowedOrigins
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true // dev mode: allow all
			}
			origin := r.Header.Get("Origin")
			for _, o := range allowed {
				if o == origin {
					return true
				}
			}
			return false
		},
	}
	return h
}

// requestToken finds the credential in the query string, the websocket
// subprotocol list or the Authorization header, in that order. fromProtocol
// is set when the subprotocol must be echoed back.
func requestToken(c *gin.Context) (token string, fromProtocol bool) {
	if t := c.Query("token"); t != "" {
		return t, false
	}
	if p := c.GetHeader("Sec-WebSocket-Protocol"); p != "" {
		parts := strings.Split(p, ",")
		for i := len(parts) - 1; i >= 0; i-- {
			if t := strings.TrimSpace(parts[i]); t != "" {
				return t, true
			}
		}
	}
	return mw.BearerToken(c), false
}

// ServeWS upgrades the request, authenticates it and serves frames until
// the connection ends. Authentication failures are reported with a 1008
// close frame after the upgrade so browser clients can see the reason.
func (h *Handler) ServeWS(c *gin.Context) {
	token, fromProtocol := requestToken(c)

	var respHeader http.Header
	if fromProtocol {
		respHeader = http.Header{"Sec-Websocket-Protocol": []string{token}}
	}
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, respHeader)
	if err != nil {
		h.logger.Warn("ws upgrade failed", zap.Error(err))
		return
	}

	actx, cancel := context.WithTimeout(c.Request.Context(), authTimeout)
	ident, err := h.auth.Authenticate(actx, token)
	cancel()
	if err != nil {
		h.metrics.Connection("rejected")
		h.logger.Info("ws auth rejected",
			zap.String("remote", ws.RemoteAddr().String()),
			zap.Error(err))
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication failed"),
			time.Now().Add(time.Second))
		_ = ws.Close()
		return
	}

	conn := session.NewConn(ident.UserID, ws, h.chat.SendBuffer, h.logger)
	h.registry.Register(conn)
	h.metrics.Connection("accepted")
	_, _ = h.hooks.Trigger(c.Request.Context(), hook.OnConnect,
		&hook.PresenceEvent{UserID: ident.UserID, ConnID: conn.ID})
	h.logger.Info("user connected",
		zap.Int64("user_id", ident.UserID),
		zap.String("conn_id", conn.ID),
		zap.String("remote", conn.RemoteAddr))

	h.serve(context.WithoutCancel(c.Request.Context()), conn)
}

// serve reads frames strictly in order until the connection ends. All
// teardown happens in the single deferred block.
func (h *Handler) serve(ctx context.Context, conn *session.Conn) {
	code, reason := websocket.CloseNormalClosure, ""
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("panic in ws loop",
				zap.Int64("user_id", conn.UserID()),
				zap.Any("recover", r),
				zap.String("stack", string(debug.Stack())))
			code, reason = websocket.CloseInternalServerErr, "internal error"
		}
		h.registry.Unregister(conn.UserID(), conn)
		_, _ = h.hooks.Trigger(ctx, hook.OnDisconnect,
			&hook.PresenceEvent{UserID: conn.UserID(), ConnID: conn.ID})
		conn.Close(code, reason)
		h.logger.Info("user disconnected",
			zap.Int64("user_id", conn.UserID()),
			zap.String("conn_id", conn.ID),
			zap.Int("code", conn.CloseCode()))
	}()

	limiter := rate.NewLimiter(rate.Limit(h.chat.RateLimitPerSec), h.chat.RateLimitBurst)
	for {
		raw, err := conn.Read()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived) {
				h.logger.Warn("ws unexpected close",
					zap.Int64("user_id", conn.UserID()),
					zap.Error(err))
			}
			return
		}
		if h.chat.RateLimitPerSec > 0 && !limiter.Allow() {
			h.metrics.FrameError("rate_limited")
			h.router.reject(conn, "rate limit exceeded")
			continue
		}
		if err := h.router.Dispatch(ctx, conn, raw); err != nil {
			code, reason = websocket.CloseInternalServerErr, "internal error"
			return
		}
	}
}
