// Package sse streams a user's inbox events and server announcements over
// Server-Sent Events, for clients that cannot hold a websocket open.
package sse

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/dmchat/apperr"
	"github.com/kasuganosora/dmchat/auth"
	"github.com/kasuganosora/dmchat/cache"
	"github.com/kasuganosora/dmchat/events"
	mw "github.com/kasuganosora/dmchat/middleware"
	"go.uber.org/zap"
)

const (
	announceChannel  = "announce"
	defaultKeepalive = 30 * time.Second
)

// Handler handles the SSE endpoint.
type Handler struct {
	pubsub    cache.PubSub
	auth      auth.Authenticator
	keepalive time.Duration
	logger    *zap.Logger
}

// NewHandler creates a new SSE Handler.
func NewHandler(pubsub cache.PubSub, a auth.Authenticator, logger *zap.Logger) *Handler {
	return &Handler{pubsub: pubsub, auth: a, keepalive: defaultKeepalive, logger: logger}
}

// SetKeepalive overrides the comment interval used to keep proxies from
// timing the stream out.
func (h *Handler) SetKeepalive(d time.Duration) {
	if d > 0 {
		h.keepalive = d
	}
}

// ServeSSE handles GET /sse?token=<jwt> (or a bearer header). It streams
// message.created events addressed to the caller as "message" and
// broadcasts as "announce".
func (h *Handler) ServeSSE(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		token = mw.BearerToken(c)
	}
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	id, err := h.auth.Authenticate(ctx, token)
	cancel()
	if err != nil {
		c.JSON(apperr.HTTPStatus(err), gin.H{"error": apperr.Public(err)})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	subCtx, subCancel := context.WithCancel(c.Request.Context())
	defer subCancel()

	inbox := events.InboxChannel(id.UserID)
	msgCh, unsub, err := h.pubsub.Subscribe(subCtx, inbox, announceChannel)
	if err != nil {
		h.logger.Error("sse subscribe failed", zap.Int64("user_id", id.UserID), zap.Error(err))
		c.Status(http.StatusInternalServerError)
		return
	}
	defer unsub()

	fmt.Fprintf(c.Writer, "event: connected\ndata: {\"user_id\":%d}\n\n", id.UserID)
	c.Writer.Flush()

	ticker := time.NewTicker(h.keepalive)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-msgCh:
			if !ok {
				return
			}
			name := "announce"
			if msg.Channel == inbox {
				name = "message"
			}
			writeEvent(c.Writer, name, msg.Payload)
			c.Writer.Flush()

		case <-ticker.C:
			fmt.Fprintf(c.Writer, ": keepalive\n\n")
			c.Writer.Flush()

		case <-c.Request.Context().Done():
			return
		}
	}
}

var newlines = strings.NewReplacer("\r\n", "\n", "\r", "\n")

// writeEvent emits one event, with a data line per line of payload so an
// embedded newline cannot end the event early.
func writeEvent(w io.Writer, name, payload string) {
	fmt.Fprintf(w, "event: %s\n", name)
	for _, line := range strings.Split(newlines.Replace(payload), "\n") {
		fmt.Fprintf(w, "data: %s\n", line)
	}
	fmt.Fprint(w, "\n")
}

// Announce publishes an announcement message to all SSE subscribers.
func (h *Handler) Announce(ctx context.Context, message string) error {
	return h.pubsub.Publish(ctx, announceChannel, message)
}
