package rest

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/dmchat/audit"
	"github.com/kasuganosora/dmchat/chat"
	"github.com/kasuganosora/dmchat/message"
	mw "github.com/kasuganosora/dmchat/middleware"
	"go.uber.org/zap"
)

// MessagesHandler handles direct-message REST endpoints.
type MessagesHandler struct {
	svc    *chat.Service
	store  *message.Store
	audit  *audit.Service
	logger *zap.Logger
}

// NewMessagesHandler creates a new MessagesHandler. auditSvc may be nil.
func NewMessagesHandler(svc *chat.Service, store *message.Store, auditSvc *audit.Service, logger *zap.Logger) *MessagesHandler {
	return &MessagesHandler{svc: svc, store: store, audit: auditSvc, logger: logger}
}

type sendRequest struct {
	ReceiverID  int64  `json:"receiver_id" binding:"required"`
	Content     string `json:"content"`
	ClientMsgID string `json:"client_msg_id" binding:"max=64"`
}

// Send handles POST /api/messages. Unlike the websocket path the friendship
// gate is always applied here.
func (h *MessagesHandler) Send(c *gin.Context) {
	start := time.Now()
	userID := mw.GetUserID(c)
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, h.logger, bindError(err))
		return
	}

	out, err := h.svc.Send(c.Request.Context(), chat.SendRequest{
		SenderID:          userID,
		ReceiverID:        req.ReceiverID,
		Content:           req.Content,
		ClientMsgID:       req.ClientMsgID,
		RequireFriendship: true,
	})

	entry := audit.AuditEntry{
		TraceID:    mw.GetTraceID(c),
		UserID:     audit.Int64(userID),
		TargetID:   audit.Int64(req.ReceiverID),
		Action:     audit.ActionMessageSend,
		IP:         c.ClientIP(),
		DurationMs: int(time.Since(start).Milliseconds()),
	}
	if err != nil {
		entry.Error = err.Error()
	} else {
		entry.Response = gin.H{"message_id": out.Message.ID, "delivered": out.Delivered}
	}
	h.audit.Log(entry)

	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	status := http.StatusCreated
	if out.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{
		"message":   out.Message,
		"delivered": out.Delivered,
		"duplicate": out.Duplicate,
	})
}

// Conversation handles GET /api/messages/with/:id?offset=&limit=.
// Fetching a thread marks the peer's messages to the caller as read.
func (h *MessagesHandler) Conversation(c *gin.Context) {
	peerID, err := paramID(c, "id")
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	msgs, err := h.svc.Conversation(c.Request.Context(), mw.GetUserID(c), peerID, offset, limit)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// Unread handles GET /api/messages/unread.
func (h *MessagesHandler) Unread(c *gin.Context) {
	msgs, err := h.store.UnreadFor(c.Request.Context(), mw.GetUserID(c))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs, "count": len(msgs)})
}

// MarkRead handles PUT /api/messages/:id/read. Only the receiver may call it.
func (h *MessagesHandler) MarkRead(c *gin.Context) {
	id, err := paramID(c, "id")
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	msg, err := h.svc.MarkRead(c.Request.Context(), mw.GetUserID(c), id)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": msg})
}
