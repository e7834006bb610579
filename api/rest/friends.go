package rest

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/dmchat/apperr"
	"github.com/kasuganosora/dmchat/audit"
	"github.com/kasuganosora/dmchat/directory"
	mw "github.com/kasuganosora/dmchat/middleware"
	"github.com/kasuganosora/dmchat/model"
	"github.com/kasuganosora/dmchat/plugin/hook"
	"github.com/kasuganosora/dmchat/session"
	"github.com/kasuganosora/dmchat/social"
	"go.uber.org/zap"
)

// FriendsHandler handles friendship REST endpoints.
type FriendsHandler struct {
	graph    *social.Graph
	users    directory.Directory
	registry *session.Registry
	hooks    *hook.HookCenter
	audit    *audit.Service
	logger   *zap.Logger
}

// NewFriendsHandler creates a new FriendsHandler. hooks and auditSvc may be nil.
func NewFriendsHandler(
	graph *social.Graph,
	users directory.Directory,
	registry *session.Registry,
	hooks *hook.HookCenter,
	auditSvc *audit.Service,
	logger *zap.Logger,
) *FriendsHandler {
	if hooks == nil {
		hooks = hook.NewHookCenter(logger)
	}
	return &FriendsHandler{graph: graph, users: users, registry: registry, hooks: hooks, audit: auditSvc, logger: logger}
}

type friendInfo struct {
	model.Friendship
	Online bool `json:"online"`
}

// List handles GET /api/friends?status=accepted.
func (h *FriendsHandler) List(c *gin.Context) {
	var filter *model.FriendStatus
	if raw := c.Query("status"); raw != "" {
		st, err := model.ParseFriendStatus(raw)
		if err != nil {
			writeError(c, h.logger, apperr.InvalidArgument("invalid status"))
			return
		}
		filter = &st
	}
	edges, err := h.graph.ListByOwner(c.Request.Context(), mw.GetUserID(c), filter)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	result := make([]friendInfo, len(edges))
	for i, e := range edges {
		result[i] = friendInfo{Friendship: e, Online: h.registry.IsOnline(e.FriendID)}
	}
	c.JSON(http.StatusOK, gin.H{"friends": result})
}

// Requests handles GET /api/friends/requests: pending requests addressed to
// the caller.
func (h *FriendsHandler) Requests(c *gin.Context) {
	edges, err := h.graph.ListIncoming(c.Request.Context(), mw.GetUserID(c))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"requests": edges})
}

// SendRequest handles POST /api/friends/request.
func (h *FriendsHandler) SendRequest(c *gin.Context) {
	start := time.Now()
	userID := mw.GetUserID(c)
	var req struct {
		FriendID int64 `json:"friend_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, h.logger, bindError(err))
		return
	}

	edge, err := h.request(c, userID, req.FriendID)
	h.record(c, audit.ActionFriendRequest, userID, req.FriendID, req, err, start)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"request": edge})
}

func (h *FriendsHandler) request(c *gin.Context, userID, friendID int64) (*model.Friendship, error) {
	ctx := c.Request.Context()
	if userID == friendID {
		return nil, apperr.InvalidArgument("cannot befriend yourself")
	}
	exists, err := h.users.Exists(ctx, friendID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, apperr.NotFound("user not found")
	}
	return h.graph.CreateEdge(ctx, userID, friendID)
}

// Respond handles PUT /api/friends/requests/:id with {"status": "accepted"}.
func (h *FriendsHandler) Respond(c *gin.Context) {
	start := time.Now()
	userID := mw.GetUserID(c)
	reqID, err := paramID(c, "id")
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	var body struct {
		Status model.FriendStatus `json:"status"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, h.logger, bindError(err))
		return
	}

	edge, err := h.graph.Respond(c.Request.Context(), reqID, userID, body.Status)
	var requester int64
	if edge != nil {
		requester = edge.UserID
	}
	h.record(c, audit.ActionFriendRespond, userID, requester, body, err, start)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	if edge.Status == model.FriendAccepted {
		_, _ = h.hooks.Trigger(c.Request.Context(), hook.OnFriendAccepted,
			&hook.FriendshipEvent{RequesterID: edge.UserID, AccepterID: userID})
	}
	c.JSON(http.StatusOK, gin.H{"request": edge})
}

// Remove handles DELETE /api/friends/:id. Both directions are removed.
func (h *FriendsHandler) Remove(c *gin.Context) {
	start := time.Now()
	userID := mw.GetUserID(c)
	friendID, err := paramID(c, "id")
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	err = h.graph.Unfriend(c.Request.Context(), userID, friendID)
	h.record(c, audit.ActionUnfriend, userID, friendID, nil, err, start)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "deleted"})
}

// Block handles POST /api/block/:id.
func (h *FriendsHandler) Block(c *gin.Context) {
	start := time.Now()
	userID := mw.GetUserID(c)
	targetID, err := paramID(c, "id")
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	edge, err := h.block(c, userID, targetID)
	h.record(c, audit.ActionBlock, userID, targetID, nil, err, start)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"friendship": edge})
}

func (h *FriendsHandler) block(c *gin.Context, userID, targetID int64) (*model.Friendship, error) {
	exists, err := h.users.Exists(c.Request.Context(), targetID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, apperr.NotFound("user not found")
	}
	return h.graph.Block(c.Request.Context(), userID, targetID)
}

func (h *FriendsHandler) record(c *gin.Context, action string, userID, targetID int64, req interface{}, err error, start time.Time) {
	entry := audit.AuditEntry{
		TraceID:    mw.GetTraceID(c),
		UserID:     audit.Int64(userID),
		Action:     action,
		Request:    req,
		IP:         c.ClientIP(),
		DurationMs: int(time.Since(start).Milliseconds()),
	}
	if targetID != 0 {
		entry.TargetID = audit.Int64(targetID)
	}
	if err != nil {
		entry.Error = err.Error()
	}
	h.audit.Log(entry)
}
