package rest

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/kasuganosora/dmchat/apperr"
	"github.com/kasuganosora/dmchat/audit"
	"github.com/kasuganosora/dmchat/metrics"
	mw "github.com/kasuganosora/dmchat/middleware"
	"github.com/kasuganosora/dmchat/model"
	"github.com/kasuganosora/dmchat/scheduler"
	"github.com/kasuganosora/dmchat/session"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// AdminHandler handles admin-only REST endpoints.
// Routes should be protected by AdminAuth middleware.
type AdminHandler struct {
	db       *gorm.DB
	registry *session.Registry
	presence *session.Presence
	sessions SessionRevoker
	metrics  *metrics.Metrics
	sched    *scheduler.Scheduler
	audit    *audit.Service
	logger   *zap.Logger
}

// SessionRevoker invalidates every token a user holds.
type SessionRevoker interface {
	RevokeUser(ctx context.Context, userID int64) (int, error)
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(
	db *gorm.DB,
	registry *session.Registry,
	presence *session.Presence,
	sessions SessionRevoker,
	m *metrics.Metrics,
	sched *scheduler.Scheduler,
	auditSvc *audit.Service,
	logger *zap.Logger,
) *AdminHandler {
	return &AdminHandler{
		db:       db,
		registry: registry,
		presence: presence,
		sessions: sessions,
		metrics:  m,
		sched:    sched,
		audit:    auditSvc,
		logger:   logger,
	}
}

// Metrics returns server health metrics.
// GET /api/admin/metrics
func (h *AdminHandler) Metrics(c *gin.Context) {
	counters, err := h.metrics.Snapshot()
	if err != nil {
		writeError(c, h.logger, apperr.Internal(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"online_users":    h.registry.Count(),
		"scheduler_tasks": h.sched.Tasks(),
		"counters":        counters,
	})
}

type onlineUser struct {
	UserID      int64      `json:"user_id"`
	ConnID      string     `json:"conn_id,omitempty"`
	RemoteAddr  string     `json:"remote_addr,omitempty"`
	ConnectedAt *time.Time `json:"connected_at,omitempty"`
}

// ListOnline returns the connections held by this node, plus the ids online
// on any node according to the shared presence set.
// GET /api/admin/online
func (h *AdminHandler) ListOnline(c *gin.Context) {
	handles := h.registry.All()
	result := make([]onlineUser, 0, len(handles))
	for _, hd := range handles {
		u := onlineUser{UserID: hd.UserID()}
		if conn, ok := hd.(*session.Conn); ok {
			at := conn.ConnectedAt
			u.ConnID = conn.ID
			u.RemoteAddr = conn.RemoteAddr
			u.ConnectedAt = &at
		}
		result = append(result, u)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UserID < result[j].UserID })

	cluster, err := h.presence.Members(c.Request.Context())
	if err != nil {
		h.logger.Warn("presence members failed", zap.Error(err))
		cluster = []int64{}
	}
	c.JSON(http.StatusOK, gin.H{"users": result, "count": len(result), "cluster": cluster})
}

// Kick forcibly disconnects a user.
// POST /api/admin/kick/:id
func (h *AdminHandler) Kick(c *gin.Context) {
	userID, err := paramID(c, "id")
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	if !h.disconnect(userID, "kicked by admin") {
		writeError(c, h.logger, apperr.NotFound("user not online"))
		return
	}
	h.audit.Log(audit.AuditEntry{
		TraceID:  mw.GetTraceID(c),
		TargetID: audit.Int64(userID),
		Action:   audit.ActionAdminKick,
		IP:       c.ClientIP(),
	})
	h.logger.Info("admin kicked user", zap.Int64("user_id", userID))
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *AdminHandler) disconnect(userID int64, reason string) bool {
	hd, ok := h.registry.Lookup(userID)
	if !ok {
		return false
	}
	hd.Close(websocket.ClosePolicyViolation, reason)
	return true
}

// BanAccount bans or unbans an account; the body must say which. Banning
// revokes every token the user holds and drops the live connection.
// POST /api/admin/accounts/:id/ban
func (h *AdminHandler) BanAccount(c *gin.Context) {
	userID, err := paramID(c, "id")
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	var req struct {
		Ban *bool `json:"ban" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, h.logger, apperr.InvalidArgument("ban must be true or false"))
		return
	}
	ban := *req.Ban

	status := model.AccountNormal
	if ban {
		status = model.AccountBanned
	}
	var acc model.Account
	if err := h.db.Select("id").First(&acc, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeError(c, h.logger, apperr.NotFound("account not found"))
		} else {
			writeError(c, h.logger, apperr.Internal(err))
		}
		return
	}
	if err := h.db.Model(&acc).Update("status", status).Error; err != nil {
		writeError(c, h.logger, apperr.Internal(err))
		return
	}

	if ban {
		revoked, err := h.sessions.RevokeUser(c.Request.Context(), userID)
		if err != nil {
			writeError(c, h.logger, apperr.Internal(err))
			return
		}
		h.disconnect(userID, "account banned")
		h.logger.Info("account banned",
			zap.Int64("user_id", userID),
			zap.Int("revoked_sessions", revoked))
	}
	h.audit.Log(audit.AuditEntry{
		TraceID:  mw.GetTraceID(c),
		TargetID: audit.Int64(userID),
		Action:   audit.ActionAdminBan,
		Request:  gin.H{"ban": ban},
		IP:       c.ClientIP(),
	})
	c.JSON(http.StatusOK, gin.H{"ok": true, "status": status})
}

// ListSchedulerTasks returns the housekeeping tasks with their run stats.
// GET /api/admin/scheduler
func (h *AdminHandler) ListSchedulerTasks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tasks": h.sched.Tasks()})
}

// AdminAuth returns a middleware that checks the X-Admin-Key header.
// If adminKey is empty all admin endpoints answer 503, so the server cannot
// be deployed with them unprotected by accident.
func AdminAuth(adminKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if adminKey == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable,
				gin.H{"error": "admin endpoints disabled: set server.admin_key in config"})
			return
		}
		key := c.GetHeader("X-Admin-Key")
		if key != adminKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}
