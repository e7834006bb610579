package rest

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/dmchat/apperr"
	"github.com/kasuganosora/dmchat/auth"
	dbadapter "github.com/kasuganosora/dmchat/db"
	mw "github.com/kasuganosora/dmchat/middleware"
	"github.com/kasuganosora/dmchat/model"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

var bcryptCost = 12

// AuthHandler handles authentication REST endpoints.
type AuthHandler struct {
	db     *gorm.DB
	tokens *auth.TokenAuthenticator
	logger *zap.Logger
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(db *gorm.DB, tokens *auth.TokenAuthenticator, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{db: db, tokens: tokens, logger: logger}
}

type loginRequest struct {
	Username    string `json:"username" binding:"required,min=2,max=32"`
	Password    string `json:"password" binding:"required,min=4,max=64"`
	DisplayName string `json:"display_name" binding:"max=64"`
}

// Login handles POST /api/auth/login.
// Auto-registers on first login if the username does not exist.
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, h.logger, bindError(err))
		return
	}

	var acc model.Account
	err := h.db.Where("username = ?", req.Username).First(&acc).Error

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcryptCost)
		if err != nil {
			writeError(c, h.logger, apperr.Internal(err))
			return
		}
		display := req.DisplayName
		if display == "" {
			display = req.Username
		}
		acc = model.Account{
			Username:     req.Username,
			DisplayName:  display,
			PasswordHash: string(hash),
			Status:       model.AccountNormal,
		}
		if err := h.db.Create(&acc).Error; err != nil {
			// Another request registered the same name first.
			if dbadapter.IsUniqueViolation(err) {
				writeError(c, h.logger, apperr.Conflict("username already taken"))
			} else {
				writeError(c, h.logger, apperr.Internal(err))
			}
			return
		}
		h.logger.Info("account registered", zap.Int64("user_id", acc.ID), zap.String("username", acc.Username))
	case err != nil:
		writeError(c, h.logger, apperr.Internal(err))
		return
	default:
		if err := bcrypt.CompareHashAndPassword([]byte(acc.PasswordHash), []byte(req.Password)); err != nil {
			writeError(c, h.logger, apperr.Unauthorized("invalid credentials"))
			return
		}
		if acc.Status == model.AccountBanned {
			writeError(c, h.logger, apperr.Forbidden("account banned"))
			return
		}
	}

	token, err := h.tokens.Issue(c.Request.Context(), acc.ID)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	// Update last login (best-effort).
	now := time.Now()
	_ = h.db.Model(&acc).Updates(map[string]interface{}{
		"last_login_at": now,
		"last_login_ip": c.ClientIP(),
	})

	c.JSON(http.StatusOK, gin.H{
		"token":   token,
		"user_id": acc.ID,
	})
}

// Logout handles POST /api/auth/logout.
func (h *AuthHandler) Logout(c *gin.Context) {
	token := mw.BearerToken(c)
	if token == "" {
		writeError(c, h.logger, apperr.InvalidArgument("missing token"))
		return
	}
	if err := h.tokens.Revoke(c.Request.Context(), token); err != nil {
		h.logger.Warn("logout: revoke failed", zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{"message": "logged out"})
}

// Refresh handles POST /api/auth/refresh. The old token stops working.
func (h *AuthHandler) Refresh(c *gin.Context) {
	userID := mw.GetUserID(c)
	if userID == 0 {
		writeError(c, h.logger, apperr.Unauthorized("unauthorized"))
		return
	}
	_ = h.tokens.Revoke(c.Request.Context(), mw.BearerToken(c))

	token, err := h.tokens.Issue(c.Request.Context(), userID)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}
