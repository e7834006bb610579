package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/dmchat/directory"
	"github.com/kasuganosora/dmchat/session"
	"go.uber.org/zap"
)

// UsersHandler exposes the user directory.
type UsersHandler struct {
	users    directory.Directory
	registry *session.Registry
	presence *session.Presence
	logger   *zap.Logger
}

func NewUsersHandler(users directory.Directory, registry *session.Registry, presence *session.Presence, logger *zap.Logger) *UsersHandler {
	return &UsersHandler{users: users, registry: registry, presence: presence, logger: logger}
}

// Get handles GET /api/users/:id.
func (h *UsersHandler) Get(c *gin.Context) {
	id, err := paramID(c, "id")
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	p, err := h.users.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	online := h.registry.IsOnline(id) || h.presence.IsOnline(c.Request.Context(), id)
	c.JSON(http.StatusOK, gin.H{"user": p, "online": online})
}
