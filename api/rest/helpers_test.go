package rest_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/dmchat/api/rest"
	"github.com/kasuganosora/dmchat/auth"
	"github.com/kasuganosora/dmchat/chat"
	"github.com/kasuganosora/dmchat/config"
	"github.com/kasuganosora/dmchat/directory"
	"github.com/kasuganosora/dmchat/message"
	mw "github.com/kasuganosora/dmchat/middleware"
	"github.com/kasuganosora/dmchat/session"
	"github.com/kasuganosora/dmchat/social"
	"github.com/kasuganosora/dmchat/testutil"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type api struct {
	r     *gin.Engine
	db    *gorm.DB
	reg   *session.Registry
	pres  *session.Presence
	graph *social.Graph
	store *message.Store
}

// newAPI wires every user-facing handler against an in-memory database.
func newAPI(t *testing.T) *api {
	t.Helper()
	db := testutil.SetupTestDB(t)
	c, _ := testutil.SetupTestCache(t)
	logger := nopLogger()
	sec := config.SecurityConfig{JWTSecret: "test-secret", JWTTTLH: 72 * time.Hour}
	tokens := auth.NewTokenAuthenticator(c, sec)

	a := &api{
		db:    db,
		reg:   session.NewRegistry(logger),
		pres:  session.NewPresence(c, logger),
		graph: social.NewGraph(db, logger),
		store: message.NewStore(db, 0),
	}
	users := directory.New(db)
	svc := chat.NewService(chat.Deps{
		Store:     a.store,
		Gate:      a.graph,
		Directory: users,
		Pusher:    a.reg,
		Cache:     c,
		Config:    config.Default().Chat,
		Logger:    logger,
	})

	authH := rest.NewAuthHandler(db, tokens, logger)
	friendsH := rest.NewFriendsHandler(a.graph, users, a.reg, nil, nil, logger)
	msgH := rest.NewMessagesHandler(svc, a.store, nil, logger)
	usersH := rest.NewUsersHandler(users, a.reg, a.pres, logger)

	r := gin.New()
	r.Use(mw.TraceID())
	r.POST("/api/auth/login", authH.Login)
	g := r.Group("/api", mw.Auth(tokens))
	g.POST("/auth/logout", authH.Logout)
	g.POST("/auth/refresh", authH.Refresh)
	g.GET("/friends", friendsH.List)
	g.GET("/friends/requests", friendsH.Requests)
	g.POST("/friends/request", friendsH.SendRequest)
	g.PUT("/friends/requests/:id", friendsH.Respond)
	g.DELETE("/friends/:id", friendsH.Remove)
	g.POST("/block/:id", friendsH.Block)
	g.POST("/messages", msgH.Send)
	g.GET("/messages/with/:id", msgH.Conversation)
	g.GET("/messages/unread", msgH.Unread)
	g.PUT("/messages/:id/read", msgH.MarkRead)
	g.GET("/users/:id", usersH.Get)
	a.r = r
	return a
}

type user struct {
	ID    int64
	Token string
}

// login registers (or logs in) username and returns its id and token.
func (a *api) login(t *testing.T, username string) user {
	t.Helper()
	w := a.do(http.MethodPost, "/api/auth/login", "", map[string]string{"username": username, "password": "pass1234"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		Token  string `json:"token"`
		UserID int64  `json:"user_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return user{ID: resp.UserID, Token: resp.Token}
}

func (a *api) do(method, path, token string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.r.ServeHTTP(w, req)
	return w
}

// befriend makes x and y accepted friends through the API.
func (a *api) befriend(t *testing.T, x, y user) {
	t.Helper()
	w := a.do(http.MethodPost, "/api/friends/request", x.Token, map[string]int64{"friend_id": y.ID})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp struct {
		Request struct {
			ID int64 `json:"id"`
		} `json:"request"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	w = a.do(http.MethodPut, "/api/friends/requests/"+itoa(resp.Request.ID), y.Token, map[string]string{"status": "accepted"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func itoa(v int64) string { return strconv.FormatInt(v, 10) }
