// Package app wires every subsystem into one HTTP handler. main and the
// integration harness both build the server through New.
package app

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	apirest "github.com/kasuganosora/dmchat/api/rest"
	"github.com/kasuganosora/dmchat/api/sse"
	apows "github.com/kasuganosora/dmchat/api/ws"
	"github.com/kasuganosora/dmchat/audit"
	"github.com/kasuganosora/dmchat/auth"
	"github.com/kasuganosora/dmchat/cache"
	"github.com/kasuganosora/dmchat/chat"
	"github.com/kasuganosora/dmchat/config"
	"github.com/kasuganosora/dmchat/directory"
	"github.com/kasuganosora/dmchat/events"
	"github.com/kasuganosora/dmchat/message"
	"github.com/kasuganosora/dmchat/metrics"
	mw "github.com/kasuganosora/dmchat/middleware"
	"github.com/kasuganosora/dmchat/plugin/hook"
	"github.com/kasuganosora/dmchat/scheduler"
	"github.com/kasuganosora/dmchat/session"
	"github.com/kasuganosora/dmchat/social"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// Deps are the infrastructure pieces the caller owns.
type Deps struct {
	Config *config.Config
	DB     *gorm.DB
	Cache  cache.Cache
	PubSub cache.PubSub
	// Events overrides the publisher built from Config.Events.
	Events events.Publisher
	Logger *zap.Logger
}

// App is a fully wired server.
type App struct {
	Registry *session.Registry
	Presence *session.Presence
	Graph    *social.Graph
	Store    *message.Store
	Chat     *chat.Service
	Hooks    *hook.HookCenter
	Metrics  *metrics.Metrics
	SSE      *sse.Handler
	Sched    *scheduler.Scheduler

	handler http.Handler
	audit   *audit.Service
	events  events.Publisher
	cancel  context.CancelFunc
	logger  *zap.Logger
}

// New builds the server. Background workers start immediately and stop in
// Shutdown.
func New(d Deps) *App {
	cfg, logger := d.Config, d.Logger
	ctx, cancel := context.WithCancel(context.Background())

	a := &App{
		Registry: session.NewRegistry(logger),
		Presence: session.NewPresence(d.Cache, logger),
		Graph:    social.NewGraph(d.DB, logger),
		Store:    message.NewStore(d.DB, cfg.Chat.HistoryPageLimit),
		Hooks:    hook.NewHookCenter(logger),
		Metrics:  metrics.New(),
		Sched:    scheduler.New(logger),
		audit:    audit.New(d.DB, logger),
		cancel:   cancel,
		logger:   logger,
	}
	a.Metrics.WatchOnline(a.Registry.Count)

	a.events = d.Events
	if a.events == nil {
		a.events = newPublisher(cfg.Events, d.PubSub, logger)
	}
	if len(cfg.Chat.BlockedWords) > 0 {
		a.Hooks.Register(hook.BeforeMessageSend, 0, "blocked_words", hook.BlockedWords(cfg.Chat.BlockedWords))
	}

	a.trackPresence()

	users := directory.New(d.DB)
	tokens := auth.NewTokenAuthenticator(d.Cache, cfg.Security)
	a.Chat = chat.NewService(chat.Deps{
		Store:     a.Store,
		Gate:      a.Graph,
		Directory: users,
		Pusher:    a.Registry,
		Cache:     d.Cache,
		Events:    a.events,
		Hooks:     a.Hooks,
		Metrics:   a.Metrics,
		Config:    cfg.Chat,
		Logger:    logger,
	})

	a.startTasks(cfg.Chat)

	wsRouter := apows.NewRouter(a.Metrics, logger)
	wsRouter.On(chat.FrameMessage, a.Chat.HandleSend)
	wsRouter.On(chat.FramePing, a.Chat.HandlePing)
	wsRouter.On(chat.FrameRead, a.Chat.HandleRead)
	wsH := apows.NewHandler(tokens, a.Registry, wsRouter, a.Hooks, a.Metrics, cfg.Security, cfg.Chat, logger)
	a.SSE = sse.NewHandler(d.PubSub, tokens, logger)

	authH := apirest.NewAuthHandler(d.DB, tokens, logger)
	friendsH := apirest.NewFriendsHandler(a.Graph, users, a.Registry, a.Hooks, a.audit, logger)
	msgH := apirest.NewMessagesHandler(a.Chat, a.Store, a.audit, logger)
	usersH := apirest.NewUsersHandler(users, a.Registry, a.Presence, logger)
	adminH := apirest.NewAdminHandler(d.DB, a.Registry, a.Presence, tokens, a.Metrics, a.Sched, a.audit, logger)

	r := gin.New()
	r.Use(mw.TraceID(), mw.Logger(logger, "/health", "/metrics"), mw.Recovery(logger))
	limit := mw.RateLimit(ctx, rate.Limit(cfg.Security.RateLimitRPS), cfg.Security.RateLimitBurst)

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "online": a.Registry.Count()})
	})
	r.GET("/metrics", gin.WrapH(a.Metrics.Handler()))

	api := r.Group("/api")
	{
		api.POST("/auth/login", limit, authH.Login)

		authed := api.Group("", mw.Auth(tokens), limit)
		authed.POST("/auth/logout", authH.Logout)
		authed.POST("/auth/refresh", authH.Refresh)

		authed.GET("/friends", friendsH.List)
		authed.GET("/friends/requests", friendsH.Requests)
		authed.POST("/friends/request", friendsH.SendRequest)
		authed.PUT("/friends/requests/:id", friendsH.Respond)
		authed.DELETE("/friends/:id", friendsH.Remove)
		authed.POST("/block/:id", friendsH.Block)

		authed.POST("/messages", msgH.Send)
		authed.GET("/messages/with/:id", msgH.Conversation)
		authed.GET("/messages/unread", msgH.Unread)
		authed.PUT("/messages/:id/read", msgH.MarkRead)

		authed.GET("/users/:id", usersH.Get)

		adminG := api.Group("/admin", mw.IPWhitelist(cfg.Security.AdminIPs), apirest.AdminAuth(cfg.Server.AdminKey))
		adminG.GET("/metrics", adminH.Metrics)
		adminG.GET("/online", adminH.ListOnline)
		adminG.POST("/kick/:id", adminH.Kick)
		adminG.POST("/accounts/:id/ban", adminH.BanAccount)
		adminG.GET("/scheduler", adminH.ListSchedulerTasks)
		adminG.POST("/announce", func(c *gin.Context) {
			var body struct {
				Text string `json:"text" binding:"required"`
			}
			if err := c.ShouldBindJSON(&body); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
				return
			}
			if err := a.SSE.Announce(c.Request.Context(), body.Text); err != nil {
				logger.Error("announce failed", zap.Error(err))
				c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
				return
			}
			c.JSON(http.StatusOK, gin.H{"ok": true})
		})
	}

	r.GET("/ws", wsH.ServeWS)
	r.GET("/sse", a.SSE.ServeSSE)

	a.handler = otelhttp.NewHandler(r, "dmchat",
		otelhttp.WithFilter(func(req *http.Request) bool {
			return req.URL.Path != "/health" && req.URL.Path != "/metrics"
		}))
	return a
}

func newPublisher(cfg config.EventsConfig, ps cache.PubSub, logger *zap.Logger) events.Publisher {
	pubs := events.Multi{events.NewPubSub(ps)}
	if len(cfg.KafkaBrokers) > 0 {
		pubs = append(pubs, events.NewKafka(cfg.KafkaBrokers, cfg.KafkaTopic))
		logger.Info("kafka event sink enabled",
			zap.Strings("brokers", cfg.KafkaBrokers),
			zap.String("topic", cfg.KafkaTopic))
	}
	return pubs
}

// trackPresence keeps the shared online set in step with this node's
// registry. A disconnect only clears the user when no newer connection
// took its place here.
func (a *App) trackPresence() {
	a.Hooks.Register(hook.OnConnect, 0, "presence", func(ctx context.Context, _ string, d interface{}) (interface{}, error) {
		if ev, ok := d.(*hook.PresenceEvent); ok {
			return d, a.Presence.MarkOnline(ctx, ev.UserID)
		}
		return d, nil
	})
	a.Hooks.Register(hook.OnDisconnect, 0, "presence", func(ctx context.Context, _ string, d interface{}) (interface{}, error) {
		if ev, ok := d.(*hook.PresenceEvent); ok && !a.Registry.IsOnline(ev.UserID) {
			return d, a.Presence.MarkOffline(ctx, ev.UserID)
		}
		return d, nil
	})
}

func (a *App) startTasks(cfg config.ChatConfig) {
	sweep := cfg.SweepInterval
	if sweep <= 0 {
		sweep = time.Minute
	}
	a.Sched.AddTicker("registry_sweep", sweep, func(ctx context.Context) error {
		a.Registry.Sweep()
		// Re-assert local users in case a late disconnect from a displaced
		// connection cleared one of them.
		for _, h := range a.Registry.All() {
			if err := a.Presence.MarkOnline(ctx, h.UserID()); err != nil {
				return err
			}
		}
		return nil
	})
	a.Sched.AddTicker("online_stats", 5*time.Minute, func(context.Context) error {
		a.logger.Info("online users", zap.Int("count", a.Registry.Count()))
		return nil
	})
}

// Handler returns the root HTTP handler, wrapped for tracing.
func (a *App) Handler() http.Handler { return a.handler }

// Shutdown closes live connections with 1001, then stops the background
// workers and flushes the audit and event sinks.
func (a *App) Shutdown(ctx context.Context) error {
	a.Registry.CloseAll(ctx, websocket.CloseGoingAway, "server shutting down")
	a.Sched.Stop()
	a.cancel()
	a.audit.Stop(ctx)
	return a.events.Close()
}
