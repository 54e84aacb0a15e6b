package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"advancechat-sync/internal/auth"
	"advancechat-sync/internal/handler"
	"advancechat-sync/internal/middleware"
	"advancechat-sync/internal/socketio"
	"advancechat-sync/internal/store"
)

type Deps struct {
	Store       *store.Store
	TokenConfig auth.TokenConfig
	Logger      *zap.Logger
	// Sockets is created from the other deps when nil.
	Sockets *socketio.Server
	Version string
}

func NewRouter(deps Deps) *gin.Engine {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sockets := deps.Sockets
	if sockets == nil {
		sockets = socketio.NewServer(socketio.Deps{Store: deps.Store, TokenConfig: deps.TokenConfig, Logger: logger})
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(logger))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	r.GET("/socket.io/", gin.WrapH(sockets))

	api := r.Group("/api")
	versionHandler := &handler.VersionHandler{Version: deps.Version}
	api.GET("/version", versionHandler.Check)

	tokenLimiter := middleware.NewRateLimiter(10, time.Minute)
	authHandler := &handler.AuthHandler{Store: deps.Store, TokenConfig: deps.TokenConfig}
	api.POST("/auth/token", middleware.RateLimit(tokenLimiter), authHandler.Token)

	protected := api.Group("")
	protected.Use(middleware.RequireAuth(deps.TokenConfig))
	protected.Use(middleware.RateLimit(middleware.NewRateLimiter(600, time.Minute)))

	convHandler := &handler.ConversationHandler{Store: deps.Store, Events: sockets}
	protected.GET("/conversations", convHandler.List)
	protected.POST("/conversations", convHandler.Create)
	protected.GET("/conversations/:id", convHandler.Get)
	protected.PUT("/conversations/:id", convHandler.Update)
	protected.DELETE("/conversations/:id", convHandler.Delete)
	protected.PUT("/conversations/:id/read", convHandler.MarkRead)

	msgHandler := &handler.MessageHandler{Store: deps.Store, Events: sockets}
	protected.GET("/conversations/:id/messages", msgHandler.List)
	protected.POST("/conversations/:id/messages", msgHandler.Send)
	protected.PUT("/messages/:id", msgHandler.Update)
	protected.DELETE("/messages/:id", msgHandler.Delete)
	protected.POST("/messages/:id/reactions", msgHandler.React)
	protected.DELETE("/messages/:id/reactions/:reaction", msgHandler.Unreact)

	userHandler := &handler.UserHandler{Store: deps.Store}
	protected.GET("/users/profile", userHandler.Profile)
	protected.GET("/users/search", userHandler.Search)
	protected.GET("/users/:id", userHandler.Get)

	return r
}
