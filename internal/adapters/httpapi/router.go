// Package httpapi is the REST surface: room and user queries, uploads,
// the admin cleanup endpoints, and the websocket entry point.
package httpapi

import (
	"context"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/boardsync/boardsync/internal/adapters/ws"
	"github.com/boardsync/boardsync/internal/config"
)

// ClientTokenMiddleware tags every client with a stable cookie token,
// used as the creator id for rooms and uploads.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = uuid.NewString()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, h *Handlers, wsCtl *ws.Controller) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	r.Use(corsMiddleware())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("BoardSyncSessions", store))
	r.Use(ClientTokenMiddleware())

	r.GET("/health", h.Health)

	api := r.Group("/api")

	api.GET("/rooms", h.ListRooms)
	api.POST("/rooms", h.CreateRoom)
	api.GET("/rooms/:roomId/users", h.RoomUsers)
	api.GET("/rooms/:roomId/messages", h.RoomMessages)

	api.GET("/users/global", h.GlobalUsers)
	api.GET("/users/check", h.CheckUsername)
	api.POST("/users/check", h.CheckUsername)

	api.POST("/upload", h.Upload)
	api.GET("/files/sign", h.SignFile)

	cleanup := api.Group("/cleanup")
	cleanup.GET("/status", h.CleanupStatus)
	cleanup.POST("/trigger", h.CleanupTrigger)
	cleanup.POST("/comprehensive", h.CleanupComprehensive)
	cleanup.POST("/auto-users", h.CleanupAutoUsers)
	cleanup.POST("/force-stuck-users", h.CleanupStuckUsers)
	cleanup.POST("/orphaned-files", h.CleanupOrphanedFiles)
	cleanup.POST("/room/:roomId", h.CleanupRoom)

	api.GET("/ws/:roomId", func(c *gin.Context) {
		wsCtl.Handle(ctx, c)
	})

	log.Info().Str("module", "adapters.httpapi").Msg("router setup")
	return r
}
