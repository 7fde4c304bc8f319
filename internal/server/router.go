package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/afar1/ryos/internal/config"
	"github.com/afar1/ryos/internal/metrics"
	"github.com/afar1/ryos/internal/mw"
	"github.com/afar1/ryos/internal/room"
	"github.com/afar1/ryos/internal/token"
	"github.com/afar1/ryos/internal/ws"
)

// SetupRouter wires gin middleware, the REST API, and the websocket endpoint.
func SetupRouter(cfg config.Config, h *Handler, hub *ws.Hub, tokens *token.Manager, rooms *room.Registry) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env))
	// Per-IP ceiling so one noisy client cannot starve the rest.
	r.Use(mw.RateLimit(rate.Every(time.Second/20), 40))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/ws", ws.Serve(hub, tokens, rooms))

	api := r.Group("/api/v1")

	// Reads carry an optional identity; it only widens what they can see.
	public := api.Group("", h.OptionalAuth())
	public.GET("/rooms", h.ListRooms)
	public.GET("/rooms/:id", h.GetRoom)
	public.GET("/rooms/:id/messages", h.GetMessages)
	public.GET("/rooms/:id/users", h.GetRoomUsers)
	public.GET("/messages", h.GetBulkMessages)
	public.GET("/users/search", h.SearchUsers)

	// Body-identity writes: the username travels in the payload, and must
	// match the credentials whenever credentials are supplied.
	public.POST("/rooms/:id/join", h.JoinRoom)
	public.POST("/rooms/:id/leave", h.LeaveRoom)
	public.POST("/rooms/:id/switch", h.SwitchRoom)
	public.POST("/rooms/:id/messages", h.SendMessage)

	api.POST("/users", h.CreateUser)
	api.POST("/auth/password", h.AuthenticateWithPassword)
	api.POST("/auth/refresh", h.RefreshToken)

	authed := api.Group("", h.RequireAuth())
	authed.POST("/rooms", h.CreateRoom)
	authed.DELETE("/rooms/:id", h.DeleteRoom)
	authed.DELETE("/rooms/:id/messages/:messageId", h.DeleteMessage)
	authed.POST("/auth/token", h.GenerateToken)
	authed.PUT("/auth/password", h.SetPassword)
	authed.GET("/auth/tokens", h.ListTokens)
	authed.POST("/auth/logout", h.LogoutCurrent)
	authed.POST("/auth/logout-all", h.LogoutAllDevices)

	return r
}
