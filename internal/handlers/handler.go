// Package handlers serves the relay server's HTTP surface: login, meeting
// management and the websocket bridge onto the Redis relay.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-logr/logr"
	"github.com/redis/go-redis/v9"

	"github.com/mossy-p/meshcall/config"
	"github.com/mossy-p/meshcall/internal/middleware"
	redisstore "github.com/mossy-p/meshcall/internal/redis"
)

// Handler holds what the meeting API and the websocket bridge share.
type Handler struct {
	client    *redis.Client
	meetings  *redisstore.MeetingStore
	jwtSecret string
	log       logr.Logger

	signalRate  float64
	signalBurst int64
	presenceTTL time.Duration
}

func New(client *redis.Client, cfg *config.Config, log logr.Logger) *Handler {
	return &Handler{
		client:      client,
		meetings:    redisstore.NewMeetingStore(client),
		jwtSecret:   cfg.JWTSecret,
		log:         log,
		signalRate:  cfg.Relay.SignalRateLimit,
		signalBurst: cfg.Relay.SignalRateBurst,
		presenceTTL: time.Duration(cfg.Relay.PresenceTTLSecs) * time.Second,
	}
}

// Register mounts the API and websocket routes on router.
func (h *Handler) Register(router *gin.Engine) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	apiGroup := router.Group("/api")
	{
		// Login endpoint (public)
		apiGroup.POST("/auth/login", Login(h.jwtSecret))

		apiGroup.POST("/meetings", middleware.JWTAuth(h.jwtSecret), h.CreateMeeting)

		// Meeting info by id or code (public)
		apiGroup.GET("/meetings/:meetingId", h.GetMeeting)

		// Host only
		apiGroup.DELETE("/meetings/:meetingId", middleware.JWTAuth(h.jwtSecret), h.DeleteMeeting)

		apiGroup.POST("/meetings/:meetingId/token", middleware.JWTAuth(h.jwtSecret), h.IssueJoinToken)
	}

	wsGroup := router.Group("/ws")
	{
		// Accepts a meeting code or id plus a participant token
		wsGroup.GET("/signal/:meetingId", h.HandleSignal)
	}
}
