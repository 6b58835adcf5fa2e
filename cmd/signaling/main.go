package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/mossy-p/meshcall/config"
	"github.com/mossy-p/meshcall/internal/handlers"
	"github.com/mossy-p/meshcall/internal/logging"
	"github.com/mossy-p/meshcall/internal/redis"
)

func main() {
	// Load configuration
	cfg := config.Load()
	log := logging.New(cfg.LogFormat, cfg.LogLevel).WithName("signaling")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Connect to Redis
	client, err := redis.Connect(ctx, cfg.Redis)
	if err != nil {
		log.Error(err, "Failed to connect to Redis")
		os.Exit(1)
	}
	defer client.Close()

	log.Info("Redis connection established")

	// Setup Gin router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()

	// Global CORS middleware (runs before routing, covers websocket upgrades)
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	handlers.New(client, cfg, log).Register(router)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error(err, "Server shutdown failed")
		}
	}()

	// Start server
	log.Info("Starting meshcall relay server", "port", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error(err, "Failed to start server")
		os.Exit(1)
	}
}
