package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"gemini-chat-backend/internal/config"
	"gemini-chat-backend/internal/database"
	"gemini-chat-backend/internal/handlers"
	"gemini-chat-backend/internal/logging"
	"gemini-chat-backend/internal/middleware"
	"gemini-chat-backend/internal/repository"
	"gemini-chat-backend/internal/router"
	"gemini-chat-backend/internal/services"
	"gemini-chat-backend/internal/websocket"
)

func main() {
	// ──── Step 1: Load Environment Variables ────
	cfg := config.Load()
	logging.Setup(cfg.LogLevel, cfg.Env)
	log.Info().Str("env", cfg.Env).Msg("✓ Environment variables loaded")

	// ──── Step 2: Initialize History Store ────
	historyRepo, err := repository.NewHistoryRepo(cfg.HistoryDir, cfg.HistoryMaxAge)
	if err != nil {
		log.Fatal().Err(err).Msg("✗ History store initialization failed")
	}
	log.Info().Str("dir", cfg.HistoryDir).Dur("max_age", cfg.HistoryMaxAge).Msg("✓ History store ready")

	// ──── Step 3: Initialize Gemini Client ────
	geminiService, err := services.NewGeminiService(cfg.GeminiAPIKey, cfg.GeminiModel, cfg.GeminiConcurrentReqs)
	if err != nil {
		log.Fatal().Err(err).Msg("✗ Gemini client initialization failed")
	}
	defer geminiService.Close()
	log.Info().Str("model", cfg.GeminiModel).Msg("✓ Gemini client initialized")

	// ──── Step 4: Optional Redis fan-out ────
	var publisher services.FragmentPublisher = services.NopPublisher{}
	var wsHub *websocket.Hub
	if cfg.RedisURL != "" {
		redisClients, err := database.NewRedisClients(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("✗ Redis connection failed")
		}
		defer redisClients.Close()

		publisher = services.NewRedisPublisher(redisClients.Publisher)
		wsHub = websocket.NewHub(redisClients.PubSub)
		defer wsHub.Close()
		log.Info().Msg("✓ Redis connected, live streaming enabled")
	}

	conversationService := services.NewConversationService(historyRepo, geminiService, publisher)
	geminiHandler := handlers.NewGeminiHandler(conversationService)

	// ──── Step 5: Start History Sweeper ────
	sweeper := services.NewHistorySweeper(historyRepo, cfg.HistoryMaxAge)
	sweeper.Start()

	// ──── Step 6: Start HTTP Server ────
	limiter := middleware.NewRateLimiter(cfg.RateLimitPerMin, time.Minute)
	r := router.New(geminiHandler, limiter, wsHub, cfg.AllowedOrigin)

	// No WriteTimeout: a generate call waits for the full model stream.
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("Shutting down...")
		sweeper.Stop()
		limiter.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
		}
	}()

	log.Info().Str("addr", server.Addr).Msgf("✓ Gemini chat backend ready on http://localhost:%s/gemini", cfg.Port)

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("Server error")
	}
}
