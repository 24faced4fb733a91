package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/servify/chat-service/internal/auth"
	"github.com/servify/chat-service/internal/broker"
	"github.com/servify/chat-service/internal/config"
	"github.com/servify/chat-service/internal/handler"
	"github.com/servify/chat-service/pkg/log"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log.Init(cfg.Log)
	l := log.L()
	l.Info().Str("host", cfg.Server.Host).Int("port", cfg.Server.Port).Msg("starting chat service")

	// Start the broker loop
	b := broker.New()
	go b.Run()
	defer b.Stop()

	// Credential verification at upgrade time
	verifier := auth.NewVerifier(cfg.Auth.JWTSecret)

	// Wire HTTP routes
	wsHandler := handler.NewWSHandler(b, verifier, cfg.WebSocket)

	router := mux.NewRouter()
	router.Use(log.HTTPMiddleware(l))
	wsHandler.RegisterRoutes(router)

	server := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		l.Info().Str("addr", server.Addr).Msg("chat service listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			l.Fatal().Err(err).Msg("server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	l.Info().Msg("shutting down chat service")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		l.Error().Err(err).Msg("server forced to shutdown")
	}

	l.Info().Msg("chat service stopped")
}
