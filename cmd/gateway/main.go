package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pleep/voicegate/internal/banner"
	"github.com/pleep/voicegate/internal/gateway/app"
	"github.com/pleep/voicegate/internal/gateway/config"
	"github.com/pleep/voicegate/internal/logger"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	logger.InitLogger(os.Stdout)
	logger.SetLevel(cfg.LogLevel)

	gateway, err := app.New(cfg)
	if err != nil {
		slog.Error("Failed to create gateway", "error", err)
		os.Exit(1)
	}
	defer gateway.Close()

	run(gateway, cfg)
}

func run(gateway *app.Gateway, cfg *config.Config) {
	banner.Print("Voicegate Gateway", []banner.ConfigLine{
		{Label: "Stasis App", Value: cfg.App},
		{Label: "ARI", Value: cfg.ARIURL},
		{Label: "HTTP API", Value: cfg.APIAddr},
		{Label: "AudioSocket Host", Value: cfg.AudioSocketHost},
		{Label: "Relay WS", Value: cfg.RelayWSURL},
		{Label: "Agent WS", Value: cfg.AgentWSURL},
		{Label: "Log Level", Value: cfg.LogLevel},
	})

	slog.Info("Starting Voicegate",
		"app", cfg.App,
		"ari", cfg.ARIURL,
		"api", cfg.APIAddr,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := gateway.Start(ctx); err != nil {
		slog.Error("Failed to start gateway", "error", err)
		os.Exit(1)
	}

	// Wait for signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	slog.Info("Received signal, shutting down", "signal", sig)
	cancel()

	time.Sleep(1 * time.Second)
}
