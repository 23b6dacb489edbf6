package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pleep/voicegate/internal/banner"
	"github.com/pleep/voicegate/internal/logger"
	"github.com/pleep/voicegate/internal/relay"
	"github.com/pleep/voicegate/internal/relay/config"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	logger.InitLogger(os.Stdout)
	logger.SetLevel(cfg.LogLevel)

	server := relay.NewServer(relay.Config{
		BindAddr:        cfg.BindAddr,
		AudioSocketPort: cfg.AudioSocketPort,
		WebsocketPort:   cfg.WebsocketPort,
		ReconnectGrace:  cfg.ReconnectGrace,
		SweepInterval:   cfg.SweepInterval,
		IdleCeiling:     cfg.IdleCeiling,
	})
	defer server.Close()

	banner.Print("Voicegate Relay", []banner.ConfigLine{
		{Label: "Bind Address", Value: cfg.BindAddr},
		{Label: "AudioSocket Port", Value: fmt.Sprintf("%d", cfg.AudioSocketPort)},
		{Label: "Websocket Port", Value: fmt.Sprintf("%d", cfg.WebsocketPort)},
		{Label: "Reconnect Grace", Value: cfg.ReconnectGrace.String()},
		{Label: "Idle Ceiling", Value: cfg.IdleCeiling.String()},
		{Label: "Log Level", Value: cfg.LogLevel},
	})

	slog.Info("Starting Voicegate Relay",
		"audiosocket", cfg.AudioSocketPort,
		"websocket", cfg.WebsocketPort,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := server.Start(ctx); err != nil {
		slog.Error("Failed to start relay", "error", err)
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
