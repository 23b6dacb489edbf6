package config

import (
	"flag"
	"os"
	"strconv"
	"time"
)

// Config holds the audio relay configuration
type Config struct {
	BindAddr        string
	AudioSocketPort int // TCP port the PBX streams external media to
	WebsocketPort   int // port the gateway's media links connect to
	ReconnectGrace  time.Duration
	SweepInterval   time.Duration
	IdleCeiling     time.Duration
	LogLevel        string
}

// Load loads configuration from command line flags and environment variables
func Load() *Config {
	cfg := &Config{
		ReconnectGrace: 30 * time.Second,
		SweepInterval:  10 * time.Second,
		IdleCeiling:    2 * time.Minute,
	}

	flag.StringVar(&cfg.BindAddr, "bind", "0.0.0.0", "Bind address")
	flag.IntVar(&cfg.AudioSocketPort, "audiosocket-port", 9999, "AudioSocket TCP port")
	flag.IntVar(&cfg.WebsocketPort, "ws-port", 8081, "Websocket port")
	flag.StringVar(&cfg.LogLevel, "loglevel", "debug", "Log level (debug, info, warn, error)")

	flag.Parse()

	// Environment overrides
	if v := os.Getenv("BIND"); v != "" {
		cfg.BindAddr = v
	}
	if v := os.Getenv("AUDIO_SOCKET_PORT"); v != "" {
		cfg.AudioSocketPort, _ = strconv.Atoi(v)
	}
	if v := os.Getenv("WEB_SOCKET_PORT"); v != "" {
		cfg.WebsocketPort, _ = strconv.Atoi(v)
	}
	if v := os.Getenv("RECONNECT_GRACE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ReconnectGrace = d
		}
	}
	if v := os.Getenv("IDLE_CEILING"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.IdleCeiling = d
		}
	}
	if v := os.Getenv("LOGLEVEL"); v != "" {
		cfg.LogLevel = v
	}

	return cfg
}
