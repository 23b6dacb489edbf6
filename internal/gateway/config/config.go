package config

import (
	"flag"
	"os"
	"strings"
	"time"
)

// Config holds the gateway configuration
type Config struct {
	ARIURL      string
	ARIUser     string
	ARIPassword string
	App         string // Stasis application name

	AudioSocketHost string // host:port the PBX streams external media to
	RelayWSURL      string // relay websocket endpoint for media links
	AgentWSURL      string // conversational AI websocket endpoint

	DefaultAgentID string
	ResolverURL    string
	WebhookURL     string

	// TrunkNumbers maps trunk names to their provisioned numbers,
	// e.g. "kcell_9=77270000000,beeline=77280000000".
	TrunkNumbers map[string]string

	APIAddr           string
	OriginateCallerID string
	OriginateTimeout  time.Duration

	JitterBuffer bool
	JitterTarget time.Duration

	SuppressTranscripts bool

	LogLevel string
}

// Load loads configuration from command line flags and environment variables
func Load() *Config {
	cfg := &Config{
		OriginateTimeout: 30 * time.Second,
		JitterTarget:     200 * time.Millisecond,
	}

	var trunks string
	flag.StringVar(&cfg.ARIURL, "ari-url", "http://127.0.0.1:8088/ari", "ARI base URL")
	flag.StringVar(&cfg.ARIUser, "ari-user", "asterisk", "ARI username")
	flag.StringVar(&cfg.ARIPassword, "ari-password", "", "ARI password")
	flag.StringVar(&cfg.App, "app", "externalMedia", "Stasis application name")
	flag.StringVar(&cfg.AudioSocketHost, "audiosocket-host", "127.0.0.1:9999", "AudioSocket host:port for external media")
	flag.StringVar(&cfg.RelayWSURL, "relay-ws", "ws://127.0.0.1:8081", "Relay websocket URL")
	flag.StringVar(&cfg.AgentWSURL, "agent-ws", "wss://api.elevenlabs.io/v1/convai/conversation", "Conversational AI websocket URL")
	flag.StringVar(&cfg.DefaultAgentID, "default-agent", "", "Fallback agent id when resolution fails (empty: hang up)")
	flag.StringVar(&cfg.ResolverURL, "resolver-url", "", "Agent resolver endpoint")
	flag.StringVar(&cfg.WebhookURL, "webhook-url", "", "Disconnect webhook endpoint")
	flag.StringVar(&trunks, "trunks", "", "Trunk number map, e.g. kcell_9=77270000000,beeline=77280000000")
	flag.StringVar(&cfg.APIAddr, "api-addr", "0.0.0.0:8080", "HTTP API listen address")
	flag.StringVar(&cfg.OriginateCallerID, "caller-id", "Voicegate", "Caller id for originated calls")
	flag.BoolVar(&cfg.JitterBuffer, "jitter-buffer", false, "Smooth caller audio through a jitter buffer")
	flag.BoolVar(&cfg.SuppressTranscripts, "suppress-transcripts", false, "Keep conversation transcripts out of the logs")
	flag.StringVar(&cfg.LogLevel, "loglevel", "debug", "Log level (debug, info, warn, error)")

	flag.Parse()

	// Environment overrides
	if v := os.Getenv("ARI_URL"); v != "" {
		cfg.ARIURL = v
	}
	if v := os.Getenv("ARI_USER"); v != "" {
		cfg.ARIUser = v
	}
	if v := os.Getenv("ARI_PASSWORD"); v != "" {
		cfg.ARIPassword = v
	}
	if v := os.Getenv("APP_NAME"); v != "" {
		cfg.App = v
	}
	if v := os.Getenv("AUDIO_SOCKET_HOST"); v != "" {
		cfg.AudioSocketHost = v
	}
	if v := os.Getenv("RELAY_WS_URL"); v != "" {
		cfg.RelayWSURL = v
	}
	if v := os.Getenv("AGENT_WS_URL"); v != "" {
		cfg.AgentWSURL = v
	}
	if v := os.Getenv("DEFAULT_AGENT_ID"); v != "" {
		cfg.DefaultAgentID = v
	}
	if v := os.Getenv("AGENT_RESOLVER_URL"); v != "" {
		cfg.ResolverURL = v
	}
	if v := os.Getenv("DISCONNECT_WEBHOOK_URL"); v != "" {
		cfg.WebhookURL = v
	}
	if v := os.Getenv("TRUNK_NUMBERS"); v != "" {
		trunks = v
	}
	if v := os.Getenv("API_ADDR"); v != "" {
		cfg.APIAddr = v
	}
	if v := os.Getenv("ORIGINATE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.OriginateTimeout = d
		}
	}
	if v := os.Getenv("JITTER_BUFFER"); v != "" {
		cfg.JitterBuffer = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("SUPPRESS_TRANSCRIPTS"); v != "" {
		cfg.SuppressTranscripts = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("LOGLEVEL"); v != "" {
		cfg.LogLevel = v
	}

	cfg.TrunkNumbers = parseTrunks(trunks)
	return cfg
}

func parseTrunks(raw string) map[string]string {
	trunks := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, number, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		trunks[strings.TrimSpace(name)] = strings.TrimSpace(number)
	}
	return trunks
}
