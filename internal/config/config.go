package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr     string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	PostgresDSN string
	RedisAddr   string

	AgentRequestTimeout time.Duration
	AgentDestroyTimeout time.Duration

	ScriptBridgeURL     string
	ScriptBridgeToken   string
	ScriptBridgeTimeout time.Duration

	QueueSize    int
	QueueWorkers int
	DedupeTTL    time.Duration

	ServerSyncInterval    time.Duration
	SessionSyncInterval   time.Duration
	VideoTriggerInterval  time.Duration
	VideoDownloadInterval time.Duration
	AutoTriggerInterval   time.Duration
	CleanupSweepInterval  time.Duration
	VideoSettleDelay      time.Duration

	VideoDir     string
	VideoBaseURL string
}

func Load() Config {
	return Config{
		HTTPAddr:     envOrDefault("DRIFT_HTTP_ADDR", ":8080"),
		ReadTimeout:  durationOrDefault("DRIFT_READ_TIMEOUT", 15*time.Second),
		WriteTimeout: durationOrDefault("DRIFT_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:  durationOrDefault("DRIFT_IDLE_TIMEOUT", 60*time.Second),

		PostgresDSN: os.Getenv("DRIFT_POSTGRES_DSN"),
		RedisAddr:   os.Getenv("DRIFT_REDIS_ADDR"),

		AgentRequestTimeout: durationOrDefault("DRIFT_AGENT_REQUEST_TIMEOUT", 5*time.Second),
		AgentDestroyTimeout: durationOrDefault("DRIFT_AGENT_DESTROY_TIMEOUT", 60*time.Second),

		ScriptBridgeURL:     os.Getenv("DRIFT_SCRIPT_BRIDGE_URL"),
		ScriptBridgeToken:   os.Getenv("DRIFT_SCRIPT_BRIDGE_TOKEN"),
		ScriptBridgeTimeout: durationOrDefault("DRIFT_SCRIPT_BRIDGE_TIMEOUT", 30*time.Second),

		QueueSize:    intOrDefault("DRIFT_QUEUE_SIZE", 256),
		QueueWorkers: intOrDefault("DRIFT_QUEUE_WORKERS", 4),
		DedupeTTL:    durationOrDefault("DRIFT_DEDUPE_TTL", 10*time.Minute),

		ServerSyncInterval:    durationOrDefault("DRIFT_SERVER_SYNC_INTERVAL", 5*time.Second),
		SessionSyncInterval:   durationOrDefault("DRIFT_SESSION_SYNC_INTERVAL", 5*time.Second),
		VideoTriggerInterval:  durationOrDefault("DRIFT_VIDEO_TRIGGER_INTERVAL", 5*time.Minute),
		VideoDownloadInterval: durationOrDefault("DRIFT_VIDEO_DOWNLOAD_INTERVAL", 1*time.Minute),
		AutoTriggerInterval:   durationOrDefault("DRIFT_AUTO_TRIGGER_INTERVAL", 1*time.Minute),
		CleanupSweepInterval:  durationOrDefault("DRIFT_CLEANUP_SWEEP_INTERVAL", 1*time.Minute),
		VideoSettleDelay:      durationOrDefault("DRIFT_VIDEO_SETTLE_DELAY", 2*time.Minute),

		VideoDir:     videoDirOrDefault(os.Getenv("DRIFT_VIDEO_DIR")),
		VideoBaseURL: envOrDefault("DRIFT_VIDEO_BASE_URL", "/videos"),
	}
}

func videoDirOrDefault(value string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return filepath.Join(os.TempDir(), "drift-videos")
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func durationOrDefault(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func intOrDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
