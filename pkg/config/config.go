// Package config loads runtime configuration from the environment and the
// optional transcript-filter YAML file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the umbrella configuration for the vexa process.
type Config struct {
	// HTTPPort is the port the API server listens on.
	HTTPPort string

	// AdminAPIToken guards the /admin surface. Empty disables admin access.
	AdminAPIToken string

	// RedisURL is the bus endpoint (redis://...).
	RedisURL string

	Bot      BotConfig
	Consumer ConsumerConfig
	Promoter PromoterConfig
	Filter   *FilterConfig
}

// BotConfig controls bot container launches.
type BotConfig struct {
	// Image is the bot container image.
	Image string

	// Network is the container network bots are attached to.
	Network string

	// DockerHost overrides the engine endpoint; empty uses environment
	// defaults (DOCKER_HOST or the local socket).
	DockerHost string

	// WhisperLiveURL is passed through to bots as their ASR endpoint.
	WhisperLiveURL string

	// CallbackURL is the exit-callback URL bots report to.
	CallbackURL string

	// ConnectRetries and ConnectRetryDelay govern engine connection setup.
	ConnectRetries    int
	ConnectRetryDelay time.Duration

	// StopDelay is how long a stop request waits before force-stopping the
	// container, giving the bot time to leave cleanly.
	StopDelay time.Duration

	// FailedExitStopDelay is the safety-net stop delay after a non-zero
	// exit callback.
	FailedExitStopDelay time.Duration

	// Automatic-leave budgets handed to the bot, in milliseconds.
	WaitingRoomTimeoutMS  int
	NoOneJoinedTimeoutMS  int
	EveryoneLeftTimeoutMS int
}

// ConsumerConfig controls the stream consumer loops.
type ConsumerConfig struct {
	// Group is the consumer group on the transcription stream.
	Group string

	// SpeakerGroup is the consumer group on the speaker-event stream.
	SpeakerGroup string

	// Name identifies this consumer within the groups.
	Name string

	// ReadCount is the max entries fetched per blocking read.
	ReadCount int64

	// Block is the blocking-read timeout; it bounds shutdown latency.
	Block time.Duration

	// PendingTimeout is the idle threshold after which another consumer's
	// pending entries are reclaimed.
	PendingTimeout time.Duration
}

// PromoterConfig controls the segment promoter loop.
type PromoterConfig struct {
	// Interval between promoter passes.
	Interval time.Duration

	// ImmutabilityThreshold is how long a segment must go unrevised before
	// it is considered settled and safe to persist.
	ImmutabilityThreshold time.Duration

	// SegmentTTL is the expiry refreshed on segment hashes.
	SegmentTTL time.Duration

	// SpeakerEventTTL is the expiry refreshed on speaker-event sets.
	SpeakerEventTTL time.Duration
}

// Load reads configuration from the environment, applying defaults, and
// loads the filter YAML when FILTER_CONFIG_PATH points at one.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPPort:      getEnvOrDefault("HTTP_PORT", "8080"),
		AdminAPIToken: os.Getenv("ADMIN_API_TOKEN"),
		RedisURL:      getEnvOrDefault("REDIS_URL", "redis://localhost:6379/0"),
		Bot: BotConfig{
			Image:                 getEnvOrDefault("BOT_IMAGE_NAME", "vexa-bot:latest"),
			Network:               getEnvOrDefault("DOCKER_NETWORK", "vexa_default"),
			DockerHost:            os.Getenv("DOCKER_HOST"),
			WhisperLiveURL:        getEnvOrDefault("WHISPER_LIVE_URL", "ws://whisperlive.internal/ws"),
			CallbackURL:           getEnvOrDefault("BOT_CALLBACK_URL", "http://bot-manager:8080/bots/internal/callback/exited"),
			ConnectRetries:        getEnvInt("DOCKER_CONNECT_RETRIES", 3),
			ConnectRetryDelay:     getEnvDuration("DOCKER_CONNECT_RETRY_DELAY", 2*time.Second),
			StopDelay:             getEnvDuration("BOT_STOP_DELAY", 30*time.Second),
			FailedExitStopDelay:   getEnvDuration("BOT_FAILED_EXIT_STOP_DELAY", 10*time.Second),
			WaitingRoomTimeoutMS:  getEnvInt("BOT_WAITING_ROOM_TIMEOUT_MS", 300000),
			NoOneJoinedTimeoutMS:  getEnvInt("BOT_NO_ONE_JOINED_TIMEOUT_MS", 120000),
			EveryoneLeftTimeoutMS: getEnvInt("BOT_EVERYONE_LEFT_TIMEOUT_MS", 60000),
		},
		Consumer: ConsumerConfig{
			Group:          getEnvOrDefault("REDIS_CONSUMER_GROUP", "collector_group"),
			SpeakerGroup:   getEnvOrDefault("REDIS_SPEAKER_CONSUMER_GROUP", "speaker_group"),
			Name:           getEnvOrDefault("POD_NAME", "collector-main"),
			ReadCount:      int64(getEnvInt("REDIS_STREAM_READ_COUNT", 10)),
			Block:          getEnvDuration("REDIS_STREAM_BLOCK", 2*time.Second),
			PendingTimeout: getEnvDuration("PENDING_MSG_TIMEOUT", time.Minute),
		},
		Promoter: PromoterConfig{
			Interval:              getEnvDuration("BACKGROUND_TASK_INTERVAL", 10*time.Second),
			ImmutabilityThreshold: getEnvDuration("IMMUTABILITY_THRESHOLD", 30*time.Second),
			SegmentTTL:            getEnvDuration("REDIS_SEGMENT_TTL", time.Hour),
			SpeakerEventTTL:       getEnvDuration("REDIS_SPEAKER_EVENT_TTL", time.Hour),
		},
	}

	filter, err := LoadFilterConfig(os.Getenv("FILTER_CONFIG_PATH"))
	if err != nil {
		return nil, fmt.Errorf("failed to load filter config: %w", err)
	}
	cfg.Filter = filter

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants across the loaded configuration.
func (c *Config) Validate() error {
	if c.Consumer.ReadCount < 1 {
		return fmt.Errorf("REDIS_STREAM_READ_COUNT must be at least 1")
	}
	if c.Consumer.Block <= 0 {
		return fmt.Errorf("REDIS_STREAM_BLOCK must be positive")
	}
	if c.Promoter.Interval <= 0 {
		return fmt.Errorf("BACKGROUND_TASK_INTERVAL must be positive")
	}
	if c.Promoter.ImmutabilityThreshold <= 0 {
		return fmt.Errorf("IMMUTABILITY_THRESHOLD must be positive")
	}
	if c.Bot.Image == "" {
		return fmt.Errorf("BOT_IMAGE_NAME must not be empty")
	}
	return nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
