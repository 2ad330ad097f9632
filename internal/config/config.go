package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port                int
	ClassifierURL       string
	ClassifierModel     string
	ClassifierTimeout   time.Duration
	Interactive         bool
	MaxQuestions        int
	HypothesisCount     int
	NatsURL             string
	DatabaseURL         string
	BatchFlushInterval  time.Duration
	BatchFlushThreshold int
	BufferMaxSize       int
	SessionTTL          time.Duration
	LogLevel            string
	SlackBotToken       string
	SlackAlertChannel   string
}

func Load() Config {
	return Config{
		Port:                envInt("HSSTREAM_PORT", 8710),
		ClassifierURL:       envStr("CLASSIFIER_URL", "https://hscode-eight.vercel.app"),
		ClassifierModel:     envStr("CLASSIFIER_MODEL", "vertex"),
		ClassifierTimeout:   envDuration("CLASSIFIER_TIMEOUT_MS", 0),
		Interactive:         envBool("INTERACTIVE", true),
		MaxQuestions:        envInt("MAX_QUESTIONS", 3),
		HypothesisCount:     envInt("HYPOTHESIS_COUNT", 3),
		NatsURL:             envStr("NATS_URL", ""),
		DatabaseURL:         envStr("DATABASE_URL", ""),
		BatchFlushInterval:  envDuration("BATCH_FLUSH_INTERVAL_MS", 2000),
		BatchFlushThreshold: envInt("BATCH_FLUSH_THRESHOLD", 100),
		BufferMaxSize:       envInt("BUFFER_MAX_SIZE", 10000),
		SessionTTL:          envDuration("SESSION_TTL_MS", 3600000),
		LogLevel:            envStr("LOG_LEVEL", "info"),
		SlackBotToken:       envStr("SLACK_BOT_TOKEN", ""),
		SlackAlertChannel:   envStr("SLACK_ALERT_CHANNEL", ""),
	}
}

// LoadDotEnv reads KEY=value pairs from path into the environment without
// overriding variables that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// envDuration reads a millisecond count.
func envDuration(key string, fallbackMS int) time.Duration {
	return time.Duration(envInt(key, fallbackMS)) * time.Millisecond
}
