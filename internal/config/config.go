package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"hsmpchat/internal/content"
)

type Config struct {
	Identity          string
	Token             string
	SocketURL         string
	APIURL            string
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	TypingDebounce    time.Duration
	TypingTimeout     time.Duration
	AckTimeout        time.Duration
	RequestTimeout    time.Duration
	CacheFile         string
	MetricsAddr       string
	LogLevel          slog.Level
}

func Load() (*Config, error) {
	cfg := &Config{
		Identity:    os.Getenv("CHAT_IDENTITY"),
		Token:       os.Getenv("CHAT_TOKEN"),
		SocketURL:   getEnv("CHAT_SOCKET_URL", "ws://localhost:5000/socket"),
		APIURL:      strings.TrimSuffix(getEnv("CHAT_API_URL", "http://localhost:5000/api"), "/"),
		CacheFile:   os.Getenv("CHAT_CACHE_DB"),
		MetricsAddr: os.Getenv("METRICS_ADDR"),
	}

	var err error
	if cfg.ReconnectAttempts, err = strconv.Atoi(getEnv("RECONNECT_ATTEMPTS", "5")); err != nil {
		return nil, fmt.Errorf("RECONNECT_ATTEMPTS: %w", err)
	}

	durations := []struct {
		key      string
		fallback string
		dst      *time.Duration
	}{
		{"RECONNECT_DELAY", "1s", &cfg.ReconnectDelay},
		{"TYPING_DEBOUNCE", "300ms", &cfg.TypingDebounce},
		{"TYPING_TIMEOUT", "2s", &cfg.TypingTimeout},
		{"ACK_TIMEOUT", "10s", &cfg.AckTimeout},
		{"REQUEST_TIMEOUT", "10s", &cfg.RequestTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = time.ParseDuration(getEnv(d.key, d.fallback)); err != nil {
			return nil, fmt.Errorf("%s: %w", d.key, err)
		}
	}

	if err := cfg.LogLevel.UnmarshalText([]byte(getEnv("LOG_LEVEL", "info"))); err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if err := content.ValidateIdentity(c.Identity); err != nil {
		return fmt.Errorf("CHAT_IDENTITY: %w", err)
	}

	if c.SocketURL == "" {
		return fmt.Errorf("CHAT_SOCKET_URL is required")
	}

	if c.APIURL == "" {
		return fmt.Errorf("CHAT_API_URL is required")
	}

	if c.ReconnectAttempts < 0 {
		return fmt.Errorf("RECONNECT_ATTEMPTS must not be negative")
	}

	if c.ReconnectDelay < 0 {
		return fmt.Errorf("RECONNECT_DELAY must not be negative")
	}

	if c.TypingDebounce <= 0 || c.TypingTimeout <= c.TypingDebounce {
		return fmt.Errorf("TYPING_TIMEOUT must be greater than TYPING_DEBOUNCE and both positive")
	}

	if c.AckTimeout <= 0 || c.RequestTimeout <= 0 {
		return fmt.Errorf("ACK_TIMEOUT and REQUEST_TIMEOUT must be greater than 0")
	}

	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
