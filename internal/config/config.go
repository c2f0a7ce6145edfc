package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	DBFile      string
	APIAddr     string
	AdminAddr   string
	TokenExpiry time.Duration

	// MaxMessageLen is the content cap; longer messages are silently
	// truncated, never rejected.
	MaxMessageLen int

	// SendBuffer is the per-session outbound queue size. A session that
	// overflows it is dropped rather than allowed to stall its rooms.
	SendBuffer int

	// EventRate / EventBurst bound inbound realtime events per session.
	EventRate  float64
	EventBurst int
}

func Load() (*Config, error) {
	tokenExpiry, err := time.ParseDuration(getEnv("TOKEN_EXPIRY", "24h"))
	if err != nil {
		return nil, fmt.Errorf("TOKEN_EXPIRY: %w", err)
	}

	maxLen, err := getEnvInt("MAX_MESSAGE_LEN", 5000)
	if err != nil {
		return nil, err
	}
	sendBuffer, err := getEnvInt("SEND_BUFFER", 100)
	if err != nil {
		return nil, err
	}
	eventBurst, err := getEnvInt("EVENT_BURST", 20)
	if err != nil {
		return nil, err
	}
	eventRate, err := getEnvFloat("EVENT_RATE", 10)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DBFile:        getEnv("PARLOR_DB", "parlor.db"),
		APIAddr:       getEnv("API_ADDR", ":8080"),
		AdminAddr:     getEnv("ADMIN_ADDR", "localhost:8081"),
		TokenExpiry:   tokenExpiry,
		MaxMessageLen: maxLen,
		SendBuffer:    sendBuffer,
		EventRate:     eventRate,
		EventBurst:    eventBurst,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.TokenExpiry <= 0 {
		return fmt.Errorf("TOKEN_EXPIRY must be greater than 0")
	}
	if c.MaxMessageLen <= 0 {
		return fmt.Errorf("MAX_MESSAGE_LEN must be greater than 0")
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("SEND_BUFFER must be greater than 0")
	}
	if c.EventRate <= 0 || c.EventBurst <= 0 {
		return fmt.Errorf("EVENT_RATE and EVENT_BURST must be greater than 0")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}
