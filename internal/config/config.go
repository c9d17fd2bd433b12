package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the configuration for the application.
type Config struct {
	DatabasePath string
	PlanStore    string // "sqlite" or "file"
	PlanDir      string
	Timezone     *time.Location
	ProfilePath  string
	LogMode      string

	GeminiAPIKey string
	GeminiModel  string
	GroqAPIKey   string
	GroqModel    string

	// Energy
	GenerationCost       int
	EnergyDailyAllowance int
	EnergyGrantSecret    string

	// ReminderMode is "all" or "next".
	ReminderMode string

	// Events
	RedisAddr    string
	RedisChannel string

	// Telegram Config
	TelegramBotToken       string
	TelegramWebhookURL     string
	TelegramAllowedUserIDs []int64
	AdminTelegramID        int64
}

// NewFromEnv creates a new Config object from environment variables.
func NewFromEnv() (*Config, error) {
	tzName := getEnv("TIMEZONE", "Local")
	loc, err := time.LoadLocation(tzName)
	if err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE %q: %w", tzName, err)
	}

	planStore := getEnv("PLAN_STORE", "sqlite")
	if planStore != "sqlite" && planStore != "file" {
		return nil, fmt.Errorf("invalid PLAN_STORE %q: expected sqlite or file", planStore)
	}

	reminderMode := getEnv("REMINDER_MODE", "all")
	if reminderMode != "all" && reminderMode != "next" {
		return nil, fmt.Errorf("invalid REMINDER_MODE %q: expected all or next", reminderMode)
	}

	cost, err := getInt("GENERATION_COST", 10)
	if err != nil {
		return nil, err
	}
	if cost < 0 {
		return nil, fmt.Errorf("GENERATION_COST must not be negative")
	}

	allowance, err := getInt("ENERGY_DAILY_ALLOWANCE", 30)
	if err != nil {
		return nil, err
	}

	adminID, err := getInt64("TELEGRAM_ADMIN_ID", 0)
	if err != nil {
		return nil, err
	}

	allowed, err := parseIDList(os.Getenv("TELEGRAM_ALLOWED_USER_IDS"))
	if err != nil {
		return nil, err
	}

	return &Config{
		DatabasePath:           getEnv("DATABASE_PATH", "data/planner.db"),
		PlanStore:              planStore,
		PlanDir:                getEnv("PLAN_DIR", "data/plans"),
		Timezone:               loc,
		ProfilePath:            os.Getenv("PROFILE_PATH"),
		LogMode:                getEnv("LOG_MODE", "dev"),
		GeminiAPIKey:           os.Getenv("GEMINI_API_KEY"),
		GeminiModel:            getEnv("GEMINI_MODEL", "gemini-1.5-pro"),
		GroqAPIKey:             os.Getenv("GROQ_API_KEY"),
		GroqModel:              getEnv("GROQ_MODEL", "llama-3.1-8b-instant"),
		GenerationCost:         cost,
		EnergyDailyAllowance:   allowance,
		EnergyGrantSecret:      os.Getenv("ENERGY_GRANT_SECRET"),
		ReminderMode:           reminderMode,
		RedisAddr:              os.Getenv("REDIS_ADDR"),
		RedisChannel:           getEnv("REDIS_CHANNEL", "planner-events"),
		TelegramBotToken:       os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramWebhookURL:     os.Getenv("TELEGRAM_WEBHOOK_URL"),
		TelegramAllowedUserIDs: allowed,
		AdminTelegramID:        adminID,
	}, nil
}

// RequireTelegram checks the settings only the bot binary needs.
func (c *Config) RequireTelegram() error {
	if c.TelegramBotToken == "" {
		return fmt.Errorf("TELEGRAM_BOT_TOKEN environment variable not set")
	}
	if c.TelegramWebhookURL == "" {
		return fmt.Errorf("TELEGRAM_WEBHOOK_URL environment variable not set")
	}
	return nil
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return i, nil
}

func getInt64(key string, def int64) (int64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return i, nil
}

func parseIDList(raw string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_ALLOWED_USER_IDS entry %q: %w", part, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
