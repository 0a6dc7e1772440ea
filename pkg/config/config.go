package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds process configuration, read from the environment.
type Config struct {
	Port          string
	LogLevel      string
	DatabaseURL   string // empty selects lite mode (SQLite under DataDir)
	DataDir       string
	RedisAddr     string // empty selects the log transport
	TemplatesPath string // empty selects DefaultTemplates

	TickInterval time.Duration
	ScanInterval time.Duration
	WeeklyDay    time.Weekday
	WeeklyAt     time.Duration // offset from UTC midnight on WeeklyDay

	Concurrency int
	SendTimeout time.Duration
	MaxAttempts int
	LedgerLease time.Duration
	SendRate    float64
	SendBurst   int
	APIRate     float64
	APIBurst    int

	PublicCallouts bool
	ArchiveURL     string // s3://bucket/prefix or gs://bucket/prefix

	ServiceName  string
	OTLPEndpoint string
}

// Load loads configuration from environment variables.
func Load() *Config {
	weeklyDay, weeklyAt := parseWeekly(env("REGIMENT_WEEKLY_AT", "Sun 20:00"))
	return &Config{
		Port:          env("PORT", "8080"),
		LogLevel:      env("LOG_LEVEL", "INFO"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		DataDir:       env("REGIMENT_DATA_DIR", "data"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		TemplatesPath: os.Getenv("REGIMENT_TEMPLATES"),

		TickInterval: envDuration("REGIMENT_TICK_INTERVAL", time.Minute),
		ScanInterval: envDuration("REGIMENT_SCAN_INTERVAL", 15*time.Minute),
		WeeklyDay:    weeklyDay,
		WeeklyAt:     weeklyAt,

		Concurrency: envInt("REGIMENT_CONCURRENCY", 8),
		SendTimeout: envDuration("REGIMENT_SEND_TIMEOUT", 10*time.Second),
		MaxAttempts: envInt("REGIMENT_MAX_ATTEMPTS", 3),
		LedgerLease: envDuration("REGIMENT_LEDGER_LEASE", 2*time.Minute),
		SendRate:    envFloat("REGIMENT_SEND_RPS", 20),
		SendBurst:   envInt("REGIMENT_SEND_BURST", 5),
		APIRate:     envFloat("REGIMENT_API_RPS", 10),
		APIBurst:    envInt("REGIMENT_API_BURST", 20),

		PublicCallouts: os.Getenv("REGIMENT_PUBLIC_CALLOUTS") == "true",
		ArchiveURL:     os.Getenv("REGIMENT_ARCHIVE"),

		ServiceName:  env("OTEL_SERVICE_NAME", "regiment"),
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
}

// LiteMode reports whether no database URL was configured.
func (c *Config) LiteMode() bool { return c.DatabaseURL == "" }

// NextWeekly returns the first weekly aggregation instant strictly after now.
func (c *Config) NextWeekly(now time.Time) time.Time {
	now = now.UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	days := (int(c.WeeklyDay) - int(now.Weekday()) + 7) % 7
	next := midnight.AddDate(0, 0, days).Add(c.WeeklyAt)
	if !next.After(now) {
		next = next.AddDate(0, 0, 7)
	}
	return next
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil && v > 0 {
		return v
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil && v > 0 {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil && v > 0 {
		return v
	}
	return def
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

// parseWeekly reads "Sun 20:00"; malformed input falls back to Sunday 20:00 UTC.
func parseWeekly(s string) (time.Weekday, time.Duration) {
	fields := strings.Fields(s)
	if len(fields) == 2 {
		day, ok := weekdays[strings.ToLower(fields[0])[:min(3, len(fields[0]))]]
		if t, err := time.Parse("15:04", fields[1]); ok && err == nil {
			return day, time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute
		}
	}
	return time.Sunday, 20 * time.Hour
}
