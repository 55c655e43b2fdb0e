// Package config loads and validates the connector configuration from the
// environment.
//
// All options are read once at startup into a Config value. Validation
// collects every problem before failing so a misconfigured deployment is
// reported in a single pass.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// processAfterLayout is the wire format of the T_PROCESS_AFTER and
// M_PROCESS_AFTER options.
const processAfterLayout = "02.01.2006"

// Config holds every option the connector core recognizes.
type Config struct {
	// Teamwork (source T).
	TeamworkBaseURL       string
	TeamworkAPIKey        string
	TeamworkWebhookSecret string
	TeamworkProcessAfter  time.Time // zero = no lower bound

	// Missive (source M).
	MissiveAPIToken      string
	MissiveWebhookSecret string
	MissiveProcessAfter  time.Time // zero = no lower bound

	// Craft (source C). Empty base URL disables the source.
	CraftBaseURL string

	// Store.
	DBDSN string

	// Queue and polling.
	DisableWebhooks         bool
	BackfillInterval        time.Duration
	BackfillOverlap         time.Duration
	MaxQueueAttempts        int
	SpoolRetryDelay         time.Duration
	IncludeCompletedInitial bool

	// HTTP.
	AppPort   int
	PublicURL string

	// Misc.
	DataDir             string
	LabelCategoriesPath string // optional YAML mapping, empty disables
	Timezone            *time.Location
	LogLevel            string
}

// Load reads the configuration from the environment. It does not validate;
// call Validate before using the result.
func Load() (*Config, error) {
	cfg := &Config{
		TeamworkBaseURL:       strings.TrimRight(os.Getenv("T_BASE_URL"), "/"),
		TeamworkAPIKey:        os.Getenv("T_API_KEY"),
		TeamworkWebhookSecret: os.Getenv("T_WEBHOOK_SECRET"),
		MissiveAPIToken:       os.Getenv("M_API_TOKEN"),
		MissiveWebhookSecret:  os.Getenv("M_WEBHOOK_SECRET"),
		CraftBaseURL:          strings.TrimRight(os.Getenv("C_BASE_URL"), "/"),
		DBDSN:                 env("DB_DSN", "data/connector.db"),
		DisableWebhooks:       envBool("DISABLE_WEBHOOKS"),
		MaxQueueAttempts:      envInt("MAX_QUEUE_ATTEMPTS", 3),
		AppPort:               envInt("APP_PORT", 5000),
		PublicURL:             strings.TrimRight(os.Getenv("PUBLIC_URL"), "/"),
		DataDir:               env("DATA_DIR", "data"),
		LabelCategoriesPath:   os.Getenv("LABEL_CATEGORIES_FILE"),
		LogLevel:              env("LOG_LEVEL", "info"),
	}

	cfg.BackfillOverlap = time.Duration(envInt("BACKFILL_OVERLAP_SECONDS", 120)) * time.Second
	cfg.SpoolRetryDelay = time.Duration(envInt("SPOOL_RETRY_SECONDS", 60)) * time.Second

	// Webhooks off means polling is the only ingest path, so the default
	// interval drops from the safety-net 60s to 5s.
	defaultInterval := 60
	if cfg.DisableWebhooks {
		defaultInterval = 5
	}
	cfg.BackfillInterval = time.Duration(envInt("PERIODIC_BACKFILL_INTERVAL", defaultInterval)) * time.Second

	cfg.IncludeCompletedInitial = envBool("INCLUDE_COMPLETED_TASKS_ON_INITIAL_SYNC")

	var err error
	if cfg.TeamworkProcessAfter, err = parseProcessAfter(os.Getenv("T_PROCESS_AFTER")); err != nil {
		return nil, fmt.Errorf("config: T_PROCESS_AFTER: %w", err)
	}
	if cfg.MissiveProcessAfter, err = parseProcessAfter(os.Getenv("M_PROCESS_AFTER")); err != nil {
		return nil, fmt.Errorf("config: M_PROCESS_AFTER: %w", err)
	}

	tz := env("TIMEZONE", "UTC")
	cfg.Timezone, err = time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("config: TIMEZONE %q: %w", tz, err)
	}

	return cfg, nil
}

// Validate reports every missing or inconsistent option at once.
func (c *Config) Validate() error {
	var problems []string

	if c.TeamworkBaseURL == "" {
		problems = append(problems, "T_BASE_URL is required")
	}
	if c.TeamworkAPIKey == "" {
		problems = append(problems, "T_API_KEY is required")
	}
	if c.MissiveAPIToken == "" {
		problems = append(problems, "M_API_TOKEN is required")
	}
	if c.DBDSN == "" {
		problems = append(problems, "DB_DSN is required")
	}
	if c.MaxQueueAttempts < 1 {
		problems = append(problems, "MAX_QUEUE_ATTEMPTS must be at least 1")
	}
	if c.AppPort < 1 || c.AppPort > 65535 {
		problems = append(problems, fmt.Sprintf("APP_PORT %d is out of range", c.AppPort))
	}
	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("config: %s", strings.Join(problems, "; "))
}

// Warnings reports conditions worth logging that do not prevent startup.
// The poller alone keeps the system converged, so a missing PUBLIC_URL only
// means webhooks need manual registration.
func (c *Config) Warnings() []string {
	var warns []string
	if !c.DisableWebhooks && c.PublicURL == "" {
		warns = append(warns, "PUBLIC_URL is empty; webhook registration will print manual setup instructions")
	}
	return warns
}

// CraftEnabled reports whether source C is configured.
func (c *Config) CraftEnabled() bool { return c.CraftBaseURL != "" }

func parseProcessAfter(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(processAfterLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("want DD.MM.YYYY: %w", err)
	}
	return t.UTC(), nil
}

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
