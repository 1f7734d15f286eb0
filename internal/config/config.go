package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"mesinsight/internal/logger"
)

// Config holds the core runtime configuration for the service.
// Values are primarily sourced from environment variables, with
// sensible defaults where appropriate. A YAML file may be used instead
// (see LoadFile); environment references inside it are expanded.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`

	// DatabaseURL points at the business-record store (PostgreSQL).
	DatabaseURL string `yaml:"database_url"`

	// Timezone is the plant's business timezone. Shift hours and
	// downtime rule wall-clock times are interpreted in it.
	Timezone string `yaml:"timezone"`

	Telemetry TelemetryConfig `yaml:"telemetry"`
	Legacy    LegacyConfig    `yaml:"legacy"`
	MaintainX MaintainXConfig `yaml:"maintainx"`
	OEE       OEEConfig       `yaml:"oee"`
	Workers   WorkersConfig   `yaml:"workers"`
	Log       logger.Config   `yaml:"log"`

	// RedisURL enables the shared OEE snapshot cache. Empty means in-process cache.
	RedisURL string `yaml:"redis_url"`

	// ShiftLabels maps labels used by the legacy shift database to local shift names.
	ShiftLabels map[string]string `yaml:"shift_labels"`

	// BootstrapAPIKey, when set, is ensured to exist as an active API key on startup.
	BootstrapAPIKey string `yaml:"bootstrap_api_key"`
}

// TelemetryConfig describes the time-series store connection pool.
type TelemetryConfig struct {
	URL              string        `yaml:"url"`
	MaxConns         int32         `yaml:"max_conns"`
	MinConns         int32         `yaml:"min_conns"`
	AcquireTimeout   time.Duration `yaml:"acquire_timeout"`
	StatementTimeout time.Duration `yaml:"statement_timeout"`
	RetentionDays    int           `yaml:"retention_days"`
}

// LegacyConfig holds credentials for the legacy shift/alarm SQL Server database.
type LegacyConfig struct {
	Server   string        `yaml:"server"`
	Database string        `yaml:"database"`
	User     string        `yaml:"user"`
	Password string        `yaml:"password"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Configured reports whether every credential is present.
func (l LegacyConfig) Configured() bool {
	return l.Server != "" && l.Database != "" && l.User != "" && l.Password != ""
}

// MaintainXConfig holds ticketing API settings.
type MaintainXConfig struct {
	Token      string `yaml:"token"`
	BaseURL    string `yaml:"base_url"`
	PageSize   int    `yaml:"page_size"`
	MaxRetries int    `yaml:"max_retries"`
	Workers    int    `yaml:"workers"`
}

// OEEConfig tunes the aggregation service.
type OEEConfig struct {
	// MinRefreshInterval is the lower bound on how often a machine's
	// snapshot is recomputed, regardless of the machine's own setting.
	MinRefreshInterval time.Duration `yaml:"min_refresh_interval"`
}

// WorkersConfig holds intervals for the periodic jobs. Zero disables a job.
type WorkersConfig struct {
	DowntimeRebuild  time.Duration `yaml:"downtime_rebuild"`
	DowntimeHorizon  int           `yaml:"downtime_horizon_days"`
	LegacyImport     time.Duration `yaml:"legacy_import"`
	TicketSync       time.Duration `yaml:"ticket_sync"`
	HourlyStats      time.Duration `yaml:"hourly_stats"`
	TelemetryCleanup time.Duration `yaml:"telemetry_cleanup"`
}

// DefaultShiftLabels are the labels the legacy database is known to emit.
func DefaultShiftLabels() map[string]string {
	return map[string]string{
		"1. Mornings":   "Morning",
		"Morning":       "Morning",
		"2. Afternoons": "Afternoon",
		"Afternoon":     "Afternoon",
		"3. Nights":     "Night",
		"Night":         "Night",
	}
}

// Load reads configuration from environment variables and applies defaults.
func Load() *Config {
	cfg := &Config{
		ListenAddr:  getenv("MES_LISTEN_ADDR", ":8080"),
		DatabaseURL: os.Getenv("MES_DATABASE_URL"),
		Timezone:    getenv("MES_TIMEZONE", "UTC"),
		Telemetry: TelemetryConfig{
			URL:              os.Getenv("MES_TELEMETRY_URL"),
			MaxConns:         int32(getenvInt("MES_TELEMETRY_MAX_CONNS", 10)),
			MinConns:         int32(getenvInt("MES_TELEMETRY_MIN_CONNS", 1)),
			AcquireTimeout:   getenvDuration("MES_TELEMETRY_ACQUIRE_TIMEOUT", 5*time.Second),
			StatementTimeout: getenvDuration("MES_TELEMETRY_STATEMENT_TIMEOUT", 30*time.Second),
			RetentionDays:    getenvInt("MES_TELEMETRY_RETENTION_DAYS", 0),
		},
		Legacy: LegacyConfig{
			Server:   os.Getenv("MES_LEGACY_SERVER"),
			Database: os.Getenv("MES_LEGACY_DATABASE"),
			User:     os.Getenv("MES_LEGACY_USER"),
			Password: os.Getenv("MES_LEGACY_PASSWORD"),
			Timeout:  getenvDuration("MES_LEGACY_TIMEOUT", 15*time.Second),
		},
		MaintainX: MaintainXConfig{
			Token:      os.Getenv("MES_MAINTAINX_TOKEN"),
			BaseURL:    getenv("MES_MAINTAINX_URL", "https://api.getmaintainx.com/v1"),
			PageSize:   getenvInt("MES_MAINTAINX_PAGE_SIZE", 200),
			MaxRetries: getenvInt("MES_MAINTAINX_MAX_RETRIES", 3),
			Workers:    getenvInt("MES_MAINTAINX_WORKERS", 4),
		},
		OEE: OEEConfig{
			MinRefreshInterval: getenvDuration("MES_OEE_MIN_REFRESH", 10*time.Second),
		},
		Workers: WorkersConfig{
			DowntimeRebuild:  getenvDuration("MES_DOWNTIME_REBUILD_INTERVAL", time.Hour),
			DowntimeHorizon:  getenvInt("MES_DOWNTIME_HORIZON_DAYS", 14),
			LegacyImport:     getenvDuration("MES_LEGACY_IMPORT_INTERVAL", 0),
			TicketSync:       getenvDuration("MES_TICKET_SYNC_INTERVAL", 0),
			HourlyStats:      getenvDuration("MES_HOURLY_STATS_INTERVAL", time.Hour),
			TelemetryCleanup: getenvDuration("MES_TELEMETRY_CLEANUP_INTERVAL", 24*time.Hour),
		},
		Log: logger.Config{
			Level:  getenv("MES_LOG_LEVEL", "info"),
			Debug:  getenvBool("MES_DEBUG", false),
			Output: getenv("MES_LOG_OUTPUT", "stdout"),
		},
		RedisURL:        os.Getenv("MES_REDIS_URL"),
		ShiftLabels:     DefaultShiftLabels(),
		BootstrapAPIKey: os.Getenv("MES_BOOTSTRAP_API_KEY"),
	}

	// MES_SHIFT_LABELS="Early=Morning;Late=Afternoon" extends the default map.
	if v := os.Getenv("MES_SHIFT_LABELS"); v != "" {
		for _, pair := range strings.Split(v, ";") {
			label, name, ok := strings.Cut(pair, "=")
			if ok && strings.TrimSpace(label) != "" {
				cfg.ShiftLabels[strings.TrimSpace(label)] = strings.TrimSpace(name)
			}
		}
	}

	return cfg
}

// LoadFile reads a YAML configuration file. Missing values fall back to the
// environment-derived defaults from Load.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Load()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, err
	}
	if len(cfg.ShiftLabels) == 0 {
		cfg.ShiftLabels = DefaultShiftLabels()
	}

	return cfg, nil
}

// Location resolves the business timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
