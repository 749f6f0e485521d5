package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Env               string        `yaml:"env"`
	ListenAddr        string        `yaml:"listen_addr"`
	DBDriver          string        `yaml:"db_driver"` // postgres|sqlite
	DatabaseURL       string        `yaml:"database_url"`
	SQLitePath        string        `yaml:"sqlite_path"`
	AnalysisWorkers   int           `yaml:"analysis_workers"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	NavigationTimeout time.Duration `yaml:"navigation_timeout"`
	CategoryTimeout   time.Duration `yaml:"category_timeout"` // 0 = unbounded
	WaitUntil         string        `yaml:"wait_until"`
	UserAgent         string        `yaml:"user_agent"`
	MaxPageBytes      int64         `yaml:"max_page_bytes"`
	MaxInlineAnalyses int           `yaml:"max_inline_analyses"`
	RecoverAbandoned  bool          `yaml:"recover_abandoned"`
	LogFormat         string        `yaml:"log_format"` // json|text
	LogLevel          string        `yaml:"log_level"`
}

func Default() Config {
	return Config{
		Env:               "development",
		ListenAddr:        ":8080",
		SQLitePath:        "./govcheck.db",
		AnalysisWorkers:   2,
		PollInterval:      500 * time.Millisecond,
		NavigationTimeout: 60 * time.Second,
		CategoryTimeout:   2 * time.Minute,
		WaitUntil:         "load",
		UserAgent:         "govcheck/1.0 (+compliance audit)",
		MaxPageBytes:      5 << 20,
		MaxInlineAnalyses: 4,
		RecoverAbandoned:  true,
		LogFormat:         "json",
		LogLevel:          "info",
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// Load reads defaults, then the YAML file named by CONFIG_FILE, then env overrides.
func Load() (Config, error) {
	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	var errs []string
	cfg.Env = getenv("APP_ENV", cfg.Env)
	cfg.ListenAddr = getenv("LISTEN_ADDR", cfg.ListenAddr)
	cfg.DatabaseURL = getenv("DATABASE_URL", cfg.DatabaseURL)
	cfg.SQLitePath = getenv("SQLITE_PATH", cfg.SQLitePath)
	cfg.DBDriver = getenv("DB_DRIVER", cfg.DBDriver)
	cfg.WaitUntil = getenv("WAIT_UNTIL", cfg.WaitUntil)
	cfg.UserAgent = getenv("USER_AGENT", cfg.UserAgent)
	cfg.LogFormat = getenv("LOG_FORMAT", cfg.LogFormat)
	cfg.LogLevel = getenv("LOG_LEVEL", cfg.LogLevel)
	cfg.AnalysisWorkers = getenvInt("ANALYSIS_WORKERS", cfg.AnalysisWorkers, &errs)
	cfg.MaxInlineAnalyses = getenvInt("MAX_INLINE_ANALYSES", cfg.MaxInlineAnalyses, &errs)
	cfg.MaxPageBytes = int64(getenvInt("MAX_PAGE_BYTES", int(cfg.MaxPageBytes), &errs))
	cfg.PollInterval = getenvDuration("POLL_INTERVAL", cfg.PollInterval, &errs)
	cfg.NavigationTimeout = getenvDuration("NAVIGATION_TIMEOUT", cfg.NavigationTimeout, &errs)
	cfg.CategoryTimeout = getenvDuration("CATEGORY_TIMEOUT", cfg.CategoryTimeout, &errs)
	cfg.RecoverAbandoned = getenvBool("RECOVER_ABANDONED", cfg.RecoverAbandoned, &errs)

	if cfg.DBDriver == "" {
		cfg.DBDriver = "sqlite"
		if cfg.DatabaseURL != "" {
			cfg.DBDriver = "postgres"
		}
	}
	errs = append(errs, cfg.validate()...)
	if len(errs) > 0 {
		return cfg, fmt.Errorf("invalid config: %s", strings.Join(errs, "; "))
	}
	return cfg, nil
}

func (c Config) validate() []string {
	var errs []string
	switch c.DBDriver {
	case "postgres":
		if c.DatabaseURL == "" {
			errs = append(errs, "DATABASE_URL is required for the postgres driver")
		}
	case "sqlite":
		if c.SQLitePath == "" {
			errs = append(errs, "SQLITE_PATH is required for the sqlite driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown DB_DRIVER %q", c.DBDriver))
	}
	if c.NavigationTimeout <= 0 {
		errs = append(errs, "NAVIGATION_TIMEOUT must be positive")
	}
	if c.CategoryTimeout < 0 {
		errs = append(errs, "CATEGORY_TIMEOUT must not be negative")
	}
	if c.AnalysisWorkers < 0 {
		errs = append(errs, "ANALYSIS_WORKERS must not be negative")
	}
	if c.MaxInlineAnalyses < 1 {
		errs = append(errs, "MAX_INLINE_ANALYSES must be at least 1")
	}
	if c.PollInterval <= 0 {
		errs = append(errs, "POLL_INTERVAL must be positive")
	}
	return errs
}

func getenvInt(key string, def int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	out, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: %v", key, err))
		return def
	}
	return out
}

func getenvDuration(key string, def time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	out, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: %v", key, err))
		return def
	}
	return out
}

func getenvBool(key string, def bool, errs *[]string) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	out, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: %v", key, err))
		return def
	}
	return out
}
