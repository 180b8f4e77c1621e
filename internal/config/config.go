package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// DefaultFile is read when CONFIG_FILE is unset and the file exists.
const DefaultFile = "helpdesk.yaml"

type Config struct {
	Port          string `koanf:"port"`
	AllowedOrigin string `koanf:"allowed_origin"`
	CookieSecure  bool   `koanf:"cookie_secure"`
	LogLevel      string `koanf:"log_level"`
	// OpenAI-compatible endpoint used for intent resolution, refinement and embeddings
	OpenAIAPIKey   string `koanf:"openai_api_key"`
	OpenAIBaseURL  string `koanf:"openai_base_url"`
	Model          string `koanf:"model"`
	EmbeddingModel string `koanf:"embedding_model"`
	IntentSpecPath string `koanf:"intent_spec"`
	// Storage: DB_URL selects postgres, otherwise sqlite at SQLitePath
	DatabaseURL  string        `koanf:"db_url"`
	SQLitePath   string        `koanf:"sqlite_path"`
	SessionStore string        `koanf:"session_store"`
	SessionTTL   time.Duration `koanf:"session_ttl"`
	SessionDir   string        `koanf:"session_dir"`
	// Policy knowledge base
	PolicyDir  string   `koanf:"policy_dir"`
	PolicyGlob []string `koanf:"policy_glob"`
	IndexPath  string   `koanf:"index_path"`
	// Dialog tuning
	MaxReprompts    int           `koanf:"max_reprompts"`
	HistoryWindow   int           `koanf:"history_window"`
	ResolverTimeout time.Duration `koanf:"resolver_timeout"`
	// Microsoft Graph directory lookup; disabled when any field is empty
	GraphTenantID     string `koanf:"graph_tenant_id"`
	GraphClientID     string `koanf:"graph_client_id"`
	GraphClientSecret string `koanf:"graph_client_secret"`
}

// Default returns the configuration used before any file or environment overlay.
func Default() Config {
	return Config{
		Port:            "8080",
		AllowedOrigin:   "*",
		LogLevel:        "info",
		Model:           "gpt-4o-mini",
		EmbeddingModel:  "text-embedding-3-small",
		IntentSpecPath:  "",
		SQLitePath:      "data/helpdesk.db",
		SessionStore:    "memory",
		SessionTTL:      24 * time.Hour,
		SessionDir:      "data/sessions",
		PolicyDir:       "policies",
		PolicyGlob:      []string{"**/*.md"},
		IndexPath:       "data/policy-index.gob.gz",
		MaxReprompts:    3,
		HistoryWindow:   20,
		ResolverTimeout: 20 * time.Second,
	}
}

// Load layers defaults, an optional YAML file, .env and the process environment.
// An empty path falls back to CONFIG_FILE and then DefaultFile.
func Load(path string) (Config, error) {
	_ = godotenv.Load()
	cfg := Default()

	if path == "" {
		path = getEnvDefault("CONFIG_FILE", DefaultFile)
	}
	if _, err := os.Stat(path); err == nil {
		k := koanf.New(".")
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := k.Unmarshal("", &cfg); err != nil {
			return Config{}, fmt.Errorf("unmarshalling config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("accessing config %s: %w", path, err)
	}

	cfg.Port = getEnvDefault("PORT", cfg.Port)
	cfg.AllowedOrigin = getEnvDefault("ALLOWED_ORIGIN", cfg.AllowedOrigin)
	cfg.CookieSecure = getEnvBoolDefault("COOKIE_SECURE", cfg.CookieSecure)
	cfg.LogLevel = getEnvDefault("LOG_LEVEL", cfg.LogLevel)
	cfg.OpenAIAPIKey = getEnvDefault("OPENAI_API_KEY", cfg.OpenAIAPIKey)
	cfg.OpenAIBaseURL = getEnvDefault("OPENAI_BASE_URL", cfg.OpenAIBaseURL)
	cfg.Model = getEnvDefault("OPENAI_MODEL", cfg.Model)
	cfg.EmbeddingModel = getEnvDefault("OPENAI_EMBEDDING_MODEL", cfg.EmbeddingModel)
	cfg.IntentSpecPath = getEnvDefault("INTENT_SPEC", cfg.IntentSpecPath)
	cfg.DatabaseURL = getEnvDefault("DB_URL", cfg.DatabaseURL)
	cfg.SQLitePath = getEnvDefault("SQLITE_PATH", cfg.SQLitePath)
	cfg.SessionStore = strings.ToLower(getEnvDefault("SESSION_STORE", cfg.SessionStore))
	cfg.SessionTTL = getEnvDurationDefault("SESSION_TTL", cfg.SessionTTL)
	cfg.SessionDir = getEnvDefault("SESSION_DIR", cfg.SessionDir)
	cfg.PolicyDir = getEnvDefault("POLICY_DIR", cfg.PolicyDir)
	cfg.PolicyGlob = getEnvListDefault("POLICY_GLOB", cfg.PolicyGlob)
	cfg.IndexPath = getEnvDefault("INDEX_PATH", cfg.IndexPath)
	cfg.MaxReprompts = getEnvIntDefault("MAX_REPROMPTS", cfg.MaxReprompts)
	cfg.HistoryWindow = getEnvIntDefault("HISTORY_WINDOW", cfg.HistoryWindow)
	cfg.ResolverTimeout = getEnvDurationDefault("RESOLVER_TIMEOUT", cfg.ResolverTimeout)
	cfg.GraphTenantID = getEnvDefault("GRAPH_TENANT_ID", cfg.GraphTenantID)
	cfg.GraphClientID = getEnvDefault("GRAPH_CLIENT_ID", cfg.GraphClientID)
	cfg.GraphClientSecret = getEnvDefault("GRAPH_CLIENT_SECRET", cfg.GraphClientSecret)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	if cfg.OpenAIAPIKey == "" {
		slog.Warn("OPENAI_API_KEY is not set; intent resolution will fail until provided")
	}
	return cfg, nil
}

// Validate checks that the configuration contains usable values.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Port) == "" {
		return fmt.Errorf("port is required")
	}
	switch c.SessionStore {
	case "memory", "sql":
	case "file":
		if c.SessionDir == "" {
			return fmt.Errorf("session_dir is required for the file session store")
		}
	default:
		return fmt.Errorf("invalid session_store %q: must be memory, sql or file", c.SessionStore)
	}
	if c.DatabaseURL == "" && c.SQLitePath == "" {
		return fmt.Errorf("either db_url or sqlite_path is required")
	}
	if c.MaxReprompts < 1 {
		return fmt.Errorf("max_reprompts must be at least 1")
	}
	if c.HistoryWindow < 0 {
		return fmt.Errorf("history_window must be non-negative")
	}
	if c.ResolverTimeout <= 0 {
		return fmt.Errorf("resolver_timeout must be positive")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// GraphEnabled reports whether directory lookups are configured.
func (c Config) GraphEnabled() bool {
	return c.GraphTenantID != "" && c.GraphClientID != "" && c.GraphClientSecret != ""
}

// ParseLevel maps a LOG_LEVEL value to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("invalid log_level %q", s)
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvListDefault(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			s := strings.TrimSpace(p)
			if s != "" {
				out = append(out, s)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}

func getEnvBoolDefault(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getEnvIntDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
		slog.Warn("ignoring invalid integer in environment", "key", key, "value", v)
	}
	return def
}

func getEnvDurationDefault(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			return d
		}
		slog.Warn("ignoring invalid duration in environment", "key", key, "value", v)
	}
	return def
}
