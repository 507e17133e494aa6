package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the runtime configuration of the web service.
type Config struct {
	Port          string
	DatabaseURL   string
	DBMaxConns    int
	BackendURL    string
	BackendAPIKey string

	AuthSecret   string
	AuthIssuer   string
	AuthAudience string

	LogLevel       string
	LogFormat      string
	LogDevelopment bool
	LogOutputPath  string

	CookieDomain   string
	CookiePath     string
	CookieSameSite string

	SessionTTL           time.Duration
	SessionSweepInterval time.Duration
	DefaultsFetchTimeout time.Duration
	HistoryCacheTTL      time.Duration
	CachePurgeInterval   time.Duration
	SubmitTimeout        time.Duration
	RequestTimeout       time.Duration
}

// Load reads .env files (if any) and then the environment. Missing files are not an error.
func Load(envFiles ...string) *Config {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil {
			log.Printf("no %s file found, relying on environment: %v", f, err)
		}
	}

	return &Config{
		Port:          GetEnv("PORT", "8080"),
		DatabaseURL:   GetEnv("DATABASE_URL", ""),
		DBMaxConns:    GetInt("DB_MAX_CONNS", 10),
		BackendURL:    strings.TrimRight(GetEnv("BACKEND_URL", ""), "/"),
		BackendAPIKey: GetEnv("BACKEND_API_KEY", ""),

		AuthSecret:   GetEnv("AUTH_SECRET", ""),
		AuthIssuer:   GetEnv("AUTH_ISSUER", ""),
		AuthAudience: GetEnv("AUTH_AUDIENCE", ""),

		LogLevel:       GetEnv("LOG_LEVEL", "info"),
		LogFormat:      GetEnv("LOG_FORMAT", "json"),
		LogDevelopment: GetBool("LOG_DEVELOPMENT", false),
		LogOutputPath:  GetEnv("LOG_OUTPUT_PATH", ""),

		CookieDomain:   GetEnv("COOKIE_DOMAIN", ""),
		CookiePath:     GetEnv("COOKIE_PATH", "/"),
		CookieSameSite: GetEnv("COOKIE_SAMESITE", "lax"),

		SessionTTL:           GetDuration("SESSION_TTL", 2*time.Hour),
		SessionSweepInterval: GetDuration("SESSION_SWEEP_INTERVAL", time.Minute),
		DefaultsFetchTimeout: GetDuration("DEFAULTS_FETCH_TIMEOUT", 15*time.Second),
		HistoryCacheTTL:      GetDuration("HISTORY_CACHE_TTL", 5*time.Minute),
		CachePurgeInterval:   GetDuration("CACHE_PURGE_INTERVAL", time.Minute),
		SubmitTimeout:        GetDuration("SUBMIT_TIMEOUT", 20*time.Second),
		RequestTimeout:       GetDuration("REQUEST_TIMEOUT", 30*time.Second),
	}
}

// Addr is the listen address derived from Port.
func (c *Config) Addr() string {
	return ":" + c.Port
}

// helper to read env with default
func GetEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func GetInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func GetBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func GetDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
