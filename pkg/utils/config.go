package utils

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// LoadDotEnv reads .env from the working directory when present. Variables
// already set in the environment win.
func LoadDotEnv() error {
	err := godotenv.Load(".env")
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

type AuthConfig struct {
	JWTSecret   string
	JWTIssuer   string
	JWTDuration time.Duration
}

func LoadAuthConfig() (AuthConfig, error) {
	var cfg AuthConfig
	// dev default (change for demo / production)
	loadEnvString(&cfg.JWTSecret, "MEDIAHUB_JWT_SECRET", "dev-secret-change-me")
	loadEnvString(&cfg.JWTIssuer, "MEDIAHUB_JWT_ISSUER", "mediahub")

	var hours int
	if err := loadEnvInt(&hours, "MEDIAHUB_JWT_TTL_HOURS", 24); err != nil {
		return AuthConfig{}, err
	}
	cfg.JWTDuration = time.Duration(hours) * time.Hour
	return cfg, cfg.Validate()
}

func (c AuthConfig) Validate() error {
	var problems []string
	if c.JWTSecret == "" {
		problems = append(problems, "MEDIAHUB_JWT_SECRET must not be empty")
	}
	if c.JWTDuration <= 0 {
		problems = append(problems, "MEDIAHUB_JWT_TTL_HOURS must be positive")
	}
	return joinProblems(problems)
}

type ServerConfig struct {
	HTTPAddr  string
	RateRPS   float64
	RateBurst int
	LogLevel  string
	LogFormat string
}

func LoadServerConfig() (ServerConfig, error) {
	var cfg ServerConfig
	loadEnvString(&cfg.HTTPAddr, "MEDIAHUB_HTTP_ADDR", ":8080")
	if err := loadEnvFloat(&cfg.RateRPS, "MEDIAHUB_RATE_RPS", 10); err != nil {
		return ServerConfig{}, err
	}
	if err := loadEnvInt(&cfg.RateBurst, "MEDIAHUB_RATE_BURST", 20); err != nil {
		return ServerConfig{}, err
	}
	loadEnvString(&cfg.LogLevel, "MEDIAHUB_LOG_LEVEL", "info")
	loadEnvString(&cfg.LogFormat, "MEDIAHUB_LOG_FORMAT", "text")
	return cfg, cfg.Validate()
}

func (c ServerConfig) Validate() error {
	var problems []string
	if c.HTTPAddr == "" {
		problems = append(problems, "MEDIAHUB_HTTP_ADDR must not be empty")
	}
	if c.RateRPS <= 0 {
		problems = append(problems, "MEDIAHUB_RATE_RPS must be positive")
	}
	if c.RateBurst < 1 {
		problems = append(problems, "MEDIAHUB_RATE_BURST must be at least 1")
	}
	problems = append(problems, logProblems(c.LogLevel, c.LogFormat)...)
	return joinProblems(problems)
}

type ClientConfig struct {
	APIURL         string
	DataDir        string
	CacheBackend   string
	CacheNamespace string
	RemoteBackend  string
	RedisAddr      string
	SyncDebounce   time.Duration
	SyncRetryMax   time.Duration
	SyncResync     time.Duration
	SyncSignIn     time.Duration
	FreeListLimit  int
	ProListLimit   int
	TombstoneTTL   time.Duration
	LegacyHandle   string
	LogLevel       string
	LogFormat      string
}

var (
	cacheBackends  = []string{"file", "badger"}
	remoteBackends = []string{"http", "redis", "none"}
)

func LoadClientConfig() (ClientConfig, error) {
	var cfg ClientConfig
	loadEnvString(&cfg.APIURL, "MEDIAHUB_API_URL", "http://localhost:8080")
	loadEnvString(&cfg.DataDir, "MEDIAHUB_DATA_DIR", defaultDataDir())
	loadEnvString(&cfg.CacheBackend, "MEDIAHUB_CACHE_BACKEND", "file")
	loadEnvString(&cfg.CacheNamespace, "MEDIAHUB_CACHE_NAMESPACE", "mediahub.library.v1")
	loadEnvString(&cfg.RemoteBackend, "MEDIAHUB_REMOTE_BACKEND", "http")
	loadEnvString(&cfg.RedisAddr, "MEDIAHUB_REDIS_ADDR", "localhost:6379")
	loadEnvString(&cfg.LegacyHandle, "MEDIAHUB_LEGACY_HANDLE", "mediahub_legacy")
	loadEnvString(&cfg.LogLevel, "MEDIAHUB_LOG_LEVEL", "warn")
	loadEnvString(&cfg.LogFormat, "MEDIAHUB_LOG_FORMAT", "text")

	durations := []struct {
		target *time.Duration
		key    string
		def    time.Duration
	}{
		{&cfg.SyncDebounce, "MEDIAHUB_SYNC_DEBOUNCE", 750 * time.Millisecond},
		{&cfg.SyncRetryMax, "MEDIAHUB_SYNC_RETRY_MAX", 2 * time.Minute},
		{&cfg.SyncResync, "MEDIAHUB_SYNC_RESYNC", time.Minute},
		{&cfg.SyncSignIn, "MEDIAHUB_SYNC_SIGNIN_TIMEOUT", 5 * time.Second},
		{&cfg.TombstoneTTL, "MEDIAHUB_TOMBSTONE_TTL", 720 * time.Hour},
	}
	for _, d := range durations {
		if err := loadEnvDuration(d.target, d.key, d.def); err != nil {
			return ClientConfig{}, err
		}
	}
	if err := loadEnvInt(&cfg.FreeListLimit, "MEDIAHUB_FREE_LIST_LIMIT", 3); err != nil {
		return ClientConfig{}, err
	}
	if err := loadEnvInt(&cfg.ProListLimit, "MEDIAHUB_PRO_LIST_LIMIT", 25); err != nil {
		return ClientConfig{}, err
	}
	return cfg, cfg.Validate()
}

func (c ClientConfig) Validate() error {
	var problems []string
	if !slices.Contains(cacheBackends, c.CacheBackend) {
		problems = append(problems, fmt.Sprintf("MEDIAHUB_CACHE_BACKEND must be one of: %s", strings.Join(cacheBackends, ", ")))
	}
	if !slices.Contains(remoteBackends, c.RemoteBackend) {
		problems = append(problems, fmt.Sprintf("MEDIAHUB_REMOTE_BACKEND must be one of: %s", strings.Join(remoteBackends, ", ")))
	}
	if c.CacheNamespace == "" {
		problems = append(problems, "MEDIAHUB_CACHE_NAMESPACE must not be empty")
	}
	if c.DataDir == "" {
		problems = append(problems, "MEDIAHUB_DATA_DIR must not be empty")
	}
	if c.SyncDebounce <= 0 || c.SyncRetryMax <= 0 || c.SyncResync <= 0 || c.SyncSignIn <= 0 {
		problems = append(problems, "sync intervals must be positive")
	}
	if c.FreeListLimit < 0 || c.ProListLimit < 0 {
		problems = append(problems, "list limits must not be negative")
	}
	if c.ProListLimit < c.FreeListLimit {
		problems = append(problems, "MEDIAHUB_PRO_LIST_LIMIT must be at least MEDIAHUB_FREE_LIST_LIMIT")
	}
	if c.TombstoneTTL <= 0 {
		problems = append(problems, "MEDIAHUB_TOMBSTONE_TTL must be positive")
	}
	problems = append(problems, logProblems(c.LogLevel, c.LogFormat)...)
	return joinProblems(problems)
}

func (c ClientConfig) SessionPath() string {
	return filepath.Join(c.DataDir, "session.json")
}

func (c ClientConfig) DeviceIDPath() string {
	return filepath.Join(c.DataDir, "device_id")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".mediahub")
}

func logProblems(level, format string) []string {
	var problems []string
	if _, err := ParseLevel(level); err != nil {
		problems = append(problems, "MEDIAHUB_LOG_LEVEL must be one of: debug, info, warn, error")
	}
	if format != "text" && format != "json" {
		problems = append(problems, "MEDIAHUB_LOG_FORMAT must be one of: text, json")
	}
	return problems
}

func joinProblems(problems []string) error {
	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("configuration validation failed: %s", strings.Join(problems, "; "))
}

func loadEnvString(target *string, key, defaultValue string) {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		*target = value
	} else {
		*target = defaultValue
	}
}

func loadEnvInt(target *int, key string, defaultValue int) error {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("invalid integer value for %s: %v", key, err)
		}
		*target = parsed
	} else {
		*target = defaultValue
	}
	return nil
}

func loadEnvFloat(target *float64, key string, defaultValue float64) error {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return fmt.Errorf("invalid number value for %s: %v", key, err)
		}
		*target = parsed
	} else {
		*target = defaultValue
	}
	return nil
}

func loadEnvDuration(target *time.Duration, key string, defaultValue time.Duration) error {
	if value := os.Getenv(key); value != "" {
		parsed, err := time.ParseDuration(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("invalid duration value for %s: %v", key, err)
		}
		*target = parsed
	} else {
		*target = defaultValue
	}
	return nil
}
