// Package config loads ytgate settings from the environment, after an optional
// .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/lvcoi/ytgate/internal/clientip"
	"github.com/lvcoi/ytgate/internal/governor"
)

const (
	envKeyListenAddress        = "LISTEN_ADDR"
	envKeyLogLevel             = "LOG_LEVEL"
	envKeyBackend              = "BACKEND"
	envKeyYTDLPPath            = "YTDLP_PATH"
	envKeyProxyBaseURL         = "PROXY_BASE_URL"
	envKeyProxyRatePerSecond   = "PROXY_RATE_PER_SECOND"
	envKeyRequestTimeout       = "REQUEST_TIMEOUT_SECONDS"
	envKeyMetadataCacheSeconds = "METADATA_CACHE_SECONDS"
	envKeyMaxClicks            = "RATE_LIMIT_MAX_CLICKS"
	envKeyWindowSeconds        = "RATE_LIMIT_WINDOW_SECONDS"
	envKeyBlockMinutes         = "RATE_LIMIT_BLOCK_MINUTES"
	envKeyCleanupSeconds       = "RATE_LIMIT_CLEANUP_SECONDS"
	envKeyGovernorStore        = "GOVERNOR_STORE"
	envKeyRedisAddr            = "REDIS_ADDR"
	envKeyRedisPassword        = "REDIS_PASSWORD"
	envKeyRedisDB              = "REDIS_DB"
	envKeyRedisPrefix          = "REDIS_PREFIX"
	envKeyAdminToken           = "ADMIN_TOKEN"
	envKeyTrustedProxies       = "TRUSTED_PROXIES"
	envKeyAuditDB              = "AUDIT_DB"
	envKeyAuditRetentionDays   = "AUDIT_RETENTION_DAYS"

	defaultListenAddress        = ":8080"
	defaultLogLevel             = "info"
	defaultBackend              = "library"
	defaultYTDLPPath            = "yt-dlp"
	defaultProxyRatePerSecond   = 2.0
	defaultRequestTimeout       = 120
	defaultMetadataCacheSeconds = 300
	defaultGovernorStore        = "memory"
	defaultRedisAddr            = "localhost:6379"
	defaultRedisPrefix          = "ytgate:gov:"
	defaultAuditRetentionDays   = 30
)

type Config struct {
	ListenAddress string
	LogLevel      string

	Backend        string
	YTDLPPath      string
	ProxyBaseURL   string
	ProxyRate      float64
	RequestTimeout time.Duration
	MetadataTTL    time.Duration
	Governor       governor.Config
	GovernorStore  string
	Redis          governor.RedisConfig
	AdminToken     string
	TrustedProxies []netip.Prefix
	AuditDBPath    string
	// AuditRetention is how long audit events are kept; zero keeps them
	// forever.
	AuditRetention time.Duration
}

// Load reads .env files (the working directory's .env when none are named)
// and then the environment. Real environment variables win over .env.
func Load(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil {
		if len(files) > 0 || !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("loading env file: %w", err)
		}
	}

	cfg := Config{
		ListenAddress: stringEnv(envKeyListenAddress, defaultListenAddress),
		LogLevel:      strings.ToLower(stringEnv(envKeyLogLevel, defaultLogLevel)),
		Backend:       strings.ToLower(stringEnv(envKeyBackend, defaultBackend)),
		YTDLPPath:     stringEnv(envKeyYTDLPPath, defaultYTDLPPath),
		ProxyBaseURL:  strings.TrimRight(stringEnv(envKeyProxyBaseURL, ""), "/"),
		GovernorStore: strings.ToLower(stringEnv(envKeyGovernorStore, defaultGovernorStore)),
		AdminToken:    os.Getenv(envKeyAdminToken),
		AuditDBPath:   stringEnv(envKeyAuditDB, ""),
		Redis: governor.RedisConfig{
			Addr:     stringEnv(envKeyRedisAddr, defaultRedisAddr),
			Password: os.Getenv(envKeyRedisPassword),
			Prefix:   stringEnv(envKeyRedisPrefix, defaultRedisPrefix),
		},
	}

	var err error
	if cfg.ProxyRate, err = floatEnv(envKeyProxyRatePerSecond, defaultProxyRatePerSecond); err != nil {
		return Config{}, err
	}
	timeoutSeconds, err := positiveIntEnv(envKeyRequestTimeout, defaultRequestTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.RequestTimeout = time.Duration(timeoutSeconds) * time.Second

	cacheSeconds, err := intEnv(envKeyMetadataCacheSeconds, defaultMetadataCacheSeconds)
	if err != nil {
		return Config{}, err
	}
	if cacheSeconds < 0 {
		return Config{}, fmt.Errorf("invalid %s: must not be negative", envKeyMetadataCacheSeconds)
	}
	cfg.MetadataTTL = time.Duration(cacheSeconds) * time.Second

	retentionDays, err := intEnv(envKeyAuditRetentionDays, defaultAuditRetentionDays)
	if err != nil {
		return Config{}, err
	}
	if retentionDays < 0 {
		return Config{}, fmt.Errorf("invalid %s: must not be negative", envKeyAuditRetentionDays)
	}
	cfg.AuditRetention = time.Duration(retentionDays) * 24 * time.Hour

	if cfg.Redis.DB, err = intEnv(envKeyRedisDB, 0); err != nil {
		return Config{}, err
	}

	gov := governor.DefaultConfig()
	if gov.MaxClicks, err = positiveIntEnv(envKeyMaxClicks, gov.MaxClicks); err != nil {
		return Config{}, err
	}
	windowSeconds, err := positiveIntEnv(envKeyWindowSeconds, int(gov.Window/time.Second))
	if err != nil {
		return Config{}, err
	}
	blockMinutes, err := positiveIntEnv(envKeyBlockMinutes, int(gov.BlockDuration/time.Minute))
	if err != nil {
		return Config{}, err
	}
	cleanupSeconds, err := positiveIntEnv(envKeyCleanupSeconds, int(gov.CleanupInterval/time.Second))
	if err != nil {
		return Config{}, err
	}
	gov.Window = time.Duration(windowSeconds) * time.Second
	gov.BlockDuration = time.Duration(blockMinutes) * time.Minute
	gov.CleanupInterval = time.Duration(cleanupSeconds) * time.Second
	cfg.Governor = gov

	if cfg.TrustedProxies, err = clientip.ParseTrusted(os.Getenv(envKeyTrustedProxies)); err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", envKeyTrustedProxies, err)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Backend {
	case "library", "binary":
	case "proxy":
		if c.ProxyBaseURL == "" {
			return fmt.Errorf("%s is required when %s=proxy", envKeyProxyBaseURL, envKeyBackend)
		}
	default:
		return fmt.Errorf("invalid %s %q: want library, binary or proxy", envKeyBackend, c.Backend)
	}
	switch c.GovernorStore {
	case "memory", "redis":
	default:
		return fmt.Errorf("invalid %s %q: want memory or redis", envKeyGovernorStore, c.GovernorStore)
	}
	if c.ProxyRate <= 0 {
		return fmt.Errorf("invalid %s: must be positive", envKeyProxyRatePerSecond)
	}
	return c.Governor.Validate()
}

func stringEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func intEnv(key string, def int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func positiveIntEnv(key string, def int) (int, error) {
	v, err := intEnv(key, def)
	if err != nil {
		return 0, err
	}
	if v <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return v, nil
}

func floatEnv(key string, def float64) (float64, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}
