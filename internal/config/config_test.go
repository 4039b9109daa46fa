package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var allKeys = []string{
	envKeyListenAddress, envKeyLogLevel, envKeyBackend, envKeyYTDLPPath,
	envKeyProxyBaseURL, envKeyProxyRatePerSecond, envKeyRequestTimeout,
	envKeyMetadataCacheSeconds, envKeyMaxClicks, envKeyWindowSeconds,
	envKeyBlockMinutes, envKeyCleanupSeconds, envKeyGovernorStore,
	envKeyRedisAddr, envKeyRedisPassword, envKeyRedisDB, envKeyRedisPrefix,
	envKeyAdminToken, envKeyTrustedProxies, envKeyAuditDB, envKeyAuditRetentionDays,
}

// clearEnv blanks every key and moves into an empty directory so no stray
// .env file is picked up.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range allKeys {
		t.Setenv(k, "")
	}
	t.Chdir(t.TempDir())
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddress != ":8080" {
		t.Fatalf("listen = %q", cfg.ListenAddress)
	}
	if cfg.Backend != "library" || cfg.GovernorStore != "memory" {
		t.Fatalf("backend=%q store=%q", cfg.Backend, cfg.GovernorStore)
	}
	if cfg.Governor.MaxClicks != 15 || cfg.Governor.Window != time.Minute ||
		cfg.Governor.BlockDuration != time.Hour || cfg.Governor.CleanupInterval != 5*time.Minute {
		t.Fatalf("unexpected governor defaults: %+v", cfg.Governor)
	}
	if cfg.MetadataTTL != 5*time.Minute {
		t.Fatalf("metadata ttl = %s", cfg.MetadataTTL)
	}
	if len(cfg.TrustedProxies) != 0 {
		t.Fatalf("expected no trusted proxies, got %v", cfg.TrustedProxies)
	}
	if cfg.AdminToken != "" {
		t.Fatalf("admin token should default to empty")
	}
	if cfg.AuditRetention != 30*24*time.Hour {
		t.Fatalf("audit retention = %s", cfg.AuditRetention)
	}
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv(envKeyMaxClicks, "3")
	t.Setenv(envKeyWindowSeconds, "10")
	t.Setenv(envKeyBlockMinutes, "2")
	t.Setenv(envKeyCleanupSeconds, "30")
	t.Setenv(envKeyBackend, "PROXY")
	t.Setenv(envKeyProxyBaseURL, "https://proxy.example/api/")
	t.Setenv(envKeyGovernorStore, "redis")
	t.Setenv(envKeyRedisDB, "4")
	t.Setenv(envKeyTrustedProxies, "10.0.0.0/8,127.0.0.1")
	t.Setenv(envKeyAuditRetentionDays, "0")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Governor.MaxClicks != 3 || cfg.Governor.Window != 10*time.Second ||
		cfg.Governor.BlockDuration != 2*time.Minute || cfg.Governor.CleanupInterval != 30*time.Second {
		t.Fatalf("unexpected governor config: %+v", cfg.Governor)
	}
	if cfg.Backend != "proxy" || cfg.ProxyBaseURL != "https://proxy.example/api" {
		t.Fatalf("backend=%q base=%q", cfg.Backend, cfg.ProxyBaseURL)
	}
	if cfg.Redis.DB != 4 {
		t.Fatalf("redis db = %d", cfg.Redis.DB)
	}
	if len(cfg.TrustedProxies) != 2 {
		t.Fatalf("trusted = %v", cfg.TrustedProxies)
	}
	if cfg.AuditRetention != 0 {
		t.Fatalf("audit retention = %s, want disabled", cfg.AuditRetention)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		key, value, want string
	}{
		{envKeyMaxClicks, "abc", envKeyMaxClicks},
		{envKeyMaxClicks, "0", "must be positive"},
		{envKeyWindowSeconds, "-5", "must be positive"},
		{envKeyBlockMinutes, "1.5", envKeyBlockMinutes},
		{envKeyBackend, "torrent", "invalid BACKEND"},
		{envKeyBackend, "proxy", envKeyProxyBaseURL},
		{envKeyGovernorStore, "etcd", "invalid GOVERNOR_STORE"},
		{envKeyTrustedProxies, "10.0.0.0/99", envKeyTrustedProxies},
		{envKeyMetadataCacheSeconds, "-1", "must not be negative"},
		{envKeyProxyRatePerSecond, "0", "must be positive"},
		{envKeyAuditRetentionDays, "-1", "must not be negative"},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadReadsEnvFile(t *testing.T) {
	clearEnv(t)
	os.Unsetenv(envKeyAdminToken)
	os.Unsetenv(envKeyMaxClicks)
	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte("ADMIN_TOKEN=s3cret\nRATE_LIMIT_MAX_CLICKS=7\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Cleanup(func() {
		os.Unsetenv(envKeyAdminToken)
		os.Unsetenv(envKeyMaxClicks)
	})

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AdminToken != "s3cret" || cfg.Governor.MaxClicks != 7 {
		t.Fatalf("env file not applied: token=%q clicks=%d", cfg.AdminToken, cfg.Governor.MaxClicks)
	}
}

func TestLoadMissingNamedFileFails(t *testing.T) {
	clearEnv(t)
	if _, err := Load(filepath.Join(t.TempDir(), "missing.env")); err == nil {
		t.Fatalf("expected error for a missing named env file")
	}
}
