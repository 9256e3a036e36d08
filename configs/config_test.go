package configs

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadConfig_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, `
server:
  addr: ":61000"
  hub:
    queue_cap: 8
cluster:
  enabled: true
  bus_type: redis
  redis:
    addrs: ["10.0.0.1:6379"]
    op_timeout: 2s
log:
  level: debug
`)

	cfg, err := LoadConfig(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != ":61000" || cfg.Server.Hub.QueueCap != 8 {
		t.Errorf("server section not applied: %+v", cfg.Server)
	}
	if cfg.Cluster.BusType != "redis" || cfg.Cluster.Redis.Addrs[0] != "10.0.0.1:6379" {
		t.Errorf("cluster section not applied: %+v", cfg.Cluster)
	}
	if cfg.Cluster.Redis.OpTimeout != 2*time.Second {
		t.Errorf("OpTimeout = %v", cfg.Cluster.Redis.OpTimeout)
	}

	// 文件中未出现的字段保留默认值
	def := NewDefaultConfig()
	if cfg.Server.AdminAddr != def.Server.AdminAddr {
		t.Errorf("AdminAddr = %q", cfg.Server.AdminAddr)
	}
	if cfg.Server.Session.MaxBufferSize != def.Server.Session.MaxBufferSize {
		t.Errorf("MaxBufferSize = %d", cfg.Server.Session.MaxBufferSize)
	}
	if cfg.Cluster.Redis.KeyPrefix != "wscast:" {
		t.Errorf("KeyPrefix = %q", cfg.Cluster.Redis.KeyPrefix)
	}
	if ParseLogLevel(cfg.Log.Level) != slog.LevelDebug {
		t.Errorf("log level = %q", cfg.Log.Level)
	}
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "server:\n  addr: \":61000\"\n")
	t.Setenv("WSCAST_SERVER_ADDR", ":62000")

	cfg, err := LoadConfig(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != ":62000" {
		t.Errorf("Addr = %q, want env override", cfg.Server.Addr)
	}
}

// TestLoadConfig_EnvOverrideUnsetKeys 文件中没有的key也能被环境变量覆盖
func TestLoadConfig_EnvOverrideUnsetKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "server:\n  addr: \":61000\"\n")
	t.Setenv("WSCAST_SERVER_ADMIN_ADDR", ":9999")
	t.Setenv("WSCAST_SERVER_HUB_QUEUE_CAP", "42")
	t.Setenv("WSCAST_CLUSTER_REDIS_DIAL_TIMEOUT", "3s")

	cfg, err := LoadConfig(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != ":61000" {
		t.Errorf("Addr = %q, want file value", cfg.Server.Addr)
	}
	if cfg.Server.AdminAddr != ":9999" {
		t.Errorf("AdminAddr = %q, want env override", cfg.Server.AdminAddr)
	}
	if cfg.Server.Hub.QueueCap != 42 {
		t.Errorf("QueueCap = %d, want 42", cfg.Server.Hub.QueueCap)
	}
	if cfg.Cluster.Redis.DialTimeout != 3*time.Second {
		t.Errorf("DialTimeout = %v, want 3s", cfg.Cluster.Redis.DialTimeout)
	}
	if cfg.Auth.Issuer != "wscast" {
		t.Errorf("Issuer = %q, want default", cfg.Auth.Issuer)
	}
}

func TestLoadConfig_MissingFileEnvOverride(t *testing.T) {
	t.Setenv("WSCAST_SERVER_ADDR", ":62000")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != ":62000" {
		t.Errorf("Addr = %q, want env override", cfg.Server.Addr)
	}
	if cfg.Server.AdminAddr != ":9090" {
		t.Errorf("AdminAddr = %q, want default", cfg.Server.AdminAddr)
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != ":60000" {
		t.Errorf("expected defaults, got %+v", cfg.Server)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "cluster:\n  enabled: true\n  bus_type: kafka\n")

	if _, err := LoadConfig(path, nil); err == nil {
		t.Error("expected error for unsupported bus type")
	}
}

func TestLoadConfig_HotReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "log:\n  level: info\n")

	changed := make(chan Config, 4)
	if _, err := LoadConfig(path, func(c Config) { changed <- c }); err != nil {
		t.Fatal(err)
	}

	writeConfig(t, path, "log:\n  level: warn\n")

	deadline := time.After(5 * time.Second)
	for {
		select {
		case c := <-changed:
			if c.Log.Level == "warn" {
				return
			}
		case <-deadline:
			t.Fatal("config change not observed")
		}
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLogLevel(in); got != want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
