package config

import (
	"os"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "ibsupervisor-config-*.yaml")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	t.Cleanup(func() { os.Remove(tmpFile.Name()) })

	if _, err := tmpFile.WriteString(content); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	if err := tmpFile.Close(); err != nil {
		t.Fatalf("failed to close temp file: %v", err)
	}
	return tmpFile.Name()
}

func TestLoadDefaults(t *testing.T) {
	path := writeTempConfig(t, `
gateway:
  run_script: "/opt/clientportal/bin/run.sh"
  config_path: "/opt/clientportal/root/conf.yaml"
supervisor:
  tick_interval: 5s
  max_auth_failures: 4
login:
  mode: manual
transport:
  kind: none
storage:
  sqlite_path: "/tmp/ibsupervisor/ib.db"
credentials:
  DU1234:
    username: trader
    password: secret
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	// -- Gateway --
	if cfg.Gateway.RunScript != "/opt/clientportal/bin/run.sh" {
		t.Errorf("Gateway.RunScript = %q, want %q", cfg.Gateway.RunScript, "/opt/clientportal/bin/run.sh")
	}
	if cfg.Gateway.BasePort != 5000 {
		t.Errorf("Gateway.BasePort = %d, want %d", cfg.Gateway.BasePort, 5000)
	}
	if cfg.Gateway.Host != "localhost" {
		t.Errorf("Gateway.Host = %q, want %q", cfg.Gateway.Host, "localhost")
	}

	// -- Supervisor --
	if cfg.Supervisor.TickInterval != 5*time.Second {
		t.Errorf("Supervisor.TickInterval = %v, want %v", cfg.Supervisor.TickInterval, 5*time.Second)
	}
	if cfg.Supervisor.GatewayPollInterval != time.Second {
		t.Errorf("Supervisor.GatewayPollInterval = %v, want %v", cfg.Supervisor.GatewayPollInterval, time.Second)
	}
	if cfg.Supervisor.ReauthInterval != 20*time.Minute {
		t.Errorf("Supervisor.ReauthInterval = %v, want %v", cfg.Supervisor.ReauthInterval, 20*time.Minute)
	}
	if cfg.Supervisor.MaxAuthFailures != 4 {
		t.Errorf("Supervisor.MaxAuthFailures = %d, want %d", cfg.Supervisor.MaxAuthFailures, 4)
	}

	// -- Login --
	if cfg.Login.Mode != "manual" {
		t.Errorf("Login.Mode = %q, want %q", cfg.Login.Mode, "manual")
	}
	if cfg.Login.SuccessMarker != "Client login succeeds" {
		t.Errorf("Login.SuccessMarker = %q, want default", cfg.Login.SuccessMarker)
	}

	// -- Transport --
	if cfg.Transport.Kind != "none" {
		t.Errorf("Transport.Kind = %q, want %q", cfg.Transport.Kind, "none")
	}
	if cfg.Transport.Broker != "ib" {
		t.Errorf("Transport.Broker = %q, want %q", cfg.Transport.Broker, "ib")
	}
	if cfg.Transport.CommandsKey != "ib:commands" {
		t.Errorf("Transport.CommandsKey = %q, want %q", cfg.Transport.CommandsKey, "ib:commands")
	}
	if cfg.Transport.Workers != 8 {
		t.Errorf("Transport.Workers = %d, want 8", cfg.Transport.Workers)
	}
	if cfg.Transport.DedupeTTL != 10*time.Minute {
		t.Errorf("Transport.DedupeTTL = %v, want 10m", cfg.Transport.DedupeTTL)
	}

	// -- Storage --
	if cfg.Storage.SQLitePath != "/tmp/ibsupervisor/ib.db" {
		t.Errorf("Storage.SQLitePath = %q, want %q", cfg.Storage.SQLitePath, "/tmp/ibsupervisor/ib.db")
	}

	// -- Credentials --
	creds, ok := cfg.Credentials["DU1234"]
	if !ok {
		t.Fatal("Credentials[DU1234] missing")
	}
	if creds.Username != "trader" || creds.Password != "secret" {
		t.Errorf("Credentials[DU1234] = %+v, want trader/secret", creds)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeTempConfig(t, `
gateway:
  host: "gw.internal"
  base_port: 5000
transport:
  redis_addr: "redis:6379"
`)

	t.Setenv("GATEWAY_BASE_PORT", "6000")
	t.Setenv("REDIS_ADDR", "cache:6380")
	t.Setenv("LOGIN_MODE", "interactive")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Gateway.BasePort != 6000 {
		t.Errorf("Gateway.BasePort = %d, want %d (env override)", cfg.Gateway.BasePort, 6000)
	}
	// host should remain from YAML since no env override was set.
	if cfg.Gateway.Host != "gw.internal" {
		t.Errorf("Gateway.Host = %q, want %q (from YAML)", cfg.Gateway.Host, "gw.internal")
	}
	if cfg.Transport.RedisAddr != "cache:6380" {
		t.Errorf("Transport.RedisAddr = %q, want %q (env override)", cfg.Transport.RedisAddr, "cache:6380")
	}
	if cfg.Login.Mode != "interactive" {
		t.Errorf("Login.Mode = %q, want %q (env override)", cfg.Login.Mode, "interactive")
	}
}

func TestLoadInvalidMode(t *testing.T) {
	path := writeTempConfig(t, `
login:
  mode: telepathy
`)

	if _, err := Load(path); err == nil {
		t.Fatal("Load() with unknown login mode should fail")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/ibsupervisor.yaml"); err == nil {
		t.Fatal("Load() of a missing file should fail")
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
	if cfg.Transport.RepliesStream != "ib:replies" {
		t.Errorf("Transport.RepliesStream = %q, want %q", cfg.Transport.RepliesStream, "ib:replies")
	}
}
