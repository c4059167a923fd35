package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadValid(t *testing.T) {
	path := writeConfig(t, `
port: "8084"
databaseURL: "postgres://localhost/clinichat"
logLevel: "debug"
jwtSecret: "s3cret"
redisAddr: "localhost:6379"
pollRateLimit: 60
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "8084" || cfg.DatabaseURL != "postgres://localhost/clinichat" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.JWTSecret != "s3cret" || cfg.PollRateLimit != 60 {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
port: "8084"
databaseURL: "postgres://file-value"
jwtSecret: "file-secret"
`)
	t.Setenv("DATABASE_URL", "postgres://env-value")
	t.Setenv("JWT_SECRET", "env-secret")
	t.Setenv("PORT", "9000")
	t.Setenv("POLL_RATE_LIMIT", "25")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DatabaseURL != "postgres://env-value" {
		t.Fatalf("DATABASE_URL not applied: %q", cfg.DatabaseURL)
	}
	if cfg.JWTSecret != "env-secret" || cfg.Port != "9000" || cfg.PollRateLimit != 25 {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
}

func TestLoadRejectsIncomplete(t *testing.T) {
	path := writeConfig(t, `
port: "8084"
databaseURL: "postgres://localhost/clinichat"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("missing jwtSecret should fail validation")
	}

	path = writeConfig(t, `
databaseURL: "postgres://localhost/clinichat"
jwtSecret: "s3cret"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("missing port should fail validation")
	}

	path = writeConfig(t, `
port: "8084"
databaseURL: "postgres://localhost/clinichat"
jwtSecret: "s3cret"
pollRateLimit: -1
`)
	if _, err := Load(path); err == nil {
		t.Fatal("negative pollRateLimit should fail validation")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("missing file should error")
	}
}

func TestLoadBadYAML(t *testing.T) {
	path := writeConfig(t, "port: [unclosed")
	if _, err := Load(path); err == nil {
		t.Fatal("malformed yaml should error")
	}
}
