package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestEnvHelpers(t *testing.T) {
	t.Setenv("VOUCH_T_STR", "  value ")
	t.Setenv("VOUCH_T_BOOL", "nope")
	t.Setenv("VOUCH_T_INT", "-4")
	t.Setenv("VOUCH_T_INT64", "209715200")
	t.Setenv("VOUCH_T_DUR", "90s")

	if got := EnvString("VOUCH_T_STR", "def"); got != "value" {
		t.Fatalf("EnvString=%q", got)
	}
	if got := EnvBool("VOUCH_T_BOOL", true); !got {
		t.Fatalf("EnvBool should fall back on parse error")
	}
	if got := EnvInt("VOUCH_T_INT", 7); got != 7 {
		t.Fatalf("EnvInt should reject non-positive values, got %d", got)
	}
	if got := EnvInt64("VOUCH_T_INT64", 1); got != 200<<20 {
		t.Fatalf("EnvInt64=%d", got)
	}
	if got := EnvDuration("VOUCH_T_DUR", time.Second); got != 90*time.Second {
		t.Fatalf("EnvDuration=%v", got)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("VOUCH_T_DOTENV=from-file\nVOUCH_T_KEEP=from-file\n"), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}

	t.Setenv("VOUCH_T_KEEP", "from-env")
	t.Setenv("VOUCH_T_DOTENV", "")
	_ = os.Unsetenv("VOUCH_T_DOTENV")

	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("VOUCH_T_DOTENV"); got != "from-file" {
		t.Fatalf("expected file value, got %q", got)
	}
	if got := os.Getenv("VOUCH_T_KEEP"); got != "from-env" {
		t.Fatalf("environment must win over .env, got %q", got)
	}

	if err := LoadDotEnv(filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("missing file should be ignored: %v", err)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("VOUCH_HTTP_ADDR", "")
	t.Setenv("VOUCH_MAX_PAYLOAD_BYTES", "")
	t.Setenv("VOUCH_TOTP_SKEW", "")

	cfg := LoadConfig()
	if cfg.HTTPAddr != "0.0.0.0:8080" {
		t.Fatalf("HTTPAddr=%q", cfg.HTTPAddr)
	}
	if cfg.MaxPayloadBytes != 200<<20 {
		t.Fatalf("MaxPayloadBytes=%d", cfg.MaxPayloadBytes)
	}
	if cfg.TOTPSkew != 1 || !cfg.DBMigrate {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}
