package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bctb.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadExpandsTopLevelPlaceholders(t *testing.T) {
	t.Setenv("BCTB_TEST_DATA_DIR", "/var/lib/bctb-test")
	t.Setenv("BCTB_TEST_LEVEL", "debug")
	t.Setenv("BCTB_TEST_PROFILE", "prod")

	path := writeConfigFile(t, `
default_profile: ${BCTB_TEST_PROFILE}
log_level: ${BCTB_TEST_LEVEL}
data_dir: ${BCTB_TEST_DATA_DIR}
profiles:
  prod:
    auth_flow: azure_cli
    tenant_id: ${BCTB_TEST_TENANT}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.DataDir != "/var/lib/bctb-test" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
	if cfg.DefaultProfile != "prod" {
		t.Errorf("DefaultProfile = %q", cfg.DefaultProfile)
	}

	// Profile fields must stay literal until Resolve, so inheritance
	// merges the config text rather than an early expansion.
	if got := cfg.Profiles["prod"].TenantID; got != "${BCTB_TEST_TENANT}" {
		t.Errorf("profile TenantID = %q, want the unexpanded placeholder", got)
	}
}

func TestLoadUnsetTopLevelPlaceholderIsEmpty(t *testing.T) {
	path := writeConfigFile(t, `
data_dir: ${BCTB_TEST_UNSET_DIR}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != "" {
		t.Errorf("DataDir = %q, want empty for unset variable", cfg.DataDir)
	}
}
