package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func runCapture(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout strings.Builder
	err := run(context.Background(), strings.NewReader(""), &stdout, &strings.Builder{}, args)
	return stdout.String(), err
}

func TestVersionText(t *testing.T) {
	out, err := runCapture(t, "version")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out, "bctb-mcp") {
		t.Errorf("output = %q", out)
	}
	if !strings.Contains(out, "version:") {
		t.Errorf("missing version field: %q", out)
	}
}

func TestVersionJSON(t *testing.T) {
	out, err := runCapture(t, "-o", "json", "version")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if info["go_version"] == "" {
		t.Errorf("info = %+v", info)
	}
}

func TestNoCommandPrintsUsage(t *testing.T) {
	out, err := runCapture(t)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out, "Usage: bctb-mcp") {
		t.Errorf("output = %q", out)
	}
}

func TestUnknownCommand(t *testing.T) {
	if _, err := runCapture(t, "frobnicate"); err == nil {
		t.Fatal("expected an error")
	}
}

func TestUnknownFlag(t *testing.T) {
	if _, err := runCapture(t, "-bogus", "serve"); err == nil {
		t.Fatal("expected an error")
	}
}

func TestUnknownOutputFormat(t *testing.T) {
	if _, err := runCapture(t, "-o", "yaml", "version"); err == nil {
		t.Fatal("expected an error")
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bctb.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestValidateOK(t *testing.T) {
	path := writeConfig(t, `
default_profile: prod
profiles:
  prod:
    connection_name: prod-bc
    auth_flow: client_credentials
    tenant_id: tenant-1
    client_id: client-1
    client_secret: secret-1
    application_insights_app_id: app-1
`)

	out, err := runCapture(t, "-config", path, "validate")
	if err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}
	if !strings.Contains(out, "configuration valid") {
		t.Errorf("output = %q", out)
	}
	if !strings.Contains(out, `connection "prod-bc"`) {
		t.Errorf("output = %q", out)
	}
}

func TestValidateReportsAllViolations(t *testing.T) {
	path := writeConfig(t, `
default_profile: broken
profiles:
  broken:
    auth_flow: client_credentials
`)

	out, err := runCapture(t, "-config", path, "validate")
	if err == nil {
		t.Fatal("expected an error")
	}
	if !strings.Contains(out, "BCTB_CLIENT_SECRET is required for client_credentials auth flow") {
		t.Errorf("output = %q", out)
	}
	if strings.Count(out, "error:") < 2 {
		t.Errorf("expected multiple violations listed:\n%s", out)
	}
}

func TestValidateUnknownProfile(t *testing.T) {
	path := writeConfig(t, `
default_profile: prod
profiles:
  prod:
    auth_flow: azure_cli
    application_insights_app_id: app-1
`)

	if _, err := runCapture(t, "-config", path, "-profile", "missing", "validate"); err == nil {
		t.Fatal("expected an error")
	}
}

func TestSweeperInterval(t *testing.T) {
	tests := []struct {
		ttlSeconds int
		want       string
	}{
		{10, "1m0s"},
		{300, "5m0s"},
		{7200, "10m0s"},
	}
	for _, tt := range tests {
		if got := sweeperInterval(tt.ttlSeconds); got.String() != tt.want {
			t.Errorf("sweeperInterval(%d) = %s, want %s", tt.ttlSeconds, got, tt.want)
		}
	}
}
