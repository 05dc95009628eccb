package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nllm/tokend/internal/model"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// run executes the root command with args against an isolated home and data
// directory and returns everything written to stdout.
func run(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	t.Setenv("HOME", dir)
	t.Setenv("TOKEND_LOGGING_LEVEL", "error")

	root := newRootCmd("1.2.3", "abc123", "2025-03-01")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--data-dir", filepath.Join(dir, "data")}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func mustRun(t *testing.T, dir string, args ...string) string {
	t.Helper()
	out, err := run(t, dir, args...)
	if err != nil {
		t.Fatalf("tokend %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return out
}

func TestVersionCommand(t *testing.T) {
	dir := t.TempDir()

	out := mustRun(t, dir, "version")
	if !strings.Contains(out, "tokend 1.2.3") || !strings.Contains(out, "abc123") {
		t.Errorf("unexpected output:\n%s", out)
	}

	out = mustRun(t, dir, "version", "--json")
	var info map[string]string
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if info["version"] != "1.2.3" || info["built"] != "2025-03-01" {
		t.Errorf("info = %v", info)
	}
}

func TestTokenLifecycle(t *testing.T) {
	dir := t.TempDir()

	// Output is not a terminal, so create prints only the secret.
	secret := strings.TrimSpace(mustRun(t, dir, "token", "create", "--owner", "user_1", "--name", "ci", "--meta", "env=prod"))
	if !strings.HasPrefix(secret, "nllm_") || len(secret) != 48 {
		t.Fatalf("secret = %q", secret)
	}

	out := mustRun(t, dir, "token", "list", "--owner", "user_1", "--json")
	var creds []model.CredentialSummary
	if err := json.Unmarshal([]byte(out), &creds); err != nil {
		t.Fatalf("decode list: %v\n%s", err, out)
	}
	if len(creds) != 1 {
		t.Fatalf("got %d tokens, want 1", len(creds))
	}
	c := creds[0]
	if c.Name != "ci" || c.Metadata["env"] != "prod" {
		t.Errorf("credential = %+v", c)
	}
	if c.Prefix != secret[:9] || c.Suffix != secret[len(secret)-4:] {
		t.Errorf("prefix/suffix = %q/%q for %q", c.Prefix, c.Suffix, secret)
	}
	if strings.Contains(out, secret) {
		t.Error("list output contains the secret")
	}

	// Table output mentions the token and its status.
	out = mustRun(t, dir, "token", "list", "--owner", "user_1")
	if !strings.Contains(out, c.ID) || !strings.Contains(out, "active") {
		t.Errorf("table output:\n%s", out)
	}

	out = mustRun(t, dir, "token", "usage", c.ID, "--owner", "user_1")
	if !strings.Contains(out, "No recorded usage") {
		t.Errorf("usage output:\n%s", out)
	}

	out = mustRun(t, dir, "token", "revoke", c.ID, "--owner", "user_1")
	if !strings.Contains(out, "Revoked token "+c.ID) {
		t.Errorf("revoke output:\n%s", out)
	}

	out = mustRun(t, dir, "token", "list", "--owner", "user_1")
	if !strings.Contains(out, "revoked") {
		t.Errorf("list after revoke:\n%s", out)
	}
}

func TestTokenCreateJSON(t *testing.T) {
	dir := t.TempDir()

	out := mustRun(t, dir, "token", "create", "--owner", "user_1", "--name", "deploy", "--expires-in", "24h", "--json")
	var issued model.IssuedCredential
	if err := json.Unmarshal([]byte(out), &issued); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if !strings.HasPrefix(issued.Token, "nllm_") {
		t.Errorf("token = %q", issued.Token)
	}
	if issued.Credential.ExpiresAt == nil {
		t.Error("expected an expiry")
	}
}

func TestTokenRevokeOtherOwner(t *testing.T) {
	dir := t.TempDir()

	mustRun(t, dir, "token", "create", "--owner", "user_1", "--name", "ci")
	out := mustRun(t, dir, "token", "list", "--owner", "user_1", "--json")
	var creds []model.CredentialSummary
	if err := json.Unmarshal([]byte(out), &creds); err != nil {
		t.Fatal(err)
	}

	_, err := run(t, dir, "token", "revoke", creds[0].ID, "--owner", "user_2")
	if err == nil || !strings.Contains(err.Error(), "no token") {
		t.Errorf("err = %v, want not found", err)
	}
}

func TestTokenCreateRequiresFlags(t *testing.T) {
	dir := t.TempDir()
	if _, err := run(t, dir, "token", "create", "--owner", "user_1"); err == nil {
		t.Error("expected error without --name")
	}
	if _, err := run(t, dir, "token", "create", "--name", "x"); err == nil {
		t.Error("expected error without --owner")
	}
}

func TestOwnerDelete(t *testing.T) {
	dir := t.TempDir()
	mustRun(t, dir, "token", "create", "--owner", "user_1", "--name", "a")

	if _, err := run(t, dir, "owner", "delete", "user_1"); err == nil {
		t.Error("expected refusal without --yes")
	}

	mustRun(t, dir, "owner", "delete", "user_1", "--yes")
	out := mustRun(t, dir, "token", "list", "--owner", "user_1")
	if !strings.Contains(out, "No tokens") {
		t.Errorf("list after delete:\n%s", out)
	}
}

func TestMigrateCommand(t *testing.T) {
	dir := t.TempDir()

	out := mustRun(t, dir, "migrate")
	if !strings.Contains(out, "migration(s) applied") {
		t.Errorf("first migrate:\n%s", out)
	}
	out = mustRun(t, dir, "migrate")
	if !strings.Contains(out, "up to date") {
		t.Errorf("second migrate:\n%s", out)
	}
}

func TestSessionMint(t *testing.T) {
	dir := t.TempDir()

	t.Setenv("TOKEND_AUTH_SESSION_SECRET", "")
	if _, err := run(t, dir, "session", "mint", "--owner", "user_1"); err == nil {
		t.Error("expected error without a session secret")
	}

	t.Setenv("TOKEND_AUTH_SESSION_SECRET", testSecret)
	out := strings.TrimSpace(mustRun(t, dir, "session", "mint", "--owner", "user_1", "--ttl", "5m"))
	if strings.Count(out, ".") != 2 {
		t.Errorf("not a JWT: %q", out)
	}
}

func TestConfigInitAndShow(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tokend.yaml")

	mustRun(t, dir, "config", "init", "-o", path)
	if _, err := run(t, dir, "config", "init", "-o", path); err == nil {
		t.Error("expected error for existing file")
	}
	mustRun(t, dir, "config", "init", "-o", path, "--force")

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("mode = %v, want 0600", info.Mode().Perm())
	}

	t.Setenv("TOKEND_AUTH_SESSION_SECRET", testSecret)
	out := mustRun(t, dir, "--config", path, "config", "show")
	if !strings.Contains(out, "# Config file: "+path) {
		t.Errorf("missing config file line:\n%s", out)
	}
	if strings.Contains(out, testSecret) {
		t.Error("config show leaked the session secret")
	}
	if !strings.Contains(out, "********") {
		t.Errorf("secret not redacted:\n%s", out)
	}
}

func TestConfigMissingFile(t *testing.T) {
	dir := t.TempDir()
	if _, err := run(t, dir, "--config", filepath.Join(dir, "nope.yaml"), "config", "show"); err == nil {
		t.Error("expected error for missing explicit config file")
	}
}

func TestOpenAPICommand(t *testing.T) {
	dir := t.TempDir()

	out := mustRun(t, dir, "openapi", "--base-url", "https://api.example.com")
	var doc map[string]interface{}
	if err := json.Unmarshal([]byte(out), &doc); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if doc["openapi"] != "3.1.0" {
		t.Errorf("openapi = %v", doc["openapi"])
	}
	if !strings.Contains(out, "https://api.example.com") {
		t.Error("base URL missing from servers")
	}

	file := filepath.Join(dir, "openapi.json")
	mustRun(t, dir, "openapi", "-o", file)
	if _, err := os.Stat(file); err != nil {
		t.Errorf("spec file not written: %v", err)
	}
}

func TestMCPRequiresToken(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(tokenEnvVar, "")

	_, err := run(t, dir, "mcp")
	if err == nil || !strings.Contains(err.Error(), tokenEnvVar) {
		t.Errorf("err = %v", err)
	}
	if _, err := run(t, dir, "mcp", "--transport", "sse"); err == nil {
		t.Error("expected error for unknown transport")
	}
}

func TestServeRequiresSecret(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TOKEND_AUTH_SESSION_SECRET", "")

	_, err := run(t, dir, "serve", "--port", "0")
	if err == nil || !strings.Contains(err.Error(), "session_secret") {
		t.Errorf("err = %v", err)
	}
}

func TestVersionString(t *testing.T) {
	tests := []struct{ in, want string }{
		{"", "dev"},
		{"dev", "dev"},
		{"1.0.0", "v1.0.0"},
		{"v2.1.0", "v2.1.0"},
	}
	for _, tt := range tests {
		appVersion = tt.in
		if got := versionString(); got != tt.want {
			t.Errorf("versionString(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	appVersion = ""
}
