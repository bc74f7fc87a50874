package tailnet

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/zalando/go-keyring"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewDefaults(t *testing.T) {
	configDir := t.TempDir()
	t.Setenv("MCP_PTY_CONFIG_DIR", configDir)
	t.Setenv(AuthKeyEnv, "")
	keyring.MockInit()

	c, err := New(&Config{}, testLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if c.Hostname() != defaultHostname {
		t.Errorf("Hostname = %q, want %q", c.Hostname(), defaultHostname)
	}
	if _, err := os.Stat(filepath.Join(configDir, "tsnet")); err != nil {
		t.Errorf("state dir not created: %v", err)
	}
}

func TestNewCustomConfig(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")

	c, err := New(&Config{Hostname: "pty-node", StateDir: dir, AuthKey: "tskey-x"}, testLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if c.Hostname() != "pty-node" {
		t.Errorf("Hostname = %q, want %q", c.Hostname(), "pty-node")
	}
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("custom state dir not created: %v", err)
	}
}

func TestResolveAuthKeyPrefersEnv(t *testing.T) {
	keyring.MockInit()
	t.Setenv(AuthKeyEnv, "tskey-env")

	if got := resolveAuthKey(testLogger()); got != "tskey-env" {
		t.Errorf("resolveAuthKey = %q, want the env key", got)
	}
}

func TestResolveAuthKeyFromKeyring(t *testing.T) {
	keyring.MockInit()
	t.Setenv(AuthKeyEnv, "")

	if got := resolveAuthKey(testLogger()); got != "" {
		t.Errorf("resolveAuthKey with nothing stored = %q, want empty", got)
	}

	if err := StoreAuthKey("tskey-stored"); err != nil {
		t.Fatalf("StoreAuthKey failed: %v", err)
	}
	if got := resolveAuthKey(testLogger()); got != "tskey-stored" {
		t.Errorf("resolveAuthKey = %q, want the stored key", got)
	}
}
