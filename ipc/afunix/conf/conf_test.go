package conf

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	c := load("")
	if c.SharedDir == "" {
		t.Error("default SharedDir is empty")
	}
	if len(c.InstallationKey) != 16 {
		t.Errorf("default InstallationKey is %q, want 16 hex digits", c.InstallationKey)
	}
	if c.ConnectTimeout() != 20*time.Second {
		t.Errorf("default ConnectTimeout is %s, want 20s", c.ConnectTimeout())
	}
	if c.InstallationKey != DeriveKey(c.SharedDir) {
		t.Error("default key does not derive from the shared dir")
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "afunix.toml")
	body := `
shared_dir = "` + dir + `"
installation_key = "00deadbeef001122"
connect_timeout_ms = 1500
`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	c := load(path)
	if c.SharedDir != dir {
		t.Errorf("SharedDir is %q, want %q", c.SharedDir, dir)
	}
	if c.InstallationKey != "00deadbeef001122" {
		t.Errorf("InstallationKey is %q, want the configured key", c.InstallationKey)
	}
	if c.ConnectTimeout() != 1500*time.Millisecond {
		t.Errorf("ConnectTimeout is %s, want 1.5s", c.ConnectTimeout())
	}
}

func TestBadKeyFallsBack(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "afunix.toml")
	if err := os.WriteFile(path, []byte(`installation_key = "NOT-HEX"`), 0644); err != nil {
		t.Fatal(err)
	}

	c := load(path)
	if c.InstallationKey != DeriveKey(c.SharedDir) {
		t.Errorf("InstallationKey is %q, want the derived key", c.InstallationKey)
	}
}

func TestDeriveKeyStable(t *testing.T) {
	a := DeriveKey("/var/run/afunix")
	b := DeriveKey("/var/run/afunix/")
	if a != b {
		t.Errorf("key differs on a trailing slash: %q vs %q", a, b)
	}
	if a == DeriveKey("/var/run/other") {
		t.Error("distinct dirs derived the same key")
	}
}
