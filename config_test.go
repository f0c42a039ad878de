package main

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempFile(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeTempFile(t, dir, "config.toml", `
[inventory]
path = "inventory.yml"
format = "ansible"

[ssh]
timeout = 15
key_file = "/home/ops/.ssh/id_ed25519"
username = "ops"
port = 22

[proxmox]
endpoint = "https://pve.example.com:8006"
username = "root@pam"
password = "secret"
verify_ssl = false
timeout = 20
vm_mapping_file = "vm_mapping.toml"

[updates]
apply_updates = true
reboot_after_updates = true
opt_out_hosts = ["legacy1"]
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.SSH.Username != "ops" {
		t.Errorf("expected ssh username 'ops', got %q", cfg.SSH.Username)
	}
	if cfg.Proxmox == nil || cfg.Proxmox.Endpoint != "https://pve.example.com:8006" {
		t.Errorf("expected proxmox endpoint to be parsed, got %+v", cfg.Proxmox)
	}
	if cfg.Proxmox.VerifySSL {
		t.Errorf("expected verify_ssl to be false")
	}
	if !cfg.Updates.ApplyUpdates {
		t.Errorf("expected apply_updates to be true")
	}
	if len(cfg.Updates.OptOutHosts) != 1 || cfg.Updates.OptOutHosts[0] != "legacy1" {
		t.Errorf("expected opt_out_hosts to contain legacy1, got %v", cfg.Updates.OptOutHosts)
	}

	// Defaults not present in the document should survive unmarshal.
	if cfg.Updates.RebootTimeout != 300 {
		t.Errorf("expected default reboot_timeout 300, got %d", cfg.Updates.RebootTimeout)
	}
	if cfg.Updates.SnapshotNamePrefix != "pre-update" {
		t.Errorf("expected default snapshot prefix, got %q", cfg.Updates.SnapshotNamePrefix)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestInventoryPathRelative(t *testing.T) {
	dir := t.TempDir()
	path := writeTempFile(t, dir, "config.toml", `
[inventory]
path = "hosts/inventory.yml"
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	invPath, err := cfg.InventoryPath()
	if err != nil {
		t.Fatalf("InventoryPath: %v", err)
	}
	want := filepath.Join(dir, "hosts/inventory.yml")
	if invPath != want {
		t.Errorf("expected %q, got %q", want, invPath)
	}
}

func TestInventoryPathAbsolute(t *testing.T) {
	dir := t.TempDir()
	path := writeTempFile(t, dir, "config.toml", `
[inventory]
path = "/etc/patchflow/inventory.yml"
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	invPath, err := cfg.InventoryPath()
	if err != nil {
		t.Fatalf("InventoryPath: %v", err)
	}
	if invPath != "/etc/patchflow/inventory.yml" {
		t.Errorf("expected absolute path preserved, got %q", invPath)
	}
}

func TestWriteExampleConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml.example")
	if err := WriteExampleConfig(path); err != nil {
		t.Fatalf("WriteExampleConfig: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("generated example config should parse: %v", err)
	}
	if cfg.Proxmox == nil {
		t.Errorf("expected example config to include a [proxmox] section")
	}
}
