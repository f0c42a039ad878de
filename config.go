package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

// Config is the top-level document described in spec.md §6: sections
// email, inventory, ssh, proxmox, updates. Email transport/formatting and
// inventory parsing are external collaborators (spec.md §1); this struct
// only carries what the orchestrator and CLI need to find and configure
// them.
type Config struct {
	Email     EmailConfig     `toml:"email"`
	Inventory InventoryConfig `toml:"inventory"`
	SSH       SSHConfig       `toml:"ssh"`
	Proxmox   *ProxmoxConfig  `toml:"proxmox"`
	Updates   UpdatesConfig   `toml:"updates"`

	// path is where the document was loaded from, kept for relative
	// path resolution (inventory path, vm mapping path).
	path string
}

type EmailConfig struct {
	SMTPServer string   `toml:"smtp_server"`
	SMTPPort   int      `toml:"smtp_port"`
	UseTLS     bool     `toml:"use_tls"`
	Username   string   `toml:"username"`
	Password   string   `toml:"password"`
	FromEmail  string   `toml:"from_email"`
	ToEmail    []string `toml:"to_email"`
}

type InventoryConfig struct {
	Path   string `toml:"path"`
	Format string `toml:"format"`
}

type SSHConfig struct {
	Timeout  int    `toml:"timeout"`
	KeyFile  string `toml:"key_file"`
	Username string `toml:"username"`
	Port     int    `toml:"port"`
}

type ProxmoxConfig struct {
	Endpoint      string `toml:"endpoint"`
	Username      string `toml:"username"`
	Password      string `toml:"password"`
	VerifySSL     bool   `toml:"verify_ssl"`
	Timeout       int    `toml:"timeout"`
	VMMappingFile string `toml:"vm_mapping_file"`
}

// UpdatesConfig mirrors the `updates` table of spec.md §6.
type UpdatesConfig struct {
	ApplyUpdates         bool     `toml:"apply_updates"`
	RebootAfterUpdates   bool     `toml:"reboot_after_updates"`
	RebootTimeout        int      `toml:"reboot_timeout"`
	PingTimeout          int      `toml:"ping_timeout"`
	PingInterval         int      `toml:"ping_interval"`
	SnapshotNamePrefix   string   `toml:"snapshot_name_prefix"`
	CleanupSnapshots     bool     `toml:"cleanup_snapshots"`
	SnapshotRetentionDay int      `toml:"snapshot_retention_days"`
	OptOutHosts          []string `toml:"opt_out_hosts"`
}

// LoadConfig reads and parses a config.toml document. An empty path falls
// back to ./config.toml.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := defaultConfig()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	cfg.path = abs
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Updates: UpdatesConfig{
			RebootTimeout:        300,
			PingTimeout:          120,
			PingInterval:         5,
			SnapshotNamePrefix:   "pre-update",
			SnapshotRetentionDay: 7,
		},
	}
}

// InventoryPath resolves the configured inventory path, relative to the
// config file's directory when it itself is relative.
func (c *Config) InventoryPath() (string, error) {
	if c.Inventory.Path == "" {
		return "", fmt.Errorf("no [inventory] path configured")
	}
	if filepath.IsAbs(c.Inventory.Path) {
		return c.Inventory.Path, nil
	}
	return filepath.Join(filepath.Dir(c.path), c.Inventory.Path), nil
}

const exampleConfigTOML = `[email]
smtp_server = "smtp.example.com"
smtp_port = 587
use_tls = true
username = "updates@example.com"
password = "change-me"
from_email = "updates@example.com"
to_email = ["sysadmin@example.com"]

[inventory]
path = "inventory.yml"
format = "ansible"

[ssh]
timeout = 30
key_file = ""
username = ""
port = 22

[proxmox]
endpoint = "https://pve.example.com:8006"
username = "root@pam"
password = "change-me"
verify_ssl = true
timeout = 30
vm_mapping_file = "vm_mapping.toml"

[updates]
apply_updates = false
reboot_after_updates = true
reboot_timeout = 300
ping_timeout = 120
ping_interval = 5
snapshot_name_prefix = "pre-update"
cleanup_snapshots = true
snapshot_retention_days = 7
opt_out_hosts = []
`

// WriteExampleConfig scaffolds a config.toml.example the operator can copy
// and edit, matching doInit's template-writing idiom in the teacher repo.
func WriteExampleConfig(path string) error {
	return os.WriteFile(path, []byte(exampleConfigTOML), 0o644)
}
