package main

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// VMMapping binds one inventory host to a hypervisor-managed VM (spec.md
// §3). Endpoint/Username/Password are optional per-VM overrides of the
// global [proxmox] section, for standalone nodes outside a cluster.
type VMMapping struct {
	HostName     string
	Node         string
	VMID         int
	MaxSnapshots *int
	Endpoint     string
	Username     string
	Password     string
}

type rawVMMapping struct {
	Node         string `toml:"node"`
	VMID         int    `toml:"vmid"`
	MaxSnapshots *int   `toml:"max_snapshots"`
	Endpoint     string `toml:"endpoint"`
	Username     string `toml:"username"`
	Password     string `toml:"password"`
}

type rawVMMappingFile struct {
	VMs map[string]rawVMMapping `toml:"vms"`
}

// VMRegistry is the static lookup from inventory host name to VM mapping
// (C5). A missing mapping file disables hypervisor operations for the run
// but does not fail it (spec.md §6).
type VMRegistry struct {
	mappings map[string]VMMapping
}

// LoadVMRegistry loads vm_mapping.toml. A missing file yields an empty,
// valid registry — callers check Get's second result before relying on it.
func LoadVMRegistry(path string) (*VMRegistry, error) {
	reg := &VMRegistry{mappings: map[string]VMMapping{}}
	if path == "" {
		return reg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return reg, nil
		}
		return nil, fmt.Errorf("read vm mapping %s: %w", path, err)
	}

	var raw rawVMMappingFile
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse vm mapping %s: %w", path, err)
	}

	for hostName, v := range raw.VMs {
		if v.Node == "" || v.VMID <= 0 {
			continue
		}
		if v.MaxSnapshots != nil && *v.MaxSnapshots < 0 {
			v.MaxSnapshots = nil
		}
		reg.mappings[hostName] = VMMapping{
			HostName:     hostName,
			Node:         v.Node,
			VMID:         v.VMID,
			MaxSnapshots: v.MaxSnapshots,
			Endpoint:     v.Endpoint,
			Username:     v.Username,
			Password:     v.Password,
		}
	}
	return reg, nil
}

func (r *VMRegistry) Get(hostName string) (VMMapping, bool) {
	m, ok := r.mappings[hostName]
	return m, ok
}

func (r *VMRegistry) HasMapping(hostName string) bool {
	_, ok := r.mappings[hostName]
	return ok
}

func (r *VMRegistry) Count() int {
	return len(r.mappings)
}

const exampleVMMappingTOML = `# Maps inventory host names to hypervisor node + VM id.
# Optional: max_snapshots is loaded into the mapping but not enforced;
# snapshot cleanup deletes by age (snapshot_retention_days) only.
# Optional: endpoint/username/password override the global [proxmox] config
# for standalone (non-clustered) nodes.

[vms.web1]
node = "pve-node1"
vmid = 100

[vms.web2]
node = "pve-node1"
vmid = 101
max_snapshots = 2

[vms.db1]
node = "pve-node2"
vmid = 200

[vms.app1]
node = "standalone"
vmid = 300
endpoint = "https://standalone.example.com:8006"
username = "root@pam"
password = "node-specific-password"
`

// WriteExampleVMMapping scaffolds vm_mapping.toml.example.
func WriteExampleVMMapping(path string) error {
	return os.WriteFile(path, []byte(exampleVMMappingTOML), 0o644)
}
