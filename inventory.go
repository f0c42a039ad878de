package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Host is one inventory entry. Immutable once loaded: nothing downstream
// mutates name/hostname/port/username/variables after InventoryParser
// hands it back.
type Host struct {
	Name      string
	Hostname  string
	Port      int
	Username  string
	Variables map[string]string
}

func (h Host) String() string {
	return fmt.Sprintf("%s (%s:%d)", h.Name, h.Hostname, h.Port)
}

// InventoryParser reads an Ansible-style inventory file, accepting either
// the YAML tree format or the legacy INI format (spec.md §6).
type InventoryParser struct {
	path string
}

func NewInventoryParser(path string) *InventoryParser {
	return &InventoryParser{path: path}
}

func (p *InventoryParser) Parse() ([]Host, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return nil, fmt.Errorf("read inventory %s: %w", p.path, err)
	}

	ext := strings.ToLower(filepath.Ext(p.path))
	base := filepath.Base(p.path)

	switch {
	case ext == ".yml" || ext == ".yaml":
		return parseYAMLInventory(data)
	case ext == ".ini" || ext == ".cfg" || ext == "" || base == "hosts" || base == "inventory":
		return parseINIInventory(data)
	}

	if hosts, err := parseYAMLInventory(data); err == nil {
		return hosts, nil
	}
	return parseINIInventory(data)
}

func parseYAMLInventory(data []byte) ([]Host, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse YAML inventory: %w", err)
	}
	if raw == nil {
		return nil, nil
	}

	// A host listed both under all.hosts and under a group keeps its first
	// entry; later mentions of the same name are dropped.
	var hosts []Host
	seen := map[string]bool{}
	add := func(found []Host) {
		for _, h := range found {
			if !seen[h.Name] {
				seen[h.Name] = true
				hosts = append(hosts, h)
			}
		}
	}
	if all, ok := raw["all"].(map[string]any); ok {
		if hostsSection, ok := all["hosts"].(map[string]any); ok {
			add(parseYAMLHosts(hostsSection))
		}
		if children, ok := all["children"].(map[string]any); ok {
			for _, groupData := range children {
				group, ok := groupData.(map[string]any)
				if !ok {
					continue
				}
				if hostsSection, ok := group["hosts"].(map[string]any); ok {
					add(parseYAMLHosts(hostsSection))
				}
			}
		}
		return hosts, nil
	}

	// Legacy format: groups are top-level keys.
	for _, groupData := range raw {
		group, ok := groupData.(map[string]any)
		if !ok {
			continue
		}
		if hostsSection, ok := group["hosts"].(map[string]any); ok {
			add(parseYAMLHosts(hostsSection))
		}
	}
	return hosts, nil
}

func parseYAMLHosts(hostsData map[string]any) []Host {
	hosts := make([]Host, 0, len(hostsData))
	for name, rawVars := range hostsData {
		vars, _ := rawVars.(map[string]any)
		variables := make(map[string]string, len(vars))
		for k, v := range vars {
			variables[k] = fmt.Sprintf("%v", v)
		}

		hostname := name
		if v, ok := variables["ansible_host"]; ok && v != "" {
			hostname = v
		}

		port := 22
		if v, ok := variables["ansible_port"]; ok {
			if n, err := strconv.Atoi(v); err == nil {
				port = n
			}
		}

		username := variables["ansible_user"]
		if username == "" {
			username = variables["ansible_ssh_user"]
		}

		hosts = append(hosts, Host{
			Name:      name,
			Hostname:  hostname,
			Port:      port,
			Username:  username,
			Variables: variables,
		})
	}
	return hosts
}

func parseINIInventory(data []byte) ([]Host, error) {
	var hosts []Host
	currentGroup := ""

	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}

		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			currentGroup = line[1 : len(line)-1]
			continue
		}

		if currentGroup != "" && strings.Contains(currentGroup, ":vars") {
			continue
		}

		if host, ok := parseINIHostLine(line); ok {
			hosts = append(hosts, host)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read INI inventory: %w", err)
	}
	return hosts, nil
}

func parseINIHostLine(line string) (Host, bool) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return Host{}, false
	}

	hostPart := parts[0]
	variables := make(map[string]string, len(parts)-1)
	for _, part := range parts[1:] {
		if key, value, found := strings.Cut(part, "="); found {
			variables[key] = value
		}
	}

	hostname := hostPart
	port := 22
	if name, portStr, found := strings.Cut(hostPart, ":"); found {
		if n, err := strconv.Atoi(portStr); err == nil {
			hostname = name
			port = n
		}
	}

	name := hostname
	if v, ok := variables["ansible_host"]; ok && v != "" {
		hostname = v
	}
	if v, ok := variables["ansible_port"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			port = n
		}
	}
	username := variables["ansible_user"]
	if username == "" {
		username = variables["ansible_ssh_user"]
	}

	return Host{
		Name:      name,
		Hostname:  hostname,
		Port:      port,
		Username:  username,
		Variables: variables,
	}, true
}

const exampleInventoryYAML = `all:
  hosts:
    web1:
      ansible_host: 192.168.1.10
      ansible_user: ubuntu
    web2:
      ansible_host: 192.168.1.11
      ansible_user: ubuntu
    db1:
      ansible_host: 192.168.1.20
      ansible_user: root
      ansible_port: 2222
  children:
    webservers:
      hosts:
        web1: {}
        web2: {}
    databases:
      hosts:
        db1: {}
`

// writeExampleInventory scaffolds inventory.yml.example.
func writeExampleInventory(path string) error {
	return os.WriteFile(path, []byte(exampleInventoryYAML), 0o644)
}
