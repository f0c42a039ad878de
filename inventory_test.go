package main

import (
	"os"
	"path/filepath"
	"sort"
	"testing"
)

func hostNames(hosts []Host) []string {
	names := make([]string, len(hosts))
	for i, h := range hosts {
		names[i] = h.Name
	}
	sort.Strings(names)
	return names
}

func TestParseYAMLInventoryModernFormat(t *testing.T) {
	dir := t.TempDir()
	path := writeTempFile(t, dir, "inventory.yml", `
all:
  hosts:
    web1:
      ansible_host: 192.168.1.10
      ansible_user: ubuntu
    db1:
      ansible_host: 192.168.1.20
      ansible_port: 2222
      ansible_user: root
  children:
    webservers:
      hosts:
        web1: {}
`)

	hosts, err := NewInventoryParser(path).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got, want := hostNames(hosts), []string{"db1", "web1"}; !equalStrings(got, want) {
		t.Errorf("expected hosts %v, got %v", want, got)
	}

	for _, h := range hosts {
		switch h.Name {
		case "web1":
			if h.Hostname != "192.168.1.10" || h.Username != "ubuntu" || h.Port != 22 {
				t.Errorf("unexpected web1: %+v", h)
			}
		case "db1":
			if h.Hostname != "192.168.1.20" || h.Port != 2222 || h.Username != "root" {
				t.Errorf("unexpected db1: %+v", h)
			}
		}
	}
}

func TestParseYAMLInventoryLegacyFormat(t *testing.T) {
	dir := t.TempDir()
	path := writeTempFile(t, dir, "inventory.yml", `
webservers:
  hosts:
    web1:
      ansible_host: 10.0.0.5
databases:
  hosts:
    db1:
      ansible_host: 10.0.0.6
`)

	hosts, err := NewInventoryParser(path).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got, want := hostNames(hosts), []string{"db1", "web1"}; !equalStrings(got, want) {
		t.Errorf("expected hosts %v, got %v", want, got)
	}
}

func TestParseINIInventory(t *testing.T) {
	dir := t.TempDir()
	path := writeTempFile(t, dir, "hosts.ini", `
[webservers]
web1.example.com ansible_user=ubuntu
web2.example.com:2022 ansible_user=admin

[webservers:vars]
ansible_user=ignored

[databases]
db1 ansible_host=10.0.0.9 ansible_ssh_user=root
`)

	hosts, err := NewInventoryParser(path).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(hosts) != 3 {
		t.Fatalf("expected 3 hosts, got %d: %+v", len(hosts), hosts)
	}

	byName := map[string]Host{}
	for _, h := range hosts {
		byName[h.Name] = h
	}

	web2, ok := byName["web2.example.com"]
	if !ok {
		t.Fatalf("missing web2.example.com, got %+v", hosts)
	}
	if web2.Port != 2022 || web2.Username != "admin" {
		t.Errorf("unexpected web2: %+v", web2)
	}

	db1, ok := byName["db1"]
	if !ok {
		t.Fatalf("missing db1, got %+v", hosts)
	}
	if db1.Hostname != "10.0.0.9" || db1.Username != "root" {
		t.Errorf("unexpected db1: %+v", db1)
	}
}

func TestInventoryParserDispatchByExtension(t *testing.T) {
	dir := t.TempDir()
	iniPath := writeTempFile(t, dir, "hosts", "web1 ansible_host=1.2.3.4\n")

	hosts, err := NewInventoryParser(iniPath).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(hosts) != 1 || hosts[0].Hostname != "1.2.3.4" {
		t.Errorf("expected bare 'hosts' file to parse as INI, got %+v", hosts)
	}
}

func TestWriteExampleInventory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inventory.yml.example")
	if err := writeExampleInventory(path); err != nil {
		t.Fatalf("writeExampleInventory: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read generated file: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected non-empty example inventory")
	}

	hosts, err := parseYAMLInventory(data)
	if err != nil {
		t.Fatalf("example inventory should parse as YAML: %v", err)
	}
	if len(hosts) != 3 {
		t.Errorf("expected 3 example hosts, got %d", len(hosts))
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
