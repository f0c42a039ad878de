package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	configPath string
	verbose    bool
)

func main() {
	root := &cobra.Command{
		Use:   "patchflow",
		Short: "Automated OS update orchestration across a fleet of virtualized hosts",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "configuration file path")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	root.AddCommand(newCheckCmd(), newRunCmd(), newInitCmd(), newTestConfigCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newCheckCmd() *cobra.Command {
	var parallel, timeoutSeconds int
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check for updates on all hosts without applying them",
		RunE: func(cmd *cobra.Command, args []string) error {
			return doCheck(parallel, time.Duration(timeoutSeconds)*time.Second)
		},
	}
	cmd.Flags().IntVarP(&parallel, "parallel", "p", 5, "number of parallel connections")
	cmd.Flags().IntVarP(&timeoutSeconds, "timeout", "t", 120, "SSH timeout in seconds")
	return cmd
}

func newRunCmd() *cobra.Command {
	var parallel, timeoutSeconds int
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the full automated update workflow across all hosts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return doRun(parallel, time.Duration(timeoutSeconds)*time.Second, dryRun)
		},
	}
	cmd.Flags().IntVarP(&parallel, "parallel", "p", 5, "number of parallel connections")
	cmd.Flags().IntVarP(&timeoutSeconds, "timeout", "t", 120, "SSH timeout in seconds")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "check for updates but never apply them, regardless of config")
	return cmd
}

func newInitCmd() *cobra.Command {
	var configFile, inventoryFile, vmMappingFile string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create example configuration, inventory, and VM mapping files",
		RunE: func(cmd *cobra.Command, args []string) error {
			return doInit(configFile, inventoryFile, vmMappingFile)
		},
	}
	cmd.Flags().StringVar(&configFile, "config-file", "config.toml.example", "example config file name")
	cmd.Flags().StringVar(&inventoryFile, "inventory-file", "inventory.yml.example", "example inventory file name")
	cmd.Flags().StringVar(&vmMappingFile, "vm-mapping-file", "vm_mapping.toml.example", "example VM mapping file name")
	return cmd
}

func newTestConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test-config",
		Short: "Validate the configuration, inventory, and VM mapping files",
		RunE: func(cmd *cobra.Command, args []string) error {
			return doTestConfig()
		},
	}
}

func doCheck(parallel int, timeout time.Duration) error {
	log := newLogger(verbose)

	cfg, err := LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log.Infof("loaded configuration from %s", configPath)

	hosts, err := loadHosts(cfg)
	if err != nil {
		return err
	}
	log.Infof("loaded %d hosts from inventory", len(hosts))

	vmRegistry, err := loadVMRegistryFromConfig(cfg)
	if err != nil {
		return err
	}

	orch := NewOrchestrator(cfg, vmRegistry, log)
	dispatcher := NewDispatcher(parallel, timeout, log)

	log.Infof("processing %d hosts with %d parallel connections", len(hosts), parallel)
	reports := dispatcher.RunChecks(hosts, orch)

	var withUpdates, withSecurity, withErrors int
	for _, r := range reports {
		switch {
		case r.Error != "":
			withErrors++
			log.Warnf("%s: ERROR - %s", r.Host.Name, r.Error)
		case r.HasSecurityUpdates():
			withSecurity++
			log.Warnf("%s: %d security updates, %d regular updates", r.Host.Name, len(r.SecurityUpdates()), len(r.RegularUpdates()))
		case r.HasUpdates():
			withUpdates++
			log.Infof("%s: %d updates available", r.Host.Name, len(r.Updates))
		default:
			log.Infof("%s: no updates needed", r.Host.Name)
		}
	}

	log.Info("SUMMARY")
	log.Infof("total hosts checked: %d", len(reports))
	log.Infof("hosts with updates: %d", withUpdates)
	log.Infof("hosts with security updates: %d", withSecurity)
	log.Infof("hosts with errors: %d", withErrors)
	return nil
}

func doRun(parallel int, timeout time.Duration, dryRun bool) error {
	log := newLogger(verbose)

	cfg, err := LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if dryRun {
		cfg.Updates.ApplyUpdates = false
		log.Info("dry run: updates will be checked but never applied")
	}

	hosts, err := loadHosts(cfg)
	if err != nil {
		return err
	}
	log.Infof("loaded %d hosts from inventory", len(hosts))

	vmRegistry, err := loadVMRegistryFromConfig(cfg)
	if err != nil {
		return err
	}

	orch := NewOrchestrator(cfg, vmRegistry, log)
	dispatcher := NewDispatcher(parallel, timeout, log)

	log.Infof("running automated updates across %d hosts with %d parallel connections", len(hosts), parallel)
	reports, unmappedHosts := dispatcher.RunUpdates(hosts, orch)
	if len(unmappedHosts) > 0 {
		log.Warnf("%d host(s) have no VM mapping and were processed without snapshots: %s", len(unmappedHosts), strings.Join(unmappedHosts, ", "))
	}

	fmt.Println(FormatSummary(reports, unmappedHosts))
	return nil
}

func doInit(configFile, inventoryFile, vmMappingFile string) error {
	log := newLogger(verbose)

	if err := writeIfConfirmed(configFile, WriteExampleConfig, log); err != nil {
		return err
	}
	if err := writeIfConfirmed(inventoryFile, writeExampleInventory, log); err != nil {
		return err
	}
	if err := writeIfConfirmed(vmMappingFile, WriteExampleVMMapping, log); err != nil {
		return err
	}

	log.Info("next steps:")
	log.Infof("1. copy %s to config.toml and edit with your settings", configFile)
	log.Infof("2. copy %s to inventory.yml and add your hosts", inventoryFile)
	log.Infof("3. copy %s to vm_mapping.toml if using Proxmox snapshots", vmMappingFile)
	log.Info("4. run 'patchflow check' to test connectivity")
	log.Info("5. run 'patchflow run' to check and apply updates")
	return nil
}

func writeIfConfirmed(path string, write func(string) error, log interface{ Infof(string, ...any) }) error {
	if _, err := os.Stat(path); err == nil {
		log.Infof("%s already exists, leaving it in place", path)
		return nil
	}
	if err := write(path); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	log.Infof("created example file: %s", path)
	return nil
}

func doTestConfig() error {
	log := newLogger(verbose)

	cfg, err := LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	log.Info("configuration loaded")

	hosts, err := loadHosts(cfg)
	if err != nil {
		return err
	}
	log.Infof("inventory loaded: %d hosts", len(hosts))
	for i, h := range hosts {
		if i >= 5 {
			log.Infof("... and %d more", len(hosts)-5)
			break
		}
		log.Infof("  - %s (%s:%d)", h.Name, h.Hostname, h.Port)
	}

	if cfg.Proxmox != nil {
		vmRegistry, err := loadVMRegistryFromConfig(cfg)
		if err != nil {
			return err
		}
		log.Infof("proxmox integration configured, %d VM mappings loaded", vmRegistry.Count())
	} else {
		log.Info("proxmox integration disabled - no [proxmox] section configured")
	}

	log.Info("configuration appears valid")
	return nil
}

func loadHosts(cfg *Config) ([]Host, error) {
	invPath, err := cfg.InventoryPath()
	if err != nil {
		return nil, fmt.Errorf("resolve inventory path: %w", err)
	}
	hosts, err := NewInventoryParser(invPath).Parse()
	if err != nil {
		return nil, fmt.Errorf("parse inventory: %w", err)
	}
	if len(hosts) == 0 {
		return nil, fmt.Errorf("no hosts found in inventory %s", invPath)
	}
	return hosts, nil
}

func loadVMRegistryFromConfig(cfg *Config) (*VMRegistry, error) {
	if cfg.Proxmox == nil {
		return LoadVMRegistry("")
	}
	return LoadVMRegistry(cfg.Proxmox.VMMappingFile)
}
