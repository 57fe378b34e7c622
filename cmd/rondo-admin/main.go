package main

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// AdminConfig holds minimal configuration needed for admin operations
type AdminConfig struct {
	API APIConfig `toml:"api"`
}

// APIConfig points the tool at a running rondo daemon
type APIConfig struct {
	BaseURL string `toml:"base_url"`
	APIKey  string `toml:"api_key"`
	Actor   string `toml:"actor"`
}

func newDefaultAdminConfig() AdminConfig {
	return AdminConfig{
		API: APIConfig{
			BaseURL: "http://localhost:8980",
		},
	}
}

func loadAdminConfig(path string) AdminConfig {
	cfg := newDefaultAdminConfig()
	if path == "" {
		return cfg
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		// Config file is optional; flags can carry everything.
		return cfg
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing config file %s: %v\n", path, err)
		os.Exit(1)
	}
	return cfg
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "sync":
		handleSync()
	case "bulk":
		handleBulk()
	case "purge-list":
		handlePurgeList()
	case "purge-cancel":
		handlePurgeCancel()
	case "schedule":
		handleSchedule()
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`RONDO Admin Tool

Usage:
  rondo-admin <command> [options]

Commands:
  sync          Trigger a sync run and print its outcome
  bulk          Submit a bulk operation from a CSV file of email addresses
  purge-list    List purge queue entries
  purge-cancel  Cancel a queued purge entry
  schedule      Show or change the sync schedule
  help          Show this help message

Examples:
  rondo-admin sync
  rondo-admin bulk --file accounts.csv --action set_status --status suspended
  rondo-admin bulk --file leavers.csv --action delete_request
  rondo-admin purge-list --state queued
  rondo-admin purge-cancel --id 42
  rondo-admin schedule
  rondo-admin schedule --interval 4

Use 'rondo-admin <command> --help' for more information about a command.
`)
}
