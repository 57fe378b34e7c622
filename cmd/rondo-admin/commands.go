package main

import (
	"flag"
	"fmt"
	"os"
	"time"
)

// commonFlags registers the flags every subcommand shares and returns a
// function that resolves them into a connected API client.
func commonFlags(fs *flag.FlagSet) func() *apiClient {
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	url := fs.String("url", "", "Admin API base URL (overrides config)")
	apiKey := fs.String("api-key", "", "Admin API key (overrides config)")
	actor := fs.String("actor", "", "Actor name recorded in the audit trail (overrides config)")

	return func() *apiClient {
		cfg := loadAdminConfig(*configPath)
		if *url != "" {
			cfg.API.BaseURL = *url
		}
		if *apiKey != "" {
			cfg.API.APIKey = *apiKey
		}
		if *actor != "" {
			cfg.API.Actor = *actor
		}
		client, err := newAPIClient(cfg.API)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return client
	}
}

type syncRunResult struct {
	ID           string `json:"id"`
	Trigger      string `json:"trigger"`
	State        string `json:"state"`
	TotalRemote  int    `json:"total_remote"`
	Created      int    `json:"created"`
	Updated      int    `json:"updated"`
	Unchanged    int    `json:"unchanged"`
	Closed       int    `json:"closed"`
	Errors       int    `json:"errors"`
	ErrorMessage string `json:"error_message"`
}

func handleSync() {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	connect := commonFlags(fs)
	if err := fs.Parse(os.Args[2:]); err != nil {
		os.Exit(1)
	}
	client := connect()

	fmt.Println("Triggering sync run...")
	var run syncRunResult
	if err := client.do("POST", "/admin/sync", nil, &run); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Sync run %s finished: %s\n", run.ID, run.State)
	fmt.Printf("  remote accounts: %d\n", run.TotalRemote)
	fmt.Printf("  created:         %d\n", run.Created)
	fmt.Printf("  updated:         %d\n", run.Updated)
	fmt.Printf("  unchanged:       %d\n", run.Unchanged)
	fmt.Printf("  closed:          %d\n", run.Closed)
	fmt.Printf("  errors:          %d\n", run.Errors)
	if run.ErrorMessage != "" {
		fmt.Printf("  error message:   %s\n", run.ErrorMessage)
	}
	if run.State != "completed" || run.Errors > 0 {
		os.Exit(1)
	}
}

func handleBulk() {
	fs := flag.NewFlagSet("bulk", flag.ExitOnError)
	connect := commonFlags(fs)
	file := fs.String("file", "", "CSV file of email addresses, one per row (required)")
	action := fs.String("action", "", "Bulk action: set_status or delete_request (required)")
	status := fs.String("status", "", "Target status for set_status (active, locked, suspended, closed, maintenance)")
	if err := fs.Parse(os.Args[2:]); err != nil {
		os.Exit(1)
	}

	if *file == "" || *action == "" {
		fmt.Fprintln(os.Stderr, "Error: --file and --action are required")
		fs.Usage()
		os.Exit(1)
	}
	if *action == "set_status" && *status == "" {
		fmt.Fprintln(os.Stderr, "Error: --status is required for set_status")
		os.Exit(1)
	}

	f, err := os.Open(*file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening %s: %v\n", *file, err)
		os.Exit(1)
	}
	defer f.Close()

	emails, parseErrs, err := parseEmailCSV(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	for _, e := range parseErrs {
		fmt.Fprintf(os.Stderr, "Warning: %s\n", e)
	}
	if len(emails) == 0 {
		fmt.Fprintln(os.Stderr, "Error: no valid email addresses in CSV")
		os.Exit(1)
	}

	type item struct {
		Email  string `json:"email"`
		Status string `json:"status,omitempty"`
	}
	req := struct {
		Action string `json:"action"`
		Items  []item `json:"items"`
	}{Action: *action}
	for _, email := range emails {
		it := item{Email: email}
		if *action == "set_status" {
			it.Status = *status
		}
		req.Items = append(req.Items, it)
	}

	client := connect()
	var op struct {
		ID         string `json:"id"`
		State      string `json:"state"`
		TotalItems int    `json:"total_items"`
	}
	if err := client.do("POST", "/admin/bulk", req, &op); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Submitted bulk operation %s (%d items, state: %s)\n", op.ID, op.TotalItems, op.State)
	fmt.Printf("Track it with: rondo-admin sync or GET /admin/bulk/%s\n", op.ID)
}

func handlePurgeList() {
	fs := flag.NewFlagSet("purge-list", flag.ExitOnError)
	connect := commonFlags(fs)
	state := fs.String("state", "", "Filter by state (queued, executing, completed, failed, cancelled)")
	limit := fs.Int("limit", 100, "Maximum entries to list")
	if err := fs.Parse(os.Args[2:]); err != nil {
		os.Exit(1)
	}
	client := connect()

	path := fmt.Sprintf("/admin/purge?limit=%d", *limit)
	if *state != "" {
		path += "&state=" + *state
	}

	var resp struct {
		Entries []struct {
			ID        int64     `json:"id"`
			Email     string    `json:"email"`
			State     string    `json:"state"`
			NotBefore time.Time `json:"not_before"`
			Attempts  int       `json:"attempts"`
			LastError string    `json:"last_error"`
		} `json:"entries"`
		Count int `json:"count"`
	}
	if err := client.do("GET", path, nil, &resp); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if resp.Count == 0 {
		fmt.Println("No purge entries found.")
		return
	}

	fmt.Printf("%-8s %-35s %-10s %-20s %-8s %s\n", "ID", "EMAIL", "STATE", "NOT BEFORE", "ATTEMPTS", "LAST ERROR")
	for _, e := range resp.Entries {
		fmt.Printf("%-8d %-35s %-10s %-20s %-8d %s\n",
			e.ID, e.Email, e.State, e.NotBefore.Format("2006-01-02 15:04:05"), e.Attempts, e.LastError)
	}
}

func handlePurgeCancel() {
	fs := flag.NewFlagSet("purge-cancel", flag.ExitOnError)
	connect := commonFlags(fs)
	id := fs.Int64("id", 0, "Purge entry ID to cancel (required)")
	if err := fs.Parse(os.Args[2:]); err != nil {
		os.Exit(1)
	}
	if *id <= 0 {
		fmt.Fprintln(os.Stderr, "Error: --id is required")
		os.Exit(1)
	}
	client := connect()

	if err := client.do("POST", fmt.Sprintf("/admin/purge/%d/cancel", *id), nil, nil); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Purge entry %d cancelled.\n", *id)
}

func handleSchedule() {
	fs := flag.NewFlagSet("schedule", flag.ExitOnError)
	connect := commonFlags(fs)
	interval := fs.Int("interval", -1, "New sync interval in hours (0, 1, 2, 4, 8, 12 or 24; 0 disables)")
	if err := fs.Parse(os.Args[2:]); err != nil {
		os.Exit(1)
	}
	client := connect()

	var cfg struct {
		Enabled       bool       `json:"enabled"`
		IntervalHours int        `json:"interval_hours"`
		NextRunAt     *time.Time `json:"next_run_at"`
	}

	if *interval >= 0 {
		req := map[string]int{"interval_hours": *interval}
		if err := client.do("PUT", "/admin/schedule", req, &cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	} else {
		if err := client.do("GET", "/admin/schedule", nil, &cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}

	if !cfg.Enabled {
		fmt.Println("Scheduled syncs are disabled.")
		return
	}
	fmt.Printf("Sync interval: every %d hour(s)\n", cfg.IntervalHours)
	if cfg.NextRunAt != nil {
		fmt.Printf("Next run at:   %s\n", cfg.NextRunAt.UTC().Format(time.RFC3339))
	}
}
