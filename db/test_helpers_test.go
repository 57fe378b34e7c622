package db

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/migadu/rondo/config"
	"github.com/stretchr/testify/require"
)

// TestConfig represents minimal test configuration
type TestConfig struct {
	Database config.DatabaseConfig `toml:"database"`
}

// setupTestDatabase creates a database connection using local PostgreSQL and config-test.toml
func setupTestDatabase(t *testing.T) *Database {
	t.Helper()
	ctx := context.Background()

	// Find the config-test.toml file by walking up from current directory
	configPath, err := findTestConfig()
	require.NoError(t, err, "config-test.toml not found. Please ensure it exists in the project root")

	var cfg TestConfig
	_, err = toml.DecodeFile(configPath, &cfg)
	require.NoError(t, err, "Failed to load test config. Please check config-test.toml syntax")
	require.NotNil(t, cfg.Database.Write, "config-test.toml must define [database.write]")

	// NewDatabaseFromConfig applies the schema, so tests run against a
	// freshly migrated database.
	database, err := NewDatabaseFromConfig(ctx, &cfg.Database)
	require.NoError(t, err, "Failed to connect to test database. Please ensure PostgreSQL is running and %s exists", cfg.Database.Write.Name)
	t.Cleanup(database.Close)

	return database
}

// findTestConfig walks up the directory tree to find config-test.toml
func findTestConfig() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		configPath := filepath.Join(dir, "config-test.toml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("config-test.toml not found in any parent directory")
		}
		dir = parent
	}
}

// cleanupTestAccount removes every row a test created for one account.
func cleanupTestAccount(t *testing.T, database *Database, accountID string) {
	t.Helper()
	ctx := context.Background()
	_, _ = database.GetWritePool().Exec(ctx, `DELETE FROM purge_queue WHERE account_id = $1`, accountID)
	_, _ = database.GetWritePool().Exec(ctx, `DELETE FROM audit_log WHERE account_id = $1`, accountID)
	_, _ = database.GetWritePool().Exec(ctx, `DELETE FROM accounts WHERE directory_id = $1`, accountID)
}
