// Package testdb points integration tests at a real PostgreSQL/TimescaleDB.
// Tests are skipped unless TEST_DATABASE_HOST is set.
package testdb

import (
	"database/sql"
	"os"
	"strconv"
	"testing"

	_ "github.com/lib/pq"

	"github.com/selivandex/loadmetrics/internal/adapters/config"
)

// Config returns connection parameters from TEST_DATABASE_* variables or
// skips the test.
func Config(t *testing.T) config.DatabaseConfig {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping database integration test in short mode")
	}

	host := os.Getenv("TEST_DATABASE_HOST")
	if host == "" {
		t.Skip("TEST_DATABASE_HOST not set")
	}

	port := 5432
	if p := os.Getenv("TEST_DATABASE_PORT"); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			t.Fatalf("invalid TEST_DATABASE_PORT %q: %v", p, err)
		}
		port = n
	}

	return config.DatabaseConfig{
		Host:     host,
		Port:     port,
		Name:     getenv("TEST_DATABASE_NAME", "loadmetrics_test"),
		User:     getenv("TEST_DATABASE_USER", "postgres"),
		Password: os.Getenv("TEST_DATABASE_PASSWORD"),
		SSLMode:  getenv("TEST_DATABASE_SSLMODE", "disable"),
	}
}

// Truncate empties table once the test finishes
func Truncate(t *testing.T, cfg config.DatabaseConfig, table string) {
	t.Helper()

	t.Cleanup(func() {
		conn, err := sql.Open("postgres", cfg.GetDSN())
		if err != nil {
			t.Logf("warning: failed to open database: %v", err)
			return
		}
		defer conn.Close()

		if _, err := conn.Exec("TRUNCATE TABLE " + table); err != nil {
			t.Logf("warning: failed to truncate %s: %v", table, err)
		}
	})
}

// Count returns the number of rows in table
func Count(t *testing.T, cfg config.DatabaseConfig, table string) int {
	t.Helper()

	conn, err := sql.Open("postgres", cfg.GetDSN())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	defer conn.Close()

	var n int
	if err := conn.QueryRow("SELECT count(*) FROM " + table).Scan(&n); err != nil {
		t.Fatalf("failed to count %s: %v", table, err)
	}
	return n
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
