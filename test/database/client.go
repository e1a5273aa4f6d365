// Package database provides shared PostgreSQL fixtures for integration tests.
package database

import (
	"testing"

	"github.com/runforge/runforge/pkg/database"
	"github.com/runforge/runforge/test/util"
)

// NewTestClient creates a test database client backed by an isolated schema.
// In CI (when CI_DATABASE_URL is set): connects to the external PostgreSQL
// service container. In local dev: spins up a testcontainer with PostgreSQL.
// The schema and connections are cleaned up when the test ends.
func NewTestClient(t *testing.T) *database.Client {
	t.Helper()

	pool, connStr := util.SetupTestDatabase(t)
	return database.NewClientFromPool(pool, connStr)
}
