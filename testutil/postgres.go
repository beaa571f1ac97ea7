//go:build integration

package testutil

import (
	"context"
	"database/sql"
	"os"
	"strconv"
	"testing"
	"time"

	// register the pgx driver
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"gitlab.com/gitlab-org/database-guard/database/datastore"
)

// Credentials of the database created in every test container.
const (
	PostgresDB       = "gitlabhq_test"
	PostgresUser     = "postgres"
	PostgresPassword = "postgres"
)

// PostgresContainer is a PostgreSQL server running in a test container.
type PostgresContainer struct {
	*postgres.PostgresContainer
	ConnectionString string
	Host             string
	Port             string
}

// NewPostgresContainer starts PostgreSQL in a container. PG_CURR_VERSION selects the major version.
func NewPostgresContainer(ctx context.Context) (*PostgresContainer, error) {
	pgVersion := os.Getenv("PG_CURR_VERSION")
	if pgVersion == "" {
		pgVersion = "16"
	}
	pgContainer, err := postgres.Run(ctx, "postgres:"+pgVersion+"-alpine",
		postgres.WithDatabase(PostgresDB),
		postgres.WithUsername(PostgresUser),
		postgres.WithPassword(PostgresPassword),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		return nil, err
	}
	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return nil, err
	}
	host, err := pgContainer.Host(ctx)
	if err != nil {
		return nil, err
	}
	port, err := pgContainer.MappedPort(ctx, "5432")
	if err != nil {
		return nil, err
	}

	return &PostgresContainer{
		PostgresContainer: pgContainer,
		ConnectionString:  connStr,
		Host:              host,
		Port:              port.Port(),
	}, nil
}

// Open returns a new connection pool to the container's database.
func (c *PostgresContainer) Open(tb testing.TB) *datastore.DB {
	tb.Helper()
	return c.OpenDatabase(tb, PostgresDB)
}

// OpenDatabase returns a new connection pool to database name, creating the database when it does not exist.
func (c *PostgresContainer) OpenDatabase(tb testing.TB, name string) *datastore.DB {
	tb.Helper()

	port, err := strconv.Atoi(c.Port)
	require.NoError(tb, err)
	dsn := &datastore.DSN{
		Host:     c.Host,
		Port:     port,
		User:     PostgresUser,
		Password: PostgresPassword,
		DBName:   name,
		SSLMode:  "disable",
	}

	if name != PostgresDB {
		admin, err := sql.Open("pgx", c.ConnectionString)
		require.NoError(tb, err)
		defer admin.Close()

		var exists bool
		require.NoError(tb, admin.QueryRow("SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)", name).Scan(&exists))
		if !exists {
			_, err = admin.Exec("CREATE DATABASE " + datastore.QuoteIdent(name))
			require.NoError(tb, err)
		}
	}

	db, err := sql.Open("pgx", dsn.String())
	require.NoError(tb, err)
	require.NoError(tb, db.Ping())
	tb.Cleanup(func() { _ = db.Close() })

	return &datastore.DB{DB: db, DSN: dsn}
}

// ResetPublicSchema drops every object of the public schema.
func ResetPublicSchema(tb testing.TB, db *sql.DB) {
	tb.Helper()

	tx, err := db.Begin()
	require.NoError(tb, err, "Failed to begin transaction")

	for _, cmd := range []string{
		"DROP SCHEMA public CASCADE;",
		"CREATE SCHEMA public;",
		"GRANT ALL ON SCHEMA public TO " + PostgresUser + ";",
		"GRANT ALL ON SCHEMA public TO public;",
	} {
		_, err := tx.Exec(cmd)
		require.NoError(tb, err, "Failed to execute: %s", cmd)
	}
	require.NoError(tb, tx.Commit(), "Failed to commit transaction")
}
