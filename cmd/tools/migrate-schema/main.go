// Command migrate-schema applies the `events`/`nodes` table DDL to a
// Postgres database, then verifies both tables exist and are queryable.
// Adapted from the teacher's migrate-json-to-postgres tool: same
// construct-then-verify shape, now pointed at Wubloader's own schema
// instead of importing a JSON platform snapshot.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"wubloader/internal/models"
	"wubloader/internal/storage"
)

func main() {
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	timeout := flag.Duration("timeout", 30*time.Second, "timeout for the migration and verification queries")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	dsn := strings.TrimSpace(*postgresDSN)
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("WUBLOADER_POSTGRES_DSN"))
	}
	if dsn == "" {
		logger.Error("postgres DSN required", "hint", "set --postgres-dsn or WUBLOADER_POSTGRES_DSN")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	repo, err := storage.NewPostgres(ctx, storage.PostgresConfig{DSN: dsn})
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer repo.Close()

	if err := repo.Migrate(ctx); err != nil {
		logger.Error("failed to apply schema", "error", err)
		os.Exit(1)
	}

	if err := verify(ctx, repo); err != nil {
		logger.Error("schema verification failed", "error", err)
		os.Exit(1)
	}

	logger.Info("schema migration completed")
}

// verify exercises both repository methods the schema needs to support,
// confirming the tables are not just created but queryable through the
// same code path the running daemons use.
func verify(ctx context.Context, repo *storage.Postgres) error {
	if _, err := repo.List(ctx); err != nil {
		return fmt.Errorf("query nodes table: %w", err)
	}
	if _, err := repo.ListByState(ctx, models.StateUnedited); err != nil {
		return fmt.Errorf("query events table: %w", err)
	}
	return nil
}
