// Command register-node upserts a row in the shared `nodes` table, so a new
// wubloader instance's peers pick it up on their next registry refresh
// (spec.md §4.3). Adapted from the teacher's bootstrap-admin tool: the same
// flag-driven upsert-and-report shape, now seeding a peer node instead of
// an administrator account.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"wubloader/internal/models"
	"wubloader/internal/storage"
)

func main() {
	var (
		postgresDSN  string
		name         string
		url          string
		backfillFrom bool
		local        bool
		remove       bool
	)

	flag.StringVar(&postgresDSN, "postgres-dsn", "", "Postgres connection string")
	flag.StringVar(&name, "name", "", "Node name (key of the nodes row; \"localhost\" is reserved for the local node)")
	flag.StringVar(&url, "url", "", "Base URL of the node's Restreamer")
	flag.BoolVar(&backfillFrom, "backfill-from", true, "Whether other nodes should backfill from this one")
	flag.BoolVar(&local, "local", false, "Mark this row as the local node (excluded from its own peer set)")
	flag.BoolVar(&remove, "remove", false, "Remove the node instead of upserting it")
	flag.Parse()

	dsn := strings.TrimSpace(postgresDSN)
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("WUBLOADER_POSTGRES_DSN"))
	}
	if dsn == "" {
		fatalf("postgres DSN required: set --postgres-dsn or WUBLOADER_POSTGRES_DSN")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		fatalf("--name is required")
	}
	if !remove && strings.TrimSpace(url) == "" {
		fatalf("--url is required unless --remove is set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	repo, err := storage.NewPostgres(ctx, storage.PostgresConfig{DSN: dsn})
	if err != nil {
		fatalf("connect to postgres: %v", err)
	}
	defer repo.Close()

	if remove {
		if err := repo.Delete(ctx, name); err != nil {
			fatalf("remove node %s: %v", name, err)
		}
		fmt.Printf("Node %s removed.\n", name)
		return
	}

	node := models.NodeRow{
		Name:         name,
		URL:          strings.TrimSpace(url),
		BackfillFrom: backfillFrom,
		Local:        local,
	}
	if err := repo.Upsert(ctx, node); err != nil {
		fatalf("upsert node %s: %v", name, err)
	}
	fmt.Printf("Node %s (%s) registered, backfill_from=%t, local=%t.\n", node.Name, node.URL, node.BackfillFrom, node.Local)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
