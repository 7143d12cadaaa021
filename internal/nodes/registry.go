// Package nodes maintains the peer registry Backfiller uses to pick which
// remote Restreamers to diff against (spec.md §4.3): a periodically
// refreshed view of the shared `nodes` table, with `localhost`
// self-exclusion and `backfill_from` filtering baked in.
package nodes

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"wubloader/internal/models"
	"wubloader/internal/storage"
)

// LocalNodeName is the reserved node name identifying this instance's own
// archive, excluded from its own peer set (spec.md §4.3).
const LocalNodeName = "localhost"

// Config wires a Registry's dependencies.
type Config struct {
	Nodes    storage.NodeRepository
	Schedule string // cron expression for the periodic refresh
	Logger   *slog.Logger
	// Static, if non-empty, seeds the registry once at construction and is
	// never refreshed from Nodes — for deployments that pin their peer set
	// in configuration instead of the `nodes` table.
	Static []models.NodeRow
}

func (cfg Config) withDefaults() Config {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1m"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

// Registry holds the current peer set in memory, refreshed either once
// (Static) or on a cron schedule (Nodes).
type Registry struct {
	cfg Config

	mu    sync.RWMutex
	nodes []models.NodeRow
}

// New constructs a Registry. If cfg.Static is set, it seeds the registry
// immediately and Refresh/Run become no-ops; otherwise the registry starts
// empty until the first Refresh.
func New(cfg Config) *Registry {
	cfg = cfg.withDefaults()
	r := &Registry{cfg: cfg}
	if len(cfg.Static) > 0 {
		r.nodes = append([]models.NodeRow(nil), cfg.Static...)
	}
	return r
}

// Refresh re-reads the peer set from the `nodes` table. A no-op when the
// registry was constructed with a static peer list.
func (r *Registry) Refresh(ctx context.Context) error {
	if len(r.cfg.Static) > 0 {
		return nil
	}
	rows, err := r.cfg.Nodes.List(ctx)
	if err != nil {
		return fmt.Errorf("list nodes: %w", err)
	}
	r.mu.Lock()
	r.nodes = rows
	r.mu.Unlock()
	return nil
}

// Run blocks, refreshing on cfg.Schedule until ctx is cancelled. A no-op
// (returns immediately once ctx is done) when the registry is static.
func (r *Registry) Run(ctx context.Context) error {
	if len(r.cfg.Static) > 0 {
		<-ctx.Done()
		return nil
	}
	if err := r.Refresh(ctx); err != nil {
		r.cfg.Logger.Error("initial node registry refresh failed", "error", err)
	}

	c := cron.New()
	_, err := c.AddFunc(r.cfg.Schedule, func() {
		if err := r.Refresh(ctx); err != nil {
			r.cfg.Logger.Error("node registry refresh failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule node registry refresh: %w", err)
	}
	c.Start()
	<-ctx.Done()
	stopCtx := c.Stop()
	<-stopCtx.Done()
	return nil
}

// All returns every known node, including self and non-backfill-source peers.
func (r *Registry) All() []models.NodeRow {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]models.NodeRow(nil), r.nodes...)
}

// Peers returns the nodes Backfiller should diff against: every known node
// except self, filtered to those advertising backfill_from = true.
func (r *Registry) Peers() []models.NodeRow {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.NodeRow
	for _, n := range r.nodes {
		if n.Name == LocalNodeName || n.Local {
			continue
		}
		if !n.BackfillFrom {
			continue
		}
		out = append(out, n)
	}
	return out
}
