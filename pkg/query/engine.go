// Package query layers the read API over the log store: filtered log
// pages, aggregate views, and server status reconciled against the
// registry and health checks.
package query

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/mcpscope/mcpscope/pkg/capture"
	"github.com/mcpscope/mcpscope/pkg/logging"
)

// ServerStatus classifies a server name that appears in logs or in the
// registry.
type ServerStatus string

const (
	// StatusOnline: registered and passing health checks.
	StatusOnline ServerStatus = "online"
	// StatusOffline: registered but unhealthy, or health unknown.
	StatusOffline ServerStatus = "offline"
	// StatusNotFound: present in logs but no longer registered.
	StatusNotFound ServerStatus = "not-found"
)

// ServerSummary is a server aggregate annotated with live status.
type ServerSummary struct {
	capture.ServerAggregate
	Status ServerStatus `json:"status"`
}

// Registry exposes the set of currently registered server names.
type Registry interface {
	RegisteredServerNames(ctx context.Context) ([]string, error)
}

// HealthSource reports the last health-check outcome for a server.
// known is false when no probe result exists yet.
type HealthSource interface {
	Health(name string) (healthy, known bool)
}

// Engine answers read queries against the capture log. The store is
// required; registry and health are optional and only degrade the
// status annotation when absent.
type Engine struct {
	store    capture.QueryStore
	registry Registry
	health   HealthSource
	log      *slog.Logger
}

// NewEngine wires the query surface over a store.
func NewEngine(store capture.QueryStore, registry Registry, health HealthSource, log *slog.Logger) *Engine {
	return &Engine{
		store:    store,
		registry: registry,
		health:   health,
		log:      logging.Component(log, "query"),
	}
}

// Logs returns one page of capture records.
func (e *Engine) Logs(ctx context.Context, opts capture.QueryOptions) (*capture.QueryResult, error) {
	return e.store.Query(ctx, opts)
}

// Servers returns per-server aggregates for every server that appears in
// the logs or the registry, each annotated with its status. Registered
// servers with no traffic yet appear with zero counts.
func (e *Engine) Servers(ctx context.Context) ([]ServerSummary, error) {
	aggs, err := e.store.ServerAggregates(ctx)
	if err != nil {
		return nil, err
	}

	registered := map[string]bool{}
	if e.registry != nil {
		names, err := e.registry.RegisteredServerNames(ctx)
		if err != nil {
			return nil, fmt.Errorf("list registered servers: %w", err)
		}
		for _, n := range names {
			registered[n] = true
		}
	}

	seen := map[string]bool{}
	out := make([]ServerSummary, 0, len(aggs)+len(registered))
	for _, agg := range aggs {
		seen[agg.Name] = true
		out = append(out, ServerSummary{
			ServerAggregate: agg,
			Status:          e.status(agg.Name, registered[agg.Name]),
		})
	}
	for name := range registered {
		if seen[name] {
			continue
		}
		out = append(out, ServerSummary{
			ServerAggregate: capture.ServerAggregate{Name: name},
			Status:          e.status(name, true),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// status reconciles registration and health into one label. A health
// verdict wins when one exists; a registered server without one counts
// as offline rather than online, so a server is never reported healthy
// on registration alone.
func (e *Engine) status(name string, isRegistered bool) ServerStatus {
	if e.health != nil {
		if healthy, known := e.health.Health(name); known {
			if healthy {
				return StatusOnline
			}
			return StatusOffline
		}
	}
	if isRegistered {
		return StatusOffline
	}
	return StatusNotFound
}

// Sessions returns per-session aggregates, most recent activity first.
func (e *Engine) Sessions(ctx context.Context) ([]capture.SessionAggregate, error) {
	return e.store.SessionAggregates(ctx)
}

// Clients returns per-client aggregates, busiest first.
func (e *Engine) Clients(ctx context.Context) ([]capture.ClientAggregate, error) {
	return e.store.ClientAggregates(ctx)
}

// Methods returns the distinct method names seen in the log.
func (e *Engine) Methods(ctx context.Context) ([]string, error) {
	return e.store.Methods(ctx)
}

// Clear removes all capture records.
func (e *Engine) Clear(ctx context.Context) error {
	if err := e.store.ClearAll(ctx); err != nil {
		return err
	}
	e.log.Info("capture log cleared")
	return nil
}
