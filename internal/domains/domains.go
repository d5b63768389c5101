// Package domains builds the batchsync adapter of every configured sync
// domain from its source query and accounting endpoint.
package domains

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/livinlefevreloca/ledgersync/internal/accounting"
	"github.com/livinlefevreloca/ledgersync/internal/batchsync"
	"github.com/livinlefevreloca/ledgersync/internal/source"
)

// Definition configures one domain
type Definition struct {
	Name      string `toml:"name" validate:"required"`
	Enabled   bool   `toml:"enabled"`
	Schedule  string `toml:"schedule"`
	BatchSize int    `toml:"batch_size" validate:"gte=0"`
	PageSize  int    `toml:"page_size" validate:"gte=0"`

	Source source.Query `toml:"source"`

	Endpoint string `toml:"endpoint" validate:"required"`
	Method   string `toml:"method" validate:"omitempty,oneof=POST PUT PATCH DELETE"`
}

// Options returns the orchestrator overrides of the domain
func (d Definition) Options() batchsync.DomainOptions {
	return batchsync.DomainOptions{BatchSize: d.BatchSize, PageSize: d.PageSize}
}

// Source is the record side of a domain
type Source interface {
	FetchUnsynchronized(ctx context.Context, limit, offset int) ([]string, error)
	IsAlreadySynced(ctx context.Context, id string) (bool, error)
	IsExcluded(ctx context.Context, id string) (bool, error)
	MarkSynced(ctx context.Context, id, externalRef string) error
}

// Pusher is the accounting side of a domain
type Pusher interface {
	Push(ctx context.Context, endpoint, method, domain, itemID string) (string, error)
	Ready(ctx context.Context) error
}

// Adapter joins a Source and a Pusher into a batchsync.Adapter that also
// implements batchsync.SyncChecker and batchsync.Preconditioner
type Adapter struct {
	name     string
	endpoint string
	method   string
	source   Source
	pusher   Pusher
	logger   *slog.Logger
}

// NewAdapter builds the adapter of def
func NewAdapter(def Definition, src Source, pusher Pusher, logger *slog.Logger) *Adapter {
	return &Adapter{
		name:     def.Name,
		endpoint: def.Endpoint,
		method:   def.Method,
		source:   src,
		pusher:   pusher,
		logger:   logger.With("domain", def.Name),
	}
}

func (a *Adapter) FetchUnsynchronized(ctx context.Context, limit, offset int) ([]string, error) {
	return a.source.FetchUnsynchronized(ctx, limit, offset)
}

func (a *Adapter) IsAlreadySynced(ctx context.Context, id string) (bool, error) {
	return a.source.IsAlreadySynced(ctx, id)
}

func (a *Adapter) Ready(ctx context.Context) error {
	return a.pusher.Ready(ctx)
}

// SyncOne pushes id unless the skip predicate excludes it, then writes the
// accounting reference back to the source
func (a *Adapter) SyncOne(ctx context.Context, id string) error {
	excluded, err := a.source.IsExcluded(ctx, id)
	if err != nil {
		return err
	}
	if excluded {
		return batchsync.Skip("excluded from sync")
	}

	ref, err := a.pusher.Push(ctx, a.endpoint, a.method, a.name, id)
	if errors.Is(err, accounting.ErrConflict) {
		return batchsync.Skip("already present in accounting system")
	}
	if err != nil {
		return err
	}

	if err := a.source.MarkSynced(ctx, id, ref); err != nil {
		a.logger.Error("pushed item could not be marked synced",
			"item_id", id,
			"external_ref", ref,
			"error", err)
		return fmt.Errorf("pushed as %s but write-back failed: %w", ref, err)
	}

	return nil
}

// Registrar is the part of the orchestrator domains are registered with
type Registrar interface {
	Register(domain string, adapter batchsync.Adapter, opts batchsync.DomainOptions)
}

// RegisterAll builds and registers every enabled definition. Returns the
// names registered.
func RegisterAll(reg Registrar, defs []Definition, db source.DBTX, pusher Pusher, logger *slog.Logger) ([]string, error) {
	var names []string

	for _, def := range defs {
		if !def.Enabled {
			logger.Info("domain disabled", "domain", def.Name)
			continue
		}

		src, err := source.NewPostgresSource(db, def.Source)
		if err != nil {
			return nil, fmt.Errorf("domain %s: %w", def.Name, err)
		}

		reg.Register(def.Name, NewAdapter(def, src, pusher, logger), def.Options())
		logger.Debug("domain registered", "domain", def.Name, "table", src.Table(), "endpoint", def.Endpoint)
		names = append(names, def.Name)
	}

	return names, nil
}
