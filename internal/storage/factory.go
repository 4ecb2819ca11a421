package storage

import (
	"context"
	"fmt"
	"log/slog"
)

// Config controls how a storage backend is opened.
type Config struct {
	// URL is a connection string (postgres://, mysql://, sqlite://,
	// mongodb://) or the literal "memory".
	URL    string
	Logger *slog.Logger
	// PlainInserts disables native conflict clauses on relational engines.
	PlainInserts bool
	// SkipSchema opens the backend without running EnsureSchema.
	SkipSchema bool
}

// Open parses cfg.URL, constructs the backend for its kind and ensures the
// schema. The kind is resolved exactly once, here.
func Open(ctx context.Context, cfg Config) (Backend, error) {
	raw := cfg.URL
	if raw == "" {
		raw = string(KindMemory)
	}
	target, err := ParseTarget(raw)
	if err != nil {
		return nil, err
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	var backend Backend
	switch target.Kind {
	case KindMemory:
		log.Info("using in-memory backend")
		backend = NewMemory()
	case KindSQLite:
		log.Info("using embedded backend", "path", target.URL)
		backend, err = NewEmbedded(target, log)
	case KindPostgres, KindMySQL:
		log.Info("using relational backend", "kind", string(target.Kind), "host", target.Host, "database", target.Database)
		var opts []RelationalOption
		if cfg.PlainInserts {
			opts = append(opts, WithPlainInserts())
		}
		backend, err = NewRelational(target, log, opts...)
	case KindMongo:
		log.Info("using document backend", "host", target.Host, "database", target.Database)
		backend, err = NewDocument(ctx, target, log)
	default:
		return nil, fmt.Errorf("unsupported storage kind %q", target.Kind)
	}
	if err != nil {
		return nil, err
	}

	if !cfg.SkipSchema {
		if err := backend.EnsureSchema(ctx); err != nil {
			backend.Close()
			return nil, fmt.Errorf("storage schema: %w", err)
		}
	}
	return backend, nil
}
