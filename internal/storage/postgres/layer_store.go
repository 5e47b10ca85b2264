// Package postgres records per-layer harvest results in Postgres.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/webmap-harvester/internal/harvest"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "layer_results"

// LayerStoreConfig controls the Postgres connection pool used for layer rows.
type LayerStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Ping(context.Context) error
	Close()
}

// LayerStore writes layer records into Postgres.
type LayerStore struct {
	pool  execCloser
	table string
}

// NewLayerStore connects a pool using cfg.
func NewLayerStore(ctx context.Context, cfg LayerStoreConfig) (*LayerStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("db.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &LayerStore{pool: pool, table: table}, nil
}

// NewLayerStoreWithPool constructs a store from an existing pool.
func NewLayerStoreWithPool(pool execCloser, table string) (*LayerStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &LayerStore{pool: pool, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *LayerStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks that the database is reachable.
func (s *LayerStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// EnsureSchema creates the layer table when missing.
func (s *LayerStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	run_id        TEXT        NOT NULL,
	webmap_id     TEXT        NOT NULL,
	layer_index   INTEGER     NOT NULL,
	title         TEXT        NOT NULL,
	endpoint_url  TEXT        NOT NULL,
	kind          TEXT        NOT NULL,
	outcome       TEXT        NOT NULL,
	feature_count INTEGER     NOT NULL DEFAULT 0,
	output_uri    TEXT,
	content_hash  TEXT,
	error_text    TEXT,
	recorded_at   TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (run_id, layer_index)
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}
	return nil
}

// StoreLayerRecord upserts one layer row keyed by run and layer index.
func (s *LayerStore) StoreLayerRecord(ctx context.Context, record harvest.LayerRecord) error {
	if s == nil || s.pool == nil {
		return errors.New("layer store is not configured")
	}
	if record.RunID == "" {
		return errors.New("run id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	run_id,
	webmap_id,
	layer_index,
	title,
	endpoint_url,
	kind,
	outcome,
	feature_count,
	output_uri,
	content_hash,
	error_text,
	recorded_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
)
ON CONFLICT (run_id, layer_index) DO UPDATE SET
	outcome = EXCLUDED.outcome,
	feature_count = EXCLUDED.feature_count,
	output_uri = EXCLUDED.output_uri,
	content_hash = EXCLUDED.content_hash,
	error_text = EXCLUDED.error_text,
	recorded_at = EXCLUDED.recorded_at`, s.table)

	args := []any{
		record.RunID,
		record.WebmapID,
		record.Index,
		record.Title,
		record.EndpointURL,
		record.Kind,
		string(record.Outcome),
		record.FeatureCount,
		nullable(record.OutputURI),
		nullable(record.ContentHash),
		nullable(record.ErrorText),
		record.RecordedAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert layer record: %w", err)
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
