// Package postgres provides a durable es.SnapshotStore on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/codewandler/esrt/core/es"
)

type Config struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	// AutoMigrate applies the embedded migrations on Open.
	AutoMigrate bool `mapstructure:"auto_migrate"`
}

type SnapshotStore struct {
	db *sqlx.DB
}

// Open connects to the database described by cfg.
func Open(ctx context.Context, cfg Config) (*SnapshotStore, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if cfg.AutoMigrate {
		if err := Migrate(db); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return New(db), nil
}

func New(db *sqlx.DB) *SnapshotStore { return &SnapshotStore{db: db} }

func (s *SnapshotStore) Close() error { return s.db.Close() }

const (
	selectSchemas = `SELECT aggregate_type, package_path, version, hash, has_stale_snapshots
FROM esrt_snapshot_schemas ORDER BY aggregate_type`

	upsertSchema = `INSERT INTO esrt_snapshot_schemas (aggregate_type, package_path, version, hash, has_stale_snapshots)
VALUES (:aggregate_type, :package_path, :version, :hash, :has_stale_snapshots)
ON CONFLICT (aggregate_type) DO UPDATE SET
    package_path = EXCLUDED.package_path,
    version = EXCLUDED.version,
    hash = EXCLUDED.hash,
    has_stale_snapshots = EXCLUDED.has_stale_snapshots`

	snapshotColumns = `stream_name, version, payload, aggregate_type, package_path, byte_size, schema_version`

	selectSnapshot = `SELECT ` + snapshotColumns + `
FROM esrt_snapshots WHERE aggregate_type = $1 AND stream_name = $2 AND schema_version = $3`

	selectStaleSnapshot = `SELECT ` + snapshotColumns + `
FROM esrt_snapshots WHERE aggregate_type = $1 AND schema_version <> $2 ORDER BY stream_name LIMIT 1`

	// an older aggregate version never overwrites a newer one of the same schema
	upsertSnapshot = `INSERT INTO esrt_snapshots (` + snapshotColumns + `, updated_at)
VALUES (:stream_name, :version, :payload, :aggregate_type, :package_path, :byte_size, :schema_version, now())
ON CONFLICT (aggregate_type, stream_name) DO UPDATE SET
    version = EXCLUDED.version,
    payload = EXCLUDED.payload,
    package_path = EXCLUDED.package_path,
    byte_size = EXCLUDED.byte_size,
    schema_version = EXCLUDED.schema_version,
    updated_at = EXCLUDED.updated_at
WHERE esrt_snapshots.schema_version <> EXCLUDED.schema_version
   OR esrt_snapshots.version <= EXCLUDED.version`

	deleteSnapshot = `DELETE FROM esrt_snapshots WHERE aggregate_type = $1 AND stream_name = $2`
)

func (s *SnapshotStore) GetSchemas(ctx context.Context) ([]es.SnapshotSchema, error) {
	var out []es.SnapshotSchema
	if err := s.db.SelectContext(ctx, &out, selectSchemas); err != nil {
		return nil, fmt.Errorf("select schemas: %w", err)
	}
	return out, nil
}

func (s *SnapshotStore) SaveSchemas(ctx context.Context, schemas ...es.SnapshotSchema) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, schema := range schemas {
			if _, err := tx.NamedExecContext(ctx, upsertSchema, schema); err != nil {
				return fmt.Errorf("save schema of %s: %w", schema.AggregateType, err)
			}
		}
		return nil
	})
}

func (s *SnapshotStore) GetSnapshot(ctx context.Context, aggType, streamName string, schemaVersion int) (*es.SnapshotData, error) {
	return s.get(ctx, selectSnapshot, aggType, streamName, schemaVersion)
}

func (s *SnapshotStore) GetStaleSnapshot(ctx context.Context, aggType string, schemaVersion int) (*es.SnapshotData, error) {
	return s.get(ctx, selectStaleSnapshot, aggType, schemaVersion)
}

func (s *SnapshotStore) get(ctx context.Context, query string, args ...any) (*es.SnapshotData, error) {
	var data es.SnapshotData
	err := s.db.GetContext(ctx, &data, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, es.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select snapshot: %w", err)
	}
	return &data, nil
}

func (s *SnapshotStore) SaveSnapshots(ctx context.Context, snapshots ...es.SnapshotData) error {
	if len(snapshots) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, snap := range snapshots {
			if _, err := tx.NamedExecContext(ctx, upsertSnapshot, snap); err != nil {
				return fmt.Errorf("save snapshot of %s: %w", snap.StreamName, err)
			}
		}
		return nil
	})
}

func (s *SnapshotStore) DeleteSnapshot(ctx context.Context, aggType, streamName string) error {
	if _, err := s.db.ExecContext(ctx, deleteSnapshot, aggType, streamName); err != nil {
		return fmt.Errorf("delete snapshot of %s: %w", streamName, err)
	}
	return nil
}

func (s *SnapshotStore) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

var _ es.SnapshotStore = (*SnapshotStore)(nil)
