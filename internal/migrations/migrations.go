// Package migrations contains the schema of the PostgreSQL backed local store.
package migrations

import (
	"context"
	"fmt"
	"sync"

	migrator "github.com/cybertec-postgresql/pgx-migrator"
	"github.com/jackc/pgx/v5"
)

// NotifyChannel is the LISTEN channel fed by sync_notify_mutation()
const NotifyChannel = "localsync_mutations"

// createTablesSQL creates the key-space: rows per dataset, the outbox, cursors,
// tombstones and meta.
const createTablesSQL = `
CREATE TABLE sync_rows (
	dataset bigint NOT NULL,
	tbl text NOT NULL,
	pk text NOT NULL,
	data jsonb,
	deleted boolean NOT NULL DEFAULT false,
	device_id text NOT NULL DEFAULT '',
	logical_clock bigint NOT NULL DEFAULT 0,
	server_version bigint NOT NULL DEFAULT 0,
	local_op text NOT NULL DEFAULT '',
	PRIMARY KEY (dataset, tbl, pk)
);

CREATE TABLE sync_outbox (
	seq bigserial PRIMARY KEY,
	op_id text NOT NULL UNIQUE,
	tbl text NOT NULL,
	pk text NOT NULL,
	kind text NOT NULL CHECK (kind IN ('insert', 'update', 'delete')),
	payload jsonb,
	device_id text NOT NULL,
	logical_clock bigint NOT NULL,
	enqueued_at timestamp with time zone NOT NULL DEFAULT now(),
	attempt integer NOT NULL DEFAULT 0,
	next_attempt_at timestamp with time zone NOT NULL DEFAULT now(),
	last_error text
);

CREATE TABLE sync_cursors (
	dataset bigint NOT NULL,
	tbl text NOT NULL,
	cursor text NOT NULL DEFAULT '',
	last_server_version bigint NOT NULL DEFAULT 0,
	last_full_rescan_at timestamp with time zone,
	PRIMARY KEY (dataset, tbl)
);

CREATE TABLE sync_tombstones (
	tbl text NOT NULL,
	pk text NOT NULL,
	device_id text NOT NULL,
	logical_clock bigint NOT NULL,
	server_version bigint NOT NULL DEFAULT 0,
	deleted_at timestamp with time zone NOT NULL DEFAULT now(),
	PRIMARY KEY (tbl, pk)
);

CREATE TABLE sync_meta (
	key text PRIMARY KEY,
	value text NOT NULL
);

INSERT INTO sync_meta (key, value) VALUES ('active_dataset', '1');

CREATE INDEX idx_sync_outbox_tbl_seq ON sync_outbox(tbl, seq);
CREATE INDEX idx_sync_tombstones_sv ON sync_tombstones(server_version);
`

// notifyFunctionSQL lets applications writing through SQL announce a mutation
// to the capture layer.
const notifyFunctionSQL = `
CREATE OR REPLACE FUNCTION sync_notify_mutation(p_tbl text, p_pk text, p_kind text, p_payload jsonb DEFAULT NULL)
RETURNS void AS $$
BEGIN
	PERFORM pg_notify('` + NotifyChannel + `', json_build_object(
		'table', p_tbl,
		'primary_key', p_pk,
		'kind', p_kind,
		'payload', p_payload
	)::text);
END;
$$ LANGUAGE plpgsql;
`

// migrations holds function returning all upgrade migrations needed
var migrations func() migrator.Option = func() migrator.Option {
	return migrator.Migrations(
		&migrator.Migration{
			Name: "001_create_tables",
			Func: func(ctx context.Context, tx pgx.Tx) error {
				_, err := tx.Exec(ctx, createTablesSQL)
				return err
			},
		},
		&migrator.Migration{
			Name: "002_notify_function",
			Func: func(ctx context.Context, tx pgx.Tx) error {
				_, err := tx.Exec(ctx, notifyFunctionSQL)
				return err
			},
		},
		// adding new migration here

		// &migrator.Migration{
		// 	Name: "Short description of a migration",
		// 	Func: func(ctx context.Context, tx pgx.Tx) error {
		// 		...
		// 	},
		// },
	)
}

var (
	migratorInstance *migrator.Migrator
	migratorErr      error
	once             sync.Once
)

// getMigrator returns a singleton migrator instance
func getMigrator() (*migrator.Migrator, error) {
	once.Do(func() {
		migratorInstance, migratorErr = migrator.New(
			migrations(),
			migrator.TableName("localsync_migrations"),
		)
	})
	return migratorInstance, migratorErr
}

// Apply applies all pending migrations to the database
func Apply(ctx context.Context, conn *pgx.Conn) error {
	m, err := getMigrator()
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	if err := m.Migrate(ctx, conn); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// NeedsUpgrade checks if the database needs migration
func NeedsUpgrade(ctx context.Context, conn *pgx.Conn) (bool, error) {
	m, err := getMigrator()
	if err != nil {
		return false, fmt.Errorf("failed to create migrator: %w", err)
	}
	needUpgrade, err := m.NeedUpgrade(ctx, conn)
	if err != nil {
		return false, fmt.Errorf("failed to check migration status: %w", err)
	}
	return needUpgrade, nil
}
