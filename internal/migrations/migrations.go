// Package migrations contains database migration definitions for the
// central wikidesk store.
package migrations

import (
	"context"
	"fmt"
	"sync"

	migrator "github.com/cybertec-postgresql/pgx-migrator"
	"github.com/jackc/pgx/v5"
)

const createTablesSQL = `
	-- Central time-entry table. idempotency_key lets a buffered write be
	-- applied more than once without double-inserting.
	CREATE TABLE entries (
		id bigserial PRIMARY KEY,
		entry_date date NOT NULL DEFAULT current_date,
		entry_time time NOT NULL DEFAULT localtime,
		period text NOT NULL,
		user_id bigint NOT NULL,
		courtier_id bigint NOT NULL,
		minutes integer NOT NULL,
		acte_type text,
		acte_de_gestion text,
		dossier text,
		client_name text,
		description text,
		idempotency_key uuid NOT NULL UNIQUE,
		created_at timestamp with time zone NOT NULL DEFAULT now(),
		updated_at timestamp with time zone NOT NULL DEFAULT now()
	);

	-- Composite indexes for the dashboard and reporting queries
	CREATE INDEX idx_entries_user_date ON entries(user_id, entry_date);
	CREATE INDEX idx_entries_courtier_date ON entries(courtier_id, entry_date);
	CREATE INDEX idx_entries_period_user ON entries(period, user_id);
	CREATE INDEX idx_entries_client_name ON entries(client_name);
`

// migrations holds function returning all upgrade migrations needed
var migrations func() migrator.Option = func() migrator.Option {
	return migrator.Migrations(
		&migrator.Migration{
			Name: "001_create_entries",
			Func: func(ctx context.Context, tx pgx.Tx) error {
				_, err := tx.Exec(ctx, createTablesSQL)
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
	once             sync.Once
)

// getMigrator returns a singleton migrator instance
func getMigrator() (*migrator.Migrator, error) {
	var err error
	once.Do(func() {
		migratorInstance, err = migrator.New(
			migrations(),
			migrator.TableName("wikidesk_migrations"),
		)
	})
	return migratorInstance, err
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
