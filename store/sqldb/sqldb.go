/*
Package sqldb provides a relational implementation of dues.TxStore.

PURPOSE:
  Persists the dues engine on SQLite (default, tests, single node) or
  PostgreSQL. Queries are written once with '?' placeholders and rebound
  per driver by sqlx.

DRIVERS:
  sqlite3:  mattn/go-sqlite3, one open connection, WAL journal
  postgres: lib/pq, serializable transactions

KEY TABLES:
  members:          Directory backing data
  dues_types:       Catalog (code unique)
  dues_plans:       Planning records
  member_charges:   One row per (plan, member)
  fee_obligations:  One-time payables
  assistance:       Solidarity requests
  reminders:        Dunning notices

INVARIANTS ENFORCED BY INDEXES:
  - idx_plans_flat_unique:        (period, dues_type_id) for active plans
                                  without beneficiary
  - idx_plans_beneficiary_unique: (period, beneficiary_id) for active plans,
                                  across every dues type
  - uq_charges_plan_member:       (plan_id, member_id), target of the upsert

  A violation surfaces as dues.ErrDuplicate. A serialization failure or a
  busy SQLite database surfaces as dues.ErrConcurrentModification, which the
  engine retries once.

MONEY:
  TEXT on SQLite (exact decimal strings), NUMERIC(14,2) on PostgreSQL.
  Both scan into decimal.Decimal.

MIGRATION:
  Schema is auto-migrated on New().

USAGE:
  store, err := sqldb.New("sqlite3", "./data/dues.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - dues/store.go: Interface definitions
  - dues/store/memory.go: In-memory implementation for testing
*/
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/warp/dues-engine/dues"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// queryer is satisfied by both *sqlx.DB and *sqlx.Tx.
type queryer interface {
	sqlx.ExtContext
	Rebind(query string) string
}

// Store implements dues.TxStore.
type Store struct {
	*queries
	db     *sqlx.DB
	driver string

	// SQLite allows one writer; transactions are serialized in-process.
	mu sync.Mutex
}

type Options struct {
	MaxOpenConns int // ignored for sqlite3, which always uses one connection
}

// New opens the database and migrates the schema.
// For sqlite3, dsn is a file path or ":memory:".
func New(driver, dsn string, opts ...Options) (*Store, error) {
	var o Options
	if len(opts) > 0 {
		o = opts[0]
	}

	switch driver {
	case DriverSQLite:
		if !strings.Contains(dsn, "?") {
			dsn += "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"
		}
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == DriverSQLite {
		// ":memory:" databases are per-connection.
		db.SetMaxOpenConns(1)
	} else if o.MaxOpenConns > 0 {
		db.SetMaxOpenConns(o.MaxOpenConns)
	}

	s := &Store{queries: &queries{q: db}, db: db, driver: driver}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection, for health endpoints.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	money := "TEXT"
	if s.driver == DriverPostgres {
		money = "NUMERIC(14,2)"
	}
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(strings.ReplaceAll(stmt, "{{money}}", money))
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w\n%s", err, stmt)
		}
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS members (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	email TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	role TEXT NOT NULL,
	veteran BOOLEAN NOT NULL DEFAULT FALSE,
	joined_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS dues_types (
	id TEXT PRIMARY KEY,
	code TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	base_amount {{money}} NOT NULL,
	mandatory BOOLEAN NOT NULL,
	has_beneficiary BOOLEAN NOT NULL,
	display_order INTEGER NOT NULL DEFAULT 0,
	active BOOLEAN NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS dues_plans (
	id TEXT PRIMARY KEY,
	period TEXT NOT NULL,
	dues_type_id TEXT NOT NULL REFERENCES dues_types(id),
	amount {{money}} NOT NULL,
	due_date TIMESTAMP NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	beneficiary_id TEXT,
	assistance_id TEXT,
	status TEXT NOT NULL,
	created_by TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_plans_flat_unique
	ON dues_plans(period, dues_type_id)
	WHERE beneficiary_id IS NULL AND status <> 'cancelled';

CREATE UNIQUE INDEX IF NOT EXISTS idx_plans_beneficiary_unique
	ON dues_plans(period, beneficiary_id)
	WHERE beneficiary_id IS NOT NULL AND status <> 'cancelled';

CREATE INDEX IF NOT EXISTS idx_plans_period_status
	ON dues_plans(period, status);

CREATE TABLE IF NOT EXISTS member_charges (
	id TEXT PRIMARY KEY,
	plan_id TEXT NOT NULL REFERENCES dues_plans(id),
	period TEXT NOT NULL,
	dues_type_id TEXT NOT NULL,
	member_id TEXT NOT NULL,
	amount_due {{money}} NOT NULL,
	amount_paid {{money}} NOT NULL,
	remaining {{money}} NOT NULL,
	due_date TIMESTAMP NOT NULL,
	status TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	CONSTRAINT uq_charges_plan_member UNIQUE (plan_id, member_id)
);

CREATE INDEX IF NOT EXISTS idx_charges_member
	ON member_charges(member_id, status);

CREATE INDEX IF NOT EXISTS idx_charges_due
	ON member_charges(status, due_date);

CREATE TABLE IF NOT EXISTS fee_obligations (
	id TEXT PRIMARY KEY,
	member_id TEXT NOT NULL,
	amount_expected {{money}} NOT NULL,
	amount_paid {{money}} NOT NULL,
	remaining {{money}} NOT NULL,
	due_date TIMESTAMP,
	status TEXT NOT NULL,
	period_label TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_obligations_member
	ON fee_obligations(member_id);

CREATE TABLE IF NOT EXISTS assistance (
	id TEXT PRIMARY KEY,
	beneficiary_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	amount {{money}} NOT NULL,
	event_date TIMESTAMP NOT NULL,
	amount_paid {{money}} NOT NULL,
	remaining {{money}} NOT NULL,
	status TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	plan_id TEXT NOT NULL,
	created_by TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_assistance_beneficiary
	ON assistance(beneficiary_id);

CREATE TABLE IF NOT EXISTS reminders (
	id TEXT PRIMARY KEY,
	member_id TEXT NOT NULL,
	amount {{money}} NOT NULL,
	channel TEXT NOT NULL,
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	sent_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_reminders_member
	ON reminders(member_id, created_at)
`

// =============================================================================
// TRANSACTIONS (dues.TxStore)
// =============================================================================

// WithTx runs fn in a database transaction. fn must use the Store it is
// given: on SQLite the single connection is held by the transaction.
func (s *Store) WithTx(ctx context.Context, fn func(dues.Store) error) error {
	var txOpts *sql.TxOptions
	if s.driver == DriverSQLite {
		s.mu.Lock()
		defer s.mu.Unlock()
	} else {
		txOpts = &sql.TxOptions{Isolation: sql.LevelSerializable}
	}

	tx, err := s.db.BeginTxx(ctx, txOpts)
	if err != nil {
		return classify(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	if err := fn(&queries{q: tx}); err != nil {
		return err
	}
	return classify(tx.Commit())
}

// =============================================================================
// ERROR CLASSIFICATION
// =============================================================================

// classify maps driver errors onto the dues error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%w: %s", dues.ErrDuplicate, pqErr.Constraint)
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return fmt.Errorf("%w: %s", dues.ErrConcurrentModification, pqErr.Message)
		}
		return err
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		switch {
		case liteErr.ExtendedCode == sqlite3.ErrConstraintUnique,
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey:
			return fmt.Errorf("%w: %s", dues.ErrDuplicate, liteErr.Error())
		case liteErr.Code == sqlite3.ErrBusy, liteErr.Code == sqlite3.ErrLocked:
			return fmt.Errorf("%w: %s", dues.ErrConcurrentModification, liteErr.Error())
		}
		return err
	}

	if isUniqueConstraintError(err) {
		return fmt.Errorf("%w: %v", dues.ErrDuplicate, err)
	}
	return err
}

func isUniqueConstraintError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "duplicate key")
}

var _ dues.TxStore = (*Store)(nil)
