package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

//go:embed migrations
var migrationsFS embed.FS

// Driver names accepted by OpenDriver.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// dialect captures the handful of SQL differences between the supported stores.
type dialect struct {
	name string
	// positional placeholders ($1, $2, ...) instead of "?"
	positional bool
	// appended to the candidate select of a claim so concurrent claimers skip
	// rows another transaction is already taking
	skipLocked string
	// appended to selects whose row is updated later in the same transaction
	forUpdate string
	// serializes migrations across processes sharing one database
	migrationLock string
	// the server's current time in unix milliseconds
	nowQuery string
}

var (
	sqliteDialect = dialect{
		name:     DriverSQLite,
		nowQuery: "SELECT CAST(ROUND((julianday('now') - 2440587.5) * 86400000) AS INTEGER)",
	}

	postgresDialect = dialect{
		name:          DriverPostgres,
		positional:    true,
		skipLocked:    " FOR UPDATE SKIP LOCKED",
		forUpdate:     " FOR UPDATE",
		migrationLock: "SELECT pg_advisory_xact_lock(72450190)",
		nowQuery:      "SELECT (EXTRACT(EPOCH FROM clock_timestamp()) * 1000)::bigint",
	}
)

// Store is the shared coordination store: runs, work items, dead letters and
// worker liveness. Every mutation is a single short transaction.
type Store struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
	// local is the host clock the store clock is measured against
	local func() time.Time
	clock *storeClock
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces the store clock used for leases, claims and audit
// stamps. Without it the store follows the database server's clock.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// withLocalClock sets the host clock the store clock is measured against.
func withLocalClock(local func() time.Time) Option {
	return func(s *Store) { s.local = local }
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string, opts ...Option) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		// Immediate transactions take the write lock up front so concurrent
		// processes queue on busy_timeout instead of failing lock upgrades.
		dsn = "file:" + filepath.Join(dataDir, "runq.db") + "?_txlock=immediate"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	return newStore(context.Background(), db, sqliteDialect, opts)
}

// OpenPostgres connects to Postgres through the pgx database/sql driver and
// runs pending migrations.
func OpenPostgres(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres: connection source is empty")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return newStore(ctx, db, postgresDialect, opts)
}

// OpenDriver opens the store selected by driver name. dataDir is used by
// SQLite, dsn by Postgres.
func OpenDriver(ctx context.Context, driver, dsn, dataDir string, opts ...Option) (*Store, error) {
	switch driver {
	case "", DriverSQLite:
		return Open(dataDir, opts...)
	case DriverPostgres:
		return OpenPostgres(ctx, dsn, opts...)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

func newStore(ctx context.Context, db *sql.DB, d dialect, opts []Option) (*Store, error) {
	s := &Store{db: db, dialect: d, local: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if s.now == nil {
		s.clock = newStoreClock(db, d.nowQuery, s.local)
		if err := s.clock.sync(ctx); err != nil {
			db.Close()
			return nil, err
		}
		s.now = s.clock.Now
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for tests and ad-hoc inspection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Driver returns the dialect name of the open store.
func (s *Store) Driver() string {
	return s.dialect.name
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate(ctx context.Context) error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at BIGINT NOT NULL DEFAULT 0
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	dir := path.Join("migrations", s.dialect.name)
	entries, err := migrationsFS.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		content, err := migrationsFS.ReadFile(path.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		if err := s.applyMigration(ctx, version, string(content)); err != nil {
			return err
		}
	}

	return nil
}

func (s *Store) applyMigration(ctx context.Context, version int, content string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if s.dialect.migrationLock != "" {
			if _, err := tx.ExecContext(ctx, s.dialect.migrationLock); err != nil {
				return fmt.Errorf("locking migrations: %w", err)
			}
		}

		// Check if already applied.
		var exists int
		if err := tx.QueryRowContext(ctx, s.q("SELECT COUNT(*) FROM schema_version WHERE version = ?"), version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			return nil
		}

		if _, err := tx.ExecContext(ctx, content); err != nil {
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.ExecContext(ctx, s.q("INSERT INTO schema_version (version, applied_at) VALUES (?, ?)"), version, ms(s.now())); err != nil {
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		return nil
	})
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// withTx runs fn in a transaction, committing on nil and rolling back otherwise.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// q rewrites "?" placeholders for dialects that use positional parameters.
// Queries in this package never contain literal question marks.
func (s *Store) q(query string) string {
	if !s.dialect.positional {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func ms(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMS(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v).UTC()
}
