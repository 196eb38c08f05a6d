package telemetry

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	perrors "github.com/vinayprograms/proximitykit/errors"
)

// DefaultPostgresTable is the table records are inserted into.
const DefaultPostgresTable = "proximity_records"

// PostgresConfig configures the Postgres transport.
type PostgresConfig struct {
	// DSN is a pgx connection string.
	DSN string

	// Table defaults to proximity_records. It is created when missing.
	Table string
}

// execer is the part of *sql.DB the transport uses.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// PostgresTransport inserts one row per record.
type PostgresTransport struct {
	db     *sql.DB
	exec   execer
	insert string
	now    func() time.Time
}

// NewPostgresTransport opens the database, pings it and ensures the table.
func NewPostgresTransport(ctx context.Context, cfg PostgresConfig) (*PostgresTransport, error) {
	if cfg.DSN == "" {
		return nil, perrors.InvalidConfig("postgres transport requires a dsn")
	}
	if cfg.Table == "" {
		cfg.Table = DefaultPostgresTable
	}
	if !validIdentifier(cfg.Table) {
		return nil, perrors.InvalidConfig("invalid postgres table name: " + cfg.Table)
	}

	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, perrors.InvalidConfig("open postgres", perrors.WithCause(err))
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, perrors.TransportFailed(err)
	}
	if _, err := db.ExecContext(ctx, createTableSQL(cfg.Table)); err != nil {
		db.Close()
		return nil, perrors.TransportFailed(err)
	}

	t := newPostgresTransport(db, cfg.Table, time.Now)
	t.db = db
	return t, nil
}

func newPostgresTransport(exec execer, table string, now func() time.Time) *PostgresTransport {
	return &PostgresTransport{
		exec:   exec,
		insert: insertSQL(table),
		now:    now,
	}
}

func createTableSQL(table string) string {
	return `CREATE TABLE IF NOT EXISTS ` + table + ` (
	id BIGSERIAL PRIMARY KEY,
	device_id TEXT NOT NULL,
	nearby_device_id TEXT NOT NULL,
	distance DOUBLE PRECISION NOT NULL,
	heart_rate INTEGER NOT NULL,
	received_at TIMESTAMPTZ NOT NULL
)`
}

func insertSQL(table string) string {
	return `INSERT INTO ` + table +
		` (device_id, nearby_device_id, distance, heart_rate, received_at) VALUES ($1, $2, $3, $4, $5)`
}

// validIdentifier accepts lower-case snake_case names only, since the
// table name is spliced into SQL.
func validIdentifier(s string) bool {
	if s == "" || len(s) > 63 {
		return false
	}
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r == '_':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

// Send implements Transport.
func (t *PostgresTransport) Send(ctx context.Context, rec Record) (*Response, error) {
	_, err := t.exec.ExecContext(ctx, t.insert,
		rec.DeviceID, rec.NearbyDeviceID, rec.Distance, rec.HeartRate, t.now().UTC())
	if err != nil {
		return nil, perrors.TransportFailed(err)
	}
	return &Response{StatusCode: 201}, nil
}

// Close closes the database.
func (t *PostgresTransport) Close() error {
	if t.db != nil {
		return t.db.Close()
	}
	return nil
}
