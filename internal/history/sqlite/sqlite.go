package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loykin/sidekick/internal/history"
)

// Sink writes history events to a SQLite database.
type Sink struct {
	db *sql.DB
}

// New creates a new SQLite history sink.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" (without prefix)
//   - ":memory:" (in-memory database)
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// :memory: databases are per connection.
	db.SetMaxOpenConns(1)

	sink := &Sink{db: db}
	if err := sink.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return sink, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	// occurred_at is stored as Unix milliseconds.
	stmt := `CREATE TABLE IF NOT EXISTS ` + history.DefaultTable + `(
		occurred_at INTEGER NOT NULL,
		type TEXT NOT NULL,
		pid INTEGER NOT NULL DEFAULT 0,
		exit_code INTEGER NOT NULL DEFAULT 0,
		cdp_port INTEGER NOT NULL DEFAULT 0,
		proxy_port INTEGER NOT NULL DEFAULT 0,
		backend_port INTEGER NOT NULL DEFAULT 0,
		extension_port INTEGER NOT NULL DEFAULT 0,
		detail TEXT
	);`
	_, err := s.db.ExecContext(ctx, stmt)
	return err
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO `+history.DefaultTable+`(occurred_at, type, pid, exit_code, cdp_port, proxy_port, backend_port, extension_port, detail)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		e.OccurredAt.UTC().UnixMilli(), string(e.Type), e.PID, e.ExitCode,
		e.Ports.CDP, e.Ports.Proxy, e.Ports.Backend, e.Ports.Extension, e.Detail)
	return err
}

// Recent returns up to limit events, newest first.
func (s *Sink) Recent(ctx context.Context, limit int) ([]history.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT occurred_at, type, pid, exit_code, cdp_port, proxy_port, backend_port, extension_port, COALESCE(detail, '')
		FROM `+history.DefaultTable+` ORDER BY occurred_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []history.Event
	for rows.Next() {
		var e history.Event
		var ms int64
		var typ string
		if err := rows.Scan(&ms, &typ, &e.PID, &e.ExitCode,
			&e.Ports.CDP, &e.Ports.Proxy, &e.Ports.Backend, &e.Ports.Extension, &e.Detail); err != nil {
			return nil, err
		}
		e.Type = history.EventType(typ)
		e.OccurredAt = time.UnixMilli(ms).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
