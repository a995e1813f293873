// Package sqlstore persists sessions and records in SQL. SQLite (go-sqlite3)
// and PostgreSQL (lib/pq) are supported; queries are written once and rebound
// per driver by sqlx.
package sqlstore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/zeusync/canvassync/internal/core/record"
	"github.com/zeusync/canvassync/internal/core/remote/memory"
	"github.com/zeusync/canvassync/internal/core/session"
)

//go:embed schema.sql
var schemaSQL string

var (
	_ memory.Persister = (*Store)(nil)
	_ session.Getter   = (*Store)(nil)
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

type sessionRow struct {
	ID      string `db:"id"`
	OwnerID string `db:"owner_id"`
	Config  string `db:"config"`
}

type recordRow struct {
	ID   string `db:"id"`
	Body string `db:"body"`
}

// Open connects to dsn with driver and applies the schema. For SQLite the
// connection pool is limited to a single writer.
func Open(driver, dsn string) (*Store, error) {
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, errors.Wrapf(ErrUnsupportedDriver, "%q", driver)
	}
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "connect to database")
	}

	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		if err := applyPragmas(db); err != nil {
			db.Close()
			return nil, err
		}
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) GetSession(ctx context.Context, id string) (session.Session, error) {
	var row sessionRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT id, owner_id, config FROM sessions WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Session{}, session.ErrNotFound
	}
	if err != nil {
		return session.Session{}, errors.Wrapf(err, "get session %s", id)
	}

	out := session.Session{ID: row.ID, OwnerID: row.OwnerID}
	if row.Config != "" && row.Config != "{}" {
		if err := json.Unmarshal([]byte(row.Config), &out.Config); err != nil {
			return session.Session{}, errors.Wrapf(err, "decode config of session %s", id)
		}
	}
	return out, nil
}

func (s *Store) PutSession(ctx context.Context, sess session.Session) error {
	cfg := []byte("{}")
	if len(sess.Config) > 0 {
		var err error
		if cfg, err = json.Marshal(sess.Config); err != nil {
			return errors.Wrapf(err, "encode config of session %s", sess.ID)
		}
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO sessions (id, owner_id, config) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET config = excluded.config`),
		sess.ID, sess.OwnerID, string(cfg))
	return errors.Wrapf(err, "put session %s", sess.ID)
}

func (s *Store) LoadRecords(ctx context.Context, sessionID string) ([]record.Record, error) {
	var rows []recordRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`SELECT id, body FROM records WHERE session_id = ? ORDER BY id`), sessionID)
	if err != nil {
		return nil, errors.Wrapf(err, "load records of %s", sessionID)
	}
	out := make([]record.Record, 0, len(rows))
	for _, row := range rows {
		var rec record.Record
		if err := json.Unmarshal([]byte(row.Body), &rec); err != nil {
			return nil, errors.Wrapf(err, "decode record %s", row.ID)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) SaveRecord(ctx context.Context, sessionID string, rec record.Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrapf(err, "encode record %s", rec.ID)
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO records (session_id, id, type, body, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (session_id, id) DO UPDATE SET type = excluded.type, body = excluded.body, updated_at = excluded.updated_at`),
		sessionID, string(rec.ID), string(rec.Type), string(body), s.now().UnixMilli())
	return errors.Wrapf(err, "save record %s", rec.ID)
}

func (s *Store) DeleteRecord(ctx context.Context, sessionID string, id record.ID) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM records WHERE session_id = ? AND id = ?`), sessionID, string(id))
	return errors.Wrapf(err, "delete record %s", id)
}

// CountRecords returns how many records a session holds.
func (s *Store) CountRecords(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, s.db.Rebind(`SELECT COUNT(*) FROM records WHERE session_id = ?`), sessionID)
	return n, errors.Wrapf(err, "count records of %s", sessionID)
}

func applyPragmas(db *sqlx.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return errors.Wrapf(err, "execute %q", pragma)
		}
	}
	return nil
}

func applySchema(db *sqlx.DB) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			return errors.Wrap(err, "apply schema")
		}
	}
	return nil
}
