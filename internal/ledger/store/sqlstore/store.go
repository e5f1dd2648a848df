// Package sqlstore is the durable ledger store. One implementation serves
// SQLite and PostgreSQL; queries are written with ? placeholders and rebound
// per dialect.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"orbitguard/internal/conjunction"
	"orbitguard/internal/ledger"
	"orbitguard/pkg/platform/sentinel"
	txcontext "orbitguard/pkg/platform/tx"
)

// Dialect selects the SQL flavour and driver.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// ParseDialect accepts the driver names used in configuration.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	case "postgres", "postgresql", "pg":
		return DialectPostgres, nil
	}
	return "", fmt.Errorf("unsupported ledger driver %q", s)
}

// appendLockKey is the advisory lock PostgreSQL appends serialize on.
const appendLockKey int64 = 0x6f726267

// lockAppends makes sequence order match commit order. BIGSERIAL hands out
// values at INSERT, so without it a reader paging by sequence can pass a gap
// that a slower transaction fills later. SQLite already allows one writer.
func (d Dialect) lockAppends(ctx context.Context, q dbExecutor) error {
	if d != DialectPostgres {
		return nil
	}
	if _, err := q.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, appendLockKey); err != nil {
		return fmt.Errorf("lock ledger appends: %w", err)
	}
	return nil
}

// rebind rewrites ? placeholders into $n for PostgreSQL.
func (d Dialect) rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Store implements ledger.Store and the outbox relay's source.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

// Open connects with the driver for d, applies migrations and returns the store.
func Open(d Dialect, dsn string) (*Store, error) {
	switch d {
	case DialectSQLite:
		return OpenSQLite(dsn)
	case DialectPostgres:
		return OpenPostgres(dsn)
	}
	return nil, fmt.Errorf("unsupported ledger driver %q", d)
}

// OpenSQLite opens (creating if needed) the database file at path.
func OpenSQLite(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	dsn := "file:" + filepath.Clean(path) +
		"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// SQLite has a single writer; one connection keeps appends strictly serial.
	db.SetMaxOpenConns(1)
	return open(db, DialectSQLite)
}

// OpenPostgres connects to dsn using lib/pq.
func OpenPostgres(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
	return open(db, DialectPostgres)
}

func open(db *sql.DB, d Dialect) (*Store, error) {
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s db: %w", d, err)
	}
	if err := Migrate(db, d); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return New(db, d), nil
}

// New wraps an already-migrated database.
func New(db *sql.DB, d Dialect) *Store {
	return &Store{db: db, dialect: d}
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Dialect() Dialect { return s.dialect }

// Health pings the database.
func (s *Store) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

func (s *Store) withTx(ctx context.Context, fn func(context.Context) error) error {
	return txcontext.Run(ctx, s.db, fn)
}

// Append inserts the record, bumps the counters and enqueues the outbox
// entry in one transaction.
func (s *Store) Append(ctx context.Context, rec ledger.AuditRecord) (int64, error) {
	var seq int64
	err := s.withTx(ctx, func(ctx context.Context) error {
		q := s.execer(ctx)
		if err := s.dialect.lockAppends(ctx, q); err != nil {
			return err
		}

		var exists int
		err := q.QueryRowContext(ctx, s.dialect.rebind(
			`SELECT 1 FROM audit_records WHERE event_id = ?`), rec.EventID.String()).Scan(&exists)
		switch {
		case err == nil:
			return fmt.Errorf("event %s: %w", rec.EventID, sentinel.ErrConflict)
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("check existing record: %w", err)
		}

		body, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal audit record: %w", err)
		}
		err = q.QueryRowContext(ctx, s.dialect.rebind(`
INSERT INTO audit_records (record_id, event_id, decision, classification, pc, policy_hash, recorded_at, body)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
RETURNING sequence`),
			rec.RecordID.String(),
			rec.EventID.String(),
			string(rec.Decision),
			string(rec.Assessment.Classification),
			rec.Assessment.Pc,
			rec.PolicyHash,
			rec.RecordedAt.UTC().UnixNano(),
			string(body),
		).Scan(&seq)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("event %s: %w", rec.EventID, sentinel.ErrConflict)
			}
			return fmt.Errorf("insert audit record: %w", err)
		}

		if err := s.bumpCounters(ctx, rec.Decision.Delta()); err != nil {
			return err
		}

		rec.Sequence = seq
		payload, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal outbox payload: %w", err)
		}
		_, err = q.ExecContext(ctx, s.dialect.rebind(`
INSERT INTO outbox (id, aggregate_type, aggregate_id, event_type, payload, created_at)
VALUES (?, ?, ?, ?, ?, ?)`),
			uuid.New().String(),
			"conjunction",
			rec.EventID.String(),
			ledger.EventTypeDecisionRecorded,
			string(payload),
			rec.RecordedAt.UTC().UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("insert outbox entry: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

func (s *Store) bumpCounters(ctx context.Context, d ledger.Counters) error {
	deltas := []struct {
		name  string
		value int64
	}{
		{ledger.CounterCDMProcessed, d.CDMProcessed},
		{ledger.CounterManeuversExecuted, d.ManeuversExecuted},
		{ledger.CounterRejections, d.Rejections},
	}
	for _, c := range deltas {
		if c.value == 0 {
			continue
		}
		if _, err := s.execer(ctx).ExecContext(ctx, s.dialect.rebind(
			`UPDATE ledger_counters SET value = value + ? WHERE name = ?`), c.value, c.name); err != nil {
			return fmt.Errorf("update counter %s: %w", c.name, err)
		}
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id conjunction.EventID) (ledger.AuditRecord, error) {
	row := s.execer(ctx).QueryRowContext(ctx, s.dialect.rebind(
		`SELECT sequence, body FROM audit_records WHERE event_id = ?`), id.String())
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.AuditRecord{}, sentinel.ErrNotFound
	}
	return rec, err
}

func (s *Store) List(ctx context.Context, afterSeq int64, limit int) ([]ledger.AuditRecord, error) {
	if limit <= 0 {
		return []ledger.AuditRecord{}, nil
	}
	rows, err := s.execer(ctx).QueryContext(ctx, s.dialect.rebind(
		`SELECT sequence, body FROM audit_records WHERE sequence > ? ORDER BY sequence ASC LIMIT ?`), afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	defer rows.Close()

	out := []ledger.AuditRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit records: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (ledger.AuditRecord, error) {
	var (
		seq  int64
		body []byte
	)
	if err := row.Scan(&seq, &body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.AuditRecord{}, err
		}
		return ledger.AuditRecord{}, fmt.Errorf("scan audit record: %w", err)
	}
	var rec ledger.AuditRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return ledger.AuditRecord{}, fmt.Errorf("decode audit record %d: %w", seq, err)
	}
	rec.Sequence = seq
	return rec, nil
}

func (s *Store) Counters(ctx context.Context) (ledger.Counters, error) {
	rows, err := s.execer(ctx).QueryContext(ctx, `SELECT name, value FROM ledger_counters`)
	if err != nil {
		return ledger.Counters{}, fmt.Errorf("query counters: %w", err)
	}
	defer rows.Close()

	var c ledger.Counters
	for rows.Next() {
		var (
			name  string
			value int64
		)
		if err := rows.Scan(&name, &value); err != nil {
			return ledger.Counters{}, fmt.Errorf("scan counter: %w", err)
		}
		switch name {
		case ledger.CounterCDMProcessed:
			c.CDMProcessed = value
		case ledger.CounterManeuversExecuted:
			c.ManeuversExecuted = value
		case ledger.CounterRejections:
			c.Rejections = value
		}
	}
	return c, rows.Err()
}

// PendingOutbox returns up to limit unpublished entries, oldest first.
func (s *Store) PendingOutbox(ctx context.Context, limit int) ([]ledger.OutboxEntry, error) {
	rows, err := s.execer(ctx).QueryContext(ctx, s.dialect.rebind(`
SELECT id, aggregate_id, event_type, payload, created_at
FROM outbox
WHERE published_at IS NULL
ORDER BY created_at ASC, id ASC
LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	out := []ledger.OutboxEntry{}
	for rows.Next() {
		var (
			e       ledger.OutboxEntry
			id      string
			payload []byte
			created int64
		)
		if err := rows.Scan(&id, &e.AggregateID, &e.EventType, &payload, &created); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		if e.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse outbox id %q: %w", id, err)
		}
		e.Payload = payload
		e.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox: %w", err)
	}
	return out, nil
}

// MarkPublished stamps the given outbox entries as delivered.
func (s *Store) MarkPublished(ctx context.Context, ids []uuid.UUID, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return s.withTx(ctx, func(ctx context.Context) error {
		for _, id := range ids {
			if _, err := s.execer(ctx).ExecContext(ctx, s.dialect.rebind(
				`UPDATE outbox SET published_at = ? WHERE id = ? AND published_at IS NULL`),
				at.UTC().UnixNano(), id.String()); err != nil {
				return fmt.Errorf("mark outbox entry %s: %w", id, err)
			}
		}
		return nil
	})
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}
