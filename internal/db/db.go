// Package db provides the embedded SQLite journal for rowsync.
//
// The database keeps the latest state of every record together with an
// append-only log of the changes each reconciliation pass produced, so a
// restarted server resumes at the version it stopped at.
//
// Architecture:
//   - Database file: .rowsync/rowsync.db
//   - WAL mode: status and events commands read while the server writes
//   - Schema: records, events, meta tables
//
// Every pass is written in a single transaction (SavePass), so the stored
// version always matches the stored records.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/steveyegge/rowsync/internal/schema"
	"github.com/steveyegge/rowsync/internal/store"
)

// ErrNoState is returned by LoadState when nothing has been saved yet.
var ErrNoState = errors.New("no saved state")

const (
	metaVersion = "data_version"
	metaNextID  = "next_record_id"
)

// timeFormat is fixed width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// DB wraps the SQLite connection.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates a new database connection at the specified path.
//
// The parent directory is created if needed. The caller MUST call Close()
// when done to ensure the WAL is checkpointed.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{
		conn: conn,
		path: path,
	}

	pragmas := []struct{ stmt, what string }{
		{"PRAGMA journal_mode=WAL", "enable WAL mode"},
		{"PRAGMA busy_timeout=5000", "set busy timeout"},
		{"PRAGMA synchronous=NORMAL", "set synchronous mode"},
	}
	for _, p := range pragmas {
		if _, err := db.conn.Exec(p.stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to %s: %w", p.what, err)
		}
	}

	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the tables if they don't exist. Safe to call repeatedly.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the tables with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS records (
		key TEXT PRIMARY KEY,
		record_id INTEGER NOT NULL UNIQUE,
		payload TEXT NOT NULL,  -- JSON object
		version INTEGER NOT NULL  -- data version of the last write
	);

	CREATE TABLE IF NOT EXISTS events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		version INTEGER NOT NULL,
		type TEXT NOT NULL,  -- add, edit, delete, conflict, failure
		key TEXT NOT NULL,
		body TEXT NOT NULL,  -- JSON message
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS meta (
		name TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_version ON events(version);
	CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at);
	CREATE INDEX IF NOT EXISTS idx_events_key ON events(key);
	`

	if _, err := db.conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Event is one journaled change.
type Event struct {
	Seq       int64           `json:"seq"`
	Version   int64           `json:"version"`
	Type      string          `json:"type"`
	Key       string          `json:"key"`
	Body      json.RawMessage `json:"body"`
	CreatedAt time.Time       `json:"created_at"`
}

// Pass is everything one reconciliation pass changed.
type Pass struct {
	Version  int64
	NextID   int64
	Upserted []store.Record
	Removed  []string
	Events   []Event
}

// State is the persisted store contents.
type State struct {
	Records []store.Record
	Version int64
	NextID  int64
}

// SavePass writes a pass atomically: records, removals, events and the new
// version either all land or none do.
func (db *DB) SavePass(p *Pass) error {
	return db.SavePassContext(context.Background(), p)
}

// SavePassContext writes a pass with context support.
func (db *DB) SavePassContext(ctx context.Context, p *Pass) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, r := range p.Upserted {
		if err := upsertRecord(ctx, tx, r, p.Version); err != nil {
			return err
		}
	}

	for _, key := range p.Removed {
		if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE key = ?`, key); err != nil {
			return fmt.Errorf("failed to delete record %q: %w", key, err)
		}
	}

	for _, ev := range p.Events {
		createdAt := ev.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		body := ev.Body
		if len(body) == 0 {
			body = json.RawMessage("{}")
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO events (version, type, key, body, created_at) VALUES (?, ?, ?, ?, ?)`,
			p.Version, ev.Type, ev.Key, string(body), createdAt.UTC().Format(timeFormat))
		if err != nil {
			return fmt.Errorf("failed to insert %s event for %q: %w", ev.Type, ev.Key, err)
		}
	}

	if err := setCounters(ctx, tx, p.Version, p.NextID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// SaveState replaces the persisted records with st's contents. It is used
// to write the initial seed set.
func (db *DB) SaveState(st *State) error {
	return db.SaveStateContext(context.Background(), st)
}

// SaveStateContext replaces the persisted records with context support.
func (db *DB) SaveStateContext(ctx context.Context, st *State) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM records`); err != nil {
		return fmt.Errorf("failed to clear records: %w", err)
	}
	for _, r := range st.Records {
		if err := upsertRecord(ctx, tx, r, st.Version); err != nil {
			return err
		}
	}
	if err := setCounters(ctx, tx, st.Version, st.NextID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func upsertRecord(ctx context.Context, tx *sql.Tx, r store.Record, version int64) error {
	payload, err := json.Marshal(r.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload for %q: %w", r.Key, err)
	}

	query := `
	INSERT INTO records (key, record_id, payload, version)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		record_id = excluded.record_id,
		payload = excluded.payload,
		version = excluded.version
	`
	if _, err := tx.ExecContext(ctx, query, r.Key, r.ID, string(payload), version); err != nil {
		return fmt.Errorf("failed to upsert record %q: %w", r.Key, err)
	}
	return nil
}

func setCounters(ctx context.Context, tx *sql.Tx, version, nextID int64) error {
	query := `INSERT INTO meta (name, value) VALUES (?, ?)
	ON CONFLICT(name) DO UPDATE SET value = excluded.value`

	if _, err := tx.ExecContext(ctx, query, metaVersion, strconv.FormatInt(version, 10)); err != nil {
		return fmt.Errorf("failed to store data version: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, metaNextID, strconv.FormatInt(nextID, 10)); err != nil {
		return fmt.Errorf("failed to store next record id: %w", err)
	}
	return nil
}

// LoadState reads the persisted records and counters. It returns ErrNoState
// when the database has never been written.
func (db *DB) LoadState() (*State, error) {
	return db.LoadStateContext(context.Background())
}

// LoadStateContext reads the persisted state with context support.
func (db *DB) LoadStateContext(ctx context.Context) (*State, error) {
	version, err := db.metaInt(ctx, metaVersion)
	if err != nil {
		return nil, err
	}
	nextID, err := db.metaInt(ctx, metaNextID)
	if err != nil {
		return nil, err
	}

	rows, err := db.conn.QueryContext(ctx, `SELECT key, record_id, payload FROM records ORDER BY record_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	st := &State{Version: version, NextID: nextID}
	for rows.Next() {
		var r store.Record
		var payload string
		if err := rows.Scan(&r.Key, &r.ID, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &r.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload for %q: %w", r.Key, err)
		}
		if r.Payload == nil {
			r.Payload = schema.Payload{}
		}
		st.Records = append(st.Records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}
	return st, nil
}

func (db *DB) metaInt(ctx context.Context, name string) (int64, error) {
	var value string
	err := db.conn.QueryRowContext(ctx, `SELECT value FROM meta WHERE name = ?`, name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNoState
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", name, err)
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt %s %q: %w", name, value, err)
	}
	return n, nil
}

// EventFilter configures the ListEvents query.
type EventFilter struct {
	// AfterSeq returns only events with a larger sequence number
	AfterSeq int64
	// Since returns only events created at or after this time (zero = all)
	Since time.Time
	// Key filters by record key (empty = all keys)
	Key string
	// Limit restricts the number of results (0 = no limit)
	Limit int
}

// ListEvents returns journaled events in sequence order.
func (db *DB) ListEvents(filter EventFilter) ([]Event, error) {
	return db.ListEventsContext(context.Background(), filter)
}

// ListEventsContext returns journaled events with context support.
func (db *DB) ListEventsContext(ctx context.Context, filter EventFilter) ([]Event, error) {
	var conditions []string
	var args []interface{}

	if filter.AfterSeq > 0 {
		conditions = append(conditions, "seq > ?")
		args = append(args, filter.AfterSeq)
	}
	if !filter.Since.IsZero() {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, filter.Since.UTC().Format(timeFormat))
	}
	if filter.Key != "" {
		conditions = append(conditions, "key = ?")
		args = append(args, filter.Key)
	}

	query := `SELECT seq, version, type, key, body, created_at FROM events`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY seq ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var body, createdAt string
		if err := rows.Scan(&ev.Seq, &ev.Version, &ev.Type, &ev.Key, &body, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Body = json.RawMessage(body)
		if t, err := time.Parse(timeFormat, createdAt); err == nil {
			ev.CreatedAt = t
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

// Stats summarizes the journal.
type Stats struct {
	Records     int
	Events      int
	Version     int64
	NextID      int64
	LastEventAt *time.Time
}

// Stats returns record and event counts plus the stored counters.
func (db *DB) Stats() (*Stats, error) {
	return db.StatsContext(context.Background())
}

// StatsContext returns journal statistics with context support.
func (db *DB) StatsContext(ctx context.Context) (*Stats, error) {
	var s Stats
	if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM records").Scan(&s.Records); err != nil {
		return nil, fmt.Errorf("failed to count records: %w", err)
	}
	if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM events").Scan(&s.Events); err != nil {
		return nil, fmt.Errorf("failed to count events: %w", err)
	}

	var err error
	if s.Version, err = db.metaInt(ctx, metaVersion); err != nil && !errors.Is(err, ErrNoState) {
		return nil, err
	}
	if s.NextID, err = db.metaInt(ctx, metaNextID); err != nil && !errors.Is(err, ErrNoState) {
		return nil, err
	}

	var last sql.NullString
	if err := db.conn.QueryRowContext(ctx, "SELECT MAX(created_at) FROM events").Scan(&last); err != nil {
		return nil, fmt.Errorf("failed to read last event time: %w", err)
	}
	if last.Valid {
		if t, err := time.Parse(timeFormat, last.String); err == nil {
			s.LastEventAt = &t
		}
	}
	return &s, nil
}
