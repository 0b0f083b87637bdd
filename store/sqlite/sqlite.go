/*
Package sqlite provides a SQLite-backed implementation of the ledger stores.

PURPOSE:
  Implements ledger.Store (the movement event log) and ledger.ReferenceStore
  (bases and equipment types) on SQLite. Several processes may share one
  database file: the events primary key is the log sequence, so two writers
  racing for the same Seq cannot both succeed.

INTERFACES IMPLEMENTED:
  ledger.Store:          Append-only event log
  ledger.ReferenceStore: Reference entities

APPEND-ONLY ENFORCEMENT:
  - No UPDATE statements on the events table
  - No DELETE statements on the events table
  - Corrections are new compensating events

KEY TABLES:
  events:          Immutable movement log, seq is the primary key
  bases:           Reference bases
  equipment_types: Reference equipment types

INDEXES:
  - idx_events_base_date:      Per-base reads (dashboard, listings)
  - idx_events_to_base_date:   Destination side of transfers
  - idx_events_equipment_date: Per-equipment-type reads
  - idx_events_ref:            Lifecycle lookups by transfer/assignment id

SEQUENCING:
  Append runs in a transaction that reads MAX(seq) and inserts at exactly
  head+1. Any other Seq, or losing a race on the primary key, yields a
  ledger.ConflictError.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc, err := ledger.NewService(ctx, ledger.ServiceConfig{Store: store, References: store})

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/asset-ledger/ledger"
)

// Store implements ledger.Store and ledger.ReferenceStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Movement events (append-only log)
	CREATE TABLE IF NOT EXISTS events (
		seq INTEGER PRIMARY KEY,
		kind TEXT NOT NULL,
		date TEXT NOT NULL,
		actor TEXT NOT NULL,
		recorded_at TEXT NOT NULL,
		base_id TEXT NOT NULL,
		to_base_id TEXT,
		equipment_type_id TEXT NOT NULL,
		quantity INTEGER NOT NULL CHECK (quantity > 0),
		ref_id TEXT NOT NULL,
		payload_json TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_base_date
		ON events(base_id, date);
	CREATE INDEX IF NOT EXISTS idx_events_to_base_date
		ON events(to_base_id, date) WHERE to_base_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_events_equipment_date
		ON events(equipment_type_id, date);
	CREATE INDEX IF NOT EXISTS idx_events_ref
		ON events(ref_id);
	CREATE INDEX IF NOT EXISTS idx_events_kind
		ON events(kind);

	-- Bases
	CREATE TABLE IF NOT EXISTS bases (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		location TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	-- Equipment types
	CREATE TABLE IF NOT EXISTS equipment_types (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// EVENT STORE (ledger.Store interface)
// =============================================================================

// Append persists ev at ev.Seq, which must be the current head + 1.
func (s *Store) Append(ctx context.Context, ev ledger.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := ledger.EncodePayload(ev.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode event payload: %w", err)
	}
	keys := ev.Keys()
	if len(keys) == 0 {
		return fmt.Errorf("event %s touches no stock key", ev.Kind())
	}
	var toBase sql.NullString
	if len(keys) > 1 {
		toBase = nullString(string(keys[1].Base))
	}

	// _txlock=immediate takes the write lock at BEGIN, so another process
	// holding it surfaces here as SQLITE_BUSY once busy_timeout expires.
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		if isBusyError(err) {
			return &ledger.ConflictError{Reason: "database busy", Err: err}
		}
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	var head int64
	if err := sqlTx.QueryRowContext(ctx, "SELECT COALESCE(MAX(seq), 0) FROM events").Scan(&head); err != nil {
		return fmt.Errorf("failed to read log head: %w", err)
	}
	if int64(ev.Seq) != head+1 {
		return &ledger.ConflictError{Reason: fmt.Sprintf("append seq %d: head is %d", ev.Seq, head)}
	}

	query := `
		INSERT INTO events
		(seq, kind, date, actor, recorded_at, base_id, to_base_id, equipment_type_id,
		 quantity, ref_id, payload_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = sqlTx.ExecContext(ctx, query,
		int64(ev.Seq),
		string(ev.Kind()),
		ev.Date.String(),
		ev.Actor,
		ev.RecordedAt.UTC().Format(time.RFC3339Nano),
		string(keys[0].Base),
		toBase,
		string(keys[0].EquipmentType),
		ev.Quantity(),
		ev.RefID(),
		string(payload),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return &ledger.ConflictError{Reason: fmt.Sprintf("seq %d already taken", ev.Seq), Err: err}
		}
		if isBusyError(err) {
			return &ledger.ConflictError{Reason: "database busy", Err: err}
		}
		return fmt.Errorf("failed to append event: %w", err)
	}

	if err := sqlTx.Commit(); err != nil {
		if isBusyError(err) {
			return &ledger.ConflictError{Reason: "database busy", Err: err}
		}
		return fmt.Errorf("failed to commit event: %w", err)
	}
	return nil
}

// Read returns events matching filter ordered by seq.
func (s *Store) Read(ctx context.Context, filter ledger.EventFilter) ([]ledger.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		where []string
		args  []any
	)
	where = append(where, "seq > ?")
	args = append(args, int64(filter.AfterSeq))

	if !filter.Dates.From.IsZero() {
		where = append(where, "date >= ?")
		args = append(args, filter.Dates.From.String())
	}
	if !filter.Dates.To.IsZero() {
		where = append(where, "date <= ?")
		args = append(args, filter.Dates.To.String())
	}
	if filter.Base != "" {
		where = append(where, "(base_id = ? OR to_base_id = ?)")
		args = append(args, string(filter.Base), string(filter.Base))
	}
	if filter.EquipmentType != "" {
		where = append(where, "equipment_type_id = ?")
		args = append(args, string(filter.EquipmentType))
	}
	if len(filter.Kinds) > 0 {
		placeholders := make([]string, len(filter.Kinds))
		for i, k := range filter.Kinds {
			placeholders[i] = "?"
			args = append(args, string(k))
		}
		where = append(where, "kind IN ("+strings.Join(placeholders, ", ")+")")
	}

	query := `
		SELECT seq, kind, date, actor, recorded_at, payload_json
		FROM events
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY seq ASC
	`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []ledger.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		// Columns only index the first two keys; Matches is authoritative.
		if filter.Matches(ev) {
			events = append(events, ev)
		}
	}
	return events, rows.Err()
}

// Head returns the highest stored seq.
func (s *Store) Head(ctx context.Context) (ledger.Seq, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var head int64
	err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(seq), 0) FROM events").Scan(&head)
	if err != nil {
		return 0, fmt.Errorf("failed to read log head: %w", err)
	}
	return ledger.Seq(head), nil
}

func scanEvent(rows *sql.Rows) (ledger.Event, error) {
	var (
		seq                           int64
		kind, date, actor, recordedAt string
		payloadJSON                   string
	)
	if err := rows.Scan(&seq, &kind, &date, &actor, &recordedAt, &payloadJSON); err != nil {
		return ledger.Event{}, fmt.Errorf("failed to scan event: %w", err)
	}

	d, err := ledger.ParseDate(date)
	if err != nil {
		return ledger.Event{}, fmt.Errorf("event %d: bad date %q: %w", seq, date, err)
	}
	payload, err := ledger.DecodePayload(ledger.EventKind(kind), []byte(payloadJSON))
	if err != nil {
		return ledger.Event{}, fmt.Errorf("event %d: %w", seq, err)
	}
	at, _ := time.Parse(time.RFC3339Nano, recordedAt)

	return ledger.Event{
		Seq:        ledger.Seq(seq),
		Date:       d,
		Actor:      actor,
		RecordedAt: at,
		Payload:    payload,
	}, nil
}

// =============================================================================
// REFERENCE STORE (ledger.ReferenceStore interface)
// =============================================================================

// SaveBase inserts a base. An existing id is left unchanged.
func (s *Store) SaveBase(ctx context.Context, b ledger.Base) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO bases (id, name, location, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`
	_, err := s.db.ExecContext(ctx, query, string(b.ID), b.Name, b.Location, now())
	if err != nil {
		return fmt.Errorf("failed to save base: %w", err)
	}
	return nil
}

// GetBase returns the base, or nil if it does not exist.
func (s *Store) GetBase(ctx context.Context, id ledger.BaseID) (*ledger.Base, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var b ledger.Base
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, location FROM bases WHERE id = ?", string(id),
	).Scan(&b.ID, &b.Name, &b.Location)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get base: %w", err)
	}
	return &b, nil
}

// ListBases returns all bases ordered by id.
func (s *Store) ListBases(ctx context.Context) ([]ledger.Base, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT id, name, location FROM bases ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list bases: %w", err)
	}
	defer rows.Close()

	bases := []ledger.Base{}
	for rows.Next() {
		var b ledger.Base
		if err := rows.Scan(&b.ID, &b.Name, &b.Location); err != nil {
			return nil, fmt.Errorf("failed to scan base: %w", err)
		}
		bases = append(bases, b)
	}
	return bases, rows.Err()
}

// SaveEquipmentType inserts an equipment type. An existing id is left
// unchanged.
func (s *Store) SaveEquipmentType(ctx context.Context, et ledger.EquipmentType) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO equipment_types (id, name, category, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`
	_, err := s.db.ExecContext(ctx, query, string(et.ID), et.Name, et.Category, now())
	if err != nil {
		return fmt.Errorf("failed to save equipment type: %w", err)
	}
	return nil
}

// GetEquipmentType returns the equipment type, or nil if it does not exist.
func (s *Store) GetEquipmentType(ctx context.Context, id ledger.EquipmentTypeID) (*ledger.EquipmentType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var et ledger.EquipmentType
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, category FROM equipment_types WHERE id = ?", string(id),
	).Scan(&et.ID, &et.Name, &et.Category)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get equipment type: %w", err)
	}
	return &et, nil
}

// ListEquipmentTypes returns all equipment types ordered by id.
func (s *Store) ListEquipmentTypes(ctx context.Context) ([]ledger.EquipmentType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT id, name, category FROM equipment_types ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list equipment types: %w", err)
	}
	defer rows.Close()

	types := []ledger.EquipmentType{}
	for rows.Next() {
		var et ledger.EquipmentType
		if err := rows.Scan(&et.ID, &et.Name, &et.Category); err != nil {
			return nil, fmt.Errorf("failed to scan equipment type: %w", err)
		}
		types = append(types, et)
	}
	return types, rows.Err()
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset deletes every event and reference row. Services already open on
// the file must be restarted.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range []string{"events", "bases", "equipment_types"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// Helper functions

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrConstraint &&
			(se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || se.ExtendedCode == sqlite3.ErrConstraintUnique)
	}
	return false
}

func isBusyError(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked)
}
