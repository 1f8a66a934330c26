// Package store keeps current telemetry values, limits events and the
// command log in sqlite, and fans decoded packets out to subscribers.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/cmdtlm/internal/limits"
	"github.com/banshee-data/cmdtlm/internal/monitoring"
	"github.com/banshee-data/cmdtlm/internal/packet"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var ErrNotFound = errors.New("value not found")

type DB struct {
	*sql.DB
	path string
	bus  *Bus
}

// Open opens (creating if needed) the sqlite database at path and
// migrates it to the latest schema.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// sqlite serialises writers; one connection avoids SQLITE_BUSY.
	sqlDB.SetMaxOpenConns(1)
	if _, err := sqlDB.Exec(`PRAGMA busy_timeout = 5000; PRAGMA foreign_keys = ON`); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	db := &DB{DB: sqlDB, path: path, bus: NewBus()}
	if err := db.MigrateUp(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// Bus returns the publish/subscribe hub attached to this store.
func (db *DB) Bus() *Bus { return db.bus }

// MigrateUp applies all pending embedded migrations.
func (db *DB) MigrateUp() error {
	m, err := db.newMigrate()
	if err != nil {
		return err
	}
	// m is not closed: closing it closes the shared *sql.DB.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// MigrateVersion returns the applied schema version, 0 when none.
func (db *DB) MigrateVersion() (uint, bool, error) {
	m, err := db.newMigrate()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func (db *DB) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db.DB, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{}
	return m, nil
}

type migrateLogger struct{}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	monitoring.Logf("[migrate] "+format, v...)
}

func (l *migrateLogger) Verbose() bool { return false }

// Value is one decoded item ready to be stored.
type Value struct {
	Item      string
	Raw       any
	Converted any
	State     packet.LimitsState
}

// Stored is a current value read back from the database. Raw and
// Converted hold the JSON encoding of the decoded values.
type Stored struct {
	Target        string
	Packet        string
	Item          string
	Raw           json.RawMessage
	Converted     json.RawMessage
	State         packet.LimitsState
	ReceivedCount uint64
	UpdatedAt     time.Time
}

// Put upserts the current value of every item of one packet.
func (db *DB) Put(ctx context.Context, target, pkt string, count uint64, at time.Time, values []Value) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO current_values (target_name, packet_name, item_name, raw_value, converted_value, limits_state, received_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (target_name, packet_name, item_name) DO UPDATE SET
			raw_value = excluded.raw_value,
			converted_value = excluded.converted_value,
			limits_state = excluded.limits_state,
			received_count = excluded.received_count,
			updated_at = excluded.updated_at`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, v := range values {
		raw, err := encodeValue(v.Raw)
		if err != nil {
			return fmt.Errorf("%s %s %s raw: %w", target, pkt, v.Item, err)
		}
		conv, err := encodeValue(v.Converted)
		if err != nil {
			return fmt.Errorf("%s %s %s converted: %w", target, pkt, v.Item, err)
		}
		if _, err := stmt.ExecContext(ctx, target, pkt, v.Item, raw, conv, v.State.String(), int64(count), at.UnixNano()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func encodeValue(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

const valueColumns = `target_name, packet_name, item_name, raw_value, converted_value, limits_state, received_count, updated_at`

// Get returns the current value of one item.
func (db *DB) Get(ctx context.Context, target, pkt, item string) (Stored, error) {
	row := db.QueryRowContext(ctx, `SELECT `+valueColumns+` FROM current_values
		WHERE target_name = ? AND packet_name = ? AND item_name = ?`, target, pkt, item)
	s, err := scanStored(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Stored{}, fmt.Errorf("%w: %s %s %s", ErrNotFound, target, pkt, item)
	}
	return s, err
}

// Values returns the current values of every item of one packet, in
// item name order.
func (db *DB) Values(ctx context.Context, target, pkt string) ([]Stored, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+valueColumns+` FROM current_values
		WHERE target_name = ? AND packet_name = ? ORDER BY item_name`, target, pkt)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Stored
	for rows.Next() {
		s, err := scanStored(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanStored(row scanner) (Stored, error) {
	var (
		s         Stored
		raw, conv sql.NullString
		state     string
		count     int64
		updated   int64
	)
	if err := row.Scan(&s.Target, &s.Packet, &s.Item, &raw, &conv, &state, &count, &updated); err != nil {
		return Stored{}, err
	}
	if raw.Valid {
		s.Raw = json.RawMessage(raw.String)
	}
	if conv.Valid {
		s.Converted = json.RawMessage(conv.String)
	}
	s.State = parseState(state)
	s.ReceivedCount = uint64(count)
	s.UpdatedAt = time.Unix(0, updated)
	return s, nil
}

func parseState(s string) packet.LimitsState {
	st, err := packet.ParseLimitsState(s)
	if err != nil {
		return packet.STALE
	}
	return st
}

// LimitsEvent is a recorded limits transition.
type LimitsEvent struct {
	ID        uuid.UUID
	Target    string
	Packet    string
	Item      string
	Set       string
	Old       packet.LimitsState
	New       packet.LimitsState
	Value     float64
	CreatedAt time.Time
}

// RecordTransition appends a limits transition to the event log.
func (db *DB) RecordTransition(ctx context.Context, tr limits.Transition, at time.Time) (uuid.UUID, error) {
	id := uuid.New()
	value := sql.NullFloat64{Float64: tr.Value, Valid: !math.IsNaN(tr.Value)}
	_, err := db.ExecContext(ctx, `INSERT INTO limits_events
		(event_id, target_name, packet_name, item_name, limits_set, old_state, new_state, value, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id.String(), tr.Target, tr.Packet, tr.Item.Name, tr.Set, tr.Old.String(), tr.New.String(), value, at.UnixNano())
	if err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// LimitsEvents returns the n most recent limits events, newest first.
func (db *DB) LimitsEvents(ctx context.Context, n int) ([]LimitsEvent, error) {
	rows, err := db.QueryContext(ctx, `SELECT event_id, target_name, packet_name, item_name, limits_set,
		old_state, new_state, value, created_at FROM limits_events ORDER BY created_at DESC, rowid DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []LimitsEvent
	for rows.Next() {
		var (
			e          LimitsEvent
			id         string
			oldS, newS string
			value      sql.NullFloat64
			created    int64
		)
		if err := rows.Scan(&id, &e.Target, &e.Packet, &e.Item, &e.Set, &oldS, &newS, &value, &created); err != nil {
			return nil, err
		}
		if e.ID, err = uuid.Parse(id); err != nil {
			return nil, err
		}
		e.Old, e.New = parseState(oldS), parseState(newS)
		e.Value = value.Float64
		e.CreatedAt = time.Unix(0, created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// SentCommand is one entry of the command log.
type SentCommand struct {
	ID        uuid.UUID
	Target    string
	Packet    string
	Interface string
	Data      []byte
	SentAt    time.Time
}

// RecordCommand logs a command written to an interface.
func (db *DB) RecordCommand(ctx context.Context, target, pkt, iface string, data []byte, at time.Time) (uuid.UUID, error) {
	id := uuid.New()
	_, err := db.ExecContext(ctx, `INSERT INTO commands (command_id, target_name, packet_name, interface_name, data, sent_at)
		VALUES (?, ?, ?, ?, ?, ?)`, id.String(), target, pkt, iface, data, at.UnixNano())
	if err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// Commands returns the n most recent commands, newest first.
func (db *DB) Commands(ctx context.Context, n int) ([]SentCommand, error) {
	rows, err := db.QueryContext(ctx, `SELECT command_id, target_name, packet_name, interface_name, data, sent_at
		FROM commands ORDER BY sent_at DESC, rowid DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SentCommand
	for rows.Next() {
		var (
			c    SentCommand
			id   string
			sent int64
		)
		if err := rows.Scan(&id, &c.Target, &c.Packet, &c.Interface, &c.Data, &sent); err != nil {
			return nil, err
		}
		if c.ID, err = uuid.Parse(id); err != nil {
			return nil, err
		}
		c.SentAt = time.Unix(0, sent)
		out = append(out, c)
	}
	return out, rows.Err()
}
