// Package sqlite persists events in a SQLite database (modernc.org/sqlite,
// no cgo). The schema is managed with golang-migrate from embedded files.
//
// Instants are stored as unix milliseconds. The start's zone name (and
// offset, for zones without a name) is stored next to them so a weekly
// series created in America/New_York still expands at local wall-clock
// time after a round-trip.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	appLog "famcal/internal/log"
	"famcal/internal/model"
	"famcal/internal/store"
	"famcal/internal/store/sqlite/migrations"

	_ "modernc.org/sqlite"
)

// Store is a store.Store backed by SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ store.Store = (*Store)(nil)

// Open opens (or creates) the database at path and applies migrations.
// ":memory:" gives a private in-memory database.
func Open(path string) (*Store, error) {
	var dsn string
	memory := path == ":memory:"
	if memory {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve database path: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(10000)&_pragma=synchronous(NORMAL)",
			filepath.ToSlash(abs))
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if memory {
		// Every new connection would be a fresh empty database.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(4)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	appLog.Info("sqlite: opened event store", "path", path)
	return &Store{db: db, now: time.Now}, nil
}

func runMigrations(db *sql.DB) error {
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to initialise migrate driver: %w", err)
	}

	source, err := iofs.New(migrations.Files, ".")
	if err != nil {
		return fmt.Errorf("failed to load embedded migrations: %w", err)
	}
	defer func() {
		_ = source.Close()
	}()

	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

const eventColumns = `id, family_id, title, description, location, color, all_day, member_id,
	start_ms, end_ms, tz, tz_offset, is_recurring, frequency, rule_interval, days_of_week,
	rule_count, until_ms, created_at_ms, updated_at_ms`

// QueryEvents implements store.Querier.
func (s *Store) QueryEvents(ctx context.Context, familyID string, f store.Filter) ([]model.StoredEvent, error) {
	var (
		query string
		args  []any
	)
	switch f.Kind {
	case store.FilterRange:
		query = `SELECT ` + eventColumns + ` FROM events
			WHERE family_id = ?
			  AND start_ms < ?
			  AND (is_recurring = 1 OR end_ms >= ?)
			ORDER BY start_ms, id`
		args = []any{familyID, f.End.UnixMilli(), f.Start.UnixMilli()}
	case store.FilterRecurringOrFuture:
		query = `SELECT ` + eventColumns + ` FROM events
			WHERE family_id = ?
			  AND (is_recurring = 1 OR start_ms >= ?)
			ORDER BY start_ms, id`
		args = []any{familyID, f.Now.UnixMilli()}
	default:
		return nil, fmt.Errorf("sqlite: unsupported filter %s", f)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []model.StoredEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

// CreateEvent implements store.Writer. An existing row with the same ID is
// replaced, keeping its creation time, unless another family owns it.
func (s *Store) CreateEvent(ctx context.Context, ev model.StoredEvent) (model.StoredEvent, error) {
	if ev.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return model.StoredEvent{}, fmt.Errorf("sqlite: new id: %w", err)
		}
		ev.ID = id.String()
	}
	if err := store.Validate(ev); err != nil {
		return model.StoredEvent{}, err
	}

	now := s.now()
	r := toRow(ev)
	var createdMs int64
	err := retryOp(ctx, defaultRetryConfig, func() error {
		return s.db.QueryRowContext(ctx, `INSERT INTO events (`+eventColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				title = excluded.title,
				description = excluded.description,
				location = excluded.location,
				color = excluded.color,
				all_day = excluded.all_day,
				member_id = excluded.member_id,
				start_ms = excluded.start_ms,
				end_ms = excluded.end_ms,
				tz = excluded.tz,
				tz_offset = excluded.tz_offset,
				is_recurring = excluded.is_recurring,
				frequency = excluded.frequency,
				rule_interval = excluded.rule_interval,
				days_of_week = excluded.days_of_week,
				rule_count = excluded.rule_count,
				until_ms = excluded.until_ms,
				updated_at_ms = excluded.updated_at_ms
			WHERE events.family_id = excluded.family_id
			RETURNING created_at_ms`,
			append(r.args(), now.UnixMilli(), now.UnixMilli())...,
		).Scan(&createdMs)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return model.StoredEvent{}, fmt.Errorf("create %s: %w", ev.ID, store.ErrConflict)
	}
	if err != nil {
		return model.StoredEvent{}, fmt.Errorf("create event %s: %w", ev.ID, err)
	}
	ev.CreatedAt = time.UnixMilli(createdMs).UTC()
	ev.UpdatedAt = time.UnixMilli(now.UnixMilli()).UTC()
	return ev, nil
}

// UpdateEvent implements store.Writer.
func (s *Store) UpdateEvent(ctx context.Context, ev model.StoredEvent) (model.StoredEvent, error) {
	if err := store.Validate(ev); err != nil {
		return model.StoredEvent{}, err
	}

	now := s.now()
	r := toRow(ev)
	var createdMs int64
	err := retryOp(ctx, defaultRetryConfig, func() error {
		return s.db.QueryRowContext(ctx, `UPDATE events SET
				title = ?, description = ?, location = ?, color = ?, all_day = ?, member_id = ?,
				start_ms = ?, end_ms = ?, tz = ?, tz_offset = ?, is_recurring = ?,
				frequency = ?, rule_interval = ?, days_of_week = ?, rule_count = ?, until_ms = ?,
				updated_at_ms = ?
			WHERE id = ? AND family_id = ?
			RETURNING created_at_ms`,
			r.title, r.description, r.location, r.color, r.allDay, r.memberID,
			r.startMs, r.endMs, r.tz, r.tzOffset, r.isRecurring,
			r.frequency, r.interval, r.days, r.count, r.untilMs,
			now.UnixMilli(), r.id, r.familyID,
		).Scan(&createdMs)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return model.StoredEvent{}, fmt.Errorf("update %s: %w", ev.ID, store.ErrNotFound)
	}
	if err != nil {
		return model.StoredEvent{}, fmt.Errorf("update event %s: %w", ev.ID, err)
	}
	ev.CreatedAt = time.UnixMilli(createdMs).UTC()
	ev.UpdatedAt = time.UnixMilli(now.UnixMilli()).UTC()
	return ev, nil
}

// DeleteEvent implements store.Writer.
func (s *Store) DeleteEvent(ctx context.Context, familyID, id string) error {
	var n int64
	err := retryOp(ctx, defaultRetryConfig, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE id = ? AND family_id = ?`, id, familyID)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("delete event %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("delete %s: %w", id, store.ErrNotFound)
	}
	return nil
}

// GetEvent implements store.Writer.
func (s *Store) GetEvent(ctx context.Context, familyID, id string) (model.StoredEvent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ? AND family_id = ?`, id, familyID)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.StoredEvent{}, fmt.Errorf("get %s: %w", id, store.ErrNotFound)
	}
	return ev, err
}
