// Package audit persists a durable record of every tag arrival and
// departure to a local SQLite database, independent of whatever
// transient consumers (MQTT, the status API) are attached at the time.
package audit

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nfcbridge/pn532reader/pkg/pn532/reader"
)

// Log writes tag events to a SQLite database.
type Log struct {
	db *sql.DB
}

// Open opens (creating if necessary) the audit database at path and
// ensures its schema exists.
func Open(path string) (*Log, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open database: %w", err)
	}

	l := &Log{db: db}
	if err := l.init(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Log) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tag_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		uid TEXT NOT NULL,
		sak INTEGER,
		target_number INTEGER,
		correlation_id TEXT,
		recorded_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_tag_events_uid ON tag_events(uid);
	CREATE INDEX IF NOT EXISTS idx_tag_events_recorded_at ON tag_events(recorded_at);
	`
	if _, err := l.db.Exec(schema); err != nil {
		return fmt.Errorf("audit: create schema: %w", err)
	}
	return nil
}

// Record inserts a single tag event.
func (l *Log) Record(ev reader.Event) error {
	kind := "arrived"
	if ev.Kind == reader.TagDeparted {
		kind = "departed"
	}

	uid := hex.EncodeToString(ev.Tag.UID)
	_, err := l.db.Exec(
		`INSERT INTO tag_events (kind, uid, sak, target_number, correlation_id) VALUES (?, ?, ?, ?, ?)`,
		kind, uid, ev.Tag.SAK, ev.Tag.TargetNumber, ev.CorrelationID,
	)
	if err != nil {
		return fmt.Errorf("audit: insert event: %w", err)
	}
	return nil
}

// Entry is a single recorded tag event, as returned by Recent.
type Entry struct {
	ID            int64
	Kind          string
	UID           string
	SAK           byte
	TargetNumber  byte
	CorrelationID string
	RecordedAt    string
}

// Recent returns the most recent limit events, newest first.
func (l *Log) Recent(limit int) ([]Entry, error) {
	rows, err := l.db.Query(
		`SELECT id, kind, uid, sak, target_number, correlation_id, recorded_at
		 FROM tag_events ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("audit: query recent: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Kind, &e.UID, &e.SAK, &e.TargetNumber, &e.CorrelationID, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("audit: scan row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Run consumes events until ctx is canceled, recording each one. Errors
// writing an individual event are swallowed after being surfaced via
// onError (if non-nil), since a transient write failure should not stop
// the reader from servicing the next event.
func (l *Log) Run(ctx context.Context, events <-chan reader.Event, onError func(error)) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := l.Record(ev); err != nil && onError != nil {
				onError(err)
			}
		}
	}
}

// Close closes the underlying database connection.
func (l *Log) Close() error {
	return l.db.Close()
}
