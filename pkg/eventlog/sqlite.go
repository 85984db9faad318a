package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteSink mirrors the event stream into a SQLite database, giving
// restarted processes a replay source that survives the in-memory log.
type SQLiteSink struct {
	db *sql.DB
}

// OpenSQLiteSink opens (or creates) the database at path and migrates the
// events table.
func OpenSQLiteSink(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open sqlite %s: %w", path, err)
	}
	s := &SQLiteSink{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteSink) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS events (
        sequence INTEGER PRIMARY KEY,
        event_id TEXT NOT NULL,
        timestamp TEXT NOT NULL,
        type TEXT NOT NULL,
        principal TEXT,
        data JSON,
        payload_hash TEXT
    );`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Write inserts one committed event. Sequence is the primary key, so a
// duplicate write (e.g. replay into an existing mirror) fails loudly
// instead of silently rewriting history.
func (s *SQLiteSink) Write(event *Event) error {
	var data []byte
	if event.Data != nil {
		var err error
		data, err = json.Marshal(event.Data)
		if err != nil {
			return fmt.Errorf("eventlog: marshal data for %d: %w", event.Sequence, err)
		}
	}
	_, err := s.db.ExecContext(context.Background(),
		`INSERT INTO events (sequence, event_id, timestamp, type, principal, data, payload_hash)
         VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.Sequence, event.EventID, event.Timestamp.Format(time.RFC3339Nano),
		event.Type, event.Principal, data, event.PayloadHash)
	if err != nil {
		return fmt.Errorf("eventlog: insert event %d: %w", event.Sequence, err)
	}
	return nil
}

// ReadFrom returns all mirrored events with sequence > from, in order.
func (s *SQLiteSink) ReadFrom(ctx context.Context, from uint64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sequence, event_id, timestamp, type, principal, data, payload_hash
         FROM events WHERE sequence > ? ORDER BY sequence`, from)
	if err != nil {
		return nil, fmt.Errorf("eventlog: query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*Event
	for rows.Next() {
		var (
			e         Event
			ts        string
			principal sql.NullString
			data      []byte
			hash      sql.NullString
		)
		if err := rows.Scan(&e.Sequence, &e.EventID, &ts, &e.Type, &principal, &data, &hash); err != nil {
			return nil, fmt.Errorf("eventlog: scan event: %w", err)
		}
		e.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("eventlog: parse timestamp %q: %w", ts, err)
		}
		e.Principal = principal.String
		e.PayloadHash = hash.String
		if len(data) > 0 {
			if err := json.Unmarshal(data, &e.Data); err != nil {
				return nil, fmt.Errorf("eventlog: decode data for %d: %w", e.Sequence, err)
			}
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// LastSequence returns the highest mirrored sequence number.
func (s *SQLiteSink) LastSequence(ctx context.Context) (uint64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM events`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("eventlog: last sequence: %w", err)
	}
	return uint64(seq.Int64), nil
}

// Close closes the database.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
