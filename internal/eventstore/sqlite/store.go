// Package sqlite is the activity journal: an append-only event log plus a
// transactional outbox drained to NATS.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

const (
	DriverModernc = "sqlite"  // pure Go
	DriverCGO     = "sqlite3" // mattn, needs cgo
)

// Store is the journal database.
type Store struct {
	DB            *sql.DB
	subjectPrefix string
}

// Event is one journal entry.
type Event struct {
	ID        int64           `json:"id"`
	EventID   string          `json:"event_id"`
	Type      string          `json:"type"`
	ItemID    string          `json:"item_id,omitempty"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"created_at"`
}

// OutboxMessage is a pending NATS publication.
type OutboxMessage struct {
	ID      int64
	Subject string
	Payload []byte
	MsgID   string
}

// Open opens or creates the journal at dbPath with the given driver.
func Open(driver, dbPath, subjectPrefix string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	var dsn string
	switch driver {
	case DriverModernc:
		dsn = dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	case DriverCGO:
		dsn = "file:" + dbPath + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	default:
		return nil, fmt.Errorf("unknown sqlite driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	if subjectPrefix == "" {
		subjectPrefix = "threader"
	}
	return &Store{DB: db, subjectPrefix: subjectPrefix}, nil
}

func (s *Store) Close() error {
	return s.DB.Close()
}

// Record appends an event and its outbox entry in one transaction.
func (s *Store) Record(ctx context.Context, eventType, itemID string, data any) error {
	body, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", eventType, err)
	}

	eventID := uuid.NewString()
	now := time.Now().UTC()

	payload, err := json.Marshal(Event{
		EventID:   eventID,
		Type:      eventType,
		ItemID:    itemID,
		Data:      body,
		CreatedAt: now,
	})
	if err != nil {
		return fmt.Errorf("encode outbox payload: %w", err)
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO events (event_id, type, item_id, data, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, eventID, eventType, itemID, string(body), now.UnixMilli()); err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO outbox (ts, subject, event_type, payload, msg_id, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, now.Unix(), s.subjectPrefix+"."+eventType, eventType, payload, eventID, now.Unix()); err != nil {
		return fmt.Errorf("failed to insert outbox entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ListEvents returns the newest events first, optionally filtered by type.
func (s *Store) ListEvents(ctx context.Context, eventType string, limit int) ([]Event, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := "SELECT id, event_id, type, item_id, data, created_at FROM events"
	var args []any
	if eventType != "" {
		query += " WHERE type = ?"
		args = append(args, eventType)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			ev      Event
			data    string
			created int64
		)
		if err := rows.Scan(&ev.ID, &ev.EventID, &ev.Type, &ev.ItemID, &data, &created); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Data = json.RawMessage(data)
		ev.CreatedAt = time.UnixMilli(created).UTC()
		events = append(events, ev)
	}
	return events, rows.Err()
}

// CountEvents returns the number of events per type.
func (s *Store) CountEvents(ctx context.Context) (map[string]int64, error) {
	rows, err := s.DB.QueryContext(ctx, "SELECT type, COUNT(*) FROM events GROUP BY type")
	if err != nil {
		return nil, fmt.Errorf("failed to count events: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var (
			t string
			n int64
		)
		if err := rows.Scan(&t, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[t] = n
	}
	return counts, rows.Err()
}

// DequeueOutbox fetches unpublished messages that are due.
func (s *Store) DequeueOutbox(ctx context.Context, limit int) ([]OutboxMessage, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, subject, payload, msg_id
		FROM outbox
		WHERE published_at IS NULL
		  AND next_attempt_at <= ?
		ORDER BY id
		LIMIT ?
	`, time.Now().Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var messages []OutboxMessage
	for rows.Next() {
		var msg OutboxMessage
		if err := rows.Scan(&msg.ID, &msg.Subject, &msg.Payload, &msg.MsgID); err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	if _, err := s.DB.ExecContext(ctx, `UPDATE outbox SET published_at = ? WHERE id = ?`, time.Now().Unix(), id); err != nil {
		return fmt.Errorf("failed to mark published: %w", err)
	}
	return nil
}

// MarkOutboxRetry bumps the retry count and pushes the next attempt out.
func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE outbox
		SET retries = retries + 1,
		    next_attempt_at = ?
		WHERE id = ?
	`, time.Now().Add(backoff).Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark retry: %w", err)
	}
	return nil
}

// PendingOutbox counts messages not yet published.
func (s *Store) PendingOutbox(ctx context.Context) (int64, error) {
	var n int64
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox WHERE published_at IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count outbox: %w", err)
	}
	return n, nil
}
