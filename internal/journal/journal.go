// Package journal records delivered messages in Postgres. Each message id is
// recorded once, so a redelivery after a crash leaves a single row.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"echoattime/internal/log"
	"echoattime/internal/store"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

const schema = `
CREATE TABLE IF NOT EXISTS delivered_messages (
	message_id     TEXT PRIMARY KEY,
	payload        TEXT NOT NULL,
	scheduled_time TEXT NOT NULL,
	created_at     TIMESTAMPTZ,
	delivered_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS delivered_messages_delivered_at_idx
	ON delivered_messages (delivered_at DESC);
`

// Delivery is one journal row.
type Delivery struct {
	MessageID     string    `json:"message_id"`
	Payload       string    `json:"message"`
	ScheduledTime string    `json:"scheduled_time"`
	DeliveredAt   time.Time `json:"delivered_at"`
}

type Journal struct {
	db     *sql.DB
	logger *log.Logger
}

// Open connects to Postgres and creates the journal table.
func Open(ctx context.Context, dbURL string, logger *log.Logger) (*Journal, error) {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	j := New(db, logger)
	if err := j.Ping(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := j.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

// New wraps an existing connection pool.
func New(db *sql.DB, logger *log.Logger) *Journal {
	return &Journal{db: db, logger: logger}
}

func (j *Journal) Migrate(ctx context.Context) error {
	if _, err := j.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate journal: %w", err)
	}
	return nil
}

// Deliver records msg. Recording an id that is already present is a no-op.
func (j *Journal) Deliver(ctx context.Context, msg store.ScheduledMessage) error {
	var createdAt any
	if !msg.CreatedAt.IsZero() {
		createdAt = msg.CreatedAt
	}
	res, err := j.db.ExecContext(ctx, `
		INSERT INTO delivered_messages (message_id, payload, scheduled_time, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (message_id) DO NOTHING`,
		msg.ID, msg.Payload, msg.ScheduledTime, createdAt)
	if err != nil {
		return fmt.Errorf("journal delivery %s: %w", msg.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		j.logger.Info("Delivery already journaled", zap.String("message_id", msg.ID))
	}
	return nil
}

// Delivered reports whether id has been journaled.
func (j *Journal) Delivered(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := j.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM delivered_messages WHERE message_id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query delivery %s: %w", id, err)
	}
	return exists, nil
}

// Recent returns up to limit deliveries, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Delivery, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT message_id, payload, scheduled_time, delivered_at
		FROM delivered_messages
		ORDER BY delivered_at DESC, message_id
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent deliveries: %w", err)
	}
	defer rows.Close()

	var out []Delivery
	for rows.Next() {
		var d Delivery
		if err := rows.Scan(&d.MessageID, &d.Payload, &d.ScheduledTime, &d.DeliveredAt); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deliveries: %w", err)
	}
	return out, nil
}

func (j *Journal) Ping(ctx context.Context) error {
	if err := j.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}
