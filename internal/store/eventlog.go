package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// EventLog remembers which provider webhook events were fully processed.
type EventLog interface {
	Processed(ctx context.Context, provider, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, provider, eventID, eventType string) error
}

// PostgresEventLog keeps the log in the webhook_events table.
type PostgresEventLog struct {
	db *sql.DB
}

func NewPostgresEventLog(db *sql.DB) *PostgresEventLog {
	return &PostgresEventLog{db: db}
}

func (l *PostgresEventLog) Processed(ctx context.Context, provider, eventID string) (bool, error) {
	var exists bool
	err := l.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM webhook_events WHERE provider = $1 AND event_id = $2)
	`, provider, eventID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check webhook event: %w", err)
	}
	return exists, nil
}

func (l *PostgresEventLog) MarkProcessed(ctx context.Context, provider, eventID, eventType string) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO webhook_events (provider, event_id, event_type)
		VALUES ($1, $2, $3)
		ON CONFLICT (provider, event_id) DO NOTHING
	`, provider, eventID, eventType)
	if err != nil {
		return fmt.Errorf("mark webhook event: %w", err)
	}
	return nil
}

// DefaultEventTTL outlives the provider's redelivery horizon of three days.
const DefaultEventTTL = 7 * 24 * time.Hour

// RedisEventLog keeps one expiring key per processed event.
type RedisEventLog struct {
	client goredis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisEventLog(client goredis.UniversalClient, ttl time.Duration) *RedisEventLog {
	if ttl <= 0 {
		ttl = DefaultEventTTL
	}
	return &RedisEventLog{client: client, prefix: "tally:webhook", ttl: ttl}
}

func (l *RedisEventLog) key(provider, eventID string) string {
	return l.prefix + ":" + provider + ":" + eventID
}

func (l *RedisEventLog) Processed(ctx context.Context, provider, eventID string) (bool, error) {
	n, err := l.client.Exists(ctx, l.key(provider, eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("check webhook event: %w", err)
	}
	return n > 0, nil
}

func (l *RedisEventLog) MarkProcessed(ctx context.Context, provider, eventID, eventType string) error {
	if err := l.client.SetNX(ctx, l.key(provider, eventID), eventType, l.ttl).Err(); err != nil {
		return fmt.Errorf("mark webhook event: %w", err)
	}
	return nil
}
