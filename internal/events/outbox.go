package events

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// DomainEvent is a pending or published outbox row.
type DomainEvent struct {
	ID          snowflake.ID   `gorm:"primaryKey"`
	EventType   string         `gorm:"type:text;not null"`
	Topic       string         `gorm:"type:text;not null"`
	EventKey    string         `gorm:"type:text;not null"`
	Payload     datatypes.JSON `gorm:"type:jsonb;not null"`
	Attempts    int            `gorm:"not null;default:0"`
	LastError   *string        `gorm:"type:text"`
	CreatedAt   time.Time      `gorm:"not null"`
	PublishedAt *time.Time
}

// TableName sets the database table name.
func (DomainEvent) TableName() string { return "domain_events" }

type outboxPublisher struct {
	db    *gorm.DB
	genID *snowflake.Node
}

// NewOutboxPublisher stores events in domain_events for the relay to forward.
func NewOutboxPublisher(db *gorm.DB, genID *snowflake.Node) Publisher {
	return &outboxPublisher{
		db:    db,
		genID: genID,
	}
}

func (p *outboxPublisher) Publish(ctx context.Context, topic, key string, payload []byte) error {
	var parsed envelope
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return err
	}
	eventType := strings.TrimSpace(parsed.Type)
	if eventType == "" {
		return errors.New("missing event type")
	}

	now := time.Now().UTC()
	return p.db.WithContext(ctx).Exec(
		`INSERT INTO domain_events (id, event_type, topic, event_key, payload, attempts, created_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?)`,
		p.genID.Generate(),
		eventType,
		topic,
		key,
		datatypes.JSON(payload),
		now,
	).Error
}

func listPending(ctx context.Context, db *gorm.DB, limit int) ([]DomainEvent, error) {
	var rows []DomainEvent
	err := db.WithContext(ctx).Raw(
		`SELECT id, event_type, topic, event_key, payload, attempts, last_error, created_at, published_at
		 FROM domain_events
		 WHERE published_at IS NULL
		 ORDER BY created_at ASC, id ASC
		 LIMIT ?`,
		limit,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func countPending(ctx context.Context, db *gorm.DB) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM domain_events WHERE published_at IS NULL`,
	).Scan(&count).Error
	return count, err
}

func markPublished(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE domain_events SET published_at = ?, last_error = NULL
		 WHERE id = ? AND published_at IS NULL`,
		at,
		id,
	).Error
}

func markFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, message string) error {
	return db.WithContext(ctx).Exec(
		`UPDATE domain_events SET attempts = attempts + 1, last_error = ?
		 WHERE id = ?`,
		message,
		id,
	).Error
}
