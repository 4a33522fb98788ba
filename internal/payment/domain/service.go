package domain

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

var (
	ErrInvalidProvider       = errors.New("invalid_provider")
	ErrProviderNotFound      = errors.New("provider_not_found")
	ErrInvalidConfig         = errors.New("invalid_provider_config")
	ErrInvalidSignature      = errors.New("invalid_signature")
	ErrInvalidPayload        = errors.New("invalid_payload")
	ErrInvalidEvent          = errors.New("invalid_event")
	ErrEventAlreadyProcessed = errors.New("event_already_processed")
)

type Repository interface {
	FindEvent(ctx context.Context, db *gorm.DB, provider string, providerEventID string) (*EventRecord, error)
	InsertEvent(ctx context.Context, db *gorm.DB, event *EventRecord) (bool, error)
	MarkProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, processedAt time.Time) error
	RecordError(ctx context.Context, db *gorm.DB, id snowflake.ID, message string) error
}

// Service ingests processor webhooks.
type Service interface {
	// IngestWebhook verifies and applies one delivery. Past verification it only
	// reports ErrEventAlreadyProcessed; every other failure is queued for retry.
	IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) error
	// Replay re-applies an already verified payload, as done by the retry worker.
	Replay(ctx context.Context, provider string, payload []byte) error
}
