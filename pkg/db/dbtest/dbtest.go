// Package dbtest opens an isolated in-memory database with the service schema.
package dbtest

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var seq atomic.Int64

var schema = []string{
	`CREATE TABLE subscription_records (
		id BIGINT PRIMARY KEY,
		user_id TEXT NOT NULL,
		external_customer_id TEXT,
		external_subscription_id TEXT,
		external_price_id TEXT,
		external_checkout_session_id TEXT,
		subscription_status TEXT NOT NULL DEFAULT '',
		payment_status TEXT NOT NULL DEFAULT 'PENDING',
		plan_type TEXT NOT NULL DEFAULT '',
		amount BIGINT NOT NULL DEFAULT 0,
		currency TEXT NOT NULL DEFAULT '',
		current_period_start TIMESTAMP,
		current_period_end TIMESTAMP,
		cancel_at_period_end BOOLEAN NOT NULL DEFAULT FALSE,
		canceled_at TIMESTAMP,
		cancel_requested_at TIMESTAMP,
		parent_subscription_id BIGINT,
		deleted_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX ux_subscription_records_external_subscription
		ON subscription_records (external_subscription_id)
		WHERE deleted_at IS NULL AND external_subscription_id IS NOT NULL`,
	`CREATE TABLE webhook_events (
		id BIGINT PRIMARY KEY,
		provider TEXT NOT NULL,
		provider_event_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload TEXT NOT NULL,
		received_at TIMESTAMP NOT NULL,
		processed_at TIMESTAMP,
		last_error TEXT
	)`,
	`CREATE UNIQUE INDEX ux_webhook_events_provider_event ON webhook_events (provider, provider_event_id)`,
	`CREATE TABLE domain_events (
		id BIGINT PRIMARY KEY,
		event_type TEXT NOT NULL,
		topic TEXT NOT NULL,
		event_key TEXT NOT NULL,
		payload TEXT NOT NULL,
		attempts INT NOT NULL DEFAULT 0,
		last_error TEXT,
		created_at TIMESTAMP NOT NULL,
		published_at TIMESTAMP
	)`,
	`CREATE TABLE audit_logs (
		id BIGINT PRIMARY KEY,
		actor_type TEXT NOT NULL,
		actor_id TEXT,
		action TEXT NOT NULL,
		target_type TEXT NOT NULL,
		target_id TEXT,
		metadata TEXT,
		request_id TEXT,
		created_at TIMESTAMP NOT NULL
	)`,
}

// Open returns a fresh in-memory database with all service tables created.
func Open(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), seq.Add(1))
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Discard,
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}

	for _, stmt := range schema {
		if err := conn.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}

	sqlDB, err := conn.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return conn
}
