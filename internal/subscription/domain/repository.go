package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Repository persists subscription records. Every lookup excludes soft-deleted rows.
type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, record *SubscriptionRecord) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*SubscriptionRecord, error)
	FindByExternalSubscriptionID(ctx context.Context, db *gorm.DB, externalSubscriptionID string) (*SubscriptionRecord, error)
	FindByExternalCustomerIDWithoutSubscription(ctx context.Context, db *gorm.DB, externalCustomerID string) (*SubscriptionRecord, error)
	FindByExternalCustomerID(ctx context.Context, db *gorm.DB, externalCustomerID string) (*SubscriptionRecord, error)
	FindLatestByCustomerExcludingStatuses(ctx context.Context, db *gorm.DB, externalCustomerID string, excluded []SubscriptionStatus) (*SubscriptionRecord, error)
	FindLatestByCustomerAndPaymentStatus(ctx context.Context, db *gorm.DB, externalCustomerID string, status PaymentStatus) (*SubscriptionRecord, error)
	FindLatestByUserAndStatus(ctx context.Context, db *gorm.DB, userID string, status SubscriptionStatus) (*SubscriptionRecord, error)
	FindCustomerIDByUser(ctx context.Context, db *gorm.DB, userID string) (string, error)
	ListByUser(ctx context.Context, db *gorm.DB, userID string, afterID snowflake.ID, limit int) ([]*SubscriptionRecord, error)

	// UpdateByID applies patch to the record unless its current status is one of guard.
	// It returns the number of rows changed.
	UpdateByID(ctx context.Context, db *gorm.DB, id snowflake.ID, patch Patch, guard []SubscriptionStatus, now time.Time) (int64, error)
	UpdateByExternalSubscriptionID(ctx context.Context, db *gorm.DB, externalSubscriptionID string, patch Patch, guard []SubscriptionStatus, now time.Time) (int64, error)
	SetCheckoutSession(ctx context.Context, db *gorm.DB, id snowflake.ID, sessionID string, now time.Time) error
	MarkCancelRequested(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error
	SoftDelete(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (int64, error)
}
