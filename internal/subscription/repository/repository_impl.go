package repository

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/smallbiznis/subreconcile/internal/subscription/domain"
	"github.com/smallbiznis/subreconcile/pkg/db"
	"gorm.io/gorm"
)

const recordColumns = `id, user_id, external_customer_id, external_subscription_id, external_price_id,
	external_checkout_session_id, subscription_status, payment_status, plan_type, amount, currency,
	current_period_start, current_period_end, cancel_at_period_end, canceled_at, cancel_requested_at,
	parent_subscription_id, deleted_at, created_at, updated_at`

type repo struct{}

func Provide() subscriptiondomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, conn *gorm.DB, record *subscriptiondomain.SubscriptionRecord) error {
	err := conn.WithContext(ctx).Exec(
		`INSERT INTO subscription_records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.UserID,
		record.ExternalCustomerID,
		record.ExternalSubscriptionID,
		record.ExternalPriceID,
		record.ExternalCheckoutSessionID,
		record.SubscriptionStatus,
		record.PaymentStatus,
		record.PlanType,
		record.Amount,
		record.Currency,
		record.CurrentPeriodStart,
		record.CurrentPeriodEnd,
		record.CancelAtPeriodEnd,
		record.CanceledAt,
		record.CancelRequestedAt,
		record.ParentSubscriptionID,
		record.DeletedAt,
		record.CreatedAt,
		record.UpdatedAt,
	).Error
	if db.IsDuplicateKeyErr(err) {
		return subscriptiondomain.ErrLinkConflict
	}
	return err
}

func (r *repo) FindByID(ctx context.Context, conn *gorm.DB, id snowflake.ID) (*subscriptiondomain.SubscriptionRecord, error) {
	return r.findOne(ctx, conn,
		`SELECT `+recordColumns+`
		 FROM subscription_records
		 WHERE id = ? AND deleted_at IS NULL
		 LIMIT 1`,
		id,
	)
}

func (r *repo) FindByExternalSubscriptionID(ctx context.Context, conn *gorm.DB, externalSubscriptionID string) (*subscriptiondomain.SubscriptionRecord, error) {
	return r.findOne(ctx, conn,
		`SELECT `+recordColumns+`
		 FROM subscription_records
		 WHERE external_subscription_id = ? AND deleted_at IS NULL
		 LIMIT 1`,
		externalSubscriptionID,
	)
}

func (r *repo) FindByExternalCustomerIDWithoutSubscription(ctx context.Context, conn *gorm.DB, externalCustomerID string) (*subscriptiondomain.SubscriptionRecord, error) {
	return r.findOne(ctx, conn,
		`SELECT `+recordColumns+`
		 FROM subscription_records
		 WHERE external_customer_id = ?
		   AND (external_subscription_id IS NULL OR external_subscription_id = '')
		   AND deleted_at IS NULL
		 ORDER BY created_at DESC, id DESC
		 LIMIT 1`,
		externalCustomerID,
	)
}

func (r *repo) FindByExternalCustomerID(ctx context.Context, conn *gorm.DB, externalCustomerID string) (*subscriptiondomain.SubscriptionRecord, error) {
	return r.findOne(ctx, conn,
		`SELECT `+recordColumns+`
		 FROM subscription_records
		 WHERE external_customer_id = ? AND deleted_at IS NULL
		 ORDER BY created_at DESC, id DESC
		 LIMIT 1`,
		externalCustomerID,
	)
}

func (r *repo) FindLatestByCustomerExcludingStatuses(ctx context.Context, conn *gorm.DB, externalCustomerID string, excluded []subscriptiondomain.SubscriptionStatus) (*subscriptiondomain.SubscriptionRecord, error) {
	if len(excluded) == 0 {
		return r.FindByExternalCustomerID(ctx, conn, externalCustomerID)
	}
	return r.findOne(ctx, conn,
		`SELECT `+recordColumns+`
		 FROM subscription_records
		 WHERE external_customer_id = ?
		   AND subscription_status NOT IN ?
		   AND deleted_at IS NULL
		 ORDER BY created_at DESC, id DESC
		 LIMIT 1`,
		externalCustomerID,
		statusStrings(excluded),
	)
}

func (r *repo) FindLatestByCustomerAndPaymentStatus(ctx context.Context, conn *gorm.DB, externalCustomerID string, status subscriptiondomain.PaymentStatus) (*subscriptiondomain.SubscriptionRecord, error) {
	return r.findOne(ctx, conn,
		`SELECT `+recordColumns+`
		 FROM subscription_records
		 WHERE external_customer_id = ? AND payment_status = ? AND deleted_at IS NULL
		 ORDER BY created_at DESC, id DESC
		 LIMIT 1`,
		externalCustomerID,
		status,
	)
}

func (r *repo) FindLatestByUserAndStatus(ctx context.Context, conn *gorm.DB, userID string, status subscriptiondomain.SubscriptionStatus) (*subscriptiondomain.SubscriptionRecord, error) {
	return r.findOne(ctx, conn,
		`SELECT `+recordColumns+`
		 FROM subscription_records
		 WHERE user_id = ? AND subscription_status = ? AND deleted_at IS NULL
		 ORDER BY created_at DESC, id DESC
		 LIMIT 1`,
		userID,
		status,
	)
}

func (r *repo) FindCustomerIDByUser(ctx context.Context, conn *gorm.DB, userID string) (string, error) {
	var row struct {
		ExternalCustomerID *string
	}
	err := conn.WithContext(ctx).Raw(
		`SELECT external_customer_id
		 FROM subscription_records
		 WHERE user_id = ? AND external_customer_id IS NOT NULL AND external_customer_id <> ''
		 ORDER BY created_at DESC, id DESC
		 LIMIT 1`,
		userID,
	).Scan(&row).Error
	if err != nil {
		return "", err
	}
	if row.ExternalCustomerID == nil {
		return "", nil
	}
	return *row.ExternalCustomerID, nil
}

func (r *repo) ListByUser(ctx context.Context, conn *gorm.DB, userID string, afterID snowflake.ID, limit int) ([]*subscriptiondomain.SubscriptionRecord, error) {
	query := `SELECT ` + recordColumns + `
		 FROM subscription_records
		 WHERE user_id = ? AND deleted_at IS NULL`
	args := []any{userID}
	if afterID != 0 {
		query += ` AND id < ?`
		args = append(args, afterID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	var items []*subscriptiondomain.SubscriptionRecord
	if err := conn.WithContext(ctx).Raw(query, args...).Scan(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) UpdateByID(ctx context.Context, conn *gorm.DB, id snowflake.ID, patch subscriptiondomain.Patch, guard []subscriptiondomain.SubscriptionStatus, now time.Time) (int64, error) {
	return r.update(ctx, conn, "id = ?", id, patch, guard, now)
}

func (r *repo) UpdateByExternalSubscriptionID(ctx context.Context, conn *gorm.DB, externalSubscriptionID string, patch subscriptiondomain.Patch, guard []subscriptiondomain.SubscriptionStatus, now time.Time) (int64, error) {
	return r.update(ctx, conn, "external_subscription_id = ?", externalSubscriptionID, patch, guard, now)
}

func (r *repo) SetCheckoutSession(ctx context.Context, conn *gorm.DB, id snowflake.ID, sessionID string, now time.Time) error {
	return conn.WithContext(ctx).Exec(
		`UPDATE subscription_records
		 SET external_checkout_session_id = ?, updated_at = ?
		 WHERE id = ? AND deleted_at IS NULL`,
		sessionID,
		now,
		id,
	).Error
}

func (r *repo) MarkCancelRequested(ctx context.Context, conn *gorm.DB, id snowflake.ID, at time.Time) error {
	return conn.WithContext(ctx).Exec(
		`UPDATE subscription_records
		 SET cancel_requested_at = ?, updated_at = ?
		 WHERE id = ? AND deleted_at IS NULL`,
		at,
		at,
		id,
	).Error
}

func (r *repo) SoftDelete(ctx context.Context, conn *gorm.DB, id snowflake.ID, at time.Time) (int64, error) {
	res := conn.WithContext(ctx).Exec(
		`UPDATE subscription_records
		 SET deleted_at = ?, updated_at = ?
		 WHERE id = ? AND deleted_at IS NULL`,
		at,
		at,
		id,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) update(ctx context.Context, conn *gorm.DB, where string, key any, patch subscriptiondomain.Patch, guard []subscriptiondomain.SubscriptionStatus, now time.Time) (int64, error) {
	sets := make([]string, 0, 9)
	args := make([]any, 0, 12)

	if patch.SubscriptionStatus != nil {
		sets = append(sets, "subscription_status = ?", "payment_status = ?")
		args = append(args, *patch.SubscriptionStatus, subscriptiondomain.ToPaymentStatus(*patch.SubscriptionStatus))
	}
	if patch.CancelAtPeriodEnd != nil {
		sets = append(sets, "cancel_at_period_end = ?")
		args = append(args, *patch.CancelAtPeriodEnd)
	}
	if patch.CanceledAt != nil {
		sets = append(sets, "canceled_at = ?")
		args = append(args, *patch.CanceledAt)
	}
	if patch.CurrentPeriodStart != nil {
		sets = append(sets, "current_period_start = ?")
		args = append(args, *patch.CurrentPeriodStart)
	}
	if patch.CurrentPeriodEnd != nil {
		sets = append(sets, "current_period_end = ?")
		args = append(args, *patch.CurrentPeriodEnd)
	}
	if patch.ExternalSubscriptionID != nil {
		sets = append(sets, "external_subscription_id = ?")
		args = append(args, *patch.ExternalSubscriptionID)
	}
	if patch.ExternalCustomerID != nil {
		sets = append(sets, "external_customer_id = ?")
		args = append(args, *patch.ExternalCustomerID)
	}
	if len(sets) == 0 {
		return 0, nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, now)

	query := `UPDATE subscription_records SET ` + strings.Join(sets, ", ") +
		` WHERE ` + where + ` AND deleted_at IS NULL`
	args = append(args, key)
	if len(guard) > 0 {
		query += ` AND subscription_status NOT IN ?`
		args = append(args, statusStrings(guard))
	}

	res := conn.WithContext(ctx).Exec(query, args...)
	if res.Error != nil {
		if db.IsDuplicateKeyErr(res.Error) {
			return 0, subscriptiondomain.ErrLinkConflict
		}
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

func (r *repo) findOne(ctx context.Context, conn *gorm.DB, query string, args ...any) (*subscriptiondomain.SubscriptionRecord, error) {
	var item subscriptiondomain.SubscriptionRecord
	if err := conn.WithContext(ctx).Raw(query, args...).Scan(&item).Error; err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func statusStrings(statuses []subscriptiondomain.SubscriptionStatus) []string {
	out := make([]string, 0, len(statuses))
	for _, status := range statuses {
		out = append(out, string(status))
	}
	return out
}
