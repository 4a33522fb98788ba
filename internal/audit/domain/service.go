package domain

import (
	"context"
	"errors"

	"github.com/smallbiznis/subreconcile/pkg/db/pagination"
)

type ListAuditLogRequest struct {
	TargetType string
	TargetID   string
	Action     string
	PageToken  string
	PageSize   int32
}

type ListAuditLogResponse struct {
	pagination.PageInfo
	AuditLogs []AuditLog `json:"audit_logs"`
}

// Service records who did what to which record.
type Service interface {
	AuditLog(ctx context.Context, actorType ActorType, actorID string, action string, targetType string, targetID string, metadata map[string]any) error
	List(ctx context.Context, req ListAuditLogRequest) (ListAuditLogResponse, error)
}

var (
	ErrInvalidTarget    = errors.New("invalid_target")
	ErrInvalidPageToken = errors.New("invalid_page_token")
	ErrInvalidAction    = errors.New("invalid_action")
)
