// Package retryqueue holds reconciliation work that failed after a webhook was acknowledged.
package retryqueue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/smallbiznis/subreconcile/pkg/telemetry/correlation"
)

type Kind string

const (
	KindWebhookEvent Kind = "webhook_event"
	KindRemoteCancel Kind = "remote_cancel"
)

// ErrQueueDisabled is returned by Enqueue when no durable queue is configured.
var ErrQueueDisabled = errors.New("retry_queue_disabled")

// Job is one unit of retryable work.
type Job struct {
	ID       string `json:"id"`
	Kind     Kind   `json:"kind"`
	Provider string `json:"provider,omitempty"`
	// Payload is the verified raw webhook body for webhook_event jobs.
	Payload  []byte `json:"payload,omitempty"`
	RecordID string `json:"record_id,omitempty"`

	Attempt    int       `json:"attempt"`
	LastError  string    `json:"last_error,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`

	TraceID       string `json:"trace_id,omitempty"`
	SpanID        string `json:"span_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// NewJob builds a job that carries the trace and correlation ids of ctx.
func NewJob(ctx context.Context, kind Kind) Job {
	traceID, spanID := correlation.TraceIDs(ctx)
	return Job{
		ID:            uuid.NewString(),
		Kind:          kind,
		EnqueuedAt:    time.Now().UTC(),
		TraceID:       traceID,
		SpanID:        spanID,
		CorrelationID: correlation.ExtractCorrelationID(ctx),
	}
}

// Context restores the originating trace and correlation ids onto ctx.
func (j Job) Context(ctx context.Context) context.Context {
	ctx = correlation.ContextWithRemoteSpan(ctx, j.TraceID, j.SpanID)
	return correlation.ContextWithCorrelationID(ctx, j.CorrelationID)
}

// Queue is a delayed job queue. Claim hands each due job to exactly one caller.
type Queue interface {
	Enqueue(ctx context.Context, job Job, dueAt time.Time) error
	Claim(ctx context.Context, now time.Time, limit int) ([]Job, error)
	DeadLetter(ctx context.Context, job Job) error
	Len(ctx context.Context) (int64, error)
}
