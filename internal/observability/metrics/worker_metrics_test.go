package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	processordomain "github.com/smallbiznis/subreconcile/internal/processor/domain"
	"gorm.io/gorm"
)

func TestClassifyJobReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "deadline", err: context.DeadlineExceeded, want: WorkerJobReasonDeadlineExceeded},
		{name: "transient", err: fmt.Errorf("cancel: %w", processordomain.ErrTransient), want: WorkerJobReasonProcessorTransient},
		{name: "rejected", err: processordomain.ErrRejected, want: WorkerJobReasonProcessorRejected},
		{name: "db_lock_timeout", err: &pgconn.PgError{Code: "55P03"}, want: WorkerJobReasonDBLockTimeout},
		{name: "serialization_failure", err: &pgconn.PgError{Code: "40001"}, want: WorkerJobReasonSerializationFailure},
		{name: "unique_violation", err: gorm.ErrDuplicatedKey, want: WorkerJobReasonUniqueViolation},
		{name: "unknown", err: errors.New("boom"), want: WorkerJobReasonUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyJobReason(tc.err); got != tc.want {
				t.Fatalf("expected reason %q, got %q", tc.want, got)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	if IsRetryable(nil) {
		t.Fatalf("nil error is not retryable")
	}
	if IsRetryable(fmt.Errorf("wrap: %w", processordomain.ErrRejected)) {
		t.Fatalf("rejected calls are not retryable")
	}
	if !IsRetryable(processordomain.ErrTransient) {
		t.Fatalf("transient calls are retryable")
	}
}

func TestAddBatchProcessed(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := newWorkerMetrics(registry, Config{
		ServiceName: "subreconcile",
		Environment: "test",
	})

	m.AddBatchProcessed(WorkerJobOutboxRelay, "domain_events", 3)
	m.IncRetryOutcome("remote_cancel", RetryOutcomeRequeued)

	if got := testutil.ToFloat64(m.batchProcessed.WithLabelValues(WorkerJobOutboxRelay, "domain_events")); got != 3 {
		t.Fatalf("expected processed count 3, got %v", got)
	}
	if got := testutil.ToFloat64(m.retryOutcomes.WithLabelValues("remote_cancel", RetryOutcomeRequeued)); got != 1 {
		t.Fatalf("expected 1 requeued outcome, got %v", got)
	}
}
