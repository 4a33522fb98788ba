package context

import (
	"context"
	"testing"
)

func TestContextRoundTrip(t *testing.T) {
	ctx := context.Background()
	ctx = WithRequestID(ctx, "req-1")
	ctx = WithUserID(ctx, "user-1")
	ctx = WithEventID(ctx, "evt_1")

	if got := RequestIDFromContext(ctx); got != "req-1" {
		t.Fatalf("expected req-1, got %q", got)
	}
	if got := UserIDFromContext(ctx); got != "user-1" {
		t.Fatalf("expected user-1, got %q", got)
	}
	if got := EventIDFromContext(ctx); got != "evt_1" {
		t.Fatalf("expected evt_1, got %q", got)
	}
}

func TestEmptyValuesAreIgnored(t *testing.T) {
	ctx := WithUserID(context.Background(), "")
	if got := UserIDFromContext(ctx); got != "" {
		t.Fatalf("expected empty user id, got %q", got)
	}
	if got := RequestIDFromContext(nil); got != "" { //nolint:staticcheck
		t.Fatalf("expected empty request id, got %q", got)
	}
}
