package correlation

import (
	"context"
	"testing"
)

func TestEnsureCorrelationIDKeepsExisting(t *testing.T) {
	ctx := ContextWithCorrelationID(context.Background(), "cid-1")
	_, cid := EnsureCorrelationID(ctx)
	if cid != "cid-1" {
		t.Fatalf("expected cid-1, got %q", cid)
	}

	ctx, generated := EnsureCorrelationID(context.Background())
	if generated == "" {
		t.Fatalf("expected generated correlation id")
	}
	if ExtractCorrelationID(ctx) != generated {
		t.Fatalf("expected context to carry generated id")
	}
}

func TestRemoteSpanRoundTrip(t *testing.T) {
	traceID := "4bf92f3577b34da6a3ce929d0e0e4736"
	spanID := "00f067aa0ba902b7"

	ctx := ContextWithRemoteSpan(context.Background(), traceID, spanID)
	gotTrace, gotSpan := TraceIDs(ctx)
	if gotTrace != traceID || gotSpan != spanID {
		t.Fatalf("expected %s/%s, got %s/%s", traceID, spanID, gotTrace, gotSpan)
	}

	if tr, sp := TraceIDs(ContextWithRemoteSpan(context.Background(), "bad", spanID)); tr != "" || sp != "" {
		t.Fatalf("expected invalid ids to be ignored")
	}
}
