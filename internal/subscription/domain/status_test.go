package domain

import (
	"testing"
	"time"
)

func TestMapExternalStatus(t *testing.T) {
	cases := map[string]SubscriptionStatus{
		"incomplete":         SubscriptionStatusIncomplete,
		"incomplete_expired": SubscriptionStatusIncompleteExpired,
		"trialing":           SubscriptionStatusTrialing,
		"active":             SubscriptionStatusActive,
		" ACTIVE ":           SubscriptionStatusActive,
		"past_due":           SubscriptionStatusPastDue,
		"canceled":           SubscriptionStatusCanceled,
		"unpaid":             SubscriptionStatusUnpaid,
		"paused":             SubscriptionStatusIncomplete,
		"":                   SubscriptionStatusIncomplete,
		"something_new":      SubscriptionStatusIncomplete,
	}
	for raw, want := range cases {
		if got := MapExternalStatus(raw); got != want {
			t.Fatalf("MapExternalStatus(%q) = %s, want %s", raw, got, want)
		}
	}
}

func TestPaymentStatusTableIsTotal(t *testing.T) {
	seen := map[SubscriptionStatus]int{}
	for _, entry := range paymentStatusTable {
		seen[entry.status]++
	}
	for _, status := range AllSubscriptionStatuses {
		if seen[status] != 1 {
			t.Fatalf("status %s has %d payment entries, want exactly 1", status, seen[status])
		}
		if _, ok := PaymentStatusFor(status); !ok {
			t.Fatalf("no payment status for %s", status)
		}
	}
	for raw := range externalStatusTable {
		if !IsKnown(MapExternalStatus(raw)) {
			t.Fatalf("external status %q maps to unknown variant", raw)
		}
	}
}

func TestToPaymentStatus(t *testing.T) {
	cases := map[SubscriptionStatus]PaymentStatus{
		SubscriptionStatusIncomplete:        PaymentStatusProcessing,
		SubscriptionStatusIncompleteExpired: PaymentStatusFailed,
		SubscriptionStatusTrialing:          PaymentStatusPending,
		SubscriptionStatusActive:            PaymentStatusSucceeded,
		SubscriptionStatusPastDue:           PaymentStatusFailed,
		SubscriptionStatusCanceled:          PaymentStatusCancelled,
		SubscriptionStatusUnpaid:            PaymentStatusFailed,
		"":                                  PaymentStatusPending,
	}
	for status, want := range cases {
		if got := ToPaymentStatus(status); got != want {
			t.Fatalf("ToPaymentStatus(%q) = %s, want %s", status, got, want)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	for _, status := range AllSubscriptionStatuses {
		want := status == SubscriptionStatusCanceled || status == SubscriptionStatusIncompleteExpired
		if got := IsTerminal(status); got != want {
			t.Fatalf("IsTerminal(%s) = %v, want %v", status, got, want)
		}
	}
	if IsTerminal("") {
		t.Fatalf("absent status is not terminal")
	}
}

func TestPatchDiffers(t *testing.T) {
	active := SubscriptionStatusActive
	subID := "sub_1"
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	record := &SubscriptionRecord{
		SubscriptionStatus:     SubscriptionStatusActive,
		ExternalSubscriptionID: &subID,
		CurrentPeriodStart:     &start,
	}

	sameStart := start.Add(0)
	if (Patch{SubscriptionStatus: &active, ExternalSubscriptionID: &subID, CurrentPeriodStart: &sameStart}).Differs(record) {
		t.Fatalf("identical patch should not differ")
	}

	pastDue := SubscriptionStatusPastDue
	if !(Patch{SubscriptionStatus: &pastDue}).Differs(record) {
		t.Fatalf("status change should differ")
	}
	if !(Patch{}).IsEmpty() {
		t.Fatalf("zero patch should be empty")
	}
	if (Patch{ExternalSubscriptionID: &subID}).ChangesLifecycle() {
		t.Fatalf("link-only patch does not change lifecycle")
	}
}
