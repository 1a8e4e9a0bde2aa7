package domain

import "testing"

func lifecycleRank(s OrderStatus) int {
	switch s {
	case OrderStatusCreated:
		return 0
	case OrderStatusVerified:
		return 1
	case OrderStatusPaymentSessionCreated, OrderStatusPaymentFailed:
		return 2
	case OrderStatusPaid:
		return 3
	case OrderStatusConfirmed:
		return 4
	case OrderStatusShipped:
		return 5
	case OrderStatusDelivered:
		return 6
	}
	return 7
}

func TestStatusNeverRegresses(t *testing.T) {
	for _, from := range OrderStatuses {
		for _, to := range OrderStatuses {
			if CanAdvance(from, to) {
				if to.Closed() {
					t.Fatalf("automatic edge %s -> %s must not close the order", from, to)
				}
				if lifecycleRank(to) < lifecycleRank(from) {
					t.Fatalf("automatic edge %s -> %s regresses", from, to)
				}
			}
			if AdminCanSet(from, to) && !to.Closed() && lifecycleRank(to) <= lifecycleRank(from) {
				t.Fatalf("admin edge %s -> %s regresses", from, to)
			}
		}
	}
}

func TestTerminalStatusesHaveNoExit(t *testing.T) {
	for _, from := range OrderStatuses {
		if !from.Terminal() {
			continue
		}
		for _, to := range OrderStatuses {
			if CanAdvance(from, to) || AdminCanSet(from, to) {
				t.Fatalf("terminal %s must not move to %s", from, to)
			}
		}
	}
}

func TestAdminCannotSetPaymentStatuses(t *testing.T) {
	forbidden := []OrderStatus{OrderStatusVerified, OrderStatusPaymentSessionCreated, OrderStatusPaid, OrderStatusPaymentFailed, OrderStatusCreated}
	for _, from := range OrderStatuses {
		for _, to := range forbidden {
			if AdminCanSet(from, to) {
				t.Fatalf("admin must not set %s (from %s)", to, from)
			}
		}
	}
}

func TestAdminEdges(t *testing.T) {
	cases := []struct {
		from, to OrderStatus
		want     bool
	}{
		{OrderStatusCreated, OrderStatusCancelled, true},
		{OrderStatusPaymentSessionCreated, OrderStatusRejected, true},
		{OrderStatusShipped, OrderStatusCancelled, true},
		{OrderStatusPaid, OrderStatusConfirmed, true},
		{OrderStatusPaid, OrderStatusShipped, true},
		{OrderStatusConfirmed, OrderStatusShipped, true},
		{OrderStatusShipped, OrderStatusDelivered, true},
		{OrderStatusVerified, OrderStatusConfirmed, false},
		{OrderStatusDelivered, OrderStatusCancelled, false},
		{OrderStatusCancelled, OrderStatusRejected, false},
	}
	for _, tc := range cases {
		if got := AdminCanSet(tc.from, tc.to); got != tc.want {
			t.Fatalf("AdminCanSet(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestSystemCanClose(t *testing.T) {
	for _, s := range []OrderStatus{OrderStatusCreated, OrderStatusVerified, OrderStatusPaymentFailed, OrderStatusPaymentSessionCreated} {
		if !SystemCanClose(s) {
			t.Fatalf("expected %s to be sweepable", s)
		}
	}
	for _, s := range []OrderStatus{OrderStatusPaid, OrderStatusConfirmed, OrderStatusShipped, OrderStatusCancelled} {
		if SystemCanClose(s) {
			t.Fatalf("expected %s to be protected from the sweeper", s)
		}
	}
}
