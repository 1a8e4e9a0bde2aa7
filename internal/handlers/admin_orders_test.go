package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hanko-field/ordercore/internal/domain"
	"github.com/hanko-field/ordercore/internal/platform/auth"
	"github.com/hanko-field/ordercore/internal/services"
)

func newAdminRouter(t *testing.T, machine services.OrderStateMachine, queries services.OrderQueryService) (chi.Router, string) {
	t.Helper()
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	authn, err := auth.NewAdminAuthenticator("admin-secret", auth.WithAdminClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("admin authenticator: %v", err)
	}
	token, err := authn.Issue("staff-1", time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	router := chi.NewRouter()
	router.Route("/admin", NewAdminOrderHandlers(authn, machine, queries).Routes)
	return router, token
}

func adminRequest(method, target, token, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func TestAdminOrderHandlersRequireToken(t *testing.T) {
	router, _ := newAdminRouter(t, &stubOrderMachine{}, &stubOrderQueries{})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, adminRequest(http.MethodGet, "/admin/orders", "", ""))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestAdminOrderHandlersListOrders(t *testing.T) {
	created := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	var captured domain.OrderListFilter
	queries := &stubOrderQueries{
		listFn: func(_ context.Context, filter domain.OrderListFilter) (domain.CursorPage[domain.Order], error) {
			captured = filter
			return domain.CursorPage[domain.Order]{
				Items: []domain.Order{{
					ID:        "ord_1",
					Code:      "ABCDEFGHJKLM",
					Status:    domain.OrderStatusVerified,
					Customer:  domain.CustomerContact{Name: "Aiko", Email: "aiko@example.com"},
					CreatedAt: created,
					History:   []domain.OrderStatusChange{{To: domain.OrderStatusCreated, Actor: "customer", At: created}},
				}},
				NextPageToken: "next",
			}, nil
		},
	}
	router, token := newAdminRouter(t, &stubOrderMachine{}, queries)

	rr := httptest.NewRecorder()
	target := "/admin/orders?status=verified,paid&search=aiko&created_after=2026-04-30T00:00:00Z&page_size=500&page_token=abc"
	router.ServeHTTP(rr, adminRequest(http.MethodGet, target, token, ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(captured.Statuses) != 2 || captured.Statuses[1] != domain.OrderStatusPaid {
		t.Fatalf("unexpected statuses %v", captured.Statuses)
	}
	if captured.SearchToken != "aiko" || captured.CreatedAt.From == nil || captured.CreatedAt.To != nil {
		t.Fatalf("unexpected filter %+v", captured)
	}
	if captured.Pagination.PageSize != 100 || captured.Pagination.PageToken != "abc" {
		t.Fatalf("expected clamped page size, got %+v", captured.Pagination)
	}

	body := decodeBody(t, rr)
	items, _ := body["items"].([]any)
	if len(items) != 1 || body["next_page_token"] != "next" {
		t.Fatalf("unexpected body %v", body)
	}
	item := items[0].(map[string]any)
	if _, ok := item["history"]; ok {
		t.Fatalf("list items must not carry history")
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, adminRequest(http.MethodGet, "/admin/orders?created_before=yesterday", token, ""))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad timestamp, got %d", rr.Code)
	}
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, adminRequest(http.MethodGet, "/admin/orders?page_size=-1", token, ""))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad page size, got %d", rr.Code)
	}
}

func TestAdminOrderHandlersGetOrder(t *testing.T) {
	queries := &stubOrderQueries{
		getFn: func(_ context.Context, id string) (domain.Order, error) {
			if id != "ord_1" {
				return domain.Order{}, services.ErrOrderNotFound
			}
			return domain.Order{ID: id, Status: domain.OrderStatusPaid, PaymentSessionRef: "cs_1", Payment: domain.OrderPayment{Provider: "stripe", SessionAttempts: 1}}, nil
		},
	}
	router, token := newAdminRouter(t, &stubOrderMachine{}, queries)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, adminRequest(http.MethodGet, "/admin/orders/ord_1", token, ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	payment, _ := decodeBody(t, rr)["payment"].(map[string]any)
	if payment["session_ref"] != "cs_1" {
		t.Fatalf("expected payment details, got %v", payment)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, adminRequest(http.MethodGet, "/admin/orders/ord_missing", token, ""))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestAdminOrderHandlersTransition(t *testing.T) {
	var captured services.AdminTransitionCommand
	machine := &stubOrderMachine{
		transitionFn: func(_ context.Context, cmd services.AdminTransitionCommand) (domain.Order, error) {
			captured = cmd
			if cmd.TargetStatus == domain.OrderStatusDelivered {
				return domain.Order{}, services.ErrOrderInvalidState
			}
			return domain.Order{
				ID:          cmd.OrderID,
				Status:      cmd.TargetStatus,
				Reservation: domain.OrderReservation{State: domain.ReservationReserved},
			}, nil
		},
	}
	router, token := newAdminRouter(t, machine, &stubOrderQueries{})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, adminRequest(http.MethodPatch, "/admin/orders/ord_1/status", token, `{"status":"Cancelled","reason":"customer request","expected_status":"verified"}`))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.TargetStatus != domain.OrderStatusCancelled || captured.Reason != "customer request" || captured.ActorID != "staff-1" {
		t.Fatalf("unexpected command %+v", captured)
	}
	if captured.ExpectedStatus == nil || *captured.ExpectedStatus != domain.OrderStatusVerified {
		t.Fatalf("expected status not forwarded: %+v", captured.ExpectedStatus)
	}
	reservation, _ := decodeBody(t, rr)["reservation"].(map[string]any)
	if reservation["release_pending"] != true {
		t.Fatalf("expected release_pending on a cancelled order still holding stock, got %v", reservation)
	}

	cases := []struct {
		body   string
		status int
	}{
		{body: `{"status":"archived"}`, status: http.StatusBadRequest},
		{body: `{"status":"paid","expected_status":"nope"}`, status: http.StatusBadRequest},
		{body: `{"status":"delivered"}`, status: http.StatusConflict},
	}
	for _, tc := range cases {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, adminRequest(http.MethodPatch, "/admin/orders/ord_1/status", token, tc.body))
		if rr.Code != tc.status {
			t.Fatalf("body %s: expected %d, got %d", tc.body, tc.status, rr.Code)
		}
	}
}

func TestAdminOrderHandlersDelete(t *testing.T) {
	var captured services.AdminDeleteCommand
	machine := &stubOrderMachine{
		deleteFn: func(_ context.Context, cmd services.AdminDeleteCommand) error {
			captured = cmd
			if cmd.OrderID == "ord_paid" {
				return services.ErrOrderInvalidState
			}
			return nil
		},
	}
	router, token := newAdminRouter(t, machine, &stubOrderQueries{})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, adminRequest(http.MethodDelete, "/admin/orders/ord_1?reason=duplicate", token, ""))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if captured.Reason != "duplicate" || captured.ActorID != "staff-1" {
		t.Fatalf("unexpected command %+v", captured)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, adminRequest(http.MethodDelete, "/admin/orders/ord_paid", token, ""))
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
}
