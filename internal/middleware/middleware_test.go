package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/PortNumber53/creditmeter/backend/internal/metrics"
)

func TestRequireAccountRejectsMissingHeader(t *testing.T) {
	called := false
	h := RequireAccount(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", rr.Code)
	}
	if called {
		t.Fatal("next handler must not run")
	}
}

func TestRequireAccountStoresAccountID(t *testing.T) {
	var got string
	h := RequireAccount(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = AccountID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(AccountHeader, "  acct_1 ")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rr.Code)
	}
	if got != "acct_1" {
		t.Fatalf("expected acct_1 got %q", got)
	}
}

func TestRequireAdminToken(t *testing.T) {
	tests := []struct {
		name   string
		token  string
		header string
		want   int
	}{
		{name: "valid", token: "s3cret", header: "Bearer s3cret", want: http.StatusOK},
		{name: "scheme is case insensitive", token: "s3cret", header: "bearer s3cret", want: http.StatusOK},
		{name: "missing header", token: "s3cret", want: http.StatusUnauthorized},
		{name: "wrong token", token: "s3cret", header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "basic scheme", token: "s3cret", header: "Basic s3cret", want: http.StatusUnauthorized},
		{name: "unconfigured", token: "", header: "Bearer ", want: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := RequireAdminToken(tt.token)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))
			req := httptest.NewRequest(http.MethodGet, "/api/admin/notifications/stats", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			if rr.Code != tt.want {
				t.Fatalf("expected %d got %d", tt.want, rr.Code)
			}
		})
	}
}

func TestRequestTrackerObservesRoutePattern(t *testing.T) {
	router := chi.NewRouter()
	router.Use(RequestTracker)
	router.Get("/items/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	before := testutil.CollectAndCount(metrics.HTTPRequests)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/items/42", nil))

	if rr.Code != http.StatusTeapot {
		t.Fatalf("expected 418 got %d", rr.Code)
	}
	if after := testutil.CollectAndCount(metrics.HTTPRequests); after != before+1 {
		t.Fatalf("expected one new series, got %d -> %d", before, after)
	}
}
