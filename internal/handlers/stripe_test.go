package handlers

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/PortNumber53/creditmeter/backend/internal/models"
	"github.com/PortNumber53/creditmeter/backend/internal/store"
)

type mockProcessor struct {
	body   []byte
	sig    string
	status int
	err    error
}

func (m *mockProcessor) HandleProviderWebhook(ctx context.Context, rawBody []byte, signatureHeader string) (int, error) {
	m.body = rawBody
	m.sig = signatureHeader
	return m.status, m.err
}

func postWebhook(h http.Handler, body []byte, sig string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe", bytes.NewReader(body))
	req.Header.Set("Stripe-Signature", sig)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func webhookRouter(p WebhookProcessor) http.Handler {
	router := chi.NewRouter()
	NewStripeHandler(p).RegisterRoutes(router)
	return router
}

func TestWebhookPassesRawBodyAndSignature(t *testing.T) {
	p := &mockProcessor{status: http.StatusOK}
	body := []byte(`{"id":"evt_1","type":"invoice.paid"}`)

	rr := postWebhook(webhookRouter(p), body, "t=1,v1=abc")
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rr.Code)
	}
	if !bytes.Equal(p.body, body) {
		t.Fatalf("body was altered: %s", p.body)
	}
	if p.sig != "t=1,v1=abc" {
		t.Fatalf("unexpected signature: %q", p.sig)
	}
}

func TestWebhookPropagatesStatus(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusInternalServerError} {
		p := &mockProcessor{status: status, err: errors.New("nope")}
		rr := postWebhook(webhookRouter(p), []byte(`{}`), "sig")
		if rr.Code != status {
			t.Fatalf("expected %d got %d", status, rr.Code)
		}
	}
}

func TestWebhookRejectsOversizedBody(t *testing.T) {
	p := &mockProcessor{status: http.StatusOK}
	body := []byte(strings.Repeat("x", maxWebhookBodyBytes+1))

	rr := postWebhook(webhookRouter(p), body, "sig")
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 got %d", rr.Code)
	}
	if p.body != nil {
		t.Fatal("processor must not be called")
	}
}

type mockJobStore struct {
	job   *models.Job
	stats *models.JobStats
	err   error
}

func (m *mockJobStore) GetByID(ctx context.Context, id int64) (*models.Job, error) {
	if m.job == nil {
		return nil, store.ErrJobNotFound
	}
	return m.job, m.err
}

func (m *mockJobStore) GetStats(ctx context.Context) (*models.JobStats, error) {
	return m.stats, m.err
}

func TestJobRoutes(t *testing.T) {
	js := &mockJobStore{
		job:   &models.Job{ID: 3, JobType: models.JobTypeNotification, Status: models.JobStatusCompleted},
		stats: &models.JobStats{Pending: 1, Total: 4},
	}
	router := chi.NewRouter()
	NewJobHandler(js, "admin-token").RegisterRoutes(router)

	get := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("Authorization", "Bearer admin-token")
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		return rr
	}

	rr := get("/api/admin/notifications/stats")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"total":4`) {
		t.Fatalf("unexpected stats response: %d %s", rr.Code, rr.Body.String())
	}

	rr = get("/api/admin/notifications/3")
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected job status: %d", rr.Code)
	}

	rr = get("/api/admin/notifications/abc")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rr.Code)
	}

	js.job = nil
	rr = get("/api/admin/notifications/9")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rr.Code)
	}
}

func TestJobRoutesRequireAdminToken(t *testing.T) {
	js := &mockJobStore{
		job:   &models.Job{ID: 3, JobType: models.JobTypeNotification, Payload: models.JSONB{"account_id": "acct_1"}},
		stats: &models.JobStats{Total: 1},
	}
	router := chi.NewRouter()
	NewJobHandler(js, "admin-token").RegisterRoutes(router)

	for _, path := range []string{"/api/admin/notifications/stats", "/api/admin/notifications/3"} {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401 got %d", path, rr.Code)
		}
		if strings.Contains(rr.Body.String(), "acct_1") {
			t.Fatalf("%s: payload leaked: %s", path, rr.Body.String())
		}

		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("Authorization", "Bearer wrong")
		rr = httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401 for wrong token got %d", path, rr.Code)
		}
	}
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) PingContext(ctx context.Context) error { return f(ctx) }

func TestHealthAndReady(t *testing.T) {
	rr := httptest.NewRecorder()
	Health(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected health status: %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	Ready(pingFunc(func(ctx context.Context) error { return nil })).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected ready status: %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	Ready(pingFunc(func(ctx context.Context) error { return errors.New("down") })).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 got %d", rr.Code)
	}
}
