package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/lamd/internal/metrics"
	"github.com/hitoshi/lamd/internal/middleware"
	"github.com/hitoshi/lamd/internal/model"
)

func newTestRouter(t *testing.T, f *controllerFixture, rl *middleware.RateLimiter) http.Handler {
	t.Helper()
	reg := prometheus.NewRegistry()
	metrics.NewCollector(reg)
	return NewRouter(&RouterDeps{
		Controller:  f.controller,
		RateLimiter: rl,
		Logger:      testLogger(),
		Metrics:     metrics.Handler(reg),
	})
}

func doRequest(t *testing.T, h http.Handler, method, path string) (*httptest.ResponseRecorder, model.Response) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var body model.Response
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("failed to decode response: %v\nraw: %s", err, w.Body.String())
		}
	}
	return w, body
}

func TestRouter_CommandWithID(t *testing.T) {
	f := newControllerFixture(t)
	h := newTestRouter(t, f, nil)

	w, body := doRequest(t, h, http.MethodGet, "/add-account/123")
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if body.Code != model.CodeOK || body.Message != "Account added." {
		t.Errorf("body = %+v", body)
	}

	_, body = doRequest(t, h, http.MethodPost, "/add-account/123")
	if body.Code != model.CodeAlreadyExist {
		t.Errorf("code = %d, want 302", body.Code)
	}
}

func TestRouter_IDFromQuery(t *testing.T) {
	f := newControllerFixture(t)
	h := newTestRouter(t, f, nil)

	_, body := doRequest(t, h, http.MethodGet, "/add-download?id=42")
	if body.Code != model.CodeOK {
		t.Errorf("code = %d, want 200", body.Code)
	}
	if got := f.state.Queue(); len(got) != 1 || got[0] != "42" {
		t.Errorf("queue = %v, want [42]", got)
	}
}

func TestRouter_UnknownCommand_Returns200WithCode500(t *testing.T) {
	f := newControllerFixture(t)
	h := newTestRouter(t, f, nil)

	for _, path := range []string{"/nope", "/", "/a/b/c"} {
		w, body := doRequest(t, h, http.MethodGet, path)
		if w.Code != http.StatusOK {
			t.Errorf("%s: status = %d, want 200", path, w.Code)
		}
		if body.Code != model.CodeInvalid || body.Message != "Invalid command." {
			t.Errorf("%s: body = %+v", path, body)
		}
	}
}

func TestRouter_Ping_SetsHeaders(t *testing.T) {
	f := newControllerFixture(t)
	h := newTestRouter(t, f, nil)

	w, body := doRequest(t, h, http.MethodGet, "/ping")
	if body.Message != "Pong" {
		t.Errorf("message = %q, want Pong", body.Message)
	}
	if w.Header().Get(middleware.RequestIDHeader) == "" {
		t.Error("expected request id header")
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("expected security headers")
	}
}

func TestRouter_Metrics(t *testing.T) {
	f := newControllerFixture(t)
	h := newTestRouter(t, f, nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "lamd_queue_depth") {
		t.Errorf("metrics output missing lamd_queue_depth:\n%s", w.Body.String())
	}
}

func TestRouter_RateLimited(t *testing.T) {
	f := newControllerFixture(t)
	rl := middleware.NewRateLimiter(middleware.RateLimiterConfig{Rate: 0.1, Burst: 1}, testLogger())
	t.Cleanup(rl.Stop)
	h := newTestRouter(t, f, rl)

	if w, _ := doRequest(t, h, http.MethodGet, "/ping"); w.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", w.Code)
	}
	w, body := doRequest(t, h, http.MethodGet, "/ping")
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", w.Code)
	}
	if body.Code != model.CodeRateLimited {
		t.Errorf("code = %d, want %d", body.Code, model.CodeRateLimited)
	}
}

// TestRouter_UnsupportedMethod は未対応メソッドでも統一フォーマットで応答することを検証する。
func TestRouter_UnsupportedMethod(t *testing.T) {
	f := newControllerFixture(t)
	h := newTestRouter(t, f, nil)

	w, body := doRequest(t, h, http.MethodDelete, "/remove-account/123")
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if body.Code != model.CodeInvalid || body.Message != "Invalid command." {
		t.Errorf("body = %+v", body)
	}
}
