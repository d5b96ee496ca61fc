package httpapi

import (
	"bytes"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/example/trip-matching/internal/matcher"
	"github.com/example/trip-matching/internal/notify"
	"github.com/example/trip-matching/internal/storage"
)

func loggingServer() (*Server, *bytes.Buffer) {
	store := storage.NewMemoryStore()
	svc := &matcher.Service{Store: store, Points: store}
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	return NewServer(svc, store, notify.NewRegistry(), logger), &buf
}

func TestAccessLogCarriesTripAndRequestID(t *testing.T) {
	s, buf := loggingServer()

	req := httptest.NewRequest("GET", "/api/v1/trips/t9/match", nil)
	req.Header.Set("X-Request-ID", "req-42")
	s.ServeHTTP(httptest.NewRecorder(), req)

	line := buf.String()
	if !strings.Contains(line, `"msg":"http_request"`) {
		t.Fatalf("expected an access line, got %q", line)
	}
	if !strings.Contains(line, `"trip_id":"t9"`) {
		t.Fatalf("access line missing trip id: %q", line)
	}
	if !strings.Contains(line, `"request_id":"req-42"`) {
		t.Fatalf("access line missing propagated request id: %q", line)
	}
	if !strings.Contains(line, `"route":"/api/v1/trips/{trip_id}/match"`) {
		t.Fatalf("access line missing route template: %q", line)
	}
}

func TestAccessLogAssignsRequestID(t *testing.T) {
	s, buf := loggingServer()

	req := httptest.NewRequest("POST", "/api/v1/trips/match", strings.NewReader(`{"trip_id":"ghost"}`))
	s.ServeHTTP(httptest.NewRecorder(), req)

	if !strings.Contains(buf.String(), `"request_id":"`) {
		t.Fatalf("expected a generated request id in %q", buf.String())
	}
}

func TestAccessLogSkipsHealthAndMetrics(t *testing.T) {
	s, buf := loggingServer()

	s.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/healthz", nil))
	s.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/metrics", nil))

	if strings.Contains(buf.String(), "http_request") {
		t.Fatalf("health and metrics endpoints must stay out of the access log, got %q", buf.String())
	}
}
