package httpserver

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Omkarthipparthi/voice-agent/internal/config"
)

func testServer() *Server {
	return New(config.Config{HTTPAddress: ":0"}, nil)
}

func TestServer_Healthz(t *testing.T) {
	srv := testServer()
	r := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestServer_IncomingCallTwilio(t *testing.T) {
	srv := testServer()
	for _, path := range []string{"/incoming-call/twilio", "/incoming-call"} {
		r := httptest.NewRequest(http.MethodPost, path, nil)
		r.Host = "agent.example.com"
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, r)
		if w.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, w.Code)
		}
		body := w.Body.String()
		if !strings.Contains(body, "wss://agent.example.com/media-stream/twilio") {
			t.Fatalf("%s: answer document missing stream URL:\n%s", path, body)
		}
		if !strings.Contains(body, "<Connect>") {
			t.Fatalf("%s: answer document missing Connect verb:\n%s", path, body)
		}
	}
}

func TestServer_IncomingCallTelnyx(t *testing.T) {
	srv := testServer()
	r := httptest.NewRequest(http.MethodPost, "/incoming-call/telnyx", nil)
	r.Host = "agent.example.com"
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, "wss://agent.example.com/media-stream/telnyx") {
		t.Fatalf("answer document missing stream URL:\n%s", body)
	}
	if !strings.Contains(body, `bidirectionalMode="rtp"`) {
		t.Fatalf("expected Telnyx bidirectional stream attributes:\n%s", body)
	}
}

func TestServer_IncomingCallHonorsForwardedHost(t *testing.T) {
	srv := testServer()
	r := httptest.NewRequest(http.MethodPost, "/incoming-call/twilio", nil)
	r.Host = "internal:8080"
	r.Header.Set("X-Forwarded-Host", "public.example.com")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, r)
	if !strings.Contains(w.Body.String(), "wss://public.example.com/media-stream/twilio") {
		t.Fatalf("expected forwarded host in stream URL:\n%s", w.Body.String())
	}
}

func TestServer_UnknownProvider(t *testing.T) {
	srv := testServer()
	for _, path := range []string{"/incoming-call/vonage", "/media-stream/vonage"} {
		r := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, r)
		if w.Code != http.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d", path, w.Code)
		}
	}
}

func TestServer_SignatureMiddlewareGuardsWebhook(t *testing.T) {
	srv := New(config.Config{HTTPAddress: ":0", TwilioAuthToken: "tok"}, nil)
	r := httptest.NewRequest(http.MethodPost, "/incoming-call/twilio", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, r)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unsigned webhook, got %d", w.Code)
	}
}
