package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPostDeliversJSON(t *testing.T) {
	var got map[string]string
	var contentType, userAgent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		userAgent = r.Header.Get("User-Agent")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decoding body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewWebhookSender(Config{AllowPrivate: true}, testLogger())
	err := s.Post(context.Background(), srv.URL, map[string]string{"user": "alice", "text": "hi"})
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if got["user"] != "alice" || got["text"] != "hi" {
		t.Errorf("payload = %v", got)
	}
	if contentType != "application/json" {
		t.Errorf("Content-Type = %q", contentType)
	}
	if !strings.HasPrefix(userAgent, "Msaidizi-Webhook/") {
		t.Errorf("User-Agent = %q", userAgent)
	}
}

func TestPostNon2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	s := NewWebhookSender(Config{AllowPrivate: true}, testLogger())
	err := s.Post(context.Background(), srv.URL, map[string]string{})
	if err == nil || !strings.Contains(err.Error(), "403") {
		t.Errorf("err = %v, want 403 error", err)
	}
}

func TestValidateURLRejectsInternalTargets(t *testing.T) {
	s := NewWebhookSender(Config{}, testLogger())

	for _, raw := range []string{
		"ftp://example.com/hook",
		"http://localhost/hook",
		"http://127.0.0.1:8080/hook",
		"http://[::1]/hook",
		"http://0.0.0.0/hook",
		"http://192.168.1.10/hook",
		"http://10.0.0.1/hook",
		"http://169.254.169.254/latest/meta-data",
	} {
		if err := s.validateURL(raw); err == nil {
			t.Errorf("validateURL(%q) accepted an internal target", raw)
		}
	}
}

func TestAllowPrivateOverride(t *testing.T) {
	s := NewWebhookSender(Config{AllowPrivate: true}, testLogger())
	if err := s.validateURL("http://127.0.0.1:9999/hook"); err != nil {
		t.Errorf("validateURL with AllowPrivate: %v", err)
	}
	// Scheme check still applies.
	if err := s.validateURL("gopher://example.com"); err == nil {
		t.Error("non-HTTP scheme accepted despite AllowPrivate")
	}
}

func TestPostDoesNotFollowRedirects(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		http.Redirect(w, r, "http://169.254.169.254/", http.StatusFound)
	}))
	defer srv.Close()

	s := NewWebhookSender(Config{Timeout: 2 * time.Second, AllowPrivate: true}, testLogger())
	err := s.Post(context.Background(), srv.URL, map[string]string{})
	if err == nil {
		t.Fatal("redirect response treated as success")
	}
	if hits != 1 {
		t.Errorf("hits = %d, redirect was followed", hits)
	}
}

func TestWebhookAdapterAuthorization(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sender := NewWebhookSender(Config{AllowPrivate: true}, testLogger())

	open := NewWebhookAdapter(sender, srv.URL, nil)
	if !open.Authorize("anyone") {
		t.Error("adapter without allowlist rejected a user")
	}
	if err := open.Send(context.Background(), "anyone", "hello"); err != nil {
		t.Errorf("Send: %v", err)
	}

	restricted := NewWebhookAdapter(sender, srv.URL, []string{"alice"})
	if !restricted.Authorize("alice") || restricted.Authorize("bob") {
		t.Error("allowlist not enforced")
	}
}
